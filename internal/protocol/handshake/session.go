package handshake

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/intentlink/internal/auth"
	"github.com/danmuck/intentlink/internal/firewall"
	"github.com/danmuck/intentlink/internal/protocol"
	"github.com/danmuck/intentlink/internal/protocol/canonical"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	DefaultStateTimeout    = 30 * time.Second
	DefaultSessionLifetime = time.Hour
)

type Config struct {
	// StateTimeout bounds the wait for the next message in SYN_SENT and
	// SYN_RECEIVED.
	StateTimeout time.Duration
	// SessionLifetime closes an ESTABLISHED session once elapsed. Zero
	// disables expiry.
	SessionLifetime    time.Duration
	SignatureCacheSize int
}

func DefaultConfig() Config {
	return Config{
		StateTimeout:       DefaultStateTimeout,
		SessionLifetime:    DefaultSessionLifetime,
		SignatureCacheSize: canonical.DefaultCacheSize,
	}
}

// Screener is the firewall boundary used on inbound scope requests.
type Screener interface {
	EvaluateContext(ctx context.Context, state any, sessionScoped bool) firewall.Verdict
}

// Negotiator computes the narrowed scope granted for a domain.
type Negotiator interface {
	Negotiate(domain string, requested []string) ([]string, map[string]any, error)
}

// Transition is reported to Options.Observer after each state change.
type Transition struct {
	Token string
	Role  Role
	From  State
	To    State
	At    time.Time
	// Elapsed is set on entry to ESTABLISHED: time since the session left INIT.
	Elapsed time.Duration
	// Err is set on entry to FAILED and on lifetime expiry.
	Err error
}

type Options struct {
	Config       Config
	Keys         auth.KeyRing
	Screener     Screener
	Capabilities Negotiator
	Now          func() time.Time
	// Observer is called outside the session lock.
	Observer func(Transition)
}

// Session is one handshake attempt and, once ESTABLISHED, the resulting
// session. All methods are safe for concurrent use; transitions are
// serialized by a per-session mutex.
type Session struct {
	mu sync.Mutex

	cfg      Config
	keys     auth.KeyRing
	screener Screener
	caps     Negotiator
	now      func() time.Time
	observer func(Transition)

	local  string
	remote string
	token  string
	role   Role
	state  State
	signer *canonical.Signer

	// sequence is the highest value sent or accepted on this session.
	sequence uint64

	requested   []string
	negotiated  []string
	boundary    map[string]any
	constraints map[string]any

	startedAt     time.Time
	deadline      time.Time
	establishedAt time.Time
	expiresAt     time.Time

	reviewRules []string
	failure     error
	events      []Transition
}

func New(local string, opts Options) (*Session, error) {
	if strings.TrimSpace(local) == "" {
		return nil, errors.New("handshake: local endpoint is required")
	}
	if opts.Keys == nil {
		return nil, errors.New("handshake: key ring is required")
	}
	cfg := opts.Config
	if cfg.StateTimeout <= 0 {
		cfg.StateTimeout = DefaultStateTimeout
	}
	if cfg.SessionLifetime < 0 {
		return nil, errors.New("handshake: session lifetime must be >= 0")
	}
	if cfg.SignatureCacheSize <= 0 {
		cfg.SignatureCacheSize = canonical.DefaultCacheSize
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Session{
		cfg:      cfg,
		keys:     opts.Keys,
		screener: opts.Screener,
		caps:     opts.Capabilities,
		now:      now,
		observer: opts.Observer,
		local:    local,
		state:    StateInit,
	}, nil
}

// Initiate starts the handshake toward remote and returns the signed SYN.
func (s *Session) Initiate(_ context.Context, remote string, scope []string, boundary map[string]any) (Message, error) {
	s.mu.Lock()
	msg, err := s.initiateLocked(remote, scope, boundary)
	events := s.takeEventsLocked()
	s.mu.Unlock()
	s.emit(events)
	return msg, err
}

func (s *Session) initiateLocked(remote string, scope []string, boundary map[string]any) (Message, error) {
	now := s.now()
	if err := s.checkTimeLocked(now); err != nil {
		return Message{}, err
	}
	if s.state != StateInit {
		return Message{}, protocol.Newf(protocol.KindInvalidState, "initiate in %s", s.state)
	}
	s.role = RoleInitiator
	s.token = uuid.NewString()
	s.remote = remote
	s.startedAt = now

	requested := normalizeScope(scope)
	if strings.TrimSpace(remote) == "" || len(requested) == 0 {
		return Message{}, s.failLocked(now, protocol.New(protocol.KindInvalidFormat, "initiate needs a remote and a non-empty scope"))
	}
	if err := s.deriveSignerLocked(); err != nil {
		return Message{}, s.failLocked(now, err)
	}
	s.requested = requested
	s.boundary = maps.Clone(boundary)

	msg := Message{
		Kind:             KindSyn,
		SessionToken:     s.token,
		Sequence:         s.nextSequenceLocked(),
		SrcEndpoint:      s.local,
		DstEndpoint:      s.remote,
		RequestedScope:   slices.Clone(s.requested),
		SemanticBoundary: maps.Clone(s.boundary),
		Timestamp:        now.UTC(),
	}
	if err := s.signLocked(&msg); err != nil {
		return Message{}, s.failLocked(now, err)
	}
	s.transitionLocked(now, StateSynSent)
	s.deadline = now.Add(s.cfg.StateTimeout)
	return msg, nil
}

// ReceiveSyn accepts the initiator's SYN on a fresh session and returns the
// signed SYN_ACK carrying the narrowed scope.
func (s *Session) ReceiveSyn(ctx context.Context, msg Message) (Message, error) {
	s.mu.Lock()
	reply, err := s.receiveSynLocked(ctx, msg)
	events := s.takeEventsLocked()
	s.mu.Unlock()
	s.emit(events)
	return reply, err
}

func (s *Session) receiveSynLocked(ctx context.Context, msg Message) (Message, error) {
	now := s.now()
	if err := s.precheckLocked(now, msg, KindSyn); err != nil {
		return Message{}, err
	}
	if s.state == StateInit {
		s.role = RoleResponder
		s.token = msg.SessionToken
		s.remote = msg.SrcEndpoint
		s.startedAt = now
		if err := s.deriveSignerLocked(); err != nil {
			return Message{}, s.failLocked(now, protocol.Wrap(protocol.KindSignatureInvalid, "no key for peer", err))
		}
	}
	if err := s.verifyLocked(now, msg); err != nil {
		return Message{}, err
	}
	if s.state != StateInit {
		return Message{}, protocol.Newf(protocol.KindInvalidState, "SYN in %s", s.state)
	}
	s.sequence = msg.Sequence

	if msg.DstEndpoint != s.local {
		return Message{}, s.failLocked(now, protocol.Newf(protocol.KindInvalidFormat, "SYN addressed to %q", msg.DstEndpoint))
	}
	requested := normalizeScope(msg.RequestedScope)
	if len(requested) == 0 {
		return Message{}, s.failLocked(now, protocol.New(protocol.KindScopeViolation, "empty requested scope"))
	}
	s.requested = requested
	s.boundary = maps.Clone(msg.SemanticBoundary)

	if err := s.screenLocked(ctx, now, msg); err != nil {
		return Message{}, err
	}

	if s.caps == nil {
		return Message{}, s.failLocked(now, protocol.New(protocol.KindScopeViolation, "no capability registry"))
	}
	granted, constraints, err := s.caps.Negotiate(msg.Domain(), requested)
	if err != nil {
		return Message{}, s.failLocked(now, protocol.Wrap(protocol.KindScopeViolation, "negotiate", err))
	}
	if len(granted) == 0 {
		return Message{}, s.failLocked(now, protocol.Newf(protocol.KindScopeViolation, "nothing in %v is permitted", requested))
	}
	if !isSubset(granted, requested) {
		return Message{}, s.failLocked(now, protocol.New(protocol.KindScopeViolation, "negotiated scope widens request"))
	}
	s.negotiated = granted
	s.constraints = constraints

	reply := Message{
		Kind:            KindSynAck,
		SessionToken:    s.token,
		Sequence:        s.nextSequenceLocked(),
		SrcEndpoint:     s.local,
		DstEndpoint:     s.remote,
		NegotiatedScope: slices.Clone(s.negotiated),
		Constraints:     maps.Clone(s.constraints),
		Timestamp:       now.UTC(),
	}
	if err := s.signLocked(&reply); err != nil {
		return Message{}, s.failLocked(now, err)
	}
	s.transitionLocked(now, StateSynReceived)
	s.deadline = now.Add(s.cfg.StateTimeout)
	return reply, nil
}

// ReceiveSynAck completes the initiator side and returns the signed ACK.
func (s *Session) ReceiveSynAck(ctx context.Context, msg Message) (Message, error) {
	s.mu.Lock()
	reply, err := s.receiveSynAckLocked(ctx, msg)
	events := s.takeEventsLocked()
	s.mu.Unlock()
	s.emit(events)
	return reply, err
}

func (s *Session) receiveSynAckLocked(ctx context.Context, msg Message) (Message, error) {
	now := s.now()
	if err := s.precheckLocked(now, msg, KindSynAck); err != nil {
		return Message{}, err
	}
	if s.state == StateInit {
		return Message{}, protocol.New(protocol.KindInvalidState, "SYN_ACK before initiate")
	}
	if err := s.verifyLocked(now, msg); err != nil {
		return Message{}, err
	}
	if s.state != StateSynSent {
		return Message{}, protocol.Newf(protocol.KindInvalidState, "SYN_ACK in %s", s.state)
	}
	s.sequence = msg.Sequence

	negotiated := normalizeScope(msg.NegotiatedScope)
	if len(negotiated) == 0 {
		return Message{}, s.failLocked(now, protocol.New(protocol.KindScopeViolation, "empty negotiated scope"))
	}
	if !isSubset(negotiated, s.requested) {
		return Message{}, s.failLocked(now, protocol.Newf(protocol.KindScopeViolation,
			"negotiated %v is not within requested %v", negotiated, s.requested))
	}
	if s.screener != nil {
		if err := s.screenLocked(ctx, now, msg); err != nil {
			return Message{}, err
		}
	}
	s.negotiated = negotiated
	s.constraints = maps.Clone(msg.Constraints)

	ack := Message{
		Kind:         KindAck,
		SessionToken: s.token,
		Sequence:     s.nextSequenceLocked(),
		SrcEndpoint:  s.local,
		DstEndpoint:  s.remote,
		Timestamp:    now.UTC(),
	}
	if err := s.signLocked(&ack); err != nil {
		return Message{}, s.failLocked(now, err)
	}
	s.establishLocked(now)
	return ack, nil
}

// ReceiveAck completes the responder side.
func (s *Session) ReceiveAck(_ context.Context, msg Message) error {
	s.mu.Lock()
	err := s.receiveAckLocked(msg)
	events := s.takeEventsLocked()
	s.mu.Unlock()
	s.emit(events)
	return err
}

func (s *Session) receiveAckLocked(msg Message) error {
	now := s.now()
	if err := s.precheckLocked(now, msg, KindAck); err != nil {
		return err
	}
	if s.state == StateInit {
		return protocol.New(protocol.KindInvalidState, "ACK before SYN")
	}
	if err := s.verifyLocked(now, msg); err != nil {
		return err
	}
	if s.state != StateSynReceived {
		return protocol.Newf(protocol.KindInvalidState, "ACK in %s", s.state)
	}
	s.sequence = msg.Sequence
	s.establishLocked(now)
	return nil
}

// Close ends the session. An ESTABLISHED session becomes CLOSED; an
// unfinished handshake becomes FAILED. Closing a terminal session is a no-op.
func (s *Session) Close() error {
	s.mu.Lock()
	now := s.now()
	switch {
	case s.state.IsTerminal():
	case s.state == StateEstablished:
		s.transitionLocked(now, StateClosed)
	default:
		_ = s.failLocked(now, protocol.New(protocol.KindInvalidState, "closed before established"))
	}
	events := s.takeEventsLocked()
	s.mu.Unlock()
	s.emit(events)
	return nil
}

// Poll applies deadlines and lifetime expiry and returns the resulting state.
func (s *Session) Poll() State {
	s.mu.Lock()
	_ = s.checkTimeLocked(s.now())
	state := s.state
	events := s.takeEventsLocked()
	s.mu.Unlock()
	s.emit(events)
	return state
}

// Permits reports whether action is in the negotiated scope of a live
// ESTABLISHED session.
func (s *Session) Permits(action string) bool {
	s.mu.Lock()
	_ = s.checkTimeLocked(s.now())
	ok := s.state == StateEstablished && slices.Contains(s.negotiated, action)
	events := s.takeEventsLocked()
	s.mu.Unlock()
	s.emit(events)
	return ok
}

func (s *Session) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

func (s *Session) Remote() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot is a read-only copy of session state. It holds no key material.
type Snapshot struct {
	Token            string
	Local            string
	Remote           string
	Role             Role
	State            State
	Sequence         uint64
	RequestedScope   []string
	NegotiatedScope  []string
	SemanticBoundary map[string]any
	Constraints      map[string]any
	Deadline         time.Time
	EstablishedAt    time.Time
	ExpiresAt        time.Time
	// ReviewRules lists firewall rules that flagged the scope request.
	ReviewRules []string
	Failure     error
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Token:            s.token,
		Local:            s.local,
		Remote:           s.remote,
		Role:             s.role,
		State:            s.state,
		Sequence:         s.sequence,
		RequestedScope:   slices.Clone(s.requested),
		NegotiatedScope:  slices.Clone(s.negotiated),
		SemanticBoundary: maps.Clone(s.boundary),
		Constraints:      maps.Clone(s.constraints),
		Deadline:         s.deadline,
		EstablishedAt:    s.establishedAt,
		ExpiresAt:        s.expiresAt,
		ReviewRules:      slices.Clone(s.reviewRules),
		Failure:          s.failure,
	}
}

// precheckLocked runs the checks that precede signature verification:
// time, terminal state, message kind and session identity.
func (s *Session) precheckLocked(now time.Time, msg Message, want Kind) error {
	if err := s.checkTimeLocked(now); err != nil {
		return err
	}
	if s.state.IsTerminal() {
		return protocol.Newf(protocol.KindInvalidState, "session is %s", s.state)
	}
	if msg.Kind != want {
		return protocol.Newf(protocol.KindInvalidState, "expected %s, got %s", want, msg.Kind)
	}
	if s.state != StateInit {
		if msg.SessionToken != s.token || msg.SrcEndpoint != s.remote {
			return protocol.New(protocol.KindInvalidState, "message belongs to another session")
		}
	}
	return nil
}

// verifyLocked checks signature then sequence freshness. Either failure is
// terminal.
func (s *Session) verifyLocked(now time.Time, msg Message) error {
	ok, err := s.signer.Verify(msg, msg.Signature)
	if err != nil {
		return s.failLocked(now, protocol.Wrap(protocol.KindSignatureInvalid, "verify", err))
	}
	if !ok {
		return s.failLocked(now, protocol.Newf(protocol.KindSignatureInvalid, "%s signature mismatch", msg.Kind))
	}
	if msg.Sequence <= s.sequence {
		return s.failLocked(now, protocol.Newf(protocol.KindReplayDetected,
			"%s sequence %d not after %d", msg.Kind, msg.Sequence, s.sequence))
	}
	return nil
}

func (s *Session) screenLocked(ctx context.Context, now time.Time, msg Message) error {
	if s.screener == nil {
		return nil
	}
	verdict := s.screener.EvaluateContext(ctx, msg.ScreenFields(), false)
	switch verdict.Action {
	case firewall.ActionDeny:
		return s.failLocked(now, verdict.Err())
	case firewall.ActionReview:
		s.reviewRules = append(s.reviewRules, verdict.RuleIDs()...)
		log.Info().
			Str("session", s.token).
			Strs("rules", verdict.RuleIDs()).
			Msg("handshake scope flagged for review")
	}
	return nil
}

// checkTimeLocked fails a handshake past its state deadline and closes an
// ESTABLISHED session past its lifetime.
func (s *Session) checkTimeLocked(now time.Time) error {
	switch s.state {
	case StateSynSent, StateSynReceived:
		if !s.deadline.IsZero() && !now.Before(s.deadline) {
			return s.failLocked(now, protocol.Newf(protocol.KindTimeout, "no reply within %s in %s", s.cfg.StateTimeout, s.state))
		}
	case StateEstablished:
		if !s.expiresAt.IsZero() && !now.Before(s.expiresAt) {
			s.failure = protocol.New(protocol.KindTimeout, "session lifetime elapsed")
			s.transitionLocked(now, StateClosed)
			return s.failure
		}
	}
	return nil
}

func (s *Session) deriveSignerLocked() error {
	psk, err := s.keys.SharedKey(s.remote)
	if err != nil {
		return protocol.Wrap(protocol.KindSignatureInvalid, "shared key", err)
	}
	key, err := auth.DeriveSessionKey(psk, s.token)
	if err != nil {
		return protocol.Wrap(protocol.KindSignatureInvalid, "derive session key", err)
	}
	signer, err := canonical.NewSigner(key, s.cfg.SignatureCacheSize)
	if err != nil {
		return protocol.Wrap(protocol.KindInternal, "signer", err)
	}
	s.signer = signer
	return nil
}

func (s *Session) signLocked(msg *Message) error {
	msg.Signature = ""
	sig, err := s.signer.Sign(msg)
	if err != nil {
		return protocol.Wrap(protocol.KindInternal, "sign", err)
	}
	msg.Signature = sig
	return nil
}

func (s *Session) nextSequenceLocked() uint64 {
	s.sequence++
	return s.sequence
}

func (s *Session) establishLocked(now time.Time) {
	s.establishedAt = now
	s.deadline = time.Time{}
	if s.cfg.SessionLifetime > 0 {
		s.expiresAt = now.Add(s.cfg.SessionLifetime)
	}
	s.transitionLocked(now, StateEstablished)
}

func (s *Session) failLocked(now time.Time, err error) error {
	s.failure = err
	s.deadline = time.Time{}
	s.transitionLocked(now, StateFailed)
	log.Warn().
		Str("session", s.token).
		Str("role", s.role.String()).
		Str("kind", protocol.KindOf(err).String()).
		Err(err).
		Msg("handshake failed")
	return err
}

func (s *Session) transitionLocked(now time.Time, to State) {
	from := s.state
	s.state = to
	t := Transition{Token: s.token, Role: s.role, From: from, To: to, At: now}
	if to == StateEstablished && !s.startedAt.IsZero() {
		t.Elapsed = now.Sub(s.startedAt)
	}
	if to == StateFailed || (to == StateClosed && s.failure != nil) {
		t.Err = s.failure
	}
	s.events = append(s.events, t)
	log.Debug().
		Str("session", s.token).
		Str("role", s.role.String()).
		Str("from", from.String()).
		Str("state", to.String()).
		Msg("handshake transition")
}

func (s *Session) takeEventsLocked() []Transition {
	events := s.events
	s.events = nil
	return events
}

func (s *Session) emit(events []Transition) {
	if s.observer == nil {
		return
	}
	for _, t := range events {
		s.observer(t)
	}
}

// normalizeScope trims, drops empties, sorts and deduplicates.
func normalizeScope(scope []string) []string {
	out := make([]string, 0, len(scope))
	for _, a := range scope {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func isSubset(sub, super []string) bool {
	for _, a := range sub {
		if !slices.Contains(super, a) {
			return false
		}
	}
	return true
}

func (s Snapshot) String() string {
	return fmt.Sprintf("session %s %s->%s %s %s", s.Token, s.Local, s.Remote, s.Role, s.State)
}
