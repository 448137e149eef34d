// Package endpoint wires packets, handshakes and the firewall into one
// model endpoint. Inbound packets are validated, handshake traffic is
// dispatched to sessions, and application packets are screened and checked
// against the negotiated scope before delivery.
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/intentlink/internal/auth"
	"github.com/danmuck/intentlink/internal/capability"
	"github.com/danmuck/intentlink/internal/firewall"
	"github.com/danmuck/intentlink/internal/observability"
	"github.com/danmuck/intentlink/internal/protocol"
	"github.com/danmuck/intentlink/internal/protocol/handshake"
	"github.com/danmuck/intentlink/internal/protocol/packet"
	"github.com/danmuck/intentlink/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

// Payload keys combined into the action checked against the negotiated scope.
const (
	ActionKey = "action"
	TargetKey = "target"
)

var (
	ErrNoFirewall = errors.New("endpoint: firewall engine is required")
	ErrNoKeys     = errors.New("endpoint: key ring is required")
)

// Disposition says what Handle did with an inbound packet.
type Disposition uint8

const (
	DispositionRejected Disposition = iota
	DispositionDelivered
	DispositionReplied
	DispositionEstablished
	DispositionForwarded
	DispositionPeerError
)

var dispositionNames = [...]string{
	DispositionRejected:    "rejected",
	DispositionDelivered:   "delivered",
	DispositionReplied:     "replied",
	DispositionEstablished: "established",
	DispositionForwarded:   "forwarded",
	DispositionPeerError:   "peer_error",
}

func (d Disposition) String() string {
	if int(d) < len(dispositionNames) {
		return dispositionNames[d]
	}
	return fmt.Sprintf("Disposition(%d)", uint8(d))
}

// Result is the outcome of Handle. Reply, when set, is addressed to the
// sender: a handshake step or an ERROR packet.
type Result struct {
	Disposition Disposition
	Reply       *packet.Packet
	// Packet is the delivered application packet or the forwarded copy.
	Packet    *packet.Packet
	Verdict   *firewall.Verdict
	Session   string
	PeerError *protocol.Error
}

// Options configures an Endpoint. Firewall and Keys are required.
type Options struct {
	Packet       packet.Config
	Session      session.Config
	Firewall     *firewall.Engine
	Capabilities *capability.Registry
	Keys         auth.KeyRing
	Now          func() time.Time
	NewID        func() string
	Observer     func(handshake.Transition)
}

// Endpoint is one participant in the protocol. It is safe for concurrent use.
type Endpoint struct {
	id       string
	packets  *packet.Handler
	firewall *firewall.Engine
	caps     *capability.Registry
	keys     auth.KeyRing
	sessions *session.Registry
	cfg      session.Config
	now      func() time.Time
	observer func(handshake.Transition)
}

func New(id string, opts Options) (*Endpoint, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.New("endpoint: id is required")
	}
	if opts.Firewall == nil {
		return nil, ErrNoFirewall
	}
	if opts.Keys == nil {
		return nil, ErrNoKeys
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	pcfg := opts.Packet
	if pcfg.Version == "" {
		pcfg = packet.DefaultConfig()
	}
	hopts := []packet.HandlerOption{packet.WithClock(now)}
	if opts.NewID != nil {
		hopts = append(hopts, packet.WithIDSource(opts.NewID))
	}
	handler, err := packet.NewHandler(id, pcfg, hopts...)
	if err != nil {
		return nil, err
	}
	scfg := opts.Session
	if scfg.HandshakeTimeout <= 0 {
		scfg = session.DefaultConfig()
	}
	reg, err := session.NewRegistry(scfg.RetiredTokens)
	if err != nil {
		return nil, err
	}
	caps := opts.Capabilities
	if caps == nil {
		caps, _ = capability.NewRegistry()
	}
	return &Endpoint{
		id:       id,
		packets:  handler,
		firewall: opts.Firewall,
		caps:     caps,
		keys:     opts.Keys,
		sessions: reg,
		cfg:      scfg,
		now:      now,
		observer: opts.Observer,
	}, nil
}

func (e *Endpoint) ID() string { return e.id }

func (e *Endpoint) Packets() *packet.Handler { return e.packets }

// Sessions returns snapshots of the live sessions sorted by token.
func (e *Endpoint) Sessions() []handshake.Snapshot { return e.sessions.List() }

// Session returns a snapshot of the live session with token.
func (e *Endpoint) Session(token string) (handshake.Snapshot, bool) {
	s, ok := e.sessions.Get(token)
	if !ok {
		return handshake.Snapshot{}, false
	}
	return s.Snapshot(), true
}

// Prune retires timed out, expired and closed sessions.
func (e *Endpoint) Prune() []string { return e.sessions.Prune() }

func (e *Endpoint) newSession() (*handshake.Session, error) {
	return handshake.New(e.id, handshake.Options{
		Config:       e.cfg.HandshakeConfig(),
		Keys:         e.keys,
		Screener:     e.firewall,
		Capabilities: e.caps,
		Now:          e.now,
		Observer:     e.observe,
	})
}

func (e *Endpoint) observe(t handshake.Transition) {
	observability.RecordTransition(t.From.String(), t.To.String())
	if t.To == handshake.StateEstablished {
		observability.RecordHandshakeDuration(t.Role.String(), t.Elapsed)
	}
	log.Debug().
		Str("endpoint", e.id).
		Str("session", t.Token).
		Str("from", t.From.String()).
		Str("to", t.To.String()).
		Msg("handshake transition")
	if e.observer != nil {
		e.observer(t)
	}
}

// Initiate opens a session with remote and returns the CONTROL packet
// carrying the signed SYN.
func (e *Endpoint) Initiate(ctx context.Context, remote string, scope []string, boundary map[string]any) (packet.Packet, error) {
	pkt, _, err := e.initiate(ctx, remote, scope, boundary)
	return pkt, err
}

func (e *Endpoint) initiate(ctx context.Context, remote string, scope []string, boundary map[string]any) (packet.Packet, string, error) {
	s, err := e.newSession()
	if err != nil {
		return packet.Packet{}, "", err
	}
	syn, err := s.Initiate(ctx, remote, scope, boundary)
	if err != nil {
		return packet.Packet{}, "", err
	}
	if err := e.sessions.Put(s); err != nil {
		return packet.Packet{}, "", err
	}
	pkt, err := e.controlPacket(remote, syn)
	if err != nil {
		e.abandon(syn.SessionToken)
		return packet.Packet{}, "", err
	}
	log.Info().
		Str("endpoint", e.id).
		Str("remote", remote).
		Str("session", syn.SessionToken).
		Strs("scope", syn.RequestedScope).
		Msg("handshake initiated")
	return pkt, syn.SessionToken, nil
}

// abandon fails an unfinished session and retires its token.
func (e *Endpoint) abandon(token string) {
	if s, ok := e.sessions.Get(token); ok {
		_ = s.Close()
	}
	e.sessions.Retire(token)
}

// Send wraps payload in a REQUEST packet for remote. It requires an
// ESTABLISHED session and an outbound firewall ALLOW or REVIEW.
func (e *Endpoint) Send(ctx context.Context, remote string, payload packet.Payload) (packet.Packet, error) {
	if _, ok := e.sessions.Established(remote); !ok {
		return packet.Packet{}, protocol.Newf(protocol.KindScopeViolation, "no established session with %s", remote)
	}
	verdict := e.firewall.EvaluateContext(ctx, map[string]any(payload), true)
	observability.RecordVerdict(verdict.Action.String(), verdict.Category())
	if err := verdict.Err(); err != nil {
		return packet.Packet{}, err
	}
	return e.packets.Create(payload, remote, packet.TypeRequest)
}

// Close ends every live session with remote.
func (e *Endpoint) Close(remote string) error {
	closed := 0
	for _, snap := range e.sessions.List() {
		if snap.Remote != remote {
			continue
		}
		if s, ok := e.sessions.Get(snap.Token); ok {
			_ = s.Close()
		}
		e.sessions.Retire(snap.Token)
		closed++
	}
	if closed == 0 {
		return protocol.Newf(protocol.KindInvalidState, "no session with %s", remote)
	}
	log.Info().Str("endpoint", e.id).Str("remote", remote).Int("sessions", closed).Msg("sessions closed")
	return nil
}

// Handle processes one inbound packet. On failure it returns the typed
// error and, where a sender is known, an ERROR packet in Result.Reply.
// Rejecting a packet never closes the session it arrived on.
func (e *Endpoint) Handle(ctx context.Context, pkt packet.Packet) (Result, error) {
	if err := e.packets.Validate(pkt); err != nil {
		observability.RecordPacketValidation(protocol.KindOf(err).String())
		return e.reject(pkt, err, "")
	}
	observability.RecordPacketValidation("ok")

	if pkt.Header.DstEndpoint != e.id {
		fwd, err := e.packets.Forward(pkt, pkt.Header.DstEndpoint)
		if err != nil {
			return e.reject(pkt, err, "")
		}
		log.Debug().
			Str("endpoint", e.id).
			Str("semantic_id", pkt.Header.SemanticID).
			Str("dst", pkt.Header.DstEndpoint).
			Msg("packet forwarded")
		return Result{Disposition: DispositionForwarded, Packet: &fwd}, nil
	}

	switch pkt.Header.Type {
	case packet.TypeError:
		return e.handlePeerError(ctx, pkt)
	case packet.TypeControl:
		return e.handleControl(ctx, pkt)
	default:
		return e.handleApplication(ctx, pkt)
	}
}

// handlePeerError accepts an ERROR only from a peer this endpoint holds a
// live session with, and only after the firewall has screened it. A
// rejected ERROR never gets an ERROR in reply.
func (e *Endpoint) handlePeerError(ctx context.Context, pkt packet.Packet) (Result, error) {
	src := pkt.Header.SrcEndpoint
	if !e.sessions.Active(src) {
		return e.reject(pkt, protocol.Newf(protocol.KindScopeViolation, "no session with %s", src), "")
	}
	perr, ok := packet.ErrorFromPacket(pkt)
	if !ok {
		return e.reject(pkt, protocol.New(protocol.KindInvalidFormat, "malformed error packet"), "")
	}

	verdict := e.firewall.EvaluateContext(ctx, errorScreenFields(pkt.Payload), true)
	observability.RecordVerdict(verdict.Action.String(), verdict.Category())
	if err := verdict.Err(); err != nil {
		log.Warn().
			Str("endpoint", e.id).
			Str("src", src).
			Strs("rules", verdict.RuleIDs()).
			Msg("peer error denied by firewall")
		res, rerr := e.reject(pkt, err, "")
		res.Verdict = &verdict
		return res, rerr
	}
	log.Warn().
		Str("endpoint", e.id).
		Str("src", src).
		Str("code", perr.ErrorCode()).
		Err(perr).
		Msg("peer reported error")
	return Result{Disposition: DispositionPeerError, Packet: &pkt, Verdict: &verdict, PeerError: perr}, nil
}

// errorScreenFields drops the identifier fields ErrorFromPacket has already
// checked; rule ids would otherwise match the rules they name.
func errorScreenFields(p packet.Payload) map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		switch k {
		case packet.ErrorCodeKey, packet.ErrorRuleIDsKey, packet.ErrorOriginalIDKey:
			continue
		}
		out[k] = v
	}
	return out
}

func (e *Endpoint) handleControl(ctx context.Context, pkt packet.Packet) (Result, error) {
	raw, ok := pkt.Payload[handshake.PayloadKey].(map[string]any)
	if !ok {
		return e.reject(pkt, protocol.New(protocol.KindInvalidFormat, "control packet carries no handshake message"), "")
	}
	msg, err := handshake.DecodeMessage(raw)
	if err != nil {
		return e.reject(pkt, err, "")
	}
	if msg.SrcEndpoint != pkt.Header.SrcEndpoint || msg.DstEndpoint != e.id {
		return e.reject(pkt, protocol.Newf(protocol.KindInvalidFormat,
			"handshake %s->%s carried by packet %s->%s", msg.SrcEndpoint, msg.DstEndpoint, pkt.Header.SrcEndpoint, pkt.Header.DstEndpoint), msg.SessionToken)
	}

	switch msg.Kind {
	case handshake.KindSyn:
		return e.handleSyn(ctx, pkt, msg)
	case handshake.KindSynAck:
		s, ok := e.sessions.Get(msg.SessionToken)
		if !ok {
			return e.reject(pkt, e.unknownToken(msg.SessionToken), msg.SessionToken)
		}
		ack, err := s.ReceiveSynAck(ctx, msg)
		if err != nil {
			e.retireIfFailed(s)
			return e.reject(pkt, err, msg.SessionToken)
		}
		reply, err := e.controlPacket(pkt.Header.SrcEndpoint, ack)
		if err != nil {
			return Result{Session: msg.SessionToken}, err
		}
		e.logEstablished(s)
		return Result{Disposition: DispositionEstablished, Reply: &reply, Session: msg.SessionToken}, nil
	default:
		s, ok := e.sessions.Get(msg.SessionToken)
		if !ok {
			return e.reject(pkt, e.unknownToken(msg.SessionToken), msg.SessionToken)
		}
		if err := s.ReceiveAck(ctx, msg); err != nil {
			e.retireIfFailed(s)
			return e.reject(pkt, err, msg.SessionToken)
		}
		e.logEstablished(s)
		return Result{Disposition: DispositionEstablished, Session: msg.SessionToken}, nil
	}
}

func (e *Endpoint) handleSyn(ctx context.Context, pkt packet.Packet, msg handshake.Message) (Result, error) {
	if e.sessions.Known(msg.SessionToken) {
		return e.reject(pkt, protocol.Newf(protocol.KindReplayDetected, "session token %s already used", msg.SessionToken), msg.SessionToken)
	}
	s, err := e.newSession()
	if err != nil {
		return Result{}, err
	}
	synAck, synErr := s.ReceiveSyn(ctx, msg)
	if s.Token() != "" {
		if err := e.sessions.Put(s); err != nil {
			return e.reject(pkt, err, msg.SessionToken)
		}
	}
	if synErr != nil {
		e.retireIfFailed(s)
		return e.reject(pkt, synErr, msg.SessionToken)
	}
	reply, err := e.controlPacket(pkt.Header.SrcEndpoint, synAck)
	if err != nil {
		return Result{Session: msg.SessionToken}, err
	}
	log.Info().
		Str("endpoint", e.id).
		Str("remote", msg.SrcEndpoint).
		Str("session", msg.SessionToken).
		Strs("negotiated", synAck.NegotiatedScope).
		Msg("handshake accepted")
	return Result{Disposition: DispositionReplied, Reply: &reply, Session: msg.SessionToken}, nil
}

func (e *Endpoint) handleApplication(ctx context.Context, pkt packet.Packet) (Result, error) {
	src := pkt.Header.SrcEndpoint
	s, ok := e.sessions.Established(src)
	if !ok {
		return e.reject(pkt, protocol.Newf(protocol.KindScopeViolation, "no established session with %s", src), "")
	}
	token := s.Token()

	verdict := e.firewall.EvaluateContext(ctx, map[string]any(pkt.Payload), true)
	observability.RecordVerdict(verdict.Action.String(), verdict.Category())
	if err := verdict.Err(); err != nil {
		log.Warn().
			Str("endpoint", e.id).
			Str("semantic_id", pkt.Header.SemanticID).
			Str("session", token).
			Strs("rules", verdict.RuleIDs()).
			Msg("packet denied by firewall")
		res, rerr := e.reject(pkt, err, token)
		res.Verdict = &verdict
		return res, rerr
	}
	if verdict.Action == firewall.ActionReview {
		log.Warn().
			Str("endpoint", e.id).
			Str("semantic_id", pkt.Header.SemanticID).
			Str("session", token).
			Strs("rules", verdict.RuleIDs()).
			Msg("packet flagged for review")
	}

	if err := checkScope(s, pkt.Payload); err != nil {
		res, rerr := e.reject(pkt, err, token)
		res.Verdict = &verdict
		return res, rerr
	}

	log.Debug().
		Str("endpoint", e.id).
		Str("semantic_id", pkt.Header.SemanticID).
		Str("session", token).
		Str("action", verdict.Action.String()).
		Msg("packet delivered")
	return Result{Disposition: DispositionDelivered, Packet: &pkt, Verdict: &verdict, Session: token}, nil
}

// checkScope matches the payload action, joined with its target when one is
// given, against the negotiated scope. Payloads without an action are
// screened only.
func checkScope(s *handshake.Session, p packet.Payload) error {
	raw, ok := p[ActionKey]
	if !ok {
		return nil
	}
	action, ok := raw.(string)
	if !ok {
		return protocol.Newf(protocol.KindScopeViolation, "%s must be a string", ActionKey)
	}
	want := action
	if rawTarget, ok := p[TargetKey]; ok {
		target, ok := rawTarget.(string)
		if !ok {
			return protocol.Newf(protocol.KindScopeViolation, "%s must be a string", TargetKey)
		}
		want = action + "_" + target
	}
	if !s.Permits(want) {
		return protocol.Newf(protocol.KindScopeViolation, "%s is outside the negotiated scope", want)
	}
	return nil
}

func (e *Endpoint) controlPacket(remote string, msg handshake.Message) (packet.Packet, error) {
	fields, err := msg.Fields()
	if err != nil {
		return packet.Packet{}, err
	}
	return e.packets.Create(packet.Payload{handshake.PayloadKey: fields}, remote, packet.TypeControl)
}

// reject builds the ERROR packet for err when the sender is known. An
// ERROR is never answered with another ERROR.
func (e *Endpoint) reject(pkt packet.Packet, err error, token string) (Result, error) {
	res := Result{Disposition: DispositionRejected, Session: token}
	log.Debug().
		Str("endpoint", e.id).
		Str("semantic_id", pkt.Header.SemanticID).
		Str("src", pkt.Header.SrcEndpoint).
		Err(err).
		Msg("packet rejected")
	if strings.TrimSpace(pkt.Header.SrcEndpoint) == "" || pkt.Header.Type == packet.TypeError {
		return res, err
	}
	var pe *protocol.Error
	if !errors.As(err, &pe) {
		pe = protocol.New(protocol.KindOf(err), err.Error())
	}
	errPkt, buildErr := e.packets.BuildErrorFor(pkt, pe)
	if buildErr != nil {
		log.Error().Err(buildErr).Str("endpoint", e.id).Msg("build error packet")
		return res, err
	}
	res.Reply = &errPkt
	return res, err
}

func (e *Endpoint) unknownToken(token string) error {
	if e.sessions.Known(token) {
		return protocol.Newf(protocol.KindReplayDetected, "session %s is retired", token)
	}
	return protocol.Newf(protocol.KindInvalidState, "no session %s", token)
}

func (e *Endpoint) retireIfFailed(s *handshake.Session) {
	if s.State() == handshake.StateFailed && s.Token() != "" {
		e.sessions.Retire(s.Token())
	}
}

func (e *Endpoint) logEstablished(s *handshake.Session) {
	snap := s.Snapshot()
	log.Info().
		Str("endpoint", e.id).
		Str("remote", snap.Remote).
		Str("session", snap.Token).
		Str("role", snap.Role.String()).
		Strs("negotiated", snap.NegotiatedScope).
		Msg("session established")
}
