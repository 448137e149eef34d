package packet

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/danmuck/intentlink/internal/protocol"
	"github.com/danmuck/intentlink/internal/protocol/canonical"
	"github.com/danmuck/intentlink/internal/protocol/schema"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	DefaultTTL             = 10
	MaxTTL                 = 255
	DefaultMaxPayloadBytes = 1 << 20
)

// Payload keys of an ERROR packet body.
const (
	ErrorKindKey       = "error_kind"
	ErrorCodeKey       = "error_code"
	ErrorMessageKey    = "message"
	ErrorOriginalIDKey = "original_semantic_id"
	ErrorRuleIDsKey    = "rule_ids"
)

// identPattern bounds the error codes and rule ids an ERROR may carry.
var identPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]{0,63}$`)

type Config struct {
	Version           string
	SupportedVersions []string
	DefaultTTL        int
	MaxPayloadBytes   int
}

func DefaultConfig() Config {
	return Config{
		Version:           protocol.Version,
		SupportedVersions: protocol.SupportedVersions(),
		DefaultTTL:        DefaultTTL,
		MaxPayloadBytes:   DefaultMaxPayloadBytes,
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Version) == "" {
		return errors.New("packet: version is required")
	}
	if len(c.SupportedVersions) == 0 {
		return errors.New("packet: supported_versions must not be empty")
	}
	if !slices.Contains(c.SupportedVersions, c.Version) {
		return fmt.Errorf("packet: version %q is not in supported_versions", c.Version)
	}
	if c.DefaultTTL < 1 || c.DefaultTTL > MaxTTL {
		return fmt.Errorf("packet: default_ttl %d out of range 1..%d", c.DefaultTTL, MaxTTL)
	}
	if c.MaxPayloadBytes <= 0 {
		return errors.New("packet: max_payload_bytes must be > 0")
	}
	return nil
}

// Handler creates and checks packets on behalf of one local endpoint.
// It holds no mutable state and is safe for concurrent use.
type Handler struct {
	cfg   Config
	local string
	now   func() time.Time
	newID func() string
}

type HandlerOption func(*Handler)

func WithClock(now func() time.Time) HandlerOption {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

func WithIDSource(newID func() string) HandlerOption {
	return func(h *Handler) {
		if newID != nil {
			h.newID = newID
		}
	}
}

func NewHandler(local string, cfg Config, opts ...HandlerOption) (*Handler, error) {
	if strings.TrimSpace(local) == "" {
		return nil, errors.New("packet: local endpoint is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.SupportedVersions = slices.Clone(cfg.SupportedVersions)
	h := &Handler{
		cfg:   cfg,
		local: local,
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

func (h *Handler) Local() string { return h.local }

func (h *Handler) Config() Config {
	cfg := h.cfg
	cfg.SupportedVersions = slices.Clone(cfg.SupportedVersions)
	return cfg
}

type createOptions struct {
	ttl int
}

type CreateOption func(*createOptions)

// WithTTL overrides the configured default hop budget.
func WithTTL(ttl int) CreateOption {
	return func(o *createOptions) { o.ttl = ttl }
}

// Create stamps a fresh packet: digest of the canonical payload, new
// semantic id, hop count zero.
func (h *Handler) Create(payload Payload, dst string, typ Type, opts ...CreateOption) (Packet, error) {
	o := createOptions{ttl: h.cfg.DefaultTTL}
	for _, opt := range opts {
		opt(&o)
	}
	if !typ.Valid() {
		return Packet{}, protocol.Newf(protocol.KindInvalidFormat, "packet type %d", uint8(typ))
	}
	if o.ttl < 1 || o.ttl > MaxTTL {
		return Packet{}, protocol.Newf(protocol.KindInvalidFormat, "ttl %d out of range 1..%d", o.ttl, MaxTTL)
	}
	if payload == nil {
		payload = Payload{}
	}
	body := payload.Clone()
	digest, err := canonical.Digest(body)
	if err != nil {
		return Packet{}, protocol.Wrap(protocol.KindInvalidFormat, "canonicalize payload", err)
	}

	pkt := Packet{
		Header: Header{
			ContentHash: digest,
			SemanticID:  h.newID(),
			TTL:         o.ttl,
			Version:     h.cfg.Version,
			SrcEndpoint: h.local,
			DstEndpoint: dst,
			HopCount:    0,
			Type:        typ,
			Timestamp:   h.now().UTC(),
		},
		Payload: body,
	}
	log.Debug().
		Str("semantic_id", pkt.Header.SemanticID).
		Str("type", typ.String()).
		Str("dst", dst).
		Int("ttl", o.ttl).
		Msg("packet.Create")
	return pkt, nil
}

// Validate checks, in order: required header fields, integrity, TTL,
// version and payload size.
func (h *Handler) Validate(pkt Packet) error {
	if err := schema.Validate(schema.KindPacketHeader, headerFields(pkt.Header)); err != nil {
		var ve schema.ValidationError
		field := ""
		if errors.As(err, &ve) {
			field = ve.Field
		}
		return h.reject(pkt, protocol.Wrap(protocol.KindMissingHeader, field, err))
	}
	if pkt.Header.HopCount < 0 {
		return h.reject(pkt, protocol.Newf(protocol.KindInvalidFormat, "hop_count %d", pkt.Header.HopCount))
	}

	body, err := canonical.Encode(normalizedPayload(pkt.Payload))
	if err != nil {
		return h.reject(pkt, protocol.Wrap(protocol.KindInvalidFormat, "canonicalize payload", err))
	}
	if canonical.DigestBytes(body) != pkt.Header.ContentHash {
		return h.reject(pkt, protocol.New(protocol.KindIntegrityMismatch, "content hash does not match payload"))
	}

	if pkt.Header.TTL <= 0 {
		return h.reject(pkt, protocol.Newf(protocol.KindTTLExpired, "ttl %d", pkt.Header.TTL))
	}
	if pkt.Header.TTL > MaxTTL {
		return h.reject(pkt, protocol.Newf(protocol.KindInvalidFormat, "ttl %d exceeds %d", pkt.Header.TTL, MaxTTL))
	}
	if !slices.Contains(h.cfg.SupportedVersions, pkt.Header.Version) {
		return h.reject(pkt, protocol.Newf(protocol.KindVersionMismatch, "version %q", pkt.Header.Version))
	}
	if len(body) > h.cfg.MaxPayloadBytes {
		return h.reject(pkt, protocol.Newf(protocol.KindPayloadTooLarge, "%d bytes exceeds %d", len(body), h.cfg.MaxPayloadBytes))
	}
	return nil
}

func (h *Handler) reject(pkt Packet, err *protocol.Error) error {
	log.Debug().
		Str("semantic_id", pkt.Header.SemanticID).
		Str("kind", err.Kind.String()).
		Msg("packet.Validate rejected")
	return err
}

// Forward returns a copy of pkt for nextHop with TTL decremented and hop
// count incremented. The digest and payload are untouched.
func (h *Handler) Forward(pkt Packet, nextHop string) (Packet, error) {
	if pkt.Header.TTL <= 0 {
		return Packet{}, protocol.Newf(protocol.KindTTLExpired, "cannot forward with ttl %d", pkt.Header.TTL)
	}
	out := pkt.Clone()
	out.Header.TTL--
	out.Header.HopCount++
	out.Header.DstEndpoint = nextHop
	log.Debug().
		Str("semantic_id", out.Header.SemanticID).
		Str("next_hop", nextHop).
		Int("ttl", out.Header.TTL).
		Int("hop_count", out.Header.HopCount).
		Msg("packet.Forward")
	return out, nil
}

// BuildError addresses an ERROR packet back to the source of orig.
func (h *Handler) BuildError(orig Packet, kind protocol.Kind, message string) (Packet, error) {
	return h.BuildErrorFor(orig, protocol.New(kind, message))
}

// BuildErrorFor is BuildError for a typed error. The wire code is
// perr.ErrorCode() and matched rule ids travel under rule_ids.
func (h *Handler) BuildErrorFor(orig Packet, perr *protocol.Error) (Packet, error) {
	payload := Payload{
		ErrorKindKey:       perr.Kind.String(),
		ErrorCodeKey:       perr.ErrorCode(),
		ErrorMessageKey:    perr.Msg,
		ErrorOriginalIDKey: orig.Header.SemanticID,
	}
	if len(perr.RuleIDs) > 0 {
		ids := make([]any, len(perr.RuleIDs))
		for i, id := range perr.RuleIDs {
			ids[i] = id
		}
		payload[ErrorRuleIDsKey] = ids
	}
	return h.Create(payload, orig.Header.SrcEndpoint, TypeError)
}

// ErrorFromPacket recovers the typed error carried by an ERROR packet.
// It reports false for other packet types and for an ERROR whose code or
// rule ids are not plain identifiers.
func ErrorFromPacket(pkt Packet) (*protocol.Error, bool) {
	if pkt.Header.Type != TypeError {
		return nil, false
	}
	rawKind, _ := pkt.Payload.StringField(ErrorKindKey)
	kind, ok := protocol.ParseKind(rawKind)
	if !ok {
		kind = protocol.KindInternal
	}
	msg, _ := pkt.Payload.StringField(ErrorMessageKey)
	perr := protocol.New(kind, msg)

	if code, ok := pkt.Payload[ErrorCodeKey]; ok {
		s, isString := code.(string)
		if !isString || !identPattern.MatchString(s) {
			return nil, false
		}
		if s != kind.Code() {
			perr.Code = s
		}
	}
	if raw, ok := pkt.Payload[ErrorRuleIDsKey]; ok {
		list, isList := raw.([]any)
		if !isList {
			return nil, false
		}
		for _, v := range list {
			id, isString := v.(string)
			if !isString || !identPattern.MatchString(id) {
				return nil, false
			}
			perr.RuleIDs = append(perr.RuleIDs, id)
		}
	}
	return perr, true
}

func headerFields(h Header) map[string]any {
	ts := ""
	if !h.Timestamp.IsZero() {
		ts = h.Timestamp.Format(time.RFC3339Nano)
	}
	typ := ""
	if h.Type.Valid() {
		typ = h.Type.String()
	}
	return map[string]any{
		schema.FieldContentHash: h.ContentHash,
		schema.FieldSemanticID:  h.SemanticID,
		schema.FieldTTL:         h.TTL,
		schema.FieldVersion:     h.Version,
		schema.FieldSrcEndpoint: h.SrcEndpoint,
		schema.FieldDstEndpoint: h.DstEndpoint,
		schema.FieldHopCount:    h.HopCount,
		schema.FieldPacketType:  typ,
		schema.FieldTimestamp:   ts,
	}
}

func normalizedPayload(p Payload) Payload {
	if p == nil {
		return Payload{}
	}
	return p
}
