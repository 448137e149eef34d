package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// Kind categorizes protocol failures so callers can decide how to react.
type Kind uint8

const (
	KindIntegrityMismatch Kind = iota + 1
	KindTTLExpired
	KindVersionMismatch
	KindPayloadTooLarge
	KindMissingHeader
	KindInvalidFormat
	KindScopeViolation
	KindReplayDetected
	KindSignatureInvalid
	KindPolicyDenied
	KindTimeout
	KindInvalidState
	KindInternal
)

var kindNames = map[Kind]string{
	KindIntegrityMismatch: "IntegrityMismatch",
	KindTTLExpired:        "TTLExpired",
	KindVersionMismatch:   "VersionMismatch",
	KindPayloadTooLarge:   "PayloadTooLarge",
	KindMissingHeader:     "MissingHeader",
	KindInvalidFormat:     "InvalidFormat",
	KindScopeViolation:    "ScopeViolation",
	KindReplayDetected:    "ReplayDetected",
	KindSignatureInvalid:  "SignatureInvalid",
	KindPolicyDenied:      "PolicyDenied",
	KindTimeout:           "Timeout",
	KindInvalidState:      "InvalidState",
	KindInternal:          "Internal",
}

// Stable wire codes carried in ERROR packets.
var kindCodes = map[Kind]string{
	KindInvalidFormat:     "SIC-PKT-001",
	KindMissingHeader:     "SIC-PKT-002",
	KindIntegrityMismatch: "SIC-PKT-003",
	KindTTLExpired:        "SIC-PKT-004",
	KindPayloadTooLarge:   "SIC-PKT-005",
	KindVersionMismatch:   "SIC-PKT-006",
	KindSignatureInvalid:  "SIC-HS-001",
	KindReplayDetected:    "SIC-HS-002",
	KindScopeViolation:    "SIC-HS-003",
	KindTimeout:           "SIC-HS-004",
	KindInvalidState:      "SIC-HS-005",
	KindPolicyDenied:      "SIC-FW-001",
	KindInternal:          "SIC-SYS-001",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Code returns the stable wire code for k.
func (k Kind) Code() string {
	if code, ok := kindCodes[k]; ok {
		return code
	}
	return "SIC-SYS-000"
}

// ParseKind resolves a kind by its String form.
func ParseKind(raw string) (Kind, bool) {
	raw = strings.TrimSpace(raw)
	for k, name := range kindNames {
		if strings.EqualFold(name, raw) {
			return k, true
		}
	}
	return 0, false
}

// Error is the typed result returned for every protocol failure.
type Error struct {
	Kind    Kind
	Msg     string
	RuleIDs []string
	// Code overrides Kind.Code(), as a firewall category code does.
	Code  string
	Inner error
}

// ErrorCode is Code when set, else the code of Kind.
func (e *Error) ErrorCode() string {
	if e.Code != "" {
		return e.Code
	}
	return e.Kind.Code()
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	b.WriteString("protocol: ")
	b.WriteString(e.Kind.String())
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if len(e.RuleIDs) > 0 {
		b.WriteString(" [")
		b.WriteString(strings.Join(e.RuleIDs, ","))
		b.WriteString("]")
	}
	if e.Inner != nil {
		b.WriteString(": ")
		b.WriteString(e.Inner.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Inner }

// Is matches another *Error by Kind so errors.Is works against the
// exported sentinels below.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) || other == nil {
		return false
	}
	return other.Kind == e.Kind && other.Msg == "" && other.Inner == nil
}

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, msg string, inner error) *Error {
	return &Error{Kind: kind, Msg: msg, Inner: inner}
}

// PolicyDenied builds the denial error carrying the matched rule ids.
func PolicyDenied(msg string, ruleIDs []string) *Error {
	ids := make([]string, len(ruleIDs))
	copy(ids, ruleIDs)
	return &Error{Kind: KindPolicyDenied, Msg: msg, RuleIDs: ids}
}

// IsKind reports whether err (or anything it wraps) is a protocol error of kind.
func IsKind(err error, kind Kind) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind == kind
	}
	return false
}

// KindOf returns the kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternal
}

// Sentinels usable with errors.Is.
var (
	ErrIntegrityMismatch = New(KindIntegrityMismatch, "")
	ErrTTLExpired        = New(KindTTLExpired, "")
	ErrVersionMismatch   = New(KindVersionMismatch, "")
	ErrPayloadTooLarge   = New(KindPayloadTooLarge, "")
	ErrMissingHeader     = New(KindMissingHeader, "")
	ErrInvalidFormat     = New(KindInvalidFormat, "")
	ErrScopeViolation    = New(KindScopeViolation, "")
	ErrReplayDetected    = New(KindReplayDetected, "")
	ErrSignatureInvalid  = New(KindSignatureInvalid, "")
	ErrPolicyDenied      = New(KindPolicyDenied, "")
	ErrTimeout           = New(KindTimeout, "")
	ErrInvalidState      = New(KindInvalidState, "")
)
