package handshake

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/danmuck/intentlink/internal/protocol"
	"github.com/danmuck/intentlink/internal/protocol/canonical"
	"github.com/danmuck/intentlink/internal/protocol/schema"
)

// PayloadKey is the packet payload key carrying a handshake message.
const PayloadKey = "handshake"

// DomainKey is the semantic boundary key naming the capability domain.
const DomainKey = "domain"

// Message is one signed handshake step.
type Message struct {
	Kind             Kind           `json:"kind"`
	SessionToken     string         `json:"session_token"`
	Sequence         uint64         `json:"sequence"`
	SrcEndpoint      string         `json:"src_endpoint"`
	DstEndpoint      string         `json:"dst_endpoint"`
	RequestedScope   []string       `json:"requested_scope,omitempty"`
	NegotiatedScope  []string       `json:"negotiated_scope,omitempty"`
	SemanticBoundary map[string]any `json:"semantic_boundary,omitempty"`
	Constraints      map[string]any `json:"constraints,omitempty"`
	Timestamp        time.Time      `json:"timestamp"`
	Signature        string         `json:"signature,omitempty"`
}

func schemaKind(k Kind) string {
	switch k {
	case KindSyn:
		return schema.KindSyn
	case KindSynAck:
		return schema.KindSynAck
	default:
		return schema.KindAck
	}
}

// Fields returns the message as plain JSON values.
func (m Message) Fields() (map[string]any, error) {
	v, err := canonical.Normalize(m)
	if err != nil {
		return nil, protocol.Wrap(protocol.KindInvalidFormat, "normalize handshake message", err)
	}
	fields, ok := v.(map[string]any)
	if !ok {
		return nil, protocol.New(protocol.KindInvalidFormat, "handshake message is not an object")
	}
	return fields, nil
}

// ScreenFields is the part of a message handed to the firewall. Tokens and
// signatures are left out because hex material trips PII shape rules.
func (m Message) ScreenFields() map[string]any {
	out := map[string]any{}
	if len(m.RequestedScope) > 0 {
		out[schema.FieldRequestedScope] = m.RequestedScope
	}
	if len(m.NegotiatedScope) > 0 {
		out[schema.FieldNegotiatedScope] = m.NegotiatedScope
	}
	if len(m.SemanticBoundary) > 0 {
		out[schema.FieldSemanticBoundary] = m.SemanticBoundary
	}
	if len(m.Constraints) > 0 {
		out[schema.FieldConstraints] = m.Constraints
	}
	return out
}

// Domain is the capability domain named by the semantic boundary.
func (m Message) Domain() string {
	d, _ := m.SemanticBoundary[DomainKey].(string)
	return d
}

// DecodeMessage parses a message from plain JSON values, enforcing the
// required fields for its kind.
func DecodeMessage(fields map[string]any) (Message, error) {
	rawKind, _ := fields[schema.FieldKind].(string)
	kind, err := ParseKind(rawKind)
	if err != nil {
		return Message{}, protocol.Wrap(protocol.KindInvalidFormat, "handshake kind", err)
	}
	if err := schema.Validate(schemaKind(kind), fields); err != nil {
		return Message{}, protocol.Wrap(protocol.KindMissingHeader, "handshake "+kind.String(), err)
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return Message{}, protocol.Wrap(protocol.KindInvalidFormat, "handshake encode", err)
	}
	var msg Message
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&msg); err != nil {
		return Message{}, protocol.Wrap(protocol.KindInvalidFormat, "handshake decode", err)
	}
	return msg, nil
}
