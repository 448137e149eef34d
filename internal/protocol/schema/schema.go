package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

// Message kinds with a required-field table.
const (
	KindPacketHeader = "packet.header"
	KindSyn          = "handshake.SYN"
	KindSynAck       = "handshake.SYN_ACK"
	KindAck          = "handshake.ACK"
)

// JSON value types a requirement may demand.
type ValueType uint8

const (
	TypeString ValueType = iota + 1
	TypeNumber
	TypeArray
	TypeObject
)

func (t ValueType) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeNumber:
		return "number"
	case TypeArray:
		return "array"
	case TypeObject:
		return "object"
	default:
		return "unknown"
	}
}

// Field names shared by the packet and handshake wire forms.
const (
	FieldContentHash = "content_hash"
	FieldSemanticID  = "semantic_id"
	FieldTTL         = "ttl"
	FieldVersion     = "version"
	FieldSrcEndpoint = "src_endpoint"
	FieldDstEndpoint = "dst_endpoint"
	FieldHopCount    = "hop_count"
	FieldPacketType  = "packet_type"
	FieldTimestamp   = "timestamp"

	FieldKind             = "kind"
	FieldSessionToken     = "session_token"
	FieldSequence         = "sequence"
	FieldRequestedScope   = "requested_scope"
	FieldNegotiatedScope  = "negotiated_scope"
	FieldSemanticBoundary = "semantic_boundary"
	FieldConstraints      = "constraints"
	FieldSignature        = "signature"
)

type Requirement struct {
	Name string
	Type ValueType
}

type ValidationError struct {
	Kind   string
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("schema: kind=%s: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("schema: kind=%s field=%s: %s", e.Kind, e.Field, e.Reason)
}

var handshakeCommon = []Requirement{
	{FieldKind, TypeString},
	{FieldSessionToken, TypeString},
	{FieldSequence, TypeNumber},
	{FieldSrcEndpoint, TypeString},
	{FieldDstEndpoint, TypeString},
	{FieldTimestamp, TypeString},
	{FieldSignature, TypeString},
}

var requirements = map[string][]Requirement{
	KindPacketHeader: {
		{FieldContentHash, TypeString},
		{FieldSemanticID, TypeString},
		{FieldTTL, TypeNumber},
		{FieldVersion, TypeString},
		{FieldSrcEndpoint, TypeString},
		{FieldDstEndpoint, TypeString},
		{FieldHopCount, TypeNumber},
		{FieldPacketType, TypeString},
		{FieldTimestamp, TypeString},
	},
	KindSyn:    append(append([]Requirement{}, handshakeCommon...), Requirement{FieldRequestedScope, TypeArray}),
	KindSynAck: append(append([]Requirement{}, handshakeCommon...), Requirement{FieldNegotiatedScope, TypeArray}),
	KindAck:    handshakeCommon,
}

// Requirements returns a copy of the required fields for kind.
func Requirements(kind string) ([]Requirement, bool) {
	reqs, ok := requirements[kind]
	if !ok {
		return nil, false
	}
	out := make([]Requirement, len(reqs))
	copy(out, reqs)
	return out, true
}

// Validate enforces required fields and their JSON types on a decoded
// object. Empty strings and empty arrays count as missing.
// Unknown fields are ignored.
func Validate(kind string, obj map[string]any) error {
	log.Debug().Str("kind", kind).Int("fields", len(obj)).Msg("schema.Validate")
	reqs, ok := requirements[kind]
	if !ok {
		log.Error().Str("kind", kind).Msg("schema.Validate unknown kind")
		return ValidationError{Kind: kind, Reason: "unknown kind"}
	}
	for _, req := range reqs {
		v, found := obj[req.Name]
		if !found || isEmpty(v) {
			log.Debug().Str("kind", kind).Str("field", req.Name).Msg("schema.Validate missing field")
			return ValidationError{Kind: kind, Field: req.Name, Reason: "missing required field"}
		}
		if !hasType(v, req.Type) {
			log.Debug().
				Str("kind", kind).
				Str("field", req.Name).
				Str("want", req.Type.String()).
				Msg("schema.Validate type mismatch")
			return ValidationError{Kind: kind, Field: req.Name, Reason: "type mismatch"}
		}
	}
	return nil
}

func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	case []any:
		return len(x) == 0
	default:
		return false
	}
}

func hasType(v any, t ValueType) bool {
	switch t {
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeNumber:
		switch v.(type) {
		case json.Number, float64, float32, int, int64, int32, uint64, uint32, uint8:
			return true
		}
		return false
	case TypeArray:
		_, ok := v.([]any)
		return ok
	case TypeObject:
		_, ok := v.(map[string]any)
		return ok
	default:
		return false
	}
}
