// Package packet builds, validates and forwards content-addressed intent
// packets.
package packet

import (
	"fmt"
	"strings"
	"time"
)

// Type is the closed set of packet kinds.
type Type uint8

const (
	TypeRequest Type = iota + 1
	TypeResponse
	TypeControl
	TypeError
)

var typeNames = [...]string{
	TypeRequest:  "REQUEST",
	TypeResponse: "RESPONSE",
	TypeControl:  "CONTROL",
	TypeError:    "ERROR",
}

func (t Type) Valid() bool {
	return t >= TypeRequest && t <= TypeError
}

func (t Type) String() string {
	if !t.Valid() {
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
	return typeNames[t]
}

func ParseType(raw string) (Type, error) {
	raw = strings.ToUpper(strings.TrimSpace(raw))
	for t := TypeRequest; t <= TypeError; t++ {
		if typeNames[t] == raw {
			return t, nil
		}
	}
	return 0, fmt.Errorf("packet: unknown packet type %q", raw)
}

func (t Type) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("packet: invalid packet type %d", uint8(t))
	}
	return []byte(typeNames[t]), nil
}

func (t *Type) UnmarshalText(b []byte) error {
	parsed, err := ParseType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Payload is the open intent body. Values are plain JSON values.
type Payload map[string]any

// Clone deep-copies nested objects and arrays.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = cloneValue(val)
		}
		return out
	case Payload:
		return x.Clone()
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = cloneValue(val)
		}
		return out
	default:
		return v
	}
}

// String returns the value at key when it is a string.
func (p Payload) StringField(key string) (string, bool) {
	s, ok := p[key].(string)
	return s, ok
}

type Header struct {
	ContentHash string    `json:"content_hash"`
	SemanticID  string    `json:"semantic_id"`
	TTL         int       `json:"ttl"`
	Version     string    `json:"version"`
	SrcEndpoint string    `json:"src_endpoint"`
	DstEndpoint string    `json:"dst_endpoint"`
	HopCount    int       `json:"hop_count"`
	Type        Type      `json:"packet_type"`
	Timestamp   time.Time `json:"timestamp"`
}

type Packet struct {
	Header  Header  `json:"header"`
	Payload Payload `json:"payload"`
}

// Clone returns a packet sharing nothing mutable with p.
func (p Packet) Clone() Packet {
	return Packet{Header: p.Header, Payload: p.Payload.Clone()}
}
