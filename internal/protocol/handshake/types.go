// Package handshake implements the three-way session establishment
// (SYN, SYN_ACK, ACK) with signed messages, sequence-based replay
// rejection, scope narrowing and per-state deadlines.
package handshake

import (
	"fmt"
	"strings"
)

// Kind is the closed set of handshake message kinds.
type Kind uint8

const (
	KindSyn Kind = iota + 1
	KindSynAck
	KindAck
)

var kindNames = [...]string{
	KindSyn:    "SYN",
	KindSynAck: "SYN_ACK",
	KindAck:    "ACK",
}

func (k Kind) Valid() bool { return k >= KindSyn && k <= KindAck }

func (k Kind) String() string {
	if !k.Valid() {
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
	return kindNames[k]
}

func ParseKind(raw string) (Kind, error) {
	raw = strings.ToUpper(strings.TrimSpace(raw))
	for k := KindSyn; k <= KindAck; k++ {
		if kindNames[k] == raw {
			return k, nil
		}
	}
	return 0, fmt.Errorf("handshake: unknown message kind %q", raw)
}

func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("handshake: invalid message kind %d", uint8(k))
	}
	return []byte(kindNames[k]), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	v, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

type State uint8

const (
	StateInit State = iota + 1
	StateSynSent
	StateSynReceived
	StateEstablished
	StateClosed
	StateFailed
)

var stateNames = [...]string{
	StateInit:        "INIT",
	StateSynSent:     "SYN_SENT",
	StateSynReceived: "SYN_RECEIVED",
	StateEstablished: "ESTABLISHED",
	StateClosed:      "CLOSED",
	StateFailed:      "FAILED",
}

func (s State) String() string {
	if s < StateInit || s > StateFailed {
		return fmt.Sprintf("State(%d)", uint8(s))
	}
	return stateNames[s]
}

func (s State) IsTerminal() bool {
	return s == StateClosed || s == StateFailed
}

func (s State) MarshalText() ([]byte, error) {
	if s < StateInit || s > StateFailed {
		return nil, fmt.Errorf("handshake: invalid state %d", uint8(s))
	}
	return []byte(stateNames[s]), nil
}

type Role uint8

const (
	RoleInitiator Role = iota + 1
	RoleResponder
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleResponder:
		return "responder"
	default:
		return "unassigned"
	}
}
