// Package auth resolves pre-shared peer keys and derives per-session
// signing keys from them.
//
// It does not distribute keys; callers load them from configuration.
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	MinKeyBytes    = 16
	SessionKeySize = 32

	// SessionInfo is the HKDF info label for session keys.
	SessionInfo = "intentlink-session"
)

var (
	ErrUnknownPeer = errors.New("auth: unknown peer")
	ErrShortKey    = errors.New("auth: key shorter than minimum")
	ErrEmptyToken  = errors.New("auth: empty session token")
)

// KeyRing resolves the pre-shared key for a remote endpoint.
type KeyRing interface {
	SharedKey(peer string) ([]byte, error)
}

// StaticKeys is an in-memory key ring keyed by endpoint id.
type StaticKeys map[string][]byte

func (s StaticKeys) SharedKey(peer string) ([]byte, error) {
	key, ok := s[peer]
	if !ok || len(key) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPeer, peer)
	}
	out := make([]byte, len(key))
	copy(out, key)
	return out, nil
}

// ParseHexKeys builds a StaticKeys ring from hex-encoded keys.
func ParseHexKeys(hexKeys map[string]string) (StaticKeys, error) {
	out := make(StaticKeys, len(hexKeys))
	for peer, raw := range hexKeys {
		key, err := hex.DecodeString(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("auth: peer %q: decode key: %w", peer, err)
		}
		if len(key) < MinKeyBytes {
			return nil, fmt.Errorf("%w: peer %q has %d bytes, need %d", ErrShortKey, peer, len(key), MinKeyBytes)
		}
		out[peer] = key
	}
	return out, nil
}

// KeyFunc adapts a function into a KeyRing.
type KeyFunc func(peer string) ([]byte, error)

func (f KeyFunc) SharedKey(peer string) ([]byte, error) {
	return f(peer)
}

// DeriveSessionKey expands psk into a session key salted with the session
// token, so each handshake attempt signs with distinct material.
func DeriveSessionKey(psk []byte, token string) ([]byte, error) {
	if len(psk) < MinKeyBytes {
		return nil, ErrShortKey
	}
	if token == "" {
		return nil, ErrEmptyToken
	}
	r := hkdf.New(sha256.New, psk, []byte(token), []byte(SessionInfo))
	out := make([]byte, SessionKeySize)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("auth: hkdf read: %w", err)
	}
	return out, nil
}
