// Package canonical produces the deterministic byte form of structured
// values used for content digests and handshake signatures.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// SignatureField is excluded from signed content.
const SignatureField = "signature"

// Encode returns the canonical JSON form of v: object keys sorted,
// numbers kept in their literal form, no HTML escaping, no trailing newline.
func Encode(v any) ([]byte, error) {
	normalized, err := normalize(v)
	if err != nil {
		return nil, err
	}
	return encode(normalized)
}

// Digest returns the lowercase hex SHA-256 of Encode(v).
func Digest(v any) (string, error) {
	b, err := Encode(v)
	if err != nil {
		return "", err
	}
	return DigestBytes(b), nil
}

// DigestBytes hashes already-canonical bytes.
func DigestBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Text returns the canonical form of v as a string.
func Text(v any) (string, error) {
	b, err := Encode(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Normalize converts v into plain JSON values (map[string]any, []any,
// json.Number, string, bool, nil).
func Normalize(v any) (any, error) {
	return normalize(v)
}

func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("canonical: normalize: %w", err)
	}
	return out, nil
}

func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("canonical: encode: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}

// withoutSignature drops the top-level signature key from an object.
func withoutSignature(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	if _, has := m[SignatureField]; !has {
		return m
	}
	out := make(map[string]any, len(m)-1)
	for k, val := range m {
		if k == SignatureField {
			continue
		}
		out[k] = val
	}
	return out
}
