package canonical

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize bounds memoized signatures per signer.
const DefaultCacheSize = 512

var ErrEmptyKey = errors.New("canonical: empty signing key")

// Signer computes HMAC-SHA256 signatures over canonical bytes. Results are
// memoized in a fixed-capacity LRU keyed by the canonical bytes; the least
// recently used entry is evicted once capacity is reached.
type Signer struct {
	key   []byte
	cache *lru.Cache[string, string]
}

// NewSigner returns a signer for key. cacheSize <= 0 uses DefaultCacheSize.
func NewSigner(key []byte, cacheSize int) (*Signer, error) {
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[string, string](cacheSize)
	if err != nil {
		return nil, err
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &Signer{key: k, cache: cache}, nil
}

// Sign returns the hex signature of v with any top-level signature field
// excluded from the signed bytes.
func (s *Signer) Sign(v any) (string, error) {
	normalized, err := normalize(v)
	if err != nil {
		return "", err
	}
	b, err := encode(withoutSignature(normalized))
	if err != nil {
		return "", err
	}
	return s.signBytes(b), nil
}

// Verify checks sig against v in constant time.
func (s *Signer) Verify(v any, sig string) (bool, error) {
	want, err := s.Sign(v)
	if err != nil {
		return false, err
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false, nil
	}
	wantRaw, _ := hex.DecodeString(want)
	return hmac.Equal(got, wantRaw), nil
}

// CacheLen reports the number of memoized signatures.
func (s *Signer) CacheLen() int {
	return s.cache.Len()
}

func (s *Signer) signBytes(b []byte) string {
	key := string(b)
	if sig, ok := s.cache.Get(key); ok {
		return sig
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write(b)
	sig := hex.EncodeToString(mac.Sum(nil))
	s.cache.Add(key, sig)
	return sig
}
