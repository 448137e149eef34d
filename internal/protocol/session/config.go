package session

import (
	"time"

	"github.com/danmuck/intentlink/internal/protocol/canonical"
	"github.com/danmuck/intentlink/internal/protocol/handshake"
)

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines session timing and retry defaults.
type Config struct {
	HandshakeTimeout   time.Duration
	SessionLifetime    time.Duration
	SignatureCacheSize int
	// RetiredTokens bounds how many removed session tokens are remembered
	// for replay rejection.
	RetiredTokens int
	Backoff       BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		HandshakeTimeout:   handshake.DefaultStateTimeout,
		SessionLifetime:    handshake.DefaultSessionLifetime,
		SignatureCacheSize: canonical.DefaultCacheSize,
		RetiredTokens:      DefaultRetiredTokens,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
	}
}

// HandshakeConfig projects the timing fields onto a handshake.Config.
func (c Config) HandshakeConfig() handshake.Config {
	return handshake.Config{
		StateTimeout:       c.HandshakeTimeout,
		SessionLifetime:    c.SessionLifetime,
		SignatureCacheSize: c.SignatureCacheSize,
	}
}
