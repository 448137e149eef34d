package session

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/danmuck/intentlink/internal/protocol"
	"github.com/rs/zerolog/log"
)

// NextBackoffDelay returns the retry delay for attempt N (1-based).
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if attempt <= 1 {
		return cfg.InitialDelay
	}
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay = delay * f
	}
	return time.Duration(delay)
}

// Retryable reports whether a fresh handshake attempt could succeed after
// err. Policy, scope, signature and replay failures are final.
func Retryable(err error) bool {
	switch protocol.KindOf(err) {
	case protocol.KindTimeout, protocol.KindInvalidState:
		return true
	default:
		return false
	}
}

// Retry runs fn until it succeeds, returns a non-retryable error, ctx ends or
// maxAttempts is reached, sleeping NextBackoffDelay between attempts.
func Retry(ctx context.Context, cfg BackoffConfig, maxAttempts int, rng *rand.Rand, fn func(attempt int) error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err = fn(attempt); err == nil || !Retryable(err) {
			return err
		}
		if attempt == maxAttempts {
			break
		}
		delay := NextBackoffDelay(cfg, attempt, rng)
		log.Debug().Int("attempt", attempt).Dur("delay", delay).Err(err).Msg("handshake retry scheduled")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}
