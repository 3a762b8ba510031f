// Package reliability provides retry-with-backoff and circuit-breaker
// decorators for calls against unreliable dependencies (the datastore and
// the generation collaborator).
package reliability

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

// RetryConfig controls Retry behaviour.
type RetryConfig struct {
	// MaxAttempts is the total number of calls including the first.
	MaxAttempts int
	// InitialDelay is the wait after the first failed attempt.
	InitialDelay time.Duration
	// MaxDelay caps the backoff. Zero means no cap.
	MaxDelay time.Duration
	// Multiplier scales the delay after each attempt. Values below 1 are
	// treated as 2 (plain exponential backoff).
	Multiplier float64
	// ShouldRetry decides whether an error is worth another attempt.
	// attempt is 1-indexed (1 = the first attempt just failed).
	// Nil means retry every error.
	ShouldRetry func(err error, attempt int) bool
	// OnRetry is called after a failed attempt, before the backoff sleep.
	OnRetry func(attempt int, err error)
}

// Retry executes fn up to cfg.MaxAttempts times with jittered exponential
// backoff between attempts. It returns nil on the first success, the last
// error once attempts are exhausted or ShouldRetry declines, or the context
// error if ctx is done during a backoff sleep. No sleep happens after the
// final attempt.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 2
	}

	delay := cfg.InitialDelay
	var err error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if attempt == cfg.MaxAttempts {
			break
		}
		if cfg.ShouldRetry != nil && !cfg.ShouldRetry(err, attempt) {
			break
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err)
		}

		wait := delay
		if wait > 0 {
			jitter := time.Duration(rand.Int64N(int64(wait)/4 + 1)) //nolint:gosec // jitter doesn't need crypto-strength randomness
			wait += jitter
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("reliability: retry cancelled after attempt %d: %w", attempt, ctx.Err())
		case <-time.After(wait):
		}

		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	return err
}
