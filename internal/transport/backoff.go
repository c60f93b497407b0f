package transport

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// BackoffPolicy bounds how often a failed exchange is retried. The
// adapter hardware is known to be flaky; retries must be bounded and
// observable, never a silent loop.
type BackoffPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// DefaultBackoffPolicy returns the reliability defaults tuned against
// the known-bad USB adapters.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		MaxAttempts:  3,
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       true,
	}
}

// NextBackoffDelay returns the retry delay for attempt N (1-based).
func NextBackoffDelay(cfg BackoffPolicy, attempt int, rng *rand.Rand) time.Duration {
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
			f += rng.Float64()
		} else {
			f += rand.Float64()
		}
		delay = delay * f
	}
	return time.Duration(delay)
}

// SleepFunc waits out a backoff delay. Injected so tests simulate a
// flaky link without real time passing.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
