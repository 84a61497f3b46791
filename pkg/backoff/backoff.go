// Package backoff computes retry delays for provider dispatch and event delivery.
package backoff

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Config for exponential backoff. Zero values use defaults.
type Config struct {
	Initial time.Duration // default: 100ms
	Max     time.Duration // default: 5s
	// Jitter spreads each delay by up to this fraction in either direction.
	// Zero gives exact delays. Values above 1 are treated as 1.
	Jitter float64
}

// Exponential returns the delay before retry number attempt.
// Attempt 1 returns Initial, attempt 2 returns Initial*2, and so on up to Max.
func Exponential(attempt int, cfg *Config) time.Duration {
	initial := 100 * time.Millisecond
	maxDelay := 5 * time.Second
	var jitter float64
	if cfg != nil {
		if cfg.Initial > 0 {
			initial = cfg.Initial
		}
		if cfg.Max > 0 {
			maxDelay = cfg.Max
		}
		jitter = min(max(cfg.Jitter, 0), 1)
	}

	delay := float64(initial)
	if attempt > 1 {
		delay *= math.Pow(2.0, float64(attempt-1))
	}
	delay = min(delay, float64(maxDelay))

	if jitter > 0 {
		delay += delay * jitter * (2*rand.Float64() - 1)
	}
	return time.Duration(delay)
}

// Wait blocks for the delay before retry number attempt, or until ctx is done.
func Wait(ctx context.Context, attempt int, cfg *Config) error {
	timer := time.NewTimer(Exponential(attempt, cfg))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
