// Package backoff provides exponential backoff and a context-aware retry loop.
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
	Jitter  float64       // shortens each delay by a random fraction up to Jitter, in [0,1]
}

// Exponential calculates exponential backoff for a given attempt.
// Attempt 1 returns initial, attempt 2 returns initial*2, etc.
func Exponential(attempt int, cfg *Config) time.Duration {
	initial := 100 * time.Millisecond
	maxBackoff := 5 * time.Second
	jitter := 0.0
	if cfg != nil {
		if cfg.Initial > 0 {
			initial = cfg.Initial
		}
		if cfg.Max > 0 {
			maxBackoff = cfg.Max
		}
		jitter = min(max(cfg.Jitter, 0), 1)
	}

	if attempt < 1 {
		attempt = 1
	}
	backoff := min(float64(initial)*math.Pow(2.0, float64(attempt-1)), float64(maxBackoff))
	if jitter > 0 {
		backoff -= backoff * jitter * rand.Float64()
	}
	return time.Duration(backoff)
}

// Retry calls fn until it succeeds, returns an error retryable rejects, or
// attempts calls have been made. It waits Exponential(n, cfg) between calls
// and gives up early with ctx.Err() when ctx is done. A nil retryable retries
// every error.
func Retry(ctx context.Context, attempts int, cfg *Config, retryable func(error) bool, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := range attempts {
		if attempt > 0 {
			timer := time.NewTimer(Exponential(attempt, cfg))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		if err = fn(ctx); err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
	}
	return err
}
