// Package backoff provides retry delay strategies and a context-aware retry
// loop.
package backoff

import (
	"context"
	"math"
	"time"
)

// Strategy computes the delay before retry attempt n (1-indexed).
type Strategy interface {
	Delay(attempt int) time.Duration
}

// Constant waits the same interval before every attempt.
type Constant time.Duration

// Delay returns the fixed interval.
func (c Constant) Delay(int) time.Duration { return time.Duration(c) }

// Config for exponential backoff. Zero values use defaults.
type Config struct {
	Initial time.Duration // default: 100ms
	Max     time.Duration // default: 5s
}

// Delay implements Strategy.
func (c *Config) Delay(attempt int) time.Duration { return Exponential(attempt, c) }

// Exponential calculates exponential backoff for a given attempt.
// Attempt 1 returns initial, attempt 2 returns initial*2, etc.
func Exponential(attempt int, cfg *Config) time.Duration {
	initial := 100 * time.Millisecond
	maxBackoff := 5 * time.Second
	if cfg != nil {
		if cfg.Initial > 0 {
			initial = cfg.Initial
		}
		if cfg.Max > 0 {
			maxBackoff = cfg.Max
		}
	}

	if attempt < 1 {
		return initial
	}
	d := float64(initial) * math.Pow(2.0, float64(attempt-1))
	if d > float64(maxBackoff) {
		d = float64(maxBackoff)
	}
	return time.Duration(d)
}

// Retry calls fn up to attempts times, sleeping per strategy between calls
// while retryable reports the error as transient. It returns the last error,
// or ctx.Err() if the context ends while waiting. onRetry, when non-nil, is
// invoked before each wait.
func Retry(ctx context.Context, attempts int, strategy Strategy, retryable func(error) bool, onRetry func(attempt int, err error), fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt >= attempts || !retryable(err) {
			return err
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}
		timer := time.NewTimer(strategy.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
