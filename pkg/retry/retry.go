// Package retry provides a generic exponential-backoff-with-jitter
// wrapper for transient network operations. The signaling client's
// connect is its only caller; STUN queries and relay code do not retry
// through it.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Config tunes the backoff schedule. Zero-value fields fall back to the
// package defaults.
type Config struct {
	InitialInterval     time.Duration
	Multiplier          float64
	MaxInterval         time.Duration
	MaxRetries          int
	RandomizationFactor float64
}

// DefaultConfig matches the defaults named for the generic retry wrapper:
// 3 attempts (the first try plus MaxRetries 2), 0.5s initial interval, 2x
// multiplier, 10s cap, 25% jitter.
var DefaultConfig = Config{
	InitialInterval:     500 * time.Millisecond,
	Multiplier:          2,
	MaxInterval:         10 * time.Second,
	MaxRetries:          2,
	RandomizationFactor: 0.25,
}

func (c Config) withDefaults() Config {
	if c.InitialInterval == 0 {
		c.InitialInterval = DefaultConfig.InitialInterval
	}
	if c.Multiplier == 0 {
		c.Multiplier = DefaultConfig.Multiplier
	}
	if c.MaxInterval == 0 {
		c.MaxInterval = DefaultConfig.MaxInterval
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultConfig.MaxRetries
	}
	if c.RandomizationFactor == 0 {
		c.RandomizationFactor = DefaultConfig.RandomizationFactor
	}
	return c
}

// Do retries fn with exponential backoff and jitter until it succeeds,
// the retry budget is exhausted, or ctx is cancelled. The error from the
// final attempt is returned on exhaustion.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	cfg = cfg.withDefaults()

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = cfg.InitialInterval
	eb.Multiplier = cfg.Multiplier
	eb.MaxInterval = cfg.MaxInterval
	eb.RandomizationFactor = cfg.RandomizationFactor
	eb.MaxElapsedTime = 0 // bounded by MaxRetries, not elapsed time

	bo := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(cfg.MaxRetries)), ctx)

	return backoff.Retry(fn, bo)
}

// DoWithResult is Do for functions that also return a value, returning
// the result of the final (successful, or last failed) attempt.
func DoWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var result T
	err := Do(ctx, cfg, func() error {
		var fnErr error
		result, fnErr = fn()
		return fnErr
	})
	return result, err
}
