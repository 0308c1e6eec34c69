// Package retry runs operations with exponential backoff.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"k8s.io/utils/clock"
)

// Config holds retry configuration.
type Config struct {
	MaxAttempts int           // 0 retries forever
	InitialWait time.Duration // wait after the first failure
	MaxWait     time.Duration // cap on a single wait
	Multiplier  float64
	Jitter      float64 // 0-1, fraction of the wait randomized
	Clock       clock.Clock
}

// DefaultConfig returns the settings used by the REST client.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		InitialWait: 200 * time.Millisecond,
		MaxWait:     5 * time.Second,
		Multiplier:  2,
		Jitter:      0.1,
	}
}

// Backoff returns the wait after the given failed attempt (1-based),
// without jitter.
func (c Config) Backoff(attempt int) time.Duration {
	mult := c.Multiplier
	if mult < 1 {
		mult = 1
	}
	wait := float64(c.InitialWait) * math.Pow(mult, float64(attempt-1))
	if c.MaxWait > 0 && wait > float64(c.MaxWait) {
		wait = float64(c.MaxWait)
	}
	return time.Duration(wait)
}

func (c Config) jittered(attempt int) time.Duration {
	wait := float64(c.Backoff(attempt))
	if c.Jitter > 0 {
		wait += wait * c.Jitter * (rand.Float64()*2 - 1)
	}
	return time.Duration(wait)
}

// RetryableError marks an error as transient.
type RetryableError struct {
	Err error
}

func (e RetryableError) Error() string { return e.Err.Error() }
func (e RetryableError) Unwrap() error { return e.Err }

// IsRetryable reports whether err, or anything it wraps, was marked with
// Retryable.
func IsRetryable(err error) bool {
	var r RetryableError
	return errors.As(err, &r)
}

// Retryable marks err as transient. A nil error stays nil.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return RetryableError{Err: err}
}

// Do calls fn until it succeeds, returns a non-retryable error, the
// attempts run out or ctx is done. The last error is returned unwrapped
// from its RetryableError marker.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	_, err := DoWithResult(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoWithResult is Do for functions returning a value.
func DoWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	var zero T
	for attempt := 1; ; attempt++ {
		v, err := fn()
		if err == nil {
			return v, nil
		}
		var r RetryableError
		if !errors.As(err, &r) {
			return zero, err
		}
		if cfg.MaxAttempts > 0 && attempt >= cfg.MaxAttempts {
			return zero, r.Err
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-clk.After(cfg.jittered(attempt)):
		}
	}
}
