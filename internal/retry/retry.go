// Package retry runs operations again after transient failures, waiting an
// exponentially growing delay between attempts. Only errors wrapped with
// Retryable are retried; anything else ends the loop at once.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// Config controls the attempts and the delay between them.
type Config struct {
	MaxAttempts int // 0 retries until ctx is done
	InitialWait time.Duration
	MaxWait     time.Duration
	Multiplier  float64
	Jitter      float64 // fraction of the delay, 0 to 1

	// OnRetry, when set, is called before each wait with the attempt that
	// just failed.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DefaultConfig is the backoff for logging backend accounts in.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		InitialWait: 500 * time.Millisecond,
		MaxWait:     10 * time.Second,
		Multiplier:  2,
		Jitter:      0.1,
	}
}

type retryable struct{ err error }

func (r retryable) Error() string { return r.err.Error() }
func (r retryable) Unwrap() error { return r.err }

// Retryable marks err as transient. A nil err stays nil.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return retryable{err}
}

// IsRetryable reports whether err, or an error it wraps, was marked with
// Retryable.
func IsRetryable(err error) bool {
	return errors.As(err, new(retryable))
}

// Do calls fn until it succeeds, returns a permanent error, runs out of
// attempts or ctx is done.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	_, err := DoWithResult(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoWithResult is Do for functions returning a value.
func DoWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var zero T
	wait := cfg.InitialWait
	for attempt := 1; ; attempt++ {
		v, err := fn()
		switch {
		case err == nil:
			return v, nil
		case !IsRetryable(err):
			return zero, err
		case ctx.Err() != nil:
			return zero, ctx.Err()
		case cfg.MaxAttempts > 0 && attempt >= cfg.MaxAttempts:
			return zero, err
		}

		d := cfg.jittered(wait)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err, d)
		}
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
		wait = cfg.next(wait)
	}
}

// next grows wait by the multiplier, capped at MaxWait.
func (cfg Config) next(wait time.Duration) time.Duration {
	if cfg.Multiplier > 1 {
		wait = time.Duration(float64(wait) * cfg.Multiplier)
	}
	if cfg.MaxWait > 0 && wait > cfg.MaxWait {
		wait = cfg.MaxWait
	}
	return wait
}

func (cfg Config) jittered(wait time.Duration) time.Duration {
	if cfg.Jitter <= 0 || wait <= 0 {
		return wait
	}
	delta := float64(wait) * cfg.Jitter * (2*rand.Float64() - 1)
	return wait + time.Duration(delta)
}
