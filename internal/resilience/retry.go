package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// RetryConfig is the in-line retry policy of a guarded action. Failures
// that outlive it go to the retry queue instead.
type RetryConfig struct {
	MaxAttempts    int           // including the first; 1 disables retries
	InitialBackoff time.Duration // wait before the first retry
	MaxBackoff     time.Duration // caps every wait, Retry-After included
	Multiplier     float64
	JitterFraction float64 // ±fraction of each backoff

	// ShouldRetry overrides IsTransient when set.
	ShouldRetry func(err error) bool
	// OnRetry runs before each wait.
	OnRetry func(Retry)
}

// Retry describes a failed attempt that is about to be repeated.
type Retry struct {
	Attempt int // the attempt that failed, from 1
	Wait    time.Duration
	Err     error
}

// DefaultRetryConfig returns the retry policy used for outbound actions.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.25,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	d := DefaultRetryConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.Multiplier <= 0 {
		c.Multiplier = d.Multiplier
	}
	if c.JitterFraction < 0 {
		c.JitterFraction = 0
	}
	if c.ShouldRetry == nil {
		c.ShouldRetry = IsTransient
	}
	return c
}

// DoVal calls fn until it succeeds, fails with an error that is not worth
// retrying, or runs out of attempts. A service that asked for a longer wait
// through Retry-After gets it, up to MaxBackoff. Cancellation of ctx ends
// the loop with the last error.
func DoVal[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg = cfg.withDefaults()

	var zero T
	for attempt := 1; ; attempt++ {
		val, err := fn(ctx)
		if err == nil {
			return val, nil
		}
		if attempt >= cfg.MaxAttempts || ctx.Err() != nil || !cfg.ShouldRetry(err) {
			return zero, err
		}

		r := Retry{Attempt: attempt, Wait: RetryWait(attempt-1, cfg, err), Err: err}
		if cfg.OnRetry != nil {
			cfg.OnRetry(r)
		}
		if !sleep(ctx, r.Wait) {
			return zero, err
		}
	}
}

// Do is DoVal for functions without a result.
func Do(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	_, err := DoVal(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// RetryWait is the wait after failed attempt number attempt (from 0): the
// jittered backoff, or the service's Retry-After when that is longer.
func RetryWait(attempt int, cfg RetryConfig, err error) time.Duration {
	cfg = cfg.withDefaults()
	wait := Backoff(attempt, cfg)
	if ra := RetryAfterOf(err); ra > wait {
		wait = ra
	}
	return min(wait, cfg.MaxBackoff)
}

// Backoff returns the jittered exponential delay after attempt (from 0).
func Backoff(attempt int, cfg RetryConfig) time.Duration {
	cfg = cfg.withDefaults()
	delay := math.Min(float64(cfg.InitialBackoff)*math.Pow(cfg.Multiplier, float64(attempt)), float64(cfg.MaxBackoff))
	if spread := delay * cfg.JitterFraction; spread > 0 {
		delay += (rand.Float64()*2 - 1) * spread
	}
	return time.Duration(math.Max(delay, 0))
}

// RetryLogger returns an OnRetry callback that logs each retry of a
// lead-run action against service.
func RetryLogger(service, action string) func(Retry) {
	return func(r Retry) {
		zap.L().Warn("resilience: retrying action",
			zap.String("service", service),
			zap.String("action", action),
			zap.Int("attempt", r.Attempt),
			zap.Duration("wait", r.Wait),
			zap.Duration("retry_after", RetryAfterOf(r.Err)),
			zap.Error(r.Err),
		)
	}
}
