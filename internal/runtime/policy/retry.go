package policy

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	errs "github.com/drblury/commandflow/internal/runtime/errors"
)

// RetryConfig tunes a Retry policy. Zero values fall back to defaults.
type RetryConfig struct {
	// MaxAttempts counts the first attempt. Defaults to 3.
	MaxAttempts int
	// InitialInterval defaults to 100ms.
	InitialInterval time.Duration
	// MaxInterval caps the backoff. Defaults to 5s.
	MaxInterval time.Duration
	// Multiplier defaults to 2.
	Multiplier float64
	// DisableJitter makes the backoff schedule deterministic.
	DisableJitter bool
	// ShouldRetry decides whether err warrants another attempt. Defaults to
	// Retryable.
	ShouldRetry func(error) bool
	// OnRetry is called before each wait.
	OnRetry func(err error, wait time.Duration)
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = 100 * time.Millisecond
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 5 * time.Second
	}
	if c.Multiplier <= 1 {
		c.Multiplier = 2
	}
	if c.ShouldRetry == nil {
		c.ShouldRetry = Retryable
	}
	return c
}

// Retryable is the default retry predicate. Open circuits, configuration
// errors and cancellation are final.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, errs.ErrCircuitOpen),
		errs.IsConfiguration(err),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

// Retry re-runs work with exponential backoff.
type Retry struct {
	cfg RetryConfig
}

func NewRetry(cfg RetryConfig) *Retry {
	return &Retry{cfg: cfg.withDefaults()}
}

// Config returns the effective configuration.
func (r *Retry) Config() RetryConfig { return r.cfg }

func (r *Retry) Execute(ctx context.Context, fn func(context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialInterval
	b.MaxInterval = r.cfg.MaxInterval
	b.Multiplier = r.cfg.Multiplier
	if r.cfg.DisableJitter {
		b.RandomizationFactor = 0
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(r.cfg.MaxAttempts)),
	}
	if r.cfg.OnRetry != nil {
		opts = append(opts, backoff.WithNotify(r.cfg.OnRetry))
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if err := fn(ctx); err != nil {
			if !r.cfg.ShouldRetry(err) {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, opts...)
	return err
}
