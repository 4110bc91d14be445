package policy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	errs "github.com/drblury/commandflow/internal/runtime/errors"
	"github.com/drblury/commandflow/internal/runtime/logging"
	"github.com/drblury/commandflow/internal/runtime/metrics"
)

// CircuitBreakerConfig tunes a CircuitBreaker. Zero values fall back to
// defaults.
type CircuitBreakerConfig struct {
	Name string
	// FailureThreshold is the number of consecutive failures that opens the
	// circuit. Defaults to 5.
	FailureThreshold int
	// BreakDuration is how long the circuit stays open. Defaults to 30s.
	BreakDuration time.Duration
	// HalfOpenRequests is how many probes are let through when half-open.
	// Defaults to 1.
	HalfOpenRequests uint32
	// IsFailure decides whether err counts against the circuit. Cancellation
	// never does.
	IsFailure func(error) bool

	Logger  logging.ServiceLogger
	Metrics *metrics.Metrics
}

func (c CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	if c.Name == "" {
		c.Name = CircuitBreakerPolicy
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.BreakDuration <= 0 {
		c.BreakDuration = 30 * time.Second
	}
	if c.HalfOpenRequests == 0 {
		c.HalfOpenRequests = 1
	}
	if c.IsFailure == nil {
		c.IsFailure = func(err error) bool {
			return !errors.Is(err, context.Canceled) && !errs.IsConfiguration(err)
		}
	}
	c.Logger = logging.OrDiscard(c.Logger)
	return c
}

// State mirrors the breaker's state.
type State = gobreaker.State

const (
	StateClosed   = gobreaker.StateClosed
	StateHalfOpen = gobreaker.StateHalfOpen
	StateOpen     = gobreaker.StateOpen
)

// CircuitBreaker rejects work while open. Transitions are serialized by the
// underlying breaker so concurrent callers see one consistent state.
type CircuitBreaker struct {
	name string
	cb   *gobreaker.CircuitBreaker
}

func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	cfg = cfg.withDefaults()
	threshold := uint32(cfg.FailureThreshold)

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.HalfOpenRequests,
		Timeout:     cfg.BreakDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !cfg.IsFailure(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			fields := logging.LogFields{"policy": name, "from": from.String(), "to": to.String()}
			if to == gobreaker.StateOpen {
				cfg.Logger.Warn("circuit opened", fields)
			} else {
				cfg.Logger.Info("circuit state changed", fields)
			}
			if cfg.Metrics != nil {
				cfg.Metrics.CircuitState(name, float64(to))
			}
		},
	}

	return &CircuitBreaker{name: cfg.Name, cb: gobreaker.NewCircuitBreaker(settings)}
}

func (c *CircuitBreaker) Name() string { return c.name }

func (c *CircuitBreaker) State() State { return c.cb.State() }

func (c *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	_, err := c.cb.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s: %w", errs.ErrCircuitOpen, c.name, err)
	}
	return err
}
