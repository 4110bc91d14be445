// Package policy provides the named resilience policies the command
// processor and handler decorators run work under.
package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/drblury/commandflow/internal/runtime/config"
	errs "github.com/drblury/commandflow/internal/runtime/errors"
	"github.com/drblury/commandflow/internal/runtime/logging"
	"github.com/drblury/commandflow/internal/runtime/metrics"
)

// Well-known keys looked up by the command processor.
const (
	RetryPolicy               = "commandflow.processor.retry"
	CircuitBreakerPolicy      = "commandflow.processor.circuitbreaker"
	RetryPolicyAsync          = "commandflow.processor.retry.async"
	CircuitBreakerPolicyAsync = "commandflow.processor.circuitbreaker.async"
)

// Policy runs fn under a resilience strategy.
type Policy interface {
	Execute(ctx context.Context, fn func(context.Context) error) error
}

// Func adapts a function to Policy.
type Func func(ctx context.Context, fn func(context.Context) error) error

func (f Func) Execute(ctx context.Context, fn func(context.Context) error) error {
	return f(ctx, fn)
}

// NoOp runs fn once.
var NoOp Policy = Func(func(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
})

// Chain composes policies so the first one is outermost.
func Chain(policies ...Policy) Policy {
	return Func(func(ctx context.Context, fn func(context.Context) error) error {
		run := fn
		for i := len(policies) - 1; i >= 0; i-- {
			p, next := policies[i], run
			if p == nil {
				continue
			}
			run = func(ctx context.Context) error { return p.Execute(ctx, next) }
		}
		return run(ctx)
	})
}

// Registry holds policies by key. State held by a policy, such as a circuit
// breaker's, is shared by every caller that looks the key up.
type Registry struct {
	mu       sync.RWMutex
	policies map[string]Policy
}

func NewRegistry() *Registry {
	return &Registry{policies: make(map[string]Policy)}
}

// Add registers or replaces the policy stored under key.
func (r *Registry) Add(key string, p Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[key] = p
}

func (r *Registry) Lookup(key string) (Policy, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.policies[key]
	return p, ok
}

// Get returns the policy under key or an error matching ErrPolicyNotFound.
func (r *Registry) Get(key string) (Policy, error) {
	p, ok := r.Lookup(key)
	if !ok {
		return nil, fmt.Errorf("%w: %q", errs.ErrPolicyNotFound, key)
	}
	return p, nil
}

// GetOrNoOp returns the policy under key, or NoOp when none is registered.
func (r *Registry) GetOrNoOp(key string) Policy {
	if p, ok := r.Lookup(key); ok {
		return p
	}
	return NoOp
}

// Keys lists the registered keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.policies))
	for k := range r.policies {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Default builds a registry with the four processor policies tuned from cfg.
// Sync and async keys get independent breakers. m may be nil.
func Default(cfg *config.Config, log logging.ServiceLogger, m *metrics.Metrics) *Registry {
	if cfg == nil {
		cfg = &config.Config{}
	}
	log = logging.OrDiscard(log)

	retryCfg := RetryConfig{
		MaxAttempts:     cfg.RetryMaxAttempts,
		InitialInterval: cfg.RetryInitialInterval,
		MaxInterval:     cfg.RetryMaxInterval,
	}
	breakerCfg := func(name string) CircuitBreakerConfig {
		return CircuitBreakerConfig{
			Name:             name,
			FailureThreshold: cfg.CircuitBreakerThreshold,
			BreakDuration:    cfg.CircuitBreakerDuration,
			Logger:           log,
			Metrics:          m,
		}
	}

	reg := NewRegistry()
	reg.Add(RetryPolicy, NewRetry(retryCfg))
	reg.Add(RetryPolicyAsync, NewRetry(retryCfg))
	reg.Add(CircuitBreakerPolicy, NewCircuitBreaker(breakerCfg(CircuitBreakerPolicy)))
	reg.Add(CircuitBreakerPolicyAsync, NewCircuitBreaker(breakerCfg(CircuitBreakerPolicyAsync)))
	return reg
}
