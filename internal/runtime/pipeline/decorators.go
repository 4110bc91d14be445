package pipeline

import (
	"context"
	"fmt"
	"strings"

	errs "github.com/drblury/commandflow/internal/runtime/errors"
	"github.com/drblury/commandflow/internal/runtime/inbox"
	"github.com/drblury/commandflow/internal/runtime/logging"
	"github.com/drblury/commandflow/internal/runtime/policy"
	"github.com/drblury/commandflow/internal/runtime/request"
)

// InboxConfiguration enables the once-only guard for every handler that does
// not opt out.
type InboxConfiguration struct {
	Inbox          inbox.Inbox
	OnceOnly       bool
	ActionOnExists inbox.Action
	// ContextKey derives the inbox context key from the handler type. Nil
	// uses the handler type itself.
	ContextKey func(handlerType string) string
}

func (c *InboxConfiguration) contextKey(handlerType string) string {
	if c.ContextKey != nil {
		if key := c.ContextKey(handlerType); key != "" {
			return key
		}
	}
	return handlerType
}

type inboxGuard struct {
	store      inbox.Inbox
	opts       inbox.Options
	contextKey string
	log        logging.ServiceLogger
}

func (g *inboxGuard) Name() string { return "Inbox" }

func (g *inboxGuard) Handle(rc *request.Context, req request.Request, next Next) error {
	return g.guard(rc.Context(), req, func() error { return next(rc, req) })
}

func (g *inboxGuard) HandleAsync(ctx context.Context, rc *request.Context, req request.Request, next AsyncNext) error {
	return g.guard(ctx, req, func() error { return next(ctx, rc, req) })
}

func (g *inboxGuard) guard(ctx context.Context, req request.Request, handle func() error) error {
	if g.opts.OnceOnly {
		exists, err := g.store.Exists(ctx, req.ID(), g.contextKey)
		if err != nil {
			return fmt.Errorf("inbox: check request %q: %w", req.ID(), err)
		}
		if exists {
			if g.opts.Action == inbox.Warn {
				g.log.Warn("Request already processed, skipping handler", logging.LogFields{
					"request_id":   req.ID(),
					"request_type": req.RequestType(),
					"context_key":  g.contextKey,
				})
				return nil
			}
			return &errs.OnceOnlyError{RequestID: req.ID(), ContextKey: g.contextKey}
		}
	}

	if err := handle(); err != nil {
		return err
	}
	if err := g.store.Add(ctx, req, g.contextKey); err != nil {
		return fmt.Errorf("inbox: record request %q: %w", req.ID(), err)
	}
	return nil
}

// policyDecorator runs the rest of the chain under named policies.
type policyDecorator struct {
	keys   []string
	policy policy.Policy
}

func newPolicyDecorator(reg *policy.Registry, keys []string) (*policyDecorator, error) {
	policies := make([]policy.Policy, 0, len(keys))
	for _, key := range keys {
		p, err := reg.Get(key)
		if err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}
	return &policyDecorator{keys: keys, policy: policy.Chain(policies...)}, nil
}

func (d *policyDecorator) Name() string {
	return "Policy(" + strings.Join(d.keys, ",") + ")"
}

func (d *policyDecorator) Handle(rc *request.Context, req request.Request, next Next) error {
	return d.policy.Execute(rc.Context(), func(ctx context.Context) error {
		return next(rc.WithContext(ctx), req)
	})
}

func (d *policyDecorator) HandleAsync(ctx context.Context, rc *request.Context, req request.Request, next AsyncNext) error {
	return d.policy.Execute(ctx, func(ctx context.Context) error {
		return next(ctx, rc, req)
	})
}
