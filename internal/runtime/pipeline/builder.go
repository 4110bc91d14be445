package pipeline

import (
	"context"
	"fmt"

	errs "github.com/drblury/commandflow/internal/runtime/errors"
	"github.com/drblury/commandflow/internal/runtime/inbox"
	"github.com/drblury/commandflow/internal/runtime/logging"
	"github.com/drblury/commandflow/internal/runtime/registry"
	"github.com/drblury/commandflow/internal/runtime/request"
)

// Builder materializes pipelines from registry registrations and a handler
// factory.
type Builder struct {
	registry *registry.Registry
	factory  HandlerFactory
	inbox    *InboxConfiguration
	log      logging.ServiceLogger
}

// Option configures a Builder.
type Option func(*Builder)

// WithInbox enables the global once-only guard.
func WithInbox(cfg InboxConfiguration) Option {
	return func(b *Builder) {
		b.inbox = &cfg
	}
}

// WithLogger sets the logger used by built-in decorators.
func WithLogger(log logging.ServiceLogger) Option {
	return func(b *Builder) {
		b.log = log
	}
}

func NewBuilder(reg *registry.Registry, factory HandlerFactory, opts ...Option) (*Builder, error) {
	if reg == nil {
		return nil, errs.NewConfigurationError("pipeline builder: registry is required", nil)
	}
	if factory == nil {
		return nil, errs.NewConfigurationError("pipeline builder", errs.ErrHandlerFactory)
	}
	b := &Builder{registry: reg, factory: factory}
	for _, opt := range opts {
		opt(b)
	}
	b.log = logging.OrDiscard(b.log)
	if b.inbox != nil && b.inbox.Inbox == nil {
		return nil, errs.NewConfigurationError("pipeline builder: inbox configuration has no inbox", nil)
	}
	return b, nil
}

// Registry returns the subscriber registry the builder resolves from.
func (b *Builder) Registry() *registry.Registry { return b.registry }

// Build returns one sync pipeline per observer of req.
func (b *Builder) Build(rc *request.Context, req request.Request) ([]*Pipeline, error) {
	return b.buildAll(rc, req, false)
}

// BuildAsync returns one async pipeline per observer of req.
func (b *Builder) BuildAsync(rc *request.Context, req request.Request) ([]*Pipeline, error) {
	return b.buildAll(rc, req, true)
}

// BuildFor builds the sync pipeline around handlerType.
func (b *Builder) BuildFor(rc *request.Context, req request.Request, handlerType string) (*Pipeline, error) {
	return b.build(rc, req, handlerType, false)
}

// BuildAsyncFor builds the async pipeline around handlerType.
func (b *Builder) BuildAsyncFor(rc *request.Context, req request.Request, handlerType string) (*Pipeline, error) {
	return b.build(rc, req, handlerType, true)
}

func (b *Builder) buildAll(rc *request.Context, req request.Request, async bool) ([]*Pipeline, error) {
	if req == nil {
		return nil, errs.ErrRequestRequired
	}
	handlerTypes, err := b.registry.Observers(req, rc)
	if err != nil {
		return nil, err
	}

	pipelines := make([]*Pipeline, 0, len(handlerTypes))
	for _, ht := range handlerTypes {
		p, err := b.build(rc, req, ht, async)
		if err != nil {
			ReleaseAll(pipelines)
			return nil, err
		}
		pipelines = append(pipelines, p)
	}
	return pipelines, nil
}

func (b *Builder) build(rc *request.Context, req request.Request, handlerType string, async bool) (*Pipeline, error) {
	if req == nil {
		return nil, errs.ErrRequestRequired
	}
	if rc == nil {
		rc = request.NewContext(context.Background())
	}

	requestType := req.RequestType()
	sh := shapeFor(b.registry, requestType, handlerType)
	p := &Pipeline{
		requestType: requestType,
		handlerType: handlerType,
		async:       async,
		factory:     b.factory,
	}

	fail := func(err error) (*Pipeline, error) {
		p.Release()
		return nil, err
	}

	for _, step := range sh.pre {
		if step.IsPolicy() {
			d, err := newPolicyDecorator(rc.Policies, step.PolicyKeys)
			if err != nil {
				return fail(errs.NewConfigurationError(
					fmt.Sprintf("handler %q for %q: policy step %d", handlerType, requestType, step.Order), err))
			}
			p.nodes = append(p.nodes, node{name: d.Name(), sync: d, async: d})
			continue
		}
		if err := b.appendInstance(p, step.HandlerType); err != nil {
			return fail(err)
		}
	}

	guard, err := b.inboxGuard(handlerType, sh)
	if err != nil {
		return fail(err)
	}
	if guard != nil {
		p.nodes = append(p.nodes, node{name: guard.Name(), sync: guard, async: guard})
	}

	if err := b.appendInstance(p, handlerType); err != nil {
		return fail(err)
	}
	for _, step := range sh.post {
		if err := b.appendInstance(p, step.HandlerType); err != nil {
			return fail(err)
		}
	}
	return p, nil
}

func (b *Builder) appendInstance(p *Pipeline, handlerType string) error {
	instance, err := b.factory.Create(handlerType)
	if err != nil {
		return errs.NewConfigurationError(
			fmt.Sprintf("create handler %q for %q", handlerType, p.requestType), err)
	}
	if instance == nil {
		return errs.NewConfigurationError(
			fmt.Sprintf("factory returned no instance for handler %q", handlerType), nil)
	}

	n := node{
		name:        nameOf(instance, handlerType),
		handlerType: handlerType,
		instance:    instance,
		tracked:     !isShared(b.factory, handlerType, instance),
	}
	// Track before checking capabilities so a rejected instance is still
	// released.
	p.nodes = append(p.nodes, n)
	last := &p.nodes[len(p.nodes)-1]

	if p.async {
		h, ok := instance.(AsyncHandler)
		if !ok {
			return errs.NewConfigurationError(
				fmt.Sprintf("handler %q in async pipeline for %q", n.name, p.requestType), errs.ErrSyncHandler)
		}
		last.async = h
		return nil
	}
	h, ok := instance.(Handler)
	if !ok {
		return errs.NewConfigurationError(
			fmt.Sprintf("handler %q in sync pipeline for %q", n.name, p.requestType), errs.ErrAsyncHandler)
	}
	last.sync = h
	return nil
}

func (b *Builder) inboxGuard(handlerType string, sh *shape) (*inboxGuard, error) {
	switch sh.inbox {
	case registry.InboxDisabled:
		return nil, nil
	case registry.InboxEnabled:
		if b.inbox == nil {
			return nil, errs.NewConfigurationError(
				fmt.Sprintf("handler %q uses an inbox but none is configured", handlerType), nil)
		}
		key := sh.inboxOptions.ContextKey
		if key == "" {
			key = b.inbox.contextKey(handlerType)
		}
		return &inboxGuard{store: b.inbox.Inbox, opts: sh.inboxOptions, contextKey: key, log: b.log}, nil
	default:
		if b.inbox == nil {
			return nil, nil
		}
		return &inboxGuard{
			store:      b.inbox.Inbox,
			opts:       inbox.Options{OnceOnly: b.inbox.OnceOnly, Action: b.inbox.ActionOnExists},
			contextKey: b.inbox.contextKey(handlerType),
			log:        b.log,
		}, nil
	}
}
