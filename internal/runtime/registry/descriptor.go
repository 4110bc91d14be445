package registry

import (
	"fmt"
	"slices"

	errs "github.com/drblury/commandflow/internal/runtime/errors"
	"github.com/drblury/commandflow/internal/runtime/inbox"
)

// Phase places a decorator before or after the target handler.
type Phase int

const (
	PhasePre Phase = iota
	PhasePost
)

func (p Phase) String() string {
	if p == PhasePost {
		return "post"
	}
	return "pre"
}

// Step is one decorator declared on a handler. A step either names a
// decorator handler type created through the handler factory, or lists
// policy keys the built-in policy decorator runs the rest of the chain under.
type Step struct {
	Order       int
	Phase       Phase
	HandlerType string
	PolicyKeys  []string
}

// IsPolicy reports whether the step is served by the policy decorator.
func (s Step) IsPolicy() bool { return len(s.PolicyKeys) > 0 }

// InboxMode says whether a handler follows, forces or opts out of the
// global inbox configuration.
type InboxMode int

const (
	InboxDefault InboxMode = iota
	InboxEnabled
	InboxDisabled
)

// Descriptor is the declarative step list of one handler type.
type Descriptor struct {
	HandlerType string
	Steps       []Step
	Inbox       InboxMode
	// InboxOptions overrides the global options when Inbox is InboxEnabled.
	InboxOptions inbox.Options
}

func (d Descriptor) clone() Descriptor {
	d.Steps = slices.Clone(d.Steps)
	for i := range d.Steps {
		d.Steps[i].PolicyKeys = slices.Clone(d.Steps[i].PolicyKeys)
	}
	return d
}

// Option adds to a Descriptor.
type Option func(*Descriptor)

// Before runs decoratorType ahead of the handler at the given step.
func Before(step int, decoratorType string) Option {
	return func(d *Descriptor) {
		d.Steps = append(d.Steps, Step{Order: step, Phase: PhasePre, HandlerType: decoratorType})
	}
}

// After runs decoratorType behind the handler at the given step.
func After(step int, decoratorType string) Option {
	return func(d *Descriptor) {
		d.Steps = append(d.Steps, Step{Order: step, Phase: PhasePost, HandlerType: decoratorType})
	}
}

// UsePolicy runs the remainder of the chain, from this pre step on, under
// the named policies, outermost first.
func UsePolicy(step int, keys ...string) Option {
	return func(d *Descriptor) {
		d.Steps = append(d.Steps, Step{Order: step, Phase: PhasePre, PolicyKeys: slices.Clone(keys)})
	}
}

// UseInbox guards the handler with an inbox using opts instead of the
// global options.
func UseInbox(opts inbox.Options) Option {
	return func(d *Descriptor) {
		d.Inbox = InboxEnabled
		d.InboxOptions = opts
	}
}

// NoInbox opts the handler out of the global inbox.
func NoInbox() Option {
	return func(d *Descriptor) {
		d.Inbox = InboxDisabled
	}
}

// Describe attaches steps to handlerType. Repeated calls add to the same
// descriptor.
func (r *Registry) Describe(handlerType string, opts ...Option) error {
	if handlerType == "" {
		return errs.NewConfigurationError("describe: handler type is empty", nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.descriptors[handlerType]
	if !ok {
		d = &Descriptor{HandlerType: handlerType}
		r.descriptors[handlerType] = d
	}
	for _, opt := range opts {
		opt(d)
	}
	for _, s := range d.Steps {
		if s.HandlerType == "" && !s.IsPolicy() {
			return errs.NewConfigurationError(
				fmt.Sprintf("describe %q: step %d names no decorator", handlerType, s.Order), nil)
		}
	}
	return nil
}

// Descriptor returns a copy of the descriptor for handlerType. Undescribed
// handlers get an empty descriptor.
func (r *Registry) Descriptor(handlerType string) Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if d, ok := r.descriptors[handlerType]; ok {
		return d.clone()
	}
	return Descriptor{HandlerType: handlerType}
}
