// Package registry maps request types to the handler types that serve them
// and holds the declarative decorator steps attached to each handler.
package registry

import (
	"fmt"
	"slices"
	"sort"
	"sync"

	errs "github.com/drblury/commandflow/internal/runtime/errors"
	"github.com/drblury/commandflow/internal/runtime/request"
)

// Router selects handler types for one request instance. It is evaluated on
// every dispatch and its result is never cached.
type Router func(req request.Request, rc *request.Context) []string

type registration struct {
	handlers   []string
	router     Router
	candidates []string
}

// Registry is safe for concurrent use. Registrations are expected during
// startup wiring; lookups happen on every dispatch.
type Registry struct {
	mu            sync.RWMutex
	registrations map[string]*registration
	descriptors   map[string]*Descriptor
}

func New() *Registry {
	return &Registry{
		registrations: make(map[string]*registration),
		descriptors:   make(map[string]*Descriptor),
	}
}

// Register appends handler types to the ordered list for requestType.
func (r *Registry) Register(requestType string, handlerTypes ...string) error {
	if requestType == "" {
		return errs.NewConfigurationError("register: request type is empty", nil)
	}
	if len(handlerTypes) == 0 {
		return errs.NewConfigurationError(fmt.Sprintf("register %q: no handler types", requestType), nil)
	}
	if slices.Contains(handlerTypes, "") {
		return errs.NewConfigurationError(fmt.Sprintf("register %q: empty handler type", requestType), nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.registrations[requestType]
	if !ok {
		reg = &registration{}
		r.registrations[requestType] = reg
	}
	if reg.router != nil {
		return errs.NewConfigurationError(fmt.Sprintf("register %q: request type already uses a router", requestType), nil)
	}
	reg.handlers = append(reg.handlers, handlerTypes...)
	return nil
}

// RegisterRouter routes requestType through router. The router may only
// return handler types listed in candidates.
func (r *Registry) RegisterRouter(requestType string, router Router, candidates ...string) error {
	if requestType == "" || router == nil {
		return errs.NewConfigurationError("register router: request type and router are required", nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if reg, ok := r.registrations[requestType]; ok && len(reg.handlers) > 0 {
		return errs.NewConfigurationError(fmt.Sprintf("register router %q: request type already has handlers", requestType), nil)
	}
	r.registrations[requestType] = &registration{
		router:     router,
		candidates: slices.Clone(candidates),
	}
	return nil
}

// Observers returns the handler types for req: the static list, or the
// router's selection for this instance. No registration yields an empty
// list.
func (r *Registry) Observers(req request.Request, rc *request.Context) ([]string, error) {
	if req == nil {
		return nil, errs.ErrRequestRequired
	}
	requestType := req.RequestType()

	r.mu.RLock()
	reg, ok := r.registrations[requestType]
	var (
		handlers   []string
		router     Router
		candidates []string
	)
	if ok {
		handlers = slices.Clone(reg.handlers)
		router = reg.router
		candidates = reg.candidates
	}
	r.mu.RUnlock()

	if router == nil {
		return handlers, nil
	}

	selected := router(req, rc)
	for _, h := range selected {
		if !slices.Contains(candidates, h) {
			return nil, errs.NewConfigurationError(
				fmt.Sprintf("router for %q selected %q which is not a candidate", requestType, h), nil)
		}
	}
	return selected, nil
}

// Get returns the single statically registered handler type for a command.
func (r *Registry) Get(requestType string) (string, error) {
	r.mu.RLock()
	reg, ok := r.registrations[requestType]
	var handlers []string
	routed := false
	if ok {
		handlers = reg.handlers
		routed = reg.router != nil
	}
	r.mu.RUnlock()

	if routed {
		return "", errs.NewConfigurationError(
			fmt.Sprintf("request type %q is routed per instance", requestType), nil)
	}
	return single(requestType, handlers)
}

// Single resolves exactly one handler type for req, evaluating a router when
// one is registered.
func (r *Registry) Single(req request.Request, rc *request.Context) (string, error) {
	handlers, err := r.Observers(req, rc)
	if err != nil {
		return "", err
	}
	return single(req.RequestType(), handlers)
}

func single(requestType string, handlers []string) (string, error) {
	switch len(handlers) {
	case 0:
		return "", errs.NewConfigurationError(fmt.Sprintf("request type %q", requestType), errs.ErrNoHandler)
	case 1:
		return handlers[0], nil
	default:
		return "", errs.NewConfigurationError(
			fmt.Sprintf("request type %q has %d handlers", requestType, len(handlers)), errs.ErrMultipleHandlers)
	}
}

// RequestTypes lists the registered request types in sorted order.
func (r *Registry) RequestTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.registrations))
	for t := range r.registrations {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
