package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"

	errs "github.com/drblury/commandflow/internal/runtime/errors"
	"github.com/drblury/commandflow/internal/runtime/request"
)

type node struct {
	name        string
	handlerType string
	sync        Handler
	async       AsyncHandler

	instance any
	tracked  bool
}

// Pipeline is one built chain. It owns the handler instances it created and
// must be released when the dispatch is done.
type Pipeline struct {
	requestType string
	handlerType string
	async       bool
	nodes       []node

	factory HandlerFactory
	release sync.Once
}

// HandlerType is the target handler the chain was built around.
func (p *Pipeline) HandlerType() string { return p.handlerType }

// Names lists the handler names in execution order.
func (p *Pipeline) Names() []string {
	names := make([]string, len(p.nodes))
	for i, n := range p.nodes {
		names[i] = n.name
	}
	return names
}

// Trace renders the chain as "A|B|C|".
func (p *Pipeline) Trace() string {
	var b strings.Builder
	for _, n := range p.nodes {
		b.WriteString(n.name)
		b.WriteByte('|')
	}
	return b.String()
}

// Run executes a sync pipeline on the caller's goroutine.
func (p *Pipeline) Run(rc *request.Context, req request.Request) error {
	if p.async {
		return errs.NewConfigurationError(
			fmt.Sprintf("pipeline for %q was built async", p.requestType), errs.ErrAsyncHandler)
	}

	next := Next(func(*request.Context, request.Request) error { return nil })
	for i := len(p.nodes) - 1; i >= 0; i-- {
		h, cont := p.nodes[i].sync, next
		next = func(rc *request.Context, req request.Request) error {
			return h.Handle(rc, req, cont)
		}
	}
	return next(rc, req)
}

// RunAsync executes an async pipeline.
func (p *Pipeline) RunAsync(ctx context.Context, rc *request.Context, req request.Request) error {
	if !p.async {
		return errs.NewConfigurationError(
			fmt.Sprintf("pipeline for %q was built sync", p.requestType), errs.ErrSyncHandler)
	}

	next := AsyncNext(func(context.Context, *request.Context, request.Request) error { return nil })
	for i := len(p.nodes) - 1; i >= 0; i-- {
		h, cont := p.nodes[i].async, next
		next = func(ctx context.Context, rc *request.Context, req request.Request) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return h.HandleAsync(ctx, rc, req, cont)
		}
	}
	return next(ctx, rc, req)
}

// Release hands every non-shared instance back to the factory. It is safe to
// call more than once.
func (p *Pipeline) Release() {
	p.release.Do(func() {
		for i := len(p.nodes) - 1; i >= 0; i-- {
			if p.nodes[i].tracked {
				p.factory.Release(p.nodes[i].instance)
			}
		}
	})
}

// ReleaseAll releases every pipeline in ps.
func ReleaseAll(ps []*Pipeline) {
	for _, p := range ps {
		p.Release()
	}
}
