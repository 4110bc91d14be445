// Package pipeline builds and runs the ordered handler chains the command
// processor dispatches requests through.
package pipeline

import (
	"context"

	"github.com/drblury/commandflow/internal/runtime/request"
)

// Next continues a sync chain with the following handler.
type Next func(rc *request.Context, req request.Request) error

// AsyncNext continues an async chain with the following handler.
type AsyncNext func(ctx context.Context, rc *request.Context, req request.Request) error

// Handler is the sync capability. A handler passes control down the chain by
// calling next; not calling it ends the chain early.
type Handler interface {
	Name() string
	Handle(rc *request.Context, req request.Request, next Next) error
}

// AsyncHandler is the async capability. Only handlers that implement it may
// appear in an async pipeline.
type AsyncHandler interface {
	Name() string
	HandleAsync(ctx context.Context, rc *request.Context, req request.Request, next AsyncNext) error
}

// HandlerFunc adapts a function into a Handler that continues the chain when
// the function succeeds.
type HandlerFunc struct {
	HandlerName string
	Fn          func(rc *request.Context, req request.Request) error
}

func (h HandlerFunc) Name() string { return h.HandlerName }

func (h HandlerFunc) Handle(rc *request.Context, req request.Request, next Next) error {
	if err := h.Fn(rc, req); err != nil {
		return err
	}
	return next(rc, req)
}

// AsyncHandlerFunc adapts a function into an AsyncHandler that continues the
// chain when the function succeeds.
type AsyncHandlerFunc struct {
	HandlerName string
	Fn          func(ctx context.Context, rc *request.Context, req request.Request) error
}

func (h AsyncHandlerFunc) Name() string { return h.HandlerName }

func (h AsyncHandlerFunc) HandleAsync(ctx context.Context, rc *request.Context, req request.Request, next AsyncNext) error {
	if err := h.Fn(ctx, rc, req); err != nil {
		return err
	}
	return next(ctx, rc, req)
}

func nameOf(instance any, fallback string) string {
	if n, ok := instance.(interface{ Name() string }); ok && n.Name() != "" {
		return n.Name()
	}
	return fallback
}
