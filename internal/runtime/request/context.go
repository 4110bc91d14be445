package request

import (
	"context"
	"sync"

	"github.com/drblury/commandflow/internal/runtime/message"
	"github.com/drblury/commandflow/internal/runtime/policy"
)

// Well-known bag keys set by the message pump.
const (
	BagChannelName  = "ChannelName"
	BagRequestStart = "RequestStart"
)

// Context is created once per dispatch and handed to every handler in the
// pipeline. The bag is safe for concurrent use.
type Context struct {
	ctx context.Context

	// Policies is the registry handlers use to find named policies.
	Policies *policy.Registry
	// Scope is a caller supplied resource scope, such as a transaction.
	Scope any
	// OriginatingMessage is set when the request came off a channel.
	OriginatingMessage *message.Message

	mu  sync.RWMutex
	bag map[string]any
}

// NewContext creates a request context bound to ctx.
func NewContext(ctx context.Context) *Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Context{ctx: ctx, bag: map[string]any{}}
}

// Context returns the context.Context of the dispatch.
func (c *Context) Context() context.Context {
	if c.ctx == nil {
		return context.Background()
	}
	return c.ctx
}

// WithContext returns a shallow copy bound to ctx that shares the bag.
func (c *Context) WithContext(ctx context.Context) *Context {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return &Context{
		ctx:                ctx,
		Policies:           c.Policies,
		Scope:              c.Scope,
		OriginatingMessage: c.OriginatingMessage,
		bag:                c.bag,
	}
}

func (c *Context) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bag == nil {
		c.bag = map[string]any{}
	}
	c.bag[key] = value
}

func (c *Context) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.bag[key]
	return v, ok
}

func (c *Context) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.bag, key)
}

// Bag returns a snapshot of the bag.
func (c *Context) Bag() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.bag))
	for k, v := range c.bag {
		out[k] = v
	}
	return out
}
