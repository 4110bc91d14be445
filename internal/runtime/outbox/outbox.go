// Package outbox stores outgoing messages so Post can deliver them and
// Repost can redeliver them later.
package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	errs "github.com/drblury/commandflow/internal/runtime/errors"
	"github.com/drblury/commandflow/internal/runtime/message"
)

// Outbox is the narrow store contract the command processor depends on.
type Outbox interface {
	Add(ctx context.Context, msg *message.Message) error
	Get(ctx context.Context, id string) (*message.Message, error)
	MarkDispatched(ctx context.Context, id string, at time.Time) error
}

type record struct {
	msg        *message.Message
	dispatched time.Time
}

// InMemory is a map backed Outbox. Messages are cloned on the way in and out.
type InMemory struct {
	mu      sync.RWMutex
	records map[string]*record
}

func NewInMemory() *InMemory {
	return &InMemory{records: make(map[string]*record)}
}

func (o *InMemory) Add(_ context.Context, msg *message.Message) error {
	if msg == nil {
		return fmt.Errorf("outbox: message is nil")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.records[msg.Header.ID] = &record{msg: msg.Clone()}
	return nil
}

func (o *InMemory) Get(_ context.Context, id string) (*message.Message, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	rec, ok := o.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: outbox message %q", errs.ErrMessageNotFound, id)
	}
	return rec.msg.Clone(), nil
}

func (o *InMemory) MarkDispatched(_ context.Context, id string, at time.Time) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.records[id]
	if !ok {
		return fmt.Errorf("%w: outbox message %q", errs.ErrMessageNotFound, id)
	}
	rec.dispatched = at
	return nil
}

// DispatchedAt reports when id was marked dispatched.
func (o *InMemory) DispatchedAt(id string) (time.Time, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	rec, ok := o.records[id]
	if !ok || rec.dispatched.IsZero() {
		return time.Time{}, false
	}
	return rec.dispatched, true
}

// Outstanding lists ids added but not yet dispatched.
func (o *InMemory) Outstanding() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var ids []string
	for id, rec := range o.records {
		if rec.dispatched.IsZero() {
			ids = append(ids, id)
		}
	}
	return ids
}
