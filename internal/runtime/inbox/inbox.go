// Package inbox records which requests a handler has already processed so
// the pipeline can enforce once-only delivery.
package inbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	errs "github.com/drblury/commandflow/internal/runtime/errors"
	"github.com/drblury/commandflow/internal/runtime/jsoncodec"
	"github.com/drblury/commandflow/internal/runtime/request"
)

// Action decides what the inbox guard does with a duplicate request.
type Action int

const (
	// Throw fails the dispatch with an OnceOnlyError.
	Throw Action = iota
	// Warn logs the duplicate and skips the handler.
	Warn
)

func (a Action) String() string {
	if a == Warn {
		return "warn"
	}
	return "throw"
}

// Options tune the inbox guard for one handler or globally.
type Options struct {
	// OnceOnly makes the guard reject duplicates. Without it requests are
	// only recorded.
	OnceOnly bool
	Action   Action
	// ContextKey separates handlers that share request ids. Empty means the
	// handler type is used.
	ContextKey string
}

// Entry is a recorded request.
type Entry struct {
	RequestID   string    `json:"requestId"`
	ContextKey  string    `json:"contextKey"`
	RequestType string    `json:"requestType"`
	Body        []byte    `json:"body,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Inbox is the narrow store contract the pipeline depends on.
type Inbox interface {
	Add(ctx context.Context, req request.Request, contextKey string) error
	Exists(ctx context.Context, requestID, contextKey string) (bool, error)
	Get(ctx context.Context, requestID, contextKey string) (Entry, error)
}

// Key is the storage key for a request id under a context key.
func Key(requestID, contextKey string) string {
	return requestID + ":" + contextKey
}

// NewEntry serializes req for storage.
func NewEntry(req request.Request, contextKey string) (Entry, error) {
	body, err := jsoncodec.Marshal(req)
	if err != nil {
		return Entry{}, fmt.Errorf("inbox: encode request %q: %w", req.ID(), err)
	}
	return Entry{
		RequestID:   req.ID(),
		ContextKey:  contextKey,
		RequestType: req.RequestType(),
		Body:        body,
		Timestamp:   time.Now().UTC(),
	}, nil
}

// InMemory is a map backed Inbox.
type InMemory struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewInMemory() *InMemory {
	return &InMemory{entries: make(map[string]Entry)}
}

func (i *InMemory) Add(_ context.Context, req request.Request, contextKey string) error {
	entry, err := NewEntry(req, contextKey)
	if err != nil {
		return err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.entries[Key(entry.RequestID, contextKey)] = entry
	return nil
}

func (i *InMemory) Exists(_ context.Context, requestID, contextKey string) (bool, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	_, ok := i.entries[Key(requestID, contextKey)]
	return ok, nil
}

func (i *InMemory) Get(_ context.Context, requestID, contextKey string) (Entry, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	entry, ok := i.entries[Key(requestID, contextKey)]
	if !ok {
		return Entry{}, fmt.Errorf("%w: inbox entry %q", errs.ErrMessageNotFound, Key(requestID, contextKey))
	}
	return entry, nil
}

// Len returns the number of recorded requests.
func (i *InMemory) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.entries)
}
