// Package request defines the commands and events dispatched by the command
// processor and the per-dispatch context handed to every handler.
package request

import (
	"github.com/drblury/commandflow/internal/runtime/ids"
)

// Request is a command (exactly one handler) or an event (zero or more
// handlers). RequestType is the stable tag used for registry and mapper
// lookups.
type Request interface {
	ID() string
	CorrelationID() string
	RequestType() string
	Properties() map[string]any
}

// Base implements Request and is meant to be embedded.
type Base struct {
	RequestID   string         `json:"id"`
	Correlation string         `json:"correlationId,omitempty"`
	Type        string         `json:"-"`
	Props       map[string]any `json:"-"`
}

// NewBase returns a Base with a fresh ULID identifier.
func NewBase(requestType string) Base {
	return Base{RequestID: ids.CreateULID(), Type: requestType}
}

func (b *Base) ID() string            { return b.RequestID }
func (b *Base) CorrelationID() string { return b.Correlation }
func (b *Base) RequestType() string   { return b.Type }

// Properties returns the mutable bag, creating it on first use.
func (b *Base) Properties() map[string]any {
	if b.Props == nil {
		b.Props = map[string]any{}
	}
	return b.Props
}

// Stamper is implemented by requests whose identity can be restored from a
// message header after decoding a body that omits it.
type Stamper interface {
	Stamp(id, correlationID, requestType string)
}

// Stamp fills identity fields that are still empty.
func (b *Base) Stamp(id, correlationID, requestType string) {
	if b.RequestID == "" {
		b.RequestID = id
	}
	if b.Correlation == "" {
		b.Correlation = correlationID
	}
	if b.Type == "" {
		b.Type = requestType
	}
}
