// Package channel abstracts the named message sources a message pump reads
// from.
package channel

import (
	"context"
	"time"

	"github.com/drblury/commandflow/internal/runtime/message"
)

// Channel is owned by exactly one message pump at a time.
type Channel interface {
	Name() string
	RoutingKey() string
	// Receive waits up to timeout for a message. A timeout yields a
	// TypeNone message; an unreachable broker yields an error matching
	// ErrChannelFailure.
	Receive(ctx context.Context, timeout time.Duration) (*message.Message, error)
	Acknowledge(msg *message.Message) error
	// Reject hands the message back for redelivery, or dead-letters it when
	// requeue is false.
	Reject(msg *message.Message, requeue bool) error
	Purge() error
	// Stop asks the channel to deliver a quit message once pending messages
	// are drained.
	Stop()
	Close() error
}

// Options identify the channel a factory should create.
type Options struct {
	Name       string
	RoutingKey string
}

// Factory creates a fresh channel for each performer.
type Factory interface {
	CreateChannel(opts Options) (Channel, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(opts Options) (Channel, error)

func (f FactoryFunc) CreateChannel(opts Options) (Channel, error) { return f(opts) }
