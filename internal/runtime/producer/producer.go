// Package producer delivers outgoing messages to a broker.
package producer

import (
	"context"
	"fmt"

	wmmessage "github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/commandflow/internal/runtime/channel"
	errs "github.com/drblury/commandflow/internal/runtime/errors"
	"github.com/drblury/commandflow/internal/runtime/message"
)

// Producer sends one message to the topic in its header.
type Producer interface {
	Send(ctx context.Context, msg *message.Message) error
}

// Func adapts a function to Producer.
type Func func(ctx context.Context, msg *message.Message) error

func (f Func) Send(ctx context.Context, msg *message.Message) error { return f(ctx, msg) }

// Watermill publishes through any Watermill publisher.
type Watermill struct {
	publisher wmmessage.Publisher
}

func NewWatermill(publisher wmmessage.Publisher) (*Watermill, error) {
	if publisher == nil {
		return nil, errs.NewConfigurationError("watermill producer", errs.ErrProducerRequired)
	}
	return &Watermill{publisher: publisher}, nil
}

func (w *Watermill) Send(ctx context.Context, msg *message.Message) error {
	if msg.Header.Topic == "" {
		return fmt.Errorf("producer: message %q has no topic", msg.Header.ID)
	}
	wm := message.ToWatermill(msg)
	wm.SetContext(ctx)
	if err := w.publisher.Publish(msg.Header.Topic, wm); err != nil {
		return fmt.Errorf("producer: publish %q to %q: %w", msg.Header.ID, msg.Header.Topic, err)
	}
	return nil
}

// InMemory enqueues messages on a channel bus using the topic as the routing
// key.
type InMemory struct {
	bus *channel.Bus
}

func NewInMemory(bus *channel.Bus) *InMemory {
	return &InMemory{bus: bus}
}

func (p *InMemory) Send(ctx context.Context, msg *message.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.bus.Enqueue(msg.Header.Topic, msg.Clone())
	return nil
}
