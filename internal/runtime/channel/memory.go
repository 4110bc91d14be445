package channel

import (
	"context"
	"fmt"
	"sync"
	"time"

	errs "github.com/drblury/commandflow/internal/runtime/errors"
	"github.com/drblury/commandflow/internal/runtime/message"
)

type queue struct {
	items   []*message.Message
	delayed int
	// notify is closed and replaced whenever the queue changes.
	notify chan struct{}
}

func (q *queue) signal() {
	close(q.notify)
	q.notify = make(chan struct{})
}

// Bus is an in-process broker with one FIFO queue per routing key. Channels
// on the same routing key compete for its messages.
type Bus struct {
	mu          sync.Mutex
	queues      map[string]*queue
	deadLetters map[string][]*message.Message
}

func NewBus() *Bus {
	return &Bus{
		queues:      make(map[string]*queue),
		deadLetters: make(map[string][]*message.Message),
	}
}

func (b *Bus) queue(routingKey string) *queue {
	q, ok := b.queues[routingKey]
	if !ok {
		q = &queue{notify: make(chan struct{})}
		b.queues[routingKey] = q
	}
	return q
}

// Enqueue appends messages to the routing key's queue.
func (b *Bus) Enqueue(routingKey string, msgs ...*message.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queue(routingKey)
	q.items = append(q.items, msgs...)
	q.signal()
}

func (b *Bus) enqueueAfter(routingKey string, msg *message.Message, delay time.Duration) {
	b.mu.Lock()
	b.queue(routingKey).delayed++
	b.mu.Unlock()

	time.AfterFunc(delay, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		q := b.queue(routingKey)
		q.delayed--
		q.items = append(q.items, msg)
		q.signal()
	})
}

// Len counts messages waiting on the routing key, including delayed
// requeues.
func (b *Bus) Len(routingKey string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[routingKey]
	if !ok {
		return 0
	}
	return len(q.items) + q.delayed
}

// DeadLetters returns the messages rejected without requeue.
func (b *Bus) DeadLetters(routingKey string) []*message.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*message.Message(nil), b.deadLetters[routingKey]...)
}

func (b *Bus) deadLetter(routingKey string, msg *message.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deadLetters[routingKey] = append(b.deadLetters[routingKey], msg)
}

// take pops the next message. When none is ready it returns the channel to
// wait on and whether the queue is fully drained.
func (b *Bus) take(routingKey string) (*message.Message, <-chan struct{}, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queue(routingKey)
	if len(q.items) > 0 {
		msg := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		return msg, nil, false
	}
	return nil, q.notify, q.delayed == 0
}

func (b *Bus) purge(routingKey string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue(routingKey).items = nil
}

type memoryChannel struct {
	name       string
	routingKey string
	bus        *Bus

	stopOnce sync.Once
	stop     chan struct{}

	mu       sync.Mutex
	inFlight map[string]*message.Message
	closed   bool
}

// NewInMemory returns a channel reading routingKey from bus.
func NewInMemory(bus *Bus, opts Options) Channel {
	return &memoryChannel{
		name:       opts.Name,
		routingKey: opts.RoutingKey,
		bus:        bus,
		stop:       make(chan struct{}),
		inFlight:   make(map[string]*message.Message),
	}
}

// NewInMemoryFactory creates in-memory channels on bus.
func NewInMemoryFactory(bus *Bus) Factory {
	return FactoryFunc(func(opts Options) (Channel, error) {
		if opts.RoutingKey == "" {
			return nil, fmt.Errorf("channel %q: routing key is required", opts.Name)
		}
		return NewInMemory(bus, opts), nil
	})
}

func (c *memoryChannel) Name() string       { return c.name }
func (c *memoryChannel) RoutingKey() string { return c.routingKey }

func (c *memoryChannel) Receive(ctx context.Context, timeout time.Duration) (*message.Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if c.isClosed() {
			return nil, &errs.ChannelFailureError{Channel: c.name, Err: errs.ErrChannelClosed}
		}

		msg, wait, drained := c.bus.take(c.routingKey)
		if msg != nil {
			c.mu.Lock()
			c.inFlight[msg.Header.ID] = msg
			c.mu.Unlock()
			return msg, nil
		}
		if drained && c.stopping() {
			return message.NewQuitMessage(c.routingKey), nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return message.NewNoneMessage(), nil
		case <-wait:
		case <-c.stop:
			// Re-check the queue; quit is only returned once it is empty.
			if !drained {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-timer.C:
					return message.NewNoneMessage(), nil
				case <-wait:
				}
			}
		}
	}
}

func (c *memoryChannel) stopping() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

func (c *memoryChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *memoryChannel) release(msg *message.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.inFlight[msg.Header.ID]; !ok {
		return fmt.Errorf("channel %q: message %q is not in flight", c.name, msg.Header.ID)
	}
	delete(c.inFlight, msg.Header.ID)
	return nil
}

func (c *memoryChannel) Acknowledge(msg *message.Message) error {
	return c.release(msg)
}

func (c *memoryChannel) Reject(msg *message.Message, requeue bool) error {
	if err := c.release(msg); err != nil {
		return err
	}
	if !requeue {
		c.bus.deadLetter(c.routingKey, msg)
		return nil
	}
	if msg.Header.Delay > 0 {
		c.bus.enqueueAfter(c.routingKey, msg, msg.Header.Delay)
		return nil
	}
	c.bus.Enqueue(c.routingKey, msg)
	return nil
}

func (c *memoryChannel) Purge() error {
	c.bus.purge(c.routingKey)
	return nil
}

func (c *memoryChannel) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Close requeues anything still in flight so no message is lost.
func (c *memoryChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pending := make([]*message.Message, 0, len(c.inFlight))
	for id, msg := range c.inFlight {
		pending = append(pending, msg)
		delete(c.inFlight, id)
	}
	c.mu.Unlock()

	if len(pending) > 0 {
		c.bus.Enqueue(c.routingKey, pending...)
	}
	return nil
}
