package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	wmmessage "github.com/ThreeDotsLabs/watermill/message"

	errs "github.com/drblury/commandflow/internal/runtime/errors"
	"github.com/drblury/commandflow/internal/runtime/logging"
	"github.com/drblury/commandflow/internal/runtime/message"
)

// DeadLetterSuffix names the dead letter topic when none is configured.
const DeadLetterSuffix = ".dead_letter"

// WatermillOption configures watermill backed channels.
type WatermillOption func(*watermillFactory)

// WithDeadLetterTopic routes rejected messages to topic instead of
// "<routing key>.dead_letter".
func WithDeadLetterTopic(topic string) WatermillOption {
	return func(f *watermillFactory) {
		f.deadLetterTopic = topic
	}
}

type watermillFactory struct {
	subscriber      wmmessage.Subscriber
	publisher       wmmessage.Publisher
	deadLetterTopic string
	log             logging.ServiceLogger
}

// NewWatermillFactory creates channels that subscribe through subscriber.
// publisher is optional; with it, requeues carry the updated handled count
// and rejected messages reach a dead letter topic. Without it requeues are
// nacked and dead letters are dropped after logging.
func NewWatermillFactory(subscriber wmmessage.Subscriber, publisher wmmessage.Publisher, log logging.ServiceLogger, opts ...WatermillOption) (Factory, error) {
	if subscriber == nil {
		return nil, errs.NewConfigurationError("watermill channel factory: subscriber is required", nil)
	}
	f := &watermillFactory{subscriber: subscriber, publisher: publisher, log: logging.OrDiscard(log)}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

func (f *watermillFactory) CreateChannel(opts Options) (Channel, error) {
	if opts.RoutingKey == "" {
		return nil, fmt.Errorf("channel %q: routing key is required", opts.Name)
	}
	dlq := f.deadLetterTopic
	if dlq == "" {
		dlq = opts.RoutingKey + DeadLetterSuffix
	}
	return &watermillChannel{
		name:            opts.Name,
		routingKey:      opts.RoutingKey,
		subscriber:      f.subscriber,
		publisher:       f.publisher,
		deadLetterTopic: dlq,
		log:             f.log.With(logging.LogFields{"channel": opts.Name, "routing_key": opts.RoutingKey}),
		stop:            make(chan struct{}),
		inFlight:        make(map[string]*wmmessage.Message),
	}, nil
}

type watermillChannel struct {
	name            string
	routingKey      string
	subscriber      wmmessage.Subscriber
	publisher       wmmessage.Publisher
	deadLetterTopic string
	log             logging.ServiceLogger

	stopOnce sync.Once
	stop     chan struct{}

	mu       sync.Mutex
	messages <-chan *wmmessage.Message
	cancel   context.CancelFunc
	inFlight map[string]*wmmessage.Message
	closed   bool
}

func (c *watermillChannel) Name() string       { return c.name }
func (c *watermillChannel) RoutingKey() string { return c.routingKey }

func (c *watermillChannel) subscription() (<-chan *wmmessage.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, &errs.ChannelFailureError{Channel: c.name, Err: errs.ErrChannelClosed}
	}
	if c.messages != nil {
		return c.messages, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	messages, err := c.subscriber.Subscribe(ctx, c.routingKey)
	if err != nil {
		cancel()
		return nil, &errs.ChannelFailureError{Channel: c.name, Err: err}
	}
	c.messages, c.cancel = messages, cancel
	return messages, nil
}

func (c *watermillChannel) Receive(ctx context.Context, timeout time.Duration) (*message.Message, error) {
	messages, err := c.subscription()
	if err != nil {
		return nil, err
	}

	// A pending stop wins over the broker: delivered but unacked messages
	// are redelivered to another consumer.
	select {
	case <-c.stop:
		return message.NewQuitMessage(c.routingKey), nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.stop:
		return message.NewQuitMessage(c.routingKey), nil
	case <-timer.C:
		return message.NewNoneMessage(), nil
	case wm, ok := <-messages:
		if !ok {
			c.resetSubscription()
			return nil, &errs.ChannelFailureError{Channel: c.name, Err: errors.New("subscription closed")}
		}
		msg := message.FromWatermill(wm, c.routingKey)
		c.mu.Lock()
		c.inFlight[msg.Header.ID] = wm
		c.mu.Unlock()
		return msg, nil
	}
}

// resetSubscription lets the next Receive subscribe again after the broker
// dropped the stream.
func (c *watermillChannel) resetSubscription() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
	c.messages, c.cancel = nil, nil
}

func (c *watermillChannel) take(msg *message.Message) (*wmmessage.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	wm, ok := c.inFlight[msg.Header.ID]
	if !ok {
		return nil, fmt.Errorf("channel %q: message %q is not in flight", c.name, msg.Header.ID)
	}
	delete(c.inFlight, msg.Header.ID)
	return wm, nil
}

func (c *watermillChannel) Acknowledge(msg *message.Message) error {
	wm, err := c.take(msg)
	if err != nil {
		return err
	}
	wm.Ack()
	return nil
}

func (c *watermillChannel) Reject(msg *message.Message, requeue bool) error {
	wm, err := c.take(msg)
	if err != nil {
		return err
	}

	if requeue {
		if c.publisher == nil {
			wm.Nack()
			return nil
		}
		if err := c.publisher.Publish(c.routingKey, message.ToWatermill(msg)); err != nil {
			wm.Nack()
			return &errs.ChannelFailureError{Channel: c.name, Err: fmt.Errorf("requeue: %w", err)}
		}
		wm.Ack()
		return nil
	}

	if c.publisher == nil {
		c.log.Warn("Dropping rejected message, no dead letter publisher configured", logging.LogFields{
			"message_id": msg.Header.ID,
		})
		wm.Ack()
		return nil
	}
	if err := c.publisher.Publish(c.deadLetterTopic, message.ToWatermill(msg)); err != nil {
		wm.Nack()
		return &errs.ChannelFailureError{Channel: c.name, Err: fmt.Errorf("dead letter: %w", err)}
	}
	wm.Ack()
	return nil
}

// Purge is a no-op; brokers own their queues.
func (c *watermillChannel) Purge() error { return nil }

func (c *watermillChannel) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Close nacks anything still in flight and ends the subscription. The
// shared subscriber itself stays open.
func (c *watermillChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for id, wm := range c.inFlight {
		wm.Nack()
		delete(c.inFlight, id)
	}
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}
