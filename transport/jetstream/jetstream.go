// Package jetstream provides a NATS JetStream transport. Each routing key
// maps to a subject under one stream and a durable pull consumer, so all
// performers of a subscription share the consumer's messages.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"

	errs "github.com/drblury/commandflow/internal/runtime/errors"
	cfmessage "github.com/drblury/commandflow/internal/runtime/message"
	"github.com/drblury/commandflow/transport"
)

const TransportName = "nats-jetstream"

const (
	DefaultStreamName = "COMMANDFLOW"
	DefaultMaxDeliver = 5
	DefaultAckWait    = 30 * time.Second
	DefaultFetchBatch = 10

	// headerDelayUntil holds the unix millisecond time a requeued message
	// becomes due.
	headerDelayUntil = "cf_delay_until"
)

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSJetStreamCapabilities)
}

// Build connects to NATS and provisions the stream named by the config.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	if cfg.GetNATSURL() == "" {
		return transport.Transport{}, errs.NewConfigurationError("nats-jetstream: URL is required", nil)
	}
	t, err := New(Config{URL: cfg.GetNATSURL(), StreamName: cfg.GetNATSStreamName()}, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	return transport.Transport{Publisher: t, Subscriber: t}, nil
}

func Capabilities() transport.Capabilities {
	return transport.NATSJetStreamCapabilities
}

type Config struct {
	URL        string
	StreamName string

	// MaxDeliver bounds broker redeliveries of a nacked message. The message
	// pump keeps its own requeue count on top of this.
	MaxDeliver int
	AckWait    time.Duration
	Replicas   int

	// RetentionPolicy is "limits" (default), "interest" or "workqueue".
	RetentionPolicy string
}

func (c Config) withDefaults() Config {
	if c.StreamName == "" {
		c.StreamName = DefaultStreamName
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = DefaultMaxDeliver
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	return c
}

func (c Config) retention() nats.RetentionPolicy {
	switch c.RetentionPolicy {
	case "interest":
		return nats.InterestPolicy
	case "workqueue":
		return nats.WorkQueuePolicy
	default:
		return nats.LimitsPolicy
	}
}

// Transport implements message.Publisher and message.Subscriber on JetStream.
type Transport struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	config Config
	logger watermill.LoggerAdapter

	mu     sync.Mutex
	subs   []*nats.Subscription
	closed bool
	done   chan struct{}
}

func New(cfg Config, logger watermill.LoggerAdapter) (*Transport, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	nc, err := nats.Connect(cfg.URL, nats.Name("commandflow"))
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	t := &Transport{
		nc:     nc,
		js:     js,
		config: cfg,
		logger: logger.With(watermill.LogFields{"stream": cfg.StreamName}),
		done:   make(chan struct{}),
	}
	if err := t.ensureStream(); err != nil {
		nc.Close()
		return nil, err
	}
	return t, nil
}

func (t *Transport) ensureStream() error {
	streamCfg := &nats.StreamConfig{
		Name:      t.config.StreamName,
		Subjects:  []string{t.config.StreamName + ".>"},
		MaxAge:    7 * 24 * time.Hour,
		Replicas:  t.config.Replicas,
		Retention: t.config.retention(),
	}
	if _, err := t.js.AddStream(streamCfg); err == nil {
		return nil
	} else if !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("add stream %s: %w", streamCfg.Name, err)
	}
	if _, err := t.js.UpdateStream(streamCfg); err != nil {
		return fmt.Errorf("update stream %s: %w", streamCfg.Name, err)
	}
	return nil
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Publish writes messages to the topic's subject. The Watermill UUID is sent
// as Nats-Msg-Id so the stream drops duplicate publishes of one message.
func (t *Transport) Publish(topic string, messages ...*message.Message) error {
	if t.isClosed() {
		return errors.New("jetstream transport is closed")
	}
	for _, msg := range messages {
		if _, err := t.js.PublishMsg(toNATS(t.subject(topic), msg, time.Now())); err != nil {
			return fmt.Errorf("publish %s to JetStream: %w", msg.UUID, err)
		}
	}
	return nil
}

// Subscribe binds a pull subscription on the topic's durable consumer. The
// output channel closes when ctx ends or the transport is closed.
func (t *Transport) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if t.isClosed() {
		return nil, errors.New("jetstream transport is closed")
	}

	subject := t.subject(topic)
	durable := consumerName(topic)
	consumerCfg := &nats.ConsumerConfig{
		Durable:       durable,
		FilterSubject: subject,
		AckPolicy:     nats.AckExplicitPolicy,
		MaxDeliver:    t.config.MaxDeliver,
		AckWait:       t.config.AckWait,
		DeliverPolicy: nats.DeliverAllPolicy,
	}
	if _, err := t.js.AddConsumer(t.config.StreamName, consumerCfg); err != nil {
		if _, err := t.js.UpdateConsumer(t.config.StreamName, consumerCfg); err != nil {
			return nil, fmt.Errorf("create consumer %s: %w", durable, err)
		}
	}

	sub, err := t.js.PullSubscribe(subject, durable, nats.Bind(t.config.StreamName, durable))
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	t.mu.Lock()
	t.subs = append(t.subs, sub)
	t.mu.Unlock()

	output := make(chan *message.Message)
	go t.fetch(ctx, sub, output, topic)
	return output, nil
}

func (t *Transport) fetch(ctx context.Context, sub *nats.Subscription, output chan<- *message.Message, topic string) {
	defer close(output)
	fields := watermill.LogFields{"topic": topic}

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		default:
		}

		batch, err := sub.Fetch(DefaultFetchBatch, nats.MaxWait(time.Second))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if errors.Is(err, nats.ErrBadSubscription) || errors.Is(err, nats.ErrConnectionClosed) {
				return
			}
			t.logger.Error("JetStream fetch failed", err, fields)
			continue
		}

		for _, nm := range batch {
			if wait := remainingDelay(nm.Header, time.Now()); wait > 0 {
				if err := nm.NakWithDelay(wait); err != nil {
					t.logger.Error("JetStream delayed nak failed", err, fields)
				}
				continue
			}
			if !t.deliver(ctx, nm, output, fields) {
				return
			}
		}
	}
}

// deliver hands one message to the consumer and settles it on the broker.
// It reports false when the subscription is ending.
func (t *Transport) deliver(ctx context.Context, nm *nats.Msg, output chan<- *message.Message, fields watermill.LogFields) bool {
	wm := toWatermill(nm)
	select {
	case output <- wm:
	case <-ctx.Done():
		_ = nm.Nak()
		return false
	case <-t.done:
		_ = nm.Nak()
		return false
	}

	select {
	case <-wm.Acked():
		if err := nm.Ack(); err != nil {
			t.logger.Error("JetStream ack failed", err, fields)
		}
	case <-wm.Nacked():
		if err := nm.Nak(); err != nil {
			t.logger.Error("JetStream nak failed", err, fields)
		}
	case <-ctx.Done():
		_ = nm.Nak()
		return false
	}
	return true
}

func (t *Transport) subject(topic string) string {
	return t.config.StreamName + "." + topic
}

// Close unsubscribes every consumer and drops the connection. Calling it
// again is a no-op.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	subs := t.subs
	t.subs = nil
	t.mu.Unlock()

	var closeErrs []error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			closeErrs = append(closeErrs, err)
		}
	}
	t.nc.Close()
	return errors.Join(closeErrs...)
}

func consumerName(topic string) string {
	return "commandflow_" + sanitize(topic)
}

// sanitize replaces characters NATS forbids in durable names.
func sanitize(name string) string {
	out := []byte(name)
	for i, c := range out {
		switch c {
		case '.', '*', '>', ' ':
			out[i] = '_'
		}
	}
	return string(out)
}

func toNATS(subject string, msg *message.Message, now time.Time) *nats.Msg {
	header := nats.Header{}
	for k, v := range msg.Metadata {
		header.Set(k, v)
	}
	header.Set(nats.MsgIdHdr, msg.UUID)
	if raw := msg.Metadata.Get(cfmessage.KeyDelayMillis); raw != "" {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil && ms > 0 {
			header.Set(headerDelayUntil, strconv.FormatInt(now.Add(time.Duration(ms)*time.Millisecond).UnixMilli(), 10))
		}
	}
	return &nats.Msg{Subject: subject, Data: msg.Payload, Header: header}
}

func toWatermill(nm *nats.Msg) *message.Message {
	id := nm.Header.Get(nats.MsgIdHdr)
	if id == "" {
		id = watermill.NewULID()
	}
	wm := message.NewMessage(id, nm.Data)
	for k, v := range nm.Header {
		if k == nats.MsgIdHdr || k == headerDelayUntil || len(v) == 0 {
			continue
		}
		wm.Metadata.Set(k, v[0])
	}
	return wm
}

func remainingDelay(header nats.Header, now time.Time) time.Duration {
	raw := header.Get(headerDelayUntil)
	if raw == "" {
		return 0
	}
	until, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return time.UnixMilli(until).Sub(now)
}
