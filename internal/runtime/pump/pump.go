// Package pump runs the receive, map, dispatch and settle loop bound to one
// channel.
package pump

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/commandflow/internal/runtime/channel"
	errs "github.com/drblury/commandflow/internal/runtime/errors"
	"github.com/drblury/commandflow/internal/runtime/logging"
	"github.com/drblury/commandflow/internal/runtime/mapper"
	"github.com/drblury/commandflow/internal/runtime/message"
	"github.com/drblury/commandflow/internal/runtime/metrics"
	"github.com/drblury/commandflow/internal/runtime/processor"
	"github.com/drblury/commandflow/internal/runtime/request"
)

// TracerName is the instrumentation name of pump spans.
const TracerName = "github.com/drblury/commandflow/pump"

// Outcomes recorded per message.
const (
	OutcomeAcknowledged = "acknowledged"
	OutcomeRequeued     = "requeued"
	OutcomeDeadLettered = "dead_lettered"
	OutcomeUnacceptable = "unacceptable"
)

// Defaults applied to zero Config fields.
const (
	DefaultTimeout               = time.Second
	DefaultChannelFailureDelay   = time.Second
	DefaultChannelFailureRetries = 3
)

// Config tunes a pump.
type Config struct {
	// Timeout bounds each receive.
	Timeout time.Duration
	// EmptyChannelDelay is slept after a receive that returned nothing.
	EmptyChannelDelay time.Duration
	// ChannelFailureDelay is slept between receive attempts after a channel
	// failure.
	ChannelFailureDelay time.Duration
	// ChannelFailureRetries is how many consecutive channel failures are
	// retried before the pump gives up. Zero means 3; negative is unlimited.
	ChannelFailureRetries int
	// RequeueCount is how often a failing message is requeued before it is
	// dead-lettered. Negative requeues forever.
	RequeueCount int
	// RequeueDelay asks the channel to hold requeued messages back.
	RequeueDelay time.Duration
	// UnacceptableMessageLimit stops the pump once this many messages could
	// not be mapped. Zero is unlimited.
	UnacceptableMessageLimit int
	Classifier               Classifier
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.ChannelFailureDelay <= 0 {
		c.ChannelFailureDelay = DefaultChannelFailureDelay
	}
	if c.ChannelFailureRetries == 0 {
		c.ChannelFailureRetries = DefaultChannelFailureRetries
	}
	if c.Classifier == nil {
		c.Classifier = DefaultClassifier
	}
	return c
}

// Processor is the part of the command processor a pump dispatches through.
type Processor interface {
	Send(ctx context.Context, req request.Request, opts ...processor.DispatchOption) error
	SendAsync(ctx context.Context, req request.Request, opts ...processor.DispatchOption) error
	Publish(ctx context.Context, req request.Request, opts ...processor.DispatchOption) error
	PublishAsync(ctx context.Context, req request.Request, opts ...processor.DispatchOption) error
}

// Dependencies wires a pump. Channel, Mappers and Processor are required.
type Dependencies struct {
	Channel channel.Channel
	// RequestType names the mapper used for every message. When empty the
	// request type is read from the message bag, and a message whose type has
	// no mapper is unacceptable.
	RequestType    string
	Mappers        *mapper.Registry
	Processor      Processor
	Config         Config
	Hooks          Hooks
	Logger         logging.ServiceLogger
	Metrics        *metrics.Metrics
	TracerProvider trace.TracerProvider
}

// Pump owns its channel and closes it when Run returns.
type Pump struct {
	channel     channel.Channel
	requestType string
	mappers     *mapper.Registry
	processor   Processor
	cfg         Config
	hooks       Hooks
	log         logging.ServiceLogger
	metrics     *metrics.Metrics
	tracer      trace.Tracer
	async       bool

	unacceptable int
}

// NewReactor returns a pump that maps with the sync mapper and dispatches
// through Send and Publish.
func NewReactor(deps Dependencies) (*Pump, error) {
	return newPump(deps, false)
}

// NewProactor returns a pump that maps with the async mapper and dispatches
// through SendAsync and PublishAsync.
func NewProactor(deps Dependencies) (*Pump, error) {
	return newPump(deps, true)
}

func newPump(deps Dependencies, async bool) (*Pump, error) {
	switch {
	case deps.Channel == nil:
		return nil, errs.NewConfigurationError("pump: channel is required", nil)
	case deps.Mappers == nil:
		return nil, errs.NewConfigurationError("pump: message mappers are required", nil)
	case deps.Processor == nil:
		return nil, errs.NewConfigurationError("pump: command processor is required", nil)
	}
	tp := deps.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	log := logging.OrDiscard(deps.Logger).With(logging.LogFields{
		"channel":     deps.Channel.Name(),
		"routing_key": deps.Channel.RoutingKey(),
	})
	return &Pump{
		channel:     deps.Channel,
		requestType: deps.RequestType,
		mappers:     deps.Mappers,
		processor:   deps.Processor,
		cfg:         deps.Config.withDefaults(),
		hooks:       deps.Hooks,
		log:         log,
		metrics:     deps.Metrics,
		tracer:      tp.Tracer(TracerName),
		async:       async,
	}, nil
}

// Channel returns the channel the pump reads from.
func (p *Pump) Channel() channel.Channel { return p.channel }

// UnacceptableCount returns how many messages could not be mapped so far.
func (p *Pump) UnacceptableCount() int { return p.unacceptable }

// Run loops until a quit message arrives or ctx is canceled, both of which
// return nil. It also returns when the unacceptable message limit is reached,
// when channel failures outlast their retries, or when a dispatch failure is
// classified Stop.
func (p *Pump) Run(ctx context.Context) error {
	defer p.closeChannel()

	failures := 0
	for {
		if ctx.Err() != nil {
			p.log.Debug("Pump canceled", nil)
			return nil
		}

		msg, err := p.channel.Receive(ctx, p.cfg.Timeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			if p.cfg.ChannelFailureRetries >= 0 && failures > p.cfg.ChannelFailureRetries {
				p.log.Error("Channel failure, giving up", err, logging.LogFields{"attempts": failures})
				return fmt.Errorf("pump %s: %w", p.channel.Name(), err)
			}
			p.log.Warn("Channel failure, pausing before retry", logging.LogFields{
				"attempt": failures,
				"delay":   p.cfg.ChannelFailureDelay.String(),
				"error":   err.Error(),
			})
			if !sleep(ctx, p.cfg.ChannelFailureDelay) {
				return nil
			}
			continue
		}
		failures = 0

		switch {
		case msg.IsQuit():
			p.log.Info("Quit message received, stopping pump", nil)
			return nil
		case msg.IsNone():
			if !sleep(ctx, p.cfg.EmptyChannelDelay) {
				return nil
			}
			continue
		}

		p.metrics.MessageReceived(p.channel.Name(), msg.Header.Type.String())
		if err := p.handle(ctx, msg); err != nil {
			return err
		}
	}
}

func (p *Pump) handle(ctx context.Context, msg *message.Message) error {
	if msg.IsUnacceptable() {
		return p.acceptBad(msg, errors.New("message marked unacceptable by channel"))
	}

	requestType := p.requestTypeOf(msg)
	req, err := p.toRequest(ctx, requestType, msg)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		p.reject(msg, true, "")
		return nil
	case errs.IsConfiguration(err) && p.requestType == "":
		// The type came from the message, so the message is foreign here.
		return p.acceptBad(msg, err)
	case errs.IsConfiguration(err):
		p.log.Error("Message cannot be mapped, stopping pump", err, logging.LogFields{
			"message_id":   msg.Header.ID,
			"request_type": requestType,
		})
		p.reject(msg, false, OutcomeDeadLettered)
		return err
	default:
		return p.acceptBad(msg, err)
	}

	return p.dispatch(ctx, msg, req)
}

func (p *Pump) requestTypeOf(msg *message.Message) string {
	if p.requestType != "" {
		return p.requestType
	}
	return msg.Header.Bag.Get(mapper.BagRequestType)
}

func (p *Pump) toRequest(ctx context.Context, requestType string, msg *message.Message) (request.Request, error) {
	if p.async {
		return p.mappers.ToRequestAsync(ctx, requestType, msg)
	}
	return p.mappers.ToRequest(ctx, requestType, msg)
}

// acceptBad acknowledges a message that cannot be dispatched and enforces
// the unacceptable message limit.
func (p *Pump) acceptBad(msg *message.Message, cause error) error {
	p.unacceptable++
	p.log.Warn("Unacceptable message acknowledged", logging.LogFields{
		"message_id": msg.Header.ID,
		"count":      p.unacceptable,
		"error":      cause.Error(),
	})
	if err := p.channel.Acknowledge(msg); err != nil {
		p.log.Error("Acknowledge failed", err, logging.LogFields{"message_id": msg.Header.ID})
	}
	p.metrics.MessageOutcome(p.channel.Name(), OutcomeUnacceptable)

	limit := p.cfg.UnacceptableMessageLimit
	if limit > 0 && p.unacceptable >= limit {
		p.log.Error("Unacceptable message limit reached, stopping pump", errs.ErrUnacceptableLimit, logging.LogFields{
			"limit": limit,
		})
		return fmt.Errorf("pump %s: %w (%d)", p.channel.Name(), errs.ErrUnacceptableLimit, limit)
	}
	return nil
}

func (p *Pump) dispatch(ctx context.Context, msg *message.Message, req request.Request) error {
	started := time.Now()
	ctx, span := p.tracer.Start(ctx, "commandflow.pump.dispatch", trace.WithAttributes(
		attribute.String("commandflow.channel", p.channel.Name()),
		attribute.String("commandflow.message.id", msg.Header.ID),
		attribute.String("commandflow.message.type", msg.Header.Type.String()),
		attribute.String("commandflow.request.type", req.RequestType()),
		attribute.Int("commandflow.message.handled_count", msg.Header.HandledCount),
	))
	defer span.End()

	rc := request.NewContext(ctx)
	rc.OriginatingMessage = msg
	rc.Set(request.BagChannelName, p.channel.Name())
	rc.Set(request.BagRequestStart, started)

	dc := DispatchContext{
		Channel:      p.channel.Name(),
		RequestType:  req.RequestType(),
		MessageID:    msg.Header.ID,
		MessageType:  msg.Header.Type,
		HandledCount: msg.Header.HandledCount,
		Context:      ctx,
		StartedAt:    started,
	}
	p.hooks.start(dc)

	err := p.route(ctx, rc, msg, req)

	dc.Duration = time.Since(started)
	p.hooks.done(dc, err)

	if err == nil {
		p.acknowledge(msg)
		return nil
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	disposition := p.cfg.Classifier(err)
	span.SetAttributes(attribute.String("commandflow.disposition", disposition.String()))
	switch disposition {
	case Requeue:
		p.requeue(msg, err)
	case DeadLetter:
		p.reject(msg, false, OutcomeDeadLettered)
	case Stop:
		p.log.Error("Dispatch failure stops pump", err, logging.LogFields{"message_id": msg.Header.ID})
		p.reject(msg, false, OutcomeDeadLettered)
		return err
	default:
		p.log.Error("Unhandled dispatch failure, acknowledging message", err, logging.LogFields{
			"message_id": msg.Header.ID,
		})
		p.acknowledge(msg)
	}
	return nil
}

// route sends commands and publishes everything else.
func (p *Pump) route(ctx context.Context, rc *request.Context, msg *message.Message, req request.Request) error {
	opt := processor.WithRequestContext(rc)
	switch {
	case msg.Header.Type == message.TypeCommand && p.async:
		return p.processor.SendAsync(ctx, req, opt)
	case msg.Header.Type == message.TypeCommand:
		return p.processor.Send(ctx, req, opt)
	case p.async:
		return p.processor.PublishAsync(ctx, req, opt)
	default:
		return p.processor.Publish(ctx, req, opt)
	}
}

func (p *Pump) requeue(msg *message.Message, cause error) {
	if msg.HandledCountReached(p.cfg.RequeueCount) {
		p.log.Warn("Requeue budget exhausted, dead-lettering message", logging.LogFields{
			"message_id":    msg.Header.ID,
			"handled_count": msg.Header.HandledCount,
			"error":         cause.Error(),
		})
		p.reject(msg, false, OutcomeDeadLettered)
		return
	}

	msg.IncrementHandledCount()
	msg.Header.Delay = p.cfg.RequeueDelay
	if d := errs.RequeueDelay(cause); d > 0 {
		msg.Header.Delay = d
	}
	p.log.Debug("Requeueing message", logging.LogFields{
		"message_id":    msg.Header.ID,
		"handled_count": msg.Header.HandledCount,
		"delay":         msg.Header.Delay.String(),
	})
	p.reject(msg, true, OutcomeRequeued)
}

func (p *Pump) acknowledge(msg *message.Message) {
	if err := p.channel.Acknowledge(msg); err != nil {
		p.log.Error("Acknowledge failed", err, logging.LogFields{"message_id": msg.Header.ID})
		return
	}
	p.metrics.MessageOutcome(p.channel.Name(), OutcomeAcknowledged)
}

func (p *Pump) reject(msg *message.Message, requeue bool, outcome string) {
	if err := p.channel.Reject(msg, requeue); err != nil {
		p.log.Error("Reject failed", err, logging.LogFields{
			"message_id": msg.Header.ID,
			"requeue":    requeue,
		})
		return
	}
	if outcome != "" {
		p.metrics.MessageOutcome(p.channel.Name(), outcome)
	}
}

func (p *Pump) closeChannel() {
	if err := p.channel.Close(); err != nil {
		p.log.Error("Closing channel failed", err, nil)
	}
}

// sleep waits d or until ctx is done, reporting whether the pump should go on.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
