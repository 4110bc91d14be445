// Package processor is the command processor: in-process Send and Publish
// through handler pipelines, and outbox-backed Post and Repost to a broker.
package processor

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	errs "github.com/drblury/commandflow/internal/runtime/errors"
	"github.com/drblury/commandflow/internal/runtime/logging"
	"github.com/drblury/commandflow/internal/runtime/mapper"
	"github.com/drblury/commandflow/internal/runtime/message"
	"github.com/drblury/commandflow/internal/runtime/metrics"
	"github.com/drblury/commandflow/internal/runtime/outbox"
	"github.com/drblury/commandflow/internal/runtime/pipeline"
	"github.com/drblury/commandflow/internal/runtime/policy"
	"github.com/drblury/commandflow/internal/runtime/producer"
	"github.com/drblury/commandflow/internal/runtime/request"
)

// TracerName is the instrumentation name of processor spans.
const TracerName = "github.com/drblury/commandflow/processor"

// Dispatch modes recorded on spans and metrics.
const (
	ModeSend    = "send"
	ModePublish = "publish"
	ModePost    = "post"
	ModeRepost  = "repost"
)

// Dependencies wires a Processor. Builder is required; Mappers, Outbox and
// Producer are only needed by Post and Repost.
type Dependencies struct {
	Builder  *pipeline.Builder
	Mappers  *mapper.Registry
	Outbox   outbox.Outbox
	Producer producer.Producer
	// Policies are looked up by well-known key around delivery. A missing
	// key runs delivery without that policy.
	Policies       *policy.Registry
	Logger         logging.ServiceLogger
	Metrics        *metrics.Metrics
	TracerProvider trace.TracerProvider
}

// Processor dispatches requests. Send and Publish run on the caller's
// goroutine and start no goroutines of their own.
type Processor struct {
	builder  *pipeline.Builder
	mappers  *mapper.Registry
	outbox   outbox.Outbox
	producer producer.Producer
	policies *policy.Registry
	log      logging.ServiceLogger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
}

func New(deps Dependencies) (*Processor, error) {
	if deps.Builder == nil {
		return nil, errs.NewConfigurationError("processor: pipeline builder is required", nil)
	}
	policies := deps.Policies
	if policies == nil {
		policies = policy.NewRegistry()
	}
	tp := deps.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Processor{
		builder:  deps.Builder,
		mappers:  deps.Mappers,
		outbox:   deps.Outbox,
		producer: deps.Producer,
		policies: policies,
		log:      logging.OrDiscard(deps.Logger),
		metrics:  deps.Metrics,
		tracer:   tp.Tracer(TracerName),
	}, nil
}

// Policies returns the registry used for delivery and handed to handlers.
func (p *Processor) Policies() *policy.Registry { return p.policies }

// DispatchOption adjusts a single Send or Publish.
type DispatchOption func(*dispatchOptions)

type dispatchOptions struct {
	rc *request.Context
}

// WithRequestContext dispatches with rc instead of a fresh context, so the
// caller can seed and read the bag.
func WithRequestContext(rc *request.Context) DispatchOption {
	return func(o *dispatchOptions) {
		o.rc = rc
	}
}

func (p *Processor) requestContext(ctx context.Context, opts []DispatchOption) *request.Context {
	var o dispatchOptions
	for _, opt := range opts {
		opt(&o)
	}
	var rc *request.Context
	if o.rc != nil {
		rc = o.rc.WithContext(ctx)
	} else {
		rc = request.NewContext(ctx)
	}
	if rc.Policies == nil {
		rc.Policies = p.policies
	}
	return rc
}

func (p *Processor) start(ctx context.Context, mode string, req request.Request) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "commandflow."+mode, trace.WithAttributes(
		attribute.String("commandflow.request.type", req.RequestType()),
		attribute.String("commandflow.request.id", req.ID()),
	))
}

func (p *Processor) finish(span trace.Span, mode, requestType string, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	p.metrics.Dispatch(mode, requestType, err)
}

// Send dispatches a command to exactly one handler. Handler errors are
// returned once the pipeline has finished.
func (p *Processor) Send(ctx context.Context, req request.Request, opts ...DispatchOption) error {
	return p.send(ctx, req, false, opts)
}

// SendAsync is Send through an async pipeline. Every handler must implement
// pipeline.AsyncHandler.
func (p *Processor) SendAsync(ctx context.Context, req request.Request, opts ...DispatchOption) error {
	return p.send(ctx, req, true, opts)
}

func (p *Processor) send(ctx context.Context, req request.Request, async bool, opts []DispatchOption) (err error) {
	if req == nil {
		return errs.ErrRequestRequired
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	ctx, span := p.start(ctx, ModeSend, req)
	defer func() { p.finish(span, ModeSend, req.RequestType(), err) }()

	rc := p.requestContext(ctx, opts)
	handlerType, err := p.builder.Registry().Single(req, rc)
	if err != nil {
		return err
	}

	var pl *pipeline.Pipeline
	if async {
		pl, err = p.builder.BuildAsyncFor(rc, req, handlerType)
	} else {
		pl, err = p.builder.BuildFor(rc, req, handlerType)
	}
	if err != nil {
		return err
	}
	defer pl.Release()

	if async {
		return pl.RunAsync(ctx, rc, req)
	}
	return pl.Run(rc, req)
}

// Publish dispatches an event to every handler registered for it. No
// handlers is not an error. Each handler runs even when an earlier one
// fails; failures come back as one *errors.AggregateError.
func (p *Processor) Publish(ctx context.Context, req request.Request, opts ...DispatchOption) error {
	return p.publish(ctx, req, false, opts)
}

// PublishAsync is Publish through async pipelines.
func (p *Processor) PublishAsync(ctx context.Context, req request.Request, opts ...DispatchOption) error {
	return p.publish(ctx, req, true, opts)
}

func (p *Processor) publish(ctx context.Context, req request.Request, async bool, opts []DispatchOption) (err error) {
	if req == nil {
		return errs.ErrRequestRequired
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	ctx, span := p.start(ctx, ModePublish, req)
	defer func() { p.finish(span, ModePublish, req.RequestType(), err) }()

	rc := p.requestContext(ctx, opts)
	var pipelines []*pipeline.Pipeline
	if async {
		pipelines, err = p.builder.BuildAsync(rc, req)
	} else {
		pipelines, err = p.builder.Build(rc, req)
	}
	if err != nil {
		return err
	}
	defer pipeline.ReleaseAll(pipelines)
	span.SetAttributes(attribute.Int("commandflow.handlers", len(pipelines)))

	var failures errs.Aggregate
	for _, pl := range pipelines {
		var runErr error
		if async {
			runErr = pl.RunAsync(ctx, rc, req)
		} else {
			runErr = pl.Run(rc, req)
		}
		if runErr != nil {
			p.log.Debug("Handler failed during publish", logging.LogFields{
				"request_id":   req.ID(),
				"request_type": req.RequestType(),
				"handler":      pl.HandlerType(),
				"error":        runErr.Error(),
			})
			failures.Append(fmt.Errorf("handler %q: %w", pl.HandlerType(), runErr))
		}
	}
	return failures.ErrorOrNil()
}

// Post maps req to a message, stores it in the outbox and delivers it under
// the retry and circuit breaker policies. The message id is returned even
// when delivery fails so the caller can Repost it.
func (p *Processor) Post(ctx context.Context, req request.Request) (string, error) {
	return p.post(ctx, req, false)
}

// PostAsync is Post through the async mapper and the async policy keys.
func (p *Processor) PostAsync(ctx context.Context, req request.Request) (string, error) {
	return p.post(ctx, req, true)
}

func (p *Processor) post(ctx context.Context, req request.Request, async bool) (id string, err error) {
	if req == nil {
		return "", errs.ErrRequestRequired
	}
	if err := p.canPost(); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	ctx, span := p.start(ctx, ModePost, req)
	defer func() { p.finish(span, ModePost, req.RequestType(), err) }()

	var msg *message.Message
	if async {
		msg, err = p.mappers.ToMessageAsync(ctx, req)
	} else {
		msg, err = p.mappers.ToMessage(ctx, req)
	}
	if err != nil {
		return "", err
	}
	span.SetAttributes(attribute.String("commandflow.message.id", msg.Header.ID))

	if err := p.outbox.Add(ctx, msg); err != nil {
		return "", fmt.Errorf("outbox add %q: %w", msg.Header.ID, err)
	}
	return msg.Header.ID, p.deliver(ctx, msg, async)
}

// Repost redelivers a stored message without mapping it again.
func (p *Processor) Repost(ctx context.Context, messageID string) error {
	return p.repost(ctx, messageID, false)
}

// RepostAsync is Repost under the async policy keys.
func (p *Processor) RepostAsync(ctx context.Context, messageID string) error {
	return p.repost(ctx, messageID, true)
}

func (p *Processor) repost(ctx context.Context, messageID string, async bool) (err error) {
	if err := p.canPost(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	ctx, span := p.tracer.Start(ctx, "commandflow."+ModeRepost,
		trace.WithAttributes(attribute.String("commandflow.message.id", messageID)))
	requestType := ""
	defer func() { p.finish(span, ModeRepost, requestType, err) }()

	msg, err := p.outbox.Get(ctx, messageID)
	if err != nil {
		return err
	}
	requestType = msg.Header.Bag.Get(mapper.BagRequestType)
	return p.deliver(ctx, msg, async)
}

func (p *Processor) canPost() error {
	switch {
	case p.mappers == nil:
		return errs.NewConfigurationError("processor: post", errs.ErrMapperNotFound)
	case p.outbox == nil:
		return errs.NewConfigurationError("processor: post", errs.ErrOutboxRequired)
	case p.producer == nil:
		return errs.NewConfigurationError("processor: post", errs.ErrProducerRequired)
	}
	return nil
}

func (p *Processor) deliver(ctx context.Context, msg *message.Message, async bool) error {
	retryKey, breakerKey := policy.RetryPolicy, policy.CircuitBreakerPolicy
	if async {
		retryKey, breakerKey = policy.RetryPolicyAsync, policy.CircuitBreakerPolicyAsync
	}
	run := policy.Chain(p.policies.GetOrNoOp(retryKey), p.policies.GetOrNoOp(breakerKey))

	attempts := 0
	err := run.Execute(ctx, func(ctx context.Context) error {
		attempts++
		return p.producer.Send(ctx, msg)
	})
	if err != nil {
		p.log.Error("Message delivery failed", err, logging.LogFields{
			"message_id": msg.Header.ID,
			"topic":      msg.Header.Topic,
			"attempts":   attempts,
		})
		return err
	}

	if err := p.outbox.MarkDispatched(ctx, msg.Header.ID, time.Now().UTC()); err != nil {
		return fmt.Errorf("outbox mark dispatched %q: %w", msg.Header.ID, err)
	}
	return nil
}
