package processor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	otelcodes "go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	errs "github.com/drblury/commandflow/internal/runtime/errors"
	"github.com/drblury/commandflow/internal/runtime/inbox"
	"github.com/drblury/commandflow/internal/runtime/mapper"
	"github.com/drblury/commandflow/internal/runtime/message"
	"github.com/drblury/commandflow/internal/runtime/outbox"
	"github.com/drblury/commandflow/internal/runtime/pipeline"
	"github.com/drblury/commandflow/internal/runtime/policy"
	"github.com/drblury/commandflow/internal/runtime/producer"
	"github.com/drblury/commandflow/internal/runtime/registry"
	"github.com/drblury/commandflow/internal/runtime/request"
)

type shipOrder struct {
	request.Base
	OrderID string `json:"orderId"`
}

func newShipOrder(requestType string) *shipOrder {
	return &shipOrder{Base: request.NewBase(requestType), OrderID: "o-1"}
}

// calls counts handler invocations by handler type.
type calls struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *calls) inc(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = map[string]int{}
	}
	c.counts[name]++
}

func (c *calls) get(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[name]
}

type harness struct {
	reg     *registry.Registry
	factory *pipeline.Factory
	calls   *calls
}

func newHarness() *harness {
	return &harness{reg: registry.New(), factory: pipeline.NewFactory(), calls: &calls{}}
}

// handler registers a handler type that records its call and returns fail.
func (h *harness) handler(name string, fail error) {
	h.factory.Register(name, func() (any, error) {
		return &recordingHandler{name: name, calls: h.calls, fail: fail}, nil
	})
}

func (h *harness) processor(t *testing.T, deps Dependencies, opts ...pipeline.Option) *Processor {
	t.Helper()
	b, err := pipeline.NewBuilder(h.reg, h.factory, opts...)
	if err != nil {
		t.Fatalf("NewBuilder() error = %v", err)
	}
	deps.Builder = b
	p, err := New(deps)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return p
}

type recordingHandler struct {
	name  string
	calls *calls
	fail  error
}

func (h *recordingHandler) Name() string { return h.name }

func (h *recordingHandler) Handle(rc *request.Context, req request.Request, next pipeline.Next) error {
	h.calls.inc(h.name)
	rc.Set("handled_by", h.name)
	rc.Set("seen."+h.name, true)
	if h.fail != nil {
		return h.fail
	}
	return next(rc, req)
}

func (h *recordingHandler) HandleAsync(ctx context.Context, rc *request.Context, req request.Request, next pipeline.AsyncNext) error {
	h.calls.inc(h.name)
	rc.Set("seen."+h.name, true)
	if h.fail != nil {
		return h.fail
	}
	return next(ctx, rc, req)
}

func TestNewRequiresBuilder(t *testing.T) {
	t.Parallel()
	if _, err := New(Dependencies{}); !errs.IsConfiguration(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestSendRunsExactlyOneHandler(t *testing.T) {
	t.Parallel()
	h := newHarness()
	h.handler("ShipOrderHandler", nil)
	h.handler("AuditHandler", nil)
	_ = h.reg.Register("send.single", "ShipOrderHandler")
	p := h.processor(t, Dependencies{})

	rc := request.NewContext(context.Background())
	if err := p.Send(context.Background(), newShipOrder("send.single"), WithRequestContext(rc)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if h.calls.get("ShipOrderHandler") != 1 || h.calls.get("AuditHandler") != 0 {
		t.Fatalf("unexpected calls %v", h.calls.counts)
	}
	if v, _ := rc.Get("handled_by"); v != "ShipOrderHandler" {
		t.Fatalf("expected bag to be shared with caller, got %v", v)
	}

	if err := p.SendAsync(context.Background(), newShipOrder("send.single")); err != nil {
		t.Fatalf("SendAsync() error = %v", err)
	}
	if h.calls.get("ShipOrderHandler") != 2 {
		t.Fatalf("expected async dispatch to reach handler")
	}
}

func TestSendConfigurationErrors(t *testing.T) {
	t.Parallel()
	h := newHarness()
	h.handler("A", nil)
	h.handler("B", nil)
	_ = h.reg.Register("send.multiple", "A", "B")
	p := h.processor(t, Dependencies{})

	tests := []struct {
		name        string
		requestType string
		sentinel    error
	}{
		{"no handler", "send.none", errs.ErrNoHandler},
		{"multiple handlers", "send.multiple", errs.ErrMultipleHandlers},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.Send(context.Background(), newShipOrder(tt.requestType))
			if !errs.IsConfiguration(err) || !errors.Is(err, tt.sentinel) {
				t.Fatalf("Send() error = %v", err)
			}
			if !strings.Contains(err.Error(), tt.requestType) {
				t.Fatalf("error %q does not name %q", err, tt.requestType)
			}
		})
	}
	if h.calls.get("A")+h.calls.get("B") != 0 {
		t.Fatal("no handler should run on configuration error")
	}
}

func TestSendPropagatesHandlerError(t *testing.T) {
	t.Parallel()
	h := newHarness()
	boom := errors.New("boom")
	h.handler("Failing", boom)
	_ = h.reg.Register("send.failing", "Failing")
	p := h.processor(t, Dependencies{})

	if err := p.Send(context.Background(), newShipOrder("send.failing")); !errors.Is(err, boom) {
		t.Fatalf("Send() error = %v", err)
	}
}

func TestPublishWithoutSubscribersSucceeds(t *testing.T) {
	t.Parallel()
	p := newHarness().processor(t, Dependencies{})
	if err := p.Publish(context.Background(), newShipOrder("publish.none")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if err := p.PublishAsync(context.Background(), newShipOrder("publish.none")); err != nil {
		t.Fatalf("PublishAsync() error = %v", err)
	}
}

func TestPublishAggregatesFailures(t *testing.T) {
	t.Parallel()
	h := newHarness()
	first, third := errors.New("first failed"), errors.New("third failed")
	h.handler("First", first)
	h.handler("Second", nil)
	h.handler("Third", third)
	_ = h.reg.Register("publish.many", "First", "Second", "Third")
	p := h.processor(t, Dependencies{})

	err := p.Publish(context.Background(), newShipOrder("publish.many"))
	var agg *errs.AggregateError
	if !errors.As(err, &agg) {
		t.Fatalf("expected aggregate error, got %v", err)
	}
	if len(agg.Errors()) != 2 || !errors.Is(err, first) || !errors.Is(err, third) {
		t.Fatalf("unexpected aggregate %v", agg.Errors())
	}
	for _, name := range []string{"First", "Second", "Third"} {
		if h.calls.get(name) != 1 {
			t.Fatalf("%s called %d times", name, h.calls.get(name))
		}
	}
}

func TestPublishSharesBagWithCaller(t *testing.T) {
	t.Parallel()
	h := newHarness()
	h.handler("Mailer", nil)
	h.handler("Ledger", nil)
	_ = h.reg.Register("publish.bag", "Mailer", "Ledger")
	p := h.processor(t, Dependencies{})

	for name, publish := range map[string]func(context.Context, request.Request, ...DispatchOption) error{
		"sync":  p.Publish,
		"async": p.PublishAsync,
	} {
		t.Run(name, func(t *testing.T) {
			rc := request.NewContext(context.Background())
			if err := publish(context.Background(), newShipOrder("publish.bag"), WithRequestContext(rc)); err != nil {
				t.Fatalf("publish error = %v", err)
			}
			for _, key := range []string{"seen.Mailer", "seen.Ledger"} {
				if v, _ := rc.Get(key); v != true {
					t.Fatalf("caller bag misses %q: %v", key, rc.Bag())
				}
			}
		})
	}
}

func TestPublishSingleFailureIsAggregate(t *testing.T) {
	t.Parallel()
	h := newHarness()
	boom := errors.New("boom")
	h.handler("Only", boom)
	_ = h.reg.Register("publish.one", "Only")
	p := h.processor(t, Dependencies{})

	err := p.PublishAsync(context.Background(), newShipOrder("publish.one"))
	var agg *errs.AggregateError
	if !errors.As(err, &agg) || len(agg.Errors()) != 1 || !errors.Is(err, boom) {
		t.Fatalf("PublishAsync() error = %v", err)
	}
}

func TestSendOnceOnly(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		action  inbox.Action
		wantErr bool
	}{
		{"throw", inbox.Throw, true},
		{"warn", inbox.Warn, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness()
			h.handler("Ship", nil)
			requestType := "send.onceonly." + tt.name
			_ = h.reg.Register(requestType, "Ship")
			p := h.processor(t, Dependencies{}, pipeline.WithInbox(pipeline.InboxConfiguration{
				Inbox:          inbox.NewInMemory(),
				OnceOnly:       true,
				ActionOnExists: tt.action,
			}))

			req := newShipOrder(requestType)
			if err := p.Send(context.Background(), req); err != nil {
				t.Fatalf("first Send() error = %v", err)
			}
			err := p.Send(context.Background(), req)
			if tt.wantErr != errors.Is(err, errs.ErrAlreadyProcessed) {
				t.Fatalf("second Send() error = %v", err)
			}
			if h.calls.get("Ship") != 1 {
				t.Fatalf("handler ran %d times", h.calls.get("Ship"))
			}
		})
	}
}

func TestDispatchHonoursCancellation(t *testing.T) {
	t.Parallel()
	h := newHarness()
	h.handler("Ship", nil)
	_ = h.reg.Register("send.cancelled", "Ship")
	p := h.processor(t, Dependencies{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Send(ctx, newShipOrder("send.cancelled")); !errors.Is(err, context.Canceled) {
		t.Fatalf("Send() error = %v", err)
	}
	if err := p.Publish(ctx, newShipOrder("send.cancelled")); !errors.Is(err, context.Canceled) {
		t.Fatalf("Publish() error = %v", err)
	}
	if h.calls.get("Ship") != 0 {
		t.Fatal("handler must not run after cancellation")
	}
	if err := p.Send(context.Background(), nil); !errors.Is(err, errs.ErrRequestRequired) {
		t.Fatalf("Send(nil) error = %v", err)
	}
}

// postFixture wires Post with an in-memory outbox and a scripted producer.
type postFixture struct {
	p      *Processor
	outbox *outbox.InMemory
	sends  atomic.Int32
	fail   atomic.Bool
}

func newPostFixture(t *testing.T, threshold int) *postFixture {
	t.Helper()
	f := &postFixture{outbox: outbox.NewInMemory()}

	mappers := mapper.NewRegistry()
	err := mappers.Register("post.ship", mapper.NewJSONMapper[shipOrder]("post.ship"),
		mapper.Publication{Topic: "shipping", Type: message.TypeCommand})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	policies := policy.NewRegistry()
	policies.Add(policy.RetryPolicy, policy.NewRetry(policy.RetryConfig{
		MaxAttempts:     2,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
	}))
	policies.Add(policy.CircuitBreakerPolicy, policy.NewCircuitBreaker(policy.CircuitBreakerConfig{
		FailureThreshold: threshold,
		BreakDuration:    time.Minute,
	}))

	f.p = newHarness().processor(t, Dependencies{
		Mappers:  mappers,
		Outbox:   f.outbox,
		Policies: policies,
		Producer: producer.Func(func(context.Context, *message.Message) error {
			f.sends.Add(1)
			if f.fail.Load() {
				return errors.New("broker unreachable")
			}
			return nil
		}),
	})
	return f
}

func TestPostStoresAndDelivers(t *testing.T) {
	t.Parallel()
	f := newPostFixture(t, 5)
	req := newShipOrder("post.ship")

	id, err := f.p.Post(context.Background(), req)
	if err != nil {
		t.Fatalf("Post() error = %v", err)
	}
	if id != req.ID() {
		t.Fatalf("Post() id = %q, want %q", id, req.ID())
	}
	if _, ok := f.outbox.DispatchedAt(id); !ok {
		t.Fatal("expected message to be marked dispatched")
	}
	if f.sends.Load() != 1 {
		t.Fatalf("producer sends = %d", f.sends.Load())
	}

	if err := f.p.Repost(context.Background(), id); err != nil {
		t.Fatalf("Repost() error = %v", err)
	}
	if f.sends.Load() != 2 {
		t.Fatalf("producer sends after repost = %d", f.sends.Load())
	}
}

func TestPostCircuitOpens(t *testing.T) {
	t.Parallel()
	f := newPostFixture(t, 2)
	f.fail.Store(true)

	id, err := f.p.Post(context.Background(), newShipOrder("post.ship"))
	if err == nil || id == "" {
		t.Fatalf("expected delivery failure with id, got id=%q err=%v", id, err)
	}
	if len(f.outbox.Outstanding()) != 1 {
		t.Fatal("failed message should stay outstanding")
	}

	before := f.sends.Load()
	_, err = f.p.Post(context.Background(), newShipOrder("post.ship"))
	if !errors.Is(err, errs.ErrCircuitOpen) {
		t.Fatalf("Post() error = %v, want circuit open", err)
	}
	if err := f.p.Repost(context.Background(), id); !errors.Is(err, errs.ErrCircuitOpen) {
		t.Fatalf("Repost() error = %v, want circuit open", err)
	}
	if f.sends.Load() != before {
		t.Fatalf("producer called %d times while circuit open", f.sends.Load()-before)
	}
}

func TestRepostUnknownMessage(t *testing.T) {
	t.Parallel()
	f := newPostFixture(t, 5)
	if err := f.p.Repost(context.Background(), "missing"); !errors.Is(err, errs.ErrMessageNotFound) {
		t.Fatalf("Repost() error = %v", err)
	}
	if f.sends.Load() != 0 {
		t.Fatal("producer must not be called")
	}
}

func TestPostRequiresCollaborators(t *testing.T) {
	t.Parallel()
	p := newHarness().processor(t, Dependencies{})
	if _, err := p.Post(context.Background(), newShipOrder("post.ship")); !errs.IsConfiguration(err) {
		t.Fatalf("Post() error = %v", err)
	}
	if err := p.Repost(context.Background(), "id"); !errs.IsConfiguration(err) {
		t.Fatalf("Repost() error = %v", err)
	}
}

func TestSpans(t *testing.T) {
	t.Parallel()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	h := newHarness()
	boom := errors.New("boom")
	h.handler("Ship", nil)
	h.handler("Broken", boom)
	_ = h.reg.Register("span.ok", "Ship")
	_ = h.reg.Register("span.fail", "Broken")
	p := h.processor(t, Dependencies{TracerProvider: tp})

	_ = p.Send(context.Background(), newShipOrder("span.ok"))
	_ = p.Publish(context.Background(), newShipOrder("span.fail"))

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("ended spans = %d", len(spans))
	}
	if spans[0].Name() != "commandflow.send" || spans[0].Status().Code == otelcodes.Error {
		t.Fatalf("unexpected send span %s %v", spans[0].Name(), spans[0].Status())
	}
	if spans[1].Name() != "commandflow.publish" || spans[1].Status().Code != otelcodes.Error {
		t.Fatalf("unexpected publish span %s %v", spans[1].Name(), spans[1].Status())
	}
}
