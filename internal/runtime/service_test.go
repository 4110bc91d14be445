package runtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"

	configpkg "github.com/drblury/commandflow/internal/runtime/config"
	"github.com/drblury/commandflow/internal/runtime/dispatcher"
	errs "github.com/drblury/commandflow/internal/runtime/errors"
	"github.com/drblury/commandflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/commandflow/internal/runtime/logging"
	"github.com/drblury/commandflow/internal/runtime/mapper"
	"github.com/drblury/commandflow/internal/runtime/message"
	"github.com/drblury/commandflow/internal/runtime/outbox"
	"github.com/drblury/commandflow/internal/runtime/pipeline"
	"github.com/drblury/commandflow/internal/runtime/registry"
	"github.com/drblury/commandflow/internal/runtime/request"
	"github.com/drblury/commandflow/internal/runtime/store/redisstore"
	"github.com/drblury/commandflow/transport"
	"github.com/drblury/commandflow/transport/transporttest"
)

type shipParcel struct {
	request.Base
	Parcel string `json:"parcel"`
}

type parcelHandler struct {
	handled chan string
}

func (h *parcelHandler) Name() string { return "ShipParcelHandler" }

func (h *parcelHandler) Handle(rc *request.Context, req request.Request, next pipeline.Next) error {
	h.handled <- req.(*shipParcel).Parcel
	return next(rc, req)
}

// memoryTransports registers a persistent GoChannel so messages published
// before the performer subscribes are not lost.
func memoryTransports() *transport.Registry {
	caps := transport.ChannelCapabilities
	caps.Name = "memory"
	reg := transport.NewRegistry()
	reg.RegisterWithCapabilities("memory", func(_ context.Context, _ transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
		pubSub := gochannel.NewGoChannel(gochannel.Config{Persistent: true, OutputChannelBuffer: 16}, logger)
		return transport.Transport{Publisher: pubSub, Subscriber: pubSub}, nil
	}, caps)
	return reg
}

type fixture struct {
	requestType string
	handler     *parcelHandler
	deps        ServiceDependencies
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	requestType := "svc." + strings.ReplaceAll(t.Name(), "/", ".")
	f := &fixture{requestType: requestType, handler: &parcelHandler{handled: make(chan string, 4)}}

	subscribers := registry.New()
	if err := subscribers.Register(requestType, "ShipParcelHandler"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	handlers := pipeline.NewFactory()
	handlers.Singleton("ShipParcelHandler", f.handler)

	mappers := mapper.NewRegistry()
	err := mappers.Register(requestType, mapper.NewJSONMapper[shipParcel](requestType),
		mapper.Publication{Topic: requestType, Type: message.TypeCommand})
	if err != nil {
		t.Fatalf("mapper Register() error = %v", err)
	}

	f.deps = ServiceDependencies{
		Handlers:    handlers,
		Subscribers: subscribers,
		Mappers:     mappers,
		Transports:  memoryTransports(),
		Subscriptions: []dispatcher.Subscription{{
			Name:        "parcels",
			RoutingKey:  requestType,
			RequestType: requestType,
			Timeout:     20 * time.Millisecond,
		}},
	}
	return f
}

func (f *fixture) request(parcel string) *shipParcel {
	return &shipParcel{Base: request.NewBase(f.requestType), Parcel: parcel}
}

func TestNewServiceValidation(t *testing.T) {
	f := newFixture(t)

	if _, err := NewService(context.Background(), nil, nil, f.deps); err == nil {
		t.Fatal("expected error for nil config")
	}

	var validation errs.ConfigValidationError
	_, err := NewService(context.Background(), &configpkg.Config{PubSubSystem: "kafka"}, nil, f.deps)
	if !errors.As(err, &validation) {
		t.Fatalf("expected ConfigValidationError, got %v", err)
	}

	missing := f.deps
	missing.Mappers = nil
	if _, err := NewService(context.Background(), &configpkg.Config{PubSubSystem: "memory"}, nil, missing); !errs.IsConfiguration(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}

	if _, err := NewService(context.Background(), &configpkg.Config{PubSubSystem: "pigeon"}, nil, f.deps); !errs.IsConfiguration(err) {
		t.Fatalf("expected unknown transport to be a configuration error, got %v", err)
	}
}

func TestServicePostReachesSubscription(t *testing.T) {
	f := newFixture(t)
	svc, err := NewService(context.Background(), &configpkg.Config{PubSubSystem: "memory"}, nil, f.deps)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan error, 1)
	go func() { started <- svc.Start(ctx) }()

	id, err := svc.Processor().Post(context.Background(), f.request("p-1"))
	if err != nil {
		t.Fatalf("Post() error = %v", err)
	}

	select {
	case got := <-f.handler.handled:
		if got != "p-1" {
			t.Fatalf("handled %q, want p-1", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("posted command never reached its handler")
	}

	mem, ok := svc.Outbox().(*outbox.InMemory)
	if !ok {
		t.Fatalf("expected in-memory outbox, got %T", svc.Outbox())
	}
	if _, dispatched := mem.DispatchedAt(id); !dispatched {
		t.Error("expected outbox entry to be marked dispatched")
	}

	cancel()
	select {
	case err := <-started:
		if err != nil {
			t.Fatalf("Start() error = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
	if svc.Dispatcher().State() != dispatcher.Stopped {
		t.Fatalf("dispatcher state = %s, want stopped", svc.Dispatcher().State())
	}
}

func TestServiceSendRunsInProcess(t *testing.T) {
	f := newFixture(t)
	f.deps.Subscriptions = nil
	svc, err := NewService(context.Background(), &configpkg.Config{PubSubSystem: "memory"}, nil, f.deps)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	defer svc.Stop(context.Background())

	if err := svc.Processor().Send(context.Background(), f.request("p-2")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if got := <-f.handler.handled; got != "p-2" {
		t.Fatalf("handled %q, want p-2", got)
	}
}

func TestServiceWithDefaults(t *testing.T) {
	f := newFixture(t)
	conf := &configpkg.Config{
		PubSubSystem:             "memory",
		ReceiveTimeout:           250 * time.Millisecond,
		EmptyChannelDelay:        10 * time.Millisecond,
		ChannelFailureDelay:      2 * time.Second,
		RequeueCount:             3,
		RequeueDelay:             time.Second,
		UnacceptableMessageLimit: 7,
	}
	svc, err := NewService(context.Background(), conf, nil, f.deps)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	defer svc.Stop(context.Background())

	got := svc.WithDefaults(dispatcher.Subscription{Name: "n", RoutingKey: "k", RequeueCount: 1})
	if got.ChannelFactory == nil {
		t.Fatal("expected the transport channel factory")
	}
	if got.Timeout != 250*time.Millisecond || got.EmptyChannelDelay != 10*time.Millisecond || got.ChannelFailureDelay != 2*time.Second {
		t.Fatalf("pump timings not inherited: %+v", got)
	}
	if got.RequeueCount != 1 || got.RequeueDelay != time.Second || got.UnacceptableMessageLimit != 7 {
		t.Fatalf("requeue settings wrong: %+v", got)
	}
}

func TestServiceOpenSubscriptionAtRuntime(t *testing.T) {
	f := newFixture(t)
	subs := f.deps.Subscriptions
	f.deps.Subscriptions = nil
	svc, err := NewService(context.Background(), &configpkg.Config{PubSubSystem: "memory"}, nil, f.deps)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	defer svc.Stop(context.Background())

	if err := svc.Dispatcher().Receive(context.Background()); err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if err := svc.OpenSubscription(subs[0]); err != nil {
		t.Fatalf("OpenSubscription() error = %v", err)
	}
	if _, err := svc.Processor().Post(context.Background(), f.request("p-3")); err != nil {
		t.Fatalf("Post() error = %v", err)
	}
	select {
	case got := <-f.handler.handled:
		if got != "p-3" {
			t.Fatalf("handled %q, want p-3", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("runtime subscription never consumed")
	}
}

// warnRecorder keeps the subscription field of every warning.
type warnRecorder struct {
	loggingpkg.ServiceLogger
	mu    sync.Mutex
	warns []string
}

func (w *warnRecorder) With(loggingpkg.LogFields) loggingpkg.ServiceLogger { return w }

func (w *warnRecorder) Warn(msg string, fields loggingpkg.LogFields) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if sub, ok := fields["subscription"].(string); ok && strings.Contains(msg, "performer") {
		w.warns = append(w.warns, sub)
	}
}

func (w *warnRecorder) fanOutWarnings() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.warns...)
}

func TestServiceWarnsWhenPerformersWouldEachGetEveryMessage(t *testing.T) {
	f := newFixture(t)
	f.deps.Subscriptions[0].Performers = 3
	single := f.deps.Subscriptions[0]
	single.Name = "single"

	log := &warnRecorder{ServiceLogger: loggingpkg.Discard()}
	svc, err := NewService(context.Background(), &configpkg.Config{PubSubSystem: "memory"}, log, f.deps)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	defer svc.Stop(context.Background())

	single.Performers = 1
	if err := svc.OpenSubscription(single); err != nil {
		t.Fatalf("OpenSubscription() error = %v", err)
	}
	late := single
	late.Name = "late"
	late.Performers = 2
	if err := svc.OpenSubscription(late); err != nil {
		t.Fatalf("OpenSubscription() error = %v", err)
	}

	got := log.fanOutWarnings()
	if len(got) != 2 || got[0] != "parcels" || got[1] != "late" {
		t.Fatalf("fan-out warnings = %v, want [parcels late]", got)
	}
}

func TestServiceUsesRedisStores(t *testing.T) {
	mr := miniredis.RunT(t)
	f := newFixture(t)
	conf := &configpkg.Config{PubSubSystem: "memory", RedisURL: "redis://" + mr.Addr(), RedisKeyPrefix: "svc"}

	svc, err := NewService(context.Background(), conf, nil, f.deps)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	defer svc.Stop(context.Background())

	if _, ok := svc.Outbox().(*redisstore.Outbox); !ok {
		t.Fatalf("expected redis outbox, got %T", svc.Outbox())
	}
	if _, err := svc.Processor().Post(context.Background(), f.request("p-4")); err != nil {
		t.Fatalf("Post() error = %v", err)
	}
	if keys := mr.Keys(); len(keys) == 0 || !strings.HasPrefix(keys[0], "svc:") {
		t.Fatalf("expected prefixed redis keys, got %v", keys)
	}
}

func TestNewServiceClosesTransportOnFailure(t *testing.T) {
	f := newFixture(t)
	pub, sub := &transporttest.Publisher{}, &transporttest.Subscriber{}
	reg := transport.NewRegistry()
	reg.Register("stub", func(context.Context, transport.Config, watermill.LoggerAdapter) (transport.Transport, error) {
		return transport.Transport{Publisher: pub, Subscriber: sub}, nil
	})
	f.deps.Transports = reg

	_, err := NewService(context.Background(), &configpkg.Config{PubSubSystem: "stub", RedisURL: "redis://127.0.0.1:1"}, nil, f.deps)
	if err == nil {
		t.Fatal("expected unreachable redis to fail")
	}
	if !pub.Closed || !sub.Closed {
		t.Fatal("expected transport to be closed after a failed setup")
	}
}

func TestStatusEndpoint(t *testing.T) {
	f := newFixture(t)
	conf := &configpkg.Config{PubSubSystem: "memory", MetricsEnabled: true}
	f.deps.MetricsRegistry = prometheus.NewRegistry()
	svc, err := NewService(context.Background(), conf, nil, f.deps)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	defer svc.Stop(context.Background())

	if svc.Metrics() == nil {
		t.Fatal("expected metrics when enabled")
	}
	if len(svc.httpMuxes) != 1 || svc.httpMuxes[DefaultMetricsPort] == nil {
		t.Fatalf("expected handlers on port %d, got %v", DefaultMetricsPort, svc.httpMuxes)
	}

	rec := httptest.NewRecorder()
	svc.handleStatus(rec, httptest.NewRequest(http.MethodGet, StatusPath, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d", rec.Code)
	}
	var status Status
	if err := jsoncodec.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Transport != "memory" || status.Dispatcher != "awaiting" {
		t.Fatalf("unexpected status: %+v", status)
	}
	if len(status.Subscriptions) != 1 || status.Subscriptions[0].Name != "parcels" {
		t.Fatalf("unexpected subscriptions: %+v", status.Subscriptions)
	}

	rec = httptest.NewRecorder()
	svc.handleStatus(rec, httptest.NewRequest(http.MethodPost, StatusPath, nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST status code = %d, want 405", rec.Code)
	}
}

func TestRegisterHTTPHandlerSharesMux(t *testing.T) {
	svc := &Service{}
	var hits atomic.Int32
	h := http.HandlerFunc(func(http.ResponseWriter, *http.Request) { hits.Add(1) })

	svc.RegisterHTTPHandler(8080, "/a", h)
	svc.RegisterHTTPHandler(8080, "/b", h)
	svc.RegisterHTTPHandler(8081, "/a", h)

	if len(svc.httpMuxes) != 2 {
		t.Fatalf("expected two muxes, got %d", len(svc.httpMuxes))
	}
	svc.httpMuxes[8080].ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/b", nil))
	if hits.Load() != 1 {
		t.Fatalf("hits = %d, want 1", hits.Load())
	}
}
