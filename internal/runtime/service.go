package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/commandflow/internal/runtime/channel"
	configpkg "github.com/drblury/commandflow/internal/runtime/config"
	"github.com/drblury/commandflow/internal/runtime/dispatcher"
	errs "github.com/drblury/commandflow/internal/runtime/errors"
	"github.com/drblury/commandflow/internal/runtime/inbox"
	loggingpkg "github.com/drblury/commandflow/internal/runtime/logging"
	"github.com/drblury/commandflow/internal/runtime/mapper"
	"github.com/drblury/commandflow/internal/runtime/metrics"
	"github.com/drblury/commandflow/internal/runtime/outbox"
	"github.com/drblury/commandflow/internal/runtime/pipeline"
	"github.com/drblury/commandflow/internal/runtime/policy"
	"github.com/drblury/commandflow/internal/runtime/processor"
	"github.com/drblury/commandflow/internal/runtime/producer"
	"github.com/drblury/commandflow/internal/runtime/pump"
	"github.com/drblury/commandflow/internal/runtime/registry"
	"github.com/drblury/commandflow/internal/runtime/store/redisstore"
	"github.com/drblury/commandflow/transport"
	_ "github.com/drblury/commandflow/transport/transports"
)

// ServiceDependencies holds the collaborators a Service is assembled from.
// Handlers, Subscribers and Mappers are required; everything else falls back
// to what the config selects.
type ServiceDependencies struct {
	Handlers    pipeline.HandlerFactory
	Subscribers *registry.Registry
	Mappers     *mapper.Registry

	Subscriptions []dispatcher.Subscription

	// Transports defaults to transport.DefaultRegistry.
	Transports *transport.Registry
	// Outbox and Inbox override the config-selected stores.
	Outbox outbox.Outbox
	Inbox  inbox.Inbox
	// Policies defaults to policy.Default tuned from the config.
	Policies *policy.Registry
	// Hooks run for every dispatch after the logging and metrics hooks.
	Hooks pump.Hooks

	MetricsRegistry *prometheus.Registry
	TracerProvider  trace.TracerProvider
}

// Service assembles a transport, stores, policies, a command processor and a
// dispatcher from one config.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	transport    transport.Transport
	capabilities transport.Capabilities
	redis        *redis.Client
	metrics      *metrics.Metrics
	outbox       outbox.Outbox
	channels     channel.Factory
	processor    *processor.Processor
	dispatcher   *dispatcher.Dispatcher
	resources    *resourceTracker

	httpMu      sync.Mutex
	httpMuxes   map[int]*http.ServeMux
	httpServers []*http.Server
}

// NewService builds a Service. Nothing consumes until Start is called, but
// the transport and stores are connected here, so a returned error usually
// means a broker or Redis was unreachable.
func NewService(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) (*Service, error) {
	if err := configpkg.ValidateConfig(conf); err != nil {
		return nil, errs.NewConfigValidationError(err)
	}
	if deps.Handlers == nil || deps.Subscribers == nil || deps.Mappers == nil {
		return nil, errs.NewConfigurationError("service: handlers, subscribers and mappers are required", nil)
	}
	log = loggingpkg.OrDiscard(log)
	log.Info("Creating command service", loggingpkg.LogFields{
		"pubsub_system": conf.PubSubSystem,
		"config":        conf.String(),
	})

	s := &Service{Conf: conf, Logger: log, resources: newResourceTracker()}
	if err := s.setup(ctx, deps); err != nil {
		return nil, errors.Join(err, s.closeResources())
	}
	return s, nil
}

func (s *Service) setup(ctx context.Context, deps ServiceDependencies) error {
	if s.Conf.MetricsEnabled {
		s.metrics = metrics.New(deps.MetricsRegistry)
		if err := s.metrics.Register(); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
	}

	transports := deps.Transports
	if transports == nil {
		transports = transport.DefaultRegistry
	}
	tr, err := transports.Build(ctx, s.Conf, loggingpkg.NewWatermillAdapter(s.Logger))
	if err != nil {
		return err
	}
	s.transport = tr
	s.capabilities = transports.GetCapabilities(s.Conf.PubSubSystem)
	s.logCapabilities()

	box, guard, err := s.stores(ctx, deps)
	if err != nil {
		return err
	}
	s.outbox = box

	var channelOpts []channel.WatermillOption
	if s.Conf.DeadLetterTopic != "" {
		channelOpts = append(channelOpts, channel.WithDeadLetterTopic(s.Conf.DeadLetterTopic))
	}
	s.channels, err = channel.NewWatermillFactory(tr.Subscriber, tr.Publisher, s.Logger, channelOpts...)
	if err != nil {
		return err
	}
	send, err := producer.NewWatermill(tr.Publisher)
	if err != nil {
		return err
	}

	builderOpts := []pipeline.Option{pipeline.WithLogger(s.Logger)}
	if s.Conf.InboxEnabled {
		action := inbox.Throw
		if s.Conf.InboxWarnOnDuplicate {
			action = inbox.Warn
		}
		builderOpts = append(builderOpts, pipeline.WithInbox(pipeline.InboxConfiguration{
			Inbox:          guard,
			OnceOnly:       s.Conf.InboxOnceOnly,
			ActionOnExists: action,
		}))
	}
	builder, err := pipeline.NewBuilder(deps.Subscribers, deps.Handlers, builderOpts...)
	if err != nil {
		return err
	}

	policies := deps.Policies
	if policies == nil {
		policies = policy.Default(s.Conf, s.Logger, s.metrics)
	}
	s.processor, err = processor.New(processor.Dependencies{
		Builder:        builder,
		Mappers:        deps.Mappers,
		Outbox:         box,
		Producer:       send,
		Policies:       policies,
		Logger:         s.Logger,
		Metrics:        s.metrics,
		TracerProvider: deps.TracerProvider,
	})
	if err != nil {
		return err
	}

	subs := make([]dispatcher.Subscription, len(deps.Subscriptions))
	for i, sub := range deps.Subscriptions {
		subs[i] = s.WithDefaults(sub)
		s.warnFanOut(subs[i])
	}
	s.dispatcher, err = dispatcher.New(dispatcher.Dependencies{
		Processor:      s.processor,
		Mappers:        deps.Mappers,
		Subscriptions:  subs,
		Hooks:          pump.LoggingHooks(s.Logger).Merge(pump.MetricsHooks(s.metrics)).Merge(deps.Hooks),
		Logger:         s.Logger,
		Metrics:        s.metrics,
		TracerProvider: deps.TracerProvider,
	})
	if err != nil {
		return err
	}

	if s.metrics != nil {
		port := s.Conf.MetricsPort
		if port == 0 {
			port = DefaultMetricsPort
		}
		s.RegisterHTTPHandler(port, "/metrics", s.metrics.Handler())
		s.RegisterHTTPHandler(port, StatusPath, http.HandlerFunc(s.handleStatus))
	}
	return nil
}

// stores picks the outbox and inbox: explicit dependencies first, then Redis
// when configured, otherwise in-memory.
func (s *Service) stores(ctx context.Context, deps ServiceDependencies) (outbox.Outbox, inbox.Inbox, error) {
	box, guard := deps.Outbox, deps.Inbox
	if box != nil && guard != nil {
		return box, guard, nil
	}

	if s.Conf.RedisURL != "" {
		client, err := redisstore.NewClient(ctx, s.Conf.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		s.redis = client
		var prefix []redisstore.Option
		if s.Conf.RedisKeyPrefix != "" {
			prefix = append(prefix, redisstore.WithPrefix(s.Conf.RedisKeyPrefix))
		}
		if box == nil {
			box = redisstore.NewOutbox(client, prefix...)
		}
		if guard == nil {
			guard = redisstore.NewInbox(client, append(prefix, redisstore.WithTTL(s.Conf.InboxTTL))...)
		}
		s.Logger.Info("Using Redis outbox and inbox", loggingpkg.LogFields{"prefix": s.Conf.RedisKeyPrefix})
	}

	if box == nil {
		box = outbox.NewInMemory()
	}
	if guard == nil {
		guard = inbox.NewInMemory()
	}
	return box, guard, nil
}

func (s *Service) logCapabilities() {
	caps := s.capabilities
	s.Logger.Info("Transport ready", loggingpkg.LogFields{
		"transport":           caps.Name,
		"competing_consumers": caps.CompetingConsumers,
		"native_dead_letter":  caps.SupportsNativeDLQ,
	})
	if !caps.SupportsRequeue() {
		s.Logger.Warn("Transport cannot redeliver; requeued messages are republished", loggingpkg.LogFields{
			"transport": caps.Name,
		})
	}
	if caps.RequiresDelayEmulation() && s.Conf.RequeueDelay > 0 {
		s.Logger.Warn("Transport ignores requeue delays", loggingpkg.LogFields{
			"transport":     caps.Name,
			"requeue_delay": s.Conf.RequeueDelay,
		})
	}
}

// warnFanOut flags subscriptions whose performers would each receive every
// message because the transport delivers to all subscribers.
func (s *Service) warnFanOut(sub dispatcher.Subscription) {
	if sub.Performers <= 1 || s.capabilities.CompetingConsumers {
		return
	}
	s.Logger.Warn("Transport does not share messages between performers; each message is dispatched once per performer", loggingpkg.LogFields{
		"transport":    s.capabilities.Name,
		"subscription": sub.Name,
		"performers":   sub.Performers,
	})
}

// WithDefaults fills the zero fields of sub from the config: the channel
// factory of the configured transport and the pump tuning. A RequeueCount of
// 0 inherits the config value.
func (s *Service) WithDefaults(sub dispatcher.Subscription) dispatcher.Subscription {
	if sub.ChannelFactory == nil {
		sub.ChannelFactory = s.channels
	}
	if sub.Timeout == 0 {
		sub.Timeout = s.Conf.ReceiveTimeout
	}
	if sub.EmptyChannelDelay == 0 {
		sub.EmptyChannelDelay = s.Conf.EmptyChannelDelay
	}
	if sub.ChannelFailureDelay == 0 {
		sub.ChannelFailureDelay = s.Conf.ChannelFailureDelay
	}
	if sub.RequeueCount == 0 {
		sub.RequeueCount = s.Conf.RequeueCount
	}
	if sub.RequeueDelay == 0 {
		sub.RequeueDelay = s.Conf.RequeueDelay
	}
	if sub.UnacceptableMessageLimit == 0 {
		sub.UnacceptableMessageLimit = s.Conf.UnacceptableMessageLimit
	}
	return sub
}

// Processor returns the command processor for Send, Publish, Post and Repost.
func (s *Service) Processor() *processor.Processor { return s.processor }

// Dispatcher returns the dispatcher supervising the subscriptions.
func (s *Service) Dispatcher() *dispatcher.Dispatcher { return s.dispatcher }

// Capabilities reports what the configured transport supports.
func (s *Service) Capabilities() transport.Capabilities { return s.capabilities }

// Metrics returns the collectors, nil when metrics are disabled.
func (s *Service) Metrics() *metrics.Metrics { return s.metrics }

// Outbox returns the store Post writes to.
func (s *Service) Outbox() outbox.Outbox { return s.outbox }

// OpenSubscription adds and starts a subscription at runtime with the config
// defaults applied.
func (s *Service) OpenSubscription(sub dispatcher.Subscription) error {
	sub = s.WithDefaults(sub)
	s.warnFanOut(sub)
	return s.dispatcher.OpenSubscription(sub)
}

// Start serves the HTTP endpoints, starts every subscription and blocks until
// ctx ends. Performers are not canceled with ctx; they drain through Stop,
// which is bounded by the configured shutdown timeout.
func (s *Service) Start(ctx context.Context) error {
	s.startHTTPServers()
	if err := s.dispatcher.Receive(context.WithoutCancel(ctx)); err != nil {
		return errors.Join(err, s.Stop(context.Background()))
	}
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout())
	defer cancel()
	return s.Stop(shutdownCtx)
}

// Stop drains the dispatcher, shuts the HTTP servers down and closes the
// transport and Redis client.
func (s *Service) Stop(ctx context.Context) error {
	var stopErrs []error
	if s.dispatcher != nil && s.dispatcher.State() != dispatcher.Stopped {
		if err := s.dispatcher.End(ctx); err != nil {
			stopErrs = append(stopErrs, fmt.Errorf("end dispatcher: %w", err))
		}
	}
	stopErrs = append(stopErrs, s.stopHTTPServers(ctx), s.closeResources())
	err := errors.Join(stopErrs...)
	if err != nil {
		s.Logger.Error("Command service stopped with errors", err, nil)
	} else {
		s.Logger.Info("Command service stopped", nil)
	}
	return err
}

func (s *Service) shutdownTimeout() time.Duration {
	if s.Conf.ShutdownTimeout > 0 {
		return s.Conf.ShutdownTimeout
	}
	return DefaultShutdownTimeout
}

func (s *Service) closeResources() error {
	var closeErrs []error
	if err := s.transport.Close(); err != nil {
		closeErrs = append(closeErrs, fmt.Errorf("close transport: %w", err))
	}
	s.transport = transport.Transport{}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			closeErrs = append(closeErrs, fmt.Errorf("close redis: %w", err))
		}
		s.redis = nil
	}
	return errors.Join(closeErrs...)
}

// RegisterHTTPHandler mounts handler on the server for port. Servers start
// with Start.
func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpMu.Lock()
	defer s.httpMu.Unlock()

	if s.httpMuxes == nil {
		s.httpMuxes = make(map[int]*http.ServeMux)
	}
	mux, ok := s.httpMuxes[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpMuxes[port] = mux
	}
	mux.Handle(pattern, handler)
}

func (s *Service) startHTTPServers() {
	s.httpMu.Lock()
	defer s.httpMu.Unlock()

	for port, mux := range s.httpMuxes {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		s.httpServers = append(s.httpServers, srv)
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("HTTP server failed", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}()
	}
}

func (s *Service) stopHTTPServers(ctx context.Context) error {
	s.httpMu.Lock()
	servers := s.httpServers
	s.httpServers = nil
	s.httpMu.Unlock()

	var shutdownErrs []error
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			shutdownErrs = append(shutdownErrs, fmt.Errorf("shutdown %s: %w", srv.Addr, err))
		}
	}
	return errors.Join(shutdownErrs...)
}
