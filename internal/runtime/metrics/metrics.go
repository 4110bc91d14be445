// Package metrics exposes Prometheus collectors for message pumps, the
// command processor and resilience policies.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pump outcomes recorded per channel.
const (
	OutcomeAcknowledged = "acknowledged"
	OutcomeRequeued     = "requeued"
	OutcomeDeadLettered = "dead_lettered"
	OutcomeUnacceptable = "unacceptable"
	OutcomeFailed       = "failed"
)

const namespace = "commandflow"

// Metrics holds every collector commandflow records into. Recorder methods
// are no-ops on a nil *Metrics.
type Metrics struct {
	mu sync.Mutex

	received       *prometheus.CounterVec
	outcomes       *prometheus.CounterVec
	dispatchTime   *prometheus.HistogramVec
	dispatches     *prometheus.CounterVec
	circuitState   *prometheus.GaugeVec
	activeConsumer *prometheus.GaugeVec

	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer
	registered bool
}

func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Subsystem: subsystem, Name: name, Help: help},
		labels,
	)
}

func newGaugeVec(subsystem, name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: namespace, Subsystem: subsystem, Name: name, Help: help},
		labels,
	)
}

// New creates the collectors. A nil registry uses the Prometheus default
// registerer and gatherer.
func New(registry *prometheus.Registry) *Metrics {
	var (
		registerer prometheus.Registerer = prometheus.DefaultRegisterer
		gatherer   prometheus.Gatherer   = prometheus.DefaultGatherer
	)
	if registry != nil {
		registerer, gatherer = registry, registry
	}

	return &Metrics{
		registerer: registerer,
		gatherer:   gatherer,
		received:   newCounterVec("pump", "messages_received_total", "Messages received by a message pump", []string{"channel", "message_type"}),
		outcomes:   newCounterVec("pump", "messages_outcome_total", "What the pump did with each received message", []string{"channel", "outcome"}),
		dispatchTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pump",
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent dispatching a message to its handlers",
			Buckets:   prometheus.DefBuckets,
		}, []string{"channel", "request_type"}),
		dispatches:     newCounterVec("processor", "dispatch_total", "Command processor dispatches by mode and result", []string{"mode", "request_type", "result"}),
		circuitState:   newGaugeVec("policy", "circuit_state", "Circuit breaker state (0 closed, 1 half-open, 2 open)", []string{"policy"}),
		activeConsumer: newGaugeVec("dispatcher", "active_performers", "Running performers per subscription", []string{"subscription"}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.received, m.outcomes, m.dispatchTime, m.dispatches, m.circuitState, m.activeConsumer,
	}
	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// Handler serves the gathered metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) MessageReceived(channel, messageType string) {
	if m == nil {
		return
	}
	m.received.WithLabelValues(channel, messageType).Inc()
}

func (m *Metrics) MessageOutcome(channel, outcome string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(channel, outcome).Inc()
}

func (m *Metrics) DispatchDuration(channel, requestType string, d time.Duration) {
	if m == nil {
		return
	}
	m.dispatchTime.WithLabelValues(channel, requestType).Observe(d.Seconds())
}

// Dispatch counts a command processor call. mode is send, publish or post.
func (m *Metrics) Dispatch(mode, requestType string, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.dispatches.WithLabelValues(mode, requestType, result).Inc()
}

func (m *Metrics) CircuitState(policy string, state float64) {
	if m == nil {
		return
	}
	m.circuitState.WithLabelValues(policy).Set(state)
}

func (m *Metrics) ActivePerformers(subscription string, n int) {
	if m == nil {
		return
	}
	m.activeConsumer.WithLabelValues(subscription).Set(float64(n))
}
