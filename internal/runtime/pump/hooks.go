package pump

import (
	"context"
	"time"

	"github.com/drblury/commandflow/internal/runtime/logging"
	"github.com/drblury/commandflow/internal/runtime/message"
	"github.com/drblury/commandflow/internal/runtime/metrics"
)

// DispatchContext describes one dispatch of a received message to hooks.
type DispatchContext struct {
	// Channel is the name of the channel the message came from.
	Channel string
	// RequestType is the type the message was mapped to.
	RequestType string
	MessageID   string
	MessageType message.MessageType
	// HandledCount is how many times the message was requeued before this
	// attempt.
	HandledCount int
	Context      context.Context
	StartedAt    time.Time
	// Duration is only set for OnDispatchDone and OnDispatchError.
	Duration time.Duration
}

// Hooks are optional callbacks around every dispatch a pump performs.
type Hooks struct {
	OnDispatchStart func(dc DispatchContext)
	OnDispatchDone  func(dc DispatchContext)
	OnDispatchError func(dc DispatchContext, err error)
}

// Merge returns hooks that call h first and then other.
func (h Hooks) Merge(other Hooks) Hooks {
	return Hooks{
		OnDispatchStart: chain(h.OnDispatchStart, other.OnDispatchStart),
		OnDispatchDone:  chain(h.OnDispatchDone, other.OnDispatchDone),
		OnDispatchError: chainError(h.OnDispatchError, other.OnDispatchError),
	}
}

func chain(a, b func(DispatchContext)) func(DispatchContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(dc DispatchContext) {
		a(dc)
		b(dc)
	}
}

func chainError(a, b func(DispatchContext, error)) func(DispatchContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(dc DispatchContext, err error) {
		a(dc, err)
		b(dc, err)
	}
}

func (h Hooks) start(dc DispatchContext) {
	if h.OnDispatchStart != nil {
		h.OnDispatchStart(dc)
	}
}

func (h Hooks) done(dc DispatchContext, err error) {
	if err != nil {
		if h.OnDispatchError != nil {
			h.OnDispatchError(dc, err)
		}
		return
	}
	if h.OnDispatchDone != nil {
		h.OnDispatchDone(dc)
	}
}

// LoggingHooks logs dispatch starts at debug level and completions at info.
func LoggingHooks(log logging.ServiceLogger) Hooks {
	log = logging.OrDiscard(log)
	return Hooks{
		OnDispatchStart: func(dc DispatchContext) {
			log.Debug("Dispatch started", logging.LogFields{
				"channel":       dc.Channel,
				"request_type":  dc.RequestType,
				"message_id":    dc.MessageID,
				"handled_count": dc.HandledCount,
			})
		},
		OnDispatchDone: func(dc DispatchContext) {
			log.Info("Dispatch completed", logging.LogFields{
				"channel":      dc.Channel,
				"request_type": dc.RequestType,
				"message_id":   dc.MessageID,
				"duration_ms":  dc.Duration.Milliseconds(),
			})
		},
		OnDispatchError: func(dc DispatchContext, err error) {
			log.Error("Dispatch failed", err, logging.LogFields{
				"channel":       dc.Channel,
				"request_type":  dc.RequestType,
				"message_id":    dc.MessageID,
				"duration_ms":   dc.Duration.Milliseconds(),
				"handled_count": dc.HandledCount,
			})
		},
	}
}

// MetricsHooks records dispatch durations.
func MetricsHooks(m *metrics.Metrics) Hooks {
	observe := func(dc DispatchContext) {
		m.DispatchDuration(dc.Channel, dc.RequestType, dc.Duration)
	}
	return Hooks{
		OnDispatchDone: observe,
		OnDispatchError: func(dc DispatchContext, _ error) {
			observe(dc)
		},
	}
}
