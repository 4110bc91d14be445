package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterIsIdempotent(t *testing.T) {
	t.Parallel()
	m := New(prometheus.NewRegistry())
	if err := m.Register(); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := m.Register(); err != nil {
		t.Fatalf("second Register() error = %v", err)
	}
}

func TestRecording(t *testing.T) {
	t.Parallel()
	m := New(prometheus.NewRegistry())
	if err := m.Register(); err != nil {
		t.Fatal(err)
	}

	m.MessageReceived("orders", "MT_COMMAND")
	m.MessageOutcome("orders", OutcomeAcknowledged)
	m.MessageOutcome("orders", OutcomeAcknowledged)
	m.MessageOutcome("orders", OutcomeRequeued)
	m.DispatchDuration("orders", "place-order", 20*time.Millisecond)
	m.Dispatch("send", "place-order", nil)
	m.Dispatch("send", "place-order", errors.New("boom"))
	m.CircuitState("post", 2)
	m.ActivePerformers("orders", 3)

	if got := testutil.ToFloat64(m.outcomes.WithLabelValues("orders", OutcomeAcknowledged)); got != 2 {
		t.Fatalf("acknowledged = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.dispatches.WithLabelValues("send", "place-order", "error")); got != 1 {
		t.Fatalf("errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.circuitState.WithLabelValues("post")); got != 2 {
		t.Fatalf("circuit state = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.activeConsumer.WithLabelValues("orders")); got != 3 {
		t.Fatalf("active performers = %v, want 3", got)
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	t.Parallel()
	m := New(prometheus.NewRegistry())
	if err := m.Register(); err != nil {
		t.Fatal(err)
	}
	m.MessageReceived("orders", "MT_EVENT")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if !strings.Contains(rec.Body.String(), "commandflow_pump_messages_received_total") {
		t.Fatalf("expected pump counter in output:\n%s", rec.Body.String())
	}
}
