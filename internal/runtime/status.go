package runtime

import (
	"net/http"
	"time"

	"github.com/drblury/commandflow/internal/runtime/dispatcher"
	"github.com/drblury/commandflow/internal/runtime/jsoncodec"
)

const (
	DefaultMetricsPort     = 9090
	DefaultShutdownTimeout = 30 * time.Second

	// StatusPath serves Status as JSON next to /metrics.
	StatusPath = "/status"
)

// Status is what the status endpoint reports.
type Status struct {
	Transport     string                         `json:"transport"`
	Dispatcher    string                         `json:"dispatcher"`
	Subscriptions []dispatcher.SubscriptionState `json:"subscriptions"`
	Resources     ResourceUsage                  `json:"resources"`
}

// Status samples the dispatcher and the process.
func (s *Service) Status() Status {
	return Status{
		Transport:     s.capabilities.Name,
		Dispatcher:    s.dispatcher.State().String(),
		Subscriptions: s.dispatcher.Snapshot(),
		Resources:     s.resources.Snapshot(),
	}
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := jsoncodec.Marshal(s.Status())
	if err != nil {
		s.Logger.Error("Failed to encode status", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}
