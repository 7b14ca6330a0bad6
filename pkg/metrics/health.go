package metrics

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"pairlink/pkg/connection"
)

// StateSource reports the connection state. *connection.Tracker implements
// it.
type StateSource interface {
	State() connection.State
	Err() error
}

// HealthEndpoint serves health checks and the metrics page.
type HealthEndpoint struct {
	state    StateSource
	gatherer prometheus.Gatherer
	logger   *zap.Logger
}

// NewHealthEndpoint creates the HTTP handlers. A nil gatherer selects the
// default gatherer.
func NewHealthEndpoint(state StateSource, gatherer prometheus.Gatherer, logger *zap.Logger) *HealthEndpoint {
	if logger == nil {
		logger = zap.NewNop()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &HealthEndpoint{state: state, gatherer: gatherer, logger: logger}
}

// RegisterHandlers registers the HTTP handlers on mux.
func (he *HealthEndpoint) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/health", he.handleHealth)
	mux.HandleFunc("/health/live", he.handleLiveness)
	mux.Handle("/metrics", promhttp.HandlerFor(he.gatherer, promhttp.HandlerOpts{}))
}

type healthResponse struct {
	Status    string `json:"status"`
	State     string `json:"state"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// handleHealth reports healthy only while connected.
func (he *HealthEndpoint) handleHealth(w http.ResponseWriter, _ *http.Request) {
	state := he.state.State()
	resp := healthResponse{
		Status:    "healthy",
		State:     state.String(),
		Timestamp: time.Now().Format(time.RFC3339),
	}
	code := http.StatusOK
	switch state {
	case connection.Connected:
	case connection.Error:
		resp.Status = "unhealthy"
		code = http.StatusServiceUnavailable
		if err := he.state.Err(); err != nil {
			resp.Error = err.Error()
		}
	default:
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		he.logger.Debug("Failed to write health response", zap.Error(err))
	}
}

func (he *HealthEndpoint) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// StartServer serves the health endpoint on addr in the background.
func StartServer(addr string, endpoint *HealthEndpoint, logger *zap.Logger) *http.Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()
	endpoint.RegisterHandlers(mux)

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting metrics server", zap.String("address", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	return server
}
