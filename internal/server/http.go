package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nuralogix/dfx-api-client-go/internal/api"
	"github.com/nuralogix/dfx-api-client-go/internal/config"
	"github.com/nuralogix/dfx-api-client-go/internal/measurement"
	"github.com/nuralogix/dfx-api-client-go/internal/metrics"
)

const (
	serviceName    = "dfx-api-client-go"
	serviceVersion = "1.0.0"
)

// StatusSource reports the state of the running measurement upload
type StatusSource interface {
	Status() measurement.Status
}

// StatsSource reports API client statistics
type StatsSource interface {
	GetStats() api.ClientStats
}

// HTTPServer provides HTTP endpoints for monitoring a measurement run
type HTTPServer struct {
	server   *http.Server
	listener net.Listener
	logger   *slog.Logger
	config   *config.Config
	status   StatusSource
	stats    StatsSource
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer

	startTime time.Time
}

// HTTPServerConfig contains HTTP server configuration
type HTTPServerConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// NewHTTPServer creates a new status server. gatherer serves /metrics.
func NewHTTPServer(cfg HTTPServerConfig, logger *slog.Logger, appConfig *config.Config,
	status StatusSource, stats StatsSource, m *metrics.Metrics, gatherer prometheus.Gatherer) *HTTPServer {

	h := &HTTPServer{
		logger:    logger,
		config:    appConfig,
		status:    status,
		stats:     stats,
		metrics:   m,
		gatherer:  gatherer,
		startTime: time.Now(),
	}

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      h.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// Handler returns the routed handler
func (h *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))
	mux.HandleFunc("/session", h.withMetrics("/session", h.handleSession))
	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	mux.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
	return mux
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		// Create a response writer wrapper to capture status code
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start listens on the configured address and serves in the background
func (h *HTTPServer) Start() error {
	ln, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.server.Addr, err)
	}
	h.listener = ln

	h.logger.Info("Starting HTTP status server",
		slog.String("address", ln.Addr().String()),
	)

	go func() {
		if err := h.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Addr returns the bound address once started
func (h *HTTPServer) Addr() string {
	if h.listener == nil {
		return h.server.Addr
	}
	return h.listener.Addr().String()
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP status server...")

	return h.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	st := h.status.Status()
	apiStats := h.stats.GetStats()
	state := "running"
	switch {
	case st.ShutDown:
		state = "stopped"
	case st.Flags.AddDataDone && st.Flags.SubscribeDone:
		state = "completed"
	}

	health := map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]any{
			"name":    serviceName,
			"version": serviceVersion,
		},
		"components": map[string]any{
			"orchestrator": map[string]any{
				"status":          state,
				"upload_state":    st.UploadState,
				"subscribe_state": st.SubscribeState,
			},
			"api": map[string]any{
				"status":          "running",
				"total_requests":  apiStats.TotalRequests,
				"success_rate":    apiStats.SuccessRate,
				"active_requests": apiStats.ActiveRequests,
			},
		},
	}

	writeJSON(w, health)
}

// handleSession implements the /session endpoint: current and retired
// measurements
func (h *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	st := h.status.Status()
	response := map[string]any{
		"timestamp": time.Now().UTC(),
		"current":   st.Current,
		"history":   st.History,
		"rollovers": st.Rollovers,
		"flags":     st.Flags,
	}

	writeJSON(w, response)
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Credentials and the license key are intentionally omitted
	sanitizedConfig := map[string]any{
		"api": map[string]any{
			"server":         h.config.API.Server,
			"rest_url":       h.config.API.RESTURL,
			"ws_url":         h.config.API.WSURL,
			"timeout":        h.config.API.Timeout,
			"max_retries":    h.config.API.MaxRetries,
			"max_concurrent": h.config.API.MaxConcurrent,
		},
		"identity": map[string]any{
			"study_id":    h.config.Identity.StudyID,
			"email":       h.config.Identity.Email,
			"device_name": h.config.Identity.DeviceName,
		},
		"measurement": h.config.Measurement,
		"transport":   h.config.Transport,
		"credentials": map[string]any{
			"backend": h.config.Credentials.Backend,
		},
		"logging": h.config.Logging,
	}

	writeJSON(w, sanitizedConfig)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	st := h.status.Status()
	stats := map[string]any{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"upload": map[string]any{
			"state":              st.UploadState,
			"chunks_planned":     st.Plan.NumChunks,
			"chunks_sent":        st.ChunksSent,
			"chunks_accepted":    st.ChunksAccepted,
			"expected_rollovers": st.Plan.ExpectedRollovers,
			"rollovers":          st.Rollovers,
		},
		"results": map[string]any{
			"state":       st.SubscribeState,
			"received":    st.ResultsReceived,
			"queue_depth": st.QueueDepth,
		},
		"api": h.stats.GetStats(),
	}

	writeJSON(w, stats)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	apiDoc := map[string]any{
		"service": "DFX Measurement Client",
		"version": serviceVersion,
		"endpoints": map[string]any{
			"GET /":        "API documentation",
			"GET /health":  "Client health check",
			"GET /session": "Current and retired measurements",
			"GET /config":  "Client configuration without secrets",
			"GET /stats":   "Upload, result and API statistics",
			"GET /metrics": "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	writeJSON(w, apiDoc)
}
