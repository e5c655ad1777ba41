package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the DFX streaming client
type Metrics struct {
	// Chunk upload metrics
	ChunksSent         *prometheus.CounterVec
	ChunksAcknowledged prometheus.Counter
	ChunksRejected     *prometheus.CounterVec
	ChunkRoundTrip     prometheus.Histogram

	// Session metrics
	SessionsCreated        prometheus.Counter
	Rollovers              prometheus.Counter
	SessionBudgetRemaining prometheus.Gauge

	// Result metrics
	ResultsReceived   prometheus.Counter
	SubscribeFailures prometheus.Counter
	ResultQueueDepth  prometheus.Gauge

	// API client metrics
	APIRequests *prometheus.CounterVec
	APIRetries  prometheus.Counter

	// HTTP status server metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ChunksSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dfx_chunks_sent_total",
			Help: "Total number of chunks sent to a measurement",
		}, []string{"method"}),
		ChunksAcknowledged: factory.NewCounter(prometheus.CounterOpts{
			Name: "dfx_chunks_acknowledged_total",
			Help: "Total number of chunks accepted by a measurement",
		}),
		ChunksRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dfx_chunks_rejected_total",
			Help: "Total number of rejected chunks by outcome",
		}, []string{"outcome"}),
		ChunkRoundTrip: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "dfx_chunk_round_trip_seconds",
			Help:    "Time from sending a chunk to receiving its acknowledgement",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		}),

		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "dfx_sessions_created_total",
			Help: "Total number of measurements created",
		}),
		Rollovers: factory.NewCounter(prometheus.CounterOpts{
			Name: "dfx_rollovers_total",
			Help: "Total number of continuation measurements opened after a close",
		}),
		SessionBudgetRemaining: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dfx_session_budget_remaining_chunks",
			Help: "Chunks the current measurement still accepts",
		}),

		ResultsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "dfx_results_received_total",
			Help: "Total number of result payloads received",
		}),
		SubscribeFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "dfx_subscribe_failures_total",
			Help: "Total number of rejected result subscriptions",
		}),
		ResultQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dfx_result_queue_depth",
			Help: "Current number of results waiting to be consumed",
		}),

		APIRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dfx_api_requests_total",
			Help: "Total number of DFX REST API requests",
		}, []string{"operation", "outcome"}),
		APIRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "dfx_api_retries_total",
			Help: "Total number of DFX REST API request retries",
		}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dfx_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dfx_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dfx_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordChunkSent increments the chunks sent counter for a transport method
func (m *Metrics) RecordChunkSent(method string) {
	m.ChunksSent.WithLabelValues(method).Inc()
}

// RecordChunkAcknowledged records an accepted chunk and its round trip
func (m *Metrics) RecordChunkAcknowledged(roundTripSeconds float64) {
	m.ChunksAcknowledged.Inc()
	m.ChunkRoundTrip.Observe(roundTripSeconds)
}

// RecordChunkRejected records a rejected chunk; outcome is "rollover" or "early"
func (m *Metrics) RecordChunkRejected(outcome string) {
	m.ChunksRejected.WithLabelValues(outcome).Inc()
}

// RecordSessionCreated increments the sessions created counter
func (m *Metrics) RecordSessionCreated(budget int) {
	m.SessionsCreated.Inc()
	m.SessionBudgetRemaining.Set(float64(budget))
}

// RecordRollover increments the rollover counter
func (m *Metrics) RecordRollover() {
	m.Rollovers.Inc()
}

// SetSessionBudget sets the remaining budget of the current session
func (m *Metrics) SetSessionBudget(chunks int) {
	m.SessionBudgetRemaining.Set(float64(chunks))
}

// RecordResultReceived increments the results counter
func (m *Metrics) RecordResultReceived() {
	m.ResultsReceived.Inc()
}

// RecordSubscribeFailure increments the subscribe failures counter
func (m *Metrics) RecordSubscribeFailure() {
	m.SubscribeFailures.Inc()
}

// SetResultQueueDepth sets the current result queue depth
func (m *Metrics) SetResultQueueDepth(depth int) {
	m.ResultQueueDepth.Set(float64(depth))
}

// RecordAPIRequest records a finished API call
func (m *Metrics) RecordAPIRequest(operation, outcome string) {
	m.APIRequests.WithLabelValues(operation, outcome).Inc()
}

// RecordAPIRetry increments the API retry counter
func (m *Metrics) RecordAPIRetry() {
	m.APIRetries.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
