package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the coordinator core's Prometheus metrics:
//
//   - Message outcomes (completed, busy, lock_timeout, timed_out, failed)
//   - Lock acquisition attempts by mode and outcome
//   - Lock hold and wait durations
//   - Registry size, reaper evictions, watchdog long-held reports
//   - LLM request latency and status
//   - HTTP request latency and status
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.RecordMessage("completed")
type Metrics struct {
	// MessageCounter tracks handled messages by terminal outcome.
	// Labels: outcome (completed|busy|lock_timeout|timed_out|failed)
	MessageCounter *prometheus.CounterVec

	// LockAcquisitions counts acquisition attempts.
	// Labels: mode (try|wait), outcome (acquired|busy|timeout|canceled)
	LockAcquisitions *prometheus.CounterVec

	// LockHoldDuration measures how long locks are held, in seconds.
	// Buckets: 0.01s .. 120s
	LockHoldDuration prometheus.Histogram

	// LockWaitDuration measures how long waiting acquires waited, in
	// seconds, successful or not.
	LockWaitDuration prometheus.Histogram

	// RegistrySize is the current number of registered conversations.
	RegistrySize prometheus.Gauge

	// ReaperEvictions counts idle entries evicted by the reaper.
	ReaperEvictions prometheus.Counter

	// WatchdogLongHeld counts watchdog reports of locks held past the
	// configured threshold.
	WatchdogLongHeld prometheus.Counter

	// LLMRequestDuration measures inference call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts inference calls.
	// Labels: provider, model, status (success|timeout|error)
	LLMRequestCounter *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP request latency in seconds.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec

	// HTTPRequestCounter counts HTTP requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the default
// Prometheus registry. Call once at application startup; they are served
// by the /metrics endpoint.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith creates all metrics against the given registerer.
// Tests use this with prometheus.NewRegistry() for isolation.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		MessageCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convolock_messages_total",
				Help: "Total handled messages by terminal outcome",
			},
			[]string{"outcome"},
		),

		LockAcquisitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convolock_lock_acquisitions_total",
				Help: "Lock acquisition attempts by mode and outcome",
			},
			[]string{"mode", "outcome"},
		),

		LockHoldDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "convolock_lock_hold_duration_seconds",
				Help:    "Duration conversation locks were held",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120},
			},
		),

		LockWaitDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "convolock_lock_wait_duration_seconds",
				Help:    "Duration waiting acquires spent parked",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
			},
		),

		RegistrySize: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "convolock_registry_entries",
				Help: "Current number of registered conversation locks",
			},
		),

		ReaperEvictions: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "convolock_reaper_evictions_total",
				Help: "Idle registry entries evicted by the reaper",
			},
		),

		WatchdogLongHeld: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "convolock_watchdog_long_held_total",
				Help: "Watchdog reports of locks held past the threshold",
			},
		),

		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "convolock_llm_request_duration_seconds",
				Help:    "Duration of inference backend calls",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convolock_llm_requests_total",
				Help: "Inference backend calls by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "convolock_http_request_duration_seconds",
				Help:    "Duration of HTTP requests",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 60},
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convolock_http_requests_total",
				Help: "Total HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
	}
}

// RecordMessage increments the message counter for a terminal outcome.
func (m *Metrics) RecordMessage(outcome string) {
	m.MessageCounter.WithLabelValues(outcome).Inc()
}

// RecordAcquisition records a lock acquisition attempt.
func (m *Metrics) RecordAcquisition(mode, outcome string) {
	m.LockAcquisitions.WithLabelValues(mode, outcome).Inc()
}

// RecordHold records how long a lock was held.
func (m *Metrics) RecordHold(seconds float64) {
	m.LockHoldDuration.Observe(seconds)
}

// RecordWait records how long a waiting acquire was parked.
func (m *Metrics) RecordWait(seconds float64) {
	m.LockWaitDuration.Observe(seconds)
}

// RecordLLMRequest records an inference call.
func (m *Metrics) RecordLLMRequest(provider, model, status string, seconds float64) {
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(seconds)
}

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, seconds float64) {
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(seconds)
}
