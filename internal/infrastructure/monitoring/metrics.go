// Package monitoring collects Prometheus metrics for the backend.
package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics.
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Session metrics
	SessionsActive  prometheus.Gauge
	SessionsOpened  prometheus.Counter
	SessionsClosed  prometheus.Counter
	SpawnFailures   *prometheus.CounterVec
	SessionDuration prometheus.Histogram

	// PTY I/O metrics
	BytesRead    prometheus.Counter
	BytesWritten prometheus.Counter
	BatchesSent  prometheus.Counter
	BatchSize    prometheus.Histogram

	// WebSocket metrics
	WSConnections prometheus.Gauge
	WSMessages    *prometheus.CounterVec

	// System metrics
	Uptime    prometheus.Gauge
	startTime time.Time

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector on its own registry, so
// repeated construction in tests does not panic on duplicate
// registration.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		startTime: time.Now(),
		registry:  reg,

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "termillion_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "termillion_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),

		SessionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "termillion_sessions_active",
				Help: "Number of live PTY sessions",
			},
		),
		SessionsOpened: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "termillion_sessions_opened_total",
				Help: "Total number of PTY sessions opened",
			},
		),
		SessionsClosed: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "termillion_sessions_closed_total",
				Help: "Total number of PTY sessions torn down",
			},
		),
		SpawnFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "termillion_spawn_failures_total",
				Help: "Total number of failed session spawns",
			},
			[]string{"reason"},
		),
		SessionDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "termillion_session_duration_seconds",
				Help:    "Lifetime of PTY sessions in seconds",
				Buckets: []float64{1, 10, 60, 300, 1800, 3600, 14400, 86400},
			},
		),

		BytesRead: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "termillion_pty_bytes_read_total",
				Help: "Total bytes drained from PTY masters",
			},
		),
		BytesWritten: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "termillion_pty_bytes_written_total",
				Help: "Total bytes written to PTY masters",
			},
		),
		BatchesSent: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "termillion_pty_batches_total",
				Help: "Total output batches dispatched to consumers",
			},
		),
		BatchSize: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "termillion_pty_batch_size_bytes",
				Help:    "Size of dispatched output batches in bytes",
				Buckets: []float64{64, 256, 1024, 4096, 16384, 32768, 65536},
			},
		),

		WSConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "termillion_ws_connections",
				Help: "Number of active WebSocket connections",
			},
		),
		WSMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "termillion_ws_messages_total",
				Help: "Total number of WebSocket messages",
			},
			[]string{"direction", "type"},
		),

		Uptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "termillion_uptime_seconds",
				Help: "Backend uptime in seconds",
			},
		),
	}

	go m.updateUptime()

	return m
}

// HTTPHandler exposes the registry in Prometheus exposition format.
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// updateUptime continuously updates the uptime metric.
func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for range ticker.C {
		m.Uptime.Set(time.Since(m.startTime).Seconds())
	}
}

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordSessionOpened records a successful spawn.
func (m *Metrics) RecordSessionOpened() {
	m.SessionsOpened.Inc()
	m.SessionsActive.Inc()
}

// RecordSessionClosed records a completed teardown.
func (m *Metrics) RecordSessionClosed(lifetime time.Duration) {
	m.SessionsClosed.Inc()
	m.SessionsActive.Dec()
	m.SessionDuration.Observe(lifetime.Seconds())
}

// RecordSpawnFailure records a failed spawn by reason.
func (m *Metrics) RecordSpawnFailure(reason string) {
	m.SpawnFailures.WithLabelValues(reason).Inc()
}

// RecordBatch records one dispatched output batch.
func (m *Metrics) RecordBatch(size int) {
	m.BatchesSent.Inc()
	m.BatchSize.Observe(float64(size))
	m.BytesRead.Add(float64(size))
}

// RecordWrite records bytes forwarded to a PTY.
func (m *Metrics) RecordWrite(n int) {
	m.BytesWritten.Add(float64(n))
}

// RecordWSMessage records a WebSocket message.
func (m *Metrics) RecordWSMessage(direction, msgType string) {
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

// IncWSConnections increments WebSocket connections.
func (m *Metrics) IncWSConnections() {
	m.WSConnections.Inc()
}

// DecWSConnections decrements WebSocket connections.
func (m *Metrics) DecWSConnections() {
	m.WSConnections.Dec()
}
