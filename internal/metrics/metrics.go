package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application
type Metrics struct {
	// RefreshAttempts counts finished refresh attempts by outcome and reason
	RefreshAttempts *prometheus.CounterVec
	// StageDuration tracks time spent in each refresh stage
	StageDuration *prometheus.HistogramVec
	// RunDuration tracks fleet run duration
	RunDuration prometheus.Histogram
	// RunsTotal counts fleet runs by status
	RunsTotal *prometheus.CounterVec
	// LastRunTimestamp is the unix time the last run finished
	LastRunTimestamp prometheus.Gauge
	// AccountsDue is the number of accounts due in the last run
	AccountsDue prometheus.Gauge
	// StoreWrites counts writes by target and status
	StoreWrites *prometheus.CounterVec
	// AccountExpiry is the expiry of each account as unix seconds
	AccountExpiry *prometheus.GaugeVec
	// ProxySelections counts egress node selections by result
	ProxySelections *prometheus.CounterVec
	// RequestLatency tracks HTTP request latency by endpoint and method
	RequestLatency *prometheus.HistogramVec
	// ErrorCounter counts errors by type and endpoint
	ErrorCounter *prometheus.CounterVec
	// HTTPRequestsTotal total HTTP requests
	HTTPRequestsTotal *prometheus.CounterVec
	// HTTPRequestsInFlight current HTTP requests being processed
	HTTPRequestsInFlight prometheus.Gauge
	// registry is the custom registry for this metrics instance
	registry *prometheus.Registry
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(namespace string) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		RefreshAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "refresh_attempts_total",
				Help:      "Total number of refresh attempts",
			},
			[]string{"outcome", "reason"},
		),
		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "refresh_stage_duration_seconds",
				Help:      "Time spent in each refresh stage",
				Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 120, 180, 300},
			},
			[]string{"stage"},
		),
		RunDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of a fleet run",
				Buckets:   []float64{1, 10, 30, 60, 120, 300, 600, 1200, 1800, 3600},
			},
		),
		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Total number of fleet runs",
			},
			[]string{"status"},
		),
		LastRunTimestamp: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_run_timestamp_seconds",
				Help:      "Unix time the last fleet run finished",
			},
		),
		AccountsDue: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "accounts_due",
				Help:      "Accounts due for refresh in the last run",
			},
		),
		StoreWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_writes_total",
				Help:      "Total number of population writes",
			},
			[]string{"target", "status"},
		),
		AccountExpiry: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "account_expiry_timestamp_seconds",
				Help:      "Session expiry of each account as unix time",
			},
			[]string{"account_id"},
		),
		ProxySelections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "proxy_selections_total",
				Help:      "Total number of egress node selections",
			},
			[]string{"result"},
		),
		RequestLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_latency_seconds",
				Help:      "HTTP request latency in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"endpoint", "method", "status"},
		),
		ErrorCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of errors",
			},
			[]string{"type", "endpoint", "method"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"endpoint", "method", "status"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Current number of HTTP requests being processed",
			},
		),
	}

	// Register metrics with custom registry
	registry.MustRegister(
		m.RefreshAttempts,
		m.StageDuration,
		m.RunDuration,
		m.RunsTotal,
		m.LastRunTimestamp,
		m.AccountsDue,
		m.StoreWrites,
		m.AccountExpiry,
		m.ProxySelections,
		m.RequestLatency,
		m.ErrorCounter,
		m.HTTPRequestsTotal,
		m.HTTPRequestsInFlight,
	)

	return m
}

// Registry returns the registry backing these metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns a Prometheus handler for these metrics
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// WriteTextfile writes the current values in the node-exporter textfile
// format. The file is replaced atomically.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}

// RecordAttempt records a finished refresh attempt
func (m *Metrics) RecordAttempt(outcome, reason string) {
	if reason == "" {
		reason = "none"
	}
	m.RefreshAttempts.WithLabelValues(outcome, reason).Inc()
}

// RecordStage records how long a refresh stage took
func (m *Metrics) RecordStage(stage string, d time.Duration) {
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordRun records a finished fleet run
func (m *Metrics) RecordRun(status string, d time.Duration, due int, finishedAt time.Time) {
	m.RunsTotal.WithLabelValues(status).Inc()
	m.RunDuration.Observe(d.Seconds())
	m.AccountsDue.Set(float64(due))
	m.LastRunTimestamp.Set(float64(finishedAt.Unix()))
}

// RecordStoreWrite records a write to local, remote or gateway
func (m *Metrics) RecordStoreWrite(target, status string) {
	m.StoreWrites.WithLabelValues(target, status).Inc()
}

// SetAccountExpiry sets the expiry of an account
func (m *Metrics) SetAccountExpiry(accountID string, expiresAt time.Time) {
	m.AccountExpiry.WithLabelValues(accountID).Set(float64(expiresAt.Unix()))
}

// RecordProxySelection records an egress selection result
func (m *Metrics) RecordProxySelection(result string) {
	m.ProxySelections.WithLabelValues(result).Inc()
}

// RecordRequestLatency records the latency of an HTTP request
func (m *Metrics) RecordRequestLatency(endpoint, method, status string, durationSeconds float64) {
	m.RequestLatency.WithLabelValues(endpoint, method, status).Observe(durationSeconds)
}

// RecordError records an error
func (m *Metrics) RecordError(errorType, endpoint, method string) {
	m.ErrorCounter.WithLabelValues(errorType, endpoint, method).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(endpoint, method, status string) {
	m.HTTPRequestsTotal.WithLabelValues(endpoint, method, status).Inc()
}

// IncHTTPRequestsInFlight increments the in-flight requests counter
func (m *Metrics) IncHTTPRequestsInFlight() {
	m.HTTPRequestsInFlight.Inc()
}

// DecHTTPRequestsInFlight decrements the in-flight requests counter
func (m *Metrics) DecHTTPRequestsInFlight() {
	m.HTTPRequestsInFlight.Dec()
}
