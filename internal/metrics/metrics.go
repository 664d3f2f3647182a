// Package metrics exposes Prometheus counters and histograms for the
// usage-accounting series described alongside the audit log (§3 "Metrics
// & audit records"): sandbox lifecycle events, exec outcomes, HTTP
// traffic, and billing-track calls. Grounded on
// r3e-network-service_layer's infrastructure/metrics/metrics.go
// (CounterVec/HistogramVec collection held on one struct, registered in
// one MustRegister call, a package-level Global() for call sites that
// don't thread a *Metrics through).
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every Prometheus collector the control plane records
// against.
type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	SandboxesCreatedTotal *prometheus.CounterVec
	SandboxesActive       prometheus.Gauge
	SandboxLifetime       *prometheus.HistogramVec

	ExecsTotal    *prometheus.CounterVec
	ExecDuration  *prometheus.HistogramVec

	ArtifactBytesTotal *prometheus.CounterVec

	BillingChecksTotal *prometheus.CounterVec
}

// New creates and registers every collector against registerer.
func New(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandchest_http_requests_total",
				Help: "Total HTTP requests by method, route, and status.",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sandchest_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds by method and route.",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "route"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sandchest_http_requests_in_flight",
				Help: "Current number of HTTP requests being served.",
			},
		),

		SandboxesCreatedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandchest_sandboxes_created_total",
				Help: "Total sandboxes created by org and outcome.",
			},
			[]string{"org_id", "outcome"},
		),
		SandboxesActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sandchest_sandboxes_active",
				Help: "Current number of non-terminal sandboxes across all orgs.",
			},
		),
		SandboxLifetime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sandchest_sandbox_lifetime_seconds",
				Help:    "Sandbox lifetime from started_at to ended_at, by failure reason (empty for clean stop).",
				Buckets: []float64{1, 10, 30, 60, 300, 900, 3600, 14400},
			},
			[]string{"failure_reason"},
		),

		ExecsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandchest_execs_total",
				Help: "Total execs by status.",
			},
			[]string{"status"},
		),
		ExecDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sandchest_exec_duration_seconds",
				Help:    "Exec duration in seconds by status.",
				Buckets: []float64{.1, .5, 1, 5, 15, 30, 60, 120, 300},
			},
			[]string{"status"},
		),

		ArtifactBytesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandchest_artifact_bytes_total",
				Help: "Total artifact bytes collected by org.",
			},
			[]string{"org_id"},
		),

		BillingChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandchest_billing_checks_total",
				Help: "Total billing gate checks by category and outcome.",
			},
			[]string{"category", "allowed"},
		),
	}

	registerer.MustRegister(
		m.HTTPRequestsTotal, m.HTTPRequestDuration, m.HTTPRequestsInFlight,
		m.SandboxesCreatedTotal, m.SandboxesActive, m.SandboxLifetime,
		m.ExecsTotal, m.ExecDuration,
		m.ArtifactBytesTotal,
		m.BillingChecksTotal,
	)
	return m
}

func (m *Metrics) RecordHTTPRequest(method, route, status string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, route, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

func (m *Metrics) RecordSandboxCreated(orgID, outcome string) {
	m.SandboxesCreatedTotal.WithLabelValues(orgID, outcome).Inc()
}

func (m *Metrics) RecordSandboxEnded(failureReason string, lifetime time.Duration) {
	m.SandboxLifetime.WithLabelValues(failureReason).Observe(lifetime.Seconds())
}

func (m *Metrics) RecordExec(status string, duration time.Duration) {
	m.ExecsTotal.WithLabelValues(status).Inc()
	m.ExecDuration.WithLabelValues(status).Observe(duration.Seconds())
}

func (m *Metrics) RecordArtifactBytes(orgID string, bytes int64) {
	m.ArtifactBytesTotal.WithLabelValues(orgID).Add(float64(bytes))
}

func (m *Metrics) RecordBillingCheck(category string, allowed bool) {
	m.BillingChecksTotal.WithLabelValues(category, boolLabel(allowed)).Inc()
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

var (
	global   *Metrics
	globalMu sync.Mutex
)

// Init creates the global Metrics instance against the default registry.
// Safe to call once at startup; subsequent calls return the existing
// instance without re-registering collectors.
func Init() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		global = New(prometheus.DefaultRegisterer)
	}
	return global
}

// Global returns the process-wide Metrics instance, initializing it
// against the default registry if Init was never called.
func Global() *Metrics {
	return Init()
}
