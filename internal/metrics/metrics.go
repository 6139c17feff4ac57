// Package metrics defines Prometheus metrics for the DAL core.
//
// Metric naming follows Prometheus conventions:
//   - dalcore_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds all dalcore metrics. The API server mounts Handler() on
// /metrics.
var Registry = prometheus.NewRegistry()

var (
	// DeploysTotal counts deployment attempts by terminal status.
	DeploysTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dalcore_deploys_total",
			Help: "Total project deployments by terminal status.",
		},
		[]string{"status"},
	)

	// DeployDurationSeconds is a histogram of end-to-end deploy duration.
	DeployDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dalcore_deploy_duration_seconds",
			Help:    "Duration of project deployments in seconds.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	// IterationsTotal counts iteration rounds by terminal phase.
	IterationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dalcore_iterations_total",
			Help: "Total active-learning rounds by terminal phase.",
		},
		[]string{"phase"},
	)

	// IterationPhaseSeconds measures time spent per iteration phase.
	IterationPhaseSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dalcore_iteration_phase_seconds",
			Help:    "Duration of each iteration phase in seconds.",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 3600, 14400},
		},
		[]string{"phase"},
	)

	// ActiveIterations is the number of non-terminal iterations in flight.
	ActiveIterations = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dalcore_active_iterations",
			Help: "Number of iterations currently in a non-terminal phase.",
		},
	)

	// ExportsTotal counts voting-result exports by outcome.
	ExportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dalcore_exports_total",
			Help: "Total voting-result exports by outcome (written, unchanged, refused_subset).",
		},
		[]string{"outcome"},
	)

	// EventsDroppedTotal counts bus events dropped on overflow per topic.
	EventsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dalcore_events_dropped_total",
			Help: "Total event bus events dropped due to full subscriber queues.",
		},
		[]string{"topic"},
	)

	// ExternalCallSeconds measures external service call latency.
	ExternalCallSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dalcore_external_call_seconds",
			Help:    "Latency of governance, object-store and ML service calls.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"service", "op", "status"},
	)

	// BreakerState exposes each endpoint's circuit state (0 closed, 1 half-open, 2 open).
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dalcore_breaker_state",
			Help: "Circuit breaker state per endpoint: 0=closed 1=half-open 2=open.",
		},
		[]string{"endpoint"},
	)

	// AuditEventsTotal counts events persisted to the audit ledger.
	AuditEventsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dalcore_audit_events_total",
			Help: "Total events recorded in the audit ledger.",
		},
	)
)

func init() {
	Registry.MustRegister(
		DeploysTotal,
		DeployDurationSeconds,
		IterationsTotal,
		IterationPhaseSeconds,
		ActiveIterations,
		ExportsTotal,
		EventsDroppedTotal,
		ExternalCallSeconds,
		BreakerState,
		AuditEventsTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler returns the HTTP handler serving the dalcore registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// ObserveExternalCall records one external service call.
func ObserveExternalCall(service, op, status string, d time.Duration) {
	ExternalCallSeconds.WithLabelValues(service, op, status).Observe(d.Seconds())
}
