// Package telemetry exposes Prometheus metrics and OpenTelemetry tracing
// for the engine. Metrics are registered under the "checkride" namespace
// and served by the API's /metrics endpoint.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	metricRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "checkride",
		Name:      "runs_total",
		Help:      "Completed runs by terminal status.",
	}, []string{"status"})

	metricRunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "checkride",
		Name:      "run_duration_seconds",
		Help:      "Wall time of completed runs.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	metricStepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "checkride",
		Name:      "steps_total",
		Help:      "Executed steps by action and outcome.",
	}, []string{"action", "status"})

	metricStepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "checkride",
		Name:      "step_duration_seconds",
		Help:      "Per-step duration from dispatch through evidence capture.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
	})

	metricEvidenceArtifacts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "checkride",
		Name:      "evidence_artifacts_total",
		Help:      "Stored evidence artifacts by kind.",
	}, []string{"kind"})

	metricEvidenceBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "checkride",
		Name:      "evidence_bytes_total",
		Help:      "Total bytes written to the evidence store.",
	})

	metricDiagnosticsRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "checkride",
		Name:      "diagnostics_requests_total",
		Help:      "Diagnostics bridge requests by outcome (ok, fallback).",
	}, []string{"outcome"})

	metricActiveRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "checkride",
		Name:      "active_runs",
		Help:      "Runs currently holding an execution slot.",
	})

	metricBrowserLaunches = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "checkride",
		Name:      "browser_launches_total",
		Help:      "Browser runtime launches, including relaunches after failure.",
	})
)

// RecordRun records a terminal run.
func RecordRun(status string, duration time.Duration) {
	metricRunsTotal.WithLabelValues(status).Inc()
	metricRunDuration.Observe(duration.Seconds())
}

// RecordStep records a step outcome.
func RecordStep(action, status string, duration time.Duration) {
	metricStepsTotal.WithLabelValues(action, status).Inc()
	metricStepDuration.Observe(duration.Seconds())
}

// RecordEvidence records a stored artifact.
func RecordEvidence(kind string, sizeBytes int64) {
	metricEvidenceArtifacts.WithLabelValues(kind).Inc()
	metricEvidenceBytes.Add(float64(sizeBytes))
}

// RecordDiagnostics records a diagnostics bridge request outcome.
func RecordDiagnostics(outcome string) {
	metricDiagnosticsRequests.WithLabelValues(outcome).Inc()
}

// IncActiveRuns increments the active runs gauge.
func IncActiveRuns() {
	metricActiveRuns.Inc()
}

// DecActiveRuns decrements the active runs gauge.
func DecActiveRuns() {
	metricActiveRuns.Dec()
}

// RecordBrowserLaunch counts a browser runtime launch.
func RecordBrowserLaunch() {
	metricBrowserLaunches.Inc()
}

// MetricsHandler returns the Prometheus scrape handler.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
