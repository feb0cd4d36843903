// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Optimization metrics
	RunsStarted            prometheus.Counter
	RunsFinished           *prometheus.CounterVec
	CombinationsEvaluated  prometheus.Counter
	BatchDuration          prometheus.Histogram
	RunsInFlight           prometheus.Gauge
	EarlyStops             prometheus.Counter
	OverfittingWindowsSeen prometheus.Counter

	// Pipeline metrics
	PipelineStageResults *prometheus.CounterVec
	PipelinesFinished    *prometheus.CounterVec

	// Watchdog metrics
	WatchdogSweeps      prometheus.Counter
	WatchdogRunsFailed  *prometheus.CounterVec
	WatchdogSweepErrors prometheus.Counter
	WatchdogLastSweepAt prometheus.Gauge

	// Queue metrics
	JobsEnqueued prometheus.Counter
	JobsDequeued prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "strategy_validation_lab"
	}

	return &Metrics{
		// Optimization metrics
		RunsStarted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "optimizer",
			Name:      "runs_started_total",
			Help:      "Total number of optimization runs started",
		}),
		RunsFinished: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "optimizer",
			Name:      "runs_finished_total",
			Help:      "Total number of optimization runs finished by terminal status",
		}, []string{"status"}),
		CombinationsEvaluated: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "optimizer",
			Name:      "combinations_evaluated_total",
			Help:      "Total number of parameter combinations evaluated",
		}),
		BatchDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "optimizer",
			Name:      "batch_duration_seconds",
			Help:      "Evaluation batch duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		}),
		RunsInFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "optimizer",
			Name:      "runs_in_flight",
			Help:      "Number of optimization runs currently executing",
		}),
		EarlyStops: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "optimizer",
			Name:      "early_stops_total",
			Help:      "Total number of runs halted by early stopping",
		}),
		OverfittingWindowsSeen: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "optimizer",
			Name:      "overfitting_windows_total",
			Help:      "Total number of walk-forward windows flagged as overfitting",
		}),

		// Pipeline metrics
		PipelineStageResults: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stage_results_total",
			Help:      "Total number of stage completions by stage and outcome",
		}, []string{"stage", "outcome"}),
		PipelinesFinished: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "pipelines_finished_total",
			Help:      "Total number of pipelines finished by terminal status",
		}, []string{"status"}),

		// Watchdog metrics
		WatchdogSweeps: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watchdog",
			Name:      "sweeps_total",
			Help:      "Total number of watchdog sweeps executed",
		}),
		WatchdogRunsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watchdog",
			Name:      "runs_failed_total",
			Help:      "Total number of runs or pipelines failed by the watchdog, by sweep",
		}, []string{"sweep"}),
		WatchdogSweepErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watchdog",
			Name:      "sweep_errors_total",
			Help:      "Total number of per-record errors during watchdog sweeps",
		}),
		WatchdogLastSweepAt: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "watchdog",
			Name:      "last_sweep_timestamp",
			Help:      "Unix timestamp of the last completed watchdog sweep",
		}),

		// Queue metrics
		JobsEnqueued: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "jobs_enqueued_total",
			Help:      "Total number of jobs enqueued",
		}),
		JobsDequeued: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "jobs_dequeued_total",
			Help:      "Total number of jobs dequeued by workers",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// RecordRunStarted increments the runs started counter.
func RecordRunStarted() {
	DefaultMetrics.RunsStarted.Inc()
}

// RecordRunFinished records a run reaching a terminal status.
func RecordRunFinished(status string) {
	DefaultMetrics.RunsFinished.WithLabelValues(status).Inc()
}

// RecordBatch records one evaluation batch.
func RecordBatch(combinations int, seconds float64) {
	DefaultMetrics.CombinationsEvaluated.Add(float64(combinations))
	DefaultMetrics.BatchDuration.Observe(seconds)
}

// RecordOverfittingWindows adds to the flagged-window counter.
func RecordOverfittingWindows(n int) {
	if n > 0 {
		DefaultMetrics.OverfittingWindowsSeen.Add(float64(n))
	}
}

// RecordStageResult records a pipeline stage completion.
func RecordStageResult(stage string, passed bool) {
	outcome := "failed"
	if passed {
		outcome = "passed"
	}
	DefaultMetrics.PipelineStageResults.WithLabelValues(stage, outcome).Inc()
}

// RecordPipelineFinished records a pipeline reaching a terminal status.
func RecordPipelineFinished(status string) {
	DefaultMetrics.PipelinesFinished.WithLabelValues(status).Inc()
}

// RecordWatchdogFailure records a watchdog-initiated failure.
func RecordWatchdogFailure(sweep string) {
	DefaultMetrics.WatchdogRunsFailed.WithLabelValues(sweep).Inc()
}
