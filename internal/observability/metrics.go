package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	RowsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batch_rows_processed_total",
			Help: "Total number of rows processed by terminal status",
		},
		[]string{"status"},
	)
	RowRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "batch_row_retries_total",
			Help: "Total number of row retry attempts",
		},
	)
	RowDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "batch_row_duration_seconds",
			Help:    "Row wall time including retries",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)
	EvaluatorDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "batch_evaluator_duration_seconds",
			Help:    "Single evaluator call duration",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"evaluator"},
	)

	GateActiveTasks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "batch_gate_active_tasks",
			Help: "Number of tasks currently admitted by the concurrency gate",
		},
	)
	RateLimitWaitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "batch_rate_limit_waits_total",
			Help: "Total number of sleeps waiting for a rate-limit window",
		},
	)

	ExportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batch_exports_total",
			Help: "Total number of successful exports by destination",
		},
		[]string{"destination"},
	)
	ExportFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batch_export_failures_total",
			Help: "Total number of failed exports by destination",
		},
		[]string{"destination"},
	)

	StateSavesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "batch_state_saves_total",
			Help: "Total number of state snapshot file writes",
		},
	)

	TokensUsedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "batch_tokens_used_total",
			Help: "Total tokens reported by evaluators",
		},
	)
)

// InitMetrics registers the engine metrics with the default registry.
// Call once per process; library users who skip it still get working
// (unregistered) metric updates.
func InitMetrics() {
	prometheus.MustRegister(RowsProcessedTotal)
	prometheus.MustRegister(RowRetriesTotal)
	prometheus.MustRegister(RowDuration)
	prometheus.MustRegister(EvaluatorDuration)
	prometheus.MustRegister(GateActiveTasks)
	prometheus.MustRegister(RateLimitWaitsTotal)
	prometheus.MustRegister(ExportsTotal)
	prometheus.MustRegister(ExportFailuresTotal)
	prometheus.MustRegister(StateSavesTotal)
	prometheus.MustRegister(TokensUsedTotal)
}
