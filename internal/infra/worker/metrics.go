package worker

import (
	"delivery-core/internal/pkg/config"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// WorkerMetrics provides Prometheus metrics for the worker process.
//
// Embedded metrics (from ConfigMetrics):
//   - worker_config_load_timestamp
//   - worker_config_validation_errors_total{field}
//   - worker_config_fallbacks_total{field}
//   - worker_config_fallback_active
//
// Retention job metrics:
//   - worker_retention_runs_total{status}
//   - worker_retention_duration_seconds
//   - worker_retention_purged_items_total
//   - worker_retention_last_success_timestamp
type WorkerMetrics struct {
	*config.ConfigMetrics

	RetentionRunsTotal            *prometheus.CounterVec
	RetentionDurationSeconds      prometheus.Histogram
	RetentionPurgedItemsTotal     prometheus.Counter
	RetentionLastSuccessTimestamp prometheus.Gauge
}

// NewWorkerMetrics registers the worker metrics with reg. A nil reg uses
// the default registerer.
func NewWorkerMetrics(reg prometheus.Registerer) *WorkerMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &WorkerMetrics{
		ConfigMetrics: config.NewConfigMetrics("worker", reg),

		RetentionRunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_retention_runs_total",
			Help: "Total number of retention purge runs by status (success/failure)",
		}, []string{"status"}),

		RetentionDurationSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "worker_retention_duration_seconds",
			Help:    "Duration of retention purge runs in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 30, 60, 300},
		}),

		RetentionPurgedItemsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "worker_retention_purged_items_total",
			Help: "Total number of terminal queue items deleted by retention",
		}),

		RetentionLastSuccessTimestamp: factory.NewGauge(prometheus.GaugeOpts{
			Name: "worker_retention_last_success_timestamp",
			Help: "Unix timestamp of the last successful retention run",
		}),
	}
}

// RecordRetentionRun records one retention run.
func (m *WorkerMetrics) RecordRetentionRun(seconds float64, purged int, err error) {
	m.RetentionDurationSeconds.Observe(seconds)
	if err != nil {
		m.RetentionRunsTotal.WithLabelValues("failure").Inc()
		return
	}
	m.RetentionRunsTotal.WithLabelValues("success").Inc()
	m.RetentionPurgedItemsTotal.Add(float64(purged))
	m.RetentionLastSuccessTimestamp.SetToCurrentTime()
}
