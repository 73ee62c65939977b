package ratelimit

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetrics implements Metrics using Prometheus.
//
// Metrics live in their own registry so several limiters and tests can
// coexist; expose it with promhttp.HandlerFor or gather it into the default
// registry via prometheus.Gatherers.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// decisionsTotal counts admission checks by policy and result (allowed/denied).
	decisionsTotal *prometheus.CounterVec

	// checkDuration buckets target sub-millisecond in-memory checks.
	checkDuration *prometheus.HistogramVec

	activeKeys     prometheus.Gauge
	evictionsTotal prometheus.Counter
}

// NewPrometheusMetrics creates a PrometheusMetrics instance with a custom registry.
func NewPrometheusMetrics() *PrometheusMetrics {
	registry := prometheus.NewRegistry()

	decisionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delivery_rate_limit_decisions_total",
			Help: "Total rate limit decisions by policy and result",
		},
		[]string{"policy", "result"},
	)

	checkDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "delivery_rate_limit_check_duration_seconds",
			Help:    "Duration of rate limit check operations",
			Buckets: []float64{0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
		},
		[]string{"policy"},
	)

	activeKeys := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "delivery_rate_limit_active_keys",
		Help: "Current number of tracked rate buckets",
	})

	evictionsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "delivery_rate_limit_evictions_total",
		Help: "Total rate buckets evicted because the key limit was reached",
	})

	registry.MustRegister(decisionsTotal, checkDuration, activeKeys, evictionsTotal)

	return &PrometheusMetrics{
		registry:       registry,
		decisionsTotal: decisionsTotal,
		checkDuration:  checkDuration,
		activeKeys:     activeKeys,
		evictionsTotal: evictionsTotal,
	}
}

// Registry returns the registry holding the limiter metrics.
func (m *PrometheusMetrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *PrometheusMetrics) RecordAllowed(policy string) {
	m.decisionsTotal.WithLabelValues(policy, "allowed").Inc()
}

func (m *PrometheusMetrics) RecordDenied(policy string) {
	m.decisionsTotal.WithLabelValues(policy, "denied").Inc()
}

func (m *PrometheusMetrics) RecordCheckDuration(policy string, duration time.Duration) {
	m.checkDuration.WithLabelValues(policy).Observe(duration.Seconds())
}

func (m *PrometheusMetrics) SetActiveKeys(count int) {
	m.activeKeys.Set(float64(count))
}

func (m *PrometheusMetrics) RecordEviction(count int) {
	m.evictionsTotal.Add(float64(count))
}
