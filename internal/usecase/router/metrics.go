package router

import (
	"time"

	"delivery-core/internal/domain/entity"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// providerAttemptsTotal counts provider invocations by outcome.
	providerAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delivery_provider_attempts_total",
			Help: "Total number of provider invocations",
		},
		[]string{"provider", "outcome"}, // outcome: success|failure
	)

	providerLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "delivery_provider_latency_seconds",
			Help:    "Provider call latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"provider"},
	)

	// providerSkippedTotal counts providers passed over without an attempt.
	providerSkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delivery_provider_skipped_total",
			Help: "Total number of providers skipped during dispatch",
		},
		[]string{"provider", "reason"}, // reason: circuit_open|rate_limited|paced
	)
)

func recordAttempt(provider string, outcome entity.AttemptOutcome, latency time.Duration) {
	providerAttemptsTotal.WithLabelValues(provider, string(outcome)).Inc()
	providerLatency.WithLabelValues(provider).Observe(latency.Seconds())
}

func recordSkip(provider, reason string) {
	providerSkippedTotal.WithLabelValues(provider, reason).Inc()
}
