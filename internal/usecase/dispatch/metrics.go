package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// dispatchTotal counts per-item results of the scheduler.
	dispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delivery_dispatch_total",
			Help: "Total number of dispatched queue items by result",
		},
		[]string{"result"}, // result: sent|failed|cancelled|requeued|deferred|interrupted
	)

	leaseBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "delivery_lease_batch_size",
			Help:    "Number of items leased per scheduler tick",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
		},
	)

	inflight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "delivery_dispatch_inflight",
			Help: "Number of queue items currently being dispatched",
		},
	)

	storeErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "delivery_store_errors_total",
			Help: "Total number of scheduler ticks that failed on the queue store",
		},
	)

	leasesReclaimedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "delivery_leases_reclaimed_total",
			Help: "Total number of expired leases returned to the queue",
		},
	)
)

func recordDispatch(result string) {
	dispatchTotal.WithLabelValues(result).Inc()
}
