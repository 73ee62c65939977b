package metrics

import (
	"time"

	"delivery-core/internal/domain/entity"

	"github.com/prometheus/client_golang/prometheus"
)

// ProviderHealthSource reports breaker state for every registered provider.
// router.Router satisfies it.
type ProviderHealthSource interface {
	Health() []entity.ProviderHealth
}

var (
	circuitFailuresDesc = prometheus.NewDesc(
		"delivery_provider_consecutive_failures",
		"Consecutive failures counted by the provider's circuit breaker",
		[]string{"provider", "capability"}, nil,
	)
	cooldownRemainingDesc = prometheus.NewDesc(
		"delivery_provider_cooldown_remaining_seconds",
		"Seconds until an open provider breaker allows a probe, 0 when not open",
		[]string{"provider", "capability"}, nil,
	)
)

// ProviderCollector reads provider health on every scrape, so providers
// added or removed by a configuration reload appear without re-registration.
// State transitions are counted by the circuitbreaker package itself.
type ProviderCollector struct {
	source ProviderHealthSource
	now    func() time.Time
}

// NewProviderCollector creates a collector over source.
func NewProviderCollector(source ProviderHealthSource) *ProviderCollector {
	return &ProviderCollector{source: source, now: time.Now}
}

// Describe implements prometheus.Collector.
func (c *ProviderCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- circuitFailuresDesc
	ch <- cooldownRemainingDesc
}

// Collect implements prometheus.Collector.
func (c *ProviderCollector) Collect(ch chan<- prometheus.Metric) {
	for _, h := range c.source.Health() {
		labels := []string{h.ProviderID, string(h.Capability)}
		ch <- prometheus.MustNewConstMetric(circuitFailuresDesc, prometheus.GaugeValue, float64(h.FailureCount), labels...)
		ch <- prometheus.MustNewConstMetric(cooldownRemainingDesc, prometheus.GaugeValue, c.cooldownRemaining(h), labels...)
	}
}

func (c *ProviderCollector) cooldownRemaining(h entity.ProviderHealth) float64 {
	if h.State != entity.CircuitOpen || h.CooldownUntil == nil {
		return 0
	}
	if d := h.CooldownUntil.Sub(c.now()); d > 0 {
		return d.Seconds()
	}
	return 0
}
