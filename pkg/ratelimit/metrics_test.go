package ratelimit

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusMetrics_Registry(t *testing.T) {
	m := NewPrometheusMetrics()

	m.RecordAllowed("recipient")
	m.RecordDenied("recipient")
	m.RecordCheckDuration("recipient", time.Millisecond)
	m.SetActiveKeys(4)
	m.RecordEviction(2)

	families, err := m.Registry().Gather()
	require.NoError(t, err)

	names := make(map[string]*dto.MetricFamily)
	for _, mf := range families {
		names[mf.GetName()] = mf
	}

	for _, want := range []string{
		"delivery_rate_limit_decisions_total",
		"delivery_rate_limit_check_duration_seconds",
		"delivery_rate_limit_active_keys",
		"delivery_rate_limit_evictions_total",
	} {
		assert.Contains(t, names, want)
	}

	assert.Equal(t, float64(4), names["delivery_rate_limit_active_keys"].GetMetric()[0].GetGauge().GetValue())
	assert.Equal(t, float64(2), names["delivery_rate_limit_evictions_total"].GetMetric()[0].GetCounter().GetValue())
}

func TestPrometheusMetrics_LimiterIntegration(t *testing.T) {
	m := NewPrometheusMetrics()
	clock := NewMockClock(time.Now())
	l := NewLimiter(Config{
		Policies: map[string]Policy{"global": {Limit: 1, Window: time.Minute}},
	}, WithClock(clock), WithMetrics(m))

	l.Allow(t.Context(), GlobalKey)
	l.Allow(t.Context(), GlobalKey)
	l.Allow(t.Context(), GlobalKey)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.decisionsTotal.WithLabelValues("global", "allowed")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.decisionsTotal.WithLabelValues("global", "denied")))
}

func TestNoOpMetrics(t *testing.T) {
	var m Metrics = NewNoOpMetrics()
	m.RecordAllowed("x")
	m.RecordDenied("x")
	m.RecordCheckDuration("x", time.Second)
	m.SetActiveKeys(1)
	m.RecordEviction(1)
}
