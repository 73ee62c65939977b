package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"delivery-core/internal/domain/entity"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticHealth []entity.ProviderHealth

func (s *staticHealth) Health() []entity.ProviderHealth { return *s }

func TestProviderCollector(t *testing.T) {
	now := time.Date(2026, 3, 31, 12, 0, 0, 0, time.UTC)
	until := now.Add(20 * time.Second)
	src := &staticHealth{
		{ProviderID: "web", Capability: entity.CapabilityChannel, State: entity.CircuitOpen, FailureCount: 5, CooldownUntil: &until},
		{ProviderID: "cloud", Capability: entity.CapabilityChannel, State: entity.CircuitClosed},
		{ProviderID: "claude", Capability: entity.CapabilityInference, State: entity.CircuitHalfOpen, FailureCount: 1},
	}
	c := NewProviderCollector(src)
	c.now = func() time.Time { return now }

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(c))

	expected := `
# HELP delivery_provider_consecutive_failures Consecutive failures counted by the provider's circuit breaker
# TYPE delivery_provider_consecutive_failures gauge
delivery_provider_consecutive_failures{capability="channel",provider="cloud"} 0
delivery_provider_consecutive_failures{capability="channel",provider="web"} 5
delivery_provider_consecutive_failures{capability="inference",provider="claude"} 1
# HELP delivery_provider_cooldown_remaining_seconds Seconds until an open provider breaker allows a probe, 0 when not open
# TYPE delivery_provider_cooldown_remaining_seconds gauge
delivery_provider_cooldown_remaining_seconds{capability="channel",provider="cloud"} 0
delivery_provider_cooldown_remaining_seconds{capability="channel",provider="web"} 20
delivery_provider_cooldown_remaining_seconds{capability="inference",provider="claude"} 0
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected)))

	// A reload that drops a provider removes its series on the next scrape.
	*src = (*src)[1:]
	assert.Equal(t, 4, testutil.CollectAndCount(c))
}

func TestMiddleware_LabelsByPattern(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	h := Middleware(mux)

	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "GET /health/ready", "503"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	after := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "GET /health/ready", "503"))
	assert.Equal(t, before+1, after)

	beforeMiss := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "unmatched", "404"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nope/123", nil))
	assert.Equal(t, beforeMiss+1, testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "unmatched", "404")))
}

func TestRecordHTTPRequest(t *testing.T) {
	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/metrics", "200"))
	RecordHTTPRequest("GET", "/metrics", 200, 15*time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/metrics", "200")))
}
