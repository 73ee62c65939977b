package circuitbreaker

import (
	"sort"
	"sync"

	"delivery-core/internal/domain/entity"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// breakerState tracks breaker state per provider.
	// 0 = closed, 1 = open, 2 = half-open
	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "delivery_circuit_breaker_state",
			Help: "Provider circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"provider"},
	)

	breakerTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delivery_circuit_breaker_transitions_total",
			Help: "Total provider circuit breaker state transitions",
		},
		[]string{"provider", "to"},
	)
)

// Registry owns one breaker per provider for the lifetime of the process.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	defaults Config
}

// NewRegistry creates an empty registry. defaults supplies threshold,
// cooldown and window for breakers created by Register.
func NewRegistry(defaults Config) *Registry {
	return &Registry{
		breakers: make(map[string]*CircuitBreaker),
		defaults: defaults,
	}
}

// Register returns the breaker for providerID, creating it on first use.
func (r *Registry) Register(providerID string, capability entity.Capability) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[providerID]; ok {
		return cb
	}

	cfg := r.defaults
	cfg.Name = providerID
	cfg.Capability = capability
	cb := New(cfg)
	cb.OnStateChange(func(name string, _, to entity.CircuitState) {
		breakerState.WithLabelValues(name).Set(stateValue(to))
		breakerTransitionsTotal.WithLabelValues(name, string(to)).Inc()
	})
	breakerState.WithLabelValues(providerID).Set(0)

	r.breakers[providerID] = cb
	return cb
}

// Get returns the breaker registered for providerID.
func (r *Registry) Get(providerID string) (*CircuitBreaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cb, ok := r.breakers[providerID]
	return cb, ok
}

// Health returns the health of every registered provider ordered by id.
func (r *Registry) Health() []entity.ProviderHealth {
	r.mu.RLock()
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		breakers = append(breakers, cb)
	}
	r.mu.RUnlock()

	sort.Slice(breakers, func(i, j int) bool { return breakers[i].name < breakers[j].name })

	out := make([]entity.ProviderHealth, 0, len(breakers))
	for _, cb := range breakers {
		out = append(out, cb.Health())
	}
	return out
}

// AnyOpen reports whether at least one provider is currently open.
func (r *Registry) AnyOpen() bool {
	for _, h := range r.Health() {
		if h.State == entity.CircuitOpen {
			return true
		}
	}
	return false
}

func stateValue(s entity.CircuitState) float64 {
	switch s {
	case entity.CircuitOpen:
		return 1
	case entity.CircuitHalfOpen:
		return 2
	}
	return 0
}
