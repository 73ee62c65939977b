package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"delivery-core/internal/domain/entity"
	"delivery-core/internal/observability/metrics"
	"delivery-core/internal/observability/tracing"
)

// ProviderHealthSource reports breaker state per provider.
// *router.Router satisfies it.
type ProviderHealthSource interface {
	Health() []entity.ProviderHealth
}

// HealthServer provides HTTP endpoints for health checks:
//   - /health: liveness probe (always 200 OK)
//   - /health/ready: readiness probe (503 until SetReady(true), or when the
//     dispatcher has not ticked within the staleness bound)
//   - /health/providers: breaker state per provider (503 if any is open)
//
// The server supports graceful shutdown via context cancellation.
type HealthServer struct {
	addr      string
	logger    *slog.Logger
	isReady   *atomic.Bool
	server    *http.Server
	providers ProviderHealthSource
	lastTick  func() time.Time
	maxStale  time.Duration
	now       func() time.Time
}

// healthResponse is the JSON response format for health check endpoints.
type healthResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

type providerHealthResponse struct {
	Status    string                 `json:"status"`
	Providers []providerHealthStatus `json:"providers"`
}

type providerHealthStatus struct {
	ID            string     `json:"id"`
	Capability    string     `json:"capability"`
	State         string     `json:"state"`
	FailureCount  int        `json:"failure_count"`
	OpenedAt      *time.Time `json:"opened_at,omitempty"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
}

// NewHealthServer creates a new health check server listening on addr.
// It starts as not ready.
func NewHealthServer(addr string, logger *slog.Logger) *HealthServer {
	return &HealthServer{
		addr:    addr,
		logger:  logger,
		isReady: &atomic.Bool{},
		now:     time.Now,
	}
}

// WithProviders enables /health/providers.
func (h *HealthServer) WithProviders(src ProviderHealthSource) *HealthServer {
	h.providers = src
	return h
}

// WithTickSource makes readiness fail when lastTick is older than maxStale.
// A zero lastTick (dispatcher not started yet) is not considered stale.
func (h *HealthServer) WithTickSource(lastTick func() time.Time, maxStale time.Duration) *HealthServer {
	h.lastTick = lastTick
	h.maxStale = maxStale
	return h
}

// Handler returns the health mux.
func (h *HealthServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.handleLiveness)
	mux.HandleFunc("/health/ready", h.handleReadiness)
	mux.HandleFunc("/health/providers", h.handleProviders)
	return mux
}

// Start serves until ctx is cancelled, then shuts down with a 5-second
// timeout and returns http.ErrServerClosed.
func (h *HealthServer) Start(ctx context.Context) error {
	h.server = &http.Server{
		Addr:         h.addr,
		Handler:      tracing.Middleware(metrics.Middleware(h.Handler())),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		h.logger.Info("health server starting", slog.String("addr", h.addr))
		if err := h.server.ListenAndServe(); err != nil {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		h.logger.Info("health server shutting down")
		if err := h.server.Shutdown(shutdownCtx); err != nil {
			h.logger.Error("health server shutdown failed", slog.Any("error", err))
			return err
		}
		h.logger.Info("health server stopped")
		return http.ErrServerClosed

	case err := <-errChan:
		if err != http.ErrServerClosed {
			h.logger.Error("health server failed", slog.Any("error", err))
		}
		return err
	}
}

// SetReady sets the readiness state reported by /health/ready.
func (h *HealthServer) SetReady(ready bool) {
	h.isReady.Store(ready)
	h.logger.Info("health server readiness changed", slog.Bool("ready", ready))
}

func (h *HealthServer) handleLiveness(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

func (h *HealthServer) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if !h.isReady.Load() {
		h.writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "not ready"})
		return
	}
	if h.lastTick != nil && h.maxStale > 0 {
		last := h.lastTick()
		if !last.IsZero() && h.now().Sub(last) > h.maxStale {
			h.writeJSON(w, http.StatusServiceUnavailable, healthResponse{
				Status: "not ready",
				Reason: "dispatcher stalled since " + last.UTC().Format(time.RFC3339),
			})
			return
		}
	}
	h.writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

func (h *HealthServer) handleProviders(w http.ResponseWriter, r *http.Request) {
	if h.providers == nil {
		h.writeJSON(w, http.StatusOK, providerHealthResponse{Status: "ok", Providers: []providerHealthStatus{}})
		return
	}

	health := h.providers.Health()
	resp := providerHealthResponse{Status: "ok", Providers: make([]providerHealthStatus, 0, len(health))}
	for _, p := range health {
		if p.State == entity.CircuitOpen {
			resp.Status = "degraded"
		}
		resp.Providers = append(resp.Providers, providerHealthStatus{
			ID:            p.ProviderID,
			Capability:    string(p.Capability),
			State:         string(p.State),
			FailureCount:  p.FailureCount,
			OpenedAt:      p.OpenedAt,
			CooldownUntil: p.CooldownUntil,
		})
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, resp)
}

func (h *HealthServer) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("failed to encode health response", slog.Any("error", err))
	}
}
