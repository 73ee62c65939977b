// Package grpc exposes the worker's health over the standard gRPC health
// checking protocol, so orchestrators and service meshes can probe it.
//
// Service names:
//   - "" reports the process itself
//   - "delivery.<capability>" is SERVING while at least one provider of that
//     capability has a breaker that is not open
//   - "provider.<id>" is NOT_SERVING while that provider's breaker is open
package grpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"delivery-core/internal/domain/entity"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ProviderHealthSource reports breaker state per provider.
type ProviderHealthSource interface {
	Health() []entity.ProviderHealth
}

// HealthServer mirrors provider breaker state into a grpc health.Server.
type HealthServer struct {
	health    *health.Server
	providers ProviderHealthSource
	known     map[string]bool
}

// NewHealthServer creates a HealthServer and publishes an initial snapshot.
func NewHealthServer(providers ProviderHealthSource) *HealthServer {
	h := &HealthServer{
		health:    health.NewServer(),
		providers: providers,
		known:     make(map[string]bool),
	}
	h.Refresh()
	return h
}

// Register adds the health service to s.
func (h *HealthServer) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.health)
}

// ServiceName returns the health service name for a provider.
func ServiceName(providerID string) string {
	return "provider." + providerID
}

// CapabilityServiceName returns the health service name for a capability.
func CapabilityServiceName(c entity.Capability) string {
	return "delivery." + string(c)
}

// Refresh publishes the current breaker state.
func (h *HealthServer) Refresh() {
	h.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	capabilityUp := map[entity.Capability]bool{
		entity.CapabilityChannel:   false,
		entity.CapabilityInference: false,
	}
	seen := make(map[string]bool)
	for _, p := range h.providers.Health() {
		name := ServiceName(p.ProviderID)
		seen[name] = true
		if p.State == entity.CircuitOpen {
			h.health.SetServingStatus(name, healthpb.HealthCheckResponse_NOT_SERVING)
			continue
		}
		h.health.SetServingStatus(name, healthpb.HealthCheckResponse_SERVING)
		capabilityUp[p.Capability] = true
	}

	// Providers dropped from the registry stop being reported.
	for name := range h.known {
		if !seen[name] {
			h.health.SetServingStatus(name, healthpb.HealthCheckResponse_SERVICE_UNKNOWN)
		}
	}
	h.known = seen

	for c, up := range capabilityUp {
		status := healthpb.HealthCheckResponse_NOT_SERVING
		if up {
			status = healthpb.HealthCheckResponse_SERVING
		}
		h.health.SetServingStatus(CapabilityServiceName(c), status)
	}
}

// Run refreshes every interval until ctx is cancelled, then marks every
// service NOT_SERVING.
func (h *HealthServer) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.health.Shutdown()
			return
		case <-ticker.C:
			h.Refresh()
		}
	}
}

// Serve listens on addr and serves the health service until ctx is
// cancelled, then stops gracefully.
func Serve(ctx context.Context, addr string, h *HealthServer, interval time.Duration) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	s := grpc.NewServer()
	h.Register(s)
	go h.Run(ctx, interval)

	errChan := make(chan error, 1)
	go func() {
		slog.Info("grpc health server starting", slog.String("addr", addr))
		errChan <- s.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		s.GracefulStop()
		slog.Info("grpc health server stopped")
		return nil
	case err := <-errChan:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}
