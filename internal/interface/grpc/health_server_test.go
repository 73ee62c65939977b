package grpc

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"

	"delivery-core/internal/domain/entity"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

const bufSize = 1024 * 1024

type mutableHealth struct {
	mu     sync.Mutex
	health []entity.ProviderHealth
}

func (m *mutableHealth) Health() []entity.ProviderHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]entity.ProviderHealth(nil), m.health...)
}

func (m *mutableHealth) set(h ...entity.ProviderHealth) {
	m.mu.Lock()
	m.health = h
	m.mu.Unlock()
}

// setupTestServer creates a bufconn-based gRPC server for testing.
func setupTestServer(t *testing.T, h *HealthServer) healthpb.HealthClient {
	lis := bufconn.Listen(bufSize)
	s := grpc.NewServer()
	h.Register(s)

	go func() {
		if err := s.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			t.Logf("Server error: %v", err)
		}
	}()

	dialer := func(context.Context, string) (net.Conn, error) {
		return lis.Dial()
	}
	conn, err := grpc.NewClient(
		"passthrough://bufnet",
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = conn.Close()
		s.Stop()
		_ = lis.Close()
	})
	return healthpb.NewHealthClient(conn)
}

func check(t *testing.T, client healthpb.HealthClient, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.GetStatus()
}

func TestHealthServer_ReportsBreakerState(t *testing.T) {
	src := &mutableHealth{}
	src.set(
		entity.ProviderHealth{ProviderID: "web", Capability: entity.CapabilityChannel, State: entity.CircuitOpen},
		entity.ProviderHealth{ProviderID: "cloud", Capability: entity.CapabilityChannel, State: entity.CircuitClosed},
		entity.ProviderHealth{ProviderID: "claude", Capability: entity.CapabilityInference, State: entity.CircuitOpen},
	)
	client := setupTestServer(t, NewHealthServer(src))

	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, client, ""))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, client, "provider.web"))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, client, "provider.cloud"))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, client, "delivery.channel"))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, client, "delivery.inference"))
}

func TestHealthServer_RefreshFollowsRecovery(t *testing.T) {
	src := &mutableHealth{}
	src.set(entity.ProviderHealth{ProviderID: "web", Capability: entity.CapabilityChannel, State: entity.CircuitOpen})
	h := NewHealthServer(src)
	client := setupTestServer(t, h)

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, client, "delivery.channel"))

	src.set(entity.ProviderHealth{ProviderID: "web", Capability: entity.CapabilityChannel, State: entity.CircuitHalfOpen})
	h.Refresh()
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, client, "provider.web"))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, client, "delivery.channel"))
}

func TestHealthServer_DroppedProviderIsUnknown(t *testing.T) {
	src := &mutableHealth{}
	src.set(entity.ProviderHealth{ProviderID: "web", Capability: entity.CapabilityChannel, State: entity.CircuitClosed})
	h := NewHealthServer(src)
	client := setupTestServer(t, h)

	src.set()
	h.Refresh()
	assert.Equal(t, healthpb.HealthCheckResponse_SERVICE_UNKNOWN, check(t, client, "provider.web"))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, client, "delivery.channel"))
}

func TestHealthServer_UnregisteredServiceIsNotFound(t *testing.T) {
	client := setupTestServer(t, NewHealthServer(&mutableHealth{}))
	_, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: "provider.nope"})
	assert.Error(t, err)
}

func TestServiceNames(t *testing.T) {
	assert.Equal(t, "provider.web", ServiceName("web"))
	assert.Equal(t, "delivery.inference", CapabilityServiceName(entity.CapabilityInference))
}
