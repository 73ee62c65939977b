package campaign_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"delivery-core/internal/domain/entity"
	"delivery-core/internal/infra/adapter/persistence/memory"
	"delivery-core/internal/resilience/circuitbreaker"
	"delivery-core/internal/resilience/retry"
	"delivery-core/internal/usecase/campaign"
	"delivery-core/internal/usecase/dispatch"
	"delivery-core/internal/usecase/router"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

func newManager(t *testing.T) (*campaign.Manager, *memory.QueueStore) {
	t.Helper()
	queue := memory.NewQueueStore(memory.WithClock(func() time.Time { return t0 }))
	return campaign.NewManager(memory.NewCampaignRepo(), queue).WithClock(func() time.Time { return t0 }), queue
}

func recipients(n int) []campaign.Recipient {
	out := make([]campaign.Recipient, n)
	for i := range out {
		out[i] = campaign.Recipient{
			Target: fmt.Sprintf("+1555000%04d", i),
			Vars:   map[string]string{"name": fmt.Sprintf("user%d", i)},
		}
	}
	return out
}

func TestManager_CreateExpandsMembers(t *testing.T) {
	m, queue := newManager(t)
	ctx := context.Background()

	c, err := m.Create(ctx, campaign.CreateRequest{
		Name:       "spring",
		Template:   "Hi {{name}}",
		Recipients: recipients(3),
		Pacing:     10 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, entity.CampaignRunning, c.Status)
	assert.Equal(t, 3, c.TotalCount)

	members, err := queue.ListByCampaign(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, members, 3)
	for i, it := range members {
		assert.Equal(t, entity.KindCampaignMember, it.Kind)
		assert.Equal(t, entity.PriorityNormal, it.Priority)
		assert.Equal(t, entity.DefaultMaxRetries, it.MaxRetries)
		assert.Equal(t, fmt.Sprintf("Hi user%d", i), it.Payload)
		require.NotNil(t, it.ScheduledAt)
		assert.Equal(t, t0.Add(time.Duration(i)*10*time.Second), *it.ScheduledAt)
	}
}

type settlingQueue struct {
	*memory.QueueStore
	settle func(ctx context.Context, campaignID string)
}

func (q *settlingQueue) Enqueue(ctx context.Context, item *entity.QueueItem) (string, error) {
	id, err := q.QueueStore.Enqueue(ctx, item)
	if err == nil && item.CampaignID != nil {
		q.settle(ctx, *item.CampaignID)
	}
	return id, err
}

func TestManager_CreateSucceedsWhenMembersSettleFirst(t *testing.T) {
	ctx := context.Background()
	queue := &settlingQueue{QueueStore: memory.NewQueueStore(memory.WithClock(func() time.Time { return t0 }))}
	m := campaign.NewManager(memory.NewCampaignRepo(), queue).WithClock(func() time.Time { return t0 })
	queue.settle = func(ctx context.Context, campaignID string) {
		require.NoError(t, m.RecordOutcome(ctx, campaignID, entity.StatusSent))
	}

	c, err := m.Create(ctx, campaign.CreateRequest{Name: "flash", Template: "Hi {{name}}", Recipients: recipients(2)})
	require.NoError(t, err)
	assert.Equal(t, entity.CampaignCompleted, c.Status)
	assert.Equal(t, 2, c.SentCount)

	got, err := m.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.CampaignCompleted, got.Status)
}

func TestManager_CreateValidates(t *testing.T) {
	m, _ := newManager(t)

	tests := []struct {
		name  string
		req   campaign.CreateRequest
		field string
	}{
		{name: "no name", req: campaign.CreateRequest{Template: "x", Recipients: recipients(1)}, field: "Name"},
		{name: "no recipients", req: campaign.CreateRequest{Name: "n", Template: "x"}, field: "Recipients"},
		{name: "empty target", req: campaign.CreateRequest{Name: "n", Template: "x", Recipients: []campaign.Recipient{{}}}, field: "Target"},
		{name: "negative pacing", req: campaign.CreateRequest{Name: "n", Template: "x", Recipients: recipients(1), Pacing: -time.Second}, field: "Pacing"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Create(context.Background(), tt.req)
			var verr *entity.ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			assert.True(t, strings.HasSuffix(verr.Field, tt.field), verr.Field)
		})
	}
}

func TestManager_PauseResume(t *testing.T) {
	m, queue := newManager(t)
	ctx := context.Background()
	c, err := m.Create(ctx, campaign.CreateRequest{Name: "n", Template: "x", Recipients: recipients(2)})
	require.NoError(t, err)

	require.NoError(t, m.Pause(ctx, c.ID))
	paused, err := m.IsPaused(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, paused)

	leased, err := queue.LeaseNext(ctx, 10, t0, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, leased, "paused members are not leased")

	assert.ErrorIs(t, m.Pause(ctx, c.ID), entity.ErrInvalidTransition)

	require.NoError(t, m.Resume(ctx, c.ID))
	leased, err = queue.LeaseNext(ctx, 10, t0, time.Minute)
	require.NoError(t, err)
	assert.Len(t, leased, 2)
}

func TestManager_CancelSettlesPendingMembers(t *testing.T) {
	m, queue := newManager(t)
	ctx := context.Background()
	c, err := m.Create(ctx, campaign.CreateRequest{Name: "n", Template: "x", Recipients: recipients(3)})
	require.NoError(t, err)

	// One member is in flight when the campaign is cancelled.
	leased, err := queue.LeaseNext(ctx, 1, t0, time.Minute)
	require.NoError(t, err)
	require.Len(t, leased, 1)

	require.NoError(t, m.Cancel(ctx, c.ID))

	got, err := m.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.CampaignCancelled, got.Status)
	assert.Equal(t, 2, got.CancelledCount)

	inflight, err := queue.Get(ctx, leased[0].ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusProcessing, inflight.Status)
	assert.True(t, inflight.CancelRequested)

	// The in-flight member is delivered anyway and still counted.
	require.NoError(t, queue.Complete(ctx, inflight.ID, entity.StatusSent, ""))
	require.NoError(t, m.RecordOutcome(ctx, c.ID, entity.StatusSent))
	got, err = m.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.CampaignCancelled, got.Status)
	assert.Equal(t, 1, got.SentCount)
	assert.Equal(t, 3, got.Settled())

	assert.ErrorIs(t, m.Cancel(ctx, c.ID), entity.ErrInvalidTransition)
}

func TestManager_UnknownCampaign(t *testing.T) {
	m, _ := newManager(t)
	_, err := m.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, entity.ErrNotFound)
	assert.ErrorIs(t, m.Pause(context.Background(), "missing"), entity.ErrNotFound)
}

type targetProvider struct {
	reject map[string]bool
}

func (p *targetProvider) ID() string                    { return "web" }
func (p *targetProvider) Capability() entity.Capability { return entity.CapabilityChannel }

func (p *targetProvider) Deliver(_ context.Context, item *entity.QueueItem) (*router.Result, error) {
	if p.reject[item.Target] {
		return nil, &entity.PermanentProviderError{ProviderID: "web", StatusCode: 400, Err: errors.New("invalid recipient")}
	}
	return &router.Result{MessageID: "m-" + item.ID}, nil
}

func TestManager_AggregatesDispatchOutcomes(t *testing.T) {
	m, queue := newManager(t)
	ctx := context.Background()

	rs := recipients(100)
	provider := &targetProvider{reject: map[string]bool{}}
	for i := 0; i < 20; i++ {
		provider.reject[rs[i*5].Target] = true
	}

	c, err := m.Create(ctx, campaign.CreateRequest{Name: "bulk", Template: "Hi {{name}}", Recipients: rs})
	require.NoError(t, err)

	// A breaker threshold above the rejection count keeps the provider closed.
	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{FailureThreshold: 1000, Cooldown: time.Minute})
	r := router.New(breakers, memory.NewAttemptRepo())
	require.NoError(t, r.SetChain(entity.CapabilityChannel, []router.Provider{provider}))

	s := dispatch.NewScheduler(queue, r, retry.DefaultPolicy(),
		dispatch.Config{MaxConcurrentDispatches: 8, BatchSize: 8},
		dispatch.WithCampaigns(m),
		dispatch.WithClock(func() time.Time { return t0 }))

	for {
		n, err := s.Tick(ctx)
		require.NoError(t, err)
		if n == 0 {
			break
		}
	}

	got, err := m.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 80, got.SentCount)
	assert.Equal(t, 20, got.FailedCount)
	assert.Equal(t, 0, got.CancelledCount)
	assert.Equal(t, entity.CampaignCompleted, got.Status)

	progress, err := m.Progress(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, map[entity.Status]int{entity.StatusSent: 80, entity.StatusFailed: 20}, progress)
}

func TestRender(t *testing.T) {
	assert.Equal(t, "Hi Ann, code 42", campaign.Render("Hi {{name}}, code {{ code }}", map[string]string{"name": "Ann", "code": "42"}))
	assert.Equal(t, "Hi {{name}}", campaign.Render("Hi {{name}}", nil))
	assert.Equal(t, "Hi {{other}}", campaign.Render("Hi {{other}}", map[string]string{"name": "Ann"}))
}
