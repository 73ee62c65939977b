package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"delivery-core/internal/domain/entity"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCampaignRepo_StatusTransitions(t *testing.T) {
	r := NewCampaignRepo()
	ctx := context.Background()

	require.NoError(t, r.Create(ctx, &entity.Campaign{ID: "c-1", Name: "spring", Status: entity.CampaignRunning, TotalCount: 2}))
	assert.ErrorIs(t, r.Create(ctx, &entity.Campaign{ID: "c-1"}), entity.ErrInvalidInput)

	require.NoError(t, r.UpdateStatus(ctx, "c-1", entity.CampaignPaused, entity.CampaignRunning))
	err := r.UpdateStatus(ctx, "c-1", entity.CampaignPaused, entity.CampaignRunning)
	assert.ErrorIs(t, err, entity.ErrInvalidTransition)

	_, err = r.Get(ctx, "missing")
	assert.ErrorIs(t, err, entity.ErrNotFound)
}

func TestCampaignRepo_ConcurrentOutcomes(t *testing.T) {
	r := NewCampaignRepo()
	ctx := context.Background()
	require.NoError(t, r.Create(ctx, &entity.Campaign{ID: "c-1", Status: entity.CampaignRunning, TotalCount: 100}))

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		status := entity.StatusSent
		if i%5 == 0 {
			status = entity.StatusFailed
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.ApplyOutcome(ctx, "c-1", status)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	c, err := r.Get(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, 80, c.SentCount)
	assert.Equal(t, 20, c.FailedCount)
	assert.Equal(t, entity.CampaignCompleted, c.Status)
}

func TestCampaignRepo_ListNewestFirst(t *testing.T) {
	r := NewCampaignRepo()
	ctx := context.Background()
	_ = r.Create(ctx, &entity.Campaign{ID: "old", CreatedAt: base})
	_ = r.Create(ctx, &entity.Campaign{ID: "new", CreatedAt: base.Add(time.Hour)})

	list, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "new", list[0].ID)
}

func TestAttemptRepo(t *testing.T) {
	r := NewAttemptRepo()
	ctx := context.Background()

	require.NoError(t, r.Record(ctx, &entity.DeliveryAttempt{QueueItemID: "q-1", ProviderID: "a", AttemptNumber: 1, Outcome: entity.AttemptFailure}))
	require.NoError(t, r.Record(ctx, &entity.DeliveryAttempt{QueueItemID: "q-1", ProviderID: "b", AttemptNumber: 1, Outcome: entity.AttemptSuccess}))

	got, err := r.ListByItem(ctx, "q-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ProviderID)
	assert.Equal(t, "b", got[1].ProviderID)

	none, err := r.ListByItem(ctx, "q-2")
	require.NoError(t, err)
	assert.Empty(t, none)
}
