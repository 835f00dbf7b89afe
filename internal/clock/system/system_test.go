package system

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/cabinet/internal/activity"
	"github.com/JakeFAU/cabinet/internal/entity"
	"github.com/JakeFAU/cabinet/internal/id/uuid"
	"github.com/JakeFAU/cabinet/internal/store"
	"github.com/JakeFAU/cabinet/internal/store/memory"
)

func TestActivityTimestampsAreUTC(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := memory.New()
	log := activity.New(New(), uuid.New(), activity.StoreSink{Store: repo})

	a, err := log.Start(ctx, entity.ActivityCrawling)
	require.NoError(t, err)
	require.NoError(t, log.Finish(ctx, a, entity.ActivityOutcome{IsSuccess: true}))

	recs, err := repo.ListActivities(ctx, store.ActivityFilter{Type: entity.ActivityCrawling})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.NotNil(t, recs[0].Outcome)
	assert.Equal(t, time.UTC, recs[0].StartTime.Location())
	assert.Equal(t, time.UTC, recs[0].Outcome.EndTime.Location())
	assert.False(t, recs[0].Outcome.EndTime.Before(recs[0].StartTime))
}

func TestSleep(t *testing.T) {
	t.Parallel()

	clk := New()
	require.NoError(t, clk.Sleep(context.Background(), 0))

	start := time.Now()
	require.NoError(t, clk.Sleep(context.Background(), 20*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, clk.Sleep(ctx, time.Hour), context.Canceled)
}
