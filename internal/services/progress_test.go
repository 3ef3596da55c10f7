package services

import (
	"context"
	"testing"
	"time"

	"github.com/huangang/reviewpulse/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgressBroadcaster_SnapshotTracksLatestEvent(t *testing.T) {
	_, rdb := newTestRedis(t)
	b := NewProgressBroadcaster(rdb, time.Hour)
	ctx := context.Background()
	job := &models.AnalysisJob{ID: "j1", Target: "P1"}

	got, err := b.LatestProgress(ctx, "j1")
	require.NoError(t, err)
	assert.Nil(t, got)

	b.PublishProgress(ctx, job, ProgressUpdate{Progress: 20, Step: "scraping", Stats: &ProgressStats{ReviewsCollected: 40}})
	b.PublishProgress(ctx, job, ProgressUpdate{Progress: 140, Step: "analyzing"})

	got, err = b.LatestProgress(ctx, "j1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, EventProgress, got.Type)
	assert.Equal(t, 100, got.Progress, "progress is clamped")
	assert.Equal(t, "analyzing", got.Step)
	assert.False(t, got.Timestamp.IsZero())
}

func TestProgressBroadcaster_TerminalEvents(t *testing.T) {
	_, rdb := newTestRedis(t)
	b := NewProgressBroadcaster(rdb, time.Hour)
	ctx := context.Background()

	done := &models.AnalysisJob{ID: "j1", Target: "P1"}
	b.PublishCompletion(ctx, done, &models.AnalysisResult{JobID: "j1", Summary: "good"})
	got, err := b.LatestProgress(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, EventCompleted, got.Type)
	assert.Equal(t, 100, got.Progress)
	require.NotNil(t, got.Result)
	assert.Equal(t, "good", got.Result.Summary)

	failed := &models.AnalysisJob{ID: "j2", Target: "P1"}
	b.PublishError(ctx, failed, "scraper blocked")
	got, err = b.LatestProgress(ctx, "j2")
	require.NoError(t, err)
	assert.Equal(t, EventFailed, got.Type)
	assert.Equal(t, "scraper blocked", got.Error)
}

func TestProgressBroadcaster_SnapshotExpires(t *testing.T) {
	mr, rdb := newTestRedis(t)
	b := NewProgressBroadcaster(rdb, time.Minute)
	ctx := context.Background()

	b.PublishProgress(ctx, &models.AnalysisJob{ID: "j1", Target: "P1"}, ProgressUpdate{Progress: 10})
	mr.FastForward(2 * time.Minute)

	got, err := b.LatestProgress(ctx, "j1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestProgressBroadcaster_SubscribersTracked(t *testing.T) {
	mr, rdb := newTestRedis(t)
	b := NewProgressBroadcaster(rdb, time.Hour)
	ctx := context.Background()

	require.NoError(t, b.Subscribe(ctx, "u1", "j1"))
	require.NoError(t, b.Subscribe(ctx, "u2", "j1"))
	require.NoError(t, b.Subscribe(ctx, "u1", "j1"))

	members, err := mr.SMembers(jobSubscribersKey("j1"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"u1", "u2"}, members)

	require.NoError(t, b.Unsubscribe(ctx, "u2", "j1"))
	members, err = mr.SMembers(jobSubscribersKey("j1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, members)
}

func TestProgressBroadcaster_StoreDownIsSilent(t *testing.T) {
	mr, rdb := newTestRedis(t)
	b := NewProgressBroadcaster(rdb, time.Hour)
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Must return without panicking or blocking.
	b.PublishProgress(ctx, &models.AnalysisJob{ID: "j1", Target: "P1"}, ProgressUpdate{Progress: 10})
	b.Notify(ctx, "u1", &AnalysisEvent{Type: EventQueued, Target: "P1"})
}
