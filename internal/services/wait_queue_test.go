package services

import (
	"context"
	"testing"
	"time"

	"github.com/huangang/reviewpulse/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, ttl time.Duration) (*WaitQueue, *fakeClock) {
	t.Helper()
	_, rdb := newTestRedis(t)
	clock := newFakeClock()
	q := NewWaitQueue(rdb, ttl)
	q.now = clock.Now
	return q, clock
}

func TestWaitQueue_FIFOOrder(t *testing.T) {
	q, _ := newTestQueue(t, time.Hour)
	ctx := context.Background()

	for i, user := range []string{"u1", "u2", "u3"} {
		snap, err := q.Enqueue(ctx, "P1", user, models.JobKindRealtime, nil)
		require.NoError(t, err)
		if snap.Position != i+1 {
			t.Errorf("%s position = %d, expected %d", user, snap.Position, i+1)
		}
	}

	for _, want := range []string{"u1", "u2", "u3"} {
		entry, err := q.DequeueNext(ctx, "P1")
		require.NoError(t, err)
		require.NotNil(t, entry)
		if entry.RequesterID != want {
			t.Errorf("dequeued %q, expected %q", entry.RequesterID, want)
		}
	}

	entry, err := q.DequeueNext(ctx, "P1")
	require.NoError(t, err)
	assert.Nil(t, entry, "empty queue should yield nil")
}

func TestWaitQueue_DuplicateEnqueueIsIdempotent(t *testing.T) {
	q, _ := newTestQueue(t, time.Hour)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "P1", "u1", models.JobKindRealtime, nil)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "P1", "u2", models.JobKindRealtime, nil)
	require.NoError(t, err)

	snap, err := q.Enqueue(ctx, "P1", "u1", models.JobKindBatch, nil)
	require.NoError(t, err)
	assert.True(t, snap.AlreadyQueued)
	assert.Equal(t, 1, snap.Position)
	assert.Equal(t, 2, snap.Length)

	full, err := q.Snapshot(ctx, "P1", "")
	require.NoError(t, err)
	require.Len(t, full.Entries, 2)
	// The original entry is kept untouched.
	assert.Equal(t, models.JobKindRealtime, full.Entries[0].Kind)
}

func TestWaitQueue_ExpiredEntriesSkipped(t *testing.T) {
	q, clock := newTestQueue(t, 10*time.Minute)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "P1", "stale", models.JobKindRealtime, nil)
	require.NoError(t, err)
	clock.Advance(8 * time.Minute)
	_, err = q.Enqueue(ctx, "P1", "fresh", models.JobKindRealtime, nil)
	require.NoError(t, err)
	clock.Advance(5 * time.Minute)

	entry, err := q.DequeueNext(ctx, "P1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	if entry.RequesterID != "fresh" {
		t.Errorf("dequeued %q, expected the live entry", entry.RequesterID)
	}
}

func TestWaitQueue_ExpiredRequesterRejoinsAtTail(t *testing.T) {
	q, clock := newTestQueue(t, 10*time.Minute)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "P1", "u1", models.JobKindRealtime, nil)
	require.NoError(t, err)
	clock.Advance(5 * time.Minute)
	_, err = q.Enqueue(ctx, "P1", "u2", models.JobKindRealtime, nil)
	require.NoError(t, err)
	clock.Advance(6 * time.Minute)

	snap, err := q.Enqueue(ctx, "P1", "u1", models.JobKindRealtime, nil)
	require.NoError(t, err)
	assert.False(t, snap.AlreadyQueued)
	assert.Equal(t, 2, snap.Position)
}

func TestWaitQueue_EmptyQueueLeavesNoKeys(t *testing.T) {
	mr, rdb := newTestRedis(t)
	q := NewWaitQueue(rdb, time.Hour)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "P1", "u1", models.JobKindRealtime, nil)
	require.NoError(t, err)
	_, err = q.DequeueNext(ctx, "P1")
	require.NoError(t, err)
	q.Settle(ctx, "P1", "u1")

	if keys := mr.Keys(); len(keys) != 0 {
		t.Errorf("keys after drain = %v, expected none", keys)
	}
	assert.False(t, q.HasWaiters(ctx, "P1"))

	_, err = q.Enqueue(ctx, "P1", "u2", models.JobKindRealtime, nil)
	require.NoError(t, err)
	removed, err := q.Remove(ctx, "P1", "u2")
	require.NoError(t, err)
	assert.True(t, removed)
	if keys := mr.Keys(); len(keys) != 0 {
		t.Errorf("keys after remove = %v, expected none", keys)
	}
}

func TestWaitQueue_RemoveMissingEntry(t *testing.T) {
	q, _ := newTestQueue(t, time.Hour)
	removed, err := q.Remove(context.Background(), "P1", "ghost")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestWaitQueue_PushFront(t *testing.T) {
	q, _ := newTestQueue(t, time.Hour)
	ctx := context.Background()

	for _, user := range []string{"u1", "u2"} {
		_, err := q.Enqueue(ctx, "P1", user, models.JobKindRealtime, nil)
		require.NoError(t, err)
	}
	head, err := q.DequeueNext(ctx, "P1")
	require.NoError(t, err)
	requeued, err := q.PushFront(ctx, *head)
	require.NoError(t, err)
	assert.True(t, requeued)

	snap, err := q.Snapshot(ctx, "P1", "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Position)
	assert.Equal(t, 2, snap.Length)

	// The claim is consumed by the reinsert.
	head, err = q.DequeueNext(ctx, "P1")
	require.NoError(t, err)
	q.Settle(ctx, "P1", head.RequesterID)
	requeued, err = q.PushFront(ctx, *head)
	require.NoError(t, err)
	assert.False(t, requeued, "settled entries are not reinserted")
}

func TestWaitQueue_CancelDuringPromotionIsFinal(t *testing.T) {
	q, _ := newTestQueue(t, time.Hour)
	ctx := context.Background()

	for _, user := range []string{"u1", "u2"} {
		_, err := q.Enqueue(ctx, "P1", user, models.JobKindRealtime, nil)
		require.NoError(t, err)
	}
	head, err := q.DequeueNext(ctx, "P1")
	require.NoError(t, err)
	require.Equal(t, "u1", head.RequesterID)

	removed, err := q.Remove(ctx, "P1", "u1")
	require.NoError(t, err)
	assert.False(t, removed, "a dequeued entry is no longer queued")

	requeued, err := q.PushFront(ctx, *head)
	require.NoError(t, err)
	assert.False(t, requeued)

	snap, err := q.Snapshot(ctx, "P1", "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Length)
	assert.Zero(t, snap.Position)
}

func TestWaitQueue_PayloadSurvivesRoundTrip(t *testing.T) {
	q, _ := newTestQueue(t, time.Hour)
	ctx := context.Background()

	payload := models.NewPayload(models.JobKindBatch)
	payload.Batch.Platform = "amazon"
	_, err := q.Enqueue(ctx, "P1", "u1", models.JobKindBatch, &payload)
	require.NoError(t, err)

	entry, err := q.DequeueNext(ctx, "P1")
	require.NoError(t, err)
	require.NotNil(t, entry.Payload)
	assert.Equal(t, "amazon", entry.Payload.Batch.Platform)
}

func TestWaitQueue_Targets(t *testing.T) {
	q, _ := newTestQueue(t, time.Hour)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "P1", "u1", models.JobKindRealtime, nil)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "P2", "u1", models.JobKindRealtime, nil)
	require.NoError(t, err)

	targets, err := q.Targets(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"P1", "P2"}, targets)
}

func TestWaitQueue_EnqueueValidation(t *testing.T) {
	q, _ := newTestQueue(t, time.Hour)
	_, err := q.Enqueue(context.Background(), "", "u1", models.JobKindRealtime, nil)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}
