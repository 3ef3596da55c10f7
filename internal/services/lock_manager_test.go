package services

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockManager_AcquireExclusive(t *testing.T) {
	_, rdb := newTestRedis(t)
	m := NewLockManager(rdb)
	ctx := context.Background()

	if !m.Acquire(ctx, "P1", "job-a", time.Minute) {
		t.Fatal("first acquire should succeed")
	}
	if m.Acquire(ctx, "P1", "job-b", time.Minute) {
		t.Error("second acquire on held target should fail")
	}
	if !m.Acquire(ctx, "P2", "job-c", time.Minute) {
		t.Error("acquire on a different target should succeed")
	}

	owner, held := m.Peek(ctx, "P1")
	assert.True(t, held)
	assert.Equal(t, "job-a", owner)
}

func TestLockManager_ReleaseOnlyByOwner(t *testing.T) {
	_, rdb := newTestRedis(t)
	m := NewLockManager(rdb)
	ctx := context.Background()

	require.True(t, m.Acquire(ctx, "P1", "job-a", time.Minute))

	if m.Release(ctx, "P1", "job-b") {
		t.Error("release by non-owner should be a no-op")
	}
	if _, held := m.Peek(ctx, "P1"); !held {
		t.Fatal("lock should survive a foreign release")
	}
	if !m.Release(ctx, "P1", "job-a") {
		t.Error("release by owner should succeed")
	}
	if _, held := m.Peek(ctx, "P1"); held {
		t.Error("lock should be gone after owner release")
	}
	if m.Release(ctx, "P1", "job-a") {
		t.Error("releasing an absent lock should return false")
	}
}

func TestLockManager_ExpiryAllowsReacquire(t *testing.T) {
	mr, rdb := newTestRedis(t)
	m := NewLockManager(rdb)
	ctx := context.Background()

	require.True(t, m.Acquire(ctx, "P1", "job-a", 2*time.Second))
	mr.FastForward(3 * time.Second)

	if !m.Acquire(ctx, "P1", "job-b", 2*time.Second) {
		t.Fatal("acquire after TTL expiry should succeed")
	}
	// The old owner's release must not remove the new holder.
	assert.False(t, m.Release(ctx, "P1", "job-a"))
	owner, _ := m.Peek(ctx, "P1")
	assert.Equal(t, "job-b", owner)
}

func TestLockManager_Extend(t *testing.T) {
	mr, rdb := newTestRedis(t)
	m := NewLockManager(rdb)
	ctx := context.Background()

	require.True(t, m.Acquire(ctx, "P1", "job-a", 2*time.Second))
	mr.FastForward(time.Second)
	require.True(t, m.Extend(ctx, "P1", "job-a", 10*time.Second))
	mr.FastForward(5 * time.Second)

	if _, held := m.Peek(ctx, "P1"); !held {
		t.Error("extended lock should still be held")
	}
	assert.False(t, m.Extend(ctx, "P1", "job-b", time.Minute), "foreign extend should fail")
	assert.False(t, m.Extend(ctx, "P9", "job-a", time.Minute), "extend of absent lock should fail")
}

func TestLockManager_Inspect(t *testing.T) {
	_, rdb := newTestRedis(t)
	m := NewLockManager(rdb)
	ctx := context.Background()

	info, err := m.Inspect(ctx, "P1")
	require.NoError(t, err)
	assert.Nil(t, info)

	require.True(t, m.Acquire(ctx, "P1", "job-a", time.Minute))
	info, err = m.Inspect(ctx, "P1")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, "job-a", info.OwnerJobID)
	assert.False(t, info.ExpiresAt.IsZero())
}

func TestLockManager_ConcurrentAcquireSingleWinner(t *testing.T) {
	_, rdb := newTestRedis(t)
	m := NewLockManager(rdb)
	ctx := context.Background()

	const n = 50
	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if m.Acquire(ctx, "P1", fmt.Sprintf("job-%d", i), time.Minute) {
				atomic.AddInt32(&wins, 1)
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("winners = %d, expected exactly 1", wins)
	}
}

func TestLockManager_FailsOpenWhenStoreDown(t *testing.T) {
	mr, rdb := newTestRedis(t)
	m := NewLockManager(rdb)
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if !m.Acquire(ctx, "P1", "job-a", time.Minute) {
		t.Error("acquire should fail open when the store is unreachable")
	}
	if _, held := m.Peek(ctx, "P1"); held {
		t.Error("peek should report no lock when the store is unreachable")
	}
}
