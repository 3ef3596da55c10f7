package services

import (
	"context"
	"errors"
	"time"

	"github.com/huangang/reviewpulse/pkg/logger"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only when it still names the caller.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript refreshes the TTL only when the lock still names the caller.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// LockInfo describes the current holder of a target lock.
type LockInfo struct {
	Target     string    `json:"target"`
	OwnerJobID string    `json:"owner_job_id"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// LockManager grants at most one live lock per target. Locks are plain keys with a TTL
// in the coordination store, so a crashed holder is reclaimed once the TTL lapses.
type LockManager struct {
	rdb redis.UniversalClient
	now func() time.Time
}

// NewLockManager creates a lock manager on the given store.
func NewLockManager(rdb redis.UniversalClient) *LockManager {
	return &LockManager{rdb: rdb, now: time.Now}
}

// Acquire atomically claims target for ownerJobID. It returns false when a live lock exists.
// If the store cannot be reached it returns true and logs a degraded-mode warning.
func (m *LockManager) Acquire(ctx context.Context, target, ownerJobID string, ttl time.Duration) bool {
	ok, err := m.rdb.SetNX(ctx, lockKey(target), ownerJobID, ttl).Result()
	if err != nil {
		logger.Warnf("[LockManager] Store unavailable, granting lock on %s to %s without coordination: %v",
			target, ownerJobID, err)
		return true
	}
	if ok {
		logger.Debug().Str("target", target).Str("owner", ownerJobID).Dur("ttl", ttl).Msg("[LockManager] Lock acquired")
	}
	return ok
}

// Release deletes the lock only if ownerJobID still holds it. Releasing an absent or
// foreign lock is a no-op and returns false.
func (m *LockManager) Release(ctx context.Context, target, ownerJobID string) bool {
	n, err := releaseScript.Run(ctx, m.rdb, []string{lockKey(target)}, ownerJobID).Int64()
	if err != nil {
		logger.Warnf("[LockManager] Failed to release lock on %s for %s: %v", target, ownerJobID, err)
		return false
	}
	if n == 0 {
		logger.Debug().Str("target", target).Str("owner", ownerJobID).Msg("[LockManager] Release skipped, lock not owned")
	}
	return n == 1
}

// Extend refreshes the TTL of a lock still owned by ownerJobID.
func (m *LockManager) Extend(ctx context.Context, target, ownerJobID string, ttl time.Duration) bool {
	n, err := extendScript.Run(ctx, m.rdb, []string{lockKey(target)}, ownerJobID, ttl.Milliseconds()).Int64()
	if err != nil {
		logger.Warnf("[LockManager] Failed to extend lock on %s for %s: %v", target, ownerJobID, err)
		return false
	}
	return n == 1
}

// Peek returns the current owner of target, if any. Store failures read as "no lock".
func (m *LockManager) Peek(ctx context.Context, target string) (string, bool) {
	owner, err := m.rdb.Get(ctx, lockKey(target)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logger.Warnf("[LockManager] Failed to read lock on %s: %v", target, err)
		}
		return "", false
	}
	return owner, true
}

// Inspect returns the holder and expiry of target's lock, or nil when unlocked.
func (m *LockManager) Inspect(ctx context.Context, target string) (*LockInfo, error) {
	pipe := m.rdb.Pipeline()
	getCmd := pipe.Get(ctx, lockKey(target))
	ttlCmd := pipe.PTTL(ctx, lockKey(target))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, &Error{Kind: KindLockUnavailable, Op: "inspect lock", Err: err}
	}

	owner, err := getCmd.Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, &Error{Kind: KindLockUnavailable, Op: "inspect lock", Err: err}
	}

	info := &LockInfo{Target: target, OwnerJobID: owner}
	if ttl := ttlCmd.Val(); ttl > 0 {
		info.ExpiresAt = m.now().Add(ttl)
	}
	return info, nil
}
