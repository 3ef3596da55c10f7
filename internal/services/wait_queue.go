package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/huangang/reviewpulse/internal/models"
	"github.com/huangang/reviewpulse/pkg/logger"
	"github.com/redis/go-redis/v9"
)

// Queue keys: 1 ordered members, 2 entry documents, 3 expiry deadlines (unix ms), 4 sequence,
// 5 claims. Every script deletes keys 1-4 once the queue drains so empty queues leave no
// residue. A claim marks a dequeued entry until its promotion settles; Remove clears it, and
// PushFront only reinserts an entry whose claim is still there.

var enqueueScript = redis.NewScript(`
local now = tonumber(ARGV[3])
local members = redis.call("ZRANGE", KEYS[1], 0, -1)
for _, m in ipairs(members) do
	local d = tonumber(redis.call("HGET", KEYS[3], m) or "0")
	if d < now then
		redis.call("ZREM", KEYS[1], m)
		redis.call("HDEL", KEYS[2], m)
		redis.call("HDEL", KEYS[3], m)
	end
end
local added = 0
if not redis.call("ZRANK", KEYS[1], ARGV[1]) then
	local seq = redis.call("INCR", KEYS[4])
	redis.call("ZADD", KEYS[1], seq, ARGV[1])
	redis.call("HSET", KEYS[2], ARGV[1], ARGV[2])
	redis.call("HSET", KEYS[3], ARGV[1], ARGV[4])
	added = 1
end
for i = 1, 4 do
	redis.call("PEXPIRE", KEYS[i], ARGV[5])
end
return {added, redis.call("ZRANK", KEYS[1], ARGV[1]) + 1, redis.call("ZCARD", KEYS[1])}
`)

var dequeueScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local skipped = 0
while true do
	local head = redis.call("ZRANGE", KEYS[1], 0, 0)
	if #head == 0 then
		redis.call("DEL", KEYS[1], KEYS[2], KEYS[3], KEYS[4])
		return {"", skipped}
	end
	local m = head[1]
	local entry = redis.call("HGET", KEYS[2], m)
	local d = tonumber(redis.call("HGET", KEYS[3], m) or "0")
	redis.call("ZREM", KEYS[1], m)
	redis.call("HDEL", KEYS[2], m)
	redis.call("HDEL", KEYS[3], m)
	if redis.call("ZCARD", KEYS[1]) == 0 then
		redis.call("DEL", KEYS[1], KEYS[2], KEYS[3], KEYS[4])
	end
	if entry and d >= now then
		redis.call("HSET", KEYS[5], m, "1")
		redis.call("PEXPIRE", KEYS[5], ARGV[2])
		return {entry, skipped}
	end
	skipped = skipped + 1
end
`)

var pushFrontScript = redis.NewScript(`
if redis.call("HDEL", KEYS[5], ARGV[1]) == 0 then
	return -1
end
local head = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
local score = 0
if #head > 0 then
	score = tonumber(head[2]) - 1
end
redis.call("ZADD", KEYS[1], score, ARGV[1])
redis.call("HSET", KEYS[2], ARGV[1], ARGV[2])
redis.call("HSET", KEYS[3], ARGV[1], ARGV[3])
for i = 1, 4 do
	redis.call("PEXPIRE", KEYS[i], ARGV[4])
end
return redis.call("ZCARD", KEYS[1])
`)

var removeScript = redis.NewScript(`
redis.call("HDEL", KEYS[5], ARGV[1])
local removed = redis.call("ZREM", KEYS[1], ARGV[1])
redis.call("HDEL", KEYS[2], ARGV[1])
redis.call("HDEL", KEYS[3], ARGV[1])
if redis.call("ZCARD", KEYS[1]) == 0 then
	redis.call("DEL", KEYS[1], KEYS[2], KEYS[3], KEYS[4])
end
return removed
`)

// QueueEntry is one requester waiting for a target.
type QueueEntry struct {
	Target      string             `json:"target"`
	RequesterID string             `json:"requester_id"`
	Kind        models.JobKind     `json:"kind"`
	Payload     *models.JobPayload `json:"payload,omitempty"`
	JoinedAt    time.Time          `json:"joined_at"`
	ExpiresAt   time.Time          `json:"expires_at"`
}

// QueueSnapshot is a point-in-time view of a target's queue. Position is 1-based and
// set only when the view is taken for a specific requester.
type QueueSnapshot struct {
	Target        string       `json:"target"`
	Position      int          `json:"position,omitempty"`
	Length        int          `json:"length"`
	AlreadyQueued bool         `json:"already_queued,omitempty"`
	Entries       []QueueEntry `json:"entries,omitempty"`
}

// WaitQueue keeps a FIFO of requesters per target, one entry per requester.
type WaitQueue struct {
	rdb      redis.UniversalClient
	entryTTL time.Duration
	now      func() time.Time
}

// NewWaitQueue creates a queue whose entries are abandoned after entryTTL.
func NewWaitQueue(rdb redis.UniversalClient, entryTTL time.Duration) *WaitQueue {
	return &WaitQueue{rdb: rdb, entryTTL: entryTTL, now: time.Now}
}

func queueKeys(target string) []string {
	return []string{queueKey(target), queueEntriesKey(target), queueDeadlinesKey(target), queueSeqKey(target), queueClaimsKey(target)}
}

func queueErr(op string, err error) error {
	return &Error{Kind: KindLockUnavailable, Op: op, Err: err}
}

// keyTTL bounds the lifetime of the queue keys themselves; entries expire individually.
func (q *WaitQueue) keyTTL() time.Duration {
	return 2 * q.entryTTL
}

// Enqueue appends requesterID to target's queue. When the requester is already waiting the
// queue is unchanged and the snapshot reports AlreadyQueued with the existing position.
func (q *WaitQueue) Enqueue(ctx context.Context, target, requesterID string, kind models.JobKind, payload *models.JobPayload) (*QueueSnapshot, error) {
	if target == "" || requesterID == "" {
		return nil, invalidRequest("enqueue", "target and requester are required")
	}

	now := q.now()
	entry := QueueEntry{
		Target:      target,
		RequesterID: requesterID,
		Kind:        kind,
		Payload:     payload,
		JoinedAt:    now,
		ExpiresAt:   now.Add(q.entryTTL),
	}
	doc, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}

	res, err := enqueueScript.Run(ctx, q.rdb, queueKeys(target),
		requesterID, doc, now.UnixMilli(), entry.ExpiresAt.UnixMilli(), q.keyTTL().Milliseconds(),
	).Int64Slice()
	if err != nil {
		return nil, queueErr("enqueue", err)
	}

	snap := &QueueSnapshot{
		Target:        target,
		Position:      int(res[1]),
		Length:        int(res[2]),
		AlreadyQueued: res[0] == 0,
	}
	if snap.AlreadyQueued {
		logger.Infof("[WaitQueue] %s already queued on %s at position %d", requesterID, target, snap.Position)
	} else {
		logger.Infof("[WaitQueue] %s queued on %s at position %d/%d", requesterID, target, snap.Position, snap.Length)
	}
	return snap, nil
}

// DequeueNext removes and returns the oldest live entry for target, or nil when the queue
// is empty. Expired entries met on the way are dropped.
func (q *WaitQueue) DequeueNext(ctx context.Context, target string) (*QueueEntry, error) {
	res, err := dequeueScript.Run(ctx, q.rdb, queueKeys(target), q.now().UnixMilli(), q.keyTTL().Milliseconds()).Slice()
	if err != nil {
		return nil, queueErr("dequeue", err)
	}
	if len(res) != 2 {
		return nil, queueErr("dequeue", fmt.Errorf("unexpected reply %v", res))
	}

	if skipped, _ := res[1].(int64); skipped > 0 {
		logger.Infof("[WaitQueue] Dropped %d expired entries on %s", skipped, target)
	}
	doc, _ := res[0].(string)
	if doc == "" {
		return nil, nil
	}

	var entry QueueEntry
	if err := json.Unmarshal([]byte(doc), &entry); err != nil {
		return nil, queueErr("dequeue", err)
	}
	return &entry, nil
}

// PushFront reinserts a dequeued entry ahead of every current waiter. Used when the entry
// could not be promoted. It reports false, leaving the queue alone, when the requester
// cancelled after the entry was dequeued.
func (q *WaitQueue) PushFront(ctx context.Context, entry QueueEntry) (bool, error) {
	doc, err := json.Marshal(entry)
	if err != nil {
		return false, err
	}
	n, err := pushFrontScript.Run(ctx, q.rdb, queueKeys(entry.Target),
		entry.RequesterID, doc, entry.ExpiresAt.UnixMilli(), q.keyTTL().Milliseconds(),
	).Int64()
	if err != nil {
		return false, queueErr("push front", err)
	}
	return n >= 0, nil
}

// Settle drops the claim left by DequeueNext once the entry became a job.
func (q *WaitQueue) Settle(ctx context.Context, target, requesterID string) {
	if err := q.rdb.HDel(ctx, queueClaimsKey(target), requesterID).Err(); err != nil {
		logger.Debug().Err(err).Str("target", target).Msg("[WaitQueue] Failed to settle claim")
	}
}

// Remove cancels requesterID's entry. It reports whether a queued entry was removed; an
// entry already dequeued for promotion reads as not queued but will not be reinserted.
func (q *WaitQueue) Remove(ctx context.Context, target, requesterID string) (bool, error) {
	n, err := removeScript.Run(ctx, q.rdb, queueKeys(target), requesterID).Int64()
	if err != nil {
		return false, queueErr("remove", err)
	}
	return n == 1, nil
}

// HasWaiters reports whether target has any queued entry. Store failures read as false.
func (q *WaitQueue) HasWaiters(ctx context.Context, target string) bool {
	n, err := q.rdb.Exists(ctx, queueKey(target)).Result()
	if err != nil {
		logger.Warnf("[WaitQueue] Failed to check waiters on %s: %v", target, err)
		return false
	}
	return n > 0
}

// Snapshot lists target's live entries in FIFO order. When requesterID is set, Position
// is that requester's 1-based place (0 if absent).
func (q *WaitQueue) Snapshot(ctx context.Context, target, requesterID string) (*QueueSnapshot, error) {
	var (
		membersCmd   *redis.ZSliceCmd
		entriesCmd   *redis.MapStringStringCmd
		deadlinesCmd *redis.MapStringStringCmd
	)
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		membersCmd = pipe.ZRangeWithScores(ctx, queueKey(target), 0, -1)
		entriesCmd = pipe.HGetAll(ctx, queueEntriesKey(target))
		deadlinesCmd = pipe.HGetAll(ctx, queueDeadlinesKey(target))
		return nil
	})
	if err != nil {
		return nil, queueErr("snapshot", err)
	}

	docs := entriesCmd.Val()
	deadlines := deadlinesCmd.Val()
	nowMs := q.now().UnixMilli()

	snap := &QueueSnapshot{Target: target}
	for _, z := range membersCmd.Val() {
		member, _ := z.Member.(string)
		deadline, _ := strconv.ParseInt(deadlines[member], 10, 64)
		if deadline < nowMs {
			continue
		}
		var entry QueueEntry
		if err := json.Unmarshal([]byte(docs[member]), &entry); err != nil {
			continue
		}
		snap.Entries = append(snap.Entries, entry)
		if member == requesterID {
			snap.Position = len(snap.Entries)
		}
	}
	snap.Length = len(snap.Entries)
	return snap, nil
}

// Targets lists every target that currently has a queue.
func (q *WaitQueue) Targets(ctx context.Context) ([]string, error) {
	var targets []string
	iter := q.rdb.Scan(ctx, 0, queueKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		targets = append(targets, strings.TrimPrefix(iter.Val(), queueKeyPrefix))
	}
	if err := iter.Err(); err != nil {
		return nil, queueErr("list queues", err)
	}
	return targets, nil
}
