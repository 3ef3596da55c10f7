package services

import (
	"context"
	"time"

	"github.com/huangang/reviewpulse/internal/config"
	"github.com/redis/go-redis/v9"
)

// Coordination keyspace. Targets are product identifiers and must not be empty.
const (
	keyPrefix         = "analysis:"
	lockKeyPrefix     = keyPrefix + "lock:"
	queueKeyPrefix    = keyPrefix + "queue:"
	progressKeyPrefix = keyPrefix + "progress:"

	eventChannelPrefix = keyPrefix + "events:"
	GlobalChannel      = eventChannelPrefix + "global"
)

func lockKey(target string) string { return lockKeyPrefix + target }

// Queue state lives in five keys; only the ordered set shares the scanned prefix.
func queueKey(target string) string          { return queueKeyPrefix + target }
func queueEntriesKey(target string) string   { return keyPrefix + "queue-entries:" + target }
func queueDeadlinesKey(target string) string { return keyPrefix + "queue-deadlines:" + target }
func queueSeqKey(target string) string       { return keyPrefix + "queue-seq:" + target }
func queueClaimsKey(target string) string    { return keyPrefix + "queue-claims:" + target }

func progressKey(jobID string) string       { return progressKeyPrefix + jobID }
func jobSubscribersKey(jobID string) string { return keyPrefix + "job-subscribers:" + jobID }

func JobChannel(jobID string) string               { return eventChannelPrefix + "job:" + jobID }
func TargetChannel(target string) string           { return eventChannelPrefix + "target:" + target }
func SubscriberChannel(subscriberID string) string { return eventChannelPrefix + "subscriber:" + subscriberID }

// NewRedisClient builds the coordination store client.
func NewRedisClient(cfg *config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
}

// PingRedis reports whether the coordination store answers within timeout.
func PingRedis(ctx context.Context, rdb redis.UniversalClient, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return rdb.Ping(ctx).Err()
}
