package services

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/huangang/reviewpulse/internal/models"
	"github.com/huangang/reviewpulse/pkg/logger"
	"github.com/redis/go-redis/v9"
)

// EventType names what an AnalysisEvent reports.
type EventType string

const (
	EventProgress  EventType = "progress"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventQueued    EventType = "queued"
	EventPromoted  EventType = "promoted"
)

// ProgressStats carries intermediate counts reported by the workflow engine.
type ProgressStats struct {
	ReviewsCollected int                        `json:"reviews_collected,omitempty"`
	ReviewsAnalyzed  int                        `json:"reviews_analyzed,omitempty"`
	Sentiment        *models.SentimentBreakdown `json:"sentiment,omitempty"`
}

// AnalysisEvent is the message fanned out on every event channel and kept as the job's
// latest snapshot.
type AnalysisEvent struct {
	Type          EventType              `json:"type"`
	JobID         string                 `json:"job_id,omitempty"`
	Target        string                 `json:"target"`
	Progress      int                    `json:"progress"`
	Step          string                 `json:"step,omitempty"`
	Stats         *ProgressStats         `json:"stats,omitempty"`
	Result        *models.AnalysisResult `json:"result,omitempty"`
	Error         string                 `json:"error,omitempty"`
	QueuePosition int                    `json:"queue_position,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
}

// ProgressUpdate is one intermediate report for a job.
type ProgressUpdate struct {
	Progress int
	Step     string
	Stats    *ProgressStats
}

// ProgressBroadcaster persists the latest event per job and publishes events on the job,
// target, global and per-subscriber channels. Failures are logged and never returned.
type ProgressBroadcaster struct {
	rdb         redis.UniversalClient
	snapshotTTL time.Duration
	now         func() time.Time
}

// NewProgressBroadcaster creates a broadcaster whose snapshots live for snapshotTTL.
func NewProgressBroadcaster(rdb redis.UniversalClient, snapshotTTL time.Duration) *ProgressBroadcaster {
	return &ProgressBroadcaster{rdb: rdb, snapshotTTL: snapshotTTL, now: time.Now}
}

// PublishProgress reports an intermediate step of a running job.
func (b *ProgressBroadcaster) PublishProgress(ctx context.Context, job *models.AnalysisJob, update ProgressUpdate) {
	b.publish(ctx, &AnalysisEvent{
		Type:     EventProgress,
		JobID:    job.ID,
		Target:   job.Target,
		Progress: clampProgress(update.Progress),
		Step:     update.Step,
		Stats:    update.Stats,
	})
}

// PublishCompletion reports a completed job and its result.
func (b *ProgressBroadcaster) PublishCompletion(ctx context.Context, job *models.AnalysisJob, result *models.AnalysisResult) {
	b.publish(ctx, &AnalysisEvent{
		Type:     EventCompleted,
		JobID:    job.ID,
		Target:   job.Target,
		Progress: 100,
		Step:     "completed",
		Result:   result,
	})
}

// PublishError reports a failed job.
func (b *ProgressBroadcaster) PublishError(ctx context.Context, job *models.AnalysisJob, errMsg string) {
	b.publish(ctx, &AnalysisEvent{
		Type:   EventFailed,
		JobID:  job.ID,
		Target: job.Target,
		Step:   "failed",
		Error:  errMsg,
	})
}

// Notify sends an event only to one subscriber's channel. Used for queue notices that
// concern a single requester.
func (b *ProgressBroadcaster) Notify(ctx context.Context, subscriberID string, event *AnalysisEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = b.now()
	}
	data, err := json.Marshal(event)
	if err != nil {
		logger.Errorf("[Progress] Failed to encode %s notice: %v", event.Type, err)
		return
	}
	if err := b.rdb.Publish(ctx, SubscriberChannel(subscriberID), data).Err(); err != nil {
		logger.Warnf("[Progress] Failed to notify subscriber %s: %v", subscriberID, err)
	}
}

// PublishQueued tells a requester where it sits in target's queue.
func (b *ProgressBroadcaster) PublishQueued(ctx context.Context, requesterID, target string, position int) {
	b.Notify(ctx, requesterID, &AnalysisEvent{Type: EventQueued, Target: target, QueuePosition: position, Step: "queued"})
}

// PublishPromoted tells a requester its queued request became job.
func (b *ProgressBroadcaster) PublishPromoted(ctx context.Context, requesterID string, job *models.AnalysisJob) {
	b.Notify(ctx, requesterID, &AnalysisEvent{
		Type:     EventPromoted,
		JobID:    job.ID,
		Target:   job.Target,
		Progress: job.Progress,
		Step:     "promoted",
	})
}

// Subscribe registers subscriberID for every future event of jobID.
func (b *ProgressBroadcaster) Subscribe(ctx context.Context, subscriberID, jobID string) error {
	key := jobSubscribersKey(jobID)
	_, err := b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, key, subscriberID)
		pipe.Expire(ctx, key, b.snapshotTTL)
		return nil
	})
	if err != nil {
		return &Error{Kind: KindLockUnavailable, Op: "subscribe", JobID: jobID, Err: err}
	}
	return nil
}

// Unsubscribe removes subscriberID from jobID's subscriber set.
func (b *ProgressBroadcaster) Unsubscribe(ctx context.Context, subscriberID, jobID string) error {
	if err := b.rdb.SRem(ctx, jobSubscribersKey(jobID), subscriberID).Err(); err != nil {
		return &Error{Kind: KindLockUnavailable, Op: "unsubscribe", JobID: jobID, Err: err}
	}
	return nil
}

// LatestProgress returns the last event recorded for jobID, or nil when none is stored.
func (b *ProgressBroadcaster) LatestProgress(ctx context.Context, jobID string) (*AnalysisEvent, error) {
	data, err := b.rdb.Get(ctx, progressKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, &Error{Kind: KindLockUnavailable, Op: "latest progress", JobID: jobID, Err: err}
	}
	var event AnalysisEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, err
	}
	return &event, nil
}

// publish writes the snapshot first so a reader woken by a message always finds it.
func (b *ProgressBroadcaster) publish(ctx context.Context, event *AnalysisEvent) {
	event.Timestamp = b.now()
	data, err := json.Marshal(event)
	if err != nil {
		logger.Errorf("[Progress] Failed to encode %s event for job %s: %v", event.Type, event.JobID, err)
		return
	}

	if err := b.rdb.Set(ctx, progressKey(event.JobID), data, b.snapshotTTL).Err(); err != nil {
		logger.Warnf("[Progress] Failed to store snapshot for job %s: %v", event.JobID, err)
	}

	for _, channel := range []string{JobChannel(event.JobID), TargetChannel(event.Target), GlobalChannel} {
		if err := b.rdb.Publish(ctx, channel, data).Err(); err != nil {
			logger.Warnf("[Progress] Failed to publish %s event on %s: %v", event.Type, channel, err)
		}
	}

	subscribers, err := b.rdb.SMembers(ctx, jobSubscribersKey(event.JobID)).Result()
	if err != nil {
		logger.Warnf("[Progress] Failed to load subscribers for job %s: %v", event.JobID, err)
		return
	}
	for _, sid := range subscribers {
		if err := b.rdb.Publish(ctx, SubscriberChannel(sid), data).Err(); err != nil {
			logger.Warnf("[Progress] Failed to publish to subscriber %s: %v", sid, err)
		}
	}
}
