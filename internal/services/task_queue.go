package services

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/hibiken/asynq"
	"github.com/huangang/reviewpulse/internal/config"
	"github.com/huangang/reviewpulse/internal/models"
	"github.com/huangang/reviewpulse/pkg/logger"
)

const (
	// Inbound worker-pool tasks consumed by Worker.
	TaskTypeCompletion = "analysis:completion"
	TaskTypeProgress   = "analysis:progress"

	// Outbound notification topics.
	TopicAnalysisTriggered = "notify:analysis.triggered"
	TopicAnalysisCompleted = "notify:analysis.completed"
	TopicAnalysisFailed    = "notify:analysis.failed"
	TopicAnalysisPromoted  = "notify:analysis.promoted"
)

// JobNotification is the message body of every notify:analysis.* topic.
type JobNotification struct {
	JobID       string           `json:"job_id"`
	Target      string           `json:"target"`
	RequesterID string           `json:"requester_id"`
	Kind        models.JobKind   `json:"kind"`
	Status      models.JobStatus `json:"status"`
	ExternalRef string           `json:"external_ref,omitempty"`
	Error       string           `json:"error,omitempty"`
}

func newJobNotification(job *models.AnalysisJob) JobNotification {
	return JobNotification{
		JobID:       job.ID,
		Target:      job.Target,
		RequesterID: job.RequesterID,
		Kind:        job.Kind,
		Status:      job.Status,
		ExternalRef: job.ExternalWorkflowRef,
		Error:       job.ErrorMessage,
	}
}

// Publisher defines the interface for broker notifications
type Publisher interface {
	// Publish sends message on topic. Callers treat failures as non-fatal.
	Publish(ctx context.Context, topic string, message interface{}) error
	// IsAsync returns true if messages leave the process
	IsAsync() bool
	// Close gracefully shuts down the publisher
	Close() error
}

// Global publisher instance
var (
	globalPublisher Publisher
	publisherOnce   sync.Once
)

// InitPublisher initializes the global publisher based on config
func InitPublisher(cfg *config.Config) Publisher {
	publisherOnce.Do(func() {
		if cfg.Broker.Enabled {
			pub, err := NewAsyncPublisher(&cfg.Redis, &cfg.Broker)
			if err != nil {
				logger.Infof("[Publisher] Broker unavailable, falling back to log-only mode: %v", err)
				globalPublisher = NewLogPublisher()
			} else {
				logger.Infof("[Publisher] Async publisher initialized with Redis at %s", cfg.Redis.Addr)
				globalPublisher = pub
			}
		} else {
			logger.Infof("[Publisher] Log-only publisher initialized (broker disabled)")
			globalPublisher = NewLogPublisher()
		}
	})
	return globalPublisher
}

// GetPublisher returns the global publisher instance
func GetPublisher() Publisher {
	return globalPublisher
}

func asynqRedisOpt(cfg *config.RedisConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
}

// AsyncPublisher implements Publisher using asynq (Redis-based)
type AsyncPublisher struct {
	client *asynq.Client
	queue  string
}

// NewAsyncPublisher creates a new Redis-based publisher
func NewAsyncPublisher(redisCfg *config.RedisConfig, brokerCfg *config.BrokerConfig) (*AsyncPublisher, error) {
	redisOpt := asynqRedisOpt(redisCfg)
	client := asynq.NewClient(redisOpt)

	// Test connection by pinging Redis
	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()

	if _, err := inspector.Queues(); err != nil {
		client.Close()
		return nil, err
	}

	queue := brokerCfg.NotifyQueue
	if queue == "" {
		queue = "notifications"
	}
	return &AsyncPublisher{client: client, queue: queue}, nil
}

// Publish enqueues message as a task whose type is the topic
func (p *AsyncPublisher) Publish(ctx context.Context, topic string, message interface{}) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return err
	}

	t := asynq.NewTask(topic, payload)
	info, err := p.client.EnqueueContext(ctx, t,
		asynq.Queue(p.queue),
		asynq.MaxRetry(3),
	)
	if err != nil {
		return err
	}

	logger.Debug().Str("topic", topic).Str("task_id", info.ID).Str("queue", info.Queue).Msg("[Publisher] Message enqueued")
	return nil
}

// IsAsync returns true for the broker-backed publisher
func (p *AsyncPublisher) IsAsync() bool {
	return true
}

// Close closes the asynq client
func (p *AsyncPublisher) Close() error {
	return p.client.Close()
}

// LogPublisher implements Publisher by logging messages (no broker)
type LogPublisher struct{}

// NewLogPublisher creates a log-only publisher
func NewLogPublisher() *LogPublisher {
	return &LogPublisher{}
}

// Publish logs the topic and message
func (p *LogPublisher) Publish(ctx context.Context, topic string, message interface{}) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return err
	}
	logger.Infof("[Publisher] %s %s", topic, payload)
	return nil
}

// IsAsync returns false for the log publisher
func (p *LogPublisher) IsAsync() bool {
	return false
}

// Close is a no-op for the log publisher
func (p *LogPublisher) Close() error {
	return nil
}
