package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/hibiken/asynq"
	"github.com/huangang/reviewpulse/internal/config"
	"github.com/huangang/reviewpulse/pkg/logger"
)

// CompletionSink receives the signals the worker consumes from the broker.
type CompletionSink interface {
	OnExternalCompletion(ctx context.Context, report CompletionReport) (*CompletionOutcome, error)
	ReportProgress(ctx context.Context, report ProgressReport) error
}

// Worker consumes completion and progress tasks from the broker
type Worker struct {
	server  *asynq.Server
	mux     *asynq.ServeMux
	sink    CompletionSink
	running bool
	mu      sync.Mutex
}

// NewWorker creates a worker bound to sink. It returns nil when the broker is disabled.
func NewWorker(redisCfg *config.RedisConfig, brokerCfg *config.BrokerConfig, sink CompletionSink) *Worker {
	if !brokerCfg.Enabled {
		return nil
	}

	concurrency := brokerCfg.Concurrency
	if concurrency <= 0 {
		concurrency = 10
	}
	queue := brokerCfg.Queue
	if queue == "" {
		queue = "default"
	}

	server := asynq.NewServer(
		asynqRedisOpt(redisCfg),
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				queue: 1,
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Warnf("[Worker] Error processing task %s: %v", task.Type(), err)
			}),
		},
	)

	w := &Worker{
		server: server,
		mux:    asynq.NewServeMux(),
		sink:   sink,
	}
	w.mux.HandleFunc(TaskTypeCompletion, w.HandleCompletion)
	w.mux.HandleFunc(TaskTypeProgress, w.HandleProgress)
	return w
}

// Start begins processing tasks
func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}

	logger.Infof("[Worker] Starting async worker...")
	if err := w.server.Start(w.mux); err != nil {
		logger.Errorf("[Worker] Server error: %v", err)
		return err
	}
	w.running = true
	return nil
}

// Stop gracefully shuts down the worker
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}

	logger.Infof("[Worker] Shutting down...")
	w.server.Shutdown()
	w.running = false
	logger.Infof("[Worker] Shutdown complete")
}

// HandleCompletion applies a CompletionReport task.
func (w *Worker) HandleCompletion(ctx context.Context, t *asynq.Task) error {
	var report CompletionReport
	if err := json.Unmarshal(t.Payload(), &report); err != nil {
		logger.Warnf("[Worker] Failed to unmarshal completion: %v", err)
		return fmt.Errorf("decode completion: %v: %w", err, asynq.SkipRetry)
	}

	logger.Infof("[Worker] Processing completion: job_id=%s, succeeded=%t", report.JobID, report.Succeeded())

	out, err := w.sink.OnExternalCompletion(ctx, report)
	if err != nil {
		return retryable(err)
	}
	if out.Duplicate {
		logger.Infof("[Worker] Completion for job %s already applied", report.JobID)
	}
	return nil
}

// HandleProgress applies a ProgressReport task.
func (w *Worker) HandleProgress(ctx context.Context, t *asynq.Task) error {
	var report ProgressReport
	if err := json.Unmarshal(t.Payload(), &report); err != nil {
		return fmt.Errorf("decode progress: %v: %w", err, asynq.SkipRetry)
	}
	return retryable(w.sink.ReportProgress(ctx, report))
}

// retryable marks errors that a redelivery cannot fix so asynq drops the task.
func retryable(err error) error {
	if err == nil {
		return nil
	}
	switch KindOf(err) {
	case KindNotFound, KindInvalidRequest, KindInvalidTransition:
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	return err
}

