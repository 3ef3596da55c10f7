package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/huangang/reviewpulse/internal/config"
	"github.com/huangang/reviewpulse/internal/models"
	"github.com/huangang/reviewpulse/pkg/logger"
)

const (
	MaxRetryCount  = 3
	RetryInterval  = 5 * time.Minute
	RetryBatchSize = 10
)

// RetryService re-runs failed jobs and re-sends triggers that never reached the engine.
type RetryService struct {
	orch         *Orchestrator
	maxRetries   int
	batchSize    int
	interval     time.Duration
	pendingGrace time.Duration
	now          func() time.Time

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewRetryService(orch *Orchestrator, cfg *config.SchedulerConfig) *RetryService {
	s := &RetryService{
		orch:         orch,
		maxRetries:   cfg.MaxRetries,
		batchSize:    cfg.RetryBatchSize,
		interval:     cfg.RetryInterval,
		pendingGrace: cfg.PendingGrace,
		now:          time.Now,
	}
	if s.maxRetries <= 0 {
		s.maxRetries = MaxRetryCount
	}
	if s.batchSize <= 0 {
		s.batchSize = RetryBatchSize
	}
	if s.interval <= 0 {
		s.interval = RetryInterval
	}
	return s
}

// Start runs both sweeps on a ticker until Stop.
func (s *RetryService) Start() {
	s.stop = make(chan struct{})
	ticker := time.NewTicker(s.interval)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx := context.Background()
				s.ProcessStalePending(ctx)
				s.ProcessFailedJobs(ctx)
			case <-s.stop:
				return
			}
		}
	}()

	logger.Infof("[Retry] Scheduler started, interval: %v, max retries: %d", s.interval, s.maxRetries)
}

func (s *RetryService) Stop() {
	if s.stop == nil {
		return
	}
	close(s.stop)
	s.wg.Wait()
	s.stop = nil
}

// ProcessFailedJobs retries failed jobs below the retry limit. It returns the number restarted.
func (s *RetryService) ProcessFailedJobs(ctx context.Context) int {
	jobs, err := s.orch.ledger.ListRetryable(ctx, s.maxRetries, s.batchSize)
	if err != nil {
		logger.Warnf("[Retry] Failed to fetch failed jobs: %v", err)
		return 0
	}
	if len(jobs) == 0 {
		return 0
	}

	logger.Infof("[Retry] Processing %d failed jobs", len(jobs))

	restarted := 0
	for i := range jobs {
		if s.retryJob(ctx, &jobs[i]) {
			restarted++
		}
	}
	return restarted
}

func (s *RetryService) retryJob(ctx context.Context, job *models.AnalysisJob) bool {
	logger.Infof("[Retry] Retrying job %s (attempt %d/%d)", job.ID, job.RetryCount+1, s.maxRetries)

	_, err := s.orch.RetryJob(ctx, job.ID)
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrTargetBusy):
		logger.Infof("[Retry] Target %s busy, job %s waits for the next sweep", job.Target, job.ID)
	case errors.Is(err, ErrExternalTriggerFailed):
		logger.Warnf("[Retry] Job %s re-trigger failed, left pending: %v", job.ID, err)
	default:
		logger.Warnf("[Retry] Job %s could not be retried: %v", job.ID, err)
	}
	return false
}

// ProcessStalePending re-sends the trigger of pending jobs that never got an external
// reference. It returns the number triggered.
func (s *RetryService) ProcessStalePending(ctx context.Context) int {
	cutoff := s.now().Add(-s.pendingGrace)
	jobs, err := s.orch.ledger.ListStalePending(ctx, cutoff, s.batchSize)
	if err != nil {
		logger.Warnf("[Retry] Failed to fetch stale pending jobs: %v", err)
		return 0
	}

	triggered := 0
	for i := range jobs {
		job := &jobs[i]
		if _, err := s.orch.ResumeTrigger(ctx, job.ID); err != nil {
			logger.Warnf("[Retry] Resume trigger for job %s failed: %v", job.ID, err)
			continue
		}
		logger.Infof("[Retry] Job %s triggered after stalled start", job.ID)
		triggered++
	}
	return triggered
}

// ManualRetry retries jobID regardless of its retry count.
func (s *RetryService) ManualRetry(ctx context.Context, jobID string) (*RequestOutcome, error) {
	return s.orch.RetryJob(ctx, jobID)
}
