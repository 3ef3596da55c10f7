package services

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/huangang/reviewpulse/internal/config"
	"github.com/huangang/reviewpulse/internal/models"
	"github.com/huangang/reviewpulse/pkg/logger"
	"github.com/robfig/cron/v3"
	"go.uber.org/ratelimit"
)

const (
	pollBatchSize = 100
	pollLeaseName = "status-poller"
)

// PollSummary counts what one poll cycle did.
type PollSummary struct {
	Checked    int `json:"checked"`
	Extended   int `json:"extended"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Promoted   int `json:"promoted"`
	Reconciled int `json:"reconciled"`
	// Skipped is set when a cycle was already running or another instance held the sweep lease.
	Skipped bool `json:"skipped"`
}

// StatusPoller is the fallback completion path. On every tick it asks the workflow engine
// about processing jobs, heartbeats the locks of running ones and applies terminal states
// that no webhook delivered.
type StatusPoller struct {
	orch      *Orchestrator
	cfg       config.SchedulerConfig
	reconcile bool
	owner     string
	limiter   ratelimit.Limiter
	cron      *cron.Cron
	mu        sync.Mutex
	now       func() time.Time
}

func NewStatusPoller(orch *Orchestrator, cfg *config.SchedulerConfig, reconcile bool) *StatusPoller {
	rps := cfg.PollRatePerSec
	if rps <= 0 {
		rps = 5
	}
	return &StatusPoller{
		orch:      orch,
		cfg:       *cfg,
		reconcile: reconcile,
		owner:     instanceID(),
		limiter:   ratelimit.New(rps),
		now:       time.Now,
	}
}

// Start schedules RunOnce on the configured cron spec. Overlapping runs are skipped.
func (p *StatusPoller) Start() error {
	p.cron = cron.New(
		cron.WithParser(cron.NewParser(cron.SecondOptional|cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor)),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	_, err := p.cron.AddFunc(p.cfg.PollSpec, func() {
		summary, err := p.RunOnce(context.Background())
		if err != nil {
			logger.Warnf("[StatusPoller] Poll failed: %v", err)
			return
		}
		if summary.Completed+summary.Failed+summary.Promoted+summary.Reconciled > 0 {
			logger.Infof("[StatusPoller] checked=%d completed=%d failed=%d promoted=%d reconciled=%d",
				summary.Checked, summary.Completed, summary.Failed, summary.Promoted, summary.Reconciled)
		}
	})
	if err != nil {
		return err
	}
	p.cron.Start()
	logger.Infof("[StatusPoller] Scheduler started, spec: %s, rate: %d/s", p.cfg.PollSpec, p.cfg.PollRatePerSec)
	return nil
}

func (p *StatusPoller) Stop() {
	if p.cron != nil {
		<-p.cron.Stop().Done()
	}
}

// RunOnce performs one poll cycle.
func (p *StatusPoller) RunOnce(ctx context.Context) (*PollSummary, error) {
	// An overlapping cron tick skips instead of queueing behind the running cycle.
	if !p.mu.TryLock() {
		return &PollSummary{Skipped: true}, nil
	}
	defer p.mu.Unlock()

	if p.cfg.SweepLease > 0 {
		ok, err := p.orch.ledger.ClaimSweep(ctx, pollLeaseName, p.owner, p.cfg.SweepLease)
		if err != nil {
			logger.Warnf("[StatusPoller] Lease unavailable, polling anyway: %v", err)
		} else if !ok {
			return &PollSummary{Skipped: true}, nil
		}
	}

	jobs, err := p.orch.ledger.ListByStatus(ctx, models.JobStatusProcessing, pollBatchSize)
	if err != nil {
		return nil, err
	}

	summary := &PollSummary{}
	for i := range jobs {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		job := &jobs[i]
		if job.ExternalWorkflowRef == "" {
			continue
		}
		p.limiter.Take()
		summary.Checked++
		p.check(ctx, job, summary)
	}

	promoted, err := p.orch.DrainOrphanedQueues(ctx)
	if err != nil {
		logger.Warnf("[StatusPoller] Failed to scan queues: %v", err)
	}
	summary.Promoted += promoted

	if p.reconcile {
		n, err := p.orch.ReconcileStaleJobs(ctx, pollBatchSize)
		if err != nil {
			logger.Warnf("[StatusPoller] Reconcile failed: %v", err)
		}
		summary.Reconciled = n
	}
	return summary, nil
}

func (p *StatusPoller) check(ctx context.Context, job *models.AnalysisJob, summary *PollSummary) {
	status, err := p.orch.workflow.PollStatus(ctx, job.ExternalWorkflowRef)
	if err != nil {
		logger.Debug().Err(err).Str("job_id", job.ID).Msg("[StatusPoller] Status unavailable")
		return
	}

	switch status.State {
	case WorkflowQueued, WorkflowRunning:
		if p.orch.locks.Extend(ctx, job.Target, job.ID, p.orch.cfg.LockTTL) {
			summary.Extended++
		}
	case WorkflowFailed, WorkflowCanceled:
		msg := status.Message
		if msg == "" {
			msg = "workflow run " + string(status.State)
		}
		if p.apply(ctx, CompletionReport{JobID: job.ID, ExternalRef: job.ExternalWorkflowRef, Error: msg}, summary) {
			summary.Failed++
		}
	case WorkflowSuccess:
		// Give the webhook carrying the full result a head start.
		ended := job.UpdatedAt
		if status.EndedAt != nil {
			ended = *status.EndedAt
		}
		if p.now().Sub(ended) < p.cfg.CompletionGrace {
			return
		}
		report := CompletionReport{JobID: job.ID, ExternalRef: job.ExternalWorkflowRef, Result: &ResultReport{Provisional: true}}
		if tasks, err := p.orch.workflow.PollTasks(ctx, job.ExternalWorkflowRef); err == nil {
			report.Result.ProcessingTimeMs = TotalDuration(tasks).Milliseconds()
		}
		if p.apply(ctx, report, summary) {
			summary.Completed++
		}
	}
}

func (p *StatusPoller) apply(ctx context.Context, report CompletionReport, summary *PollSummary) bool {
	out, err := p.orch.OnExternalCompletion(ctx, report)
	if err != nil {
		logger.Warnf("[StatusPoller] Failed to apply completion for job %s: %v", report.JobID, err)
		return false
	}
	if out.Promoted != nil {
		summary.Promoted++
	}
	return !out.Duplicate
}

func instanceID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.New().String()[:8])
}
