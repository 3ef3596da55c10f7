package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/huangang/reviewpulse/internal/config"
	"github.com/huangang/reviewpulse/internal/models"
	"github.com/huangang/reviewpulse/pkg/logger"
	"github.com/rs/zerolog"
)

// RequestStatus is the outcome class of an analysis request. All three are successes.
type RequestStatus string

const (
	RequestTriggered RequestStatus = "triggered"
	RequestQueued    RequestStatus = "queued"
	RequestSharing   RequestStatus = "sharing"
)

// AnalysisRequest asks for an analysis of Target on behalf of RequesterID.
type AnalysisRequest struct {
	Target      string             `json:"target"`
	RequesterID string             `json:"requester_id"`
	Kind        models.JobKind     `json:"kind"`
	Payload     *models.JobPayload `json:"payload,omitempty"`
}

// RequestOutcome describes what happened to a request.
type RequestOutcome struct {
	Status              RequestStatus       `json:"status"`
	Target              string              `json:"target"`
	RequesterID         string              `json:"requester_id"`
	JobID               string              `json:"job_id,omitempty"`
	ExternalRef         string              `json:"external_ref,omitempty"`
	QueuePosition       int                 `json:"queue_position,omitempty"`
	QueueLength         int                 `json:"queue_length,omitempty"`
	AlreadyQueued       bool                `json:"already_queued,omitempty"`
	Promoted            bool                `json:"promoted,omitempty"`
	ActiveJob           *models.AnalysisJob `json:"active_job,omitempty"`
	EstimatedCompletion *time.Time          `json:"estimated_completion,omitempty"`
}

// ResultReport is the analysis output delivered by the workflow engine.
type ResultReport struct {
	Sentiment        models.SentimentBreakdown `json:"sentiment_breakdown"`
	Summary          string                    `json:"summary"`
	Keywords         []string                  `json:"keywords"`
	ReviewCount      int                       `json:"review_count"`
	Rating           float64                   `json:"rating"`
	ProcessingTimeMs int64                     `json:"processing_time_ms"`
	// Provisional marks a timing-only result inferred from the engine's run status.
	Provisional      bool                      `json:"provisional,omitempty"`
}

func (r *ResultReport) toModel(job *models.AnalysisJob) *models.AnalysisResult {
	result := &models.AnalysisResult{JobID: job.ID, Target: job.Target}
	if r == nil {
		return result
	}
	result.Sentiment = r.Sentiment
	result.Summary = r.Summary
	result.Keywords = r.Keywords
	result.ReviewCount = r.ReviewCount
	if result.ReviewCount == 0 {
		result.ReviewCount = r.Sentiment.Total()
	}
	result.Rating = r.Rating
	result.ProcessingTimeMs = r.ProcessingTimeMs
	result.Provisional = r.Provisional
	return result
}

// CompletionReport is a terminal signal for a job, from a webhook, the broker or the poller.
// An empty Error means success.
type CompletionReport struct {
	JobID       string        `json:"job_id"`
	ExternalRef string        `json:"external_ref,omitempty"`
	Result      *ResultReport `json:"result,omitempty"`
	Error       string        `json:"error,omitempty"`
}

func (r CompletionReport) Succeeded() bool { return r.Error == "" }

// CompletionOutcome reports how a completion was applied.
type CompletionOutcome struct {
	Job       *models.AnalysisJob `json:"job"`
	Duplicate bool                `json:"duplicate,omitempty"`
	Promoted  *RequestOutcome     `json:"promoted,omitempty"`
}

// ProgressReport is an intermediate signal for a running job.
type ProgressReport struct {
	JobID    string         `json:"job_id"`
	Progress int            `json:"progress"`
	Step     string         `json:"step"`
	Stats    *ProgressStats `json:"stats,omitempty"`
}

// JobStatusView joins a job's durable record with its live coordination state.
type JobStatusView struct {
	Job    *models.AnalysisJob    `json:"job"`
	Result *models.AnalysisResult `json:"result,omitempty"`
	Live   *AnalysisEvent         `json:"live,omitempty"`
	Queue  *QueueSnapshot         `json:"queue,omitempty"`
	Lock   *LockInfo              `json:"lock,omitempty"`
}

// TargetStatusView is the coordination state of one target.
type TargetStatusView struct {
	Target    string              `json:"target"`
	Lock      *LockInfo           `json:"lock,omitempty"`
	ActiveJob *models.AnalysisJob `json:"active_job,omitempty"`
	Queue     *QueueSnapshot      `json:"queue"`
}

const (
	DefaultRealtimeEstimate = 2 * time.Minute
	DefaultBatchEstimate    = 15 * time.Minute
)

// OrchestratorConfig tunes the orchestrator.
type OrchestratorConfig struct {
	LockTTL            time.Duration
	AcquireAttempts    int
	EstimatedDurations map[models.JobKind]time.Duration
}

// OrchestratorConfigFrom derives orchestrator settings from the coordination config.
func OrchestratorConfigFrom(cfg *config.CoordinationConfig) OrchestratorConfig {
	return OrchestratorConfig{
		LockTTL:         cfg.LockTTL,
		AcquireAttempts: cfg.AcquireAttempts,
	}
}

// OrchestratorDeps are the collaborators of an Orchestrator. Publisher and Archive are optional.
type OrchestratorDeps struct {
	Locks     *LockManager
	Queue     *WaitQueue
	Ledger    *JobLedger
	Progress  *ProgressBroadcaster
	Workflow  WorkflowClient
	Publisher Publisher
	Archive   ResultArchive
}

// Orchestrator decides whether a request triggers, queues behind or shares an analysis, and
// drives jobs through completion and queue promotion. It holds no in-process locks; mutual
// exclusion per target comes from the LockManager alone.
type Orchestrator struct {
	locks     *LockManager
	queue     *WaitQueue
	ledger    *JobLedger
	progress  *ProgressBroadcaster
	workflow  WorkflowClient
	publisher Publisher
	archive   ResultArchive

	cfg   OrchestratorConfig
	newID func() string
	now   func() time.Time
	log   zerolog.Logger
}

// NewOrchestrator wires an orchestrator from its collaborators.
func NewOrchestrator(deps OrchestratorDeps, cfg OrchestratorConfig) *Orchestrator {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Minute
	}
	if cfg.AcquireAttempts <= 0 {
		cfg.AcquireAttempts = 3
	}
	if cfg.EstimatedDurations == nil {
		cfg.EstimatedDurations = map[models.JobKind]time.Duration{
			models.JobKindRealtime: DefaultRealtimeEstimate,
			models.JobKindBatch:    DefaultBatchEstimate,
		}
	}
	if deps.Publisher == nil {
		deps.Publisher = NewLogPublisher()
	}
	if deps.Archive == nil {
		deps.Archive = NopResultArchive{}
	}
	return &Orchestrator{
		locks:     deps.Locks,
		queue:     deps.Queue,
		ledger:    deps.Ledger,
		progress:  deps.Progress,
		workflow:  deps.Workflow,
		publisher: deps.Publisher,
		archive:   deps.Archive,
		cfg:       cfg,
		newID:     uuid.NewString,
		now:       time.Now,
		log:       logger.Component("orchestrator"),
	}
}

// RequestAnalysis triggers a new job when target is free, otherwise queues the requester
// or, when the running job is the requester's own, subscribes it to that job.
func (o *Orchestrator) RequestAnalysis(ctx context.Context, req AnalysisRequest) (*RequestOutcome, error) {
	if req.Target == "" || req.RequesterID == "" {
		return nil, invalidRequest("request analysis", "target and requester_id are required")
	}
	payload := models.NewPayload(req.Kind)
	if req.Payload != nil {
		payload = *req.Payload
	}
	normalized, err := payload.Normalize(req.Kind)
	if err != nil {
		return nil, invalidRequest("request analysis", "%v", err)
	}
	req.Payload = &normalized

	for attempt := 0; attempt < o.cfg.AcquireAttempts; attempt++ {
		if owner, held := o.locks.Peek(ctx, req.Target); held {
			return o.joinOrShare(ctx, req, owner)
		}
		// Free target with waiters: join the line so earlier requesters go first.
		if o.queue.HasWaiters(ctx, req.Target) {
			return o.joinOrShare(ctx, req, "")
		}

		jobID := o.newID()
		if o.locks.Acquire(ctx, req.Target, jobID, o.cfg.LockTTL) {
			job, err := o.startJob(ctx, jobID, req)
			if err != nil {
				return nil, err
			}
			return o.triggeredOutcome(job), nil
		}
		o.log.Debug().Str("target", req.Target).Int("attempt", attempt+1).Msg("lost lock race")
	}
	return o.joinOrShare(ctx, req, "")
}

func (o *Orchestrator) joinOrShare(ctx context.Context, req AnalysisRequest, owner string) (*RequestOutcome, error) {
	var active *models.AnalysisJob
	if owner != "" {
		job, err := o.ledger.Get(ctx, owner)
		switch {
		case err == nil:
			active = job
		case errors.Is(err, ErrNotFound):
			// Holder has the lock but has not written its row yet.
		default:
			return nil, err
		}
	}

	if active != nil && !active.Status.IsTerminal() && active.RequesterID == req.RequesterID {
		if err := o.progress.Subscribe(ctx, req.RequesterID, active.ID); err != nil {
			o.log.Warn().Err(err).Str("job_id", active.ID).Msg("failed to subscribe sharing requester")
		}
		return &RequestOutcome{
			Status:              RequestSharing,
			Target:              req.Target,
			RequesterID:         req.RequesterID,
			JobID:               active.ID,
			ExternalRef:         active.ExternalWorkflowRef,
			ActiveJob:           active,
			EstimatedCompletion: o.estimate(active),
		}, nil
	}

	snap, err := o.queue.Enqueue(ctx, req.Target, req.RequesterID, req.Kind, req.Payload)
	if err != nil {
		return nil, err
	}

	// The holder may have finished between the lock check and the enqueue.
	if _, held := o.locks.Peek(ctx, req.Target); !held {
		promoted, err := o.drain(ctx, req.Target)
		if promoted != nil && promoted.RequesterID == req.RequesterID {
			if err != nil {
				return nil, err
			}
			return promoted, nil
		}
		if err != nil {
			o.log.Warn().Err(err).Str("target", req.Target).Msg("drain after enqueue failed")
		}
		if promoted != nil {
			if job, gerr := o.ledger.Get(ctx, promoted.JobID); gerr == nil {
				active = job
			}
		}
		if fresh, serr := o.queue.Snapshot(ctx, req.Target, req.RequesterID); serr == nil && fresh.Position > 0 {
			snap.Position, snap.Length = fresh.Position, fresh.Length
		}
	}

	o.progress.PublishQueued(ctx, req.RequesterID, req.Target, snap.Position)
	return &RequestOutcome{
		Status:              RequestQueued,
		Target:              req.Target,
		RequesterID:         req.RequesterID,
		QueuePosition:       snap.Position,
		QueueLength:         snap.Length,
		AlreadyQueued:       snap.AlreadyQueued,
		ActiveJob:           active,
		EstimatedCompletion: o.estimate(active),
	}, nil
}

// startJob runs under a freshly acquired lock. A job row that cannot be written gives the
// lock back; a failed trigger keeps it, because the pending job still owns the target.
func (o *Orchestrator) startJob(ctx context.Context, jobID string, req AnalysisRequest) (*models.AnalysisJob, error) {
	job, err := o.ledger.Create(ctx, CreateJobParams{
		ID:          jobID,
		Target:      req.Target,
		RequesterID: req.RequesterID,
		Kind:        req.Kind,
		Payload:     *req.Payload,
	})
	if err != nil {
		o.locks.Release(ctx, req.Target, jobID)
		return nil, err
	}
	if err := o.progress.Subscribe(ctx, req.RequesterID, job.ID); err != nil {
		o.log.Warn().Err(err).Str("job_id", job.ID).Msg("failed to subscribe requester")
	}
	return o.triggerJob(ctx, job)
}

func (o *Orchestrator) triggerJob(ctx context.Context, job *models.AnalysisJob) (*models.AnalysisJob, error) {
	product, err := o.archive.GetProduct(ctx, job.Target)
	if err != nil {
		o.log.Warn().Err(err).Str("target", job.Target).Msg("product metadata unavailable")
		product = nil
	}

	resp, err := o.workflow.Trigger(ctx, TriggerRequest{
		IdempotencyKey: job.ID,
		JobID:          job.ID,
		Kind:           job.Kind,
		Target:         job.Target,
		RequesterID:    job.RequesterID,
		Payload:        job.Payload,
		Product:        product,
	})
	if err != nil {
		o.log.Warn().Err(err).Str("job_id", job.ID).Str("target", job.Target).Msg("workflow trigger failed, job left pending")
		return job, &Error{Kind: KindExternalTriggerFailed, Op: "trigger workflow", JobID: job.ID, Err: err}
	}

	updated, err := o.ledger.Transition(ctx, job.ID, models.JobStatusProcessing, WithExternalRef(resp.ExternalRef))
	if err != nil {
		if !errors.Is(err, ErrInvalidTransition) {
			return job, err
		}
		// The run's completion was applied before the trigger call returned.
		current, gerr := o.ledger.Get(ctx, job.ID)
		if gerr != nil {
			return job, gerr
		}
		return current, nil
	}

	o.log.Info().Str("job_id", updated.ID).Str("target", updated.Target).Str("external_ref", resp.ExternalRef).Msg("analysis triggered")
	o.progress.PublishProgress(ctx, updated, ProgressUpdate{Progress: updated.Progress, Step: "triggered"})
	o.notify(ctx, TopicAnalysisTriggered, updated)
	return updated, nil
}

// drain promotes the oldest live waiter of target. It returns nil when the queue is empty or
// the lock was taken by someone else in the meantime. The lock is taken before the waiter is
// dequeued, so a waiter never leaves the queue while the target is busy. When a job row was
// created but its trigger failed, the partial outcome is returned together with the error.
func (o *Orchestrator) drain(ctx context.Context, target string) (*RequestOutcome, error) {
	if !o.queue.HasWaiters(ctx, target) {
		return nil, nil
	}
	jobID := o.newID()
	if !o.locks.Acquire(ctx, target, jobID, o.cfg.LockTTL) {
		return nil, nil
	}
	entry, err := o.queue.DequeueNext(ctx, target)
	if err != nil || entry == nil {
		o.locks.Release(ctx, target, jobID)
		return nil, err
	}

	payload := entry.Payload
	if payload == nil {
		p := models.NewPayload(entry.Kind)
		payload = &p
	}
	req := AnalysisRequest{Target: target, RequesterID: entry.RequesterID, Kind: entry.Kind, Payload: payload}

	job, err := o.startJob(ctx, jobID, req)
	if err != nil {
		if job == nil {
			// No job row: the waiter keeps its place unless it cancelled meanwhile.
			requeued, perr := o.queue.PushFront(ctx, *entry)
			switch {
			case perr != nil:
				o.log.Error().Err(perr).Str("target", target).Str("requester_id", entry.RequesterID).Msg("failed to requeue waiter")
			case !requeued:
				o.log.Info().Str("target", target).Str("requester_id", entry.RequesterID).Msg("waiter cancelled during promotion")
			}
			return nil, err
		}
		o.queue.Settle(ctx, target, entry.RequesterID)
		return &RequestOutcome{Target: target, RequesterID: entry.RequesterID, JobID: job.ID, Promoted: true}, err
	}

	o.queue.Settle(ctx, target, entry.RequesterID)
	o.log.Info().Str("target", target).Str("requester_id", entry.RequesterID).Str("job_id", job.ID).Msg("waiter promoted")
	o.progress.PublishPromoted(ctx, entry.RequesterID, job)
	o.notify(ctx, TopicAnalysisPromoted, job)

	outcome := o.triggeredOutcome(job)
	outcome.Promoted = true
	return outcome, nil
}

// OnExternalCompletion applies a terminal report. Reports for jobs that are already terminal
// are acknowledged without side effects beyond an idempotent result upsert.
func (o *Orchestrator) OnExternalCompletion(ctx context.Context, report CompletionReport) (*CompletionOutcome, error) {
	if report.JobID == "" {
		return nil, invalidRequest("completion", "job_id is required")
	}

	job, err := o.ledger.Get(ctx, report.JobID)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return o.duplicateCompletion(ctx, job, report)
	}

	if job.Status == models.JobStatusPending {
		moved, err := o.ledger.Transition(ctx, job.ID, models.JobStatusProcessing, WithExternalRef(report.ExternalRef))
		if err != nil && !errors.Is(err, ErrInvalidTransition) {
			return nil, err
		}
		if moved == nil {
			if moved, err = o.ledger.Get(ctx, job.ID); err != nil {
				return nil, err
			}
			if moved.Status.IsTerminal() {
				return o.duplicateCompletion(ctx, moved, report)
			}
		}
		job = moved
	}

	var (
		final  *models.AnalysisJob
		result *models.AnalysisResult
	)
	if report.Succeeded() {
		result = report.Result.toModel(job)
		if err := o.ledger.UpsertResult(ctx, result); err != nil {
			return nil, err
		}
		final, err = o.ledger.Transition(ctx, job.ID, models.JobStatusCompleted)
	} else {
		final, err = o.ledger.Transition(ctx, job.ID, models.JobStatusFailed, WithErrorMessage(report.Error))
	}
	if err != nil {
		if !errors.Is(err, ErrInvalidTransition) {
			return nil, err
		}
		current, gerr := o.ledger.Get(ctx, job.ID)
		if gerr != nil {
			return nil, gerr
		}
		return o.duplicateCompletion(ctx, current, report)
	}

	if report.Succeeded() {
		o.progress.PublishCompletion(ctx, final, result)
		if err := o.archive.ArchiveResult(ctx, final, result); err != nil {
			o.log.Warn().Err(err).Str("job_id", final.ID).Msg("failed to archive result")
		}
		o.notify(ctx, TopicAnalysisCompleted, final)
	} else {
		o.progress.PublishError(ctx, final, report.Error)
		o.notify(ctx, TopicAnalysisFailed, final)
	}
	o.log.Info().Str("job_id", final.ID).Str("target", final.Target).Str("status", string(final.Status)).Msg("analysis finished")

	o.locks.Release(ctx, final.Target, final.ID)
	outcome := &CompletionOutcome{Job: final}
	promoted, err := o.drain(ctx, final.Target)
	if err != nil {
		o.log.Warn().Err(err).Str("target", final.Target).Msg("promotion after completion failed")
		return outcome, nil
	}
	outcome.Promoted = promoted
	return outcome, nil
}

func (o *Orchestrator) duplicateCompletion(ctx context.Context, job *models.AnalysisJob, report CompletionReport) (*CompletionOutcome, error) {
	o.log.Debug().Str("job_id", job.ID).Str("status", string(job.Status)).Msg("duplicate completion")
	if job.Status == models.JobStatusCompleted && report.Succeeded() && report.Result != nil && !report.Result.Provisional {
		// Results are immutable once written; only a missing or provisional row is filled in.
		existing, err := o.ledger.GetResult(ctx, job.ID)
		switch {
		case errors.Is(err, ErrNotFound) || (err == nil && existing.Provisional):
			if err := o.ledger.UpsertResult(ctx, report.Result.toModel(job)); err != nil {
				return nil, err
			}
		case err != nil:
			return nil, err
		}
	}

	outcome := &CompletionOutcome{Job: job, Duplicate: true}
	// A lock still naming a terminal job was left behind by an interrupted completion.
	if o.locks.Release(ctx, job.Target, job.ID) {
		if promoted, err := o.drain(ctx, job.Target); err == nil {
			outcome.Promoted = promoted
		}
	}
	return outcome, nil
}

// ReportProgress forwards an intermediate report to subscribers and refreshes the lock.
// Reports for terminal jobs are ignored.
func (o *Orchestrator) ReportProgress(ctx context.Context, report ProgressReport) error {
	job, err := o.ledger.Get(ctx, report.JobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		o.log.Debug().Str("job_id", job.ID).Msg("progress for finished job ignored")
		return nil
	}

	o.progress.PublishProgress(ctx, job, ProgressUpdate{Progress: report.Progress, Step: report.Step, Stats: report.Stats})
	if job.Status == models.JobStatusProcessing {
		o.locks.Extend(ctx, job.Target, job.ID, o.cfg.LockTTL)
	}
	return nil
}

// Cancel removes requesterID from target's queue. Running jobs and locks are not touched.
func (o *Orchestrator) Cancel(ctx context.Context, target, requesterID string) (bool, error) {
	removed, err := o.queue.Remove(ctx, target, requesterID)
	if err != nil {
		return false, err
	}
	if removed {
		o.log.Info().Str("target", target).Str("requester_id", requesterID).Msg("queued request cancelled")
	}
	return removed, nil
}

// Subscribe routes every future event of jobID to subscriberID as well.
func (o *Orchestrator) Subscribe(ctx context.Context, subscriberID, jobID string) error {
	if subscriberID == "" {
		return invalidRequest("subscribe", "subscriber_id is required")
	}
	job, err := o.ledger.Get(ctx, jobID)
	if err != nil {
		return err
	}
	return o.progress.Subscribe(ctx, subscriberID, job.ID)
}

// GetStatus returns a job with its live progress, its target's queue and lock.
func (o *Orchestrator) GetStatus(ctx context.Context, jobID string) (*JobStatusView, error) {
	job, err := o.ledger.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	view := &JobStatusView{Job: job}
	if job.Status == models.JobStatusCompleted {
		result, err := o.ledger.GetResult(ctx, job.ID)
		switch {
		case err == nil:
			view.Result = result
		case !errors.Is(err, ErrNotFound):
			return nil, err
		}
	}
	if live, err := o.progress.LatestProgress(ctx, job.ID); err == nil {
		view.Live = live
	} else {
		o.log.Warn().Err(err).Str("job_id", job.ID).Msg("live progress unavailable")
	}
	if snap, err := o.queue.Snapshot(ctx, job.Target, ""); err == nil {
		view.Queue = snap
	}
	if lock, err := o.locks.Inspect(ctx, job.Target); err == nil {
		view.Lock = lock
	}
	return view, nil
}

// TargetStatus returns the lock, active job and queue of target. Position in the queue is
// filled for requesterID when set.
func (o *Orchestrator) TargetStatus(ctx context.Context, target, requesterID string) (*TargetStatusView, error) {
	snap, err := o.queue.Snapshot(ctx, target, requesterID)
	if err != nil {
		return nil, err
	}
	lock, err := o.locks.Inspect(ctx, target)
	if err != nil {
		return nil, err
	}
	active, err := o.ledger.ActiveForTarget(ctx, target)
	if err != nil {
		return nil, err
	}
	return &TargetStatusView{Target: target, Lock: lock, ActiveJob: active, Queue: snap}, nil
}

// RetryJob re-runs a failed job under its own id. The target must be free.
func (o *Orchestrator) RetryJob(ctx context.Context, jobID string) (*RequestOutcome, error) {
	job, err := o.ledger.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobStatusFailed {
		return nil, &Error{Kind: KindInvalidTransition, Op: "retry", JobID: job.ID, From: job.Status, To: models.JobStatusPending}
	}
	if !o.locks.Acquire(ctx, job.Target, job.ID, o.cfg.LockTTL) {
		owner, _ := o.locks.Peek(ctx, job.Target)
		return nil, &Error{Kind: KindTargetBusy, Op: "retry", JobID: job.ID, Err: fmt.Errorf("target %s is held by job %s", job.Target, owner)}
	}

	retried, err := o.ledger.Retry(ctx, job.ID)
	if err != nil {
		o.locks.Release(ctx, job.Target, job.ID)
		return nil, err
	}
	o.log.Info().Str("job_id", retried.ID).Int("retry_count", retried.RetryCount).Msg("retrying failed job")

	started, err := o.triggerJob(ctx, retried)
	if err != nil {
		return nil, err
	}
	return o.triggeredOutcome(started), nil
}

// ResumeTrigger re-sends the trigger of a pending job whose earlier trigger failed. The
// idempotency key makes a duplicate trigger land on the same run.
func (o *Orchestrator) ResumeTrigger(ctx context.Context, jobID string) (*RequestOutcome, error) {
	job, err := o.ledger.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobStatusPending || job.ExternalWorkflowRef != "" {
		return nil, &Error{Kind: KindInvalidTransition, Op: "resume trigger", JobID: job.ID, From: job.Status, To: models.JobStatusProcessing}
	}

	owner, held := o.locks.Peek(ctx, job.Target)
	switch {
	case held && owner == job.ID:
		o.locks.Extend(ctx, job.Target, job.ID, o.cfg.LockTTL)
	case held:
		return nil, &Error{Kind: KindTargetBusy, Op: "resume trigger", JobID: job.ID, Err: fmt.Errorf("target %s is held by job %s", job.Target, owner)}
	default:
		if !o.locks.Acquire(ctx, job.Target, job.ID, o.cfg.LockTTL) {
			return nil, &Error{Kind: KindTargetBusy, Op: "resume trigger", JobID: job.ID}
		}
	}

	started, err := o.triggerJob(ctx, job)
	if err != nil {
		return nil, err
	}
	return o.triggeredOutcome(started), nil
}

// DrainOrphanedQueues promotes waiters of every target that has a queue but no lock. It
// returns the number of promotions.
func (o *Orchestrator) DrainOrphanedQueues(ctx context.Context) (int, error) {
	targets, err := o.queue.Targets(ctx)
	if err != nil {
		return 0, err
	}
	promoted := 0
	for _, target := range targets {
		if _, held := o.locks.Peek(ctx, target); held {
			continue
		}
		out, err := o.drain(ctx, target)
		if err != nil {
			o.log.Warn().Err(err).Str("target", target).Msg("orphaned queue drain failed")
			continue
		}
		if out != nil {
			promoted++
		}
	}
	return promoted, nil
}

// ReconcileStaleJobs fails processing jobs whose lock is gone and whose last update is older
// than the lock TTL. It returns the number of jobs failed.
func (o *Orchestrator) ReconcileStaleJobs(ctx context.Context, limit int) (int, error) {
	jobs, err := o.ledger.ListByStatus(ctx, models.JobStatusProcessing, limit)
	if err != nil {
		return 0, err
	}
	cutoff := o.now().Add(-o.cfg.LockTTL)
	failed := 0
	for i := range jobs {
		job := &jobs[i]
		if job.UpdatedAt.After(cutoff) {
			continue
		}
		lock, err := o.locks.Inspect(ctx, job.Target)
		if err != nil {
			continue
		}
		if lock != nil && lock.OwnerJobID == job.ID {
			continue
		}
		if _, err := o.OnExternalCompletion(ctx, CompletionReport{
			JobID: job.ID,
			Error: "lock expired before the workflow reported completion",
		}); err != nil {
			o.log.Warn().Err(err).Str("job_id", job.ID).Msg("failed to reconcile stale job")
			continue
		}
		failed++
	}
	return failed, nil
}

func (o *Orchestrator) triggeredOutcome(job *models.AnalysisJob) *RequestOutcome {
	return &RequestOutcome{
		Status:              RequestTriggered,
		Target:              job.Target,
		RequesterID:         job.RequesterID,
		JobID:               job.ID,
		ExternalRef:         job.ExternalWorkflowRef,
		EstimatedCompletion: o.estimate(job),
	}
}

// estimate projects when job will finish from its kind's typical duration.
func (o *Orchestrator) estimate(job *models.AnalysisJob) *time.Time {
	if job == nil || job.Status.IsTerminal() {
		return nil
	}
	eta := job.CreatedAt.Add(o.cfg.EstimatedDurations[job.Kind])
	if now := o.now(); eta.Before(now) {
		eta = now
	}
	return &eta
}

func (o *Orchestrator) notify(ctx context.Context, topic string, job *models.AnalysisJob) {
	if err := o.publisher.Publish(ctx, topic, newJobNotification(job)); err != nil {
		o.log.Warn().Err(err).Str("topic", topic).Str("job_id", job.ID).Msg("notification not published")
	}
}
