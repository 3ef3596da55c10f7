package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/huangang/reviewpulse/internal/models"
	"github.com/huangang/reviewpulse/pkg/logger"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// allowedTransitions is the job state machine. Terminal states only leave through retry.
var allowedTransitions = map[models.JobStatus][]models.JobStatus{
	models.JobStatusPending:    {models.JobStatusProcessing},
	models.JobStatusProcessing: {models.JobStatusCompleted, models.JobStatusFailed},
	models.JobStatusFailed:     {models.JobStatusPending},
}

// CanTransition reports whether from -> to is an edge of the job state machine.
func CanTransition(from, to models.JobStatus) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// DefaultProgress is the progress recorded when a transition carries no explicit value.
func DefaultProgress(status models.JobStatus) int {
	switch status {
	case models.JobStatusProcessing:
		return 50
	case models.JobStatusCompleted:
		return 100
	default:
		return 0
	}
}

type transitionOptions struct {
	progress     *int
	externalRef  string
	errorMessage string
}

// TransitionOption decorates a status change.
type TransitionOption func(*transitionOptions)

// WithProgress records an explicit progress value for a processing job.
func WithProgress(p int) TransitionOption {
	return func(o *transitionOptions) { o.progress = &p }
}

// WithExternalRef stores the workflow engine's handle on the job.
func WithExternalRef(ref string) TransitionOption {
	return func(o *transitionOptions) { o.externalRef = ref }
}

// WithErrorMessage records why a job failed.
func WithErrorMessage(msg string) TransitionOption {
	return func(o *transitionOptions) { o.errorMessage = msg }
}

// CreateJobParams describes a new pending job.
type CreateJobParams struct {
	ID          string
	Target      string
	RequesterID string
	Kind        models.JobKind
	Payload     models.JobPayload
}

// JobLedger is the durable record of analysis jobs. Every status change is conditioned on
// the row's revision so concurrent writers cannot silently overwrite each other.
type JobLedger struct {
	db          *gorm.DB
	maxAttempts int
	now         func() time.Time
}

// NewJobLedger creates a ledger. maxAttempts bounds the read-modify-write loop of Transition.
func NewJobLedger(db *gorm.DB, maxAttempts int) *JobLedger {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &JobLedger{db: db, maxAttempts: maxAttempts, now: time.Now}
}

func storageErr(op, jobID string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &Error{Kind: KindNotFound, Op: op, JobID: jobID, Err: err}
	}
	return &Error{Kind: KindStorageUnavailable, Op: op, JobID: jobID, Err: err}
}

// Create inserts a pending job. An empty ID is replaced by a fresh UUID.
func (l *JobLedger) Create(ctx context.Context, p CreateJobParams) (*models.AnalysisJob, error) {
	if p.Target == "" || p.RequesterID == "" {
		return nil, invalidRequest("create job", "target and requester are required")
	}
	payload, err := p.Payload.Normalize(p.Kind)
	if err != nil {
		return nil, invalidRequest("create job", "%v", err)
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}

	now := l.now().UTC()
	job := &models.AnalysisJob{
		ID:          p.ID,
		Target:      p.Target,
		RequesterID: p.RequesterID,
		Kind:        p.Kind,
		Status:      models.JobStatusPending,
		Progress:    DefaultProgress(models.JobStatusPending),
		Payload:     payload,
		Revision:    1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := l.db.WithContext(ctx).Create(job).Error; err != nil {
		return nil, storageErr("create job", p.ID, err)
	}
	logger.Infof("[JobLedger] Job %s created for %s (%s, requester %s)", job.ID, job.Target, job.Kind, job.RequesterID)
	return job, nil
}

// Get loads a job by id.
func (l *JobLedger) Get(ctx context.Context, id string) (*models.AnalysisJob, error) {
	var job models.AnalysisJob
	if err := l.db.WithContext(ctx).Where("id = ?", id).First(&job).Error; err != nil {
		return nil, storageErr("get job", id, err)
	}
	return &job, nil
}

// Transition moves job id to status `to`, re-reading and retrying on revision conflicts
// up to the configured number of attempts.
func (l *JobLedger) Transition(ctx context.Context, id string, to models.JobStatus, opts ...TransitionOption) (*models.AnalysisJob, error) {
	var lastErr error
	for attempt := 0; attempt < l.maxAttempts; attempt++ {
		job, err := l.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		updated, err := l.TransitionFrom(ctx, job, to, opts...)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, ErrConcurrentModification) {
			return nil, err
		}
		lastErr = err
		logger.Debug().Str("job_id", id).Int("attempt", attempt+1).Msg("[JobLedger] Revision conflict, re-reading")
	}
	return nil, lastErr
}

// TransitionFrom applies a single conditional write against the observed row. It fails with
// CONCURRENT_MODIFICATION when the row changed since it was read.
func (l *JobLedger) TransitionFrom(ctx context.Context, observed *models.AnalysisJob, to models.JobStatus, opts ...TransitionOption) (*models.AnalysisJob, error) {
	if !CanTransition(observed.Status, to) {
		return nil, &Error{Kind: KindInvalidTransition, Op: "transition", JobID: observed.ID, From: observed.Status, To: to}
	}

	var o transitionOptions
	for _, opt := range opts {
		opt(&o)
	}

	now := l.now().UTC()
	next := *observed
	next.Status = to
	next.Progress = DefaultProgress(to)
	if o.progress != nil && to == models.JobStatusProcessing {
		next.Progress = clampProgress(*o.progress)
	}
	next.Revision = observed.Revision + 1
	next.UpdatedAt = now

	updates := map[string]interface{}{
		"status":     next.Status,
		"progress":   next.Progress,
		"revision":   next.Revision,
		"updated_at": now,
	}
	if o.externalRef != "" {
		next.ExternalWorkflowRef = o.externalRef
		updates["external_workflow_ref"] = o.externalRef
	}

	switch to {
	case models.JobStatusCompleted:
		next.CompletedAt = &now
		next.ErrorMessage = ""
		updates["completed_at"] = now
		updates["error_message"] = ""
	case models.JobStatusFailed:
		next.ErrorMessage = o.errorMessage
		updates["error_message"] = o.errorMessage
	case models.JobStatusPending:
		// Retry: the previous run's outcome and workflow handle are discarded.
		next.RetryCount = observed.RetryCount + 1
		next.LastRetryAt = &now
		next.ErrorMessage = ""
		next.ExternalWorkflowRef = ""
		next.CompletedAt = nil
		updates["retry_count"] = next.RetryCount
		updates["last_retry_at"] = now
		updates["error_message"] = ""
		updates["external_workflow_ref"] = ""
		updates["completed_at"] = nil
	}

	res := l.db.WithContext(ctx).Model(&models.AnalysisJob{}).
		Where("id = ? AND revision = ?", observed.ID, observed.Revision).
		Updates(updates)
	if res.Error != nil {
		return nil, storageErr("transition", observed.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := l.Get(ctx, observed.ID); err != nil {
			return nil, err
		}
		return nil, &Error{Kind: KindConcurrentModification, Op: "transition", JobID: observed.ID, From: observed.Status, To: to}
	}

	logger.Infof("[JobLedger] Job %s: %s -> %s (revision %d)", observed.ID, observed.Status, to, next.Revision)
	return &next, nil
}

// Retry returns a failed job to pending and bumps its retry counter.
func (l *JobLedger) Retry(ctx context.Context, id string) (*models.AnalysisJob, error) {
	return l.Transition(ctx, id, models.JobStatusPending)
}

// UpsertResult stores the result for a job. Re-delivery of the same result overwrites the
// row in place, so there is never more than one result per job.
func (l *JobLedger) UpsertResult(ctx context.Context, result *models.AnalysisResult) error {
	if _, err := l.Get(ctx, result.JobID); err != nil {
		return err
	}
	now := l.now().UTC()
	result.UpdatedAt = now
	if result.CreatedAt.IsZero() {
		result.CreatedAt = now
	}
	err := l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "job_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"target",
			"sentiment_positive",
			"sentiment_neutral",
			"sentiment_negative",
			"summary",
			"keywords",
			"review_count",
			"rating",
			"processing_time_ms",
			"provisional",
			"updated_at",
		}),
	}).Create(result).Error
	if err != nil {
		return storageErr("upsert result", result.JobID, err)
	}
	return nil
}

// GetResult loads the result for a job.
func (l *JobLedger) GetResult(ctx context.Context, jobID string) (*models.AnalysisResult, error) {
	var result models.AnalysisResult
	if err := l.db.WithContext(ctx).Where("job_id = ?", jobID).First(&result).Error; err != nil {
		return nil, storageErr("get result", jobID, err)
	}
	return &result, nil
}

// ActiveForTarget returns the newest non-terminal job for target, or nil.
func (l *JobLedger) ActiveForTarget(ctx context.Context, target string) (*models.AnalysisJob, error) {
	var jobs []models.AnalysisJob
	err := l.db.WithContext(ctx).
		Where("target = ? AND status IN ?", target, []models.JobStatus{models.JobStatusPending, models.JobStatusProcessing}).
		Order("created_at DESC").
		Limit(1).
		Find(&jobs).Error
	if err != nil {
		return nil, storageErr("active job", "", err)
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	return &jobs[0], nil
}

// ListByStatus returns up to limit jobs in status, oldest update first.
func (l *JobLedger) ListByStatus(ctx context.Context, status models.JobStatus, limit int) ([]models.AnalysisJob, error) {
	var jobs []models.AnalysisJob
	err := l.db.WithContext(ctx).
		Where("status = ?", status).
		Order("updated_at ASC").
		Limit(limit).
		Find(&jobs).Error
	if err != nil {
		return nil, storageErr("list jobs", "", err)
	}
	return jobs, nil
}

// ListRetryable returns failed jobs that have not exhausted maxRetries.
func (l *JobLedger) ListRetryable(ctx context.Context, maxRetries, limit int) ([]models.AnalysisJob, error) {
	var jobs []models.AnalysisJob
	err := l.db.WithContext(ctx).
		Where("status = ? AND retry_count < ?", models.JobStatusFailed, maxRetries).
		Order("updated_at ASC").
		Limit(limit).
		Find(&jobs).Error
	if err != nil {
		return nil, storageErr("list retryable", "", err)
	}
	return jobs, nil
}

// ListStalePending returns pending jobs with no workflow handle last touched before cutoff.
// These are jobs whose trigger call failed.
func (l *JobLedger) ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]models.AnalysisJob, error) {
	var jobs []models.AnalysisJob
	err := l.db.WithContext(ctx).
		Where("status = ? AND (external_workflow_ref = '' OR external_workflow_ref IS NULL) AND updated_at < ?",
			models.JobStatusPending, cutoff.UTC()).
		Order("updated_at ASC").
		Limit(limit).
		Find(&jobs).Error
	if err != nil {
		return nil, storageErr("list stale pending", "", err)
	}
	return jobs, nil
}

// CountByStatus returns the number of jobs in each status.
func (l *JobLedger) CountByStatus(ctx context.Context) (map[models.JobStatus]int64, error) {
	var rows []struct {
		Status models.JobStatus
		Count  int64
	}
	err := l.db.WithContext(ctx).Model(&models.AnalysisJob{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, storageErr("count jobs", "", err)
	}
	counts := make(map[models.JobStatus]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}

// ClaimSweep takes or renews the lease on sweep name for owner. It reports false while
// another owner holds an unexpired lease.
func (l *JobLedger) ClaimSweep(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	now := l.now().UTC()
	expires := now.Add(ttl)

	res := l.db.WithContext(ctx).Model(&models.SweepLease{}).
		Where("name = ? AND (owner = ? OR expires_at < ?)", name, owner, now).
		Updates(map[string]interface{}{"owner": owner, "acquired_at": now, "expires_at": expires})
	if res.Error != nil {
		return false, storageErr("claim sweep", "", res.Error)
	}
	if res.RowsAffected > 0 {
		return true, nil
	}

	res = l.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models.SweepLease{Name: name, Owner: owner, AcquiredAt: now, ExpiresAt: expires})
	if res.Error != nil {
		return false, storageErr("claim sweep", "", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
