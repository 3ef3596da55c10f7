package models

import (
	"fmt"
	"time"
)

// JobStatus is the ledger state of an analysis job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// IsTerminal reports whether no forward transition leaves this status.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// JobKind selects the workflow the external engine runs.
type JobKind string

const (
	JobKindRealtime JobKind = "realtime"
	JobKindBatch    JobKind = "batch"
)

func (k JobKind) Valid() bool {
	return k == JobKindRealtime || k == JobKindBatch
}

// RealtimeOptions configure an on-demand scrape-and-analyze run.
type RealtimeOptions struct {
	ProductURL string   `json:"product_url,omitempty"`
	MaxReviews int      `json:"max_reviews,omitempty"`
	Sources    []string `json:"sources,omitempty"`
}

// BatchOptions configure a scheduled re-analysis over stored reviews.
type BatchOptions struct {
	ReviewPages int        `json:"review_pages,omitempty"`
	Since       *time.Time `json:"since,omitempty"`
	Platform    string     `json:"platform,omitempty"`
}

// JobPayload is a tagged union keyed by Kind; exactly the matching variant may be set.
type JobPayload struct {
	Kind     JobKind          `json:"kind"`
	Realtime *RealtimeOptions `json:"realtime,omitempty"`
	Batch    *BatchOptions    `json:"batch,omitempty"`
}

const (
	DefaultMaxReviews  = 200
	DefaultReviewPages = 10
)

// NewPayload returns a payload for kind with default options for its variant.
func NewPayload(kind JobKind) JobPayload {
	p := JobPayload{Kind: kind}
	switch kind {
	case JobKindRealtime:
		p.Realtime = &RealtimeOptions{MaxReviews: DefaultMaxReviews}
	case JobKindBatch:
		p.Batch = &BatchOptions{ReviewPages: DefaultReviewPages}
	}
	return p
}

// Normalize fills the missing variant with defaults and validates the tag.
func (p JobPayload) Normalize(kind JobKind) (JobPayload, error) {
	if !kind.Valid() {
		return JobPayload{}, fmt.Errorf("unknown job kind %q", kind)
	}
	if p.Kind == "" {
		p.Kind = kind
	}
	if p.Kind != kind {
		return JobPayload{}, fmt.Errorf("payload kind %q does not match job kind %q", p.Kind, kind)
	}
	switch kind {
	case JobKindRealtime:
		if p.Batch != nil {
			return JobPayload{}, fmt.Errorf("realtime payload carries batch options")
		}
		if p.Realtime == nil {
			p.Realtime = &RealtimeOptions{}
		}
		if p.Realtime.MaxReviews <= 0 {
			p.Realtime.MaxReviews = DefaultMaxReviews
		}
	case JobKindBatch:
		if p.Realtime != nil {
			return JobPayload{}, fmt.Errorf("batch payload carries realtime options")
		}
		if p.Batch == nil {
			p.Batch = &BatchOptions{}
		}
		if p.Batch.ReviewPages <= 0 {
			p.Batch.ReviewPages = DefaultReviewPages
		}
	}
	return p, nil
}

// AnalysisJob is one triggered unit of external analysis work.
// Rows are mutated only through the ledger's transition protocol; Revision is bumped
// on every write and is the optimistic-concurrency token.
type AnalysisJob struct {
	ID                  string     `gorm:"primaryKey;size:36" json:"id"`
	Target              string     `gorm:"size:128;index;not null" json:"target"`
	RequesterID         string     `gorm:"size:128;index;not null" json:"requester_id"`
	Kind                JobKind    `gorm:"size:20;not null" json:"kind"`
	Status              JobStatus  `gorm:"size:20;index;not null;default:pending" json:"status"`
	Progress            int        `gorm:"default:0" json:"progress"`
	ExternalWorkflowRef string     `gorm:"size:255" json:"external_workflow_ref"`
	Payload             JobPayload `gorm:"serializer:json;type:text" json:"payload"`
	ErrorMessage        string     `gorm:"type:text" json:"error_message,omitempty"`
	RetryCount          int        `gorm:"default:0" json:"retry_count"`
	LastRetryAt         *time.Time `json:"last_retry_at,omitempty"`
	Revision            int64      `gorm:"not null;default:1" json:"revision"`
	CreatedAt           time.Time  `gorm:"index" json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
}

func (AnalysisJob) TableName() string { return "analysis_jobs" }
