package handlers

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/huangang/reviewpulse/internal/middleware"
	"github.com/huangang/reviewpulse/internal/models"
	"github.com/huangang/reviewpulse/internal/services"
	"github.com/huangang/reviewpulse/pkg/response"
)

// Coordinator is the orchestrator surface the HTTP API needs.
type Coordinator interface {
	RequestAnalysis(ctx context.Context, req services.AnalysisRequest) (*services.RequestOutcome, error)
	GetStatus(ctx context.Context, jobID string) (*services.JobStatusView, error)
	TargetStatus(ctx context.Context, target, requesterID string) (*services.TargetStatusView, error)
	Cancel(ctx context.Context, target, requesterID string) (bool, error)
	RetryJob(ctx context.Context, jobID string) (*services.RequestOutcome, error)
	Subscribe(ctx context.Context, subscriberID, jobID string) error
}

type AnalysisHandler struct {
	coordinator Coordinator
}

func NewAnalysisHandler(coordinator Coordinator) *AnalysisHandler {
	return &AnalysisHandler{coordinator: coordinator}
}

type requestAnalysisBody struct {
	Target      string             `json:"target" binding:"required"`
	RequesterID string             `json:"requester_id"`
	Kind        models.JobKind     `json:"kind"`
	Payload     *models.JobPayload `json:"payload"`
}

// Request asks for an analysis of a target
// POST /api/analyses
func (h *AnalysisHandler) Request(c *gin.Context) {
	var body requestAnalysisBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if body.RequesterID == "" {
		body.RequesterID = middleware.GetRequesterID(c)
	}
	if body.Kind == "" {
		body.Kind = models.JobKindRealtime
	}

	out, err := h.coordinator.RequestAnalysis(c.Request.Context(), services.AnalysisRequest{
		Target:      body.Target,
		RequesterID: body.RequesterID,
		Kind:        body.Kind,
		Payload:     body.Payload,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	switch out.Status {
	case services.RequestTriggered:
		response.Created(c, out)
	case services.RequestQueued:
		if out.AlreadyQueued {
			c.Header("X-Queue-Status", string(services.KindAlreadyQueued))
		}
		response.Accepted(c, out)
	default:
		response.Success(c, out)
	}
}

// Get returns a job with its live state
// GET /api/analyses/:id
func (h *AnalysisHandler) Get(c *gin.Context) {
	view, err := h.coordinator.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, view)
}

// Retry re-runs a failed job
// POST /api/analyses/:id/retry
func (h *AnalysisHandler) Retry(c *gin.Context) {
	out, err := h.coordinator.RetryJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	response.Created(c, out)
}

type subscribeBody struct {
	SubscriberID string `json:"subscriber_id"`
}

// Subscribe routes a job's events to another subscriber
// POST /api/analyses/:id/subscribe
func (h *AnalysisHandler) Subscribe(c *gin.Context) {
	var body subscribeBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if body.SubscriberID == "" {
		body.SubscriberID = middleware.GetRequesterID(c)
	}

	if err := h.coordinator.Subscribe(c.Request.Context(), body.SubscriberID, c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, gin.H{"job_id": c.Param("id"), "subscriber_id": body.SubscriberID})
}

// Queue returns the lock, active job and wait queue of a target
// GET /api/targets/:target/queue
func (h *AnalysisHandler) Queue(c *gin.Context) {
	requesterID := c.Query("requester_id")
	if requesterID == "" {
		requesterID = middleware.GetRequesterID(c)
	}

	view, err := h.coordinator.TargetStatus(c.Request.Context(), c.Param("target"), requesterID)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, view)
}

// Cancel removes a requester from a target's wait queue
// DELETE /api/targets/:target/queue/:requester
func (h *AnalysisHandler) Cancel(c *gin.Context) {
	target, requesterID := c.Param("target"), c.Param("requester")

	removed, err := h.coordinator.Cancel(c.Request.Context(), target, requesterID)
	if err != nil {
		respondError(c, err)
		return
	}
	if !removed {
		response.NotFound(c, "requester is not queued for this target")
		return
	}
	response.Success(c, gin.H{"target": target, "requester_id": requesterID, "removed": true})
}
