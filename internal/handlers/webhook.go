package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/huangang/reviewpulse/internal/services"
	"github.com/huangang/reviewpulse/pkg/logger"
	"github.com/huangang/reviewpulse/pkg/response"
)

// WebhookHandler receives callbacks from the workflow engine. Signatures are checked by
// middleware.WebhookSignature before these run.
type WebhookHandler struct {
	sink services.CompletionSink
}

func NewWebhookHandler(sink services.CompletionSink) *WebhookHandler {
	return &WebhookHandler{sink: sink}
}

// Completion applies a terminal report for a job
// POST /api/webhooks/workflow/completion
func (h *WebhookHandler) Completion(c *gin.Context) {
	var report services.CompletionReport
	if err := c.ShouldBindJSON(&report); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	out, err := h.sink.OnExternalCompletion(c.Request.Context(), report)
	if err != nil {
		logger.Warnf("[Webhook] Completion for job %s failed: %v", report.JobID, err)
		respondError(c, err)
		return
	}

	data := gin.H{
		"job_id":    out.Job.ID,
		"status":    out.Job.Status,
		"duplicate": out.Duplicate,
	}
	if out.Promoted != nil {
		data["promoted_job_id"] = out.Promoted.JobID
		data["promoted_requester_id"] = out.Promoted.RequesterID
	}
	response.Success(c, data)
}

// Progress forwards an intermediate report for a job
// POST /api/webhooks/workflow/progress
func (h *WebhookHandler) Progress(c *gin.Context) {
	var report services.ProgressReport
	if err := c.ShouldBindJSON(&report); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	if err := h.sink.ReportProgress(c.Request.Context(), report); err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, gin.H{"job_id": report.JobID})
}
