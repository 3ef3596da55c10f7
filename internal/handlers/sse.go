package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/huangang/reviewpulse/internal/middleware"
	"github.com/huangang/reviewpulse/internal/services"
	"github.com/huangang/reviewpulse/pkg/logger"
	"github.com/huangang/reviewpulse/pkg/response"
)

// SSEHandler handles Server-Sent Events for real-time updates
type SSEHandler struct {
	hub *services.SSEHub
}

// NewSSEHandler creates a new SSE handler
func NewSSEHandler(hub *services.SSEHub) *SSEHandler {
	return &SSEHandler{hub: hub}
}

// eventChannels picks the event channels a stream listens on from its query.
func eventChannels(c *gin.Context) []string {
	var channels []string
	subscriberID := c.Query("subscriber_id")
	if subscriberID == "" {
		subscriberID = middleware.GetRequesterID(c)
	}
	if subscriberID != "" {
		channels = append(channels, services.SubscriberChannel(subscriberID))
	}
	if jobID := c.Query("job_id"); jobID != "" {
		channels = append(channels, services.JobChannel(jobID))
	}
	if target := c.Query("target"); target != "" {
		channels = append(channels, services.TargetChannel(target))
	}
	if c.Query("all") == "true" {
		channels = append(channels, services.GlobalChannel)
	}
	return channels
}

// StreamEvents streams analysis events for a subscriber, job or target
// GET /api/events?subscriber_id=&job_id=&target=
func (h *SSEHandler) StreamEvents(c *gin.Context) {
	channels := eventChannels(c)
	if len(channels) == 0 {
		response.BadRequest(c, "subscriber_id, job_id or target is required")
		return
	}

	// Set SSE headers
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	clientID := uuid.New().String()

	events := h.hub.Subscribe(clientID, channels...)
	defer h.hub.Unsubscribe(clientID)

	logger.Info().Str("client_id", clientID).Strs("channels", channels).Int("total", h.hub.ClientCount()).Msg("SSE client connected")

	c.Status(http.StatusOK)
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case event, ok := <-events:
			if !ok {
				return false
			}
			data, err := json.Marshal(event)
			if err != nil {
				logger.Error().Err(err).Msg("SSE marshal error")
				return true
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			c.Writer.Flush()
			return true
		case <-c.Request.Context().Done():
			logger.Info().Str("client_id", clientID).Msg("SSE client disconnected")
			return false
		}
	})
}
