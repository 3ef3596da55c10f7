package handlers

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/huangang/reviewpulse/internal/models"
	"github.com/huangang/reviewpulse/internal/services"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// HealthHandler provides enhanced health check endpoints.
type HealthHandler struct {
	db        *gorm.DB
	rdb       redis.UniversalClient
	ledger    *services.JobLedger
	publisher services.Publisher
	hub       *services.SSEHub
}

func NewHealthHandler(db *gorm.DB, rdb redis.UniversalClient, ledger *services.JobLedger, publisher services.Publisher, hub *services.SSEHub) *HealthHandler {
	return &HealthHandler{db: db, rdb: rdb, ledger: ledger, publisher: publisher, hub: hub}
}

// CheckHealth returns the health status of all subsystems.
func (h *HealthHandler) CheckHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	overall := "healthy"
	status := 200

	// Database check
	dbStatus := "ok"
	sqlDB, err := h.db.DB()
	if err != nil {
		dbStatus = "error: " + err.Error()
		overall = "unhealthy"
	} else if err := sqlDB.PingContext(ctx); err != nil {
		dbStatus = "error: " + err.Error()
		overall = "unhealthy"
	}

	// Coordination store check. Locks fail open, so a down store degrades rather than kills.
	redisStatus := "ok"
	if err := services.PingRedis(ctx, h.rdb, time.Second); err != nil {
		redisStatus = "error: " + err.Error()
		if overall == "healthy" {
			overall = "degraded"
		}
	}
	if overall == "unhealthy" {
		status = 503
	}

	brokerMode := "log-only"
	if h.publisher != nil && h.publisher.IsAsync() {
		brokerMode = "async (Redis)"
	}

	counts, err := h.ledger.CountByStatus(ctx)
	if err != nil {
		counts = map[models.JobStatus]int64{}
	}

	c.JSON(status, gin.H{
		"status":  overall,
		"service": "reviewpulse",
		"components": gin.H{
			"database":        dbStatus,
			"redis":           redisStatus,
			"broker_mode":     brokerMode,
			"sse_clients":     h.hub.ClientCount(),
			"pending_jobs":    counts[models.JobStatusPending],
			"processing_jobs": counts[models.JobStatusProcessing],
		},
	})
}
