package main

import (
	"github.com/gin-gonic/gin"
	"github.com/huangang/reviewpulse/internal/middleware"
	"github.com/huangang/reviewpulse/pkg/logger"
)

// registerRoutes sets up all HTTP routes on the given Gin engine.
func registerRoutes(r *gin.Engine, svc *appServices) {
	// Middleware
	r.Use(logger.GinLogger(), logger.GinRecovery())
	r.RedirectTrailingSlash = false
	r.RedirectFixedPath = false
	r.Use(middleware.CORS(), middleware.Requester())

	apiLimiter := middleware.NewRateLimiter(20, 40)
	webhookLimiter := middleware.NewRateLimiter(50, 100)

	// Health check
	r.GET("/health", svc.healthHandler.CheckHealth)

	api := r.Group("/api")
	{
		// SSE stream, not rate limited: one long-lived request per client
		api.GET("/events", svc.sseHandler.StreamEvents)

		analyses := api.Group("", apiLimiter.Middleware())
		{
			analyses.POST("/analyses", svc.analysisHandler.Request)
			analyses.GET("/analyses/:id", svc.analysisHandler.Get)
			analyses.POST("/analyses/:id/retry", svc.analysisHandler.Retry)
			analyses.POST("/analyses/:id/subscribe", svc.analysisHandler.Subscribe)
			analyses.GET("/targets/:target/queue", svc.analysisHandler.Queue)
			analyses.DELETE("/targets/:target/queue/:requester", svc.analysisHandler.Cancel)
		}

		// Workflow engine callbacks (signed, rate limited)
		callbacks := api.Group("/webhooks/workflow",
			webhookLimiter.Middleware(),
			middleware.WebhookSignature(svc.cfg.Workflow.WebhookSecret),
		)
		{
			callbacks.POST("/completion", svc.webhookHandler.Completion)
			callbacks.POST("/progress", svc.webhookHandler.Progress)
		}
	}
}
