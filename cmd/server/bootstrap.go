package main

import (
	"context"
	"time"

	"github.com/huangang/reviewpulse/internal/config"
	"github.com/huangang/reviewpulse/internal/handlers"
	"github.com/huangang/reviewpulse/internal/models"
	"github.com/huangang/reviewpulse/internal/services"
	"github.com/huangang/reviewpulse/pkg/logger"
	"github.com/redis/go-redis/v9"
)

// appServices holds all initialized services and handlers needed by the application.
type appServices struct {
	cfg          *config.Config
	rdb          *redis.Client
	publisher    services.Publisher
	archive      services.ResultArchive
	orchestrator *services.Orchestrator
	worker       *services.Worker
	poller       *services.StatusPoller
	retry        *services.RetryService
	stopRelay    context.CancelFunc

	analysisHandler *handlers.AnalysisHandler
	webhookHandler  *handlers.WebhookHandler
	sseHandler      *handlers.SSEHandler
	healthHandler   *handlers.HealthHandler
}

// bootstrap initializes all application dependencies: database, coordination store, broker, schedulers.
func bootstrap(cfg *config.Config) *appServices {
	// Initialize database
	if err := models.InitDB(&cfg.Database); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}

	// Auto migrate database
	if err := models.AutoMigrate(models.GetDB()); err != nil {
		logger.Fatalf("Failed to migrate database: %v", err)
	}

	// Coordination store. Locks fail open, so an unreachable store is a warning, not fatal.
	rdb := services.NewRedisClient(&cfg.Redis)
	if err := services.PingRedis(context.Background(), rdb, 3*time.Second); err != nil {
		logger.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("Coordination store unreachable, locks will fail open")
	}

	// Document archive is optional
	var archive services.ResultArchive = services.NopResultArchive{}
	if cfg.Mongo.Enabled {
		mongoArchive, err := services.NewMongoResultArchive(context.Background(), &cfg.Mongo)
		if err != nil {
			logger.Warn().Err(err).Msg("Result archive unavailable, continuing without it")
		} else {
			archive = mongoArchive
		}
	}

	publisher := services.InitPublisher(cfg)
	ledger := services.NewJobLedger(models.GetDB(), cfg.Coordination.TransitionRetries)
	orchestrator := services.NewOrchestrator(services.OrchestratorDeps{
		Locks:     services.NewLockManager(rdb),
		Queue:     services.NewWaitQueue(rdb, cfg.Coordination.QueueEntryTTL),
		Ledger:    ledger,
		Progress:  services.NewProgressBroadcaster(rdb, cfg.Coordination.SnapshotTTL),
		Workflow:  services.NewHTTPWorkflowClient(&cfg.Workflow),
		Publisher: publisher,
		Archive:   archive,
	}, services.OrchestratorConfigFrom(&cfg.Coordination))

	// Fan events from every instance into local SSE streams
	hub := services.GetSSEHub()
	relayCtx, stopRelay := context.WithCancel(context.Background())
	go func() {
		for relayCtx.Err() == nil {
			if err := services.RelayEvents(relayCtx, rdb, hub); err != nil {
				logger.Warn().Err(err).Msg("SSE relay stopped, retrying")
				time.Sleep(5 * time.Second)
			}
		}
	}()

	// Start async worker if the broker is enabled
	worker := services.NewWorker(&cfg.Redis, &cfg.Broker, orchestrator)
	if worker != nil {
		if err := worker.Start(); err != nil {
			logger.Warn().Err(err).Msg("Async worker not started, completions arrive by webhook and poller only")
			worker = nil
		}
	}

	var poller *services.StatusPoller
	var retry *services.RetryService
	if cfg.Scheduler.Enabled {
		poller = services.NewStatusPoller(orchestrator, &cfg.Scheduler, cfg.Coordination.ReconcileStaleJobs)
		if err := poller.Start(); err != nil {
			logger.Fatalf("Failed to start status poller: %v", err)
		}
		retry = services.NewRetryService(orchestrator, &cfg.Scheduler)
		retry.Start()
	}

	return &appServices{
		cfg:             cfg,
		rdb:             rdb,
		publisher:       publisher,
		archive:         archive,
		orchestrator:    orchestrator,
		worker:          worker,
		poller:          poller,
		retry:           retry,
		stopRelay:       stopRelay,
		analysisHandler: handlers.NewAnalysisHandler(orchestrator),
		webhookHandler:  handlers.NewWebhookHandler(orchestrator),
		sseHandler:      handlers.NewSSEHandler(hub),
		healthHandler:   handlers.NewHealthHandler(models.GetDB(), rdb, ledger, publisher, hub),
	}
}

// shutdown gracefully stops all services.
func (s *appServices) shutdown() {
	if s.poller != nil {
		s.poller.Stop()
	}
	if s.retry != nil {
		s.retry.Stop()
	}
	logger.Info().Msg("All schedulers stopped")

	if s.worker != nil {
		s.worker.Stop()
	}
	s.stopRelay()
	if s.publisher != nil {
		s.publisher.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.archive.Close(ctx); err != nil {
		logger.Warn().Err(err).Msg("Failed to close result archive")
	}
	if err := s.rdb.Close(); err != nil {
		logger.Warn().Err(err).Msg("Failed to close coordination store")
	}
}
