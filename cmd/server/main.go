package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"siteops/internal/api"
	"siteops/internal/api/handler"
	"siteops/internal/app/monitor"
	"siteops/internal/app/service"
	"siteops/internal/app/worker"
	"siteops/internal/common/security"
	"siteops/internal/domain/model"
	"siteops/internal/domain/repository"
	"siteops/internal/platform/config"
	"siteops/internal/platform/database"
	"siteops/internal/platform/logging"
	"siteops/internal/platform/queue"
	"siteops/internal/platform/research"
)

const defaultWorkerConcurrency = 4

func main() {
	// 1. Configuration and logging
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger := logging.New(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. JWT
	tokenAuth := security.NewTokenAuth(cfg.JWTKey)

	// 3. Durable store
	db, err := database.Connect(ctx, cfg.DBConnStr)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	logger.Info("database connected", "host", cfg.DBHost, "name", cfg.DBName)

	// 4. Optional accelerator
	rdb := queue.NewRedisClient(ctx, cfg, logger)
	if rdb != nil {
		defer rdb.Close()
	}

	// 5. Repositories and services
	jobRepo := repository.NewPgQueueJobRepository(db)
	cacheRepo := repository.NewPgResearchCacheRepository(db)

	contentQueue := service.NewContentQueue(jobRepo, rdb, service.QueueOptionsFromConfig(cfg.Queue), logger)

	// Without a generator, misses return defaults and no refresh jobs are queued.
	var generator service.ResearchGenerator
	var refreshQueue service.JobEnqueuer
	if cfg.Research.AnthropicKey != "" {
		generator = research.NewAnthropicGenerator(cfg.Research)
		refreshQueue = contentQueue
	} else {
		logger.Warn("ANTHROPIC_API_KEY not set, research misses will return defaults")
	}
	researchCache := service.NewResearchCache(cacheRepo, generator, refreshQueue, service.ResearchOptionsFromConfig(cfg.Research), logger)

	// 6. Worker
	plan := worker.BuildConcurrencyPlan(cfg.Worker.Concurrency, defaultWorkerConcurrency, cfg.Worker.JobTypeDefaults, cfg.Worker.JobTypeConcurrency)
	fetchGuard := security.NewFetchGuard(cfg.FetchTimeout)

	queueWorker := worker.NewQueueWorker(contentQueue, plan, worker.Options{
		PollInterval: cfg.Worker.PollInterval,
		BatchSize:    cfg.Worker.BatchSize,
	}, logger)
	queueWorker.Register(model.JobTypeLinkHealthCheck, worker.LinkHealthCheckHandler(fetchGuard, logger))
	queueWorker.Register(model.JobTypeWebhookDelivery, worker.WebhookDeliveryHandler(fetchGuard))
	if generator != nil {
		queueWorker.Register(model.JobTypeRefreshResearchCache, worker.RefreshResearchCacheHandler(researchCache))
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	workerDone := make(chan struct{})
	go func() {
		queueWorker.Start(workerCtx)
		close(workerDone)
	}()

	// 7. Router and HTTP server
	thresholds := monitor.Thresholds{
		PendingAgeMs:   cfg.SLO.PendingAgeMs,
		ErrorRatePct:   cfg.SLO.ErrorRatePct,
		WorkerIdleMs:   cfg.SLO.WorkerIdleMs,
		PendingBacklog: cfg.SLO.PendingBacklog,
	}
	router := api.NewRouter(tokenAuth,
		handler.NewQueueHandler(contentQueue, thresholds, plan, logger),
		handler.NewResearchHandler(researchCache, logger),
	)

	server := &http.Server{
		Addr:         ":" + cfg.APIPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 100 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("server starting", "port", cfg.APIPort, "backend", cfg.Queue.Backend)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("could not listen", "port", cfg.APIPort, "error", err)
			stop()
		}
	}()

	// 8. Graceful shutdown
	<-ctx.Done()
	logger.Info("shutting down")
	workerCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}

	select {
	case <-workerDone:
	case <-shutdownCtx.Done():
		logger.Warn("worker did not stop before the shutdown deadline")
	}
	logger.Info("server and worker stopped")
}
