package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"enrichment-scheduler/internal/config"
	"enrichment-scheduler/internal/logging"
	"enrichment-scheduler/internal/queue"
	"enrichment-scheduler/internal/scheduler"
	"enrichment-scheduler/internal/store"
	"enrichment-scheduler/internal/telemetry"
	"enrichment-scheduler/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := logging.New(cfg.Env, cfg.LogLevel, "scheduler")
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.Open(ctx, cfg)
	if err != nil {
		logger.Fatal("open store", zap.String("backend", cfg.StoreBackend), zap.Error(err))
	}
	defer st.Close()

	metrics := telemetry.New()
	q := queue.New(st, queue.WithMetrics(metrics), queue.WithLogger(logger))

	// The dispatch tick drives an in-process processor; set DISPATCH_INTERVAL=0
	// when dedicated workers poll instead.
	var dispatcher scheduler.Dispatcher
	if cfg.DispatchInterval > 0 {
		opts := worker.OptionsFromConfig(cfg)
		if opts.WorkerID == "" {
			opts.WorkerID = "scheduler"
		}
		opts.Logger = logger
		opts.Metrics = metrics
		processor := worker.NewProcessor(q, opts)
		if err := worker.RegisterEnrichmentHandlers(ctx, processor, cfg, q); err != nil {
			logger.Fatal("register handlers", zap.Error(err))
		}
		dispatcher = processor
	}

	sched, err := scheduler.New(q, dispatcher, scheduler.OptionsFromConfig(cfg), logger)
	if err != nil {
		logger.Fatal("init scheduler", zap.Error(err))
	}

	metricsServer := metrics.Server(cfg.MetricsAddr)
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	sched.Start()
	logger.Info("scheduler started",
		zap.Duration("dispatch", cfg.DispatchInterval),
		zap.Duration("reclaim", cfg.ReclaimInterval),
		zap.Duration("cleanup", cfg.CleanupInterval))

	<-ctx.Done()
	sched.Stop()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = metricsServer.Shutdown(shutdownCtx)
}
