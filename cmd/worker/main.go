package main

import (
	"context"
	"errors"
	"fmt"
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
	"enrichment-scheduler/internal/store"
	"enrichment-scheduler/internal/telemetry"
	"enrichment-scheduler/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := logging.New(cfg.Env, cfg.LogLevel, "worker")
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

	// Fall back to the hostname so leases in logs can be traced to a pod.
	if cfg.WorkerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			cfg.WorkerID = hostname
		} else {
			cfg.WorkerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	opts := worker.OptionsFromConfig(cfg)
	opts.Logger = logger
	opts.Metrics = metrics
	processor := worker.NewProcessor(q, opts)
	if err := worker.RegisterEnrichmentHandlers(ctx, processor, cfg, q); err != nil {
		logger.Fatal("register handlers", zap.Error(err))
	}

	metricsServer := metrics.Server(cfg.MetricsAddr)
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", zap.Error(err))
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = metricsServer.Shutdown(shutdownCtx)
}
