package worker

import (
	"context"
	"fmt"

	"enrichment-scheduler/internal/config"
	"enrichment-scheduler/internal/models"
)

// RegisterEnrichmentHandlers binds the built-in handlers for upload parsing,
// metadata lookup, and thumbnail caching. Transcript and summary jobs are left
// for external consumers.
func RegisterEnrichmentHandlers(ctx context.Context, p *Processor, cfg config.Config, enq Enqueuer) error {
	history, err := NewHistoryHandler(ctx, cfg, enq)
	if err != nil {
		return fmt.Errorf("init history handler: %w", err)
	}
	thumbnails, err := NewThumbnailHandler(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init thumbnail handler: %w", err)
	}
	p.RegisterHandler(models.TypeProcessHTML, history.Handle)
	p.RegisterHandler(models.TypeFetchMetadata, NewMetadataHandler(cfg, enq).Handle)
	p.RegisterHandler(models.TypeCacheThumbnail, thumbnails.Handle)
	return nil
}

// OptionsFromConfig maps the shared config onto processor options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		WorkerID:     cfg.WorkerID,
		Concurrency:  cfg.WorkerConcurrency,
		Lease:        cfg.LeaseDuration,
		BatchSize:    cfg.LeaseBatchSize,
		PollInterval: cfg.WorkerPollInterval,
	}
}
