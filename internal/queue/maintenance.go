package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"enrichment-scheduler/internal/models"
	"enrichment-scheduler/internal/store"
)

const (
	DefaultReclaimLimit = 50
	MaxReclaimLimit     = 200
	DefaultCleanupBatch = 500
	MaxCleanupBatch     = 1000
	DefaultRetention    = 7 * 24 * time.Hour
	DefaultResetLimit   = 100
	MaxResetLimit       = 1000
	// ResetRetryBudget is the number of fresh attempts an operator reset grants.
	ResetRetryBudget = 5
)

// ReclaimExpired returns jobs whose lease has elapsed to pending so another
// worker can pick them up, and reports how many it moved.
func (q *Queue) ReclaimExpired(ctx context.Context, limit int) (int, error) {
	limit = clampInt(limit, 1, MaxReclaimLimit, DefaultReclaimLimit)
	now, err := q.store.Now(ctx)
	if err != nil {
		return 0, err
	}
	candidates, err := q.store.ListExpiredLeases(ctx, now, limit)
	if err != nil {
		return 0, fmt.Errorf("reclaim: %w", err)
	}

	reclaimed := 0
	for _, c := range candidates {
		_, err := q.store.Update(ctx, c.ID, func(job *models.Job) error {
			// Heartbeats and transitions may land between the scan and this update.
			if job.Status != models.StatusInProgress || job.LeaseExpiresAt == nil || !job.LeaseExpiresAt.Before(now) {
				return errSkip
			}
			job.Status = models.StatusPending
			job.LeaseExpiresAt = nil
			if job.ScheduledFor == nil {
				job.ScheduledFor = models.TimePtr(now)
			}
			job.UpdatedAt = now
			return nil
		})
		if skippable(err) {
			continue
		}
		if err != nil {
			return reclaimed, fmt.Errorf("reclaim %s: %w", c.ID, err)
		}
		reclaimed++
		q.log.Info("reclaimed expired lease",
			zap.String("job_id", c.ID),
			zap.String("type", c.Type),
			zap.Int("attempts", c.Attempts))
	}
	q.metrics.Reclaimed.Add(float64(reclaimed))
	return reclaimed, nil
}

// CleanupRequest bounds a retention sweep. Zero values take the defaults.
type CleanupRequest struct {
	Retention time.Duration
	BatchSize int
}

// CleanupSucceeded deletes succeeded jobs last updated before the retention
// window. Failed jobs are kept for inspection.
func (q *Queue) CleanupSucceeded(ctx context.Context, req CleanupRequest) (int, error) {
	retention := req.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}
	batch := clampInt(req.BatchSize, 1, MaxCleanupBatch, DefaultCleanupBatch)

	now, err := q.store.Now(ctx)
	if err != nil {
		return 0, err
	}
	deleted, err := q.store.DeleteSucceededBefore(ctx, now.Add(-retention), batch)
	q.metrics.Swept.Add(float64(deleted))
	if err != nil {
		return deleted, fmt.Errorf("cleanup: %w", err)
	}
	return deleted, nil
}

// ResetRequest selects failed jobs for an operator reset.
type ResetRequest struct {
	Type  string `json:"type,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

// ResetResult reports what a reset did. Skipped jobs had their dedupe key
// taken by a newer active job and stay failed.
type ResetResult struct {
	Reset   int `json:"reset"`
	Skipped int `json:"skipped"`
}

// ResetFailed returns failed jobs to pending with ResetRetryBudget further
// attempts, immediately eligible. The last error is kept for inspection.
func (q *Queue) ResetFailed(ctx context.Context, req ResetRequest) (ResetResult, error) {
	limit := clampInt(req.Limit, 1, MaxResetLimit, DefaultResetLimit)
	now, err := q.store.Now(ctx)
	if err != nil {
		return ResetResult{}, err
	}
	failed, err := q.store.ListByStatus(ctx, models.StatusFailed, req.Type, limit)
	if err != nil {
		return ResetResult{}, fmt.Errorf("reset: %w", err)
	}

	var res ResetResult
	for _, c := range failed {
		_, err := q.store.Update(ctx, c.ID, func(job *models.Job) error {
			if job.Status != models.StatusFailed {
				return errSkip
			}
			job.Status = models.StatusPending
			job.MaxAttempts = job.Attempts + ResetRetryBudget
			job.ScheduledFor = nil
			job.UpdatedAt = now
			return nil
		})
		switch {
		case errors.Is(err, store.ErrDuplicate):
			res.Skipped++
		case skippable(err):
		case err != nil:
			return res, fmt.Errorf("reset %s: %w", c.ID, err)
		default:
			res.Reset++
		}
	}
	q.metrics.Reset.Add(float64(res.Reset))
	if res.Reset > 0 || res.Skipped > 0 {
		q.log.Info("reset failed jobs", zap.Int("reset", res.Reset), zap.Int("skipped", res.Skipped), zap.String("type", req.Type))
	}
	return res, nil
}
