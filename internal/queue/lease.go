package queue

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"enrichment-scheduler/internal/models"
)

const (
	MinLease         = 5 * time.Minute
	MaxLease         = 30 * time.Minute
	DefaultLease     = 5 * time.Minute
	DefaultHeartbeat = 5 * time.Minute
	MaxHeartbeat     = 30 * time.Minute
	DefaultLeaseScan = 20
	MaxLeaseScan     = 50
)

// LeaseRequest filters and sizes a lease acquisition. Zero values take the defaults.
type LeaseRequest struct {
	Types            []string      `json:"types,omitempty"`
	UserID           string        `json:"userId,omitempty"`
	Lease            time.Duration `json:"-"`
	IncludeScheduled bool          `json:"includeScheduled,omitempty"`
	Limit            int           `json:"limit,omitempty"`
}

func (r LeaseRequest) matches(job models.Job) bool {
	if len(r.Types) > 0 && !slices.Contains(r.Types, job.Type) {
		return false
	}
	return r.UserID == "" || job.UserID == r.UserID
}

// LeaseNext claims the first eligible pending job and returns its lease, or
// false when none is available.
//
// Only the first Limit pending jobs in priority order are examined before the
// type and user filters apply, so a narrowly filtered caller can miss a match
// that sits further back in a large queue.
func (q *Queue) LeaseNext(ctx context.Context, req LeaseRequest) (models.Lease, bool, error) {
	leaseFor := clampDuration(req.Lease, MinLease, MaxLease, DefaultLease)
	limit := clampInt(req.Limit, 1, MaxLeaseScan, DefaultLeaseScan)

	now, err := q.store.Now(ctx)
	if err != nil {
		return models.Lease{}, false, err
	}
	candidates, err := q.store.ListPending(ctx, limit)
	if err != nil {
		return models.Lease{}, false, fmt.Errorf("lease: %w", err)
	}

	for _, c := range candidates {
		if !req.matches(c) || (!req.IncludeScheduled && !c.EligibleAt(now)) {
			continue
		}
		claimed, err := q.store.Update(ctx, c.ID, func(job *models.Job) error {
			if job.Status != models.StatusPending {
				return errSkip
			}
			if !req.IncludeScheduled && !job.EligibleAt(now) {
				return errSkip
			}
			job.Status = models.StatusInProgress
			job.Attempts++
			job.LeaseExpiresAt = models.TimePtr(now.Add(leaseFor))
			job.UpdatedAt = now
			return nil
		})
		if skippable(err) {
			// Another worker won this job; keep scanning the batch.
			continue
		}
		if err != nil {
			return models.Lease{}, false, fmt.Errorf("lease %s: %w", c.ID, err)
		}
		q.metrics.Leased.WithLabelValues(claimed.Type).Inc()
		return models.LeaseFor(claimed), true, nil
	}
	return models.Lease{}, false, nil
}

// HeartbeatRequest extends a lease. LeaseToken is checked when non-zero.
type HeartbeatRequest struct {
	ExtendBy   time.Duration
	LeaseToken int
}

// Heartbeat pushes the lease expiry out by ExtendBy, measured from the
// current expiry rather than from now, and returns the new expiry.
func (q *Queue) Heartbeat(ctx context.Context, id string, req HeartbeatRequest) (time.Time, error) {
	extend := req.ExtendBy
	if extend <= 0 {
		extend = DefaultHeartbeat
	}
	extend = min(extend, MaxHeartbeat)

	now, err := q.store.Now(ctx)
	if err != nil {
		return time.Time{}, err
	}
	job, err := q.store.Update(ctx, id, func(job *models.Job) error {
		if err := checkHolder(job, req.LeaseToken); err != nil {
			return err
		}
		job.LeaseExpiresAt = models.TimePtr(job.LeaseExpiresAt.Add(extend))
		job.UpdatedAt = now
		return nil
	})
	if err != nil {
		return time.Time{}, q.transitionErr("heartbeat", id, err)
	}
	return *job.LeaseExpiresAt, nil
}

// checkHolder is the precondition shared by every transition out of
// in_progress: the job must be leased, and a presented token must be current.
func checkHolder(job *models.Job, token int) error {
	if token != 0 && token != job.Attempts {
		return fmt.Errorf("%w: job %s presented token %d, current %d", ErrLeaseLost, job.ID, token, job.Attempts)
	}
	if job.Status != models.StatusInProgress || job.LeaseExpiresAt == nil {
		return fmt.Errorf("%w: job %s is %s", ErrNotInProgress, job.ID, job.Status)
	}
	return nil
}

func (q *Queue) transitionErr(op, id string, err error) error {
	if errors.Is(err, ErrLeaseLost) {
		q.log.Warn("stale lease holder rejected", zap.String("op", op), zap.String("job_id", id), zap.Error(err))
		q.metrics.LeaseLost.WithLabelValues(op).Inc()
	}
	var qe *Error
	if errors.As(err, &qe) {
		return err
	}
	return fmt.Errorf("%s %s: %w", op, id, storeErr(err, id))
}
