package queue

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"enrichment-scheduler/internal/models"
)

// CompleteRequest carries the result of a finished job.
type CompleteRequest struct {
	Result     map[string]any
	LeaseToken int
}

// Complete marks an in-progress job succeeded. Completing a job that already
// succeeded is a no-op; any other status fails with ErrNotInProgress.
func (q *Queue) Complete(ctx context.Context, id string, req CompleteRequest) error {
	now, err := q.store.Now(ctx)
	if err != nil {
		return err
	}
	job, err := q.store.Update(ctx, id, func(job *models.Job) error {
		if job.Status == models.StatusSucceeded && (req.LeaseToken == 0 || req.LeaseToken == job.Attempts) {
			return errSkip
		}
		if err := checkHolder(job, req.LeaseToken); err != nil {
			return err
		}
		job.Status = models.StatusSucceeded
		job.LeaseExpiresAt = nil
		job.LastError = nil
		job.Result = req.Result
		job.UpdatedAt = now
		return nil
	})
	if errors.Is(err, errSkip) {
		return nil
	}
	if err != nil {
		return q.transitionErr("complete", id, err)
	}
	q.metrics.Completed.WithLabelValues(job.Type).Inc()
	return nil
}

// FailRequest reports a handler error. RetryBackoff and AllowRetry override
// the computed delay and the attempts-based retry decision when set.
type FailRequest struct {
	Error        string
	RetryBackoff *time.Duration
	AllowRetry   *bool
	LeaseToken   int
}

// FailResult is either a rescheduled pending job or a terminal failure.
type FailResult struct {
	Status       string     `json:"status"`
	ScheduledFor *time.Time `json:"scheduledFor,omitempty"`
}

// Fail converts a handler error into a scheduled retry or a terminal failure.
// The default delay is exponential in the attempts counter of the failed lease.
func (q *Queue) Fail(ctx context.Context, id string, req FailRequest) (FailResult, error) {
	now, err := q.store.Now(ctx)
	if err != nil {
		return FailResult{}, err
	}
	job, err := q.store.Update(ctx, id, func(job *models.Job) error {
		if err := checkHolder(job, req.LeaseToken); err != nil {
			return err
		}
		retry := job.Attempts < job.MaxAttempts
		if req.AllowRetry != nil {
			retry = *req.AllowRetry
		}
		job.LeaseExpiresAt = nil
		job.LastError = models.StringPtr(req.Error)
		job.UpdatedAt = now
		if !retry {
			job.Status = models.StatusFailed
			return nil
		}
		delay := RetryDelay(job.Attempts)
		if req.RetryBackoff != nil {
			delay = capRetryDelay(*req.RetryBackoff)
		}
		job.Status = models.StatusPending
		job.ScheduledFor = models.TimePtr(now.Add(delay))
		return nil
	})
	if err != nil {
		return FailResult{}, q.transitionErr("fail", id, err)
	}

	if job.Status == models.StatusFailed {
		q.metrics.Failed.WithLabelValues(job.Type).Inc()
		q.log.Info("job failed permanently",
			zap.String("job_id", id),
			zap.String("type", job.Type),
			zap.Int("attempts", job.Attempts),
			zap.String("error", req.Error))
		return FailResult{Status: models.StatusFailed}, nil
	}
	q.metrics.Retried.WithLabelValues(job.Type).Inc()
	return FailResult{Status: models.StatusPending, ScheduledFor: job.ScheduledFor}, nil
}

// ReleaseRequest gives a lease back without spending another attempt.
type ReleaseRequest struct {
	Reason        string
	RescheduleFor *time.Time
	LeaseToken    int
}

// Release returns an in-progress job to pending, eligible at RescheduleFor or
// immediately. Jobs in any other status are left untouched.
func (q *Queue) Release(ctx context.Context, id string, req ReleaseRequest) error {
	now, err := q.store.Now(ctx)
	if err != nil {
		return err
	}
	job, err := q.store.Update(ctx, id, func(job *models.Job) error {
		if job.Status != models.StatusInProgress {
			return errSkip
		}
		if err := checkHolder(job, req.LeaseToken); err != nil {
			return err
		}
		job.Status = models.StatusPending
		job.LeaseExpiresAt = nil
		job.ScheduledFor = nil
		if req.RescheduleFor != nil {
			job.ScheduledFor = models.TimePtr(req.RescheduleFor.UTC())
		}
		if req.Reason != "" {
			job.LastError = models.StringPtr(req.Reason)
		}
		job.UpdatedAt = now
		return nil
	})
	if errors.Is(err, errSkip) {
		return nil
	}
	if err != nil {
		return q.transitionErr("release", id, err)
	}
	q.metrics.Released.WithLabelValues(job.Type).Inc()
	return nil
}
