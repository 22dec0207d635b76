package store

import (
	"context"
	"errors"
	"time"

	"enrichment-scheduler/internal/models"
)

var (
	// ErrNotFound is returned when a job id is unknown to the store.
	ErrNotFound = errors.New("job not found")
	// ErrDuplicate is returned when a mutation would give a dedupe key a second active holder.
	ErrDuplicate = errors.New("dedupe key held by another active job")
	// ErrConflict is returned when optimistic retries of a mutation are exhausted.
	ErrConflict = errors.New("concurrent modification")
)

// Mutation edits a job in place inside an atomic read-modify-write. Returning an
// error aborts the write and the error is passed through to the caller unchanged.
type Mutation func(job *models.Job) error

// Store is the durable job collection. Every method is a single-document
// transaction or a bounded range query.
type Store interface {
	// Now reads the store's clock, which is authoritative for lease comparisons.
	Now(ctx context.Context) (time.Time, error)
	// Insert stores job as-is, unless a job holding the same dedupe key exists
	// with status != failed; in that case the existing job is returned with true.
	Insert(ctx context.Context, job models.Job) (models.Job, bool, error)
	Get(ctx context.Context, id string) (models.Job, error)
	// ListPending returns up to limit pending jobs by ascending priority, then createdAt.
	ListPending(ctx context.Context, limit int) ([]models.Job, error)
	// ListExpiredLeases returns up to limit jobs whose lease expired before now.
	ListExpiredLeases(ctx context.Context, now time.Time, limit int) ([]models.Job, error)
	// ListByStatus returns up to limit jobs in status, optionally of one type.
	ListByStatus(ctx context.Context, status, jobType string, limit int) ([]models.Job, error)
	// Update applies fn atomically and bumps the job version.
	Update(ctx context.Context, id string, fn Mutation) (models.Job, error)
	// DeleteSucceededBefore removes up to limit succeeded jobs last updated before cutoff.
	DeleteSucceededBefore(ctx context.Context, cutoff time.Time, limit int) (int, error)
	CountByStatus(ctx context.Context, status, jobType string) (int64, error)
	Close() error
}
