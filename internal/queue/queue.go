package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"enrichment-scheduler/internal/models"
	"enrichment-scheduler/internal/store"
	"enrichment-scheduler/internal/telemetry"
)

const (
	DefaultPriority    = 100
	DefaultMaxAttempts = 5
)

// Queue is the lease-based job queue. It holds no state of its own: every
// transition is a single atomic store update, so any number of Queue values
// in any number of processes may share one store.
type Queue struct {
	store   store.Store
	metrics *telemetry.Metrics
	log     *zap.Logger
	newID   func() string
}

// Option customizes a Queue.
type Option func(*Queue)

// WithMetrics records queue activity on m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// WithLogger sets the logger used for transitions worth an operator's attention.
func WithLogger(l *zap.Logger) Option {
	return func(q *Queue) { q.log = l }
}

// WithIDGenerator replaces the uuid generator for new job ids.
func WithIDGenerator(fn func() string) Option {
	return func(q *Queue) { q.newID = fn }
}

// New builds a Queue over st.
func New(st store.Store, opts ...Option) *Queue {
	q := &Queue{store: st, newID: uuid.NewString}
	for _, opt := range opts {
		opt(q)
	}
	if q.metrics == nil {
		q.metrics = telemetry.New()
	}
	if q.log == nil {
		q.log = zap.NewNop()
	}
	return q
}

// EnqueueRequest describes a job to create. Zero values take the defaults.
type EnqueueRequest struct {
	Type         string         `json:"type"`
	UserID       string         `json:"userId,omitempty"`
	VideoID      string         `json:"videoId,omitempty"`
	FileID       string         `json:"fileId,omitempty"`
	Priority     *int           `json:"priority,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
	DedupeKey    string         `json:"dedupeKey,omitempty"`
	ScheduledFor *time.Time     `json:"scheduledFor,omitempty"`
	MaxAttempts  *int           `json:"maxAttempts,omitempty"`
}

// EnqueueResult identifies the job answering an enqueue. Existing is true when
// an active job already held the dedupe key and no job was created.
type EnqueueResult struct {
	JobID    string `json:"jobId"`
	Existing bool   `json:"existing"`
}

// Enqueue inserts a pending job, or returns the active job already holding
// req.DedupeKey. A key whose holder failed may be reused.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (EnqueueResult, error) {
	if req.Type == "" {
		return EnqueueResult{}, invalidArgument("type is required")
	}
	corr := models.Correlation{UserID: req.UserID, VideoID: req.VideoID, FileID: req.FileID}
	if err := models.ValidatePayload(req.Type, req.Payload, corr); err != nil {
		return EnqueueResult{}, invalidArgument("%s payload: %v", req.Type, err)
	}
	priority := DefaultPriority
	if req.Priority != nil {
		priority = *req.Priority
	}
	maxAttempts := DefaultMaxAttempts
	if req.MaxAttempts != nil {
		if *req.MaxAttempts < 1 {
			return EnqueueResult{}, invalidArgument("maxAttempts must be at least 1, got %d", *req.MaxAttempts)
		}
		maxAttempts = *req.MaxAttempts
	}

	now, err := q.store.Now(ctx)
	if err != nil {
		return EnqueueResult{}, err
	}
	payload := req.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	job := models.Job{
		ID:          q.newID(),
		Type:        req.Type,
		Status:      models.StatusPending,
		Priority:    priority,
		UserID:      req.UserID,
		VideoID:     req.VideoID,
		FileID:      req.FileID,
		Payload:     payload,
		MaxAttempts: maxAttempts,
		DedupeKey:   models.StringPtr(req.DedupeKey),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if req.ScheduledFor != nil {
		job.ScheduledFor = models.TimePtr(req.ScheduledFor.UTC())
	}

	stored, existing, err := q.store.Insert(ctx, job)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("enqueue %s: %w", req.Type, err)
	}
	if existing {
		q.metrics.Deduplicated.WithLabelValues(req.Type).Inc()
		return EnqueueResult{JobID: stored.ID, Existing: true}, nil
	}
	q.metrics.Enqueued.WithLabelValues(req.Type).Inc()
	return EnqueueResult{JobID: stored.ID}, nil
}

// Get returns the job with id.
func (q *Queue) Get(ctx context.Context, id string) (models.Job, error) {
	job, err := q.store.Get(ctx, id)
	if err != nil {
		return models.Job{}, storeErr(err, id)
	}
	return job, nil
}

// Stats counts pending and in-progress jobs, optionally of one type.
func (q *Queue) Stats(ctx context.Context, jobType string) (models.Stats, error) {
	pending, err := q.store.CountByStatus(ctx, models.StatusPending, jobType)
	if err != nil {
		return models.Stats{}, err
	}
	inProgress, err := q.store.CountByStatus(ctx, models.StatusInProgress, jobType)
	if err != nil {
		return models.Stats{}, err
	}
	if jobType == "" {
		q.metrics.QueueDepth.WithLabelValues(models.StatusPending).Set(float64(pending))
		q.metrics.QueueDepth.WithLabelValues(models.StatusInProgress).Set(float64(inProgress))
	}
	return models.Stats{Pending: pending, InProgress: inProgress}, nil
}

// errSkip aborts a store mutation whose precondition no longer holds.
var errSkip = errors.New("skip")

// skippable reports whether a per-candidate update failure should move a scan
// on to the next candidate rather than abort it.
func skippable(err error) bool {
	return errors.Is(err, errSkip) || errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrConflict)
}
