package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"enrichment-scheduler/internal/models"
)

const jobColumns = `id, type, status, priority, user_id, video_id, file_id, payload, attempts, max_attempts,
	scheduled_for, lease_expires_at, dedupe_key, last_error, result, version, created_at, updated_at`

// PostgresStore wraps pgxpool for Postgres persistence.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresStore) Now(ctx context.Context) (time.Time, error) {
	var now time.Time
	if err := s.pool.QueryRow(ctx, `SELECT clock_timestamp()`).Scan(&now); err != nil {
		return time.Time{}, fmt.Errorf("read clock: %w", err)
	}
	return now.UTC(), nil
}

// Insert writes the job row. The partial unique index on dedupe_key turns a
// concurrent duplicate into a no-op, after which the active holder is returned.
func (s *PostgresStore) Insert(ctx context.Context, job models.Job) (models.Job, bool, error) {
	payloadJSON, err := json.Marshal(nonNilDoc(job.Payload))
	if err != nil {
		return models.Job{}, false, fmt.Errorf("marshal payload: %w", err)
	}
	resultJSON, err := marshalNullable(job.Result)
	if err != nil {
		return models.Job{}, false, err
	}

	for i := 0; i < 3; i++ {
		tag, err := s.pool.Exec(ctx, `
			INSERT INTO jobs (`+jobColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
			ON CONFLICT (dedupe_key) WHERE dedupe_key IS NOT NULL AND status <> 'failed' DO NOTHING
		`, job.ID, job.Type, job.Status, job.Priority, job.UserID, job.VideoID, job.FileID, payloadJSON,
			job.Attempts, job.MaxAttempts, job.ScheduledFor, job.LeaseExpiresAt, job.DedupeKey, job.LastError,
			resultJSON, job.Version, job.CreatedAt, job.UpdatedAt)
		if err != nil {
			return models.Job{}, false, fmt.Errorf("insert job: %w", err)
		}
		if tag.RowsAffected() == 1 {
			return job, false, nil
		}
		if job.DedupeKey == nil {
			return models.Job{}, false, fmt.Errorf("insert job %s: no row written", job.ID)
		}
		existing, err := s.findActiveByDedupeKey(ctx, *job.DedupeKey)
		if errors.Is(err, ErrNotFound) {
			// The holder failed between our insert and the lookup; try again.
			continue
		}
		if err != nil {
			return models.Job{}, false, err
		}
		return existing, true, nil
	}
	return models.Job{}, false, fmt.Errorf("insert job: %w", ErrConflict)
}

func (s *PostgresStore) findActiveByDedupeKey(ctx context.Context, key string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE dedupe_key = $1 AND status <> 'failed'
	`, key)
	return scanJob(row)
}

// Get fetches a job by id.
func (s *PostgresStore) Get(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	return scanJob(row)
}

func (s *PostgresStore) ListPending(ctx context.Context, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = $1
		ORDER BY priority ASC, created_at ASC
		LIMIT $2
	`, models.StatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	return collectJobs(rows)
}

func (s *PostgresStore) ListExpiredLeases(ctx context.Context, now time.Time, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE lease_expires_at IS NOT NULL AND lease_expires_at < $1
		ORDER BY lease_expires_at ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired leases: %w", err)
	}
	return collectJobs(rows)
}

func (s *PostgresStore) ListByStatus(ctx context.Context, status, jobType string, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = $1 AND ($2::text = '' OR type = $2)
		ORDER BY updated_at ASC
		LIMIT $3
	`, status, jobType, limit)
	if err != nil {
		return nil, fmt.Errorf("list %s jobs: %w", status, err)
	}
	return collectJobs(rows)
}

// Update locks the row for the duration of fn so concurrent writers serialize.
func (s *PostgresStore) Update(ctx context.Context, id string, fn Mutation) (models.Job, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	job, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return models.Job{}, err
	}
	if err := fn(&job); err != nil {
		return models.Job{}, err
	}
	job.Version++

	payloadJSON, err := json.Marshal(nonNilDoc(job.Payload))
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal payload: %w", err)
	}
	resultJSON, err := marshalNullable(job.Result)
	if err != nil {
		return models.Job{}, err
	}
	_, err = tx.Exec(ctx, `
		UPDATE jobs
		SET status = $2, priority = $3, payload = $4, attempts = $5, max_attempts = $6, scheduled_for = $7,
			lease_expires_at = $8, last_error = $9, result = $10, version = $11, updated_at = $12
		WHERE id = $1
	`, job.ID, job.Status, job.Priority, payloadJSON, job.Attempts, job.MaxAttempts, job.ScheduledFor,
		job.LeaseExpiresAt, job.LastError, resultJSON, job.Version, job.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return models.Job{}, ErrDuplicate
		}
		return models.Job{}, fmt.Errorf("update job: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) DeleteSucceededBefore(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM jobs
		WHERE id IN (
			SELECT id FROM jobs
			WHERE status = $1 AND updated_at < $2
			ORDER BY updated_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
	`, models.StatusSucceeded, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("delete succeeded jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) CountByStatus(ctx context.Context, status, jobType string) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs WHERE status = $1 AND ($2::text = '' OR type = $2)
	`, status, jobType).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s jobs: %w", status, err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (models.Job, error) {
	var job models.Job
	var payloadJSON, resultJSON []byte
	var scheduled, lease pgtype.Timestamptz
	var dedupe, lastErr pgtype.Text

	if err := row.Scan(&job.ID, &job.Type, &job.Status, &job.Priority, &job.UserID, &job.VideoID, &job.FileID,
		&payloadJSON, &job.Attempts, &job.MaxAttempts, &scheduled, &lease, &dedupe, &lastErr, &resultJSON,
		&job.Version, &job.CreatedAt, &job.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, ErrNotFound
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}

	if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	if len(resultJSON) > 0 {
		if err := json.Unmarshal(resultJSON, &job.Result); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	job.ScheduledFor = timePtr(scheduled)
	job.LeaseExpiresAt = timePtr(lease)
	job.DedupeKey = textPtr(dedupe)
	job.LastError = textPtr(lastErr)
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	return job, nil
}

func collectJobs(rows pgx.Rows) ([]models.Job, error) {
	defer rows.Close()
	var out []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

func marshalNullable(doc map[string]any) ([]byte, error) {
	if doc == nil {
		return nil, nil
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return data, nil
}

func nonNilDoc(doc map[string]any) map[string]any {
	if doc == nil {
		return map[string]any{}
	}
	return doc
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time.UTC()
		return &v
	}
	return nil
}
