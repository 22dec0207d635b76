package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"enrichment-scheduler/internal/models"
)

const redisTxRetries = 8

// RedisStore keeps one JSON document per job plus sorted-set indexes for
// pending order, lease expiry, and succeeded age. Every mutation runs inside
// WATCH/MULTI on the job key so writers to the same job serialize.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedis builds a store on an existing client. Keys are namespaced by prefix.
func NewRedis(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "jobs"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) jobKey(id string) string { return s.prefix + ":job:" + id }
func (s *RedisStore) pendingKey() string { return s.prefix + ":pending" }
func (s *RedisStore) leasesKey() string { return s.prefix + ":leases" }
func (s *RedisStore) succeededKey() string { return s.prefix + ":succeeded" }
func (s *RedisStore) dedupeKey(key string) string { return s.prefix + ":dedupe:" + key }
func (s *RedisStore) statusKey(status string) string { return s.prefix + ":status:" + status }
func (s *RedisStore) statusTypeKey(status, t string) string {
	return s.prefix + ":status:" + status + ":type:" + t
}

// pendingMember orders equal priorities by creation time through lexical order.
func pendingMember(job models.Job) string {
	return fmt.Sprintf("%020d:%s", job.CreatedAt.UnixNano(), job.ID)
}

func idFromPendingMember(member string) string {
	if i := strings.IndexByte(member, ':'); i >= 0 {
		return member[i+1:]
	}
	return member
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Now(ctx context.Context) (time.Time, error) {
	now, err := s.client.Time(ctx).Result()
	if err != nil {
		return time.Time{}, fmt.Errorf("read clock: %w", err)
	}
	return now.UTC(), nil
}

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) load(ctx context.Context, c stringGetter, id string) (models.Job, error) {
	data, err := c.Get(ctx, s.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	var job models.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return models.Job{}, fmt.Errorf("decode job %s: %w", id, err)
	}
	return job, nil
}

// write queues the document and index changes for job, removing the index
// entries of old when given.
func (s *RedisStore) write(ctx context.Context, pipe redis.Pipeliner, old *models.Job, job models.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	pipe.Set(ctx, s.jobKey(job.ID), data, 0)
	if old != nil {
		pipe.ZRem(ctx, s.pendingKey(), pendingMember(*old))
		pipe.ZRem(ctx, s.leasesKey(), old.ID)
		pipe.ZRem(ctx, s.succeededKey(), old.ID)
		pipe.SRem(ctx, s.statusKey(old.Status), old.ID)
		pipe.SRem(ctx, s.statusTypeKey(old.Status, old.Type), old.ID)
	}
	switch job.Status {
	case models.StatusPending:
		pipe.ZAdd(ctx, s.pendingKey(), redis.Z{Score: float64(job.Priority), Member: pendingMember(job)})
	case models.StatusInProgress:
		if job.LeaseExpiresAt != nil {
			pipe.ZAdd(ctx, s.leasesKey(), redis.Z{Score: float64(job.LeaseExpiresAt.UnixMilli()), Member: job.ID})
		}
	case models.StatusSucceeded:
		pipe.ZAdd(ctx, s.succeededKey(), redis.Z{Score: float64(job.UpdatedAt.UnixMilli()), Member: job.ID})
	}
	pipe.SAdd(ctx, s.statusKey(job.Status), job.ID)
	pipe.SAdd(ctx, s.statusTypeKey(job.Status, job.Type), job.ID)
	return nil
}

// Insert claims the dedupe key under WATCH so only one active holder exists.
func (s *RedisStore) Insert(ctx context.Context, job models.Job) (models.Job, bool, error) {
	if job.DedupeKey == nil {
		_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return s.write(ctx, pipe, nil, job)
		})
		if err != nil {
			return models.Job{}, false, fmt.Errorf("insert job: %w", err)
		}
		return job, false, nil
	}

	dk := s.dedupeKey(*job.DedupeKey)
	for i := 0; i < redisTxRetries; i++ {
		var existing *models.Job
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			holder, err := tx.Get(ctx, dk).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return fmt.Errorf("read dedupe key: %w", err)
			}
			if holder != "" {
				if err := tx.Watch(ctx, s.jobKey(holder)).Err(); err != nil {
					return err
				}
				held, err := s.load(ctx, tx, holder)
				switch {
				case err == nil && held.HoldsDedupeKey():
					existing = &held
					return nil
				case err != nil && !errors.Is(err, ErrNotFound):
					return err
				}
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, dk, job.ID, 0)
				return s.write(ctx, pipe, nil, job)
			})
			return err
		}, dk)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return models.Job{}, false, fmt.Errorf("insert job: %w", err)
		}
		if existing != nil {
			return *existing, true, nil
		}
		return job, false, nil
	}
	return models.Job{}, false, fmt.Errorf("insert job: %w", ErrConflict)
}

func (s *RedisStore) Get(ctx context.Context, id string) (models.Job, error) {
	return s.load(ctx, s.client, id)
}

func (s *RedisStore) loadMany(ctx context.Context, ids []string) ([]models.Job, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.jobKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget jobs: %w", err)
	}
	out := make([]models.Job, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			// Index entry outlived its document.
			continue
		}
		var job models.Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			return nil, fmt.Errorf("decode job %s: %w", ids[i], err)
		}
		out = append(out, job)
	}
	return out, nil
}

func (s *RedisStore) ListPending(ctx context.Context, limit int) ([]models.Job, error) {
	members, err := s.client.ZRange(ctx, s.pendingKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = idFromPendingMember(m)
	}
	return s.loadMany(ctx, ids)
}

func (s *RedisStore) ListExpiredLeases(ctx context.Context, now time.Time, limit int) ([]models.Job, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.leasesKey(), &redis.ZRangeBy{
		Min:    "-inf",
		Max:    "(" + strconv.FormatInt(now.UnixMilli(), 10),
		Offset: 0,
		Count:  int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list expired leases: %w", err)
	}
	return s.loadMany(ctx, ids)
}

func (s *RedisStore) ListByStatus(ctx context.Context, status, jobType string, limit int) ([]models.Job, error) {
	key := s.statusKey(status)
	if jobType != "" {
		key = s.statusTypeKey(status, jobType)
	}
	var ids []string
	var cursor uint64
	for len(ids) < limit {
		batch, next, err := s.client.SScan(ctx, key, cursor, "", int64(limit)).Result()
		if err != nil {
			return nil, fmt.Errorf("scan %s jobs: %w", status, err)
		}
		ids = append(ids, batch...)
		if next == 0 {
			break
		}
		cursor = next
	}
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return s.loadMany(ctx, ids)
}

// Update re-reads the job under WATCH, applies fn, and commits with MULTI.
// A concurrent write to the same job aborts the commit and fn runs again on
// the fresh document.
func (s *RedisStore) Update(ctx context.Context, id string, fn Mutation) (models.Job, error) {
	for i := 0; i < redisTxRetries; i++ {
		var updated models.Job
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			old, err := s.load(ctx, tx, id)
			if err != nil {
				return err
			}
			job := old
			if err := fn(&job); err != nil {
				return err
			}
			job.Version++

			var dk, holder string
			if job.DedupeKey != nil && old.HoldsDedupeKey() != job.HoldsDedupeKey() {
				dk = s.dedupeKey(*job.DedupeKey)
				if err := tx.Watch(ctx, dk).Err(); err != nil {
					return err
				}
				holder, err = tx.Get(ctx, dk).Result()
				if err != nil && !errors.Is(err, redis.Nil) {
					return fmt.Errorf("read dedupe key: %w", err)
				}
				if job.HoldsDedupeKey() && holder != "" && holder != id {
					other, err := s.load(ctx, tx, holder)
					if err == nil && other.HoldsDedupeKey() {
						return ErrDuplicate
					}
				}
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				if dk != "" {
					if job.HoldsDedupeKey() {
						pipe.Set(ctx, dk, id, 0)
					} else if holder == id {
						pipe.Del(ctx, dk)
					}
				}
				return s.write(ctx, pipe, &old, job)
			})
			if err != nil {
				return err
			}
			updated = job
			return nil
		}, s.jobKey(id))
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return models.Job{}, err
		}
		return updated, nil
	}
	return models.Job{}, ErrConflict
}

func (s *RedisStore) DeleteSucceededBefore(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.succeededKey(), &redis.ZRangeBy{
		Min:    "-inf",
		Max:    "(" + strconv.FormatInt(cutoff.UnixMilli(), 10),
		Offset: 0,
		Count:  int64(limit),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("list succeeded jobs: %w", err)
	}

	deleted := 0
	for _, id := range ids {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			job, err := s.load(ctx, tx, id)
			if errors.Is(err, ErrNotFound) {
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.ZRem(ctx, s.succeededKey(), id)
					return nil
				})
				return err
			}
			if err != nil {
				return err
			}
			if job.Status != models.StatusSucceeded || !job.UpdatedAt.Before(cutoff) {
				return nil
			}
			var dk, holder string
			if job.DedupeKey != nil {
				dk = s.dedupeKey(*job.DedupeKey)
				if err := tx.Watch(ctx, dk).Err(); err != nil {
					return err
				}
				holder, _ = tx.Get(ctx, dk).Result()
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, s.jobKey(id))
				pipe.ZRem(ctx, s.succeededKey(), id)
				pipe.SRem(ctx, s.statusKey(job.Status), id)
				pipe.SRem(ctx, s.statusTypeKey(job.Status, job.Type), id)
				if dk != "" && holder == id {
					pipe.Del(ctx, dk)
				}
				return nil
			})
			if err == nil {
				deleted++
			}
			return err
		}, s.jobKey(id))
		if errors.Is(err, redis.TxFailedErr) {
			// Touched concurrently; the next sweep re-evaluates it.
			continue
		}
		if err != nil {
			return deleted, fmt.Errorf("delete job %s: %w", id, err)
		}
	}
	return deleted, nil
}

func (s *RedisStore) CountByStatus(ctx context.Context, status, jobType string) (int64, error) {
	key := s.statusKey(status)
	if jobType != "" {
		key = s.statusTypeKey(status, jobType)
	}
	n, err := s.client.SCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("count %s jobs: %w", status, err)
	}
	return n, nil
}
