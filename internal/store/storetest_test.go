package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"enrichment-scheduler/internal/models"
)

var suiteBase = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func newPendingJob(jobType string, priority int, created time.Time) models.Job {
	return models.Job{
		ID:          uuid.NewString(),
		Type:        jobType,
		Status:      models.StatusPending,
		Priority:    priority,
		VideoID:     "dQw4w9WgXcQ",
		Payload:     map[string]any{"language": "en"},
		MaxAttempts: 5,
		CreatedAt:   created,
		UpdatedAt:   created,
	}
}

func withDedupe(job models.Job, key string) models.Job {
	job.DedupeKey = &key
	return job
}

// runStoreSuite exercises the Store contract shared by every backend.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("InsertAndGet", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		job := newPendingJob(models.TypeEnsureTranscript, 100, suiteBase)
		job.UserID = "user-1"

		got, existing, err := st.Insert(ctx, job)
		if err != nil || existing {
			t.Fatalf("Insert() = existing %v, err %v", existing, err)
		}
		if got.ID != job.ID {
			t.Fatalf("Insert() returned id %s, want %s", got.ID, job.ID)
		}

		loaded, err := st.Get(ctx, job.ID)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if loaded.Status != models.StatusPending || loaded.UserID != "user-1" || loaded.Payload["language"] != "en" {
			t.Fatalf("Get() = %+v", loaded)
		}
		if !loaded.CreatedAt.Equal(suiteBase) {
			t.Fatalf("CreatedAt = %s, want %s", loaded.CreatedAt, suiteBase)
		}

		if _, err := st.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Get(missing) error = %v, want ErrNotFound", err)
		}
	})

	t.Run("DedupeKeyHeldUntilFailed", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		key := "video.ensure_transcript:" + uuid.NewString()
		first := withDedupe(newPendingJob(models.TypeEnsureTranscript, 100, suiteBase), key)
		if _, _, err := st.Insert(ctx, first); err != nil {
			t.Fatalf("Insert() error = %v", err)
		}

		dup := withDedupe(newPendingJob(models.TypeEnsureTranscript, 100, suiteBase), key)
		got, existing, err := st.Insert(ctx, dup)
		if err != nil {
			t.Fatalf("Insert(dup) error = %v", err)
		}
		if !existing || got.ID != first.ID {
			t.Fatalf("Insert(dup) = %s existing=%v, want %s existing=true", got.ID, existing, first.ID)
		}

		if _, err := st.Update(ctx, first.ID, func(j *models.Job) error {
			j.Status = models.StatusFailed
			return nil
		}); err != nil {
			t.Fatalf("Update() error = %v", err)
		}

		fresh := withDedupe(newPendingJob(models.TypeEnsureTranscript, 100, suiteBase), key)
		got, existing, err = st.Insert(ctx, fresh)
		if err != nil || existing || got.ID != fresh.ID {
			t.Fatalf("Insert(after fail) = %s existing=%v err=%v, want new job", got.ID, existing, err)
		}

		// Reviving the failed holder would give the key two active jobs.
		_, err = st.Update(ctx, first.ID, func(j *models.Job) error {
			j.Status = models.StatusPending
			return nil
		})
		if !errors.Is(err, ErrDuplicate) {
			t.Fatalf("Update(revive) error = %v, want ErrDuplicate", err)
		}
	})

	t.Run("ListPendingOrder", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		a := newPendingJob(models.TypeFetchMetadata, 50, suiteBase)
		b := newPendingJob(models.TypeFetchMetadata, 10, suiteBase.Add(time.Second))
		c := newPendingJob(models.TypeFetchMetadata, 100, suiteBase)
		d := newPendingJob(models.TypeFetchMetadata, 50, suiteBase.Add(2*time.Second))
		for _, j := range []models.Job{a, b, c, d} {
			if _, _, err := st.Insert(ctx, j); err != nil {
				t.Fatalf("Insert() error = %v", err)
			}
		}

		got, err := st.ListPending(ctx, 3)
		if err != nil {
			t.Fatalf("ListPending() error = %v", err)
		}
		want := []string{b.ID, a.ID, d.ID}
		if len(got) != len(want) {
			t.Fatalf("ListPending() returned %d jobs, want %d", len(got), len(want))
		}
		for i := range want {
			if got[i].ID != want[i] {
				t.Fatalf("ListPending()[%d] = %s (priority %d), want %s", i, got[i].ID, got[i].Priority, want[i])
			}
		}
	})

	t.Run("UpdateAbortAndVersion", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		job := newPendingJob(models.TypeFetchMetadata, 100, suiteBase)
		if _, _, err := st.Insert(ctx, job); err != nil {
			t.Fatalf("Insert() error = %v", err)
		}

		abort := errors.New("abort")
		if _, err := st.Update(ctx, job.ID, func(j *models.Job) error {
			j.Status = models.StatusSucceeded
			return abort
		}); !errors.Is(err, abort) {
			t.Fatalf("Update() error = %v, want abort", err)
		}
		loaded, _ := st.Get(ctx, job.ID)
		if loaded.Status != models.StatusPending || loaded.Version != 0 {
			t.Fatalf("aborted update persisted: %+v", loaded)
		}

		updated, err := st.Update(ctx, job.ID, func(j *models.Job) error {
			j.Result = map[string]any{"title": "hello"}
			j.Status = models.StatusSucceeded
			return nil
		})
		if err != nil {
			t.Fatalf("Update() error = %v", err)
		}
		if updated.Version != 1 {
			t.Fatalf("Version = %d, want 1", updated.Version)
		}
		loaded, _ = st.Get(ctx, job.ID)
		if loaded.Result["title"] != "hello" || loaded.Status != models.StatusSucceeded {
			t.Fatalf("Get() after update = %+v", loaded)
		}

		if _, err := st.Update(ctx, "missing", func(*models.Job) error { return nil }); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Update(missing) error = %v, want ErrNotFound", err)
		}
	})

	t.Run("ExpiredLeases", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		expired := newPendingJob(models.TypeFetchMetadata, 100, suiteBase)
		live := newPendingJob(models.TypeFetchMetadata, 100, suiteBase)
		for i, j := range []models.Job{expired, live} {
			j.Status = models.StatusInProgress
			j.LeaseExpiresAt = models.TimePtr(suiteBase.Add(time.Duration(i*10) * time.Minute))
			if _, _, err := st.Insert(ctx, j); err != nil {
				t.Fatalf("Insert() error = %v", err)
			}
		}

		got, err := st.ListExpiredLeases(ctx, suiteBase.Add(5*time.Minute), 10)
		if err != nil {
			t.Fatalf("ListExpiredLeases() error = %v", err)
		}
		if len(got) != 1 || got[0].ID != expired.ID {
			t.Fatalf("ListExpiredLeases() = %v, want only %s", jobIDs(got), expired.ID)
		}
	})

	t.Run("DeleteSucceededBefore", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		key := "video.fetch_metadata:" + uuid.NewString()
		var old []models.Job
		for i := 0; i < 3; i++ {
			j := newPendingJob(models.TypeFetchMetadata, 100, suiteBase)
			j.Status = models.StatusSucceeded
			j.UpdatedAt = suiteBase.Add(time.Duration(i) * time.Minute)
			if i == 0 {
				j = withDedupe(j, key)
			}
			old = append(old, j)
		}
		recent := newPendingJob(models.TypeFetchMetadata, 100, suiteBase)
		recent.Status = models.StatusSucceeded
		recent.UpdatedAt = suiteBase.Add(48 * time.Hour)
		for _, j := range append(old, recent) {
			if _, _, err := st.Insert(ctx, j); err != nil {
				t.Fatalf("Insert() error = %v", err)
			}
		}

		cutoff := suiteBase.Add(24 * time.Hour)
		n, err := st.DeleteSucceededBefore(ctx, cutoff, 2)
		if err != nil || n != 2 {
			t.Fatalf("DeleteSucceededBefore(limit 2) = %d, %v", n, err)
		}
		n, err = st.DeleteSucceededBefore(ctx, cutoff, 10)
		if err != nil || n != 1 {
			t.Fatalf("DeleteSucceededBefore() second pass = %d, %v", n, err)
		}
		if _, err := st.Get(ctx, recent.ID); err != nil {
			t.Fatalf("recent job deleted: %v", err)
		}

		// The deleted job no longer holds its dedupe key.
		fresh := withDedupe(newPendingJob(models.TypeFetchMetadata, 100, suiteBase), key)
		if _, existing, err := st.Insert(ctx, fresh); err != nil || existing {
			t.Fatalf("Insert(after delete) existing=%v err=%v", existing, err)
		}
	})

	t.Run("CountByStatus", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		for i := 0; i < 3; i++ {
			if _, _, err := st.Insert(ctx, newPendingJob(models.TypeFetchMetadata, 100, suiteBase)); err != nil {
				t.Fatalf("Insert() error = %v", err)
			}
		}
		leased := newPendingJob(models.TypeEnsureTranscript, 100, suiteBase)
		if _, _, err := st.Insert(ctx, leased); err != nil {
			t.Fatalf("Insert() error = %v", err)
		}
		if _, err := st.Update(ctx, leased.ID, func(j *models.Job) error {
			j.Status = models.StatusInProgress
			j.LeaseExpiresAt = models.TimePtr(suiteBase.Add(time.Minute))
			return nil
		}); err != nil {
			t.Fatalf("Update() error = %v", err)
		}

		checks := []struct {
			status, jobType string
			want            int64
		}{
			{models.StatusPending, "", 3},
			{models.StatusPending, models.TypeFetchMetadata, 3},
			{models.StatusPending, models.TypeEnsureTranscript, 0},
			{models.StatusInProgress, "", 1},
			{models.StatusInProgress, models.TypeEnsureTranscript, 1},
		}
		for _, c := range checks {
			got, err := st.CountByStatus(ctx, c.status, c.jobType)
			if err != nil || got != c.want {
				t.Errorf("CountByStatus(%s, %q) = %d, %v; want %d", c.status, c.jobType, got, err, c.want)
			}
		}

		failed, err := st.ListByStatus(ctx, models.StatusInProgress, models.TypeEnsureTranscript, 10)
		if err != nil || len(failed) != 1 || failed[0].ID != leased.ID {
			t.Fatalf("ListByStatus() = %v, %v", jobIDs(failed), err)
		}
	})

	t.Run("ConcurrentClaimHasOneWinner", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		job := newPendingJob(models.TypeFetchMetadata, 100, suiteBase)
		if _, _, err := st.Insert(ctx, job); err != nil {
			t.Fatalf("Insert() error = %v", err)
		}

		errTaken := errors.New("taken")
		const workers = 8
		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := st.Update(ctx, job.ID, func(j *models.Job) error {
					if j.Status != models.StatusPending {
						return errTaken
					}
					j.Status = models.StatusInProgress
					j.Attempts++
					j.LeaseExpiresAt = models.TimePtr(suiteBase.Add(time.Minute))
					return nil
				})
				if err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				} else if !errors.Is(err, errTaken) && !errors.Is(err, ErrConflict) {
					t.Errorf("Update() unexpected error = %v", err)
				}
			}()
		}
		wg.Wait()

		if wins != 1 {
			t.Fatalf("%d workers claimed the job, want exactly 1", wins)
		}
		loaded, _ := st.Get(ctx, job.ID)
		if loaded.Attempts != 1 {
			t.Fatalf("Attempts = %d, want 1", loaded.Attempts)
		}
	})
}

func jobIDs(jobs []models.Job) []string {
	out := make([]string, len(jobs))
	for i, j := range jobs {
		out[i] = fmt.Sprintf("%s(%s)", j.ID, j.Status)
	}
	return out
}
