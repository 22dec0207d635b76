package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"enrichment-scheduler/internal/models"
	"enrichment-scheduler/internal/queue"
	"enrichment-scheduler/internal/store"
)

func newTestQueue(t *testing.T) *queue.Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.NewRedis(client, "test")
	t.Cleanup(func() { _ = st.Close() })
	return queue.New(st)
}

func enqueueMetadata(t *testing.T, q *queue.Queue, videoID string) string {
	t.Helper()
	res, err := q.Enqueue(context.Background(), queue.EnqueueRequest{Type: models.TypeFetchMetadata, VideoID: videoID})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	return res.JobID
}

func getJob(t *testing.T, q *queue.Queue, id string) models.Job {
	t.Helper()
	job, err := q.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	return job
}

func TestProcessorCompletesJob(t *testing.T) {
	q := newTestQueue(t)
	id := enqueueMetadata(t, q, "vid-1")

	p := NewProcessor(q, Options{Concurrency: 2})
	p.RegisterHandler(models.TypeFetchMetadata, func(_ context.Context, l models.Lease) (map[string]any, error) {
		return map[string]any{"video": l.VideoID}, nil
	})

	n, err := p.Dispatch(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("Dispatch() = %d, %v; want 1", n, err)
	}
	job := getJob(t, q, id)
	if job.Status != models.StatusSucceeded || job.Result["video"] != "vid-1" {
		t.Fatalf("job after dispatch = %+v", job)
	}
}

func TestProcessorDispatchDrainsBatch(t *testing.T) {
	q := newTestQueue(t)
	for _, v := range []string{"a", "b", "c", "d", "e"} {
		enqueueMetadata(t, q, v)
	}
	var calls atomic.Int32
	p := NewProcessor(q, Options{Concurrency: 2, BatchSize: 3})
	p.RegisterHandler(models.TypeFetchMetadata, func(context.Context, models.Lease) (map[string]any, error) {
		calls.Add(1)
		return nil, nil
	})

	n, err := p.Dispatch(context.Background())
	if err != nil || n != 3 {
		t.Fatalf("Dispatch() = %d, %v; want 3", n, err)
	}
	n, err = p.Dispatch(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("second Dispatch() = %d, %v; want 2", n, err)
	}
	if calls.Load() != 5 {
		t.Fatalf("handler ran %d times, want 5", calls.Load())
	}
}

func TestProcessorFailureOutcomes(t *testing.T) {
	tests := []struct {
		name       string
		handler    Handler
		wantStatus string
		wantError  string
	}{
		{
			name:       "retryable",
			handler:    func(context.Context, models.Lease) (map[string]any, error) { return nil, errors.New("upstream timeout") },
			wantStatus: models.StatusPending,
			wantError:  "upstream timeout",
		},
		{
			name: "permanent",
			handler: func(context.Context, models.Lease) (map[string]any, error) {
				return nil, Permanent(errors.New("video is private"))
			},
			wantStatus: models.StatusFailed,
			wantError:  "video is private",
		},
		{
			name:       "panic",
			handler:    func(context.Context, models.Lease) (map[string]any, error) { panic("boom") },
			wantStatus: models.StatusPending,
			wantError:  "handler panic: boom",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := newTestQueue(t)
			id := enqueueMetadata(t, q, "vid-1")
			p := NewProcessor(q, Options{})
			p.RegisterHandler(models.TypeFetchMetadata, tt.handler)

			if n, err := p.Dispatch(context.Background()); err != nil || n != 1 {
				t.Fatalf("Dispatch() = %d, %v", n, err)
			}
			job := getJob(t, q, id)
			if job.Status != tt.wantStatus {
				t.Fatalf("status = %s, want %s", job.Status, tt.wantStatus)
			}
			if job.LastError == nil || *job.LastError != tt.wantError {
				t.Fatalf("lastError = %v, want %q", job.LastError, tt.wantError)
			}
		})
	}
}

func TestProcessorLeasesOnlyRegisteredTypes(t *testing.T) {
	q := newTestQueue(t)
	res, err := q.Enqueue(context.Background(), queue.EnqueueRequest{
		Type: models.TypeEnsureTranscript, VideoID: "vid-1", Priority: new(int),
	})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	metaID := enqueueMetadata(t, q, "vid-1")

	p := NewProcessor(q, Options{})
	p.RegisterHandler(models.TypeFetchMetadata, func(context.Context, models.Lease) (map[string]any, error) {
		return nil, nil
	})
	if n, err := p.Dispatch(context.Background()); err != nil || n != 1 {
		t.Fatalf("Dispatch() = %d, %v", n, err)
	}
	if job := getJob(t, q, res.JobID); job.Status != models.StatusPending {
		t.Fatalf("unhandled type was leased: %+v", job)
	}
	if job := getJob(t, q, metaID); job.Status != models.StatusSucceeded {
		t.Fatalf("handled job status = %s", job.Status)
	}
}

func TestProcessorReleasesOnShutdown(t *testing.T) {
	q := newTestQueue(t)
	id := enqueueMetadata(t, q, "vid-1")

	started := make(chan struct{})
	p := NewProcessor(q, Options{PollInterval: 10 * time.Millisecond})
	p.RegisterHandler(models.TypeFetchMetadata, func(ctx context.Context, _ models.Lease) (map[string]any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never started")
	}
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run() error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}

	job := getJob(t, q, id)
	if job.Status != models.StatusPending || job.Attempts != 1 {
		t.Fatalf("job after shutdown = %+v, want pending with attempts 1", job)
	}
	if job.LastError == nil || *job.LastError != ShutdownReason {
		t.Fatalf("lastError = %v, want %q", job.LastError, ShutdownReason)
	}
}

func TestProcessorRunRequiresHandlers(t *testing.T) {
	p := NewProcessor(newTestQueue(t), Options{})
	if err := p.Run(context.Background()); err == nil {
		t.Fatal("Run() without handlers returned nil")
	}
}

// lostLeaseQueue hands out one lease and then reports it lost on heartbeat.
type lostLeaseQueue struct {
	mu        sync.Mutex
	leased    bool
	completed int
	failed    int
}

func (f *lostLeaseQueue) LeaseNext(context.Context, queue.LeaseRequest) (models.Lease, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.leased {
		return models.Lease{}, false, nil
	}
	f.leased = true
	return models.Lease{JobID: "job-1", Type: models.TypeFetchMetadata, Attempts: 1, LeaseToken: 1}, true, nil
}

func (f *lostLeaseQueue) Heartbeat(context.Context, string, queue.HeartbeatRequest) (time.Time, error) {
	return time.Time{}, queue.ErrLeaseLost
}

func (f *lostLeaseQueue) Complete(context.Context, string, queue.CompleteRequest) error {
	f.mu.Lock()
	f.completed++
	f.mu.Unlock()
	return nil
}

func (f *lostLeaseQueue) Fail(context.Context, string, queue.FailRequest) (queue.FailResult, error) {
	f.mu.Lock()
	f.failed++
	f.mu.Unlock()
	return queue.FailResult{Status: models.StatusPending}, nil
}

func (f *lostLeaseQueue) Release(context.Context, string, queue.ReleaseRequest) error { return nil }

func TestProcessorStopsHandlerWhenLeaseLost(t *testing.T) {
	fq := &lostLeaseQueue{}
	p := NewProcessor(fq, Options{Lease: 30 * time.Millisecond})
	p.RegisterHandler(models.TypeFetchMetadata, func(ctx context.Context, _ models.Lease) (map[string]any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return nil, nil
		}
	})

	start := time.Now()
	if n, err := p.Dispatch(context.Background()); err != nil || n != 1 {
		t.Fatalf("Dispatch() = %d, %v", n, err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("handler kept running %s after losing its lease", elapsed)
	}
	if fq.completed != 0 || fq.failed != 0 {
		t.Fatalf("stale holder reported: completed=%d failed=%d", fq.completed, fq.failed)
	}
}

func TestPermanent(t *testing.T) {
	base := errors.New("bad payload")
	err := Permanent(base)
	if !IsPermanent(err) || !errors.Is(err, base) {
		t.Fatalf("Permanent() lost its cause: %v", err)
	}
	if IsPermanent(base) {
		t.Fatal("plain error reported permanent")
	}
	if Permanent(nil) != nil {
		t.Fatal("Permanent(nil) != nil")
	}
}

// expiryQueue hands out one lease and applies heartbeats the way the store
// does, extending from the current expiry.
type expiryQueue struct {
	lostLeaseQueue
	lease   time.Duration
	mu      sync.Mutex
	expiry  time.Time
	beats   int
	extends []time.Duration
}

func (q *expiryQueue) LeaseNext(ctx context.Context, req queue.LeaseRequest) (models.Lease, bool, error) {
	l, ok, err := q.lostLeaseQueue.LeaseNext(ctx, req)
	if ok {
		q.mu.Lock()
		q.expiry = time.Now().Add(q.lease)
		l.LeaseExpiresAt = q.expiry
		q.mu.Unlock()
	}
	return l, ok, err
}

func (q *expiryQueue) Heartbeat(_ context.Context, _ string, req queue.HeartbeatRequest) (time.Time, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.expiry = q.expiry.Add(req.ExtendBy)
	q.beats++
	q.extends = append(q.extends, req.ExtendBy)
	return q.expiry, nil
}

func TestProcessorHeartbeatKeepsExpiryOneLeaseAhead(t *testing.T) {
	const lease = 60 * time.Millisecond
	fq := &expiryQueue{lease: lease}
	p := NewProcessor(fq, Options{Lease: lease})
	p.RegisterHandler(models.TypeFetchMetadata, func(context.Context, models.Lease) (map[string]any, error) {
		time.Sleep(600 * time.Millisecond)
		return nil, nil
	})

	if n, err := p.Dispatch(context.Background()); err != nil || n != 1 {
		t.Fatalf("Dispatch() = %d, %v", n, err)
	}
	end := time.Now()

	fq.mu.Lock()
	defer fq.mu.Unlock()
	if fq.beats < 5 {
		t.Fatalf("heartbeats = %d, want several over a 600ms run", fq.beats)
	}
	for _, d := range fq.extends {
		if d != lease/3 {
			t.Fatalf("heartbeat extended by %s, want the %s tick interval", d, lease/3)
		}
	}
	// A crashed worker must become reclaimable about one lease after it stops.
	if ahead := fq.expiry.Sub(end); ahead > 3*lease {
		t.Fatalf("expiry %s past the end of the run, want about one lease (%s)", ahead, lease)
	}
	if fq.completed != 1 {
		t.Fatalf("completed = %d, want 1", fq.completed)
	}
}
