package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"enrichment-scheduler/internal/models"
	"enrichment-scheduler/internal/queue"
	"enrichment-scheduler/internal/telemetry"
)

// ShutdownReason is recorded on jobs released because the worker stopped.
const ShutdownReason = "worker shutdown"

// Queue is the part of the job queue a processor drives.
type Queue interface {
	LeaseNext(ctx context.Context, req queue.LeaseRequest) (models.Lease, bool, error)
	Heartbeat(ctx context.Context, id string, req queue.HeartbeatRequest) (time.Time, error)
	Complete(ctx context.Context, id string, req queue.CompleteRequest) error
	Fail(ctx context.Context, id string, req queue.FailRequest) (queue.FailResult, error)
	Release(ctx context.Context, id string, req queue.ReleaseRequest) error
}

// Handler executes one leased job and returns the result to store on success.
type Handler func(ctx context.Context, lease models.Lease) (map[string]any, error)

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying; the job fails without spending
// its remaining attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was wrapped by Permanent.
func IsPermanent(err error) bool {
	var pe permanentError
	return errors.As(err, &pe)
}

// Options tune a Processor. Zero values take the defaults.
type Options struct {
	WorkerID     string
	Concurrency  int
	Lease        time.Duration
	BatchSize    int
	PollInterval time.Duration
	Logger       *zap.Logger
	Metrics      *telemetry.Metrics
}

// Processor leases jobs for its registered types and runs their handlers.
type Processor struct {
	queue    Queue
	handlers map[string]Handler
	opts     Options
	log      *zap.Logger
	metrics  *telemetry.Metrics
}

// NewProcessor creates a processor with no handlers registered.
func NewProcessor(q Queue, opts Options) *Processor {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Lease <= 0 {
		opts.Lease = queue.DefaultLease
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = queue.DefaultLeaseScan
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.New()
	}
	return &Processor{
		queue:    q,
		handlers: make(map[string]Handler),
		opts:     opts,
		log:      opts.Logger.With(zap.String("worker_id", opts.WorkerID)),
		metrics:  opts.Metrics,
	}
}

// RegisterHandler binds a handler to a job type.
func (p *Processor) RegisterHandler(jobType string, handler Handler) {
	if jobType == "" || handler == nil {
		return
	}
	p.handlers[jobType] = handler
}

// Types lists the job types this processor leases.
func (p *Processor) Types() []string {
	types := make([]string, 0, len(p.handlers))
	for t := range p.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Run polls for work on every slot until ctx is cancelled. Jobs still running
// at cancellation are released rather than failed.
func (p *Processor) Run(ctx context.Context) error {
	if len(p.handlers) == 0 {
		return errors.New("no handlers registered")
	}
	p.log.Info("worker started",
		zap.Strings("types", p.Types()),
		zap.Int("concurrency", p.opts.Concurrency),
		zap.Duration("lease", p.opts.Lease))

	var wg sync.WaitGroup
	for i := 0; i < p.opts.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.poll(ctx)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (p *Processor) poll(ctx context.Context) {
	for ctx.Err() == nil {
		ran, err := p.runOne(ctx)
		if err != nil && ctx.Err() == nil {
			p.log.Warn("lease failed", zap.Error(err))
		}
		if ran {
			continue
		}
		select {
		case <-ctx.Done():
		case <-time.After(p.opts.PollInterval):
		}
	}
}

// Dispatch drains up to one batch of jobs across the processor's slots and
// returns how many it ran. It is the entry point of a periodic dispatch tick.
func (p *Processor) Dispatch(ctx context.Context) (int, error) {
	if len(p.handlers) == 0 {
		return 0, nil
	}
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ran     int
		lastErr error
		budget  = p.opts.BatchSize
	)
	for i := 0; i < p.opts.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				mu.Lock()
				if budget == 0 {
					mu.Unlock()
					return
				}
				budget--
				mu.Unlock()

				ok, err := p.runOne(ctx)
				mu.Lock()
				if ok {
					ran++
				}
				if err != nil {
					lastErr = err
				}
				mu.Unlock()
				if !ok {
					return
				}
			}
		}()
	}
	wg.Wait()
	return ran, lastErr
}

// runOne leases and executes a single job, reporting whether one was found.
func (p *Processor) runOne(ctx context.Context) (bool, error) {
	lease, ok, err := p.queue.LeaseNext(ctx, queue.LeaseRequest{
		Types: p.Types(),
		Lease: p.opts.Lease,
		Limit: p.opts.BatchSize,
	})
	if err != nil || !ok {
		return false, err
	}
	p.execute(ctx, lease)
	return true, nil
}

func (p *Processor) execute(ctx context.Context, lease models.Lease) {
	log := p.log.With(
		zap.String("job_id", lease.JobID),
		zap.String("type", lease.Type),
		zap.Int("attempt", lease.Attempts))
	p.metrics.InFlight.Inc()
	defer p.metrics.InFlight.Dec()

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	lost := make(chan struct{})
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		p.heartbeat(jobCtx, lease, lost, cancel, log)
	}()

	start := time.Now()
	result, err := p.invoke(jobCtx, lease)
	cancel()
	<-hbDone

	// Reporting must outlive the caller's context so shutdown can release.
	reportCtx, cancelReport := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancelReport()

	outcome := "succeeded"
	switch {
	case isClosed(lost):
		outcome = "lease_lost"
		log.Warn("lease lost while running, result discarded", zap.Error(err))
	case ctx.Err() != nil:
		outcome = "released"
		if rerr := p.queue.Release(reportCtx, lease.JobID, queue.ReleaseRequest{Reason: ShutdownReason, LeaseToken: lease.LeaseToken}); rerr != nil {
			log.Error("release on shutdown failed", zap.Error(rerr))
		}
	case err == nil:
		if cerr := p.queue.Complete(reportCtx, lease.JobID, queue.CompleteRequest{Result: result, LeaseToken: lease.LeaseToken}); cerr != nil {
			outcome = "report_failed"
			log.Error("complete failed", zap.Error(cerr))
		}
	default:
		outcome = "failed"
		req := queue.FailRequest{Error: err.Error(), LeaseToken: lease.LeaseToken}
		if IsPermanent(err) {
			no := false
			req.AllowRetry = &no
		}
		res, ferr := p.queue.Fail(reportCtx, lease.JobID, req)
		if ferr != nil {
			outcome = "report_failed"
			log.Error("fail report failed", zap.Error(ferr), zap.NamedError("job_error", err))
			break
		}
		if res.Status == models.StatusPending {
			outcome = "retry"
			log.Info("job will retry", zap.Error(err), zap.Timep("scheduled_for", res.ScheduledFor))
		} else {
			log.Warn("job failed", zap.Error(err))
		}
	}
	p.metrics.HandlerDuration.WithLabelValues(lease.Type, outcome).Observe(time.Since(start).Seconds())
}

// heartbeat renews the lease every third of its duration until ctx ends. The
// queue extends from the current expiry, so each tick adds only the time that
// has passed and the expiry stays about one lease ahead of now. A lease that
// can no longer be renewed closes lost and cancels the handler.
func (p *Processor) heartbeat(ctx context.Context, lease models.Lease, lost chan struct{}, cancel context.CancelFunc, log *zap.Logger) {
	interval := p.opts.Lease / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		_, err := p.queue.Heartbeat(ctx, lease.JobID, queue.HeartbeatRequest{ExtendBy: interval, LeaseToken: lease.LeaseToken})
		switch {
		case err == nil:
		case errors.Is(err, queue.ErrLeaseLost), errors.Is(err, queue.ErrNotInProgress), errors.Is(err, queue.ErrNotFound):
			close(lost)
			cancel()
			return
		case ctx.Err() == nil:
			log.Warn("heartbeat failed", zap.Error(err))
		}
	}
}

func (p *Processor) invoke(ctx context.Context, lease models.Lease) (result map[string]any, err error) {
	handler, ok := p.handlers[lease.Type]
	if !ok {
		return nil, Permanent(fmt.Errorf("no handler registered for type %q", lease.Type))
	}
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("handler panic", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, lease)
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
