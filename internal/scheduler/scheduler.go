package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"enrichment-scheduler/internal/config"
	"enrichment-scheduler/internal/models"
	"enrichment-scheduler/internal/queue"
)

// Dispatcher runs one batch of leased jobs.
type Dispatcher interface {
	Dispatch(ctx context.Context) (int, error)
}

// Maintainer is the maintenance half of the queue.
type Maintainer interface {
	ReclaimExpired(ctx context.Context, limit int) (int, error)
	CleanupSucceeded(ctx context.Context, req queue.CleanupRequest) (int, error)
	Stats(ctx context.Context, jobType string) (models.Stats, error)
}

// Options sets the cadence of each task. A zero interval disables the task.
type Options struct {
	DispatchInterval time.Duration
	ReclaimInterval  time.Duration
	ReclaimBatchSize int
	CleanupInterval  time.Duration
	CleanupBatchSize int
	Retention        time.Duration
}

// OptionsFromConfig reads the cadence from the shared service config.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		DispatchInterval: cfg.DispatchInterval,
		ReclaimInterval:  cfg.ReclaimInterval,
		ReclaimBatchSize: cfg.ReclaimBatchSize,
		CleanupInterval:  cfg.CleanupInterval,
		CleanupBatchSize: cfg.CleanupBatchSize,
		Retention:        cfg.RetentionWindow,
	}
}

// Scheduler triggers dispatch, reclaim, and cleanup on a fixed cadence.
// Overlapping runs of the same task are skipped.
type Scheduler struct {
	cron       *cron.Cron
	dispatcher Dispatcher
	maint      Maintainer
	opts       Options
	log        *zap.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// New registers the enabled tasks. dispatcher may be nil when workers poll on
// their own.
func New(maint Maintainer, dispatcher Dispatcher, opts Options, log *zap.Logger) (*Scheduler, error) {
	if maint == nil {
		return nil, errors.New("scheduler: maintainer is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	cl := cronLogger{log: log.Sugar()}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		dispatcher: dispatcher,
		maint:      maint,
		opts:       opts,
		log:        log,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	tasks := []struct {
		name     string
		interval time.Duration
		run      func(context.Context)
	}{
		{"dispatch", opts.DispatchInterval, s.dispatch},
		{"reclaim", opts.ReclaimInterval, s.reclaim},
		{"cleanup", opts.CleanupInterval, s.cleanup},
	}
	for _, t := range tasks {
		if t.interval <= 0 || (t.name == "dispatch" && dispatcher == nil) {
			continue
		}
		run := t.run
		if _, err := s.cron.AddFunc("@every "+t.interval.String(), func() { run(s.ctx) }); err != nil {
			return nil, err
		}
		log.Info("scheduled task", zap.String("task", t.name), zap.Duration("every", t.interval))
	}
	return s, nil
}

// Start runs the cron loop in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the cron loop, cancels running tasks, and waits for them to
// return. It is safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		done := s.cron.Stop()
		s.cancel()
		<-done.Done()
	})
}

func (s *Scheduler) dispatch(ctx context.Context) {
	n, err := s.dispatcher.Dispatch(ctx)
	if err != nil && ctx.Err() == nil {
		s.log.Warn("dispatch tick failed", zap.Int("ran", n), zap.Error(err))
		return
	}
	if n > 0 {
		s.log.Debug("dispatch tick", zap.Int("ran", n))
	}
}

func (s *Scheduler) reclaim(ctx context.Context) {
	n, err := s.maint.ReclaimExpired(ctx, s.opts.ReclaimBatchSize)
	if err != nil {
		s.log.Error("reclaim failed", zap.Int("reclaimed", n), zap.Error(err))
		return
	}
	if n > 0 {
		s.log.Info("reclaimed expired leases", zap.Int("count", n))
	}
	// Refreshes the queue depth gauges.
	if _, err := s.maint.Stats(ctx, ""); err != nil {
		s.log.Warn("stats refresh failed", zap.Error(err))
	}
}

func (s *Scheduler) cleanup(ctx context.Context) {
	n, err := s.maint.CleanupSucceeded(ctx, queue.CleanupRequest{
		Retention: s.opts.Retention,
		BatchSize: s.opts.CleanupBatchSize,
	})
	if err != nil {
		s.log.Error("cleanup failed", zap.Int("deleted", n), zap.Error(err))
		return
	}
	if n > 0 {
		s.log.Info("deleted expired succeeded jobs", zap.Int("count", n))
	}
}

// cronLogger routes cron's own logging through zap. Cron logs every wake-up
// at info, so those go to debug.
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
