package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/xraph/sqlbatch/ext"
	"github.com/xraph/sqlbatch/job"
)

// errHeartbeatLost is the reason recorded on reaped jobs.
var errHeartbeatLost = errors.New("worker stopped heartbeating")

// cronParser supports standard 5-field cron and descriptors like "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Reaper periodically moves running jobs whose worker stopped heartbeating
// to unknown. Any number of processes may run a reaper; the version check
// in UpdateJob makes concurrent reaps of the same job harmless.
type Reaper struct {
	store      job.Store
	extensions *ext.Registry
	logger     *slog.Logger
	schedule   string
	threshold  time.Duration
	now        func() time.Time

	mu   sync.Mutex
	cron *cronlib.Cron
}

// ReaperOption configures a Reaper.
type ReaperOption func(*Reaper)

// WithReapSchedule sets the cron expression the reaper runs on.
func WithReapSchedule(expr string) ReaperOption {
	return func(r *Reaper) { r.schedule = expr }
}

// WithStaleThreshold sets how old a heartbeat may be before its job is
// considered abandoned.
func WithStaleThreshold(d time.Duration) ReaperOption {
	return func(r *Reaper) { r.threshold = d }
}

// WithReaperClock overrides the reaper's time source.
func WithReaperClock(now func() time.Time) ReaperOption {
	return func(r *Reaper) { r.now = now }
}

// NewReaper creates a Reaper.
func NewReaper(store job.Store, extensions *ext.Registry, logger *slog.Logger, opts ...ReaperOption) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reaper{
		store:      store,
		extensions: extensions,
		logger:     logger,
		schedule:   "@every 30s",
		threshold:  time.Minute,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start schedules ReapOnce on the reaper's cron expression.
func (r *Reaper) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron != nil {
		return nil
	}

	runCtx := context.WithoutCancel(ctx)
	c := cronlib.New(cronlib.WithParser(cronParser))
	if _, err := c.AddFunc(r.schedule, func() {
		if _, err := r.ReapOnce(runCtx); err != nil {
			r.logger.Warn("reap failed", slog.String("error", err.Error()))
		}
	}); err != nil {
		return fmt.Errorf("sqlbatch/worker: reap schedule %q: %w", r.schedule, err)
	}
	c.Start()
	r.cron = c

	r.logger.Info("reaper started",
		slog.String("schedule", r.schedule),
		slog.Duration("stale_threshold", r.threshold),
	)
	return nil
}

// Stop stops scheduling and waits for a running reap to finish or ctx to
// end.
func (r *Reaper) Stop(ctx context.Context) error {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()
	if c == nil {
		return nil
	}

	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReapOnce moves every running or draining job whose last heartbeat is
// older than the stale threshold to unknown and returns how many it moved.
// Jobs that progress or finish concurrently are skipped.
func (r *Reaper) ReapOnce(ctx context.Context) (int, error) {
	jobs, err := r.store.ListRunning(ctx)
	if err != nil {
		return 0, fmt.Errorf("sqlbatch/worker: list running: %w", err)
	}

	cutoff := r.now().Add(-r.threshold)
	reaped := 0
	var errs []error
	for _, j := range jobs {
		last := j.HeartbeatAt
		if last == nil {
			last = j.StartedAt
		}
		if last == nil || last.After(cutoff) {
			continue
		}

		next := j.Clone()
		next.Status = job.StatusUnknown
		next.FailedReason = errHeartbeatLost.Error()
		out, err := r.store.UpdateJob(ctx, next)
		if err != nil {
			if job.IsStale(err) || job.IsInvalidTransition(err) {
				continue
			}
			errs = append(errs, fmt.Errorf("reap %s: %w", j.ID, err))
			continue
		}

		reaped++
		r.extensions.EmitJobLost(ctx, out, errHeartbeatLost)
		r.logger.Warn("reaped job with stale heartbeat",
			slog.String("job_id", j.ID.String()),
			slog.String("worker_id", j.WorkerID.String()),
			slog.Time("heartbeat_at", *last),
		)
	}
	return reaped, errors.Join(errs...)
}
