package canceller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/sqlbatch"
	"github.com/xraph/sqlbatch/backoff"
	"github.com/xraph/sqlbatch/ext"
	"github.com/xraph/sqlbatch/id"
	"github.com/xraph/sqlbatch/job"
)

// Admin sends out-of-band cancel requests to a job's database. pg.Admin
// implements it.
type Admin interface {
	// CancelBackend signals the backend running pid. It returns an error
	// wrapping sqlbatch.ErrCancelDeliveryFailure when pid could not be
	// signalled and sqlbatch.ErrConnectionFailure when no connection
	// could be opened.
	CancelBackend(ctx context.Context, params job.DBParams, pid uint32) error

	// FindBackendPID returns the backend currently running a statement
	// that starts with tag.
	FindBackendPID(ctx context.Context, params job.DBParams, tag string) (uint32, error)
}

// Canceller cancels jobs.
type Canceller struct {
	jobs       *job.Service
	admin      Admin
	extensions *ext.Registry
	logger     *slog.Logger
	backoff    backoff.Strategy
	attempts   int
}

// Option configures a Canceller.
type Option func(*Canceller)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Canceller) { c.logger = l }
}

// WithExtensions sets the registry notified of cancellations.
func WithExtensions(r *ext.Registry) Option {
	return func(c *Canceller) { c.extensions = r }
}

// WithRetry bounds how often a cancel is re-attempted after a lost race
// or an undeliverable cancel request.
func WithRetry(s backoff.Strategy, attempts int) Option {
	return func(c *Canceller) {
		c.backoff = s
		c.attempts = attempts
	}
}

// New creates a Canceller.
func New(jobs *job.Service, admin Admin, opts ...Option) *Canceller {
	c := &Canceller{
		jobs:     jobs,
		admin:    admin,
		logger:   slog.Default(),
		backoff:  backoff.NewExponential(25*time.Millisecond, 400*time.Millisecond),
		attempts: 5,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Cancel cancels the job and returns its final record. A job that is
// already terminal is returned unchanged. The status is always re-read
// from the store first.
func (c *Canceller) Cancel(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	var out *job.Job
	err := backoff.Retry(ctx, c.backoff, c.attempts, func() error {
		j, err := c.jobs.Get(ctx, jobID)
		if err != nil {
			return backoff.Permanent(err)
		}
		res, err := c.attempt(ctx, j)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sqlbatch/canceller: cancel %s: %w", jobID, err)
	}
	return out, nil
}

// attempt makes one pass at cancelling j. Errors wrapped by
// backoff.Permanent end Cancel; the rest cause a re-read and another pass.
func (c *Canceller) attempt(ctx context.Context, j *job.Job) (*job.Job, error) {
	switch {
	case j.IsTerminal():
		return j, nil

	case j.Status == job.StatusPending:
		return c.markCancelled(ctx, j)

	default:
		if err := c.interrupt(ctx, j); err != nil {
			fresh, getErr := c.jobs.Get(ctx, j.ID)
			if getErr == nil && fresh.IsTerminal() {
				return fresh, nil
			}
			if errors.Is(err, sqlbatch.ErrCancelDeliveryFailure) {
				c.logger.Debug("cancel not delivered, retrying",
					slog.String("job_id", j.ID.String()),
					slog.String("error", err.Error()),
				)
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		out, err := c.markCancelled(ctx, j)
		if err != nil {
			return nil, err
		}
		c.sweep(ctx, j)
		return out, nil
	}
}

// sweep signals a backend that started j's next statement after the
// interrupt. The worker records progress before sending each statement, so
// a signal can reach an idle backend just before it picks the statement up.
// The outcome is logged only; j is already cancelled.
func (c *Canceller) sweep(ctx context.Context, j *job.Job) {
	err := backoff.Retry(ctx, c.backoff, c.attempts, func() error {
		pid, err := c.admin.FindBackendPID(ctx, j.DB, j.Tag())
		if err != nil {
			if errors.Is(err, sqlbatch.ErrCancelDeliveryFailure) {
				return err
			}
			return backoff.Permanent(err)
		}
		c.logger.Info("cancelling statement started after cancel",
			slog.String("job_id", j.ID.String()),
			slog.Uint64("backend_pid", uint64(pid)),
		)
		return backoff.Permanent(c.admin.CancelBackend(ctx, j.DB, pid))
	})
	if err != nil && !errors.Is(err, sqlbatch.ErrCancelDeliveryFailure) {
		c.logger.Warn("post-cancel sweep failed",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// interrupt signals the backend running j's current query. When the
// recorded PID cannot be signalled the backend is looked up by the job's
// query tag.
func (c *Canceller) interrupt(ctx context.Context, j *job.Job) error {
	pid := j.BackendPID
	if pid != 0 {
		err := c.admin.CancelBackend(ctx, j.DB, pid)
		if !errors.Is(err, sqlbatch.ErrCancelDeliveryFailure) {
			return err
		}
	}

	found, err := c.admin.FindBackendPID(ctx, j.DB, j.Tag())
	if err != nil {
		return err
	}
	if found == pid {
		return fmt.Errorf("backend %d not signalled: %w", pid, sqlbatch.ErrCancelDeliveryFailure)
	}
	c.logger.Debug("cancelling backend found by tag",
		slog.String("job_id", j.ID.String()),
		slog.Uint64("recorded_pid", uint64(pid)),
		slog.Uint64("backend_pid", uint64(found)),
	)
	return c.admin.CancelBackend(ctx, j.DB, found)
}

func (c *Canceller) markCancelled(ctx context.Context, j *job.Job) (*job.Job, error) {
	next := j.Clone()
	next.Status = job.StatusCancelled
	out, err := c.jobs.Update(ctx, next)
	if err != nil {
		if job.IsStale(err) || job.IsInvalidTransition(err) {
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}

	c.extensions.EmitJobCancelled(ctx, out)
	c.logger.Info("job cancelled",
		slog.String("job_id", out.ID.String()),
		slog.String("from", string(j.Status)),
	)
	return out, nil
}
