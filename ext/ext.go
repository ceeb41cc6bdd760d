package ext

import (
	"context"
	"time"

	"github.com/xraph/sqlbatch/job"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Job lifecycle hooks
// ──────────────────────────────────────────────────

// JobSubmitted is called after a job is durably pending and enqueued.
type JobSubmitted interface {
	OnJobSubmitted(ctx context.Context, j *job.Job) error
}

// JobStarted is called when a worker moves a job to running.
type JobStarted interface {
	OnJobStarted(ctx context.Context, j *job.Job) error
}

// JobDone is called after every query of a job succeeded.
type JobDone interface {
	OnJobDone(ctx context.Context, j *job.Job, elapsed time.Duration) error
}

// JobFailed is called when a job ends failed.
type JobFailed interface {
	OnJobFailed(ctx context.Context, j *job.Job, err error) error
}

// JobCancelled is called when a job ends cancelled.
type JobCancelled interface {
	OnJobCancelled(ctx context.Context, j *job.Job) error
}

// JobLost is called when a job ends unknown.
type JobLost interface {
	OnJobLost(ctx context.Context, j *job.Job, err error) error
}

// JobRequeued is called when a draining worker hands a job back.
type JobRequeued interface {
	OnJobRequeued(ctx context.Context, j *job.Job) error
}

// ──────────────────────────────────────────────────
// Other lifecycle hooks
// ──────────────────────────────────────────────────

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
