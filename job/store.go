package job

import (
	"context"

	"github.com/xraph/sqlbatch/id"
)

// Store defines the persistence contract for job records (the job backend).
type Store interface {
	// CreateJob persists a new record. The job must be pending.
	CreateJob(ctx context.Context, j *Job) error

	// GetJob retrieves a job by ID. Returns sqlbatch.ErrJobNotFound when the
	// record does not exist or has expired.
	GetJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// UpdateJob atomically re-reads the stored record, runs Apply against
	// it and writes the result. It returns the written record.
	UpdateJob(ctx context.Context, j *Job) (*Job, error)

	// ListPending returns the IDs of pending jobs targeting host, oldest
	// first. Informational only: the queue holds the authoritative order.
	ListPending(ctx context.Context, host string) ([]id.JobID, error)

	// ListRunning returns jobs in the running or draining status.
	ListRunning(ctx context.Context) ([]*Job, error)

	// HeartbeatJob stamps heartbeat_at on a running job. It does not touch
	// the status or the version.
	HeartbeatJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID) error
}
