package sqlbatch

import "time"

// Config holds configuration shared by the scheduler subsystems.
type Config struct {
	// Hosts is the list of target hosts a worker serves. Empty means the
	// worker discovers hosts from existing queues and wake-up channels.
	Hosts []string

	// PollInterval is the fallback timer a host loop waits on when no
	// wake-up arrives. Pub/sub delivery is not guaranteed, so it must be
	// positive.
	PollInterval time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	// (including draining running jobs).
	ShutdownTimeout time.Duration

	// HeartbeatInterval is how often a worker refreshes heartbeat_at on its
	// running job.
	HeartbeatInterval time.Duration

	// StaleJobThreshold is how old a running job's heartbeat may get before
	// the reaper marks it unknown.
	StaleJobThreshold time.Duration

	// ReapSchedule is the cron expression the reaper runs on.
	ReapSchedule string

	// MaxResultRows bounds how many rows of each query result are kept on
	// the job record.
	MaxResultRows int

	// JobTTL expires job records after they reach a terminal state. Zero
	// keeps them forever.
	JobTTL time.Duration

	// CancelRetries bounds how many times the canceller re-checks a running
	// job whose backend PID turned out to be stale, and how many lookups it
	// makes for a statement started after the job was cancelled.
	CancelRetries int

	// CopyDrainTimeout bounds how long an interrupted COPY may take to
	// unwind before its connection is discarded.
	CopyDrainTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:      5 * time.Second,
		ShutdownTimeout:   30 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		StaleJobThreshold: time.Minute,
		ReapSchedule:      "@every 30s",
		MaxResultRows:     100,
		JobTTL:            2 * time.Hour,
		CancelRetries:     5,
		CopyDrainTimeout:  5 * time.Second,
	}
}
