package job

import (
	"errors"
	"fmt"
	"time"

	"github.com/xraph/sqlbatch"
	"github.com/xraph/sqlbatch/id"
)

// Status is the lifecycle status of a job or of one of its queries.
type Status string

const (
	// StatusPending means the job is queued and no query has started.
	StatusPending Status = "pending"
	// StatusRunning means a worker owns the job and is executing a query.
	StatusRunning Status = "running"
	// StatusDraining means the owning worker is shutting down and is about
	// to hand the job back to its queue.
	StatusDraining Status = "draining"
	// StatusDone means every query succeeded.
	StatusDone Status = "done"
	// StatusFailed means at least one query failed.
	StatusFailed Status = "failed"
	// StatusCancelled means the job was cancelled before it finished.
	StatusCancelled Status = "cancelled"
	// StatusUnknown means the worker lost its database connection or died
	// and the outcome cannot be determined.
	StatusUnknown Status = "unknown"
	// StatusSkipped is only used for queries that never ran because an
	// earlier query failed or the job ended.
	StatusSkipped Status = "skipped"
)

// transitions is the single source of truth for job status changes.
var transitions = map[Status][]Status{
	StatusPending:  {StatusRunning, StatusCancelled},
	StatusRunning:  {StatusDone, StatusFailed, StatusCancelled, StatusUnknown, StatusDraining},
	StatusDraining: {StatusPending, StatusDone, StatusFailed, StatusCancelled, StatusUnknown},
}

// IsTerminal reports whether no further transition is permitted from s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusDone, StatusFailed, StatusCancelled, StatusUnknown:
		return true
	default:
		return false
	}
}

// IsFinished reports whether a query with this status will not run again.
func (s Status) IsFinished() bool {
	return s.IsTerminal() || s == StatusSkipped
}

// Valid reports whether s is a known job status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusDraining,
		StatusDone, StatusFailed, StatusCancelled, StatusUnknown:
		return true
	default:
		return false
	}
}

// TransitionError reports a status change that is not in the table.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("sqlbatch: invalid state transition %s -> %s", e.From, e.To)
}

// Unwrap lets errors.Is match sqlbatch.ErrInvalidTransition.
func (e *TransitionError) Unwrap() error { return sqlbatch.ErrInvalidTransition }

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns nil when a record in status from may be
// rewritten with status to. Rewriting a non-terminal status in place (to
// record progress) is allowed; a terminal record is never rewritten.
func ValidateTransition(from, to Status) error {
	if from == to && !from.IsTerminal() && from.Valid() {
		return nil
	}
	if CanTransition(from, to) {
		return nil
	}
	return &TransitionError{From: from, To: to}
}

// Apply validates next against the stored record and returns the record to
// write. It must be called with the stored record read in the same atomic
// section as the write. The returned error wraps sqlbatch.ErrStaleState when
// next was derived from an outdated read, and sqlbatch.ErrInvalidTransition
// when the status change is not permitted.
func Apply(stored, next *Job, now time.Time) (*Job, error) {
	if stored.Status.IsTerminal() && next.Status != stored.Status {
		// A terminal record cannot move regardless of how fresh next is.
		return nil, &TransitionError{From: stored.Status, To: next.Status}
	}
	if next.Version != stored.Version {
		return nil, fmt.Errorf("%w: job %s at version %d, update based on %d",
			sqlbatch.ErrStaleState, stored.ID, stored.Version, next.Version)
	}
	if err := ValidateTransition(stored.Status, next.Status); err != nil {
		return nil, err
	}

	out := next.Clone()
	out.ID = stored.ID
	out.Host = stored.Host
	out.DB = stored.DB
	out.CreatedAt = stored.CreatedAt
	out.UpdatedAt = now
	out.Version = stored.Version + 1

	entering := stored.Status != next.Status
	switch {
	case next.Status == StatusRunning && entering:
		if out.BackendPID == 0 {
			return nil, fmt.Errorf("%w: running requires a backend pid", sqlbatch.ErrInvalidTransition)
		}
		if out.StartedAt == nil {
			out.StartedAt = &now
		}
		hb := now
		out.HeartbeatAt = &hb
		if out.CurrentQuery == NoQuery {
			out.CurrentQuery = out.NextQuery()
		}
	case next.Status == StatusRunning || next.Status == StatusDraining:
		out.HeartbeatAt = latest(stored.HeartbeatAt, out.HeartbeatAt)
	default:
		out.BackendPID = 0
		out.CurrentQuery = NoQuery
		out.HeartbeatAt = nil
		if next.Status == StatusPending {
			out.WorkerID = id.Nil
		}
	}
	if out.Status.IsTerminal() {
		if out.EndedAt == nil {
			out.EndedAt = &now
		}
		skipUnfinished(out, now)
	}
	return out, nil
}

// IsStale reports whether err is an optimistic-concurrency conflict.
func IsStale(err error) bool { return errors.Is(err, sqlbatch.ErrStaleState) }

// IsInvalidTransition reports whether err is a rejected status change.
func IsInvalidTransition(err error) bool { return errors.Is(err, sqlbatch.ErrInvalidTransition) }

func skipUnfinished(j *Job, now time.Time) {
	for _, q := range j.Queries {
		switch {
		case q.Status == StatusRunning && j.Status == StatusCancelled:
			q.Status = StatusCancelled
			q.EndedAt = &now
		case q.Status == StatusRunning && j.Status == StatusUnknown:
			q.Status = StatusUnknown
			q.EndedAt = &now
		case !q.Status.IsFinished():
			q.Status = StatusSkipped
		}
	}
}

func latest(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return b
	case b == nil || a.After(*b):
		v := *a
		return &v
	default:
		return b
	}
}
