package job

import (
	"encoding/json"
	"time"

	"github.com/xraph/sqlbatch"
	"github.com/xraph/sqlbatch/id"
)

// NoQuery is the CurrentQuery value of a job that is not executing.
const NoQuery = -1

// DBParams identifies the physical database a job's queries run against.
type DBParams struct {
	Host     string `json:"host" msgpack:"host"`
	Port     int    `json:"port" msgpack:"port"`
	Name     string `json:"dbname" msgpack:"dbname"`
	User     string `json:"dbuser" msgpack:"dbuser"`
	Password string `json:"-" msgpack:"pass"`
}

// Result is the bounded outcome of a single query.
type Result struct {
	Fields    []string          `json:"fields" msgpack:"fields"`
	Rows      []json.RawMessage `json:"rows" msgpack:"rows"`
	RowCount  int64             `json:"total_rows" msgpack:"total_rows"`
	Truncated bool              `json:"truncated,omitempty" msgpack:"truncated,omitempty"`
}

// Query is one statement of a job together with its own progress.
type Query struct {
	SQL          string     `json:"query" msgpack:"query"`
	Status       Status     `json:"status" msgpack:"status"`
	FailedReason string     `json:"failed_reason,omitempty" msgpack:"failed_reason,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty" msgpack:"started_at,omitempty"`
	EndedAt      *time.Time `json:"ended_at,omitempty" msgpack:"ended_at,omitempty"`
	Result       *Result    `json:"result,omitempty" msgpack:"result,omitempty"`
}

// Job is a transient view of a batch job record. The shared store owns the
// record; a Job is read from it, mutated and written back through
// Store.UpdateJob.
type Job struct {
	sqlbatch.Entity

	ID              id.JobID    `json:"job_id"`
	User            string      `json:"user,omitempty"`
	Status          Status      `json:"status"`
	Queries         []*Query    `json:"query"`
	Host            string      `json:"host"`
	DB              DBParams    `json:"db"`
	ContinueOnError bool        `json:"continue_on_error,omitempty"`
	FailedReason    string      `json:"failed_reason,omitempty"`
	CurrentQuery    int         `json:"current_query"`
	BackendPID      uint32      `json:"backend_pid,omitempty"`
	WorkerID        id.WorkerID `json:"worker_id,omitempty"`
	StartedAt       *time.Time  `json:"started_at,omitempty"`
	EndedAt         *time.Time  `json:"ended_at,omitempty"`
	HeartbeatAt     *time.Time  `json:"heartbeat_at,omitempty"`

	// Version is the optimistic-concurrency counter. Every successful
	// update increments it; an update carrying an older version is stale.
	Version int64 `json:"version"`
}

// Spec is what a producer submits.
type Spec struct {
	User            string
	Queries         []string
	Host            string
	DB              DBParams
	ContinueOnError bool
}

// IsTerminal reports whether the job has reached a terminal status.
func (j *Job) IsTerminal() bool { return j.Status.IsTerminal() }

// Tag returns the comment prepended to every query the job executes so the
// statement can be found in pg_stat_activity.
func (j *Job) Tag() string { return "/* " + j.ID.String() + " */ " }

// NextQuery returns the index of the first query that has not finished, or
// NoQuery if all of them have.
func (j *Job) NextQuery() int {
	for i, q := range j.Queries {
		if !q.Status.IsFinished() {
			return i
		}
	}
	return NoQuery
}

// Failed reports whether any query failed.
func (j *Job) Failed() bool {
	for _, q := range j.Queries {
		if q.Status == StatusFailed {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers can mutate it without aliasing the
// original's queries or timestamps.
func (j *Job) Clone() *Job {
	cp := *j
	cp.StartedAt = cloneTime(j.StartedAt)
	cp.EndedAt = cloneTime(j.EndedAt)
	cp.HeartbeatAt = cloneTime(j.HeartbeatAt)
	cp.Queries = make([]*Query, len(j.Queries))
	for i, q := range j.Queries {
		qc := *q
		qc.StartedAt = cloneTime(q.StartedAt)
		qc.EndedAt = cloneTime(q.EndedAt)
		if q.Result != nil {
			r := *q.Result
			r.Fields = append([]string(nil), q.Result.Fields...)
			r.Rows = append([]json.RawMessage(nil), q.Result.Rows...)
			qc.Result = &r
		}
		cp.Queries[i] = &qc
	}
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
