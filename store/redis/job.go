package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/xraph/sqlbatch"
	"github.com/xraph/sqlbatch/id"
	"github.com/xraph/sqlbatch/job"
)

// CreateJob stores the job as a Hash and indexes it as pending.
func (s *Store) CreateJob(ctx context.Context, j *job.Job) error {
	if j.Status != job.StatusPending {
		return &job.TransitionError{From: job.StatusPending, To: j.Status}
	}
	jID := j.ID.String()
	key := jobKey(jID)

	// Check for duplicate.
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return connErr("create check exists", err)
	}
	if exists > 0 {
		return sqlbatch.ErrJobAlreadyExists
	}

	now := time.Now().UTC()
	cp := j.Clone()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now

	fields, err := jobToMap(cp)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.ZAdd(ctx, pendingKey(cp.Host), goredis.Z{Score: score(cp.CreatedAt), Member: jID})
	if _, err = pipe.Exec(ctx); err != nil {
		return connErr("create job", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return s.getJob(ctx, s.client, jobKey(jobID.String()))
}

// UpdateJob re-reads the record under WATCH, applies j on top of it and
// writes the result in a MULTI block. A concurrent write to the same key
// aborts the transaction and is reported as ErrStaleState.
func (s *Store) UpdateJob(ctx context.Context, j *job.Job) (*job.Job, error) {
	key := jobKey(j.ID.String())
	var out *job.Job

	err := s.client.Watch(ctx, func(tx *goredis.Tx) error {
		stored, err := s.getJob(ctx, tx, key)
		if err != nil {
			return err
		}
		out, err = job.Apply(stored, j, time.Now().UTC())
		if err != nil {
			return err
		}
		fields, err := jobToMap(out)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			// Replace the whole hash so cleared optional fields disappear.
			pipe.Del(ctx, key)
			pipe.HSet(ctx, key, fields)
			s.index(ctx, pipe, stored, out)
			if out.IsTerminal() && s.ttl > 0 {
				pipe.Expire(ctx, key, s.ttl)
			}
			return nil
		})
		if err != nil && !errors.Is(err, goredis.TxFailedErr) {
			return connErr("update job", err)
		}
		return err
	}, key)

	switch {
	case err == nil:
		return out, nil
	case errors.Is(err, goredis.TxFailedErr):
		return nil, fmt.Errorf("%w: job %s changed during update", sqlbatch.ErrStaleState, j.ID)
	case isDomainErr(err):
		return nil, err
	default:
		return nil, connErr("update job watch", err)
	}
}

// index keeps the pending and running indexes in line with a status change.
func (s *Store) index(ctx context.Context, pipe goredis.Pipeliner, stored, out *job.Job) {
	jID := out.ID.String()
	if out.Status == job.StatusPending {
		pipe.ZAdd(ctx, pendingKey(out.Host), goredis.Z{Score: score(out.CreatedAt), Member: jID})
	} else if stored.Status == job.StatusPending {
		pipe.ZRem(ctx, pendingKey(stored.Host), jID)
	}
	if out.Status == job.StatusRunning || out.Status == job.StatusDraining {
		pipe.SAdd(ctx, runningKey, jID)
	} else {
		pipe.SRem(ctx, runningKey, jID)
	}
}

// ListPending returns pending job IDs for host, oldest first.
func (s *Store) ListPending(ctx context.Context, host string) ([]id.JobID, error) {
	members, err := s.client.ZRange(ctx, pendingKey(host), 0, -1).Result()
	if err != nil {
		return nil, connErr("list pending", err)
	}
	ids := make([]id.JobID, 0, len(members))
	for _, m := range members {
		jID, parseErr := id.ParseJobID(m)
		if parseErr != nil {
			continue
		}
		ids = append(ids, jID)
	}
	return ids, nil
}

// ListRunning returns jobs in the running or draining status.
func (s *Store) ListRunning(ctx context.Context) ([]*job.Job, error) {
	members, err := s.client.SMembers(ctx, runningKey).Result()
	if err != nil {
		return nil, connErr("list running", err)
	}
	jobs := make([]*job.Job, 0, len(members))
	for _, jID := range members {
		j, getErr := s.getJob(ctx, s.client, jobKey(jID))
		if errors.Is(getErr, sqlbatch.ErrJobNotFound) {
			continue // skip missing
		}
		if getErr != nil {
			return nil, getErr
		}
		if j.Status != job.StatusRunning && j.Status != job.StatusDraining {
			continue
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// HeartbeatJob stamps heartbeat_at on a job the worker still owns. It does
// not bump the version, so it never conflicts with a status update.
func (s *Store) HeartbeatJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID) error {
	key := jobKey(jobID.String())

	err := s.client.Watch(ctx, func(tx *goredis.Tx) error {
		vals, err := tx.HMGet(ctx, key, "status", "worker_id").Result()
		if err != nil {
			return connErr("heartbeat read", err)
		}
		status, _ := vals[0].(string) //nolint:errcheck // nil when the hash is missing
		owner, _ := vals[1].(string)  //nolint:errcheck // nil when the hash is missing
		if status == "" {
			return sqlbatch.ErrJobNotFound
		}
		if (job.Status(status) != job.StatusRunning && job.Status(status) != job.StatusDraining) ||
			owner != workerID.String() {
			return sqlbatch.ErrStaleState
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, key, "heartbeat_at", time.Now().UTC().Format(time.RFC3339Nano))
			return nil
		})
		return err
	}, key)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, goredis.TxFailedErr):
		// The record changed under us; the next heartbeat will tell.
		return nil
	case isDomainErr(err):
		return err
	default:
		return connErr("heartbeat job", err)
	}
}

// ── helpers ──

func isDomainErr(err error) bool {
	return errors.Is(err, sqlbatch.ErrJobNotFound) ||
		errors.Is(err, sqlbatch.ErrStaleState) ||
		errors.Is(err, sqlbatch.ErrInvalidTransition) ||
		errors.Is(err, sqlbatch.ErrConnectionFailure)
}

// score orders the pending index by creation time.
func score(t time.Time) float64 {
	return float64(t.UnixMicro())
}

// hashReader is satisfied by both the client and a WATCH transaction.
type hashReader interface {
	HGetAll(ctx context.Context, key string) *goredis.MapStringStringCmd
}

func (s *Store) getJob(ctx context.Context, c hashReader, key string) (*job.Job, error) {
	vals, err := c.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, connErr("get job", err)
	}
	if len(vals) == 0 {
		return nil, sqlbatch.ErrJobNotFound
	}
	return mapToJob(vals)
}

func jobToMap(j *job.Job) (map[string]interface{}, error) {
	queries, err := msgpack.Marshal(j.Queries)
	if err != nil {
		return nil, fmt.Errorf("sqlbatch/redis: encode queries: %w", err)
	}
	db, err := msgpack.Marshal(&j.DB)
	if err != nil {
		return nil, fmt.Errorf("sqlbatch/redis: encode db params: %w", err)
	}

	m := map[string]interface{}{
		"id":                j.ID.String(),
		"user":              j.User,
		"status":            string(j.Status),
		"host":              j.Host,
		"db":                db,
		"queries":           queries,
		"continue_on_error": boolString(j.ContinueOnError),
		"failed_reason":     j.FailedReason,
		"current_query":     strconv.Itoa(j.CurrentQuery),
		"backend_pid":       strconv.FormatUint(uint64(j.BackendPID), 10),
		"version":           strconv.FormatInt(j.Version, 10),
		"created_at":        j.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":        j.UpdatedAt.Format(time.RFC3339Nano),
	}
	if !j.WorkerID.IsNil() {
		m["worker_id"] = j.WorkerID.String()
	}
	if j.StartedAt != nil {
		m["started_at"] = j.StartedAt.Format(time.RFC3339Nano)
	}
	if j.EndedAt != nil {
		m["ended_at"] = j.EndedAt.Format(time.RFC3339Nano)
	}
	if j.HeartbeatAt != nil {
		m["heartbeat_at"] = j.HeartbeatAt.Format(time.RFC3339Nano)
	}
	return m, nil
}

func mapToJob(m map[string]string) (*job.Job, error) {
	jID, err := id.ParseJobID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("sqlbatch/redis: parse job id: %w", err)
	}

	var queries []*job.Query
	if err := msgpack.Unmarshal([]byte(m["queries"]), &queries); err != nil {
		return nil, fmt.Errorf("sqlbatch/redis: decode queries of %s: %w", jID, err)
	}
	var db job.DBParams
	if v := m["db"]; v != "" {
		if err := msgpack.Unmarshal([]byte(v), &db); err != nil {
			return nil, fmt.Errorf("sqlbatch/redis: decode db params of %s: %w", jID, err)
		}
	}

	current, _ := strconv.Atoi(m["current_query"])                //nolint:errcheck // best-effort parse from trusted Redis data
	pid, _ := strconv.ParseUint(m["backend_pid"], 10, 32)         //nolint:errcheck // best-effort parse from trusted Redis data
	version, _ := strconv.ParseInt(m["version"], 10, 64)          //nolint:errcheck // best-effort parse from trusted Redis data
	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"]) //nolint:errcheck // best-effort parse from trusted Redis data
	updatedAt, _ := time.Parse(time.RFC3339Nano, m["updated_at"]) //nolint:errcheck // best-effort parse from trusted Redis data

	j := &job.Job{
		Entity: sqlbatch.Entity{
			CreatedAt: createdAt,
			UpdatedAt: updatedAt,
		},
		ID:              jID,
		User:            m["user"],
		Status:          job.Status(m["status"]),
		Queries:         queries,
		Host:            m["host"],
		DB:              db,
		ContinueOnError: m["continue_on_error"] == "1",
		FailedReason:    m["failed_reason"],
		CurrentQuery:    current,
		BackendPID:      uint32(pid),
		Version:         version,
	}

	if wid := m["worker_id"]; wid != "" {
		j.WorkerID, _ = id.ParseWorkerID(wid) //nolint:errcheck // best-effort parse from trusted Redis data
	}
	j.StartedAt = parseTime(m["started_at"])
	j.EndedAt = parseTime(m["ended_at"])
	j.HeartbeatAt = parseTime(m["heartbeat_at"])
	return j, nil
}

func parseTime(v string) *time.Time {
	if v == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil
	}
	return &t
}

func boolString(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
