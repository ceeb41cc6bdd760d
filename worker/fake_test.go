package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/xraph/sqlbatch/job"
	"github.com/xraph/sqlbatch/queue"
	"github.com/xraph/sqlbatch/store/memory"
	"github.com/xraph/sqlbatch/worker"
)

var errCanceled = &pgconn.PgError{Code: "57014", Message: "canceling statement due to user request"}

// fakeSession is a worker.Session whose Exec behavior is scripted per test.
type fakeSession struct {
	pid  uint32
	exec func(ctx context.Context, s *fakeSession, sql string) (*job.Result, error)

	cancelSig chan struct{}

	mu       sync.Mutex
	sqls     []string
	released bool
	reason   error
	closed   bool
	cancels  int
}

func newFakeSession(pid uint32) *fakeSession {
	return &fakeSession{pid: pid, cancelSig: make(chan struct{}, 1)}
}

func (s *fakeSession) PID() uint32 { return s.pid }

func (s *fakeSession) Exec(ctx context.Context, sql string, _ int) (*job.Result, error) {
	s.mu.Lock()
	s.sqls = append(s.sqls, sql)
	s.mu.Unlock()
	if s.exec != nil {
		return s.exec(ctx, s, sql)
	}
	return okResult(), nil
}

func (s *fakeSession) CancelRequest(_ context.Context) error {
	s.mu.Lock()
	s.cancels++
	s.mu.Unlock()
	select {
	case s.cancelSig <- struct{}{}:
	default:
	}
	return nil
}

func (s *fakeSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSession) Release(reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = true
	s.reason = reason
}

func (s *fakeSession) executed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sqls...)
}

func (s *fakeSession) releaseState() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released, s.reason
}

// blockUntilCancel waits for a cancel request and answers like the server.
func blockUntilCancel(ctx context.Context, s *fakeSession, _ string) (*job.Result, error) {
	select {
	case <-s.cancelSig:
		return nil, errCanceled
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func okResult() *job.Result {
	return &job.Result{
		Fields:   []string{"?column?"},
		Rows:     []json.RawMessage{json.RawMessage(`[1]`)},
		RowCount: 1,
	}
}

// fakeConnector hands out sessions from newSession and counts acquisitions.
type fakeConnector struct {
	newSession func() *fakeSession
	err        error
	acquired   atomic.Int32

	mu       sync.Mutex
	sessions []*fakeSession
}

func (c *fakeConnector) Acquire(_ context.Context, _ job.DBParams) (worker.Session, error) {
	c.acquired.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	s := c.newSession()
	c.mu.Lock()
	c.sessions = append(c.sessions, s)
	c.mu.Unlock()
	return s, nil
}

func (c *fakeConnector) last() *fakeSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sessions) == 0 {
		return nil
	}
	return c.sessions[len(c.sessions)-1]
}

type harness struct {
	store *memory.Store
	queue *queue.Queue
}

func newHarness() *harness {
	s := memory.New()
	return &harness{store: s, queue: queue.New(s, s, queue.WithPublisher(s))}
}

// submit stores a pending job and enqueues it.
func (h *harness) submit(t *testing.T, spec job.Spec) *job.Job {
	t.Helper()
	if spec.Host == "" {
		spec.Host = "db-1"
	}
	j := job.New(spec)
	ctx := context.Background()
	if err := h.store.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := h.queue.Enqueue(ctx, j); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return j
}

// take pops the job the way a runner would.
func (h *harness) take(t *testing.T, host string) *job.Job {
	t.Helper()
	j, err := h.queue.Next(context.Background(), host)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	return j
}

func (h *harness) get(t *testing.T, j *job.Job) *job.Job {
	t.Helper()
	got, err := h.store.GetJob(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	return got
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func failOn(marker string) func(context.Context, *fakeSession, string) (*job.Result, error) {
	return func(_ context.Context, _ *fakeSession, sql string) (*job.Result, error) {
		if strings.Contains(sql, marker) {
			return nil, &pgconn.PgError{Code: "42601", Message: `syntax error at or near "` + marker + `"`}
		}
		return okResult(), nil
	}
}

var errNetwork = errors.New("read tcp 10.0.0.1:5432: connection reset by peer")
