package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/xraph/sqlbatch"
	"github.com/xraph/sqlbatch/engine"
	"github.com/xraph/sqlbatch/id"
	"github.com/xraph/sqlbatch/job"
	"github.com/xraph/sqlbatch/store/memory"
	"github.com/xraph/sqlbatch/worker"
)

// ──────────────────────────────────────────────────
// Fakes
// ──────────────────────────────────────────────────

// fakeSession answers "SELECT 14 AS foo" immediately and blocks on
// anything mentioning pg_sleep until it is cancelled.
type fakeSession struct {
	pid       uint32
	cancelSig chan struct{}
}

func (s *fakeSession) PID() uint32 { return s.pid }

func (s *fakeSession) Exec(ctx context.Context, sql string, _ int) (*job.Result, error) {
	if !strings.Contains(sql, "pg_sleep") {
		return &job.Result{
			Fields:   []string{"foo"},
			Rows:     []json.RawMessage{json.RawMessage(`[14]`)},
			RowCount: 1,
		}, nil
	}
	select {
	case <-s.cancelSig:
		return nil, &pgconn.PgError{Code: "57014", Message: "canceling statement due to user request"}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *fakeSession) CancelRequest(context.Context) error {
	select {
	case s.cancelSig <- struct{}{}:
	default:
	}
	return nil
}

func (s *fakeSession) Closed() bool   { return false }
func (s *fakeSession) Release(error) {}

// backends plays the tenant database: every session gets its own pid and
// the admin cancels by pid like pg_cancel_backend.
type backends struct {
	mu       sync.Mutex
	next     uint32
	sessions map[uint32]*fakeSession
	cancels  int
}

func newBackends() *backends {
	return &backends{next: 100, sessions: make(map[uint32]*fakeSession)}
}

func (b *backends) Acquire(context.Context, job.DBParams) (worker.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	s := &fakeSession{pid: b.next, cancelSig: make(chan struct{}, 1)}
	b.sessions[s.pid] = s
	return s, nil
}

func (b *backends) CancelBackend(ctx context.Context, _ job.DBParams, pid uint32) error {
	b.mu.Lock()
	b.cancels++
	s, ok := b.sessions[pid]
	b.mu.Unlock()
	if !ok {
		return sqlbatch.ErrCancelDeliveryFailure
	}
	return s.CancelRequest(ctx)
}

func (b *backends) FindBackendPID(context.Context, job.DBParams, string) (uint32, error) {
	return 0, sqlbatch.ErrCancelDeliveryFailure
}

func (b *backends) cancelCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cancels
}

type recordingExt struct {
	mu        sync.Mutex
	submitted int
	done      int
	cancelled int
	shutdown  int
}

func (r *recordingExt) Name() string { return "recording" }

func (r *recordingExt) OnJobSubmitted(context.Context, *job.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.submitted++
	return nil
}

func (r *recordingExt) OnJobDone(context.Context, *job.Job, time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done++
	return nil
}

func (r *recordingExt) OnJobCancelled(context.Context, *job.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled++
	return nil
}

func (r *recordingExt) OnShutdown(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shutdown++
	return nil
}

func (r *recordingExt) counts() (submitted, done, cancelled, shutdown int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.submitted, r.done, r.cancelled, r.shutdown
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

type fixture struct {
	eng *engine.Engine
	db  *backends
	ext *recordingExt
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := sqlbatch.DefaultConfig()
	cfg.PollInterval = 50 * time.Millisecond
	cfg.HeartbeatInterval = 20 * time.Millisecond

	db := newBackends()
	rec := &recordingExt{}
	eng, err := engine.New(cfg,
		engine.WithStore(memory.New()),
		engine.WithConnector(db),
		engine.WithAdmin(db),
		engine.WithExtension(rec),
	)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	return &fixture{eng: eng, db: db, ext: rec}
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	if err := f.eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := f.eng.Stop(ctx); err != nil {
			t.Errorf("Stop: %v", err)
		}
	})
}

func (f *fixture) waitStatus(t *testing.T, j *job.Job, want job.Status) *job.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := f.eng.Get(context.Background(), j.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Status == want {
			return got
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s status = %s, want %s", j.ID, got.Status, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func spec(queries ...string) job.Spec {
	return job.Spec{Host: "db-1", Queries: queries}
}

// ──────────────────────────────────────────────────
// Construction
// ──────────────────────────────────────────────────

func TestNew_RequiresStore(t *testing.T) {
	_, err := engine.New(sqlbatch.DefaultConfig())
	if !errors.Is(err, sqlbatch.ErrNoStore) {
		t.Fatalf("New error = %v, want ErrNoStore", err)
	}
}

func TestNew_RequiresPollInterval(t *testing.T) {
	cfg := sqlbatch.DefaultConfig()
	cfg.PollInterval = 0
	if _, err := engine.New(cfg, engine.WithStore(memory.New())); err == nil {
		t.Fatal("New accepted a zero poll interval")
	}
}

// ──────────────────────────────────────────────────
// Submit
// ──────────────────────────────────────────────────

func TestEngine_SubmitQueuesPendingJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	j, err := f.eng.Submit(ctx, spec("SELECT 14 AS foo"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if j.Status != job.StatusPending || j.ID.IsNil() {
		t.Fatalf("submitted job = %+v", j)
	}

	got, err := f.eng.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != job.StatusPending || len(got.Queries) != 1 {
		t.Fatalf("stored job = %+v", got)
	}
	if n, _ := f.eng.Queue().Len(ctx, "db-1"); n != 1 {
		t.Fatalf("queue length = %d, want 1", n)
	}
	if submitted, _, _, _ := f.ext.counts(); submitted != 1 {
		t.Fatalf("OnJobSubmitted called %d times", submitted)
	}
}

// unqueueableStore stores job records but cannot push to the queues.
type unqueueableStore struct {
	*memory.Store
	mu      sync.Mutex
	created []*job.Job
}

func (s *unqueueableStore) CreateJob(ctx context.Context, j *job.Job) error {
	s.mu.Lock()
	s.created = append(s.created, j)
	s.mu.Unlock()
	return s.Store.CreateJob(ctx, j)
}

func (s *unqueueableStore) Push(context.Context, string, id.JobID) error {
	return errors.New("redis down")
}

func TestEngine_SubmitCancelsUnqueuedJob(t *testing.T) {
	store := &unqueueableStore{Store: memory.New()}
	rec := &recordingExt{}
	eng, err := engine.New(sqlbatch.DefaultConfig(),
		engine.WithStore(store),
		engine.WithConnector(newBackends()),
		engine.WithExtension(rec),
	)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}

	// The caller gives up together with the failed enqueue.
	ctx, cancel := context.WithCancel(context.Background())
	_, err = eng.Submit(ctx, spec("SELECT 14 AS foo"))
	cancel()
	if err == nil || !strings.Contains(err.Error(), "redis down") {
		t.Fatalf("Submit error = %v, want the enqueue failure", err)
	}

	if len(store.created) != 1 {
		t.Fatalf("created %d records, want 1", len(store.created))
	}
	got, err := store.GetJob(context.Background(), store.created[0].ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != job.StatusCancelled || !strings.Contains(got.FailedReason, "redis down") {
		t.Fatalf("record = %s %q, want cancelled with the enqueue error", got.Status, got.FailedReason)
	}
	pending, err := store.ListPending(context.Background(), "db-1")
	if err != nil || len(pending) != 0 {
		t.Fatalf("pending = %v, %v; want none", pending, err)
	}
	if submitted, _, _, _ := rec.counts(); submitted != 0 {
		t.Fatalf("OnJobSubmitted called %d times for an unqueued job", submitted)
	}
}

func TestEngine_SubmitRejectsInvalidSpec(t *testing.T) {
	tests := []struct {
		name    string
		spec    job.Spec
		wantErr error
	}{
		{"no host", job.Spec{Queries: []string{"SELECT 1"}}, sqlbatch.ErrNoHost},
		{"no queries", job.Spec{Host: "db-1"}, sqlbatch.ErrNoQueries},
		{"blank query", spec("SELECT 1", "   "), sqlbatch.ErrInvalidQuery},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.eng.Submit(context.Background(), tt.spec)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Submit error = %v, want %v", err, tt.wantErr)
			}
			if n, _ := f.eng.Queue().Len(context.Background(), "db-1"); n != 0 {
				t.Fatalf("rejected job was queued")
			}
		})
	}
}

// ──────────────────────────────────────────────────
// End to end
// ──────────────────────────────────────────────────

func TestEngine_RunsSubmittedJob(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	j, err := f.eng.Submit(context.Background(), spec("SELECT 14 AS foo"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	got := f.waitStatus(t, j, job.StatusDone)

	q := got.Queries[0]
	if q.Status != job.StatusDone || q.Result == nil || string(q.Result.Rows[0]) != "[14]" {
		t.Fatalf("query = %+v", q)
	}
	if got.WorkerID.String() != f.eng.Runner().WorkerID().String() {
		t.Fatalf("worker id = %s", got.WorkerID)
	}
	if _, done, _, _ := f.ext.counts(); done != 1 {
		t.Fatalf("OnJobDone called %d times", done)
	}
}

func TestEngine_CancelPendingJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	j, err := f.eng.Submit(ctx, spec("SELECT pg_sleep(10)"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	out, err := f.eng.Cancel(ctx, j.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if out.Status != job.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", out.Status)
	}
	if f.db.cancelCount() != 0 {
		t.Fatal("cancelling a pending job contacted the database")
	}

	// A second cancel is a no-op.
	again, err := f.eng.Cancel(ctx, j.ID)
	if err != nil || again.Status != job.StatusCancelled {
		t.Fatalf("second Cancel = %v, %v", again, err)
	}

	// The cancelled job is dropped when a worker pops it.
	f.start(t)
	deadline := time.Now().Add(5 * time.Second)
	for {
		n, _ := f.eng.Queue().Len(ctx, "db-1")
		if n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("cancelled job never left the queue")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got, _ := f.eng.Get(ctx, j.ID); got.Status != job.StatusCancelled {
		t.Fatalf("status = %s after dequeue", got.Status)
	}
}

func TestEngine_CancelRunningJob(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	ctx := context.Background()

	j, err := f.eng.Submit(ctx, spec("SELECT pg_sleep(10)", "SELECT 2"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	f.waitStatus(t, j, job.StatusRunning)

	out, err := f.eng.Cancel(ctx, j.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if out.Status != job.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", out.Status)
	}
	if f.db.cancelCount() < 1 {
		t.Fatal("running query was not interrupted")
	}

	got := f.waitStatus(t, j, job.StatusCancelled)
	if got.Queries[1].Status != job.StatusSkipped {
		t.Fatalf("second query = %s, want skipped", got.Queries[1].Status)
	}
	if _, _, cancelled, _ := f.ext.counts(); cancelled != 1 {
		t.Fatalf("OnJobCancelled called %d times", cancelled)
	}
}

func TestEngine_StopEmitsShutdown(t *testing.T) {
	f := newFixture(t)
	if err := f.eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := f.eng.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, _, _, shutdown := f.ext.counts(); shutdown != 1 {
		t.Fatalf("OnShutdown called %d times", shutdown)
	}
}
