package canceller_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/xraph/sqlbatch"
	"github.com/xraph/sqlbatch/backoff"
	"github.com/xraph/sqlbatch/canceller"
	"github.com/xraph/sqlbatch/id"
	"github.com/xraph/sqlbatch/job"
	"github.com/xraph/sqlbatch/store/memory"
)

// fakeAdmin records every call; any call at all means a database
// connection would have been opened.
type fakeAdmin struct {
	mu       sync.Mutex
	cancels  []uint32
	lookups  []string
	onCancel func(pid uint32) error
	onLookup func(tag string) (uint32, error)
}

func (a *fakeAdmin) CancelBackend(_ context.Context, _ job.DBParams, pid uint32) error {
	a.mu.Lock()
	a.cancels = append(a.cancels, pid)
	a.mu.Unlock()
	if a.onCancel != nil {
		return a.onCancel(pid)
	}
	return nil
}

func (a *fakeAdmin) FindBackendPID(_ context.Context, _ job.DBParams, tag string) (uint32, error) {
	a.mu.Lock()
	a.lookups = append(a.lookups, tag)
	a.mu.Unlock()
	if a.onLookup != nil {
		return a.onLookup(tag)
	}
	return 0, fmt.Errorf("no backend: %w", sqlbatch.ErrCancelDeliveryFailure)
}

func (a *fakeAdmin) calls() (cancels []uint32, lookups []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]uint32(nil), a.cancels...), append([]string(nil), a.lookups...)
}

type fixture struct {
	store *memory.Store
	jobs  *job.Service
	admin *fakeAdmin
	c     *canceller.Canceller
}

func newFixture() *fixture {
	s := memory.New()
	jobs := job.NewService(s)
	admin := &fakeAdmin{}
	return &fixture{
		store: s,
		jobs:  jobs,
		admin: admin,
		c: canceller.New(jobs, admin,
			canceller.WithRetry(backoff.NewConstant(time.Millisecond), 5),
		),
	}
}

func (f *fixture) create(t *testing.T, queries ...string) *job.Job {
	t.Helper()
	j, err := f.jobs.Create(context.Background(), job.Spec{Host: "db-1", Queries: queries})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return j
}

// run moves j to running on backend pid with its first query in flight.
func (f *fixture) run(t *testing.T, j *job.Job, pid uint32) *job.Job {
	t.Helper()
	next := j.Clone()
	next.Status = job.StatusRunning
	next.BackendPID = pid
	next.WorkerID = id.NewWorkerID()
	next.Queries[0].Status = job.StatusRunning
	out, err := f.store.UpdateJob(context.Background(), next)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	return out
}

func (f *fixture) finish(t *testing.T, j *job.Job, status job.Status) {
	t.Helper()
	cur, err := f.store.GetJob(context.Background(), j.ID)
	if err != nil {
		t.Fatal(err)
	}
	next := cur.Clone()
	next.Status = status
	if _, err := f.store.UpdateJob(context.Background(), next); err != nil {
		t.Fatalf("finish: %v", err)
	}
}

func (f *fixture) status(t *testing.T, j *job.Job) job.Status {
	t.Helper()
	got, err := f.store.GetJob(context.Background(), j.ID)
	if err != nil {
		t.Fatal(err)
	}
	return got.Status
}

func TestCancel_PendingNeedsNoDatabase(t *testing.T) {
	f := newFixture()
	j := f.create(t, "SELECT pg_sleep(10)")

	out, err := f.c.Cancel(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if out.Status != job.StatusCancelled || f.status(t, j) != job.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", out.Status)
	}
	if cancels, lookups := f.admin.calls(); len(cancels) != 0 || len(lookups) != 0 {
		t.Fatalf("pending cancel contacted the database: %v %v", cancels, lookups)
	}
}

func TestCancel_TerminalIsNoOp(t *testing.T) {
	for _, status := range []job.Status{job.StatusDone, job.StatusFailed, job.StatusCancelled, job.StatusUnknown} {
		t.Run(string(status), func(t *testing.T) {
			f := newFixture()
			j := f.create(t, "SELECT 1")
			if status == job.StatusCancelled {
				f.finish(t, j, status)
			} else {
				f.finish(t, f.run(t, j, 10), status)
			}

			out, err := f.c.Cancel(context.Background(), j.ID)
			if err != nil {
				t.Fatalf("Cancel: %v", err)
			}
			if out.Status != status || f.status(t, j) != status {
				t.Fatalf("status = %s, want unchanged %s", out.Status, status)
			}
			if cancels, _ := f.admin.calls(); len(cancels) != 0 {
				t.Fatalf("terminal cancel contacted the database: %v", cancels)
			}
		})
	}
}

func TestCancel_Running(t *testing.T) {
	f := newFixture()
	j := f.run(t, f.create(t, "SELECT pg_sleep(10)", "SELECT 2"), 4321)

	out, err := f.c.Cancel(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if out.Status != job.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", out.Status)
	}
	if out.Queries[0].Status != job.StatusCancelled || out.Queries[1].Status != job.StatusSkipped {
		t.Fatalf("query statuses = %s, %s", out.Queries[0].Status, out.Queries[1].Status)
	}
	if out.BackendPID != 0 {
		t.Fatal("backend pid not cleared")
	}
	cancels, lookups := f.admin.calls()
	if len(cancels) != 1 || cancels[0] != 4321 {
		t.Fatalf("cancel requests = %v, want [4321]", cancels)
	}
	// Nothing picked the statement up again, so the sweep gives up after
	// the configured attempts.
	if len(lookups) != 5 {
		t.Fatalf("lookups after cancel = %d, want 5", len(lookups))
	}
}

func TestCancel_SignalsStatementStartedAfterCancel(t *testing.T) {
	f := newFixture()
	j := f.run(t, f.create(t, "SELECT 1", "SELECT pg_sleep(10)"), 4321)

	// The first signal reaches the backend between two statements; the
	// next statement shows up as active on the second lookup.
	lookups := 0
	f.admin.onLookup = func(tag string) (uint32, error) {
		if tag != j.Tag() {
			t.Errorf("lookup tag = %q, want %q", tag, j.Tag())
		}
		lookups++
		if lookups == 2 {
			return 6000, nil
		}
		return 0, fmt.Errorf("no backend: %w", sqlbatch.ErrCancelDeliveryFailure)
	}

	out, err := f.c.Cancel(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if out.Status != job.StatusCancelled || f.status(t, j) != job.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", out.Status)
	}
	cancels, calls := f.admin.calls()
	if len(cancels) != 2 || cancels[0] != 4321 || cancels[1] != 6000 {
		t.Fatalf("cancel requests = %v, want [4321 6000]", cancels)
	}
	if len(calls) != 2 {
		t.Fatalf("lookups = %d, want the sweep to stop after signalling", len(calls))
	}
}

func TestCancel_SweepFailureKeepsCancel(t *testing.T) {
	f := newFixture()
	j := f.run(t, f.create(t, "SELECT pg_sleep(10)"), 4321)
	f.admin.onLookup = func(string) (uint32, error) {
		return 0, fmt.Errorf("dial: %w", sqlbatch.ErrConnectionFailure)
	}

	out, err := f.c.Cancel(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if out.Status != job.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", out.Status)
	}
	if _, lookups := f.admin.calls(); len(lookups) != 1 {
		t.Fatalf("lookups = %d, connection failures must end the sweep", len(lookups))
	}
}

func TestCancel_StalePIDFallsBackToTag(t *testing.T) {
	f := newFixture()
	j := f.run(t, f.create(t, "SELECT pg_sleep(10)"), 4321)

	f.admin.onCancel = func(pid uint32) error {
		if pid == 4321 {
			return fmt.Errorf("backend gone: %w", sqlbatch.ErrCancelDeliveryFailure)
		}
		return nil
	}
	// 5555 runs the statement until it is signalled.
	signalled := false
	f.admin.onLookup = func(tag string) (uint32, error) {
		if tag != j.Tag() {
			t.Errorf("lookup tag = %q, want %q", tag, j.Tag())
		}
		if signalled {
			return 0, fmt.Errorf("no backend: %w", sqlbatch.ErrCancelDeliveryFailure)
		}
		signalled = true
		return 5555, nil
	}

	if _, err := f.c.Cancel(context.Background(), j.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if f.status(t, j) != job.StatusCancelled {
		t.Fatal("job not cancelled")
	}
	if cancels, _ := f.admin.calls(); len(cancels) != 2 || cancels[1] != 5555 {
		t.Fatalf("cancel requests = %v, want [4321 5555]", cancels)
	}
}

func TestCancel_UndeliverableButFinished(t *testing.T) {
	f := newFixture()
	j := f.run(t, f.create(t, "SELECT 1"), 4321)

	// The query finished and the worker recorded it just before the
	// cancel request arrived.
	f.admin.onCancel = func(uint32) error {
		f.finish(t, j, job.StatusDone)
		return fmt.Errorf("backend idle: %w", sqlbatch.ErrCancelDeliveryFailure)
	}

	out, err := f.c.Cancel(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if out.Status != job.StatusDone {
		t.Fatalf("status = %s, want done", out.Status)
	}
}

func TestCancel_UndeliverableExhaustsRetries(t *testing.T) {
	f := newFixture()
	j := f.run(t, f.create(t, "SELECT 1"), 4321)
	f.admin.onCancel = func(uint32) error {
		return fmt.Errorf("backend gone: %w", sqlbatch.ErrCancelDeliveryFailure)
	}

	_, err := f.c.Cancel(context.Background(), j.ID)
	if !errors.Is(err, sqlbatch.ErrCancelDeliveryFailure) {
		t.Fatalf("Cancel error = %v, want ErrCancelDeliveryFailure", err)
	}
	if f.status(t, j) != job.StatusRunning {
		t.Fatal("job status changed without a delivered cancel")
	}
	if cancels, _ := f.admin.calls(); len(cancels) != 5 {
		t.Fatalf("cancel attempts = %d, want 5", len(cancels))
	}
}

func TestCancel_ConnectionFailure(t *testing.T) {
	tests := []struct {
		name       string
		finishes   bool
		wantErr    error
		wantStatus job.Status
	}{
		{"job still running", false, sqlbatch.ErrConnectionFailure, job.StatusRunning},
		{"job finished meanwhile", true, nil, job.StatusFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			j := f.run(t, f.create(t, "SELECT 1"), 4321)
			f.admin.onCancel = func(uint32) error {
				if tt.finishes {
					f.finish(t, j, job.StatusFailed)
				}
				return fmt.Errorf("dial: %w", sqlbatch.ErrConnectionFailure)
			}

			_, err := f.c.Cancel(context.Background(), j.ID)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("Cancel: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("Cancel error = %v, want %v", err, tt.wantErr)
			}
			if got := f.status(t, j); got != tt.wantStatus {
				t.Fatalf("status = %s, want %s", got, tt.wantStatus)
			}
			if cancels, _ := f.admin.calls(); len(cancels) != 1 {
				t.Fatalf("connection failures must not be retried, got %d attempts", len(cancels))
			}
		})
	}
}

func TestCancel_RacesWorkerProgress(t *testing.T) {
	f := newFixture()
	j := f.run(t, f.create(t, "SELECT 1", "SELECT pg_sleep(10)"), 4321)

	// The worker records query 0 done between the canceller's read and
	// its write, so the first status write is stale.
	var once sync.Once
	f.admin.onCancel = func(uint32) error {
		once.Do(func() {
			cur, _ := f.store.GetJob(context.Background(), j.ID)
			next := cur.Clone()
			next.Queries[0].Status = job.StatusDone
			next.Queries[1].Status = job.StatusRunning
			next.CurrentQuery = 1
			if _, err := f.store.UpdateJob(context.Background(), next); err != nil {
				t.Errorf("progress: %v", err)
			}
		})
		return nil
	}

	out, err := f.c.Cancel(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if out.Status != job.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", out.Status)
	}
	if out.Queries[0].Status != job.StatusDone || out.Queries[1].Status != job.StatusCancelled {
		t.Fatalf("query statuses = %s, %s", out.Queries[0].Status, out.Queries[1].Status)
	}
	if cancels, _ := f.admin.calls(); len(cancels) != 2 {
		t.Fatalf("cancel requests = %d, want 2", len(cancels))
	}
}

func TestCancel_NotFound(t *testing.T) {
	f := newFixture()
	_, err := f.c.Cancel(context.Background(), id.NewJobID())
	if !errors.Is(err, sqlbatch.ErrJobNotFound) {
		t.Fatalf("Cancel error = %v, want ErrJobNotFound", err)
	}
}
