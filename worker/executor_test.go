package worker_test

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/xraph/sqlbatch/backoff"
	"github.com/xraph/sqlbatch/id"
	"github.com/xraph/sqlbatch/job"
	"github.com/xraph/sqlbatch/worker"
)

func newExecutor(h *harness, conn worker.Connector) *worker.Executor {
	return worker.NewExecutor(h.store, h.queue, conn, nil, slog.Default(),
		worker.WithCancelWait(backoff.NewConstant(5*time.Millisecond), 100),
	)
}

func TestExecutor_RunsQueriesInOrder(t *testing.T) {
	h := newHarness()
	conn := &fakeConnector{newSession: func() *fakeSession { return newFakeSession(4242) }}
	e := newExecutor(h, conn)

	submitted := h.submit(t, job.Spec{Queries: []string{"SELECT 1", "SELECT 2"}})
	j := h.take(t, "db-1")

	if err := e.Run(context.Background(), worker.NewExecution(j.ID, id.NewWorkerID()), j); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := h.get(t, submitted)
	if got.Status != job.StatusDone {
		t.Fatalf("status = %s, want done", got.Status)
	}
	for i, q := range got.Queries {
		if q.Status != job.StatusDone || q.Result == nil || q.Result.RowCount != 1 {
			t.Errorf("query %d = %+v, want done with result", i, q)
		}
		if q.StartedAt == nil || q.EndedAt == nil {
			t.Errorf("query %d missing timestamps", i)
		}
	}
	if got.BackendPID != 0 || got.CurrentQuery != job.NoQuery || got.EndedAt == nil {
		t.Fatalf("terminal record not cleaned up: %+v", got)
	}

	sess := conn.last()
	sqls := sess.executed()
	if len(sqls) != 2 {
		t.Fatalf("executed %d statements, want 2", len(sqls))
	}
	if sqls[0] != got.Tag()+"SELECT 1" || sqls[1] != got.Tag()+"SELECT 2" {
		t.Fatalf("statements not tagged in order: %q", sqls)
	}
	if released, reason := sess.releaseState(); !released || reason != nil {
		t.Fatalf("session released=%v reason=%v, want clean release", released, reason)
	}
}

func TestExecutor_FailureOutcomes(t *testing.T) {
	tests := []struct {
		name            string
		continueOnError bool
		want            []job.Status
	}{
		{
			name: "stop at first failure",
			want: []job.Status{job.StatusDone, job.StatusFailed, job.StatusSkipped},
		},
		{
			name:            "continue on error",
			continueOnError: true,
			want:            []job.Status{job.StatusDone, job.StatusFailed, job.StatusDone},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			conn := &fakeConnector{newSession: func() *fakeSession {
				s := newFakeSession(1)
				s.exec = failOn("SELEC 2")
				return s
			}}
			e := newExecutor(h, conn)

			submitted := h.submit(t, job.Spec{
				Queries:         []string{"SELECT 1", "SELEC 2", "SELECT 3"},
				ContinueOnError: tt.continueOnError,
			})
			j := h.take(t, "db-1")
			if err := e.Run(context.Background(), worker.NewExecution(j.ID, id.NewWorkerID()), j); err != nil {
				t.Fatalf("Run: %v", err)
			}

			got := h.get(t, submitted)
			if got.Status != job.StatusFailed {
				t.Fatalf("status = %s, want failed", got.Status)
			}
			if !strings.Contains(got.FailedReason, "syntax error") {
				t.Fatalf("failed reason = %q", got.FailedReason)
			}
			for i, want := range tt.want {
				if got.Queries[i].Status != want {
					t.Errorf("query %d status = %s, want %s", i, got.Queries[i].Status, want)
				}
			}
			if got.Queries[1].FailedReason == "" {
				t.Error("failing query has no reason")
			}
		})
	}
}

func TestExecutor_CancelledWhileRunning(t *testing.T) {
	h := newHarness()
	conn := &fakeConnector{newSession: func() *fakeSession {
		s := newFakeSession(77)
		s.exec = blockUntilCancel
		return s
	}}
	e := newExecutor(h, conn)

	submitted := h.submit(t, job.Spec{Queries: []string{"SELECT pg_sleep(60)", "SELECT 2"}})
	j := h.take(t, "db-1")

	done := make(chan error, 1)
	go func() {
		done <- e.Run(context.Background(), worker.NewExecution(j.ID, id.NewWorkerID()), j)
	}()

	waitFor(t, "query running", func() bool {
		got := h.get(t, submitted)
		return got.Status == job.StatusRunning && got.Queries[0].Status == job.StatusRunning
	})

	// Act as a canceller: interrupt first, then record the cancellation.
	running := h.get(t, submitted)
	if running.BackendPID != 77 {
		t.Fatalf("backend pid = %d, want 77", running.BackendPID)
	}
	_ = conn.last().CancelRequest(context.Background())
	time.Sleep(20 * time.Millisecond)
	next := running.Clone()
	next.Status = job.StatusCancelled
	if _, err := h.store.UpdateJob(context.Background(), next); err != nil {
		t.Fatalf("cancel update: %v", err)
	}

	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := h.get(t, submitted)
	if got.Status != job.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	if got.Queries[0].Status != job.StatusCancelled || got.Queries[1].Status != job.StatusSkipped {
		t.Fatalf("query statuses = %s, %s", got.Queries[0].Status, got.Queries[1].Status)
	}
}

func TestExecutor_ServerCancelWithoutCancellerFails(t *testing.T) {
	h := newHarness()
	conn := &fakeConnector{newSession: func() *fakeSession {
		s := newFakeSession(1)
		s.exec = func(context.Context, *fakeSession, string) (*job.Result, error) {
			return nil, errCanceled
		}
		return s
	}}
	e := worker.NewExecutor(h.store, h.queue, conn, nil, slog.Default(),
		worker.WithCancelWait(backoff.NewConstant(time.Millisecond), 3),
	)

	submitted := h.submit(t, job.Spec{Queries: []string{"SELECT 1"}})
	j := h.take(t, "db-1")
	if err := e.Run(context.Background(), worker.NewExecution(j.ID, id.NewWorkerID()), j); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := h.get(t, submitted); got.Status != job.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
}

func TestExecutor_DrainHandsJobBack(t *testing.T) {
	h := newHarness()
	conn := &fakeConnector{newSession: func() *fakeSession {
		s := newFakeSession(5)
		s.exec = func(ctx context.Context, s *fakeSession, sql string) (*job.Result, error) {
			if strings.Contains(sql, "pg_sleep") {
				return blockUntilCancel(ctx, s, sql)
			}
			return okResult(), nil
		}
		return s
	}}
	e := newExecutor(h, conn)

	submitted := h.submit(t, job.Spec{Queries: []string{"SELECT 1", "SELECT pg_sleep(60)"}})
	j := h.take(t, "db-1")
	x := worker.NewExecution(j.ID, id.NewWorkerID())

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background(), x, j) }()

	waitFor(t, "second query running", func() bool {
		return h.get(t, submitted).Queries[1].Status == job.StatusRunning
	})
	if err := x.Drain(context.Background()); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := h.get(t, submitted)
	if got.Status != job.StatusPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}
	if got.Queries[0].Status != job.StatusDone || got.Queries[0].Result == nil {
		t.Fatal("finished query lost its result")
	}
	if got.Queries[1].Status != job.StatusPending || got.Queries[1].StartedAt != nil {
		t.Fatalf("interrupted query = %+v, want pending", got.Queries[1])
	}
	if !got.WorkerID.IsNil() || got.BackendPID != 0 {
		t.Fatal("handed back job still carries ownership")
	}

	again := h.take(t, "db-1")
	if again.ID.String() != submitted.ID.String() {
		t.Fatalf("requeued job = %s, want %s", again.ID, submitted.ID)
	}
	if again.NextQuery() != 1 {
		t.Fatalf("next query = %d, want 1", again.NextQuery())
	}
}

func TestExecutor_ConnectionLost(t *testing.T) {
	h := newHarness()
	conn := &fakeConnector{newSession: func() *fakeSession {
		s := newFakeSession(9)
		s.exec = func(context.Context, *fakeSession, string) (*job.Result, error) {
			s.mu.Lock()
			s.closed = true
			s.mu.Unlock()
			return nil, errNetwork
		}
		return s
	}}
	e := newExecutor(h, conn)

	submitted := h.submit(t, job.Spec{Queries: []string{"UPDATE t SET x = 1", "SELECT 2"}})
	j := h.take(t, "db-1")
	if err := e.Run(context.Background(), worker.NewExecution(j.ID, id.NewWorkerID()), j); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := h.get(t, submitted)
	if got.Status != job.StatusUnknown {
		t.Fatalf("status = %s, want unknown", got.Status)
	}
	if got.Queries[0].Status != job.StatusUnknown || got.Queries[1].Status != job.StatusSkipped {
		t.Fatalf("query statuses = %s, %s", got.Queries[0].Status, got.Queries[1].Status)
	}
	if _, reason := conn.last().releaseState(); !errors.Is(reason, errNetwork) {
		t.Fatalf("release reason = %v, want the network error", reason)
	}
}

func TestExecutor_ConnectFailureRequeues(t *testing.T) {
	h := newHarness()
	conn := &fakeConnector{err: errNetwork}
	e := newExecutor(h, conn)

	submitted := h.submit(t, job.Spec{Queries: []string{"SELECT 1"}})
	j := h.take(t, "db-1")
	err := e.Run(context.Background(), worker.NewExecution(j.ID, id.NewWorkerID()), j)
	if !errors.Is(err, errNetwork) {
		t.Fatalf("Run error = %v, want connect error", err)
	}

	if got := h.get(t, submitted); got.Status != job.StatusPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}
	if n, _ := h.queue.Len(context.Background(), "db-1"); n != 1 {
		t.Fatalf("queue length = %d, want 1", n)
	}
}

func TestExecutor_JobCancelledBeforeStart(t *testing.T) {
	h := newHarness()
	conn := &fakeConnector{newSession: func() *fakeSession { return newFakeSession(3) }}
	e := newExecutor(h, conn)

	submitted := h.submit(t, job.Spec{Queries: []string{"SELECT 1"}})
	j := h.take(t, "db-1")

	next := j.Clone()
	next.Status = job.StatusCancelled
	if _, err := h.store.UpdateJob(context.Background(), next); err != nil {
		t.Fatal(err)
	}

	if err := e.Run(context.Background(), worker.NewExecution(j.ID, id.NewWorkerID()), j); err != nil {
		t.Fatalf("Run: %v", err)
	}
	sess := conn.last()
	if len(sess.executed()) != 0 {
		t.Fatal("cancelled job executed a query")
	}
	if released, _ := sess.releaseState(); !released {
		t.Fatal("session not released")
	}
	if got := h.get(t, submitted); got.Status != job.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
}

func TestExecutor_DrainBeforeStartRequeues(t *testing.T) {
	h := newHarness()
	conn := &fakeConnector{newSession: func() *fakeSession { return newFakeSession(3) }}
	e := newExecutor(h, conn)

	submitted := h.submit(t, job.Spec{Queries: []string{"SELECT 1"}})
	j := h.take(t, "db-1")
	x := worker.NewExecution(j.ID, id.NewWorkerID())
	_ = x.Drain(context.Background())

	if err := e.Run(context.Background(), x, j); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := h.get(t, submitted); got.Status != job.StatusPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}
	if n, _ := h.queue.Len(context.Background(), "db-1"); n != 1 {
		t.Fatalf("queue length = %d, want 1", n)
	}
}
