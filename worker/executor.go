package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/sqlbatch/backoff"
	"github.com/xraph/sqlbatch/ext"
	"github.com/xraph/sqlbatch/id"
	"github.com/xraph/sqlbatch/job"
	"github.com/xraph/sqlbatch/middleware"
	"github.com/xraph/sqlbatch/pg"
	"github.com/xraph/sqlbatch/queue"
)

// errStopped means the record moved on without this worker (cancelled,
// reaped, or claimed elsewhere) and the execution must end quietly.
var errStopped = errors.New("sqlbatch/worker: job no longer owned by this worker")

var errStillRunning = errors.New("sqlbatch/worker: job still running")

// Execution tracks one job this worker has dequeued.
type Execution struct {
	JobID    id.JobID
	WorkerID id.WorkerID

	drainOnce sync.Once
	drainCh   chan struct{}

	mu      sync.Mutex
	session Session
	running bool
}

// NewExecution creates the handle for a dequeued job.
func NewExecution(jobID id.JobID, workerID id.WorkerID) *Execution {
	return &Execution{JobID: jobID, WorkerID: workerID, drainCh: make(chan struct{})}
}

// Drain asks the execution to hand its job back to the queue. An in-flight
// query is interrupted through the session's own cancel request.
func (x *Execution) Drain(ctx context.Context) error {
	x.drainOnce.Do(func() { close(x.drainCh) })

	// Hold the lock across the cancel so the session cannot be released
	// to its pool (and picked up by another job) while it is in flight.
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.session == nil {
		return nil
	}
	return x.session.CancelRequest(ctx)
}

// Draining reports whether Drain has been called.
func (x *Execution) Draining() bool {
	select {
	case <-x.drainCh:
		return true
	default:
		return false
	}
}

// Running reports whether the job has been moved to running and should
// receive heartbeats.
func (x *Execution) Running() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.running
}

func (x *Execution) attach(s Session) {
	x.mu.Lock()
	x.session = s
	x.mu.Unlock()
}

func (x *Execution) setRunning(v bool) {
	x.mu.Lock()
	x.running = v
	x.mu.Unlock()
}

func (x *Execution) release(reason error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.session != nil {
		x.session.Release(reason)
		x.session = nil
	}
	x.running = false
}

// Executor runs a single job's queries in order, recording progress after
// every step.
type Executor struct {
	store      job.Store
	queue      *queue.Queue
	connector  Connector
	extensions *ext.Registry
	mw         middleware.Middleware
	logger     *slog.Logger

	maxRows         int
	cancelWait      backoff.Strategy
	cancelAttempts  int
	writeRetries    int
	handBackTimeout time.Duration
	now             func() time.Time
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithMiddleware wraps every query execution.
func WithMiddleware(mws ...middleware.Middleware) ExecutorOption {
	return func(e *Executor) { e.mw = middleware.Chain(mws...) }
}

// WithMaxResultRows bounds the rows kept per query result.
func WithMaxResultRows(n int) ExecutorOption {
	return func(e *Executor) { e.maxRows = n }
}

// WithCancelWait sets how long a query interrupted by the server is given
// to show up as cancelled in the store before it is recorded as failed.
func WithCancelWait(s backoff.Strategy, attempts int) ExecutorOption {
	return func(e *Executor) {
		e.cancelWait = s
		e.cancelAttempts = attempts
	}
}

// WithHandBackTimeout bounds the store writes made to return a job to its
// queue once the worker's own context has ended.
func WithHandBackTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.handBackTimeout = d }
}

// NewExecutor creates an Executor with the given dependencies.
func NewExecutor(
	store job.Store,
	q *queue.Queue,
	connector Connector,
	extensions *ext.Registry,
	logger *slog.Logger,
	opts ...ExecutorOption,
) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		store:           store,
		queue:           q,
		connector:       connector,
		extensions:      extensions,
		mw:              middleware.Chain(),
		logger:          logger,
		maxRows:         100,
		cancelWait:      backoff.NewExponential(25*time.Millisecond, 400*time.Millisecond),
		cancelAttempts:  5,
		writeRetries:    3,
		handBackTimeout: 5 * time.Second,
		now:             func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes j, which must be the pending record just taken off its
// queue. It returns nil whenever the job reached a state some component
// owns: finished, cancelled, lost, or handed back. A non-nil error means
// the worker could not make progress (no session, store unreachable) and
// the caller should back off.
func (e *Executor) Run(ctx context.Context, x *Execution, j *job.Job) error {
	sess, err := e.connector.Acquire(ctx, j.DB)
	if err != nil {
		return e.connectFailed(ctx, j, err)
	}

	var reason error
	x.attach(sess)
	defer func() { x.release(reason) }()

	if x.Draining() {
		return e.requeue(ctx, j)
	}

	start := time.Now()
	next := j.Clone()
	next.Status = job.StatusRunning
	next.BackendPID = sess.PID()
	next.WorkerID = x.WorkerID
	cur, err := e.store.UpdateJob(ctx, next)
	if err != nil {
		if job.IsStale(err) || job.IsInvalidTransition(err) {
			e.logger.Debug("job claimed elsewhere",
				slog.String("job_id", j.ID.String()),
				slog.String("error", err.Error()),
			)
			return nil
		}
		return fmt.Errorf("sqlbatch/worker: start job %s: %w", j.ID, err)
	}
	x.setRunning(true)
	e.extensions.EmitJobStarted(ctx, cur)
	e.logger.Info("job started",
		slog.String("job_id", cur.ID.String()),
		slog.String("host", cur.Host),
		slog.Uint64("backend_pid", uint64(cur.BackendPID)),
	)

	for {
		i := cur.NextQuery()
		if i == job.NoQuery || cur.IsTerminal() {
			break
		}
		if x.Draining() {
			return e.handBack(ctx, x, cur)
		}

		progressed, err := e.write(ctx, x, cur, func(n *job.Job) {
			now := e.now()
			q := n.Queries[i]
			q.Status = job.StatusRunning
			q.StartedAt = &now
			n.CurrentQuery = i
		})
		if err != nil {
			return e.abandon(ctx, x, cur, err)
		}
		cur = progressed

		var recorded *job.Job
		res, qerr := e.exec(ctx, sess, cur, i)
		switch {
		case qerr == nil:
			recorded, err = e.write(ctx, x, cur, func(n *job.Job) {
				now := e.now()
				q := n.Queries[i]
				q.Status = job.StatusDone
				q.EndedAt = &now
				q.Result = res
			})

		case ctx.Err() != nil:
			reason = qerr
			hctx, cancel := e.detached(ctx)
			defer cancel()
			return e.handBack(hctx, x, cur)

		case pg.IsQueryCanceled(qerr) && x.Draining():
			return e.handBack(ctx, x, cur)

		case pg.IsQueryCanceled(qerr) && e.cancelledElsewhere(ctx, cur):
			e.logger.Info("job cancelled while running",
				slog.String("job_id", cur.ID.String()),
				slog.Int("query", i),
			)
			return nil

		case sess.Closed():
			reason = qerr
			lost, err := e.write(ctx, x, cur, func(n *job.Job) {
				n.Status = job.StatusUnknown
				n.FailedReason = pg.ErrorMessage(qerr)
			})
			if err != nil {
				return e.abandon(ctx, x, cur, err)
			}
			e.extensions.EmitJobLost(ctx, lost, qerr)
			e.logger.Warn("job lost its connection",
				slog.String("job_id", lost.ID.String()),
				slog.String("host", lost.Host),
				slog.String("error", qerr.Error()),
			)
			return nil

		default:
			msg := pg.ErrorMessage(qerr)
			recorded, err = e.write(ctx, x, cur, func(n *job.Job) {
				now := e.now()
				q := n.Queries[i]
				q.Status = job.StatusFailed
				q.FailedReason = msg
				q.EndedAt = &now
				if !n.ContinueOnError {
					n.Status = job.StatusFailed
					n.FailedReason = msg
				}
			})
		}
		if err != nil {
			return e.abandon(ctx, x, cur, err)
		}
		cur = recorded
	}

	if !cur.IsTerminal() {
		final, err := e.write(ctx, x, cur, func(n *job.Job) {
			if msg := firstFailure(n); msg != "" {
				n.Status = job.StatusFailed
				n.FailedReason = msg
				return
			}
			n.Status = job.StatusDone
		})
		if err != nil {
			return e.abandon(ctx, x, cur, err)
		}
		cur = final
	}

	elapsed := time.Since(start)
	switch cur.Status {
	case job.StatusDone:
		e.extensions.EmitJobDone(ctx, cur, elapsed)
	case job.StatusFailed:
		e.extensions.EmitJobFailed(ctx, cur, errors.New(cur.FailedReason))
	}
	e.logger.Info("job finished",
		slog.String("job_id", cur.ID.String()),
		slog.String("status", string(cur.Status)),
		slog.Duration("elapsed", elapsed),
	)
	return nil
}

func (e *Executor) exec(ctx context.Context, sess Session, cur *job.Job, i int) (*job.Result, error) {
	call := &middleware.Call{Job: cur, Index: i, SQL: cur.Tag() + cur.Queries[i].SQL}
	var res *job.Result
	err := e.mw(ctx, call, func(ctx context.Context) error {
		r, err := sess.Exec(ctx, call.SQL, e.maxRows)
		res = r
		return err
	})
	return res, err
}

// write applies mutate to a copy of cur and stores it. On a lost race it
// re-reads the record and, while this worker still owns it, re-applies
// mutate to the fresh copy. It returns errStopped once the record is
// terminal, back to pending, or owned by another worker.
func (e *Executor) write(ctx context.Context, x *Execution, cur *job.Job, mutate func(*job.Job)) (*job.Job, error) {
	for attempt := 0; ; attempt++ {
		next := cur.Clone()
		mutate(next)
		out, err := e.store.UpdateJob(ctx, next)
		if err == nil {
			return out, nil
		}
		if !job.IsStale(err) && !job.IsInvalidTransition(err) {
			return nil, err
		}

		fresh, getErr := e.store.GetJob(ctx, cur.ID)
		if getErr != nil {
			return nil, getErr
		}
		if fresh.IsTerminal() || fresh.Status == job.StatusPending ||
			fresh.WorkerID.String() != x.WorkerID.String() {
			return nil, errStopped
		}
		if attempt >= e.writeRetries {
			return nil, err
		}
		cur = fresh
	}
}

// abandon ends an execution whose last write did not land.
func (e *Executor) abandon(ctx context.Context, x *Execution, cur *job.Job, err error) error {
	if errors.Is(err, errStopped) {
		e.logger.Debug("job moved on without this worker",
			slog.String("job_id", cur.ID.String()),
		)
		return nil
	}
	if ctx.Err() != nil {
		hctx, cancel := e.detached(ctx)
		defer cancel()
		return e.handBack(hctx, x, cur)
	}
	return fmt.Errorf("sqlbatch/worker: record progress of job %s: %w", cur.ID, err)
}

// handBack moves a running job through draining back to pending and puts
// it at the tail of its queue. Finished queries keep their results; the
// interrupted one runs again.
func (e *Executor) handBack(ctx context.Context, x *Execution, cur *job.Job) error {
	drained, err := e.write(ctx, x, cur, func(n *job.Job) {
		n.Status = job.StatusDraining
	})
	if err != nil {
		return e.abandonHandBack(cur, err)
	}
	pending, err := e.write(ctx, x, drained, func(n *job.Job) {
		for _, q := range n.Queries {
			if q.Status == job.StatusRunning {
				q.Status = job.StatusPending
				q.StartedAt = nil
			}
		}
		n.Status = job.StatusPending
	})
	if err != nil {
		return e.abandonHandBack(cur, err)
	}
	x.setRunning(false)
	if err := e.queue.Requeue(ctx, pending); err != nil {
		return fmt.Errorf("sqlbatch/worker: requeue job %s: %w", cur.ID, err)
	}
	e.extensions.EmitJobRequeued(ctx, pending)
	e.logger.Info("job handed back",
		slog.String("job_id", pending.ID.String()),
		slog.String("host", pending.Host),
	)
	return nil
}

func (e *Executor) abandonHandBack(cur *job.Job, err error) error {
	if errors.Is(err, errStopped) {
		return nil
	}
	return fmt.Errorf("sqlbatch/worker: hand back job %s: %w", cur.ID, err)
}

// requeue returns a job that never left pending to its queue.
func (e *Executor) requeue(ctx context.Context, j *job.Job) error {
	rctx, cancel := e.detached(ctx)
	defer cancel()
	if err := e.queue.Requeue(rctx, j); err != nil {
		return fmt.Errorf("sqlbatch/worker: requeue job %s: %w", j.ID, err)
	}
	return nil
}

func (e *Executor) connectFailed(ctx context.Context, j *job.Job, err error) error {
	e.logger.Warn("could not connect for job, requeueing",
		slog.String("job_id", j.ID.String()),
		slog.String("host", j.Host),
		slog.String("error", err.Error()),
	)
	if rqErr := e.requeue(ctx, j); rqErr != nil {
		return errors.Join(err, rqErr)
	}
	return fmt.Errorf("sqlbatch/worker: acquire session for job %s: %w", j.ID, err)
}

// cancelledElsewhere waits briefly for the store to show the job terminal
// after the server reported the query cancelled. A canceller sends the
// cancel request before it writes the cancelled status.
func (e *Executor) cancelledElsewhere(ctx context.Context, cur *job.Job) bool {
	err := backoff.Retry(ctx, e.cancelWait, e.cancelAttempts, func() error {
		fresh, err := e.store.GetJob(ctx, cur.ID)
		if err != nil {
			return err
		}
		if fresh.IsTerminal() {
			return nil
		}
		return errStillRunning
	})
	return err == nil
}

func (e *Executor) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), e.handBackTimeout)
}

func firstFailure(j *job.Job) string {
	for _, q := range j.Queries {
		if q.Status == job.StatusFailed {
			return q.FailedReason
		}
	}
	return ""
}
