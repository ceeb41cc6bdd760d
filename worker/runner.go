package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/sqlbatch"
	"github.com/xraph/sqlbatch/id"
	"github.com/xraph/sqlbatch/job"
	"github.com/xraph/sqlbatch/pubsub"
	"github.com/xraph/sqlbatch/queue"
)

// Runner owns one dequeue loop per host. A loop wakes on a pub/sub
// notification for its host or on the poll interval, whichever comes first,
// and starts as many executions as the host's limits allow.
type Runner struct {
	store    job.Store
	queue    *queue.Queue
	sub      pubsub.Subscriber
	executor *Executor
	limits   *queue.Limits
	hosts    []string
	workerID id.WorkerID
	logger   *slog.Logger

	pollInterval      time.Duration
	heartbeatInterval time.Duration

	mu       sync.Mutex
	running  bool
	stopping bool
	runCtx   context.Context
	cancel   context.CancelFunc
	stopCh   chan struct{}
	loops    map[string]*pubsub.Notifier
	subs     []pubsub.Subscription
	active   map[string]*Execution

	loopWG sync.WaitGroup
	jobWG  sync.WaitGroup
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithHosts restricts the runner to the given hosts. Without it the runner
// discovers hosts from queued work and wake-ups.
func WithHosts(hosts ...string) RunnerOption {
	return func(r *Runner) { r.hosts = hosts }
}

// WithPollInterval sets the fallback interval at which idle loops check
// their queue even without a wake-up.
func WithPollInterval(d time.Duration) RunnerOption {
	return func(r *Runner) { r.pollInterval = d }
}

// WithHeartbeatInterval sets how often the runner stamps heartbeats on the
// jobs it is running. A zero value disables heartbeats.
func WithHeartbeatInterval(d time.Duration) RunnerOption {
	return func(r *Runner) { r.heartbeatInterval = d }
}

// WithLimits sets per-host concurrency and dequeue rate limits.
func WithLimits(l *queue.Limits) RunnerOption {
	return func(r *Runner) { r.limits = l }
}

// WithWorkerID sets the identity recorded on jobs this runner owns.
func WithWorkerID(wid id.WorkerID) RunnerOption {
	return func(r *Runner) { r.workerID = wid }
}

// WithLogger sets the runner's logger.
func WithLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

// NewRunner creates a Runner.
func NewRunner(store job.Store, q *queue.Queue, sub pubsub.Subscriber, executor *Executor, opts ...RunnerOption) *Runner {
	r := &Runner{
		store:             store,
		queue:             q,
		sub:               sub,
		executor:          executor,
		limits:            queue.NewLimits(),
		workerID:          id.NewWorkerID(),
		logger:            slog.Default(),
		pollInterval:      5 * time.Second,
		heartbeatInterval: 10 * time.Second,
		loops:             make(map[string]*pubsub.Notifier),
		active:            make(map[string]*Execution),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// WorkerID returns the identity this runner records on the jobs it owns.
func (r *Runner) WorkerID() id.WorkerID { return r.workerID }

// Start subscribes to wake-ups and launches the host loops. It returns
// once the subscriptions are confirmed.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = true
	r.stopping = false
	r.stopCh = make(chan struct{})
	r.runCtx, r.cancel = context.WithCancel(context.WithoutCancel(ctx))
	r.mu.Unlock()

	channels := r.hosts
	if len(channels) == 0 {
		channels = []string{pubsub.AllHosts}
	}
	for _, host := range channels {
		s, err := r.sub.Subscribe(r.runCtx, host, r.wake)
		if err != nil {
			_ = r.Stop(ctx)
			return fmt.Errorf("sqlbatch/worker: subscribe %s: %w", host, err)
		}
		r.mu.Lock()
		r.subs = append(r.subs, s)
		r.mu.Unlock()
	}

	if len(r.hosts) > 0 {
		for _, host := range r.hosts {
			r.wake(host)
		}
	} else {
		r.discover()
		r.loopWG.Add(1)
		go r.discoveryLoop()
	}

	if r.heartbeatInterval > 0 {
		r.loopWG.Add(1)
		go r.heartbeatLoop()
	}

	r.logger.Info("worker runner started",
		slog.String("worker_id", r.workerID.String()),
		slog.Any("hosts", r.hosts),
		slog.Duration("poll_interval", r.pollInterval),
	)
	return nil
}

// Stop stops dequeuing, drains the jobs in flight back to their queues and
// waits for every loop to exit. If ctx ends first, executions are
// interrupted through their context and Stop still waits for them to hand
// their jobs back.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	r.stopping = true
	close(r.stopCh)
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()

	for _, s := range subs {
		if err := s.Close(); err != nil {
			r.logger.Warn("closing subscription", slog.String("error", err.Error()))
		}
	}

	r.Drain(ctx)

	done := make(chan struct{})
	go func() {
		r.jobWG.Wait()
		r.loopWG.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		r.logger.Warn("shutdown timeout reached, interrupting executions")
		r.cancel()
		<-done
		err = fmt.Errorf("sqlbatch/worker: stop: %w", ctx.Err())
	}
	r.cancel()

	r.mu.Lock()
	r.loops = make(map[string]*pubsub.Notifier)
	r.mu.Unlock()

	r.logger.Info("worker runner stopped", slog.String("worker_id", r.workerID.String()))
	return err
}

// Drain interrupts every job in flight and hands it back to its queue.
func (r *Runner) Drain(ctx context.Context) {
	r.mu.Lock()
	xs := make([]*Execution, 0, len(r.active))
	for _, x := range r.active {
		xs = append(xs, x)
	}
	r.mu.Unlock()

	for _, x := range xs {
		if err := x.Drain(ctx); err != nil {
			r.logger.Warn("interrupting job for drain",
				slog.String("job_id", x.JobID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}

// ActiveJobs returns the number of jobs currently in flight.
func (r *Runner) ActiveJobs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// wake signals host's loop, starting one for a newly discovered host.
func (r *Runner) wake(host string) {
	r.mu.Lock()
	n, ok := r.loops[host]
	if !ok && r.running && r.accepts(host) {
		n = pubsub.NewNotifier()
		r.loops[host] = n
		r.loopWG.Add(1)
		go r.hostLoop(host, n)
		ok = true
	}
	r.mu.Unlock()
	if ok {
		n.Wake(host)
	}
}

func (r *Runner) accepts(host string) bool {
	if len(r.hosts) == 0 {
		return true
	}
	for _, h := range r.hosts {
		if h == host {
			return true
		}
	}
	return false
}

func (r *Runner) hostLoop(host string, n *pubsub.Notifier) {
	defer r.loopWG.Done()

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		r.dispatch(host, n)
		select {
		case <-r.stopCh:
			return
		case <-n.C():
		case <-ticker.C:
		}
	}
}

// dispatch starts executions for host until its queue is empty or its
// limits are reached.
func (r *Runner) dispatch(host string, n *pubsub.Notifier) {
	for {
		select {
		case <-r.stopCh:
			return
		default:
		}

		if !r.limits.Acquire(host) {
			return
		}
		j, err := r.queue.Next(r.runCtx, host)
		if err != nil {
			r.limits.Release(host)
			if !errors.Is(err, sqlbatch.ErrQueueEmpty) && r.runCtx.Err() == nil {
				r.logger.Error("dequeue failed",
					slog.String("host", host),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		x := NewExecution(j.ID, r.workerID)
		if !r.track(x) {
			// Stop began between the pop and now.
			r.limits.Release(host)
			if err := r.executor.requeue(r.runCtx, j); err != nil {
				r.logger.Error("returning job during stop",
					slog.String("job_id", j.ID.String()),
					slog.String("error", err.Error()),
				)
			}
			return
		}
		go r.execute(host, n, x, j)
	}
}

func (r *Runner) execute(host string, n *pubsub.Notifier, x *Execution, j *job.Job) {
	defer r.jobWG.Done()
	defer n.Wake(host)
	defer r.limits.Release(host)
	defer r.untrack(x)

	if err := r.executor.Run(r.runCtx, x, j); err != nil {
		r.logger.Error("job execution error",
			slog.String("job_id", j.ID.String()),
			slog.String("host", host),
			slog.String("error", err.Error()),
		)
		r.sleep(r.pollInterval)
	}
}

// track registers x unless the runner is stopping.
func (r *Runner) track(x *Execution) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopping {
		return false
	}
	r.active[x.JobID.String()] = x
	r.jobWG.Add(1)
	return true
}

func (r *Runner) untrack(x *Execution) {
	r.mu.Lock()
	delete(r.active, x.JobID.String())
	r.mu.Unlock()
}

func (r *Runner) discoveryLoop() {
	defer r.loopWG.Done()

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.discover()
		}
	}
}

// discover wakes a loop for every host that has queued work.
func (r *Runner) discover() {
	hosts, err := r.queue.Hosts(r.runCtx)
	if err != nil {
		r.logger.Warn("host discovery failed", slog.String("error", err.Error()))
		return
	}
	for _, h := range hosts {
		r.wake(h)
	}
}

func (r *Runner) heartbeatLoop() {
	defer r.loopWG.Done()

	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.heartbeat()
		}
	}
}

func (r *Runner) heartbeat() {
	r.mu.Lock()
	xs := make([]*Execution, 0, len(r.active))
	for _, x := range r.active {
		xs = append(xs, x)
	}
	r.mu.Unlock()

	for _, x := range xs {
		if !x.Running() {
			continue
		}
		err := r.store.HeartbeatJob(r.runCtx, x.JobID, r.workerID)
		if err != nil && !job.IsStale(err) {
			r.logger.Warn("heartbeat failed",
				slog.String("job_id", x.JobID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (r *Runner) sleep(d time.Duration) {
	select {
	case <-r.stopCh:
	case <-time.After(d):
	}
}
