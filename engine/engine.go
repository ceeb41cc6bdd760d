package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/sqlbatch"
	"github.com/xraph/sqlbatch/backoff"
	"github.com/xraph/sqlbatch/canceller"
	"github.com/xraph/sqlbatch/ext"
	"github.com/xraph/sqlbatch/id"
	"github.com/xraph/sqlbatch/job"
	mw "github.com/xraph/sqlbatch/middleware"
	"github.com/xraph/sqlbatch/observability"
	"github.com/xraph/sqlbatch/pg"
	"github.com/xraph/sqlbatch/queue"
	"github.com/xraph/sqlbatch/store"
	"github.com/xraph/sqlbatch/store/redis"
	"github.com/xraph/sqlbatch/streamcopy"
	"github.com/xraph/sqlbatch/worker"
)

const instrumentationName = "github.com/xraph/sqlbatch"

// abandonTimeout bounds the write that retires a job Submit could not queue.
const abandonTimeout = 5 * time.Second

// Engine is the assembled scheduler: producer API, worker runner, reaper,
// canceller and copy bridge over one shared store.
type Engine struct {
	cfg        sqlbatch.Config
	store      store.Store
	jobs       *job.Service
	queue      *queue.Queue
	extensions *ext.Registry
	runner     *worker.Runner
	reaper     *worker.Reaper
	canceller  *canceller.Canceller
	copier     *streamcopy.Copier
	logger     *slog.Logger

	redisClient   goredis.UniversalClient
	pools         *pg.Pools
	ownsPools     bool
	connector     worker.Connector
	copyConnector streamcopy.Connector
	admin         canceller.Admin
	mws           []mw.Middleware
	hostLimits    []queue.HostLimit
	pendingExts   []ext.Extension

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithStore sets the shared store directly.
func WithStore(s store.Store) Option {
	return func(eng *Engine) { eng.store = s }
}

// WithRedis backs the engine with the Redis store on client. The caller
// owns the client.
func WithRedis(client goredis.UniversalClient) Option {
	return func(eng *Engine) { eng.redisClient = client }
}

// WithLogger sets the logger every subsystem logs through.
func WithLogger(l *slog.Logger) Option {
	return func(eng *Engine) { eng.logger = l }
}

// WithExtension registers a lifecycle extension.
func WithExtension(e ext.Extension) Option {
	return func(eng *Engine) { eng.pendingExts = append(eng.pendingExts, e) }
}

// WithMiddleware adds query middleware after the default stack.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) { eng.mws = append(eng.mws, m) }
}

// WithPools sets the tenant pools. The caller keeps ownership.
func WithPools(p *pg.Pools) Option {
	return func(eng *Engine) { eng.pools = p }
}

// WithConnector replaces how workers reach tenant databases.
func WithConnector(c worker.Connector) Option {
	return func(eng *Engine) { eng.connector = c }
}

// WithCopyConnector replaces how copies reach tenant databases.
func WithCopyConnector(c streamcopy.Connector) Option {
	return func(eng *Engine) { eng.copyConnector = c }
}

// WithAdmin replaces the out-of-band cancel path used by the canceller.
func WithAdmin(a canceller.Admin) Option {
	return func(eng *Engine) { eng.admin = a }
}

// WithHostLimits sets per-host concurrency and dequeue rate limits.
func WithHostLimits(limits ...queue.HostLimit) Option {
	return func(eng *Engine) { eng.hostLimits = append(eng.hostLimits, limits...) }
}

// WithTracerProvider sets the tracer provider of the tracing middleware.
// If not set, the global otel.GetTracerProvider() is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) { eng.tracerProvider = tp }
}

// WithMeterProvider sets the meter provider of the metrics middleware and
// the observability extension. If not set, the global provider is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) { eng.meterProvider = mp }
}

// New assembles an Engine from cfg. A store is required, given either
// with WithStore or WithRedis.
func New(cfg sqlbatch.Config, opts ...Option) (*Engine, error) {
	eng := &Engine{cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(eng)
	}
	logger := eng.logger

	if eng.store == nil && eng.redisClient != nil {
		eng.store = redis.New(eng.redisClient, redis.WithLogger(logger), redis.WithJobTTL(cfg.JobTTL))
	}
	if eng.store == nil {
		return nil, sqlbatch.ErrNoStore
	}
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("sqlbatch/engine: poll interval must be positive, got %s", cfg.PollInterval)
	}

	eng.extensions = ext.NewRegistry(logger)
	if eng.meterProvider != nil {
		eng.extensions.Register(observability.NewMetricsExtensionWithMeter(
			eng.meterProvider.Meter(instrumentationName + "/observability")))
	} else {
		eng.extensions.Register(observability.NewMetricsExtension())
	}
	for _, e := range eng.pendingExts {
		eng.extensions.Register(e)
	}

	if eng.pools == nil && (eng.connector == nil || eng.copyConnector == nil) {
		eng.pools = pg.NewPools(pg.WithLogger(logger))
		eng.ownsPools = true
	}
	if eng.connector == nil {
		eng.connector = worker.PoolConnector(eng.pools)
	}
	if eng.copyConnector == nil {
		eng.copyConnector = streamcopy.PoolConnector(eng.pools)
	}
	if eng.admin == nil {
		eng.admin = pg.NewAdmin(pg.WithLogger(logger))
	}

	eng.jobs = job.NewService(eng.store, job.WithServiceLogger(logger))
	eng.queue = queue.New(eng.store, eng.store, queue.WithPublisher(eng.store), queue.WithLogger(logger))

	// Default middleware stack: recover → tracing → metrics → logging.
	var tracingMw mw.Middleware
	if eng.tracerProvider != nil {
		tracingMw = mw.TracingWithTracer(eng.tracerProvider.Tracer(instrumentationName))
	} else {
		tracingMw = mw.Tracing()
	}
	var metricsMw mw.Middleware
	if eng.meterProvider != nil {
		metricsMw = mw.MetricsWithMeter(eng.meterProvider.Meter(instrumentationName))
	} else {
		metricsMw = mw.Metrics()
	}
	allMws := append([]mw.Middleware{
		mw.Recover(logger),
		tracingMw,
		metricsMw,
		mw.Logging(logger),
	}, eng.mws...)

	cancelRetry := backoff.NewExponential(25*time.Millisecond, 400*time.Millisecond)
	executor := worker.NewExecutor(eng.store, eng.queue, eng.connector, eng.extensions, logger,
		worker.WithMiddleware(allMws...),
		worker.WithMaxResultRows(cfg.MaxResultRows),
		worker.WithCancelWait(cancelRetry, cfg.CancelRetries),
	)

	runnerOpts := []worker.RunnerOption{
		worker.WithPollInterval(cfg.PollInterval),
		worker.WithHeartbeatInterval(cfg.HeartbeatInterval),
		worker.WithLimits(queue.NewLimits(eng.hostLimits...)),
		worker.WithLogger(logger),
	}
	if len(cfg.Hosts) > 0 {
		runnerOpts = append(runnerOpts, worker.WithHosts(cfg.Hosts...))
	}
	eng.runner = worker.NewRunner(eng.store, eng.queue, eng.store, executor, runnerOpts...)

	eng.reaper = worker.NewReaper(eng.store, eng.extensions, logger,
		worker.WithReapSchedule(cfg.ReapSchedule),
		worker.WithStaleThreshold(cfg.StaleJobThreshold),
	)

	eng.canceller = canceller.New(eng.jobs, eng.admin,
		canceller.WithLogger(logger),
		canceller.WithExtensions(eng.extensions),
		canceller.WithRetry(cancelRetry, cfg.CancelRetries),
	)

	eng.copier = streamcopy.New(eng.copyConnector,
		streamcopy.WithLogger(logger),
		streamcopy.WithDrainTimeout(cfg.CopyDrainTimeout),
	)

	return eng, nil
}

// Submit validates spec, stores the job as pending and only then appends
// it to its host's queue. If the enqueue fails the stored record is
// cancelled, so no pending job is left that no worker can reach.
func (eng *Engine) Submit(ctx context.Context, spec job.Spec) (*job.Job, error) {
	j, err := eng.jobs.Create(ctx, spec)
	if err != nil {
		return nil, err
	}
	if err := eng.queue.Enqueue(ctx, j); err != nil {
		eng.abandon(ctx, j, err)
		return nil, err
	}
	eng.extensions.EmitJobSubmitted(ctx, j)
	eng.logger.Info("job submitted",
		slog.String("job_id", j.ID.String()),
		slog.String("host", j.Host),
		slog.Int("queries", len(j.Queries)),
	)
	return j, nil
}

// abandon retires a job whose enqueue failed. It runs on a detached
// context: the caller's context may be the reason the enqueue failed.
func (eng *Engine) abandon(ctx context.Context, j *job.Job, cause error) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abandonTimeout)
	defer cancel()

	next := j.Clone()
	next.Status = job.StatusCancelled
	next.FailedReason = "enqueue failed: " + cause.Error()
	if _, err := eng.jobs.Update(actx, next); err != nil {
		eng.logger.Error("failed to retire unqueued job",
			slog.String("job_id", j.ID.String()),
			slog.String("host", j.Host),
			slog.String("error", err.Error()),
		)
		return
	}
	eng.logger.Warn("job not queued, cancelled",
		slog.String("job_id", j.ID.String()),
		slog.String("host", j.Host),
		slog.String("error", cause.Error()),
	)
}

// Get returns the current record of a job.
func (eng *Engine) Get(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return eng.jobs.Get(ctx, jobID)
}

// Cancel cancels a job whatever its status and returns the record as it
// stands afterwards.
func (eng *Engine) Cancel(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return eng.canceller.Cancel(ctx, jobID)
}

// Copy runs a COPY bridge against the database described by params.
func (eng *Engine) Copy(ctx context.Context, params job.DBParams, b streamcopy.Bridge) (streamcopy.Result, error) {
	return eng.copier.Copy(ctx, params, b)
}

// Ping checks the shared store.
func (eng *Engine) Ping(ctx context.Context) error { return eng.store.Ping(ctx) }

// Start starts the reaper and the worker runner.
func (eng *Engine) Start(ctx context.Context) error {
	if err := eng.reaper.Start(ctx); err != nil {
		return fmt.Errorf("start reaper: %w", err)
	}
	if err := eng.runner.Start(ctx); err != nil {
		_ = eng.reaper.Stop(ctx)
		return fmt.Errorf("start runner: %w", err)
	}
	return nil
}

// Stop drains in-flight jobs back to their queues, stops the reaper and
// notifies extensions.
func (eng *Engine) Stop(ctx context.Context) error {
	var errs []error
	if err := eng.runner.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := eng.reaper.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	eng.extensions.EmitShutdown(ctx)
	if eng.ownsPools {
		eng.pools.Close()
	}
	return errors.Join(errs...)
}

// Config returns the configuration the engine was built with.
func (eng *Engine) Config() sqlbatch.Config { return eng.cfg }

// Jobs returns the job backend.
func (eng *Engine) Jobs() *job.Service { return eng.jobs }

// Queue returns the per-host job queue.
func (eng *Engine) Queue() *queue.Queue { return eng.queue }

// Runner returns the worker runner.
func (eng *Engine) Runner() *worker.Runner { return eng.runner }

// Reaper returns the stale job reaper.
func (eng *Engine) Reaper() *worker.Reaper { return eng.reaper }

// Extensions returns the extension registry.
func (eng *Engine) Extensions() *ext.Registry { return eng.extensions }
