package streamcopy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/sync/errgroup"

	"github.com/xraph/sqlbatch"
	"github.com/xraph/sqlbatch/job"
	"github.com/xraph/sqlbatch/pg"
)

// Direction is the way data flows through a bridge.
type Direction int

const (
	// Export streams COPY ... TO STDOUT output to the client.
	Export Direction = iota
	// Import streams the client body into COPY ... FROM STDIN.
	Import
)

func (d Direction) String() string {
	switch d {
	case Export:
		return "copyto"
	case Import:
		return "copyfrom"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// Session is the part of a database connection a copy needs.
type Session interface {
	PID() uint32
	CopyTo(ctx context.Context, w io.Writer, sql string) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, r io.Reader, sql string) (pgconn.CommandTag, error)
	CancelRequest(ctx context.Context) error
	Release(reason error)
}

// Connector hands out sessions for a database.
type Connector interface {
	Acquire(ctx context.Context, params job.DBParams) (Session, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context, params job.DBParams) (Session, error)

// Acquire calls f.
func (f ConnectorFunc) Acquire(ctx context.Context, params job.DBParams) (Session, error) {
	return f(ctx, params)
}

// PoolConnector serves sessions from per-database pgx pools.
func PoolConnector(pools *pg.Pools) Connector {
	return ConnectorFunc(func(ctx context.Context, params job.DBParams) (Session, error) {
		s, err := pools.Acquire(ctx, params)
		if err != nil {
			return nil, err
		}
		return s, nil
	})
}

// Bridge is one direction of a copy. Build one with To or From.
type Bridge interface {
	Direction() Direction
	SQL() string
	run(ctx context.Context, s Session, intr *interrupter) (rows int64, err error)
	bytes() int64
}

// Result describes a finished or interrupted copy.
type Result struct {
	Direction Direction
	// Rows is how many rows crossed the bridge. For an export it counts
	// the rows the client accepted, so an interrupted export reports what
	// was delivered. For an import it is the server's count, zero when the
	// copy was aborted.
	Rows int64
	// Bytes is how much data crossed the bridge.
	Bytes      int64
	BackendPID uint32
	Elapsed    time.Duration
}

// Copier runs bridges against tenant databases.
type Copier struct {
	connector    Connector
	logger       *slog.Logger
	drainTimeout time.Duration
}

// Option configures a Copier.
type Option func(*Copier)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Copier) { c.logger = l }
}

// WithDrainTimeout bounds how long an interrupted copy may take to
// unwind before its connection is closed.
func WithDrainTimeout(d time.Duration) Option {
	return func(c *Copier) { c.drainTimeout = d }
}

// New creates a Copier.
func New(connector Connector, opts ...Option) *Copier {
	c := &Copier{
		connector:    connector,
		logger:       slog.Default(),
		drainTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Copy acquires a session for params and runs b on it. The session is
// always released before Copy returns.
func (c *Copier) Copy(ctx context.Context, params job.DBParams, b Bridge) (Result, error) {
	res := Result{Direction: b.Direction()}
	start := time.Now()

	sess, err := c.connector.Acquire(ctx, params)
	if err != nil {
		return res, fmt.Errorf("sqlbatch/streamcopy: %s: %w", b.Direction(), err)
	}
	res.BackendPID = sess.PID()

	intr := newInterrupter(sess, c.drainTimeout, c.logger)
	rows, err := b.run(ctx, sess, intr)
	intr.finish()

	res.Rows = rows
	res.Bytes = b.bytes()
	res.Elapsed = time.Since(start)

	// A cause recorded by the bridge takes precedence over what the driver
	// reported, which is usually the server's reaction to it.
	if cause := intr.cause(); cause != nil {
		err = cause
	}
	sess.Release(err)

	attrs := []any{
		slog.String("direction", b.Direction().String()),
		slog.String("host", params.Host),
		slog.Uint64("backend_pid", uint64(res.BackendPID)),
		slog.Int64("rows", res.Rows),
		slog.Int64("bytes", res.Bytes),
		slog.Duration("elapsed", res.Elapsed),
	}
	if err != nil {
		c.logger.Warn("copy interrupted", append(attrs, slog.String("error", err.Error()))...)
		return res, fmt.Errorf("sqlbatch/streamcopy: %s: %w", b.Direction(), err)
	}
	c.logger.Debug("copy finished", attrs...)
	return res, nil
}

// To builds an export bridge writing the output of sql to w.
func To(sql string, w io.Writer) Bridge {
	return &exportBridge{sql: sql, w: w}
}

// From builds an import bridge feeding r into sql.
func From(sql string, r io.Reader) Bridge {
	return &importBridge{sql: sql, r: r}
}

type exportBridge struct {
	sql  string
	w    io.Writer
	n    atomic.Int64
	rows atomic.Int64
}

func (b *exportBridge) Direction() Direction { return Export }
func (b *exportBridge) SQL() string          { return b.sql }
func (b *exportBridge) bytes() int64         { return b.n.Load() }

func (b *exportBridge) run(ctx context.Context, s Session, intr *interrupter) (int64, error) {
	// The copy runs on a context of its own: cancelling the caller's
	// context must interrupt the statement, not tear down the connection.
	copyCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	defer stop()
	intr.stop = stop
	intr.cancelOnTrigger = true

	w := &guardedWriter{w: b.w, n: &b.n, rows: &b.rows, intr: intr}
	done := make(chan struct{})

	var (
		g   errgroup.Group
		err error
	)
	g.Go(func() error {
		defer close(done)
		// The server's command tag is not used: it may count rows the
		// client never received.
		_, err = s.CopyTo(copyCtx, w, b.sql)
		return nil
	})
	g.Go(func() error {
		select {
		case <-ctx.Done():
			intr.trigger(context.Cause(ctx))
		case <-done:
		}
		return nil
	})
	_ = g.Wait()

	return b.rows.Load(), err
}

type importBridge struct {
	sql string
	r   io.Reader
	n   atomic.Int64
}

func (b *importBridge) Direction() Direction { return Import }
func (b *importBridge) SQL() string          { return b.sql }
func (b *importBridge) bytes() int64         { return b.n.Load() }

func (b *importBridge) run(ctx context.Context, s Session, intr *interrupter) (int64, error) {
	copyCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	defer stop()
	intr.stop = stop

	r := &guardedReader{r: b.r, n: &b.n, intr: intr}
	done := make(chan struct{})

	var (
		g   errgroup.Group
		tag pgconn.CommandTag
		err error
	)
	g.Go(func() error {
		defer close(done)
		tag, err = s.CopyFrom(copyCtx, r, b.sql)
		return nil
	})
	g.Go(func() error {
		select {
		case <-ctx.Done():
			// The next Read fails, which makes the driver send CopyFail.
			intr.trigger(context.Cause(ctx))
		case <-done:
		}
		return nil
	})
	_ = g.Wait()

	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// guardedWriter passes data to the client until the first failure, then
// swallows the rest so the driver keeps reading until the server aborts.
// The driver hands over one CopyData message per Write, which the server
// sends per row, so every complete write counts one row.
type guardedWriter struct {
	w    io.Writer
	n    *atomic.Int64
	rows *atomic.Int64
	intr *interrupter
}

func (g *guardedWriter) Write(p []byte) (int, error) {
	if g.intr.triggered() {
		return len(p), nil
	}
	n, err := g.w.Write(p)
	g.n.Add(int64(n))
	if err == nil && n < len(p) {
		err = io.ErrShortWrite
	}
	if err != nil {
		g.intr.trigger(err)
		return len(p), nil
	}
	g.rows.Add(1)
	return len(p), nil
}

// guardedReader turns any failure of the client body into
// ErrClientDisconnected.
type guardedReader struct {
	r    io.Reader
	n    *atomic.Int64
	intr *interrupter
}

func (g *guardedReader) Read(p []byte) (int, error) {
	if cause := g.intr.cause(); cause != nil {
		return 0, cause
	}
	n, err := g.r.Read(p)
	g.n.Add(int64(n))
	if err != nil && !errors.Is(err, io.EOF) {
		g.intr.trigger(err)
		return n, g.intr.cause()
	}
	return n, err
}

// interrupter records the first reason a copy must stop and unwinds it.
type interrupter struct {
	sess    Session
	timeout time.Duration
	logger  *slog.Logger

	// stop aborts the copy at the driver level, closing the connection.
	stop context.CancelFunc
	// cancelOnTrigger sends a protocol cancel request on the first trigger.
	cancelOnTrigger bool

	once   sync.Once
	fired  atomic.Bool
	mu     sync.Mutex
	reason error
	timer  *time.Timer
	wg     sync.WaitGroup
}

func newInterrupter(sess Session, timeout time.Duration, logger *slog.Logger) *interrupter {
	return &interrupter{sess: sess, timeout: timeout, logger: logger}
}

func (i *interrupter) trigger(err error) {
	i.once.Do(func() {
		if err == nil {
			err = context.Canceled
		}
		i.mu.Lock()
		i.reason = fmt.Errorf("%w: %w", sqlbatch.ErrClientDisconnected, err)
		if i.stop != nil {
			i.timer = time.AfterFunc(i.timeout, i.stop)
		}
		i.mu.Unlock()
		i.fired.Store(true)

		if !i.cancelOnTrigger {
			return
		}
		i.wg.Add(1)
		go func() {
			defer i.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), i.timeout)
			defer cancel()
			if cErr := i.sess.CancelRequest(ctx); cErr != nil {
				i.logger.Warn("copy cancel request failed",
					slog.Uint64("backend_pid", uint64(i.sess.PID())),
					slog.String("error", cErr.Error()),
				)
				if i.stop != nil {
					i.stop()
				}
			}
		}()
	})
}

func (i *interrupter) triggered() bool { return i.fired.Load() }

func (i *interrupter) cause() error {
	if !i.fired.Load() {
		return nil
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.reason
}

// finish waits for an in-flight cancel request so it cannot reach the
// connection after it has been handed to someone else.
func (i *interrupter) finish() {
	i.wg.Wait()
	i.mu.Lock()
	if i.timer != nil {
		i.timer.Stop()
	}
	i.mu.Unlock()
}
