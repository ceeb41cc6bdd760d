package pg

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xraph/sqlbatch"
	"github.com/xraph/sqlbatch/job"
)

// Pools keeps one connection pool per tenant database.
// It is safe for concurrent use.
type Pools struct {
	settings settings

	mu     sync.Mutex
	pools  map[string]*pgxpool.Pool
	closed bool
}

// NewPools creates an empty pool set. Pools are opened lazily on first
// Acquire for a given set of connection parameters.
func NewPools(opts ...Option) *Pools {
	return &Pools{
		settings: newSettings(opts),
		pools:    make(map[string]*pgxpool.Pool),
	}
}

// Acquire checks out a connection to the database described by params.
// The caller must Release the session.
func (p *Pools) Acquire(ctx context.Context, params job.DBParams) (*Session, error) {
	pool, err := p.pool(ctx, params)
	if err != nil {
		return nil, err
	}
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlbatch/pg: acquire %s: %w: %w", params.Host, sqlbatch.ErrConnectionFailure, err)
	}
	return newSession(conn, p.settings.logger), nil
}

// Close closes every pool. Sessions still checked out are closed when
// released.
func (p *Pools) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for key, pool := range p.pools {
		pool.Close()
		delete(p.pools, key)
	}
	p.closed = true
}

func (p *Pools) pool(ctx context.Context, params job.DBParams) (*pgxpool.Pool, error) {
	key := poolKey(params)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, fmt.Errorf("sqlbatch/pg: pools closed: %w", sqlbatch.ErrConnectionFailure)
	}
	if pool, ok := p.pools[key]; ok {
		return pool, nil
	}

	cfg, err := pgxpool.ParseConfig(ConnString(params, p.settings.params))
	if err != nil {
		return nil, fmt.Errorf("sqlbatch/pg: parse config: %w", err)
	}
	if p.settings.maxConns > 0 {
		cfg.MaxConns = p.settings.maxConns
	}
	cfg.ConnConfig.ConnectTimeout = p.settings.connectTimeout

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("sqlbatch/pg: connect %s: %w: %w", params.Host, sqlbatch.ErrConnectionFailure, err)
	}
	p.pools[key] = pool
	p.settings.logger.Debug("tenant pool opened",
		slog.String("host", params.Host),
		slog.String("dbname", params.Name),
	)
	return pool, nil
}
