package worker

import (
	"context"

	"github.com/xraph/sqlbatch/job"
	"github.com/xraph/sqlbatch/pg"
)

// Session is one database connection held for the duration of a job.
type Session interface {
	// PID is the backend process ID used to target cancel requests.
	PID() uint32
	// Exec runs sql and returns at most maxRows rows.
	Exec(ctx context.Context, sql string, maxRows int) (*job.Result, error)
	// CancelRequest asks the server to cancel whatever the session is running.
	CancelRequest(ctx context.Context) error
	// Closed reports whether the underlying connection is gone.
	Closed() bool
	// Release returns the session to its pool. A non-nil reason means the
	// connection may be mid-protocol and must not be reused.
	Release(reason error)
}

// Connector hands out sessions for a job's database.
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
