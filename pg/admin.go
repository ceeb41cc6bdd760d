package pg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/sqlbatch"
	"github.com/xraph/sqlbatch/job"
)

// Admin performs out-of-band operations on a tenant database over fresh
// connections.
type Admin struct {
	settings settings
}

// NewAdmin creates an Admin.
func NewAdmin(opts ...Option) *Admin {
	return &Admin{settings: newSettings(opts)}
}

// CancelBackend asks the server to cancel the statement running on the
// backend with the given pid. It returns an error wrapping
// sqlbatch.ErrConnectionFailure when no connection could be opened and
// sqlbatch.ErrCancelDeliveryFailure when the server did not signal pid
// (the backend is gone or is not ours to cancel).
func (a *Admin) CancelBackend(ctx context.Context, params job.DBParams, pid uint32) error {
	conn, err := a.connect(ctx, params)
	if err != nil {
		return err
	}
	defer conn.Close(context.WithoutCancel(ctx))

	var delivered bool
	if err := conn.QueryRow(ctx, "SELECT pg_cancel_backend($1)", int32(pid)).Scan(&delivered); err != nil {
		if IsConnectionLost(err) {
			return fmt.Errorf("sqlbatch/pg: cancel backend %d: %w: %w", pid, sqlbatch.ErrConnectionFailure, err)
		}
		return fmt.Errorf("sqlbatch/pg: cancel backend %d: %w: %w", pid, sqlbatch.ErrCancelDeliveryFailure, err)
	}
	if !delivered {
		return fmt.Errorf("sqlbatch/pg: backend %d not signalled: %w", pid, sqlbatch.ErrCancelDeliveryFailure)
	}
	a.settings.logger.Debug("cancel delivered",
		slog.String("host", params.Host),
		slog.Uint64("backend_pid", uint64(pid)),
	)
	return nil
}

// FindBackendPID returns the pid of the active backend whose current
// statement starts with tag. It returns sqlbatch.ErrCancelDeliveryFailure
// when no such backend exists.
func (a *Admin) FindBackendPID(ctx context.Context, params job.DBParams, tag string) (uint32, error) {
	conn, err := a.connect(ctx, params)
	if err != nil {
		return 0, err
	}
	defer conn.Close(context.WithoutCancel(ctx))

	var pid int32
	err = conn.QueryRow(ctx, `
		SELECT pid FROM pg_stat_activity
		WHERE left(query, length($1)) = $1
		  AND pid <> pg_backend_pid()
		  AND state <> 'idle'
		ORDER BY query_start DESC
		LIMIT 1`, tag).Scan(&pid)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("sqlbatch/pg: no backend running %q: %w", tag, sqlbatch.ErrCancelDeliveryFailure)
	}
	if err != nil {
		return 0, fmt.Errorf("sqlbatch/pg: find backend: %w: %w", sqlbatch.ErrConnectionFailure, err)
	}
	return uint32(pid), nil
}

func (a *Admin) connect(ctx context.Context, params job.DBParams) (*pgx.Conn, error) {
	cfg, err := pgx.ParseConfig(ConnString(params, a.settings.params))
	if err != nil {
		return nil, fmt.Errorf("sqlbatch/pg: parse config: %w", err)
	}
	cfg.ConnectTimeout = a.settings.connectTimeout
	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("sqlbatch/pg: connect %s: %w: %w", params.Host, sqlbatch.ErrConnectionFailure, err)
	}
	return conn, nil
}
