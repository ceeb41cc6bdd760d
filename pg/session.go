package pg

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xraph/sqlbatch/job"
)

// Session is a connection checked out of a tenant pool.
type Session struct {
	conn   *pgxpool.Conn
	logger *slog.Logger

	once sync.Once
}

func newSession(conn *pgxpool.Conn, logger *slog.Logger) *Session {
	return &Session{conn: conn, logger: logger}
}

// PgConn exposes the low-level connection.
func (s *Session) PgConn() *pgconn.PgConn { return s.conn.Conn().PgConn() }

// PID returns the backend process ID serving this session. It is what a
// canceller in another process targets with pg_cancel_backend.
func (s *Session) PID() uint32 { return s.PgConn().PID() }

// Closed reports whether the underlying connection is gone.
func (s *Session) Closed() bool { return s.PgConn().IsClosed() }

// Exec runs sql and captures at most maxRows rows of its result as JSON
// arrays. The simple protocol is used so any statement text the user
// submitted is sent as-is. A negative maxRows keeps every row.
func (s *Session) Exec(ctx context.Context, sql string, maxRows int) (*job.Result, error) {
	rows, err := s.conn.Query(ctx, sql, pgx.QueryExecModeSimpleProtocol)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	res := &job.Result{}
	for _, fd := range rows.FieldDescriptions() {
		res.Fields = append(res.Fields, fd.Name)
	}

	var seen int64
	for rows.Next() {
		seen++
		if maxRows >= 0 && len(res.Rows) >= maxRows {
			res.Truncated = true
			continue
		}
		values, vErr := rows.Values()
		if vErr != nil {
			return nil, vErr
		}
		raw, mErr := json.Marshal(values)
		if mErr != nil {
			return nil, fmt.Errorf("sqlbatch/pg: encode row: %w", mErr)
		}
		res.Rows = append(res.Rows, raw)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	res.RowCount = rows.CommandTag().RowsAffected()
	if res.RowCount == 0 {
		res.RowCount = seen
	}
	return res, nil
}

// CopyTo runs a COPY ... TO STDOUT statement and writes its output to w.
func (s *Session) CopyTo(ctx context.Context, w io.Writer, sql string) (pgconn.CommandTag, error) {
	return s.PgConn().CopyTo(ctx, w, sql)
}

// CopyFrom runs a COPY ... FROM STDIN statement fed from r. If r returns
// an error other than io.EOF the copy is aborted with CopyFail on this
// same connection.
func (s *Session) CopyFrom(ctx context.Context, r io.Reader, sql string) (pgconn.CommandTag, error) {
	return s.PgConn().CopyFrom(ctx, r, sql)
}

// CancelRequest asks the server to cancel whatever this session is
// running. The request travels on a new side connection carrying the
// session's secret key, so it works while this connection is blocked.
func (s *Session) CancelRequest(ctx context.Context) error {
	return s.PgConn().CancelRequest(ctx)
}

// Release returns the connection to its pool. A non-nil reason records
// why the session ended abnormally; if the connection is still busy with
// a statement or copy it is closed instead of being reused.
func (s *Session) Release(reason error) {
	s.once.Do(func() {
		if reason == nil {
			s.conn.Release()
			return
		}

		pid := s.PID()
		if !s.PgConn().IsBusy() && !s.PgConn().IsClosed() {
			s.logger.Debug("session released after interruption",
				slog.Uint64("backend_pid", uint64(pid)),
				slog.String("reason", reason.Error()),
			)
			s.conn.Release()
			return
		}

		s.logger.Warn("discarding busy session",
			slog.Uint64("backend_pid", uint64(pid)),
			slog.String("reason", reason.Error()),
		)
		pgc := s.conn.Hijack()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pgc.Close(ctx)
	})
}
