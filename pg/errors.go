package pg

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// SQLSTATE codes the scheduler branches on.
const (
	codeQueryCanceled = "57014"
	codeAdminShutdown = "57P01"
)

// IsQueryCanceled reports whether err is the server's response to a cancel
// request (SQLSTATE 57014).
func IsQueryCanceled(err error) bool {
	return hasCode(err, codeQueryCanceled)
}

// IsServerError reports whether err came from the server as an error
// response, as opposed to a network or client-side failure.
func IsServerError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code != codeAdminShutdown
}

// IsConnectionLost reports whether err means the connection to the server
// is gone and the statement outcome is unknown.
func IsConnectionLost(err error) bool {
	if err == nil || IsServerError(err) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// ErrorMessage renders err the way it is stored as a failed reason.
func ErrorMessage(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Message
	}
	return err.Error()
}

func hasCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}
