// Package middleware provides composable middleware for query execution.
// Middleware wraps each statement a worker runs for a job and can observe
// or modify execution (recover from panics, log, add tracing, etc.).
package middleware

import (
	"context"

	"github.com/xraph/sqlbatch/job"
	"github.com/xraph/sqlbatch/pg"
)

// Call describes the statement being executed.
type Call struct {
	// Job is the job the statement belongs to.
	Job *job.Job
	// Index is the position of the statement in Job.Queries.
	Index int
	// SQL is the statement text as sent, including the job tag.
	SQL string
}

// Handler is the terminal function that executes the statement.
type Handler func(ctx context.Context) error

// Middleware wraps a Handler with cross-cutting logic.
// It receives the current context, the call being executed, and the
// next handler to call. Middleware MUST call next to continue the chain
// (unless short-circuiting on error).
type Middleware func(ctx context.Context, c *Call, next Handler) error

// Chain composes multiple middleware into a single Middleware.
// Middleware are applied right-to-left: the first middleware in the
// list is the outermost wrapper.
//
// Example: Chain(logging, recover, tracing) executes as:
//
//	logging → recover → tracing → handler
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, c *Call, next Handler) error {
		// Build the chain from the end backwards.
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			prev := h
			h = func(ctx context.Context) error {
				return mw(ctx, c, prev)
			}
		}
		return h(ctx)
	}
}

// outcome classifies a statement result for logs and metrics.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case pg.IsQueryCanceled(err):
		return "cancelled"
	default:
		return "error"
	}
}
