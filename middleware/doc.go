// Package middleware provides composable middleware for query execution.
//
// A [Middleware] wraps the execution of one statement of a job. Middleware
// are composed into a chain using [Chain] and applied by the worker around
// every query it runs. They are applied right-to-left: the first middleware
// in the slice is the outermost wrapper.
//
//	// logging → recover → handler
//	chain := middleware.Chain(middleware.Logging(logger), middleware.Recover(logger))
//
// # Built-in Middleware
//
//   - [Logging]: logs job, query index, duration and outcome
//   - [Recover]: catches panics and converts them to errors
//   - [Tracing]: wraps execution in an OpenTelemetry span
//   - [Metrics]: records per-query duration and outcome counters
//
// # Writing Custom Middleware
//
//	func MyMiddleware() middleware.Middleware {
//	    return func(ctx context.Context, c *middleware.Call, next middleware.Handler) error {
//	        // pre-processing
//	        err := next(ctx)
//	        // post-processing
//	        return err
//	    }
//	}
//
// Middleware MUST call next to continue the chain unless intentionally
// short-circuiting.
package middleware
