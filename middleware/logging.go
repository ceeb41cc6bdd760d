package middleware

import (
	"context"
	"log/slog"
	"time"
)

// Logging returns middleware that logs statement start and completion.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, c *Call, next Handler) error {
		logger.Debug("query started",
			slog.String("job_id", c.Job.ID.String()),
			slog.String("host", c.Job.Host),
			slog.Int("query_index", c.Index),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		switch outcome(err) {
		case "ok":
			logger.Info("query completed",
				slog.String("job_id", c.Job.ID.String()),
				slog.Int("query_index", c.Index),
				slog.Duration("elapsed", elapsed),
			)
		case "cancelled":
			logger.Info("query cancelled",
				slog.String("job_id", c.Job.ID.String()),
				slog.Int("query_index", c.Index),
				slog.Duration("elapsed", elapsed),
			)
		default:
			logger.Warn("query failed",
				slog.String("job_id", c.Job.ID.String()),
				slog.Int("query_index", c.Index),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		}

		return err
	}
}
