package client

import (
	"log/slog"
	"time"

	"github.com/xraph/sqlbatch/job"
)

// Option configures a Client.
type Option func(*Client)

// WithDB sets the tenant database sent with every request.
func WithDB(params job.DBParams) Option {
	return func(c *Client) { c.db = params }
}

// WithTimeout sets the request timeout used when the context carries no
// deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}
