// Package store defines the aggregate interface of the shared store. Each
// subsystem (job, queue, pubsub) defines its own contract; the composite
// Store composes them. Backends: Redis and Memory.
package store

import (
	"context"

	"github.com/xraph/sqlbatch/job"
	"github.com/xraph/sqlbatch/pubsub"
	"github.com/xraph/sqlbatch/queue"
)

// Store is the aggregate shared-store interface. A single backend serves
// job records, the per-host queues and the wake-up channels.
type Store interface {
	job.Store
	queue.ListStore
	pubsub.Publisher
	pubsub.Subscriber

	// Ping checks store connectivity.
	Ping(ctx context.Context) error

	// Close releases resources the store owns.
	Close() error
}
