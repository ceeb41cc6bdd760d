package sqlbatch

import "errors"

var (
	// State errors.
	ErrInvalidTransition = errors.New("sqlbatch: invalid state transition")
	ErrStaleState        = errors.New("sqlbatch: stale job state")

	// Not found errors.
	ErrJobNotFound      = errors.New("sqlbatch: job not found")
	ErrJobAlreadyExists = errors.New("sqlbatch: job already exists")
	ErrQueueEmpty       = errors.New("sqlbatch: queue empty")

	// Validation errors.
	ErrNoQueries    = errors.New("sqlbatch: job has no queries")
	ErrInvalidQuery = errors.New("sqlbatch: invalid query")
	ErrNoHost       = errors.New("sqlbatch: job has no target host")

	// Connectivity errors.
	ErrConnectionFailure     = errors.New("sqlbatch: connection failure")
	ErrCancelDeliveryFailure = errors.New("sqlbatch: cancel request not delivered")

	// Stream errors.
	ErrClientDisconnected = errors.New("sqlbatch: connection closed by client")

	// Lifecycle errors.
	ErrNoStore = errors.New("sqlbatch: no store configured")
)
