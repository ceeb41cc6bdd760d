// Package queue implements the per-host FIFO of pending job IDs.
//
// Each target host has its own list in the shared store, so a slow host
// cannot starve jobs destined for another. [Queue.Enqueue] appends to the
// host's tail only after the job is durably pending and then publishes a
// wake-up; [Queue.Dequeue] pops the head without blocking.
//
// # Discard on dequeue
//
// A popped ID whose record is missing or no longer pending (cancelled while
// queued, expired) is dropped and the next ID is popped. This is a loop
// invariant of [Queue.Next], not an error path: the queue may transiently
// hold IDs that are no longer runnable, and consumers never see them.
//
// # Limits
//
// [Limits] gates how fast and how many jobs per host a worker starts, using
// a token bucket (golang.org/x/time/rate) and an active-count cap:
//
//	limits := queue.NewLimits(queue.HostLimit{Host: "db-1", MaxConcurrency: 2, RateLimit: 5})
//	if limits.Acquire("db-1") {
//	    defer limits.Release("db-1")
//	    // run the job
//	}
package queue
