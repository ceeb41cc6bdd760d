package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/xraph/sqlbatch"
	"github.com/xraph/sqlbatch/id"
	"github.com/xraph/sqlbatch/job"
	"github.com/xraph/sqlbatch/pubsub"
)

// ListStore is the shared list primitive the queue is built on. Each host
// has an independent FIFO.
type ListStore interface {
	// Push appends jobID to the tail of host's list.
	Push(ctx context.Context, host string, jobID id.JobID) error

	// PushFront puts jobID back at the head of host's list.
	PushFront(ctx context.Context, host string, jobID id.JobID) error

	// Pop removes and returns the head of host's list. It returns
	// sqlbatch.ErrQueueEmpty when the list is empty and never blocks.
	Pop(ctx context.Context, host string) (id.JobID, error)

	// Len returns the number of IDs currently queued for host.
	Len(ctx context.Context, host string) (int64, error)

	// Hosts returns every host that currently has a non-empty list.
	Hosts(ctx context.Context) ([]string, error)
}

// Queue is the per-host job queue.
type Queue struct {
	lists     ListStore
	jobs      job.Store
	publisher pubsub.Publisher
	logger    *slog.Logger
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithPublisher sets the wake-up publisher. Without one, workers only find
// new jobs on their fallback poll.
func WithPublisher(p pubsub.Publisher) Option {
	return func(q *Queue) { q.publisher = p }
}

// New creates a Queue over lists, reading job records from jobs.
func New(lists ListStore, jobs job.Store, opts ...Option) *Queue {
	q := &Queue{
		lists:  lists,
		jobs:   jobs,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Enqueue appends a pending job to its host's queue and wakes the host's
// workers. The job record must already be stored; a job in any other
// status is rejected so a queued ID always referred to a pending record at
// the time it was pushed.
func (q *Queue) Enqueue(ctx context.Context, j *job.Job) error {
	if j.Status != job.StatusPending {
		return &job.TransitionError{From: j.Status, To: job.StatusPending}
	}
	if j.Host == "" {
		return sqlbatch.ErrNoHost
	}
	if err := q.lists.Push(ctx, j.Host, j.ID); err != nil {
		return fmt.Errorf("sqlbatch/queue: enqueue %s: %w", j.ID, err)
	}
	q.notify(ctx, j.Host)
	return nil
}

// Requeue puts a job handed back by a draining worker at the tail of its
// host's queue.
func (q *Queue) Requeue(ctx context.Context, j *job.Job) error {
	return q.Enqueue(ctx, j)
}

// Dequeue pops the head of host's queue without blocking. It returns
// sqlbatch.ErrQueueEmpty when nothing is queued. The ID is returned as-is;
// use Next to skip entries that are no longer runnable.
func (q *Queue) Dequeue(ctx context.Context, host string) (id.JobID, error) {
	jobID, err := q.lists.Pop(ctx, host)
	if err != nil {
		return id.Nil, err
	}
	return jobID, nil
}

// Next pops IDs from host's queue until it finds one whose record exists
// and is pending, and returns that record. Missing or non-pending entries
// are discarded. It returns sqlbatch.ErrQueueEmpty once the queue runs out.
func (q *Queue) Next(ctx context.Context, host string) (*job.Job, error) {
	for {
		jobID, err := q.lists.Pop(ctx, host)
		if err != nil {
			return nil, err
		}

		j, err := q.jobs.GetJob(ctx, jobID)
		if errors.Is(err, sqlbatch.ErrJobNotFound) {
			q.logger.Debug("discarding queued job without record",
				slog.String("job_id", jobID.String()),
				slog.String("host", host),
			)
			continue
		}
		if err != nil {
			// The ID is already popped; put it back at the head so a store
			// hiccup neither loses the job nor moves it behind later ones.
			if pushErr := q.lists.PushFront(ctx, host, jobID); pushErr != nil {
				q.logger.Error("failed to restore popped job",
					slog.String("job_id", jobID.String()),
					slog.String("error", pushErr.Error()),
				)
			}
			return nil, err
		}
		if j.Status != job.StatusPending {
			q.logger.Debug("discarding queued job that is not pending",
				slog.String("job_id", jobID.String()),
				slog.String("status", string(j.Status)),
			)
			continue
		}
		return j, nil
	}
}

// Len returns the number of IDs queued for host, including any that Next
// would discard.
func (q *Queue) Len(ctx context.Context, host string) (int64, error) {
	return q.lists.Len(ctx, host)
}

// Hosts returns the hosts that currently have queued jobs.
func (q *Queue) Hosts(ctx context.Context) ([]string, error) {
	return q.lists.Hosts(ctx)
}

func (q *Queue) notify(ctx context.Context, host string) {
	if q.publisher == nil {
		return
	}
	if err := q.publisher.Publish(ctx, host); err != nil {
		q.logger.Warn("wake-up publish failed",
			slog.String("host", host),
			slog.String("error", err.Error()),
		)
	}
}
