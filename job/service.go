package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/xraph/sqlbatch"
	"github.com/xraph/sqlbatch/backoff"
	"github.com/xraph/sqlbatch/id"
)

// Service is the job backend used by producers, workers and the canceller.
// It validates input and retries idempotent reads; the store does the rest.
type Service struct {
	store        Store
	logger       *slog.Logger
	readBackoff  backoff.Strategy
	readAttempts int
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithServiceLogger sets the logger.
func WithServiceLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// WithReadRetry sets how lookups are retried on connection failures.
// attempts <= 1 disables retries.
func WithReadRetry(strategy backoff.Strategy, attempts int) ServiceOption {
	return func(s *Service) {
		s.readBackoff = strategy
		s.readAttempts = attempts
	}
}

// NewService creates a Service over the given store.
func NewService(store Store, opts ...ServiceOption) *Service {
	s := &Service{
		store:        store,
		logger:       slog.Default(),
		readBackoff:  backoff.NewExponential(50*time.Millisecond, time.Second),
		readAttempts: 3,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Store returns the underlying store.
func (s *Service) Store() Store { return s.store }

// Validate checks a submission before anything is written.
func Validate(spec Spec) error {
	if strings.TrimSpace(spec.Host) == "" {
		return sqlbatch.ErrNoHost
	}
	if len(spec.Queries) == 0 {
		return sqlbatch.ErrNoQueries
	}
	for i, q := range spec.Queries {
		if strings.TrimSpace(q) == "" {
			return fmt.Errorf("%w: query %d is empty", sqlbatch.ErrInvalidQuery, i)
		}
		if strings.ContainsRune(q, 0) {
			return fmt.Errorf("%w: query %d contains a NUL byte", sqlbatch.ErrInvalidQuery, i)
		}
	}
	return nil
}

// New builds a pending job from a validated spec without persisting it.
func New(spec Spec) *Job {
	j := &Job{
		Entity:          sqlbatch.NewEntity(),
		ID:              id.NewJobID(),
		User:            spec.User,
		Status:          StatusPending,
		Host:            spec.Host,
		DB:              spec.DB,
		ContinueOnError: spec.ContinueOnError,
		CurrentQuery:    NoQuery,
	}
	if j.DB.Host == "" {
		j.DB.Host = spec.Host
	}
	j.Queries = make([]*Query, len(spec.Queries))
	for i, q := range spec.Queries {
		j.Queries[i] = &Query{SQL: q, Status: StatusPending}
	}
	return j
}

// Create validates spec, assigns an ID and writes the job as pending.
func (s *Service) Create(ctx context.Context, spec Spec) (*Job, error) {
	if err := Validate(spec); err != nil {
		return nil, err
	}
	j := New(spec)
	if err := s.store.CreateJob(ctx, j); err != nil {
		return nil, err
	}
	s.logger.Debug("job created",
		slog.String("job_id", j.ID.String()),
		slog.String("host", j.Host),
		slog.Int("queries", len(j.Queries)),
	)
	return j, nil
}

// Get returns the stored job. Connection failures are retried with backoff
// because the read is idempotent.
func (s *Service) Get(ctx context.Context, jobID id.JobID) (*Job, error) {
	var j *Job
	err := backoff.Retry(ctx, s.readBackoff, s.readAttempts, func() error {
		var getErr error
		j, getErr = s.store.GetJob(ctx, jobID)
		if getErr != nil && !errors.Is(getErr, sqlbatch.ErrConnectionFailure) {
			return backoff.Permanent(getErr)
		}
		return getErr
	})
	if err != nil {
		return nil, err
	}
	return j, nil
}

// Update writes j through the transition-checked store path. It is never
// retried here: on ErrStaleState the caller re-reads and decides.
func (s *Service) Update(ctx context.Context, j *Job) (*Job, error) {
	return s.store.UpdateJob(ctx, j)
}

// ListPending returns pending job IDs for host, oldest first.
func (s *Service) ListPending(ctx context.Context, host string) ([]id.JobID, error) {
	return s.store.ListPending(ctx, host)
}
