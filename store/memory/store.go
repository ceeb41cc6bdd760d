package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xraph/sqlbatch"
	"github.com/xraph/sqlbatch/id"
	"github.com/xraph/sqlbatch/job"
	"github.com/xraph/sqlbatch/pubsub"
	"github.com/xraph/sqlbatch/store"
)

// Ensure Store implements store.Store at compile time.
var _ store.Store = (*Store)(nil)

// Option configures the Store.
type Option func(*Store)

// WithJobTTL expires job records ttl after they reach a terminal status.
func WithJobTTL(ttl time.Duration) Option {
	return func(m *Store) { m.ttl = ttl }
}

// WithClock replaces time.Now. Tests use it to drive expiry.
func WithClock(now func() time.Time) Option {
	return func(m *Store) { m.now = now }
}

type entry struct {
	job       *job.Job
	expiresAt time.Time
}

// Store is a fully in-memory implementation of store.Store.
// Safe for concurrent access. Intended for unit testing and development.
type Store struct {
	mu sync.RWMutex

	jobs   map[string]*entry
	queues map[string][]id.JobID

	subMu  sync.RWMutex
	subs   map[*subscription]struct{}
	closed bool

	ttl time.Duration
	now func() time.Time
}

// New returns a new empty Store.
func New(opts ...Option) *Store {
	m := &Store{
		jobs:   make(map[string]*entry),
		queues: make(map[string][]id.JobID),
		subs:   make(map[*subscription]struct{}),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close drops every subscription.
func (m *Store) Close() error {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.closed = true
	m.subs = make(map[*subscription]struct{})
	return nil
}

// ──────────────────────────────────────────────────
// Job Store
// ──────────────────────────────────────────────────

// CreateJob persists a new job in pending state.
func (m *Store) CreateJob(_ context.Context, j *job.Job) error {
	if j.Status != job.StatusPending {
		return &job.TransitionError{From: job.StatusPending, To: j.Status}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	if _, exists := m.lookup(key); exists {
		return sqlbatch.ErrJobAlreadyExists
	}
	cp := j.Clone()
	now := m.now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	m.jobs[key] = &entry{job: cp}
	return nil
}

// GetJob retrieves a job by ID.
func (m *Store) GetJob(_ context.Context, jobID id.JobID) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.lookup(jobID.String())
	if !ok {
		return nil, sqlbatch.ErrJobNotFound
	}
	return e.job.Clone(), nil
}

// UpdateJob applies j on top of the stored record under the store lock.
func (m *Store) UpdateJob(_ context.Context, j *job.Job) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	e, ok := m.lookup(key)
	if !ok {
		return nil, sqlbatch.ErrJobNotFound
	}
	now := m.now()
	out, err := job.Apply(e.job, j, now)
	if err != nil {
		return nil, err
	}
	next := &entry{job: out}
	if out.IsTerminal() && m.ttl > 0 {
		next.expiresAt = now.Add(m.ttl)
	}
	m.jobs[key] = next
	return out.Clone(), nil
}

// ListPending returns pending job IDs for host, oldest first.
func (m *Store) ListPending(_ context.Context, host string) ([]id.JobID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pending := make([]*job.Job, 0)
	for key := range m.jobs {
		e, ok := m.lookup(key)
		if !ok || e.job.Host != host || e.job.Status != job.StatusPending {
			continue
		}
		pending = append(pending, e.job)
	}
	sort.Slice(pending, func(i, k int) bool {
		return pending[i].CreatedAt.Before(pending[k].CreatedAt)
	})

	ids := make([]id.JobID, len(pending))
	for i, j := range pending {
		ids[i] = j.ID
	}
	return ids, nil
}

// ListRunning returns jobs in the running or draining status.
func (m *Store) ListRunning(_ context.Context) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*job.Job, 0)
	for _, e := range m.jobs {
		if e.job.Status == job.StatusRunning || e.job.Status == job.StatusDraining {
			result = append(result, e.job.Clone())
		}
	}
	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.Before(result[k].CreatedAt)
	})
	return result, nil
}

// HeartbeatJob stamps heartbeat_at on a job the worker still owns.
func (m *Store) HeartbeatJob(_ context.Context, jobID id.JobID, workerID id.WorkerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lookup(jobID.String())
	if !ok {
		return sqlbatch.ErrJobNotFound
	}
	if e.job.Status != job.StatusRunning && e.job.Status != job.StatusDraining {
		return sqlbatch.ErrStaleState
	}
	if e.job.WorkerID.String() != workerID.String() {
		return sqlbatch.ErrStaleState
	}
	now := m.now()
	e.job.HeartbeatAt = &now
	return nil
}

// lookup returns the live entry for key. Callers hold m.mu.
func (m *Store) lookup(key string) (*entry, bool) {
	e, ok := m.jobs[key]
	if !ok {
		return nil, false
	}
	if !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt) {
		return nil, false
	}
	return e, true
}

// ──────────────────────────────────────────────────
// Queue lists
// ──────────────────────────────────────────────────

// Push appends jobID to host's list.
func (m *Store) Push(_ context.Context, host string, jobID id.JobID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues[host] = append(m.queues[host], jobID)
	return nil
}

// PushFront puts jobID at the head of host's list.
func (m *Store) PushFront(_ context.Context, host string, jobID id.JobID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues[host] = append([]id.JobID{jobID}, m.queues[host]...)
	return nil
}

// Pop removes the head of host's list.
func (m *Store) Pop(_ context.Context, host string) (id.JobID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queues[host]
	if len(q) == 0 {
		return id.Nil, sqlbatch.ErrQueueEmpty
	}
	head := q[0]
	if len(q) == 1 {
		delete(m.queues, host)
	} else {
		m.queues[host] = q[1:]
	}
	return head, nil
}

// Len returns the length of host's list.
func (m *Store) Len(_ context.Context, host string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.queues[host])), nil
}

// Hosts returns every host with a non-empty list, sorted.
func (m *Store) Hosts(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	hosts := make([]string, 0, len(m.queues))
	for h, q := range m.queues {
		if len(q) > 0 {
			hosts = append(hosts, h)
		}
	}
	sort.Strings(hosts)
	return hosts, nil
}

// ──────────────────────────────────────────────────
// Wake-up channels
// ──────────────────────────────────────────────────

type subscription struct {
	store  *Store
	host   string
	onWake pubsub.WakeFunc
	once   sync.Once
	done   chan struct{}
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.store.subMu.Lock()
		delete(s.store.subs, s)
		s.store.subMu.Unlock()
		close(s.done)
	})
	return nil
}

// Publish delivers a wake-up for host to every matching subscription.
func (m *Store) Publish(_ context.Context, host string) error {
	m.subMu.RLock()
	targets := make([]*subscription, 0, len(m.subs))
	for s := range m.subs {
		if s.host == host || s.host == pubsub.AllHosts {
			targets = append(targets, s)
		}
	}
	m.subMu.RUnlock()

	for _, s := range targets {
		s.onWake(host)
	}
	return nil
}

// Subscribe registers onWake for host. The subscription ends when ctx is
// done or Close is called.
func (m *Store) Subscribe(ctx context.Context, host string, onWake pubsub.WakeFunc) (pubsub.Subscription, error) {
	s := &subscription{store: m, host: host, onWake: onWake, done: make(chan struct{})}

	m.subMu.Lock()
	if m.closed {
		m.subMu.Unlock()
		return nil, sqlbatch.ErrConnectionFailure
	}
	m.subs[s] = struct{}{}
	m.subMu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.done:
		}
	}()
	return s, nil
}
