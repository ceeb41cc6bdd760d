package queue

import (
	"sync"

	"golang.org/x/time/rate"
)

// HostLimit defines how fast and how many jobs for one host a worker may
// start.
type HostLimit struct {
	// Host is the target host the limit applies to.
	Host string

	// MaxConcurrency limits how many jobs for this host may run at once on
	// the local worker. Zero means one, since a host loop runs jobs
	// sequentially unless told otherwise.
	MaxConcurrency int

	// RateLimit is the maximum sustained jobs per second started for this
	// host. Zero disables rate limiting.
	RateLimit float64

	// RateBurst is the burst size for the token-bucket rate limiter.
	// Defaults to 1 if RateLimit is set but RateBurst is zero.
	RateBurst int
}

type hostState struct {
	limit   HostLimit
	limiter *rate.Limiter
	active  int
}

// Limits controls per-host rate limiting and concurrency.
// It is safe for concurrent use.
type Limits struct {
	mu    sync.Mutex
	hosts map[string]*hostState
}

// NewLimits creates Limits with the given host configurations. Hosts not
// listed here run one job at a time without rate limiting.
func NewLimits(limits ...HostLimit) *Limits {
	l := &Limits{hosts: make(map[string]*hostState, len(limits))}
	for _, hl := range limits {
		l.hosts[hl.Host] = newHostState(hl)
	}
	return l
}

func newHostState(hl HostLimit) *hostState {
	if hl.MaxConcurrency <= 0 {
		hl.MaxConcurrency = 1
	}
	hs := &hostState{limit: hl}
	if hl.RateLimit > 0 {
		burst := hl.RateBurst
		if burst <= 0 {
			burst = 1
		}
		hs.limiter = rate.NewLimiter(rate.Limit(hl.RateLimit), burst)
	}
	return hs
}

// Acquire checks the rate limit and concurrency for host. If a job may
// start it increments the active counter and returns true. The caller MUST
// call Release when the job completes.
func (l *Limits) Acquire(host string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	hs := l.state(host)
	if hs.active >= hs.limit.MaxConcurrency {
		return false
	}
	if hs.limiter != nil && !hs.limiter.Allow() {
		return false
	}
	hs.active++
	return true
}

// Release decrements the active job count for host.
func (l *Limits) Release(host string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if hs := l.hosts[host]; hs != nil && hs.active > 0 {
		hs.active--
	}
}

// Set dynamically updates (or creates) a host limit.
func (l *Limits) Set(hl HostLimit) {
	l.mu.Lock()
	defer l.mu.Unlock()

	hs := newHostState(hl)
	// Preserve current active count if reconfiguring.
	if existing := l.hosts[hl.Host]; existing != nil {
		hs.active = existing.active
	}
	l.hosts[hl.Host] = hs
}

// MaxConcurrency returns the concurrency cap for host.
func (l *Limits) MaxConcurrency(host string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state(host).limit.MaxConcurrency
}

// ActiveCount returns the current number of active jobs for host.
func (l *Limits) ActiveCount(host string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if hs := l.hosts[host]; hs != nil {
		return hs.active
	}
	return 0
}

// state returns host's state, creating the default one on first use.
// Callers hold l.mu.
func (l *Limits) state(host string) *hostState {
	hs := l.hosts[host]
	if hs == nil {
		hs = newHostState(HostLimit{Host: host})
		l.hosts[host] = hs
	}
	return hs
}
