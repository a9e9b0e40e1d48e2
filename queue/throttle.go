package queue

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limit defines claim-side rate limiting and concurrency for one queue.
type Limit struct {
	// Name is the queue name.
	Name string

	// MaxConcurrency limits how many envelopes of this queue may be in
	// flight in the local worker pool. Zero means no limit.
	MaxConcurrency int

	// RateLimit is the maximum sustained claims per second. Zero
	// disables rate limiting.
	RateLimit float64

	// RateBurst is the burst size for the token-bucket rate limiter.
	// Defaults to 1 if RateLimit is set but RateBurst is zero.
	RateBurst int
}

type limitState struct {
	limit   Limit
	limiter *rate.Limiter
	active  int
}

// Throttle gates claims per queue. A claim loop calls Acquire before
// claiming and Release once the envelope is resolved. It is safe for
// concurrent use.
type Throttle struct {
	mu     sync.Mutex
	queues map[string]*limitState
}

// NewThrottle creates a Throttle. Queues not listed are never throttled.
func NewThrottle(limits ...Limit) *Throttle {
	t := &Throttle{queues: make(map[string]*limitState, len(limits))}
	for _, l := range limits {
		t.queues[l.Name] = newLimitState(l)
	}
	return t
}

func newLimitState(l Limit) *limitState {
	s := &limitState{limit: l}
	if l.RateLimit > 0 {
		burst := l.RateBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(l.RateLimit), burst)
	}
	return s
}

// Acquire reports whether a claim from queue may proceed now, and if so
// counts it as active. The caller must call Release afterwards.
func (t *Throttle) Acquire(queue string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.queues[queue]
	if s == nil {
		return true
	}
	if s.limit.MaxConcurrency > 0 && s.active >= s.limit.MaxConcurrency {
		return false
	}
	if s.limiter != nil && !s.limiter.Allow() {
		return false
	}
	s.active++
	return true
}

// Release returns an active slot of queue.
func (t *Throttle) Release(queue string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s := t.queues[queue]; s != nil && s.active > 0 {
		s.active--
	}
}

// SetLimit updates (or creates) the limit of one queue, keeping its
// current active count.
func (t *Throttle) SetLimit(l Limit) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := newLimitState(l)
	if existing := t.queues[l.Name]; existing != nil {
		s.active = existing.active
	}
	t.queues[l.Name] = s
}

// ActiveCount returns the number of active claims of queue.
func (t *Throttle) ActiveCount(queue string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s := t.queues[queue]; s != nil {
		return s.active
	}
	return 0
}
