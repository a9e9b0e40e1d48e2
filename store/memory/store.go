// Package memory provides a fully in-memory backend. It implements the
// queue, failed-list, usage counter, durable usage and job log
// capabilities with the same atomicity the Redis backend gets from Lua
// scripts, by doing every operation under one mutex. Safe for concurrent
// access. Intended for unit testing and development.
package memory

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/asqrzk/conveyor"
	"github.com/asqrzk/conveyor/joblog"
	"github.com/asqrzk/conveyor/queue"
	"github.com/asqrzk/conveyor/store"
	"github.com/asqrzk/conveyor/usage"
)

// Compile-time interface checks.
var (
	_ store.Store   = (*Store)(nil)
	_ store.Durable = (*Store)(nil)
)

type lock struct {
	owner   string
	expires time.Time
}

type delayed struct {
	member []byte
	score  float64
}

type lists struct {
	// main and processing hold index 0 as the left end.
	main       [][]byte
	processing [][]byte
	failed     [][]byte
	delayed    map[string]delayed
}

// Store is an in-memory backend.
type Store struct {
	mu sync.Mutex

	queues   map[string]*lists
	locks    map[string]lock
	counters map[string]usage.Counter
	records  map[string]usage.Record
	events   []*joblog.Event

	// notify is closed and replaced on every push to wake blocked claims.
	notify chan struct{}

	now       func() time.Time
	maxEvents int
	closed    bool
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the time source used for lock expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithMaxEvents caps the number of job log events kept.
func WithMaxEvents(n int) Option {
	return func(s *Store) { s.maxEvents = n }
}

// New returns a new empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		queues:    make(map[string]*lists),
		locks:     make(map[string]lock),
		counters:  make(map[string]usage.Counter),
		records:   make(map[string]usage.Record),
		notify:    make(chan struct{}),
		now:       func() time.Time { return time.Now().UTC() },
		maxEvents: 1000,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Ping always succeeds for an open memory store.
func (s *Store) Ping(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return conveyor.ErrStoreClosed
	}
	return nil
}

// Migrate is a no-op; the memory store has no schema.
func (s *Store) Migrate(_ context.Context) error { return nil }

// Close marks the store closed and wakes blocked claims.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.notify)
	}
	return nil
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

func (s *Store) queue(name string) *lists {
	q, ok := s.queues[name]
	if !ok {
		q = &lists{delayed: make(map[string]delayed)}
		s.queues[name] = q
	}
	return q
}

func (s *Store) wake() {
	if s.closed {
		return
	}
	close(s.notify)
	s.notify = make(chan struct{})
}

func clone(b []byte) []byte { return append([]byte(nil), b...) }

// lrem removes the first occurrence of member from the left of list.
func lrem(list [][]byte, member []byte) ([][]byte, bool) {
	for i, m := range list {
		if bytes.Equal(m, member) {
			return append(list[:i], list[i+1:]...), true
		}
	}
	return list, false
}

func lpush(list [][]byte, member []byte) [][]byte {
	return append([][]byte{clone(member)}, list...)
}

func score(t time.Time) float64 { return float64(t.UnixNano()) / 1e9 }

func (s *Store) lockHeld(key string) bool {
	l, ok := s.locks[key]
	if !ok {
		return false
	}
	if !s.now().Before(l.expires) {
		delete(s.locks, key)
		return false
	}
	return true
}

// ──────────────────────────────────────────────────
// Queue Store
// ──────────────────────────────────────────────────

// Push adds member to the left of the main list.
func (s *Store) Push(_ context.Context, name string, member []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return conveyor.ErrStoreClosed
	}
	q := s.queue(name)
	q.main = lpush(q.main, member)
	s.wake()
	return nil
}

// Claim moves the rightmost main member to the left of processing,
// waiting up to timeout. A non-positive timeout does not wait.
func (s *Store) Claim(ctx context.Context, name string, timeout time.Duration) ([]byte, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}

	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, conveyor.ErrStoreClosed
		}
		q := s.queue(name)
		if n := len(q.main); n > 0 {
			member := q.main[n-1]
			q.main = q.main[:n-1]
			q.processing = lpush(q.processing, member)
			s.mu.Unlock()
			return clone(member), nil
		}
		wait := s.notify
		s.mu.Unlock()

		if deadline == nil {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, nil
		case <-wait:
		}
	}
}

// Lock takes the lock of id for owner while member is in processing.
func (s *Store) Lock(_ context.Context, name string, member []byte, id, owner string, ttl time.Duration) (queue.LockResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queue(name)
	found := false
	for _, m := range q.processing {
		if bytes.Equal(m, member) {
			found = true
			break
		}
	}
	if !found {
		return queue.LockGone, nil
	}

	key := queue.LockKey(name, id)
	if s.lockHeld(key) {
		return queue.LockHeld, nil
	}
	s.locks[key] = lock{owner: owner, expires: s.now().Add(ttl)}
	return queue.LockAcquired, nil
}

// Unlock deletes the lock of id if owner still holds it.
func (s *Store) Unlock(_ context.Context, name, id, owner string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := queue.LockKey(name, id)
	if !s.lockHeld(key) || s.locks[key].owner != owner {
		return false, nil
	}
	delete(s.locks, key)
	return true, nil
}

// Resolve removes member from processing and applies route.
func (s *Store) Resolve(_ context.Context, name string, member []byte, route queue.Route) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolve(name, member, route), nil
}

// Reclaim is Resolve guarded by the absence of the lock of id.
func (s *Store) Reclaim(_ context.Context, name string, member []byte, id string, route queue.Route) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id != "" && s.lockHeld(queue.LockKey(name, id)) {
		return false, nil
	}
	return s.resolve(name, member, route), nil
}

func (s *Store) resolve(name string, member []byte, route queue.Route) bool {
	q := s.queue(name)
	var ok bool
	q.processing, ok = lrem(q.processing, member)
	if !ok {
		return false
	}
	switch route.Target {
	case queue.TargetMain:
		q.main = lpush(q.main, route.Member)
		s.wake()
	case queue.TargetDelayed:
		q.delayed[string(route.Member)] = delayed{member: clone(route.Member), score: score(route.ReadyAt)}
	case queue.TargetFailed:
		q.failed = lpush(q.failed, route.Member)
	}
	return true
}

// PumpReady moves up to limit due delayed members onto main, lowest
// score first, and returns them.
func (s *Store) PumpReady(_ context.Context, name string, now time.Time, limit int) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queue(name)
	cutoff := score(now)
	due := make([]delayed, 0)
	for _, d := range q.delayed {
		if d.score <= cutoff {
			due = append(due, d)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].score != due[j].score {
			return due[i].score < due[j].score
		}
		return bytes.Compare(due[i].member, due[j].member) < 0
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	moved := make([][]byte, 0, len(due))
	for _, d := range due {
		delete(q.delayed, string(d.member))
		q.main = lpush(q.main, d.member)
		moved = append(moved, clone(d.member))
	}
	if len(moved) > 0 {
		s.wake()
	}
	return moved, nil
}

// ProcessingMembers returns up to limit processing members, oldest
// claims first.
func (s *Store) ProcessingMembers(_ context.Context, name string, limit int) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queue(name)
	n := len(q.processing)
	if limit > 0 && n > limit {
		n = limit
	}
	// Claims are pushed on the left, so the oldest sit at the right end.
	out := make([][]byte, 0, n)
	for i := len(q.processing) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, clone(q.processing[i]))
	}
	return out, nil
}

// Peek returns up to n main members, next to be claimed first.
func (s *Store) Peek(_ context.Context, name string, n int) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queue(name)
	out := make([][]byte, 0, n)
	for i := len(q.main) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, clone(q.main[i]))
	}
	return out, nil
}

// Stats returns the depth of each list of the queue.
func (s *Store) Stats(_ context.Context, name string) (queue.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queue(name)
	return queue.Stats{
		Queue:      name,
		Main:       int64(len(q.main)),
		Processing: int64(len(q.processing)),
		Delayed:    int64(len(q.delayed)),
		Failed:     int64(len(q.failed)),
	}, nil
}

// DelayedScore returns the ready-at score of a delayed member. It exists
// for tests.
func (s *Store) DelayedScore(name string, member []byte) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.queue(name).delayed[string(member)]
	if !ok {
		return time.Time{}, false
	}
	sec := int64(d.score)
	return time.Unix(sec, int64((d.score-float64(sec))*1e9)).UTC(), true
}

// DelayedMembers returns every delayed member of the queue.
func (s *Store) DelayedMembers(name string) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queue(name)
	out := make([][]byte, 0, len(q.delayed))
	for _, d := range q.delayed {
		out = append(out, clone(d.member))
	}
	return out
}

// ──────────────────────────────────────────────────
// Failed list
// ──────────────────────────────────────────────────

// FailedMembers returns failed members, newest first.
func (s *Store) FailedMembers(_ context.Context, name string, offset, limit int) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	failed := s.queue(name).failed
	if offset >= len(failed) {
		return [][]byte{}, nil
	}
	failed = failed[offset:]
	if limit > 0 && len(failed) > limit {
		failed = failed[:limit]
	}
	out := make([][]byte, 0, len(failed))
	for _, m := range failed {
		out = append(out, clone(m))
	}
	return out, nil
}

// CountFailed returns the length of the failed list.
func (s *Store) CountFailed(_ context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.queue(name).failed)), nil
}

// ReplayFailed removes member from failed and pushes replacement onto
// main if it was present.
func (s *Store) ReplayFailed(_ context.Context, name string, member, replacement []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queue(name)
	var ok bool
	q.failed, ok = lrem(q.failed, member)
	if !ok {
		return false, nil
	}
	q.main = lpush(q.main, replacement)
	s.wake()
	return true, nil
}
