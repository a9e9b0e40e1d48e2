package memory

import (
	"context"
	"time"

	"github.com/asqrzk/conveyor"
	"github.com/asqrzk/conveyor/joblog"
	"github.com/asqrzk/conveyor/usage"
)

// ──────────────────────────────────────────────────
// Usage counters
// ──────────────────────────────────────────────────

// Admit performs the usage check-and-increment atomically.
func (s *Store) Admit(_ context.Context, req usage.Request) (usage.Admission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := usage.Key(req.UserID, req.Feature)
	c, ok := s.counters[key]
	if !ok || c.Expired(req.Now) {
		c = usage.Counter{UserID: req.UserID, Feature: req.Feature, ResetAt: req.ResetAt}
	}
	if req.Delta > req.Limit-c.Count {
		return usage.Admission{Allowed: false, Count: c.Count, ResetAt: c.ResetAt, Generation: c.Generation}, nil
	}
	c.Count += req.Delta
	s.counters[key] = c
	return usage.Admission{Allowed: true, Count: c.Count, ResetAt: c.ResetAt, Generation: c.Generation}, nil
}

// Counter returns the stored counter.
func (s *Store) Counter(_ context.Context, userID int64, feature string) (usage.Counter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[usage.Key(userID, feature)]
	if !ok {
		return usage.Counter{}, conveyor.ErrCounterNotFound
	}
	return c, nil
}

// ResetCounter sets the counter to zero with the given period end and
// bumps its generation.
func (s *Store) ResetCounter(_ context.Context, userID int64, feature string, resetAt time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := usage.Key(userID, feature)
	gen := s.counters[key].Generation + 1
	s.counters[key] = usage.Counter{UserID: userID, Feature: feature, ResetAt: resetAt, Generation: gen}
	return gen, nil
}

// ──────────────────────────────────────────────────
// Durable usage records
// ──────────────────────────────────────────────────

// Upsert merges rec into the stored record.
func (s *Store) Upsert(_ context.Context, rec usage.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := usage.Key(rec.UserID, rec.Feature)
	var existing *usage.Record
	if r, ok := s.records[key]; ok {
		existing = &r
	}
	s.records[key] = usage.Merge(existing, rec)
	return nil
}

// UsageRecord returns the stored record.
func (s *Store) UsageRecord(_ context.Context, userID int64, feature string) (*usage.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[usage.Key(userID, feature)]
	if !ok {
		return nil, conveyor.ErrCounterNotFound
	}
	return &r, nil
}

// ResetExpired zeroes records whose period ended at or before now.
func (s *Store) ResetExpired(_ context.Context, now, next time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for key, r := range s.records {
		if r.ResetAt.After(now) {
			continue
		}
		r.Count = 0
		r.Generation = 0
		r.ResetAt = next
		r.UpdatedAt = now
		s.records[key] = r
		n++
	}
	return n, nil
}

// ──────────────────────────────────────────────────
// Job log
// ──────────────────────────────────────────────────

// Append records a job log event, dropping the oldest beyond the cap.
func (s *Store) Append(_ context.Context, e *joblog.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *e
	s.events = append(s.events, &cp)
	if s.maxEvents > 0 && len(s.events) > s.maxEvents {
		s.events = s.events[len(s.events)-s.maxEvents:]
	}
	return nil
}

// RecentEvents returns up to limit events, newest first.
func (s *Store) RecentEvents(_ context.Context, limit int) ([]*joblog.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*joblog.Event, 0, len(s.events))
	for i := len(s.events) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		cp := *s.events[i]
		out = append(out, &cp)
	}
	return out, nil
}
