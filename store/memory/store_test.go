package memory

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/asqrzk/conveyor"
	"github.com/asqrzk/conveyor/joblog"
	"github.com/asqrzk/conveyor/queue"
	"github.com/asqrzk/conveyor/usage"
)

const q = "q:sub:plan_change"

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// ──────────────────────────────────────────────────
// Lifecycle tests
// ──────────────────────────────────────────────────

func TestLifecycle(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Ping(ctx); !errors.Is(err, conveyor.ErrStoreClosed) {
		t.Fatalf("Ping after close = %v, want ErrStoreClosed", err)
	}
	if err := s.Push(ctx, q, []byte("a")); !errors.Is(err, conveyor.ErrStoreClosed) {
		t.Fatalf("Push after close = %v, want ErrStoreClosed", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

// ──────────────────────────────────────────────────
// Queue tests
// ──────────────────────────────────────────────────

func TestClaim_FIFO(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	for _, m := range []string{"a", "b", "c"} {
		if err := s.Push(ctx, q, []byte(m)); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}

	for _, want := range []string{"a", "b", "c"} {
		got, err := s.Claim(ctx, q, 0)
		if err != nil {
			t.Fatalf("Claim: %v", err)
		}
		if string(got) != want {
			t.Errorf("Claim = %q, want %q", got, want)
		}
	}

	got, err := s.Claim(ctx, q, 0)
	if err != nil || got != nil {
		t.Fatalf("Claim on empty = %q, %v; want nil, nil", got, err)
	}

	st, _ := s.Stats(ctx, q)
	if st.Main != 0 || st.Processing != 3 {
		t.Errorf("Stats = %+v, want main 0 processing 3", st)
	}
}

func TestClaim_BlocksUntilPush(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	done := make(chan []byte, 1)
	go func() {
		m, _ := s.Claim(ctx, q, 2*time.Second)
		done <- m
	}()

	time.Sleep(20 * time.Millisecond)
	_ = s.Push(ctx, q, []byte("late"))

	select {
	case m := <-done:
		if string(m) != "late" {
			t.Errorf("Claim = %q, want late", m)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked Claim did not wake on Push")
	}
}

func TestClaim_TimesOut(t *testing.T) {
	t.Parallel()
	s := New()

	start := time.Now()
	m, err := s.Claim(context.Background(), q, 30*time.Millisecond)
	if err != nil || m != nil {
		t.Fatalf("Claim = %q, %v; want nil, nil", m, err)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Error("Claim returned before timeout")
	}
}

func TestClaim_ContextCancel(t *testing.T) {
	t.Parallel()
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.Claim(ctx, q, time.Second); !errors.Is(err, context.Canceled) {
		t.Fatalf("Claim = %v, want context.Canceled", err)
	}
}

func TestLock(t *testing.T) {
	t.Parallel()
	c := newClock()
	s := New(WithClock(c.Now))
	ctx := context.Background()

	_ = s.Push(ctx, q, []byte("m"))
	m, _ := s.Claim(ctx, q, 0)

	res, _ := s.Lock(ctx, q, m, "id1", "w1", time.Minute)
	if res != queue.LockAcquired {
		t.Fatalf("Lock = %v, want acquired", res)
	}
	res, _ = s.Lock(ctx, q, m, "id1", "w2", time.Minute)
	if res != queue.LockHeld {
		t.Fatalf("second Lock = %v, want held", res)
	}
	res, _ = s.Lock(ctx, q, []byte("other"), "id2", "w1", time.Minute)
	if res != queue.LockGone {
		t.Fatalf("Lock of absent member = %v, want gone", res)
	}

	if ok, _ := s.Unlock(ctx, q, "id1", "w2"); ok {
		t.Error("Unlock by non-owner must not release")
	}
	if ok, _ := s.Unlock(ctx, q, "id1", "w1"); !ok {
		t.Error("Unlock by owner should release")
	}

	res, _ = s.Lock(ctx, q, m, "id1", "w2", time.Minute)
	if res != queue.LockAcquired {
		t.Fatalf("Lock after release = %v, want acquired", res)
	}
	c.Advance(time.Minute)
	if ok, _ := s.Unlock(ctx, q, "id1", "w2"); ok {
		t.Error("expired lock must not be released")
	}
	res, _ = s.Lock(ctx, q, m, "id1", "w3", time.Minute)
	if res != queue.LockAcquired {
		t.Fatalf("Lock after expiry = %v, want acquired", res)
	}
}

func TestResolve_Routes(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	for _, m := range []string{"ack", "main", "delay", "fail"} {
		_ = s.Push(ctx, q, []byte(m))
		_, _ = s.Claim(ctx, q, 0)
	}

	routes := map[string]queue.Route{
		"ack":   queue.Drop(),
		"main":  queue.ToMain([]byte("main")),
		"delay": queue.ToDelayed([]byte("delay2"), now.Add(time.Minute)),
		"fail":  queue.ToFailed([]byte("fail2")),
	}
	for m, r := range routes {
		ok, err := s.Resolve(ctx, q, []byte(m), r)
		if err != nil || !ok {
			t.Fatalf("Resolve(%s) = %v, %v", m, ok, err)
		}
	}

	st, _ := s.Stats(ctx, q)
	want := queue.Stats{Queue: q, Main: 1, Processing: 0, Delayed: 1, Failed: 1}
	if st != want {
		t.Errorf("Stats = %+v, want %+v", st, want)
	}

	ok, _ := s.Resolve(ctx, q, []byte("ack"), queue.ToFailed([]byte("x")))
	if ok {
		t.Error("second Resolve of the same member must be a no-op")
	}
	if n, _ := s.CountFailed(ctx, q); n != 1 {
		t.Errorf("failed = %d, want 1", n)
	}
}

func TestReclaim_RespectsLock(t *testing.T) {
	t.Parallel()
	c := newClock()
	s := New(WithClock(c.Now))
	ctx := context.Background()

	_ = s.Push(ctx, q, []byte("m"))
	m, _ := s.Claim(ctx, q, 0)
	_, _ = s.Lock(ctx, q, m, "id", "w", time.Minute)

	ok, _ := s.Reclaim(ctx, q, m, "id", queue.ToMain(m))
	if ok {
		t.Fatal("Reclaim must not move a locked member")
	}

	c.Advance(2 * time.Minute)
	ok, _ = s.Reclaim(ctx, q, m, "id", queue.ToMain(m))
	if !ok {
		t.Fatal("Reclaim should move an unlocked member")
	}
	st, _ := s.Stats(ctx, q)
	if st.Main != 1 || st.Processing != 0 {
		t.Errorf("Stats = %+v", st)
	}
}

func TestPumpReady(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	for i, m := range []string{"soon", "later", "past"} {
		_ = s.Push(ctx, q, []byte(m))
		claimed, _ := s.Claim(ctx, q, 0)
		readyAt := []time.Time{now.Add(time.Second), now.Add(time.Hour), now.Add(-time.Second)}[i]
		_, _ = s.Resolve(ctx, q, claimed, queue.ToDelayed(claimed, readyAt))
	}

	moved, _ := s.PumpReady(ctx, q, now, 10)
	if len(moved) != 1 || string(moved[0]) != "past" {
		t.Fatalf("PumpReady(now) = %q, want [past]", moved)
	}
	moved, _ = s.PumpReady(ctx, q, now, 10)
	if len(moved) != 0 {
		t.Fatalf("repeated PumpReady = %q, want none", moved)
	}
	moved, _ = s.PumpReady(ctx, q, now.Add(2*time.Second), 10)
	if len(moved) != 1 || string(moved[0]) != "soon" {
		t.Fatalf("PumpReady(+2s) = %q, want [soon]", moved)
	}

	peek, _ := s.Peek(ctx, q, 10)
	if len(peek) != 2 || string(peek[0]) != "past" || string(peek[1]) != "soon" {
		t.Errorf("Peek = %q, want [past soon]", peek)
	}
}

func TestPumpReady_Limit(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	past := time.Now().Add(-time.Minute)

	for _, m := range []string{"a", "b", "c"} {
		_ = s.Push(ctx, q, []byte(m))
		claimed, _ := s.Claim(ctx, q, 0)
		_, _ = s.Resolve(ctx, q, claimed, queue.ToDelayed(claimed, past))
	}
	if moved, _ := s.PumpReady(ctx, q, time.Now(), 2); len(moved) != 2 {
		t.Fatalf("PumpReady moved %d, want 2", len(moved))
	}
	if st, _ := s.Stats(ctx, q); st.Delayed != 1 || st.Main != 2 {
		t.Errorf("Stats = %+v", st)
	}
}

// ──────────────────────────────────────────────────
// Failed list tests
// ──────────────────────────────────────────────────

func TestFailedList(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	for _, m := range []string{"f1", "f2", "f3"} {
		_ = s.Push(ctx, q, []byte(m))
		claimed, _ := s.Claim(ctx, q, 0)
		_, _ = s.Resolve(ctx, q, claimed, queue.ToFailed(claimed))
	}

	all, _ := s.FailedMembers(ctx, q, 0, 0)
	if len(all) != 3 || string(all[0]) != "f3" {
		t.Fatalf("FailedMembers = %q, want newest first", all)
	}
	page, _ := s.FailedMembers(ctx, q, 1, 1)
	if len(page) != 1 || string(page[0]) != "f2" {
		t.Errorf("page = %q, want [f2]", page)
	}
	if empty, _ := s.FailedMembers(ctx, q, 5, 1); len(empty) != 0 {
		t.Errorf("offset past end = %q", empty)
	}

	ok, _ := s.ReplayFailed(ctx, q, []byte("f1"), []byte("f1-replayed"))
	if !ok {
		t.Fatal("ReplayFailed should find f1")
	}
	ok, _ = s.ReplayFailed(ctx, q, []byte("f1"), []byte("f1-replayed"))
	if ok {
		t.Fatal("second ReplayFailed must be a no-op")
	}
	st, _ := s.Stats(ctx, q)
	if st.Failed != 2 || st.Main != 1 {
		t.Errorf("Stats = %+v", st)
	}
}

// ──────────────────────────────────────────────────
// Usage tests
// ──────────────────────────────────────────────────

func TestAdmit(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	now := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	reset := usage.NextReset(now)

	req := usage.Request{UserID: 1, Feature: "api_calls", Delta: 3, Limit: 5, Now: now, ResetAt: reset}
	adm, _ := s.Admit(ctx, req)
	if !adm.Allowed || adm.Count != 3 || !adm.ResetAt.Equal(reset) {
		t.Fatalf("first Admit = %+v", adm)
	}

	adm, _ = s.Admit(ctx, req)
	if adm.Allowed || adm.Count != 3 {
		t.Fatalf("over-limit Admit = %+v, want rejected at 3", adm)
	}

	req.Delta = 2
	adm, _ = s.Admit(ctx, req)
	if !adm.Allowed || adm.Count != 5 {
		t.Fatalf("Admit to limit = %+v", adm)
	}

	// Next period starts over.
	req.Now = reset
	req.ResetAt = usage.NextReset(reset)
	adm, _ = s.Admit(ctx, req)
	if !adm.Allowed || adm.Count != 2 || !adm.ResetAt.Equal(req.ResetAt) {
		t.Fatalf("Admit after period end = %+v", adm)
	}
}

func TestAdmit_LargeDeltaDoesNotWrap(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	now := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	req := usage.Request{UserID: 1, Feature: "tokens", Delta: 10, Limit: math.MaxInt64, Now: now, ResetAt: usage.NextReset(now)}

	if adm, _ := s.Admit(ctx, req); !adm.Allowed || adm.Count != 10 {
		t.Fatalf("first Admit = %+v", adm)
	}

	// count+delta would wrap to a negative number and pass a naive check.
	req.Delta = math.MaxInt64 - 5
	adm, _ := s.Admit(ctx, req)
	if adm.Allowed || adm.Count != 10 {
		t.Fatalf("wrapping Admit = %+v, want rejected at 10", adm)
	}

	req.Delta = math.MaxInt64 - 10
	adm, _ = s.Admit(ctx, req)
	if !adm.Allowed || adm.Count != math.MaxInt64 {
		t.Fatalf("Admit to limit = %+v", adm)
	}
}

func TestAdmit_Concurrent(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()
	req := usage.Request{UserID: 9, Feature: "exports", Delta: 1, Limit: 10, Now: now, ResetAt: usage.NextReset(now)}

	// Bring the counter to limit-1.
	for range 9 {
		_, _ = s.Admit(ctx, req)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			adm, _ := s.Admit(ctx, req)
			if adm.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 1 {
		t.Errorf("allowed = %d, want exactly 1", allowed)
	}
	c, _ := s.Counter(ctx, 9, "exports")
	if c.Count != 10 {
		t.Errorf("final count = %d, want 10", c.Count)
	}
}

func TestCounter_NotFoundAndReset(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	if _, err := s.Counter(ctx, 1, "x"); !errors.Is(err, conveyor.ErrCounterNotFound) {
		t.Fatalf("Counter = %v, want ErrCounterNotFound", err)
	}
	reset := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	if gen, _ := s.ResetCounter(ctx, 1, "x", reset); gen != 1 {
		t.Fatalf("first ResetCounter generation = %d, want 1", gen)
	}
	c, err := s.Counter(ctx, 1, "x")
	if err != nil || c.Count != 0 || c.Generation != 1 || !c.ResetAt.Equal(reset) {
		t.Fatalf("Counter after reset = %+v, %v", c, err)
	}
	if gen, _ := s.ResetCounter(ctx, 1, "x", reset); gen != 2 {
		t.Fatalf("second ResetCounter generation = %d, want 2", gen)
	}
}

func TestUpsert_Rules(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	march := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	april := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)

	steps := []struct {
		name      string
		rec       usage.Record
		want      int64
		wantReset time.Time
	}{
		{"insert", usage.Record{Count: 4, ResetAt: march}, 4, march},
		{"same period higher", usage.Record{Count: 7, ResetAt: march}, 7, march},
		{"same period lower ignored", usage.Record{Count: 5, ResetAt: march}, 7, march},
		{"newer period replaces", usage.Record{Count: 1, ResetAt: april}, 1, april},
		{"older period ignored", usage.Record{Count: 99, ResetAt: march}, 1, april},
		{"reset generation replaces", usage.Record{Count: 0, ResetAt: april, Generation: 1}, 0, april},
		{"stale generation ignored", usage.Record{Count: 5, ResetAt: april}, 0, april},
	}

	for _, st := range steps {
		st.rec.UserID, st.rec.Feature = 3, "seats"
		if err := s.Upsert(ctx, st.rec); err != nil {
			t.Fatalf("%s: Upsert: %v", st.name, err)
		}
		got, _ := s.UsageRecord(ctx, 3, "seats")
		if got.Count != st.want || !got.ResetAt.Equal(st.wantReset) {
			t.Errorf("%s: got count %d reset %v, want %d %v", st.name, got.Count, got.ResetAt, st.want, st.wantReset)
		}
	}
}

func TestResetExpired(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	now := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)

	_ = s.Upsert(ctx, usage.Record{UserID: 1, Feature: "a", Count: 5, ResetAt: now, Generation: 3})
	_ = s.Upsert(ctx, usage.Record{UserID: 2, Feature: "a", Count: 5, ResetAt: now.Add(time.Hour)})

	n, _ := s.ResetExpired(ctx, now, usage.NextReset(now))
	if n != 1 {
		t.Fatalf("ResetExpired = %d, want 1", n)
	}
	r, _ := s.UsageRecord(ctx, 1, "a")
	if r.Count != 0 || r.Generation != 0 || !r.ResetAt.Equal(usage.NextReset(now)) {
		t.Errorf("expired record = %+v", r)
	}
	r, _ = s.UsageRecord(ctx, 2, "a")
	if r.Count != 5 {
		t.Errorf("live record = %+v", r)
	}
}

// ──────────────────────────────────────────────────
// Job log tests
// ──────────────────────────────────────────────────

func TestJobLog(t *testing.T) {
	t.Parallel()
	s := New(WithMaxEvents(2))
	ctx := context.Background()

	for _, st := range []joblog.Status{joblog.StatusEnqueued, joblog.StatusProcessing, joblog.StatusSuccess} {
		_ = s.Append(ctx, &joblog.Event{Queue: q, Status: st})
	}

	events, _ := s.RecentEvents(ctx, 10)
	if len(events) != 2 {
		t.Fatalf("RecentEvents = %d events, want 2", len(events))
	}
	if events[0].Status != joblog.StatusSuccess || events[1].Status != joblog.StatusProcessing {
		t.Errorf("unexpected order: %s, %s", events[0].Status, events[1].Status)
	}
}

func TestProcessingMembers_OldestFirst(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	for _, m := range []string{"first", "second", "third"} {
		_ = s.Push(ctx, q, []byte(m))
		if claimed, _ := s.Claim(ctx, q, 0); string(claimed) != m {
			t.Fatalf("Claim = %q, want %q", claimed, m)
		}
	}

	members, _ := s.ProcessingMembers(ctx, q, 1)
	if len(members) != 1 || string(members[0]) != "first" {
		t.Fatalf("ProcessingMembers(1) = %q, want [first]", members)
	}
	members, _ = s.ProcessingMembers(ctx, q, 0)
	if len(members) != 3 || string(members[0]) != "first" || string(members[2]) != "third" {
		t.Errorf("ProcessingMembers(0) = %q, want [first second third]", members)
	}
}
