package queue

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Concurrency limits
// ---------------------------------------------------------------------------

func TestThrottle_Unlisted(t *testing.T) {
	th := NewThrottle()
	if !th.Acquire("q:sub:plan_change") {
		t.Fatal("expected Acquire to succeed for unthrottled queue")
	}
	th.Release("q:sub:plan_change")
}

func TestThrottle_MaxConcurrency(t *testing.T) {
	th := NewThrottle(Limit{Name: "q:sub:refund", MaxConcurrency: 2})

	if !th.Acquire("q:sub:refund") {
		t.Fatal("first Acquire should succeed")
	}
	if !th.Acquire("q:sub:refund") {
		t.Fatal("second Acquire should succeed")
	}
	if th.Acquire("q:sub:refund") {
		t.Fatal("third Acquire should fail (max concurrency 2)")
	}

	th.Release("q:sub:refund")
	if !th.Acquire("q:sub:refund") {
		t.Fatal("Acquire should succeed after Release")
	}
	if got := th.ActiveCount("q:sub:refund"); got != 2 {
		t.Fatalf("expected 2 active, got %d", got)
	}
}

func TestThrottle_ReleaseNeverNegative(t *testing.T) {
	th := NewThrottle(Limit{Name: "q:a:b", MaxConcurrency: 1})
	th.Release("q:a:b")
	th.Release("q:a:b")
	if got := th.ActiveCount("q:a:b"); got != 0 {
		t.Fatalf("expected 0 active, got %d", got)
	}
}

// ---------------------------------------------------------------------------
// Rate limiting
// ---------------------------------------------------------------------------

func TestThrottle_RateLimit(t *testing.T) {
	th := NewThrottle(Limit{Name: "q:a:limited", RateLimit: 1.0, RateBurst: 1})

	if !th.Acquire("q:a:limited") {
		t.Fatal("first Acquire should succeed (within burst)")
	}
	th.Release("q:a:limited")

	if th.Acquire("q:a:limited") {
		t.Fatal("second Acquire should fail (rate limited)")
	}

	time.Sleep(1100 * time.Millisecond)
	if !th.Acquire("q:a:limited") {
		t.Fatal("Acquire should succeed after token refill")
	}
	th.Release("q:a:limited")
}

func TestThrottle_ConcurrencyRejectionKeepsToken(t *testing.T) {
	th := NewThrottle(Limit{Name: "q:a:b", MaxConcurrency: 1, RateLimit: 1, RateBurst: 1})

	if !th.Acquire("q:a:b") {
		t.Fatal("first Acquire should succeed")
	}
	// Rejected for concurrency; must not consume the next token.
	if th.Acquire("q:a:b") {
		t.Fatal("second Acquire should fail (max concurrency 1)")
	}
	th.Release("q:a:b")

	time.Sleep(1100 * time.Millisecond)
	if !th.Acquire("q:a:b") {
		t.Fatal("Acquire should succeed once slot and token are free")
	}
}

// ---------------------------------------------------------------------------
// Reconfiguration and concurrent use
// ---------------------------------------------------------------------------

func TestThrottle_SetLimitKeepsActive(t *testing.T) {
	th := NewThrottle(Limit{Name: "q:a:dyn", MaxConcurrency: 1})
	th.Acquire("q:a:dyn")
	if th.Acquire("q:a:dyn") {
		t.Fatal("should be blocked at concurrency 1")
	}

	th.SetLimit(Limit{Name: "q:a:dyn", MaxConcurrency: 3})
	if got := th.ActiveCount("q:a:dyn"); got != 1 {
		t.Fatalf("expected active count preserved as 1, got %d", got)
	}
	if !th.Acquire("q:a:dyn") {
		t.Fatal("should succeed after raising limit")
	}
}

func TestThrottle_ConcurrentAcquire(t *testing.T) {
	th := NewThrottle(Limit{Name: "q:a:c", MaxConcurrency: 10})

	var granted atomic.Int32
	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if th.Acquire("q:a:c") {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := granted.Load(); got != 10 {
		t.Fatalf("expected exactly 10 grants, got %d", got)
	}
}
