// Package usage implements per-user, per-feature usage metering with an
// atomic admission check.
//
// The KV counter is authoritative for admission: [Limiter.Use] checks and
// increments it in one atomic backend operation, so concurrent callers
// can never push a counter past its limit and a rejected call changes
// nothing. The durable copy is write-behind: every admitted call enqueues
// a usage_sync envelope carrying the absolute count, and [SyncHandler]
// upserts it into a [Store]. Use never waits for durable persistence.
//
// Counters reset at the first instant of the next UTC month.
package usage

import (
	"context"
	"strconv"
	"time"

	"github.com/asqrzk/conveyor"
)

// Counter is the KV state of one (user, feature) counter.
//
// Generation counts explicit resets within the current period and starts
// at zero whenever a new period begins. Durable syncs from an older
// generation of the same period are ignored.
type Counter struct {
	UserID     int64     `json:"user_id"`
	Feature    string    `json:"feature"`
	Count      int64     `json:"count"`
	ResetAt    time.Time `json:"reset_at"`
	Generation int64     `json:"generation"`
}

// Expired reports whether the counter's period ended at or before now.
func (c Counter) Expired(now time.Time) bool {
	return !c.ResetAt.After(now)
}

// Request is one atomic admission check.
type Request struct {
	UserID  int64
	Feature string
	Delta   int64
	Limit   int64

	// Now decides whether the stored period has expired.
	Now time.Time

	// ResetAt is the period end written when the counter starts over.
	ResetAt time.Time
}

// Admission is the backend's answer to a Request. Count and ResetAt
// describe the counter after the operation; on rejection nothing changed
// and Count is the effective current value.
type Admission struct {
	Allowed    bool
	Count      int64
	ResetAt    time.Time
	Generation int64
}

// Counters is the KV capability of a backend.
type Counters interface {
	// Admit performs the check-and-increment as one atomic operation.
	// A stored counter whose reset_at is at or before req.Now counts as
	// zero with generation zero and takes req.ResetAt. If count+delta
	// exceeds the limit the counter is left untouched.
	Admit(ctx context.Context, req Request) (Admission, error)

	// Counter returns the stored counter, or conveyor.ErrCounterNotFound.
	Counter(ctx context.Context, userID int64, feature string) (Counter, error)

	// ResetCounter sets the counter to zero with the given period end and
	// bumps its generation, returning the new generation.
	ResetCounter(ctx context.Context, userID int64, feature string, resetAt time.Time) (int64, error)
}

// MaxLimit is the largest accepted limit. Counter scripts run on
// doubles, which are exact integers only up to 2^53.
const MaxLimit int64 = 1 << 53

// Key returns the KV key of a counter: usage:<user>:<feature>.
func Key(userID int64, feature string) string {
	return "usage:" + strconv.FormatInt(userID, 10) + ":" + feature
}

// NextReset returns the first instant of the month after now, in UTC.
func NextReset(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month()+1, 1, 0, 0, 0, 0, time.UTC)
}

// Result is the outcome of Limiter.Use.
type Result struct {
	Allowed   bool      `json:"allowed"`
	Usage     int64     `json:"usage"`
	Limit     int64     `json:"limit"`
	Remaining int64     `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// Err returns conveyor.ErrLimitExceeded for a rejected result and nil
// otherwise.
func (r Result) Err() error {
	if r.Allowed {
		return nil
	}
	return conveyor.ErrLimitExceeded
}

func newResult(allowed bool, count, limit int64, resetAt time.Time) Result {
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   allowed,
		Usage:     count,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}
