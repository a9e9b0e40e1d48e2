package queue

import (
	"context"
	"time"
)

// Target is where a resolved envelope goes next.
type Target int

const (
	// TargetNone drops the envelope: a successful acknowledgement.
	TargetNone Target = iota
	// TargetMain pushes the member back onto the main list.
	TargetMain
	// TargetDelayed adds the member to the delayed set at ReadyAt.
	TargetDelayed
	// TargetFailed pushes the member onto the failed list.
	TargetFailed
)

func (t Target) String() string {
	switch t {
	case TargetNone:
		return "none"
	case TargetMain:
		return "main"
	case TargetDelayed:
		return "delayed"
	case TargetFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Route describes one transition out of the processing list. Member is
// what gets inserted at the target; it usually differs from the removed
// processing member because the attempt counter moved.
type Route struct {
	Target  Target
	Member  []byte
	ReadyAt time.Time
}

// Drop returns the route of an acknowledged envelope.
func Drop() Route { return Route{Target: TargetNone} }

// ToMain returns a route back onto the main list.
func ToMain(member []byte) Route { return Route{Target: TargetMain, Member: member} }

// ToDelayed returns a route into the delayed set.
func ToDelayed(member []byte, readyAt time.Time) Route {
	return Route{Target: TargetDelayed, Member: member, ReadyAt: readyAt}
}

// ToFailed returns a route onto the failed list.
func ToFailed(member []byte) Route { return Route{Target: TargetFailed, Member: member} }

// LockResult is the outcome of a lock attempt on a claimed envelope.
type LockResult int

const (
	// LockAcquired means the caller now owns the envelope.
	LockAcquired LockResult = iota
	// LockHeld means another worker owns an envelope with the same id.
	LockHeld
	// LockGone means the member is no longer in the processing list,
	// typically because the sweeper already reclaimed it.
	LockGone
)

func (r LockResult) String() string {
	switch r {
	case LockAcquired:
		return "acquired"
	case LockHeld:
		return "held"
	case LockGone:
		return "gone"
	default:
		return "unknown"
	}
}

// Stats holds the depth of each list of one queue.
type Stats struct {
	Queue      string `json:"queue"`
	Main       int64  `json:"main"`
	Processing int64  `json:"processing"`
	Delayed    int64  `json:"delayed"`
	Failed     int64  `json:"failed"`
}

// Store is the queue capability of a backend. Every method that moves a
// member is a single atomic operation on the backend, and inserts only
// after the removal it depends on has succeeded, so repeating a
// transition never duplicates an envelope.
type Store interface {
	// Push adds member to the head of the main list.
	Push(ctx context.Context, queue string, member []byte) error

	// Claim moves the oldest main-list member into processing, waiting
	// up to timeout for one to arrive. It returns nil when none did.
	Claim(ctx context.Context, queue string, timeout time.Duration) ([]byte, error)

	// Lock takes the TTL lock of envelope id for owner, but only while
	// member is still in the processing list.
	Lock(ctx context.Context, queue string, member []byte, id, owner string, ttl time.Duration) (LockResult, error)

	// Unlock deletes the lock of envelope id if owner still holds it.
	Unlock(ctx context.Context, queue, id, owner string) (bool, error)

	// Resolve removes one copy of member from processing and, only if it
	// was present, applies route. It reports whether member was present.
	Resolve(ctx context.Context, queue string, member []byte, route Route) (bool, error)

	// Reclaim is Resolve guarded by lock absence: nothing happens while
	// the lock of envelope id exists. An empty id skips the lock check.
	Reclaim(ctx context.Context, queue string, member []byte, id string, route Route) (bool, error)

	// PumpReady moves up to limit delayed members with ready-at at or
	// before now onto the main list and returns the members it moved,
	// lowest ready-at first.
	PumpReady(ctx context.Context, queue string, now time.Time, limit int) ([][]byte, error)

	// ProcessingMembers returns up to limit members of the processing
	// list, oldest claims first.
	ProcessingMembers(ctx context.Context, queue string, limit int) ([][]byte, error)

	// Peek returns up to n main-list members in claim order.
	Peek(ctx context.Context, queue string, n int) ([][]byte, error)

	// Stats returns the depth of each list of the queue.
	Stats(ctx context.Context, queue string) (Stats, error)
}
