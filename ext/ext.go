package ext

import (
	"context"
	"time"

	"github.com/asqrzk/conveyor/dlq"
	"github.com/asqrzk/conveyor/envelope"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Envelope lifecycle hooks
// ──────────────────────────────────────────────────

// EnvelopeEnqueued is called after an envelope is pushed onto a main list.
type EnvelopeEnqueued interface {
	OnEnvelopeEnqueued(ctx context.Context, queue string, e *envelope.Envelope) error
}

// EnvelopeClaimed is called once a worker holds the lock on an envelope
// and is about to run its handler.
type EnvelopeClaimed interface {
	OnEnvelopeClaimed(ctx context.Context, queue string, e *envelope.Envelope) error
}

// EnvelopeAcked is called after a successful handler run was acknowledged.
type EnvelopeAcked interface {
	OnEnvelopeAcked(ctx context.Context, queue string, e *envelope.Envelope, elapsed time.Duration) error
}

// EnvelopeRetrying is called when a failed envelope is moved to the
// delayed set. e carries the incremented attempt counter.
type EnvelopeRetrying interface {
	OnEnvelopeRetrying(ctx context.Context, queue string, e *envelope.Envelope, readyAt time.Time, cause error) error
}

// EnvelopeFailed is called when an entry is pushed onto a failed list.
type EnvelopeFailed interface {
	OnEnvelopeFailed(ctx context.Context, queue string, entry *dlq.Entry) error
}

// EnvelopeReclaimed is called when the sweeper takes an orphaned envelope
// back from a processing list. A Retrying or Failed event follows.
type EnvelopeReclaimed interface {
	OnEnvelopeReclaimed(ctx context.Context, queue string, e *envelope.Envelope) error
}

// LockContended is called when a claimed envelope was already locked by
// another worker and has been requeued untouched.
type LockContended interface {
	OnLockContended(ctx context.Context, queue string, e *envelope.Envelope) error
}

// EnvelopeReady is called for each envelope the pump moved from the
// delayed set back onto its main list.
type EnvelopeReady interface {
	OnEnvelopeReady(ctx context.Context, queue string, e *envelope.Envelope) error
}

// ──────────────────────────────────────────────────
// Maintenance hooks
// ──────────────────────────────────────────────────

// DelayedPumped is called when ready delayed envelopes were promoted.
type DelayedPumped interface {
	OnDelayedPumped(ctx context.Context, queue string, n int) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
