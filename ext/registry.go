package ext

import (
	"context"
	"log/slog"
	"time"

	"github.com/asqrzk/conveyor/dlq"
	"github.com/asqrzk/conveyor/envelope"
)

// entry pairs a hook implementation with the extension name captured at
// registration time, so emit calls never type-assert back to Extension.
type entry[H any] struct {
	name string
	hook H
}

// Registry holds registered extensions and dispatches lifecycle events
// to them. It type-caches extensions at registration time so emit calls
// iterate only over extensions that implement the relevant hook.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	enqueued  []entry[EnvelopeEnqueued]
	claimed   []entry[EnvelopeClaimed]
	acked     []entry[EnvelopeAcked]
	retrying  []entry[EnvelopeRetrying]
	failed    []entry[EnvelopeFailed]
	reclaimed []entry[EnvelopeReclaimed]
	contended []entry[LockContended]
	ready     []entry[EnvelopeReady]
	pumped    []entry[DelayedPumped]
	shutdown  []entry[Shutdown]
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Register adds an extension and type-asserts it into all applicable
// hook caches. Extensions are notified in registration order.
// Register is not safe to call concurrently with emits; register
// everything before starting the engine.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	name := e.Name()

	if h, ok := e.(EnvelopeEnqueued); ok {
		r.enqueued = append(r.enqueued, entry[EnvelopeEnqueued]{name, h})
	}
	if h, ok := e.(EnvelopeClaimed); ok {
		r.claimed = append(r.claimed, entry[EnvelopeClaimed]{name, h})
	}
	if h, ok := e.(EnvelopeAcked); ok {
		r.acked = append(r.acked, entry[EnvelopeAcked]{name, h})
	}
	if h, ok := e.(EnvelopeRetrying); ok {
		r.retrying = append(r.retrying, entry[EnvelopeRetrying]{name, h})
	}
	if h, ok := e.(EnvelopeFailed); ok {
		r.failed = append(r.failed, entry[EnvelopeFailed]{name, h})
	}
	if h, ok := e.(EnvelopeReclaimed); ok {
		r.reclaimed = append(r.reclaimed, entry[EnvelopeReclaimed]{name, h})
	}
	if h, ok := e.(LockContended); ok {
		r.contended = append(r.contended, entry[LockContended]{name, h})
	}
	if h, ok := e.(EnvelopeReady); ok {
		r.ready = append(r.ready, entry[EnvelopeReady]{name, h})
	}
	if h, ok := e.(DelayedPumped); ok {
		r.pumped = append(r.pumped, entry[DelayedPumped]{name, h})
	}
	if h, ok := e.(Shutdown); ok {
		r.shutdown = append(r.shutdown, entry[Shutdown]{name, h})
	}
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension { return r.extensions }

// ──────────────────────────────────────────────────
// Envelope event emitters
// ──────────────────────────────────────────────────

// EmitEnqueued notifies all extensions that implement EnvelopeEnqueued.
func (r *Registry) EmitEnqueued(ctx context.Context, queue string, e *envelope.Envelope) {
	for _, x := range r.enqueued {
		if err := x.hook.OnEnvelopeEnqueued(ctx, queue, e); err != nil {
			r.logHookError("OnEnvelopeEnqueued", x.name, err)
		}
	}
}

// EmitClaimed notifies all extensions that implement EnvelopeClaimed.
func (r *Registry) EmitClaimed(ctx context.Context, queue string, e *envelope.Envelope) {
	for _, x := range r.claimed {
		if err := x.hook.OnEnvelopeClaimed(ctx, queue, e); err != nil {
			r.logHookError("OnEnvelopeClaimed", x.name, err)
		}
	}
}

// EmitAcked notifies all extensions that implement EnvelopeAcked.
func (r *Registry) EmitAcked(ctx context.Context, queue string, e *envelope.Envelope, elapsed time.Duration) {
	for _, x := range r.acked {
		if err := x.hook.OnEnvelopeAcked(ctx, queue, e, elapsed); err != nil {
			r.logHookError("OnEnvelopeAcked", x.name, err)
		}
	}
}

// EmitRetrying notifies all extensions that implement EnvelopeRetrying.
func (r *Registry) EmitRetrying(ctx context.Context, queue string, e *envelope.Envelope, readyAt time.Time, cause error) {
	for _, x := range r.retrying {
		if err := x.hook.OnEnvelopeRetrying(ctx, queue, e, readyAt, cause); err != nil {
			r.logHookError("OnEnvelopeRetrying", x.name, err)
		}
	}
}

// EmitFailed notifies all extensions that implement EnvelopeFailed.
func (r *Registry) EmitFailed(ctx context.Context, queue string, entry *dlq.Entry) {
	for _, x := range r.failed {
		if err := x.hook.OnEnvelopeFailed(ctx, queue, entry); err != nil {
			r.logHookError("OnEnvelopeFailed", x.name, err)
		}
	}
}

// EmitReclaimed notifies all extensions that implement EnvelopeReclaimed.
func (r *Registry) EmitReclaimed(ctx context.Context, queue string, e *envelope.Envelope) {
	for _, x := range r.reclaimed {
		if err := x.hook.OnEnvelopeReclaimed(ctx, queue, e); err != nil {
			r.logHookError("OnEnvelopeReclaimed", x.name, err)
		}
	}
}

// EmitLockContended notifies all extensions that implement LockContended.
func (r *Registry) EmitLockContended(ctx context.Context, queue string, e *envelope.Envelope) {
	for _, x := range r.contended {
		if err := x.hook.OnLockContended(ctx, queue, e); err != nil {
			r.logHookError("OnLockContended", x.name, err)
		}
	}
}

// EmitReady notifies all extensions that implement EnvelopeReady.
func (r *Registry) EmitReady(ctx context.Context, queue string, e *envelope.Envelope) {
	for _, x := range r.ready {
		if err := x.hook.OnEnvelopeReady(ctx, queue, e); err != nil {
			r.logHookError("OnEnvelopeReady", x.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Maintenance event emitters
// ──────────────────────────────────────────────────

// EmitPumped notifies all extensions that implement DelayedPumped.
func (r *Registry) EmitPumped(ctx context.Context, queue string, n int) {
	for _, x := range r.pumped {
		if err := x.hook.OnDelayedPumped(ctx, queue, n); err != nil {
			r.logHookError("OnDelayedPumped", x.name, err)
		}
	}
}

// EmitShutdown notifies all extensions that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, x := range r.shutdown {
		if err := x.hook.OnShutdown(ctx); err != nil {
			r.logHookError("OnShutdown", x.name, err)
		}
	}
}

// logHookError logs a warning when a lifecycle hook returns an error.
// Hook errors are never propagated; they must not block a transition.
func (r *Registry) logHookError(hook, extName string, err error) {
	r.logger.Warn("extension hook error",
		slog.String("hook", hook),
		slog.String("extension", extName),
		slog.String("error", err.Error()),
	)
}
