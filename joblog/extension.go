package joblog

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/asqrzk/conveyor/dlq"
	"github.com/asqrzk/conveyor/envelope"
	"github.com/asqrzk/conveyor/ext"
	"github.com/asqrzk/conveyor/id"
)

// Compile-time interface checks.
var (
	_ ext.Extension         = (*Extension)(nil)
	_ ext.EnvelopeEnqueued  = (*Extension)(nil)
	_ ext.EnvelopeClaimed   = (*Extension)(nil)
	_ ext.EnvelopeAcked     = (*Extension)(nil)
	_ ext.EnvelopeRetrying  = (*Extension)(nil)
	_ ext.EnvelopeFailed    = (*Extension)(nil)
	_ ext.EnvelopeReclaimed = (*Extension)(nil)
	_ ext.LockContended     = (*Extension)(nil)
	_ ext.EnvelopeReady     = (*Extension)(nil)
)

// Extension turns lifecycle hooks into job log events.
type Extension struct {
	sinks []Sink
	now   func() time.Time
}

// NewExtension creates an extension writing to sinks in order.
func NewExtension(sinks ...Sink) *Extension {
	return &Extension{
		sinks: sinks,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Name implements ext.Extension.
func (x *Extension) Name() string { return "joblog" }

func (x *Extension) event(queue string, e *envelope.Envelope, status Status) *Event {
	return &Event{
		ID:             id.NewEventID(),
		Queue:          queue,
		EnvelopeID:     e.ID.String(),
		Action:         e.Action.String(),
		Status:         status,
		Attempts:       e.Attempts,
		CorrelationID:  e.CorrelationID,
		IdempotencyKey: e.IdempotencyKey,
		Timestamp:      x.now(),
	}
}

func (x *Extension) emit(ctx context.Context, ev *Event) error {
	var errs []error
	for _, s := range x.sinks {
		if err := s.Append(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OnEnvelopeEnqueued implements ext.EnvelopeEnqueued.
func (x *Extension) OnEnvelopeEnqueued(ctx context.Context, queue string, e *envelope.Envelope) error {
	return x.emit(ctx, x.event(queue, e, StatusEnqueued))
}

// OnEnvelopeClaimed implements ext.EnvelopeClaimed.
func (x *Extension) OnEnvelopeClaimed(ctx context.Context, queue string, e *envelope.Envelope) error {
	return x.emit(ctx, x.event(queue, e, StatusProcessing))
}

// OnEnvelopeAcked implements ext.EnvelopeAcked.
func (x *Extension) OnEnvelopeAcked(ctx context.Context, queue string, e *envelope.Envelope, elapsed time.Duration) error {
	ev := x.event(queue, e, StatusSuccess)
	ev.DurationMS = elapsed.Milliseconds()
	return x.emit(ctx, ev)
}

// OnEnvelopeRetrying implements ext.EnvelopeRetrying.
func (x *Extension) OnEnvelopeRetrying(ctx context.Context, queue string, e *envelope.Envelope, readyAt time.Time, cause error) error {
	ev := x.event(queue, e, StatusRetry)
	at := readyAt.UTC()
	ev.NextRetryAt = &at
	if cause != nil {
		ev.Error = cause.Error()
	}
	return x.emit(ctx, ev)
}

// OnEnvelopeFailed implements ext.EnvelopeFailed.
func (x *Extension) OnEnvelopeFailed(ctx context.Context, queue string, entry *dlq.Entry) error {
	var ev *Event
	if entry.Envelope != nil {
		ev = x.event(queue, entry.Envelope, StatusFailed)
	} else {
		ev = &Event{ID: id.NewEventID(), Queue: queue, Status: StatusFailed, Timestamp: x.now()}
	}
	ev.Error = entry.Error
	return x.emit(ctx, ev)
}

// OnEnvelopeReclaimed implements ext.EnvelopeReclaimed.
func (x *Extension) OnEnvelopeReclaimed(ctx context.Context, queue string, e *envelope.Envelope) error {
	return x.emit(ctx, x.event(queue, e, StatusReclaimed))
}

// OnLockContended implements ext.LockContended.
func (x *Extension) OnLockContended(ctx context.Context, queue string, e *envelope.Envelope) error {
	return x.emit(ctx, x.event(queue, e, StatusRequeued))
}

// OnEnvelopeReady implements ext.EnvelopeReady.
func (x *Extension) OnEnvelopeReady(ctx context.Context, queue string, e *envelope.Envelope) error {
	return x.emit(ctx, x.event(queue, e, StatusReady))
}

// LogSink writes events to a logger at debug level, and failures at warn.
func LogSink(logger *slog.Logger) Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return SinkFunc(func(ctx context.Context, e *Event) error {
		level := slog.LevelDebug
		if e.Status == StatusFailed {
			level = slog.LevelWarn
		}
		attrs := []slog.Attr{
			slog.String("queue", e.Queue),
			slog.String("status", string(e.Status)),
			slog.Int("attempts", e.Attempts),
		}
		if e.EnvelopeID != "" {
			attrs = append(attrs, slog.String("envelope_id", e.EnvelopeID), slog.String("action", e.Action))
		}
		if e.Error != "" {
			attrs = append(attrs, slog.String("error", e.Error))
		}
		logger.LogAttrs(ctx, level, "job event", attrs...)
		return nil
	})
}
