package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/asqrzk/conveyor/dlq"
	"github.com/asqrzk/conveyor/envelope"
	"github.com/asqrzk/conveyor/ext"
)

// Compile-time interface checks.
var (
	_ ext.Extension         = (*MetricsExtension)(nil)
	_ ext.EnvelopeEnqueued  = (*MetricsExtension)(nil)
	_ ext.EnvelopeClaimed   = (*MetricsExtension)(nil)
	_ ext.EnvelopeAcked     = (*MetricsExtension)(nil)
	_ ext.EnvelopeRetrying  = (*MetricsExtension)(nil)
	_ ext.EnvelopeFailed    = (*MetricsExtension)(nil)
	_ ext.EnvelopeReclaimed = (*MetricsExtension)(nil)
	_ ext.LockContended     = (*MetricsExtension)(nil)
	_ ext.DelayedPumped     = (*MetricsExtension)(nil)
)

const meterName = "github.com/asqrzk/conveyor/observability"

// MetricsExtension records system-wide lifecycle metrics as OTel
// counters. Every counter carries a queue attribute; per-envelope
// counters also carry the action.
type MetricsExtension struct {
	Enqueued  metric.Int64Counter
	Claimed   metric.Int64Counter
	Acked     metric.Int64Counter
	Retried   metric.Int64Counter
	Failed    metric.Int64Counter
	Reclaimed metric.Int64Counter
	Contended metric.Int64Counter
	Pumped    metric.Int64Counter
	Latency   metric.Float64Histogram
}

// NewMetricsExtension creates a MetricsExtension on the global
// MeterProvider.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension with the
// provided meter.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	counter := func(name, desc string) metric.Int64Counter {
		// OTel returns a noop instrument alongside any error.
		c, _ := meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit("{envelope}"))
		return c
	}
	latency, _ := meter.Float64Histogram("conveyor.envelope.latency",
		metric.WithDescription("Time from envelope creation to acknowledgement in seconds"),
		metric.WithUnit("s"),
	)
	return &MetricsExtension{
		Enqueued:  counter("conveyor.envelope.enqueued", "Envelopes pushed onto a main list"),
		Claimed:   counter("conveyor.envelope.claimed", "Envelopes locked by a worker"),
		Acked:     counter("conveyor.envelope.acked", "Envelopes acknowledged after success"),
		Retried:   counter("conveyor.envelope.retried", "Envelopes scheduled for retry"),
		Failed:    counter("conveyor.envelope.failed", "Entries pushed onto a failed list"),
		Reclaimed: counter("conveyor.envelope.reclaimed", "Orphans reclaimed by the sweeper"),
		Contended: counter("conveyor.lock.contended", "Claims requeued because the lock was held"),
		Pumped:    counter("conveyor.delayed.pumped", "Delayed envelopes promoted to main"),
		Latency:   latency,
	}
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

func envelopeAttrs(queue string, e *envelope.Envelope) metric.AddOption {
	return metric.WithAttributes(
		attribute.String("queue", queue),
		attribute.String("action", e.Action.String()),
	)
}

// ── Envelope lifecycle hooks ────────────────────────

// OnEnvelopeEnqueued implements ext.EnvelopeEnqueued.
func (m *MetricsExtension) OnEnvelopeEnqueued(ctx context.Context, queue string, e *envelope.Envelope) error {
	m.Enqueued.Add(ctx, 1, envelopeAttrs(queue, e))
	return nil
}

// OnEnvelopeClaimed implements ext.EnvelopeClaimed.
func (m *MetricsExtension) OnEnvelopeClaimed(ctx context.Context, queue string, e *envelope.Envelope) error {
	m.Claimed.Add(ctx, 1, envelopeAttrs(queue, e))
	return nil
}

// OnEnvelopeAcked implements ext.EnvelopeAcked.
func (m *MetricsExtension) OnEnvelopeAcked(ctx context.Context, queue string, e *envelope.Envelope, _ time.Duration) error {
	m.Acked.Add(ctx, 1, envelopeAttrs(queue, e))
	if !e.CreatedAt.IsZero() {
		m.Latency.Record(ctx, time.Since(e.CreatedAt).Seconds(), metric.WithAttributes(
			attribute.String("queue", queue),
			attribute.String("action", e.Action.String()),
		))
	}
	return nil
}

// OnEnvelopeRetrying implements ext.EnvelopeRetrying.
func (m *MetricsExtension) OnEnvelopeRetrying(ctx context.Context, queue string, e *envelope.Envelope, _ time.Time, _ error) error {
	m.Retried.Add(ctx, 1, envelopeAttrs(queue, e))
	return nil
}

// OnEnvelopeFailed implements ext.EnvelopeFailed.
func (m *MetricsExtension) OnEnvelopeFailed(ctx context.Context, queue string, entry *dlq.Entry) error {
	m.Failed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("queue", queue),
		attribute.String("reason", string(entry.Reason)),
	))
	return nil
}

// OnEnvelopeReclaimed implements ext.EnvelopeReclaimed.
func (m *MetricsExtension) OnEnvelopeReclaimed(ctx context.Context, queue string, e *envelope.Envelope) error {
	m.Reclaimed.Add(ctx, 1, envelopeAttrs(queue, e))
	return nil
}

// OnLockContended implements ext.LockContended.
func (m *MetricsExtension) OnLockContended(ctx context.Context, queue string, e *envelope.Envelope) error {
	m.Contended.Add(ctx, 1, envelopeAttrs(queue, e))
	return nil
}

// ── Maintenance hooks ───────────────────────────────

// OnDelayedPumped implements ext.DelayedPumped.
func (m *MetricsExtension) OnDelayedPumped(ctx context.Context, queue string, n int) error {
	m.Pumped.Add(ctx, int64(n), metric.WithAttributes(attribute.String("queue", queue)))
	return nil
}
