package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/asqrzk/conveyor"
	"github.com/asqrzk/conveyor/job"
)

// tracerName is the instrumentation scope name for conveyor tracing.
const tracerName = "github.com/asqrzk/conveyor"

// Tracing returns middleware that wraps handler execution in an
// OpenTelemetry span. If no TracerProvider is configured globally, the
// default noop tracer is used and this middleware is a pass-through.
//
// The span carries the envelope identity (conveyor.envelope.id,
// conveyor.action, conveyor.attempts, conveyor.correlation_id), the
// claiming lock owner (conveyor.owner), the queue as both conveyor.queue
// and messaging.destination.name, and, once the handler returns, the
// classified conveyor.outcome.
func Tracing() Middleware {
	return TracingWithTracer(otel.Tracer(tracerName))
}

// TracingWithTracer returns tracing middleware using the provided tracer.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, d *job.Delivery, next Handler) error {
		e := d.Envelope
		attrs := []attribute.KeyValue{
			attribute.String("messaging.system", "conveyor"),
			attribute.String("messaging.destination.name", d.Queue),
			attribute.String("conveyor.envelope.id", e.ID.String()),
			attribute.String("conveyor.action", e.Action.String()),
			attribute.String("conveyor.queue", d.Queue),
			attribute.Int("conveyor.attempts", e.Attempts),
			attribute.String("conveyor.correlation_id", e.CorrelationID),
			attribute.String("conveyor.owner", d.Owner),
		}
		if e.Synthesized {
			attrs = append(attrs, attribute.Bool("conveyor.synthesized", true))
		}
		ctx, span := tracer.Start(ctx, "conveyor.envelope.execute",
			trace.WithAttributes(attrs...),
			trace.WithSpanKind(trace.SpanKindConsumer),
		)
		defer span.End()

		err := next(ctx)
		span.SetAttributes(attribute.String("conveyor.outcome", conveyor.Classify(err).String()))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}

		return err
	}
}
