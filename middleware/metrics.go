package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/asqrzk/conveyor"
	"github.com/asqrzk/conveyor/job"
)

// meterName is the instrumentation scope name for conveyor metrics.
const meterName = "github.com/asqrzk/conveyor"

// Metrics returns middleware that records per-execution metrics using
// the global OTel MeterProvider. If no MeterProvider is configured, noop
// instruments are used and this middleware becomes a pass-through.
//
// Instruments:
//   - conveyor.handler.duration (Float64Histogram): execution time in
//     seconds, with attributes: action, queue, outcome
//   - conveyor.handler.executions (Int64Counter): total executions,
//     with attributes: action, queue, outcome
//
// outcome is one of "success", "retry" or "fatal".
func Metrics() Middleware {
	return MetricsWithMeter(otel.Meter(meterName))
}

// MetricsWithMeter returns metrics middleware using the provided meter.
func MetricsWithMeter(meter metric.Meter) Middleware {
	// OTel returns noop instruments alongside any error.
	duration, _ := meter.Float64Histogram(
		"conveyor.handler.duration",
		metric.WithDescription("Duration of handler execution in seconds"),
		metric.WithUnit("s"),
	)
	executions, _ := meter.Int64Counter(
		"conveyor.handler.executions",
		metric.WithDescription("Total number of handler executions"),
		metric.WithUnit("{execution}"),
	)

	return func(ctx context.Context, d *job.Delivery, next Handler) error {
		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start).Seconds()

		attrs := metric.WithAttributes(
			attribute.String("action", d.Envelope.Action.String()),
			attribute.String("queue", d.Queue),
			attribute.String("outcome", conveyor.Classify(err).String()),
		)
		duration.Record(ctx, elapsed, attrs)
		executions.Add(ctx, 1, attrs)

		return err
	}
}
