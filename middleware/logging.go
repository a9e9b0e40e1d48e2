package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/asqrzk/conveyor"
	"github.com/asqrzk/conveyor/job"
)

// Logging returns middleware that logs every execution. Failures are
// logged at a level matching their classification: a retry is a
// warning, a fatal failure an error.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, d *job.Delivery, next Handler) error {
		e := d.Envelope
		attrs := []slog.Attr{
			slog.String("queue", d.Queue),
			slog.String("envelope_id", e.ID.String()),
			slog.String("action", e.Action.String()),
			slog.Int("attempts", e.Attempts),
		}
		if e.CorrelationID != "" {
			attrs = append(attrs, slog.String("correlation_id", e.CorrelationID))
		}
		if e.IdempotencyKey != "" {
			attrs = append(attrs, slog.String("idempotency_key", e.IdempotencyKey))
		}
		logger.LogAttrs(ctx, slog.LevelDebug, "handler started", attrs...)

		start := time.Now()
		err := next(ctx)
		attrs = append(attrs, slog.Duration("elapsed", time.Since(start)))

		switch conveyor.Classify(err) {
		case conveyor.OutcomeSuccess:
			logger.LogAttrs(ctx, slog.LevelInfo, "handler completed", attrs...)
		case conveyor.OutcomeFatal:
			logger.LogAttrs(ctx, slog.LevelError, "handler failed permanently",
				append(attrs, slog.String("error", err.Error()))...)
		default:
			logger.LogAttrs(ctx, slog.LevelWarn, "handler failed",
				append(attrs, slog.String("error", err.Error()))...)
		}
		return err
	}
}
