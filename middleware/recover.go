package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/asqrzk/conveyor"
	"github.com/asqrzk/conveyor/job"
)

// Recover returns middleware that recovers from panics in the handler chain.
// A panic is logged with its stack trace and reported as a retryable
// failure, so it consumes one attempt like any other transient error.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, d *job.Delivery, next Handler) (retErr error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("handler panicked",
					slog.String("queue", d.Queue),
					slog.String("envelope_id", d.Envelope.ID.String()),
					slog.String("action", d.Envelope.Action.String()),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				retErr = conveyor.Retryable(fmt.Errorf("panic in %s handler: %v", d.Envelope.Action, r))
			}
		}()
		return next(ctx)
	}
}
