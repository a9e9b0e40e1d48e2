package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/asqrzk/conveyor/job"
)

// Timeout returns middleware that enforces an execution deadline. The
// deadline is the delivery's own Timeout, capped by lockTTL(queue) so a
// handler never runs past the lock that guards it. A nil lockTTL or a
// zero result leaves the delivery's Timeout alone.
func Timeout(logger *slog.Logger, lockTTL func(queue string) time.Duration) Middleware {
	return func(ctx context.Context, d *job.Delivery, next Handler) error {
		limit := d.Timeout
		if lockTTL != nil {
			if ttl := lockTTL(d.Queue); ttl > 0 && (limit <= 0 || ttl < limit) {
				limit = ttl
			}
		}
		if limit <= 0 {
			return next(ctx)
		}

		logger.Debug("handler deadline set",
			slog.String("envelope_id", d.Envelope.ID.String()),
			slog.Duration("timeout", limit),
		)
		ctx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()
		return next(ctx)
	}
}
