package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/asqrzk/conveyor"
	"github.com/asqrzk/conveyor/envelope"
	"github.com/asqrzk/conveyor/job"
)

// SyncPayload is the payload of a usage_sync envelope. Count is absolute
// and tagged with the counter's period and generation, so replaying or
// reordering syncs converges on the KV state: the latest period wins,
// then the latest generation, then the highest count.
type SyncPayload struct {
	UserID     int64     `json:"user_id"`
	Feature    string    `json:"feature"`
	Count      int64     `json:"count"`
	ResetAt    time.Time `json:"reset_at"`
	Generation int64     `json:"generation,omitempty"`

	// Reset marks the sync written by an explicit Limiter.Reset.
	Reset bool `json:"reset,omitempty"`
}

// Record is the durable copy of a counter.
type Record struct {
	UserID     int64     `json:"user_id"`
	Feature    string    `json:"feature"`
	Count      int64     `json:"count"`
	ResetAt    time.Time `json:"reset_at"`
	Generation int64     `json:"generation"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Store is the durable usage table.
type Store interface {
	// Upsert merges rec into the stored row following Merge: a later
	// period or a later generation of the same period replaces the row,
	// the same generation keeps the larger count, anything older is
	// ignored.
	Upsert(ctx context.Context, rec Record) error

	// UsageRecord returns the stored row or conveyor.ErrCounterNotFound.
	UsageRecord(ctx context.Context, userID int64, feature string) (*Record, error)

	// ResetExpired zeroes every row whose reset_at is at or before now,
	// moving it to generation zero of the period ending at next. It
	// returns the row count.
	ResetExpired(ctx context.Context, now, next time.Time) (int64, error)
}

// SyncHandler returns the handler that applies usage_sync envelopes to
// store. A payload without a user or feature can never succeed and is
// reported as fatal; store errors are retried.
func SyncHandler(store Store, logger *slog.Logger) func(ctx context.Context, d *job.Delivery, p SyncPayload) error {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, d *job.Delivery, p SyncPayload) error {
		if p.UserID <= 0 || p.Feature == "" {
			return conveyor.Fatal(fmt.Errorf("usage sync: invalid payload user=%d feature=%q", p.UserID, p.Feature))
		}
		rec := Record{
			UserID:     p.UserID,
			Feature:    p.Feature,
			Count:      p.Count,
			ResetAt:    p.ResetAt.UTC(),
			Generation: p.Generation,
			UpdatedAt:  time.Now().UTC(),
		}
		if err := store.Upsert(ctx, rec); err != nil {
			return conveyor.Retryable(fmt.Errorf("usage sync: upsert: %w", err))
		}
		logger.Debug("usage synced",
			slog.String("envelope_id", d.Envelope.ID.String()),
			slog.Int64("user_id", p.UserID),
			slog.String("feature", p.Feature),
			slog.Int64("count", p.Count),
			slog.Int64("generation", p.Generation),
		)
		return nil
	}
}

// NewSyncDefinition returns the usage_sync handler definition for queue,
// ready for job.RegisterTyped.
func NewSyncDefinition(queue string, store Store, logger *slog.Logger) *job.Definition[SyncPayload] {
	return job.NewDefinition(queue, envelope.ActionUsageSync, SyncHandler(store, logger))
}

// ResetExpired zeroes every durable counter whose period ended at or
// before now.
func ResetExpired(ctx context.Context, store Store, now time.Time) (int64, error) {
	n, err := store.ResetExpired(ctx, now, NextReset(now))
	if err != nil {
		return 0, fmt.Errorf("usage: reset expired: %w", err)
	}
	return n, nil
}

// Merge applies the durable upsert rules to an existing row. It is used
// by backends that cannot express them in a single statement.
func Merge(existing *Record, rec Record) Record {
	if existing == nil {
		return rec
	}
	switch {
	case rec.ResetAt.After(existing.ResetAt):
		return rec
	case rec.ResetAt.Before(existing.ResetAt):
		return *existing
	case rec.Generation > existing.Generation:
		return rec
	case rec.Generation < existing.Generation:
		return *existing
	}
	out := *existing
	if rec.Count > out.Count {
		out.Count = rec.Count
	}
	out.UpdatedAt = rec.UpdatedAt
	return out
}

// IsNotFound reports whether err means the counter does not exist.
func IsNotFound(err error) bool { return errors.Is(err, conveyor.ErrCounterNotFound) }
