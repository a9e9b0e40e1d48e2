package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/asqrzk/conveyor"
	"github.com/asqrzk/conveyor/envelope"
)

// Enqueuer publishes envelopes. queue.Manager satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, queue string, e *envelope.Envelope) error
}

// Limiter is the admission check in front of metered features. It is
// feature-agnostic: callers pass the feature name and its limit.
type Limiter struct {
	counters  Counters
	enqueuer  Enqueuer
	syncQueue string
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithEnqueuer enables write-behind: every admitted call enqueues a
// usage_sync envelope through e.
func WithEnqueuer(e Enqueuer) Option {
	return func(l *Limiter) { l.enqueuer = e }
}

// WithSyncQueue overrides the queue usage_sync envelopes go to.
func WithSyncQueue(queue string) Option {
	return func(l *Limiter) { l.syncQueue = queue }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// NewLimiter creates a Limiter over counters.
func NewLimiter(counters Counters, opts ...Option) *Limiter {
	l := &Limiter{
		counters:  counters,
		syncQueue: conveyor.QueueUsageSync,
		logger:    slog.Default(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func validate(feature string, delta, limit int64) error {
	switch {
	case feature == "":
		return conveyor.ErrInvalidFeature
	case delta <= 0:
		return fmt.Errorf("%w: %d", conveyor.ErrInvalidDelta, delta)
	case limit < 0, limit > MaxLimit:
		return fmt.Errorf("%w: %d", conveyor.ErrInvalidLimit, limit)
	}
	return nil
}

// Use consumes delta units of feature for userID if that keeps the
// counter within limit. The check and the increment are one atomic
// backend operation; a rejected call leaves the counter untouched.
//
// A delta larger than the whole limit is rejected without touching the
// counter. Enqueueing the durable sync never fails the call.
func (l *Limiter) Use(ctx context.Context, userID int64, feature string, delta, limit int64) (Result, error) {
	if err := validate(feature, delta, limit); err != nil {
		return Result{}, err
	}

	now := l.now()
	if delta > limit {
		cur, err := l.Current(ctx, userID, feature)
		if err != nil {
			return Result{}, err
		}
		l.logger.Debug("usage delta exceeds limit",
			slog.Int64("user_id", userID),
			slog.String("feature", feature),
			slog.Int64("delta", delta),
			slog.Int64("limit", limit),
		)
		return newResult(false, cur.Count, limit, cur.ResetAt), nil
	}

	adm, err := l.counters.Admit(ctx, Request{
		UserID:  userID,
		Feature: feature,
		Delta:   delta,
		Limit:   limit,
		Now:     now,
		ResetAt: NextReset(now),
	})
	if err != nil {
		return Result{}, fmt.Errorf("usage: admit %s for user %d: %w", feature, userID, err)
	}

	res := newResult(adm.Allowed, adm.Count, limit, adm.ResetAt)
	if !adm.Allowed {
		l.logger.Info("usage limit reached",
			slog.Int64("user_id", userID),
			slog.String("feature", feature),
			slog.Int64("usage", adm.Count),
			slog.Int64("limit", limit),
		)
		return res, nil
	}

	l.sync(ctx, SyncPayload{
		UserID:     userID,
		Feature:    feature,
		Count:      adm.Count,
		ResetAt:    adm.ResetAt,
		Generation: adm.Generation,
	})
	return res, nil
}

// Current returns the effective counter of userID and feature. A missing
// or expired counter reads as zero with the next period end.
func (l *Limiter) Current(ctx context.Context, userID int64, feature string) (Counter, error) {
	now := l.now()
	c, err := l.counters.Counter(ctx, userID, feature)
	switch {
	case errors.Is(err, conveyor.ErrCounterNotFound):
		return Counter{UserID: userID, Feature: feature, ResetAt: NextReset(now)}, nil
	case err != nil:
		return Counter{}, fmt.Errorf("usage: read %s for user %d: %w", feature, userID, err)
	}
	if c.Expired(now) {
		c.Count = 0
		c.ResetAt = NextReset(now)
		c.Generation = 0
	}
	return c, nil
}

// Reset zeroes the counter of userID and feature and starts a new period.
// The durable copy is overwritten through the sync queue.
func (l *Limiter) Reset(ctx context.Context, userID int64, feature string) error {
	if feature == "" {
		return conveyor.ErrInvalidFeature
	}
	resetAt := NextReset(l.now())
	gen, err := l.counters.ResetCounter(ctx, userID, feature, resetAt)
	if err != nil {
		return fmt.Errorf("usage: reset %s for user %d: %w", feature, userID, err)
	}
	l.logger.Info("usage counter reset",
		slog.Int64("user_id", userID),
		slog.String("feature", feature),
		slog.Int64("generation", gen),
	)
	l.sync(ctx, SyncPayload{
		UserID:     userID,
		Feature:    feature,
		Count:      0,
		ResetAt:    resetAt,
		Generation: gen,
		Reset:      true,
	})
	return nil
}

func (l *Limiter) sync(ctx context.Context, p SyncPayload) {
	if l.enqueuer == nil {
		return
	}
	key := Key(p.UserID, p.Feature) + ":" + strconv.FormatInt(p.ResetAt.Unix(), 10) +
		":" + strconv.FormatInt(p.Generation, 10) + ":" + strconv.FormatInt(p.Count, 10)
	if p.Reset {
		key += ":reset"
	}
	e, err := envelope.Wrap(envelope.ActionUsageSync, p, envelope.WithIdempotencyKey(key))
	if err == nil {
		err = l.enqueuer.Enqueue(ctx, l.syncQueue, e)
	}
	if err != nil {
		l.logger.Error("usage sync enqueue failed",
			slog.Int64("user_id", p.UserID),
			slog.String("feature", p.Feature),
			slog.Int64("count", p.Count),
			slog.String("error", err.Error()),
		)
	}
}
