package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/asqrzk/conveyor"
	"github.com/asqrzk/conveyor/backoff"
	"github.com/asqrzk/conveyor/dlq"
	"github.com/asqrzk/conveyor/envelope"
)

// Sweep reclaims orphans from the processing list of queue: members whose
// lock is absent. Each orphan counts as one failed attempt and is routed
// by the same retry decision the worker uses. It returns the number of
// envelopes reclaimed.
//
// Lock absence is the only orphan signal. A member claimed but not yet
// locked can be reclaimed early; the worker then sees LockGone and backs
// off, so the envelope is never lost or run twice, only charged one
// extra attempt.
func (m *Manager) Sweep(ctx context.Context, queue string, now time.Time) (int, error) {
	if err := ValidateName(queue); err != nil {
		return 0, err
	}
	members, err := m.store.ProcessingMembers(ctx, queue, m.sweepBatch)
	if err != nil {
		return 0, fmt.Errorf("queue: sweep %s: %w", queue, err)
	}

	policy := m.Policy(queue)
	reclaimed := 0
	for _, raw := range members {
		if ctx.Err() != nil {
			return reclaimed, ctx.Err()
		}
		ok, err := m.reclaim(ctx, queue, raw, policy, now)
		if err != nil {
			m.logger.Error("sweep reclaim failed",
				slog.String("queue", queue),
				slog.String("error", err.Error()),
			)
			continue
		}
		if ok {
			reclaimed++
		}
	}
	return reclaimed, nil
}

func (m *Manager) reclaim(ctx context.Context, queue string, raw []byte, p backoff.Policy, now time.Time) (bool, error) {
	e, err := envelope.Parse(raw)
	if err != nil {
		entry := dlq.NewRawEntry(queue, raw, err, now)
		member, encErr := dlq.Encode(entry)
		if encErr != nil {
			return false, encErr
		}
		ok, rErr := m.store.Reclaim(ctx, queue, raw, "", ToFailed(member))
		if rErr != nil || !ok {
			return false, rErr
		}
		m.logger.Warn("sweep moved undecodable orphan to failed", slog.String("queue", queue))
		m.extensions.EmitFailed(ctx, queue, entry)
		return true, nil
	}

	d := backoff.Decide(p, e, now)
	next := e.WithAttempts(d.Attempts)

	var (
		route Route
		entry *dlq.Entry
	)
	if d.Retry {
		member, encErr := envelope.Encode(next)
		if encErr != nil {
			return false, encErr
		}
		route = ToDelayed(member, d.ReadyAt)
	} else {
		entry = dlq.NewEntry(queue, dlq.ReasonOrphanExhausted, next, conveyor.ErrOrphanReclaim, now)
		member, encErr := dlq.Encode(entry)
		if encErr != nil {
			return false, encErr
		}
		route = ToFailed(member)
	}

	ok, err := m.store.Reclaim(ctx, queue, raw, e.ID.String(), route)
	if err != nil || !ok {
		return false, err
	}

	m.logger.Warn("sweep reclaimed orphaned envelope",
		slog.String("queue", queue),
		slog.String("envelope_id", e.ID.String()),
		slog.String("action", e.Action.String()),
		slog.Int("attempts", next.Attempts),
		slog.String("target", route.Target.String()),
	)
	m.extensions.EmitReclaimed(ctx, queue, next)
	if d.Retry {
		m.extensions.EmitRetrying(ctx, queue, next, d.ReadyAt, conveyor.ErrOrphanReclaim)
	} else {
		m.extensions.EmitFailed(ctx, queue, entry)
	}
	return true, nil
}
