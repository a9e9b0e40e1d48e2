package dlq

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/asqrzk/conveyor"
	"github.com/asqrzk/conveyor/envelope"
)

// Replay puts the failed envelope with the given id back on the main list
// of queue with its attempt counter reset to zero. The failed entry is
// removed in the same atomic step.
func (s *Service) Replay(ctx context.Context, queue string, envelopeID uuid.UUID) (*envelope.Envelope, error) {
	entries, err := s.List(ctx, queue, ListOpts{})
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if entry.Envelope == nil || entry.Envelope.ID != envelopeID {
			continue
		}
		replayed, ok, err := s.replay(ctx, entry)
		if err != nil {
			return nil, err
		}
		if ok {
			return replayed, nil
		}
	}
	return nil, fmt.Errorf("%w: %s on %s", conveyor.ErrFailedEntryNotFound, envelopeID, queue)
}

// ReplayAll replays up to limit replayable entries of queue, oldest
// first. Entries without an envelope are skipped. A limit of zero means
// no limit.
func (s *Service) ReplayAll(ctx context.Context, queue string, limit int) (int, error) {
	entries, err := s.List(ctx, queue, ListOpts{})
	if err != nil {
		return 0, err
	}

	replayed := 0
	for i := len(entries) - 1; i >= 0; i-- {
		if limit > 0 && replayed >= limit {
			break
		}
		entry := entries[i]
		if !entry.Replayable() {
			s.logger.Warn("skipping undecodable failed entry",
				slog.String("queue", queue),
				slog.String("error", entry.Error),
			)
			continue
		}
		_, ok, err := s.replay(ctx, entry)
		if err != nil {
			return replayed, err
		}
		if ok {
			replayed++
		}
	}
	return replayed, nil
}

func (s *Service) replay(ctx context.Context, entry *Entry) (*envelope.Envelope, bool, error) {
	next := entry.Envelope.WithAttempts(0)
	raw, err := envelope.Encode(next)
	if err != nil {
		return nil, false, err
	}

	ok, err := s.store.ReplayFailed(ctx, entry.Queue, entry.Encoded(), raw)
	if err != nil {
		return nil, false, fmt.Errorf("dlq: replay %s: %w", next.ID, err)
	}
	if ok {
		s.logger.Info("replayed failed envelope",
			slog.String("queue", entry.Queue),
			slog.String("envelope_id", next.ID.String()),
			slog.String("action", next.Action.String()),
			slog.String("reason", string(entry.Reason)),
		)
	}
	return next, ok, nil
}
