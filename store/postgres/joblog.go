package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/asqrzk/conveyor/id"
	"github.com/asqrzk/conveyor/joblog"
)

// Append inserts e into job_logs. Re-inserting the same event id is a
// no-op.
func (s *Store) Append(ctx context.Context, e *joblog.Event) error {
	eventID := e.ID
	if eventID.IsNil() {
		eventID = id.NewEventID()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_logs (
			id, queue, envelope_id, action, status, attempts,
			correlation_id, idempotency_key, error, next_retry_at,
			duration_ms, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING`,
		eventID.String(), e.Queue, e.EnvelopeID, e.Action, string(e.Status), e.Attempts,
		e.CorrelationID, e.IdempotencyKey, e.Error, nullTime(e.NextRetryAt),
		e.DurationMS, e.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: append job log: %w", err)
	}
	return nil
}

// RecentEvents returns up to limit events, newest first.
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]*joblog.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, queue, envelope_id, action, status, attempts,
			correlation_id, idempotency_key, error, next_retry_at,
			duration_ms, created_at
		FROM job_logs
		ORDER BY created_at DESC, id DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("conveyor/postgres: recent events: %w", err)
	}
	defer rows.Close()

	var events []*joblog.Event
	for rows.Next() {
		var (
			e           joblog.Event
			rawID       string
			status      string
			nextRetryAt *time.Time
		)
		if err := rows.Scan(
			&rawID, &e.Queue, &e.EnvelopeID, &e.Action, &status, &e.Attempts,
			&e.CorrelationID, &e.IdempotencyKey, &e.Error, &nextRetryAt,
			&e.DurationMS, &e.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("conveyor/postgres: scan job log: %w", err)
		}
		if e.ID, err = id.Parse(rawID); err != nil {
			return nil, fmt.Errorf("conveyor/postgres: parse job log id: %w", err)
		}
		e.Status = joblog.Status(status)
		e.Timestamp = e.Timestamp.UTC()
		if nextRetryAt != nil {
			t := nextRetryAt.UTC()
			e.NextRetryAt = &t
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conveyor/postgres: iterate job logs: %w", err)
	}
	return events, nil
}
