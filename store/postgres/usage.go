package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/asqrzk/conveyor"
	"github.com/asqrzk/conveyor/usage"
)

// upsertUsageSQL merges a counter snapshot. The row only moves forward
// in (reset_at, generation) order; within the same generation the larger
// count wins.
const upsertUsageSQL = `
INSERT INTO user_usage (user_id, feature, usage_count, reset_at, generation, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (user_id, feature) DO UPDATE SET
	usage_count = CASE
		WHEN (EXCLUDED.reset_at, EXCLUDED.generation) > (user_usage.reset_at, user_usage.generation)
			THEN EXCLUDED.usage_count
		ELSE GREATEST(user_usage.usage_count, EXCLUDED.usage_count)
	END,
	reset_at = EXCLUDED.reset_at,
	generation = EXCLUDED.generation,
	updated_at = EXCLUDED.updated_at
WHERE (EXCLUDED.reset_at, EXCLUDED.generation) >= (user_usage.reset_at, user_usage.generation)`

// Upsert merges rec into the user_usage row.
func (s *Store) Upsert(ctx context.Context, rec usage.Record) error {
	updatedAt := rec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, upsertUsageSQL,
		rec.UserID, rec.Feature, rec.Count, rec.ResetAt.UTC(), rec.Generation, updatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: upsert usage: %w", err)
	}
	return nil
}

// UsageRecord returns the user_usage row.
func (s *Store) UsageRecord(ctx context.Context, userID int64, feature string) (*usage.Record, error) {
	rec := &usage.Record{UserID: userID, Feature: feature}
	err := s.pool.QueryRow(ctx, `
		SELECT usage_count, reset_at, generation, updated_at
		FROM user_usage
		WHERE user_id = $1 AND feature = $2`,
		userID, feature,
	).Scan(&rec.Count, &rec.ResetAt, &rec.Generation, &rec.UpdatedAt)
	if isNoRows(err) {
		return nil, conveyor.ErrCounterNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("conveyor/postgres: usage record: %w", err)
	}
	rec.ResetAt = rec.ResetAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}

// ResetExpired zeroes rows whose period ended at or before now.
func (s *Store) ResetExpired(ctx context.Context, now, next time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE user_usage
		SET usage_count = 0, generation = 0, reset_at = $2, updated_at = $1
		WHERE reset_at <= $1`,
		now.UTC(), next.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("conveyor/postgres: reset expired usage: %w", err)
	}
	return tag.RowsAffected(), nil
}
