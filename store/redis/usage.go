package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/asqrzk/conveyor"
	"github.com/asqrzk/conveyor/usage"
)

// Admit runs the check-and-increment script on the counter hash.
func (s *Store) Admit(ctx context.Context, req usage.Request) (usage.Admission, error) {
	vals, err := admitScript.Run(ctx, s.client,
		[]string{usage.Key(req.UserID, req.Feature)},
		req.Delta, req.Limit, req.Now.Unix(), req.ResetAt.Unix(), req.UserID, req.Feature,
	).Int64Slice()
	if err != nil {
		return usage.Admission{}, fmt.Errorf("conveyor/redis: admit: %w", err)
	}
	if len(vals) != 4 {
		return usage.Admission{}, fmt.Errorf("conveyor/redis: admit: unexpected reply %v", vals)
	}
	return usage.Admission{
		Allowed:    vals[0] == 1,
		Count:      vals[1],
		ResetAt:    time.Unix(vals[2], 0).UTC(),
		Generation: vals[3],
	}, nil
}

// Counter returns the stored counter hash.
func (s *Store) Counter(ctx context.Context, userID int64, feature string) (usage.Counter, error) {
	fields, err := s.client.HGetAll(ctx, usage.Key(userID, feature)).Result()
	if err != nil {
		return usage.Counter{}, fmt.Errorf("conveyor/redis: counter: %w", err)
	}
	if len(fields) == 0 {
		return usage.Counter{}, conveyor.ErrCounterNotFound
	}

	c := usage.Counter{UserID: userID, Feature: feature}
	if c.Count, err = strconv.ParseInt(fields["count"], 10, 64); err != nil {
		return usage.Counter{}, fmt.Errorf("conveyor/redis: counter: parse count: %w", err)
	}
	resetAt, err := strconv.ParseInt(fields["reset_at"], 10, 64)
	if err != nil {
		return usage.Counter{}, fmt.Errorf("conveyor/redis: counter: parse reset_at: %w", err)
	}
	c.ResetAt = time.Unix(resetAt, 0).UTC()
	if g, ok := fields["gen"]; ok {
		if c.Generation, err = strconv.ParseInt(g, 10, 64); err != nil {
			return usage.Counter{}, fmt.Errorf("conveyor/redis: counter: parse gen: %w", err)
		}
	}
	return c, nil
}

// ResetCounter sets the counter to zero with the given period end and
// bumps its generation in one MULTI block.
func (s *Store) ResetCounter(ctx context.Context, userID int64, feature string, resetAt time.Time) (int64, error) {
	key := usage.Key(userID, feature)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key,
		"count", 0,
		"reset_at", resetAt.Unix(),
		"user_id", userID,
		"feature", feature,
	)
	gen := pipe.HIncrBy(ctx, key, "gen", 1)
	pipe.ExpireAt(ctx, key, resetAt)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("conveyor/redis: reset counter: %w", err)
	}
	return gen.Val(), nil
}
