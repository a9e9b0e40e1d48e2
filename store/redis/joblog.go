package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/asqrzk/conveyor/joblog"
)

// Append pushes e as JSON onto the job event list and trims it to the
// configured cap.
func (s *Store) Append(ctx context.Context, e *joblog.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("conveyor/redis: append event: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.LPush(ctx, eventLogKey, data)
	if s.maxEvents > 0 {
		pipe.LTrim(ctx, eventLogKey, 0, s.maxEvents-1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("conveyor/redis: append event: %w", err)
	}
	return nil
}

// RecentEvents returns up to limit events, newest first. Entries that do
// not decode are skipped and logged.
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]*joblog.Event, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	raw, err := s.client.LRange(ctx, eventLogKey, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: recent events: %w", err)
	}

	events := make([]*joblog.Event, 0, len(raw))
	for _, r := range raw {
		var e joblog.Event
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			s.logger.Warn("skipping undecodable job event", "error", err)
			continue
		}
		events = append(events, &e)
	}
	return events, nil
}
