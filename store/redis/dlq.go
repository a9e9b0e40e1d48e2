package redis

import (
	"context"
	"fmt"
)

// FailedMembers returns failed members, newest first.
func (s *Store) FailedMembers(ctx context.Context, name string, offset, limit int) ([][]byte, error) {
	k, err := keysFor(name)
	if err != nil {
		return nil, err
	}
	stop := int64(-1)
	if limit > 0 {
		stop = int64(offset + limit - 1)
	}
	members, err := s.client.LRange(ctx, k.Failed, int64(offset), stop).Result()
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: failed members: %w", err)
	}
	out := make([][]byte, 0, len(members))
	for _, m := range members {
		out = append(out, []byte(m))
	}
	return out, nil
}

// CountFailed returns the length of the failed list.
func (s *Store) CountFailed(ctx context.Context, name string) (int64, error) {
	k, err := keysFor(name)
	if err != nil {
		return 0, err
	}
	n, err := s.client.LLen(ctx, k.Failed).Result()
	if err != nil {
		return 0, fmt.Errorf("conveyor/redis: count failed: %w", err)
	}
	return n, nil
}

// ReplayFailed removes member from failed and pushes replacement onto
// main in one script.
func (s *Store) ReplayFailed(ctx context.Context, name string, member, replacement []byte) (bool, error) {
	k, err := keysFor(name)
	if err != nil {
		return false, err
	}
	n, err := replayScript.Run(ctx, s.client, []string{k.Failed, k.Main}, member, replacement).Int64()
	if err != nil {
		return false, fmt.Errorf("conveyor/redis: replay: %w", err)
	}
	return n == 1, nil
}
