package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/asqrzk/conveyor/queue"
)

// Push adds member to the head of the main list.
func (s *Store) Push(ctx context.Context, name string, member []byte) error {
	k, err := keysFor(name)
	if err != nil {
		return err
	}
	if err := s.client.LPush(ctx, k.Main, member).Err(); err != nil {
		return fmt.Errorf("conveyor/redis: push: %w", err)
	}
	return nil
}

// Claim moves the rightmost main member to the left of processing with
// BLMOVE, waiting up to timeout. A non-positive timeout does not wait.
func (s *Store) Claim(ctx context.Context, name string, timeout time.Duration) ([]byte, error) {
	k, err := keysFor(name)
	if err != nil {
		return nil, err
	}

	var cmd *goredis.StringCmd
	if timeout > 0 {
		cmd = s.client.BLMove(ctx, k.Main, k.Processing, "RIGHT", "LEFT", timeout)
	} else {
		cmd = s.client.LMove(ctx, k.Main, k.Processing, "RIGHT", "LEFT")
	}
	raw, err := cmd.Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: claim: %w", err)
	}
	return raw, nil
}

// Lock takes the lock of id for owner while member is in processing.
func (s *Store) Lock(ctx context.Context, name string, member []byte, id, owner string, ttl time.Duration) (queue.LockResult, error) {
	k, err := keysFor(name)
	if err != nil {
		return queue.LockHeld, err
	}
	res, err := lockScript.Run(ctx, s.client,
		[]string{k.Processing, queue.LockKey(name, id)},
		member, owner, ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return queue.LockHeld, fmt.Errorf("conveyor/redis: lock: %w", err)
	}
	switch res {
	case 1:
		return queue.LockAcquired, nil
	case 0:
		return queue.LockGone, nil
	default:
		return queue.LockHeld, nil
	}
}

// Unlock deletes the lock of id if owner still holds it.
func (s *Store) Unlock(ctx context.Context, name, id, owner string) (bool, error) {
	n, err := unlockScript.Run(ctx, s.client, []string{queue.LockKey(name, id)}, owner).Int64()
	if err != nil {
		return false, fmt.Errorf("conveyor/redis: unlock: %w", err)
	}
	return n == 1, nil
}

// Resolve removes member from processing and applies route.
func (s *Store) Resolve(ctx context.Context, name string, member []byte, route queue.Route) (bool, error) {
	return s.move(ctx, "resolve", name, member, "", route)
}

// Reclaim is Resolve guarded by the absence of the lock of id.
func (s *Store) Reclaim(ctx context.Context, name string, member []byte, id string, route queue.Route) (bool, error) {
	return s.move(ctx, "reclaim", name, member, id, route)
}

func (s *Store) move(ctx context.Context, op, name string, member []byte, id string, route queue.Route) (bool, error) {
	k, err := keysFor(name)
	if err != nil {
		return false, err
	}
	target, kind := targetKey(k, route.Target)

	lockKey, guard := k.Processing, "0"
	if id != "" {
		lockKey, guard = queue.LockKey(name, id), "1"
	}

	readyAt := "0"
	if route.Target == queue.TargetDelayed {
		readyAt = score(route.ReadyAt)
	}
	replacement := route.Member
	if replacement == nil {
		replacement = []byte{}
	}

	n, err := resolveScript.Run(ctx, s.client,
		[]string{k.Processing, target, lockKey},
		member, kind, replacement, readyAt, guard,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("conveyor/redis: %s: %w", op, err)
	}
	return n == 1, nil
}

// PumpReady moves up to limit ready delayed members onto main and
// returns them.
func (s *Store) PumpReady(ctx context.Context, name string, now time.Time, limit int) ([][]byte, error) {
	k, err := keysFor(name)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	members, err := pumpScript.Run(ctx, s.client,
		[]string{k.Delayed, k.Main},
		score(now), strconv.Itoa(limit),
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: pump: %w", err)
	}
	out := make([][]byte, 0, len(members))
	for _, m := range members {
		out = append(out, []byte(m))
	}
	return out, nil
}

// ProcessingMembers returns up to limit members of processing, oldest
// claims first.
func (s *Store) ProcessingMembers(ctx context.Context, name string, limit int) ([][]byte, error) {
	k, err := keysFor(name)
	if err != nil {
		return nil, err
	}
	start := int64(0)
	if limit > 0 {
		start = -int64(limit)
	}
	members, err := s.client.LRange(ctx, k.Processing, start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: processing members: %w", err)
	}
	out := make([][]byte, 0, len(members))
	for i := len(members) - 1; i >= 0; i-- {
		out = append(out, []byte(members[i]))
	}
	return out, nil
}

// Peek returns up to n main members, next to be claimed first.
func (s *Store) Peek(ctx context.Context, name string, n int) ([][]byte, error) {
	k, err := keysFor(name)
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		return [][]byte{}, nil
	}
	members, err := s.client.LRange(ctx, k.Main, -int64(n), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: peek: %w", err)
	}
	out := make([][]byte, 0, len(members))
	for i := len(members) - 1; i >= 0; i-- {
		out = append(out, []byte(members[i]))
	}
	return out, nil
}

// Stats returns the depth of each list of the queue in one round trip.
func (s *Store) Stats(ctx context.Context, name string) (queue.Stats, error) {
	k, err := keysFor(name)
	if err != nil {
		return queue.Stats{}, err
	}

	pipe := s.client.Pipeline()
	mainLen := pipe.LLen(ctx, k.Main)
	procLen := pipe.LLen(ctx, k.Processing)
	delayedLen := pipe.ZCard(ctx, k.Delayed)
	failedLen := pipe.LLen(ctx, k.Failed)
	if _, err := pipe.Exec(ctx); err != nil {
		return queue.Stats{}, fmt.Errorf("conveyor/redis: stats: %w", err)
	}

	return queue.Stats{
		Queue:      name,
		Main:       mainLen.Val(),
		Processing: procLen.Val(),
		Delayed:    delayedLen.Val(),
		Failed:     failedLen.Val(),
	}, nil
}
