package redis

import (
	"context"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/asqrzk/conveyor/store"
)

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithMaxEvents caps the job event log list. Zero keeps every event.
func WithMaxEvents(n int64) Option {
	return func(s *Store) { s.maxEvents = n }
}

// Store implements the queue, failed-list, usage-counter and event-log
// capabilities on Redis.
type Store struct {
	client    goredis.Cmdable
	logger    *slog.Logger
	maxEvents int64
}

// New creates a new Redis-backed store. The caller owns the Redis client
// lifecycle.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{client: client, logger: slog.Default(), maxEvents: 10000}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Client returns the underlying Redis client.
func (s *Store) Client() goredis.Cmdable { return s.client }

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("conveyor/redis: ping: %w", err)
	}
	return nil
}

// Close is a no-op; the caller owns the Redis client lifecycle.
func (s *Store) Close() error { return nil }
