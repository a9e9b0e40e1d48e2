package dlq

import (
	"context"
	"log/slog"
)

// ListOpts controls pagination for failed-list queries.
type ListOpts struct {
	// Limit is the maximum number of entries to return. Zero means no limit.
	Limit int
	// Offset is the number of entries to skip, newest first.
	Offset int
}

// Service provides inspection and replay over a Store. Failed entries are
// never purged automatically.
type Service struct {
	store  Store
	logger *slog.Logger
}

// NewService creates a failed-list service.
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// List returns failed entries of queue, newest first.
func (s *Service) List(ctx context.Context, queue string, opts ListOpts) ([]*Entry, error) {
	members, err := s.store.FailedMembers(ctx, queue, opts.Offset, opts.Limit)
	if err != nil {
		return nil, err
	}
	entries := make([]*Entry, 0, len(members))
	for _, m := range members {
		entries = append(entries, Decode(queue, m))
	}
	return entries, nil
}

// Count returns the number of failed entries of queue.
func (s *Service) Count(ctx context.Context, queue string) (int64, error) {
	return s.store.CountFailed(ctx, queue)
}
