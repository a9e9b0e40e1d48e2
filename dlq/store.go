package dlq

import "context"

// Store is the failed-list capability of a queue backend.
type Store interface {
	// FailedMembers returns members of the queue's failed list, newest
	// first, starting at offset. A limit of zero means no limit.
	FailedMembers(ctx context.Context, queue string, offset, limit int) ([][]byte, error)

	// CountFailed returns the length of the queue's failed list.
	CountFailed(ctx context.Context, queue string) (int64, error)

	// ReplayFailed atomically removes one copy of member from the failed
	// list and, only if it was present, pushes replacement onto the main
	// list. It reports whether the member was found.
	ReplayFailed(ctx context.Context, queue string, member, replacement []byte) (bool, error)
}
