// Package store defines the aggregate persistence interfaces. Each
// subsystem (queue, dlq, usage, joblog) defines its own store interface;
// the composites here group them by backend role.
package store

import (
	"context"

	"github.com/asqrzk/conveyor/dlq"
	"github.com/asqrzk/conveyor/joblog"
	"github.com/asqrzk/conveyor/queue"
	"github.com/asqrzk/conveyor/usage"
)

// Store is the hot backend: queues, locks, failed lists, usage counters
// and the capped job log. Redis and Memory implement it.
type Store interface {
	queue.Store
	dlq.Store
	usage.Counters
	joblog.Sink
	joblog.Reader

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Close releases the store. It does not close a client passed in by
	// the caller.
	Close() error
}

// Durable is the system of record: the user_usage table and the full job
// log. Postgres and Memory implement it.
type Durable interface {
	usage.Store
	joblog.Sink
	joblog.Reader

	// Migrate applies pending schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Close closes the connection pool.
	Close() error
}
