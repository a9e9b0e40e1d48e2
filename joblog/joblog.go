// Package joblog records an append-only event for every envelope
// transition: enqueue, claim, success, retry, failure, reclaim and lock
// contention. Events fan out to one or more [Sink]s; the engine wires
// the Redis list, the Postgres table and the process log.
package joblog

import (
	"context"
	"time"

	"github.com/asqrzk/conveyor/id"
)

// Status is the transition an event records.
type Status string

const (
	StatusEnqueued   Status = "enqueued"
	StatusProcessing Status = "processing"
	StatusSuccess    Status = "success"
	StatusRetry      Status = "retry"
	StatusFailed     Status = "failed"
	StatusReclaimed  Status = "reclaimed"
	StatusRequeued   Status = "requeued"
	StatusReady      Status = "ready"
)

// Event is one job log record.
type Event struct {
	ID             id.ID      `json:"id"`
	Queue          string     `json:"queue"`
	EnvelopeID     string     `json:"envelope_id,omitempty"`
	Action         string     `json:"action,omitempty"`
	Status         Status     `json:"status"`
	Attempts       int        `json:"attempts"`
	CorrelationID  string     `json:"correlation_id,omitempty"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
	Error          string     `json:"error,omitempty"`
	NextRetryAt    *time.Time `json:"next_retry_at,omitempty"`
	DurationMS     int64      `json:"duration_ms,omitempty"`
	Timestamp      time.Time  `json:"timestamp"`
}

// Sink persists job log events.
type Sink interface {
	Append(ctx context.Context, e *Event) error
}

// Reader returns recent events, newest first.
type Reader interface {
	RecentEvents(ctx context.Context, limit int) ([]*Event, error)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e *Event) error

// Append implements Sink.
func (f SinkFunc) Append(ctx context.Context, e *Event) error { return f(ctx, e) }
