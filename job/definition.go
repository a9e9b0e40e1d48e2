package job

import (
	"context"
	"time"

	"github.com/asqrzk/conveyor/envelope"
)

// Definition is a typed handler for one action on one queue.
// T is the payload type (must be JSON-serializable).
type Definition[T any] struct {
	// Queue is the queue the handler serves.
	Queue string

	// Action selects envelopes by their action. AnyAction matches all
	// actions without a more specific handler.
	Action envelope.Action

	// Handler processes the decoded payload.
	Handler func(ctx context.Context, d *Delivery, payload T) error

	// Timeout bounds one execution. Zero falls back to the queue's
	// lock TTL.
	Timeout time.Duration
}

// DefinitionOption configures a Definition.
type DefinitionOption func(*definitionOpts)

type definitionOpts struct {
	timeout time.Duration
}

// WithTimeout sets the execution deadline of a definition.
func WithTimeout(d time.Duration) DefinitionOption {
	return func(o *definitionOpts) { o.timeout = d }
}

// NewDefinition creates a typed handler definition.
func NewDefinition[T any](queue string, action envelope.Action, handler func(ctx context.Context, d *Delivery, payload T) error, opts ...DefinitionOption) *Definition[T] {
	var o definitionOpts
	for _, opt := range opts {
		opt(&o)
	}
	return &Definition[T]{
		Queue:   queue,
		Action:  action,
		Handler: handler,
		Timeout: o.timeout,
	}
}
