package job

import (
	"time"

	"github.com/asqrzk/conveyor/envelope"
)

// Delivery is one locked execution of an envelope. Handlers and
// middleware receive it; the processing-list member it came from stays
// with the worker.
type Delivery struct {
	// Queue is the queue the envelope was claimed from.
	Queue string

	// Envelope is the decoded envelope. Handlers must treat it as
	// read-only.
	Envelope *envelope.Envelope

	// Owner is the worker id holding the envelope's lock.
	Owner string

	// ClaimedAt is when the worker took the lock.
	ClaimedAt time.Time

	// Timeout is the handler's own execution deadline, zero if unset.
	Timeout time.Duration
}

// Action returns the envelope's action.
func (d *Delivery) Action() envelope.Action { return d.Envelope.Action }

// Attempts returns the number of failed executions before this one.
func (d *Delivery) Attempts() int { return d.Envelope.Attempts }
