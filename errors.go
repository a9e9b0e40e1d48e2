package conveyor

import (
	"errors"
	"fmt"
)

var (
	// Store errors.
	ErrNoStore     = errors.New("conveyor: no store configured")
	ErrStoreClosed = errors.New("conveyor: store closed")

	// Queue errors.
	ErrInvalidQueueName   = errors.New("conveyor: invalid queue name")
	ErrQueueNotConfigured = errors.New("conveyor: queue not configured")
	ErrInvalidPolicy      = errors.New("conveyor: invalid queue policy")

	// Execution errors.
	ErrNoHandler      = errors.New("conveyor: no handler registered")
	ErrLockContention = errors.New("conveyor: envelope lock held by another worker")
	ErrOrphanReclaim  = errors.New("conveyor: envelope reclaimed from processing without a lock")

	// Not found errors.
	ErrFailedEntryNotFound = errors.New("conveyor: failed entry not found")
	ErrCounterNotFound     = errors.New("conveyor: usage counter not found")

	// Usage errors.
	ErrLimitExceeded  = errors.New("conveyor: usage limit exceeded")
	ErrInvalidDelta   = errors.New("conveyor: usage delta must be positive")
	ErrInvalidLimit   = errors.New("conveyor: usage limit out of range")
	ErrInvalidFeature = errors.New("conveyor: usage feature must not be empty")
)

// Outcome is the classification of a handler result.
type Outcome int

const (
	// OutcomeSuccess means the envelope is acknowledged and removed.
	OutcomeSuccess Outcome = iota
	// OutcomeRetry means the failure counts against the retry budget.
	OutcomeRetry
	// OutcomeFatal means the envelope goes straight to the failed list.
	OutcomeFatal
)

// String returns the outcome name used in logs.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetry:
		return "retry"
	case OutcomeFatal:
		return "fatal"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// RetryableError marks a handler failure as transient. Any error that is
// not a FatalError is treated as retryable, so wrapping is only needed to
// make the intent explicit.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return "retryable: " + e.Err.Error() }

func (e *RetryableError) Unwrap() error { return e.Err }

// FatalError marks a handler failure as permanent. The envelope is moved
// to the failed list without consuming further attempts.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return "fatal: " + e.Err.Error() }

func (e *FatalError) Unwrap() error { return e.Err }

// Retryable wraps err as a RetryableError. A nil err returns nil.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// Fatal wraps err as a FatalError. A nil err returns nil.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// IsFatal reports whether err or any error it wraps is a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// Classify maps a handler result onto the closed set of outcomes.
// A FatalError anywhere in the chain wins over an outer RetryableError.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case IsFatal(err):
		return OutcomeFatal
	default:
		return OutcomeRetry
	}
}
