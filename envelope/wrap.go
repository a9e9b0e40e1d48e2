package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Option configures an envelope built by Wrap.
type Option func(*Envelope)

// WithCorrelationID ties the envelope to an upstream request or saga.
func WithCorrelationID(id string) Option {
	return func(e *Envelope) { e.CorrelationID = id }
}

// WithIdempotencyKey sets the key handlers use to deduplicate side effects.
func WithIdempotencyKey(key string) Option {
	return func(e *Envelope) { e.IdempotencyKey = key }
}

// WithMaxAttempts overrides the queue policy's retry budget for this
// envelope only.
func WithMaxAttempts(n int) Option {
	return func(e *Envelope) { e.MaxAttempts = &n }
}

// WithCreatedAt overrides the creation timestamp.
func WithCreatedAt(t time.Time) Option {
	return func(e *Envelope) { e.CreatedAt = t.UTC() }
}

// Wrap builds a fresh envelope around payload. The payload is marshaled
// to JSON unless it already is raw JSON.
func Wrap(action Action, payload any, opts ...Option) (*Envelope, error) {
	if !action.Valid() {
		return nil, fmt.Errorf("envelope: wrap: unknown action %q", action)
	}

	var raw json.RawMessage
	switch p := payload.(type) {
	case json.RawMessage:
		raw = p
	case []byte:
		raw = json.RawMessage(p)
	case nil:
		raw = json.RawMessage("{}")
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("envelope: wrap %s payload: %w", action, err)
		}
		raw = b
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("envelope: wrap %s: payload is not valid JSON", action)
	}

	e := &Envelope{
		ID:        uuid.New(),
		Action:    action,
		CreatedAt: time.Now().UTC(),
		Payload:   raw,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.MaxAttempts != nil && *e.MaxAttempts < 0 {
		return nil, fmt.Errorf("envelope: wrap %s: max attempts must not be negative", action)
	}
	return e, nil
}

// MustWrap is like Wrap but panics on error. Intended for tests and
// static payloads.
func MustWrap(action Action, payload any, opts ...Option) *Envelope {
	e, err := Wrap(action, payload, opts...)
	if err != nil {
		panic(err)
	}
	return e
}
