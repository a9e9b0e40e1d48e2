// Package id defines the prefix-qualified identifiers conveyor assigns to
// its own entities. Envelope ids are UUIDs chosen by producers and are not
// covered here.
//
// IDs are TypeIDs of the form "prefix_suffix": K-sortable (UUIDv7-based),
// globally unique and URL-safe.
package id

import (
	"fmt"

	"go.jetify.com/typeid/v2"
)

// Prefix identifies the entity type encoded in an ID.
type Prefix string

// Prefix constants for conveyor entity types.
const (
	PrefixWorker Prefix = "wkr"
	PrefixEvent  Prefix = "evt"
)

// ID is a prefix-qualified identifier.
//
//nolint:recvcheck // Value receivers for read-only methods, pointer receiver for UnmarshalText.
type ID struct {
	inner typeid.TypeID
	valid bool
}

// Nil is the zero-value ID.
var Nil ID

// New generates a new globally unique ID with the given prefix.
// It panics if prefix is not a valid TypeID prefix.
func New(prefix Prefix) ID {
	tid, err := typeid.Generate(string(prefix))
	if err != nil {
		panic(fmt.Sprintf("id: invalid prefix %q: %v", prefix, err))
	}
	return ID{inner: tid, valid: true}
}

// Parse parses an ID string such as "wkr_01h2xcejqtf2nbrexx3vqjhp41".
func Parse(s string) (ID, error) {
	if s == "" {
		return Nil, fmt.Errorf("id: parse %q: empty string", s)
	}
	tid, err := typeid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("id: parse %q: %w", s, err)
	}
	if tid.Prefix() == "" {
		return Nil, fmt.Errorf("id: parse %q: missing prefix", s)
	}
	return ID{inner: tid, valid: true}, nil
}

// ParseWithPrefix parses s and validates that its prefix matches expected.
func ParseWithPrefix(s string, expected Prefix) (ID, error) {
	parsed, err := Parse(s)
	if err != nil {
		return Nil, err
	}
	if parsed.Prefix() != expected {
		return Nil, fmt.Errorf("id: expected prefix %q, got %q", expected, parsed.Prefix())
	}
	return parsed, nil
}

// String returns the "prefix_suffix" form, or "" for Nil.
func (i ID) String() string {
	if !i.valid {
		return ""
	}
	return i.inner.String()
}

// Prefix returns the entity prefix.
func (i ID) Prefix() Prefix {
	if !i.valid {
		return ""
	}
	return Prefix(i.inner.Prefix())
}

// IsNil reports whether i is the zero value.
func (i ID) IsNil() bool { return !i.valid }

// MarshalText implements encoding.TextMarshaler.
func (i ID) MarshalText() ([]byte, error) { return []byte(i.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (i *ID) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*i = Nil
		return nil
	}
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}

// NewWorkerID generates a new worker ID. A worker ID is the owner value
// written into every lock the worker takes.
func NewWorkerID() ID { return New(PrefixWorker) }

// NewEventID generates a new job log event ID.
func NewEventID() ID { return New(PrefixEvent) }
