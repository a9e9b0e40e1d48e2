package dlq

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/asqrzk/conveyor/envelope"
)

// Reason records why an envelope ended up on the failed list.
type Reason string

const (
	// ReasonDecode marks input that never decoded into an envelope.
	ReasonDecode Reason = "decode"
	// ReasonFatal marks a handler failure classified as permanent.
	ReasonFatal Reason = "fatal"
	// ReasonExhausted marks an envelope whose retry budget ran out.
	ReasonExhausted Reason = "exhausted"
	// ReasonOrphanExhausted marks an envelope reclaimed from a dead
	// worker after its retry budget ran out.
	ReasonOrphanExhausted Reason = "orphan_exhausted"
)

// Entry is a member of a queue's failed list. Either Envelope or Raw is
// set: Raw only holds input that could not be decoded.
type Entry struct {
	Queue    string             `json:"queue"`
	Reason   Reason             `json:"reason"`
	Error    string             `json:"error"`
	FailedAt time.Time          `json:"failed_at"`
	Envelope *envelope.Envelope `json:"envelope,omitempty"`
	Raw      string             `json:"raw,omitempty"`

	// encoded is the exact list member this entry was decoded from.
	encoded []byte
}

// NewEntry builds a failed entry for an envelope.
func NewEntry(queue string, reason Reason, e *envelope.Envelope, cause error, now time.Time) *Entry {
	return &Entry{
		Queue:    queue,
		Reason:   reason,
		Error:    errString(cause),
		FailedAt: now.UTC(),
		Envelope: e,
	}
}

// NewRawEntry builds a failed entry for input that never decoded.
func NewRawEntry(queue string, raw []byte, cause error, now time.Time) *Entry {
	return &Entry{
		Queue:    queue,
		Reason:   ReasonDecode,
		Error:    errString(cause),
		FailedAt: now.UTC(),
		Raw:      string(raw),
	}
}

// Replayable reports whether the entry carries an envelope that can be
// put back on the main list.
func (e *Entry) Replayable() bool { return e.Envelope != nil }

// Encoded returns the list member the entry was read from, or nil for
// entries that were built in memory.
func (e *Entry) Encoded() []byte { return e.encoded }

// Encode serializes the entry into its list-member form.
func Encode(e *Entry) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("dlq: encode entry: %w", err)
	}
	return b, nil
}

// Decode parses a failed-list member. Members that are not entries are
// surfaced as raw decode entries so that nothing on the list is hidden.
func Decode(queue string, member []byte) *Entry {
	var e Entry
	if err := json.Unmarshal(member, &e); err != nil || e.Reason == "" {
		e = Entry{Queue: queue, Reason: ReasonDecode, Raw: string(member), Error: "unrecognized failed entry"}
	}
	if e.Queue == "" {
		e.Queue = queue
	}
	e.encoded = append([]byte(nil), member...)
	return &e
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
