package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// synthesizedNamespace seeds the deterministic ids of synthesized
// envelopes, so parsing the same bare payload twice yields the same id.
var synthesizedNamespace = uuid.MustParse("8c0f6a4e-2b1d-4f7a-9e3c-5d6b7a8f9e01")

// DecodeError is returned when a raw queue member is neither a valid
// envelope nor a bare JSON object payload. Such input is moved to the
// failed list without consuming an attempt.
type DecodeError struct {
	Raw    []byte
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("envelope: decode: %s: %v", e.Reason, e.Err)
	}
	return "envelope: decode: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsDecodeError reports whether err is or wraps a *DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// wire mirrors Envelope with lenient field types. Producers written in
// other languages emit naive timestamps and occasionally null counters.
type wire struct {
	ID             string          `json:"id"`
	Action         string          `json:"action"`
	CorrelationID  *string         `json:"correlation_id"`
	IdempotencyKey *string         `json:"idempotency_key"`
	CreatedAt      json.RawMessage `json:"created_at"`
	Attempts       *int            `json:"attempts"`
	MaxAttempts    *int            `json:"max_attempts"`
	Payload        json.RawMessage `json:"payload"`
	Synthesized    bool            `json:"synthesized"`
}

// Parse decodes a raw queue member. A JSON object carrying id, action and
// payload is read as an envelope and validated strictly. Any other JSON
// object is a bare payload and is synthesized into an envelope with
// zero attempts. Everything else is a *DecodeError.
func Parse(raw []byte) (*Envelope, error) {
	return parseAt(raw, time.Now().UTC())
}

func parseAt(raw []byte, now time.Time) (*Envelope, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, &DecodeError{Raw: raw, Reason: "empty message"}
	}
	if trimmed[0] != '{' {
		return nil, &DecodeError{Raw: raw, Reason: "message is not a JSON object"}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, &DecodeError{Raw: raw, Reason: "malformed JSON", Err: err}
	}

	if isEnvelopeShape(fields) {
		return parseEnvelope(raw, trimmed)
	}
	return synthesize(trimmed, fields, now), nil
}

func isEnvelopeShape(fields map[string]json.RawMessage) bool {
	for _, k := range []string{"id", "action", "payload"} {
		if _, ok := fields[k]; !ok {
			return false
		}
	}
	return true
}

func parseEnvelope(raw, trimmed []byte) (*Envelope, error) {
	var w wire
	if err := json.Unmarshal(trimmed, &w); err != nil {
		return nil, &DecodeError{Raw: raw, Reason: "malformed envelope", Err: err}
	}

	id, err := uuid.Parse(w.ID)
	if err != nil {
		return nil, &DecodeError{Raw: raw, Reason: "invalid envelope id", Err: err}
	}
	action, err := ParseAction(w.Action)
	if err != nil {
		return nil, &DecodeError{Raw: raw, Reason: "unknown action", Err: err}
	}
	createdAt, err := parseTimestamp(w.CreatedAt)
	if err != nil {
		return nil, &DecodeError{Raw: raw, Reason: "invalid created_at", Err: err}
	}

	e := &Envelope{
		ID:          id,
		Action:      action,
		CreatedAt:   createdAt,
		Payload:     w.Payload,
		Synthesized: w.Synthesized,
	}
	if w.CorrelationID != nil {
		e.CorrelationID = *w.CorrelationID
	}
	if w.IdempotencyKey != nil {
		e.IdempotencyKey = *w.IdempotencyKey
	}
	if w.Attempts != nil {
		if *w.Attempts < 0 {
			return nil, &DecodeError{Raw: raw, Reason: "negative attempts"}
		}
		e.Attempts = *w.Attempts
	}
	if w.MaxAttempts != nil {
		if *w.MaxAttempts < 0 {
			return nil, &DecodeError{Raw: raw, Reason: "negative max_attempts"}
		}
		n := *w.MaxAttempts
		e.MaxAttempts = &n
	}
	return e, nil
}

func synthesize(trimmed []byte, fields map[string]json.RawMessage, now time.Time) *Envelope {
	e := &Envelope{
		ID:          uuid.NewSHA1(synthesizedNamespace, trimmed),
		Action:      ActionUnknown,
		CreatedAt:   now,
		Payload:     append(json.RawMessage(nil), trimmed...),
		Synthesized: true,
	}
	if s, ok := stringField(fields, "action"); ok {
		if a := Action(s); a.Valid() {
			e.Action = a
		}
	}
	if s, ok := stringField(fields, "correlation_id"); ok {
		e.CorrelationID = s
	}
	if s, ok := stringField(fields, "idempotency_key"); ok {
		e.IdempotencyKey = s
	}
	return e
}

func stringField(fields map[string]json.RawMessage, key string) (string, bool) {
	v, ok := fields[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil || s == "" {
		return "", false
	}
	return s, true
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// parseTimestamp accepts RFC 3339, naive ISO 8601 (read as UTC) and unix
// seconds. A missing or null value yields the zero time.
func parseTimestamp(v json.RawMessage) (time.Time, error) {
	v = bytes.TrimSpace(v)
	if len(v) == 0 || bytes.Equal(v, []byte("null")) {
		return time.Time{}, nil
	}
	if v[0] != '"' {
		secs, err := strconv.ParseFloat(string(v), 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.UnixMilli(int64(secs * 1000)).UTC(), nil
	}

	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return time.Time{}, err
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
