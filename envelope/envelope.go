// Package envelope defines the wire format carried by every queue and the
// codec that turns raw queue members into envelopes.
//
// Producers in other services do not always wrap their messages, so Parse
// accepts both a full envelope and a bare JSON object payload. Bare
// payloads are synthesized into an envelope once, at ingress; nothing
// downstream of Parse ever sees the raw form again.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Action identifies what an envelope asks its handler to do. The set is
// closed: envelopes with an unknown action do not decode.
type Action string

const (
	ActionInitial       Action = "initial"
	ActionTrial         Action = "trial"
	ActionRenewal       Action = "renewal"
	ActionUpgrade       Action = "upgrade"
	ActionDowngrade     Action = "downgrade"
	ActionRefund        Action = "refund"
	ActionUsageSync     Action = "usage_sync"
	ActionPaymentStatus Action = "payment_status"
	ActionCancellation  Action = "cancellation"

	// ActionUnknown is only assigned to synthesized envelopes whose bare
	// payload did not name a known action.
	ActionUnknown Action = "unknown"
)

var actions = []Action{
	ActionInitial,
	ActionTrial,
	ActionRenewal,
	ActionUpgrade,
	ActionDowngrade,
	ActionRefund,
	ActionUsageSync,
	ActionPaymentStatus,
	ActionCancellation,
}

// Actions returns the closed set of actions a producer may send.
func Actions() []Action {
	out := make([]Action, len(actions))
	copy(out, actions)
	return out
}

// Valid reports whether a is a member of the closed action set.
func (a Action) Valid() bool {
	for _, known := range actions {
		if a == known {
			return true
		}
	}
	return false
}

func (a Action) String() string { return string(a) }

// ParseAction converts s into an Action, rejecting unknown names.
func ParseAction(s string) (Action, error) {
	a := Action(s)
	if !a.Valid() {
		return "", fmt.Errorf("envelope: unknown action %q", s)
	}
	return a, nil
}

// Envelope is the unit of work moved between queues.
type Envelope struct {
	ID             uuid.UUID       `json:"id"`
	Action         Action          `json:"action"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    *int            `json:"max_attempts,omitempty"`
	Payload        json.RawMessage `json:"payload"`

	// Synthesized is set when the envelope was built from a bare payload.
	Synthesized bool `json:"synthesized,omitempty"`
}

// Clone returns a deep copy of e.
func (e *Envelope) Clone() *Envelope {
	cp := *e
	if e.MaxAttempts != nil {
		n := *e.MaxAttempts
		cp.MaxAttempts = &n
	}
	if e.Payload != nil {
		cp.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	return &cp
}

// WithAttempts returns a copy of e with the attempt counter replaced.
// Attempts never decrease through normal processing; only an operator
// replay starts an envelope over at zero.
func (e *Envelope) WithAttempts(n int) *Envelope {
	cp := e.Clone()
	cp.Attempts = n
	return cp
}

// Decode unmarshals the payload into v.
func (e *Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("envelope: decode %s payload: %w", e.Action, err)
	}
	return nil
}

// Encode serializes e into its wire form.
func Encode(e *Envelope) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("envelope: encode %s: %w", e.ID, err)
	}
	return b, nil
}
