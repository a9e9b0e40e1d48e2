package queue

import (
	"errors"
	"testing"

	"github.com/asqrzk/conveyor"
)

func TestKeysFor(t *testing.T) {
	k, err := KeysFor("q:sub:plan_change")
	if err != nil {
		t.Fatalf("KeysFor: %v", err)
	}
	want := Keys{
		Main:       "q:sub:plan_change",
		Processing: "q:sub:plan_change:processing",
		Delayed:    "q:sub:plan_change:delayed",
		Failed:     "q:sub:plan_change:failed",
	}
	if k != want {
		t.Errorf("KeysFor = %+v, want %+v", k, want)
	}
}

func TestLockKey(t *testing.T) {
	got := LockKey("q:sub:trial_payment", "42")
	if got != "lock:sub:trial_payment:42" {
		t.Errorf("LockKey = %q, want %q", got, "lock:sub:trial_payment:42")
	}
}

func TestValidateName(t *testing.T) {
	valid := []string{"q:sub:usage_sync", "q:pay:subscription_update", "q:a:b"}
	for _, name := range valid {
		if err := ValidateName(name); err != nil {
			t.Errorf("ValidateName(%q) = %v, want nil", name, err)
		}
	}

	invalid := []string{
		"", "default", "q:sub", "q::x", "q:sub:", "x:sub:name",
		"q:sub:name:processing", "q:sub:has space",
	}
	for _, name := range invalid {
		err := ValidateName(name)
		if !errors.Is(err, conveyor.ErrInvalidQueueName) {
			t.Errorf("ValidateName(%q) = %v, want ErrInvalidQueueName", name, err)
		}
	}
}
