package queue

import (
	"fmt"
	"strings"

	"github.com/asqrzk/conveyor"
)

// Key layout for a queue named q:<domain>:<name>:
//
//	q:<domain>:<name>              main list, producers LPUSH, workers take from the right
//	q:<domain>:<name>:processing   claimed, not yet resolved
//	q:<domain>:<name>:delayed      sorted set scored by ready-at (unix seconds)
//	q:<domain>:<name>:failed       terminal failures, newest first
//	lock:<domain>:<name>:<id>      ownership of one claimed envelope

const (
	queuePrefix = "q"
	lockPrefix  = "lock"
)

// Keys holds the four keys of one queue.
type Keys struct {
	Main       string
	Processing string
	Delayed    string
	Failed     string
}

// KeysFor returns the keys of the named queue.
func KeysFor(name string) (Keys, error) {
	if err := ValidateName(name); err != nil {
		return Keys{}, err
	}
	return Keys{
		Main:       name,
		Processing: name + ":processing",
		Delayed:    name + ":delayed",
		Failed:     name + ":failed",
	}, nil
}

// MustKeys is like KeysFor but panics on an invalid name.
func MustKeys(name string) Keys {
	k, err := KeysFor(name)
	if err != nil {
		panic(err)
	}
	return k
}

// LockKey returns the lock key of envelope id on the named queue.
func LockKey(name, id string) string {
	return lockPrefix + ":" + strings.TrimPrefix(name, queuePrefix+":") + ":" + id
}

// ValidateName checks that name has the form q:<domain>:<name>.
func ValidateName(name string) error {
	parts := strings.Split(name, ":")
	if len(parts) != 3 || parts[0] != queuePrefix {
		return fmt.Errorf("%w: %q is not q:<domain>:<name>", conveyor.ErrInvalidQueueName, name)
	}
	for _, p := range parts[1:] {
		if p == "" || strings.ContainsAny(p, " \t\r\n") {
			return fmt.Errorf("%w: %q", conveyor.ErrInvalidQueueName, name)
		}
	}
	return nil
}
