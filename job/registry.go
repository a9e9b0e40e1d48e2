package job

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/asqrzk/conveyor"
	"github.com/asqrzk/conveyor/envelope"
)

// AnyAction registers a handler for every action of a queue that has no
// handler of its own.
const AnyAction envelope.Action = "*"

// HandlerFunc is a type-erased handler. Its error is classified with
// conveyor.Classify: nil acknowledges, a FatalError fails the envelope
// immediately, anything else is retried while the budget allows.
type HandlerFunc func(ctx context.Context, d *Delivery) error

// Registration is a handler together with its execution options.
type Registration struct {
	Queue   string
	Action  envelope.Action
	Handler HandlerFunc
	Timeout time.Duration
}

type key struct {
	queue  string
	action envelope.Action
}

// Registry maps (queue, action) pairs to handlers.
// It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[key]Registration
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[key]Registration)}
}

// Register adds h for action on queue, replacing any previous handler.
func (r *Registry) Register(queue string, action envelope.Action, h HandlerFunc) {
	r.add(Registration{Queue: queue, Action: action, Handler: h})
}

// RegisterWithTimeout is Register with an execution deadline.
func (r *Registry) RegisterWithTimeout(queue string, action envelope.Action, timeout time.Duration, h HandlerFunc) {
	r.add(Registration{Queue: queue, Action: action, Handler: h, Timeout: timeout})
}

func (r *Registry) add(reg Registration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[key{reg.Queue, reg.Action}] = reg
}

// RegisterTyped registers a typed definition. The payload is decoded into
// T before the handler runs; a payload that does not decode can never
// succeed and is reported as a FatalError.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func RegisterTyped[T any](r *Registry, def *Definition[T]) {
	h := func(ctx context.Context, d *Delivery) error {
		var payload T
		if err := d.Envelope.Decode(&payload); err != nil {
			return conveyor.Fatal(fmt.Errorf("decode %s payload: %w", d.Envelope.Action, err))
		}
		return def.Handler(ctx, d, payload)
	}
	r.add(Registration{Queue: def.Queue, Action: def.Action, Handler: h, Timeout: def.Timeout})
}

// Lookup returns the handler for action on queue, falling back to the
// queue's AnyAction handler.
func (r *Registry) Lookup(queue string, action envelope.Action) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if reg, ok := r.handlers[key{queue, action}]; ok {
		return reg, true
	}
	reg, ok := r.handlers[key{queue, AnyAction}]
	return reg, ok
}

// Queues returns the distinct queues that have at least one handler,
// sorted by name.
func (r *Registry) Queues() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	for k := range r.handlers {
		seen[k.queue] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for q := range seen {
		out = append(out, q)
	}
	sort.Strings(out)
	return out
}

// Actions returns the actions registered on queue, sorted.
func (r *Registry) Actions(queue string) []envelope.Action {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []envelope.Action
	for k := range r.handlers {
		if k.queue == queue {
			out = append(out, k.action)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
