package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/asqrzk/conveyor"
	"github.com/asqrzk/conveyor/backoff"
	"github.com/asqrzk/conveyor/dlq"
	"github.com/asqrzk/conveyor/envelope"
	"github.com/asqrzk/conveyor/ext"
)

// Manager owns the queue topology: it knows each queue's policy and
// performs every transition between a queue's lists through the Store.
type Manager struct {
	store      Store
	policies   map[string]backoff.Policy
	fallback   backoff.Policy
	strict     bool
	extensions *ext.Registry
	logger     *slog.Logger
	now        func() time.Time
	pumpBatch  int
	sweepBatch int
}

// Option configures a Manager.
type Option func(*Manager)

// WithPolicy sets the policy of one queue.
func WithPolicy(queue string, p backoff.Policy) Option {
	return func(m *Manager) { m.policies[queue] = p }
}

// WithPolicies sets the policies of several queues.
func WithPolicies(policies map[string]backoff.Policy) Option {
	return func(m *Manager) {
		for q, p := range policies {
			m.policies[q] = p
		}
	}
}

// WithDefaultPolicy sets the policy used for queues without an override.
func WithDefaultPolicy(p backoff.Policy) Option {
	return func(m *Manager) { m.fallback = p }
}

// WithStrictQueues makes operations on queues without an explicit policy
// fail with conveyor.ErrQueueNotConfigured.
func WithStrictQueues() Option {
	return func(m *Manager) { m.strict = true }
}

// WithExtensions sets the registry notified of transitions.
func WithExtensions(r *ext.Registry) Option {
	return func(m *Manager) { m.extensions = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock sets the time source used for failure timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithPumpBatch caps how many delayed envelopes one pump moves.
func WithPumpBatch(n int) Option {
	return func(m *Manager) { m.pumpBatch = n }
}

// WithSweepBatch caps how many processing members one sweep inspects.
func WithSweepBatch(n int) Option {
	return func(m *Manager) { m.sweepBatch = n }
}

// NewManager creates a Manager over store.
func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:      store,
		policies:   make(map[string]backoff.Policy),
		fallback:   backoff.DefaultPolicy(),
		logger:     slog.Default(),
		now:        func() time.Time { return time.Now().UTC() },
		pumpBatch:  100,
		sweepBatch: 500,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.extensions == nil {
		m.extensions = ext.NewRegistry(m.logger)
	}
	return m
}

// Store returns the underlying store.
func (m *Manager) Store() Store { return m.store }

// Policy returns the policy of queue.
func (m *Manager) Policy(queue string) backoff.Policy {
	if p, ok := m.policies[queue]; ok {
		return p
	}
	return m.fallback
}

// check validates the queue name and, in strict mode, that the queue has
// a policy.
func (m *Manager) check(queue string) error {
	if err := ValidateName(queue); err != nil {
		return err
	}
	if m.strict {
		if _, ok := m.policies[queue]; !ok {
			return fmt.Errorf("%w: %s", conveyor.ErrQueueNotConfigured, queue)
		}
	}
	return nil
}

// ──────────────────────────────────────────────────
// Producer side
// ──────────────────────────────────────────────────

// Enqueue pushes e onto the main list of queue.
func (m *Manager) Enqueue(ctx context.Context, queue string, e *envelope.Envelope) error {
	if err := m.check(queue); err != nil {
		return err
	}
	raw, err := envelope.Encode(e)
	if err != nil {
		return err
	}
	if err := m.store.Push(ctx, queue, raw); err != nil {
		return fmt.Errorf("queue: enqueue %s on %s: %w", e.ID, queue, err)
	}
	m.extensions.EmitEnqueued(ctx, queue, e)
	return nil
}

// EnqueueRaw pushes an already-encoded member, as foreign producers do.
// The member is not validated; undecodable input ends on the failed list.
func (m *Manager) EnqueueRaw(ctx context.Context, queue string, member []byte) error {
	if err := m.check(queue); err != nil {
		return err
	}
	if err := m.store.Push(ctx, queue, member); err != nil {
		return fmt.Errorf("queue: enqueue raw on %s: %w", queue, err)
	}
	return nil
}

// ──────────────────────────────────────────────────
// Worker side
// ──────────────────────────────────────────────────

// Claim moves the oldest envelope of queue into processing, blocking up
// to timeout. It returns nil when the queue stayed empty.
func (m *Manager) Claim(ctx context.Context, queue string, timeout time.Duration) ([]byte, error) {
	if err := m.check(queue); err != nil {
		return nil, err
	}
	raw, err := m.store.Claim(ctx, queue, timeout)
	if err != nil {
		return nil, fmt.Errorf("queue: claim %s: %w", queue, err)
	}
	return raw, nil
}

// Lock takes ownership of a claimed envelope for the queue's lock TTL.
func (m *Manager) Lock(ctx context.Context, queue string, raw []byte, e *envelope.Envelope, owner string) (LockResult, error) {
	res, err := m.store.Lock(ctx, queue, raw, e.ID.String(), owner, m.Policy(queue).LockTTL)
	if err != nil {
		return LockHeld, fmt.Errorf("queue: lock %s on %s: %w", e.ID, queue, err)
	}
	return res, nil
}

// Unlock releases the lock of e if owner still holds it.
func (m *Manager) Unlock(ctx context.Context, queue string, e *envelope.Envelope, owner string) error {
	released, err := m.store.Unlock(ctx, queue, e.ID.String(), owner)
	if err != nil {
		return fmt.Errorf("queue: unlock %s on %s: %w", e.ID, queue, err)
	}
	if !released {
		m.logger.Warn("lock expired before release",
			slog.String("queue", queue),
			slog.String("envelope_id", e.ID.String()),
			slog.String("owner", owner),
		)
	}
	return nil
}

// Ack removes a successfully handled envelope from processing.
func (m *Manager) Ack(ctx context.Context, queue string, raw []byte) (bool, error) {
	return m.resolve(ctx, queue, raw, Drop())
}

// Delay moves raw from processing into the delayed set as next, ready at
// readyAt.
func (m *Manager) Delay(ctx context.Context, queue string, raw []byte, next *envelope.Envelope, readyAt time.Time) (bool, error) {
	member, err := envelope.Encode(next)
	if err != nil {
		return false, err
	}
	return m.resolve(ctx, queue, raw, ToDelayed(member, readyAt))
}

// Fail moves raw from processing onto the failed list as entry.
func (m *Manager) Fail(ctx context.Context, queue string, raw []byte, entry *dlq.Entry) (bool, error) {
	member, err := dlq.Encode(entry)
	if err != nil {
		return false, err
	}
	ok, err := m.resolve(ctx, queue, raw, ToFailed(member))
	if ok {
		m.extensions.EmitFailed(ctx, queue, entry)
	}
	return ok, err
}

// Requeue moves raw from processing back onto the main list untouched.
func (m *Manager) Requeue(ctx context.Context, queue string, raw []byte) (bool, error) {
	return m.resolve(ctx, queue, raw, ToMain(raw))
}

func (m *Manager) resolve(ctx context.Context, queue string, raw []byte, route Route) (bool, error) {
	ok, err := m.store.Resolve(ctx, queue, raw, route)
	if err != nil {
		return false, fmt.Errorf("queue: resolve to %s on %s: %w", route.Target, queue, err)
	}
	return ok, nil
}

// ──────────────────────────────────────────────────
// Maintenance
// ──────────────────────────────────────────────────

// PumpReady promotes delayed envelopes of queue whose ready-at is at or
// before now onto the main list. Re-running it never duplicates. Each
// promoted envelope is reported to the EnvelopeReady hooks; members that
// do not decode are moved but not reported.
func (m *Manager) PumpReady(ctx context.Context, queue string, now time.Time) (int, error) {
	if err := ValidateName(queue); err != nil {
		return 0, err
	}
	moved, err := m.store.PumpReady(ctx, queue, now, m.pumpBatch)
	if err != nil {
		return 0, fmt.Errorf("queue: pump %s: %w", queue, err)
	}
	if len(moved) == 0 {
		return 0, nil
	}
	for _, raw := range moved {
		e, err := envelope.Parse(raw)
		if err != nil {
			continue
		}
		m.extensions.EmitReady(ctx, queue, e)
	}
	m.logger.Debug("promoted delayed envelopes",
		slog.String("queue", queue),
		slog.Int("count", len(moved)),
	)
	m.extensions.EmitPumped(ctx, queue, len(moved))
	return len(moved), nil
}

// Stats returns the depth of each list of queue.
func (m *Manager) Stats(ctx context.Context, queue string) (Stats, error) {
	if err := ValidateName(queue); err != nil {
		return Stats{}, err
	}
	s, err := m.store.Stats(ctx, queue)
	if err != nil {
		return Stats{}, fmt.Errorf("queue: stats %s: %w", queue, err)
	}
	return s, nil
}

// Peek returns up to n envelopes of queue in claim order without
// removing them. Members that do not decode are skipped.
func (m *Manager) Peek(ctx context.Context, queue string, n int) ([]*envelope.Envelope, error) {
	if err := ValidateName(queue); err != nil {
		return nil, err
	}
	members, err := m.store.Peek(ctx, queue, n)
	if err != nil {
		return nil, fmt.Errorf("queue: peek %s: %w", queue, err)
	}
	out := make([]*envelope.Envelope, 0, len(members))
	for _, raw := range members {
		e, err := envelope.Parse(raw)
		if err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
