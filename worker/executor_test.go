package worker_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asqrzk/conveyor"
	"github.com/asqrzk/conveyor/backoff"
	"github.com/asqrzk/conveyor/dlq"
	"github.com/asqrzk/conveyor/envelope"
	"github.com/asqrzk/conveyor/ext"
	"github.com/asqrzk/conveyor/job"
	"github.com/asqrzk/conveyor/middleware"
	"github.com/asqrzk/conveyor/queue"
	"github.com/asqrzk/conveyor/store/memory"
	"github.com/asqrzk/conveyor/worker"
)

const testQueue = "q:sub:subscription_update"

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type recorder struct {
	mu        sync.Mutex
	acked     int
	retrying  int
	contended int
	failed    []*dlq.Entry
}

func (r *recorder) Name() string { return "recorder" }

func (r *recorder) OnEnvelopeAcked(context.Context, string, *envelope.Envelope, time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acked++
	return nil
}

func (r *recorder) OnEnvelopeRetrying(context.Context, string, *envelope.Envelope, time.Time, error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retrying++
	return nil
}

func (r *recorder) OnEnvelopeFailed(_ context.Context, _ string, entry *dlq.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, entry)
	return nil
}

func (r *recorder) OnLockContended(context.Context, string, *envelope.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contended++
	return nil
}

func (r *recorder) contendedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.contended
}

func (r *recorder) ackedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.acked
}

type fixture struct {
	store    *memory.Store
	manager  *queue.Manager
	registry *job.Registry
	executor *worker.Executor
	rec      *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.Default()
	store := memory.New(memory.WithClock(func() time.Time { return testNow }))
	rec := &recorder{}
	extensions := ext.NewRegistry(logger)
	extensions.Register(rec)

	manager := queue.NewManager(store,
		queue.WithExtensions(extensions),
		queue.WithClock(func() time.Time { return testNow }),
		queue.WithPolicy(conveyor.QueueTrialPayment, backoff.Policy{
			MaxRetries: 3, BaseDelay: time.Minute, Multiplier: 2,
			MaxDelay: 10 * time.Minute, Jitter: 5 * time.Second, LockTTL: 2 * time.Minute,
		}),
	)
	registry := job.NewRegistry()
	executor := worker.NewExecutor(manager, registry, extensions, logger,
		worker.WithClock(func() time.Time { return testNow }),
		worker.WithMiddleware(middleware.Recover(logger)),
	)
	return &fixture{store: store, manager: manager, registry: registry, executor: executor, rec: rec}
}

// claim enqueues e and claims it back, returning the processing member.
func (f *fixture) claim(t *testing.T, e *envelope.Envelope) []byte {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.manager.Enqueue(ctx, testQueue, e))
	raw, err := f.manager.Claim(ctx, testQueue, 0)
	require.NoError(t, err)
	require.NotNil(t, raw)
	return raw
}

func (f *fixture) stats(t *testing.T) queue.Stats {
	t.Helper()
	st, err := f.manager.Stats(context.Background(), testQueue)
	require.NoError(t, err)
	return st
}

func (f *fixture) failedEntries(t *testing.T) []*dlq.Entry {
	t.Helper()
	entries, err := dlq.NewService(f.store, nil).List(context.Background(), testQueue, dlq.ListOpts{})
	require.NoError(t, err)
	return entries
}

// ──────────────────────────────────────────────────
// Outcomes
// ──────────────────────────────────────────────────

func TestExecutor_SuccessAcks(t *testing.T) {
	f := newFixture(t)
	var seen *job.Delivery
	f.registry.Register(testQueue, envelope.ActionUpgrade, func(_ context.Context, d *job.Delivery) error {
		seen = d
		return nil
	})

	e := envelope.MustWrap(envelope.ActionUpgrade, map[string]int{"plan": 3})
	raw := f.claim(t, e)

	state, err := f.executor.Process(context.Background(), testQueue, raw, "w1")
	require.NoError(t, err)
	assert.Equal(t, worker.StateAcked, state)

	require.NotNil(t, seen)
	assert.Equal(t, e.ID, seen.Envelope.ID)
	assert.Equal(t, "w1", seen.Owner)
	assert.Equal(t, testQueue, seen.Queue)

	st := f.stats(t)
	assert.Zero(t, st.Main+st.Processing+st.Delayed+st.Failed)
	assert.Equal(t, 1, f.rec.ackedCount())
}

func TestExecutor_RetryableErrorDelays(t *testing.T) {
	f := newFixture(t)
	f.registry.Register(testQueue, envelope.ActionRenewal, func(context.Context, *job.Delivery) error {
		return conveyor.Retryable(errors.New("gateway timeout"))
	})

	e := envelope.MustWrap(envelope.ActionRenewal, nil)
	raw := f.claim(t, e)

	state, err := f.executor.Process(context.Background(), testQueue, raw, "w1")
	require.NoError(t, err)
	assert.Equal(t, worker.StateDelayed, state)

	members := f.store.DelayedMembers(testQueue)
	require.Len(t, members, 1)
	next, err := envelope.Parse(members[0])
	require.NoError(t, err)
	assert.Equal(t, e.ID, next.ID)
	assert.Equal(t, 1, next.Attempts)

	readyAt, ok := f.store.DelayedScore(testQueue, members[0])
	require.True(t, ok)
	delay := readyAt.Sub(testNow)
	assert.GreaterOrEqual(t, delay, 59*time.Second)
	assert.LessOrEqual(t, delay, 71*time.Second)

	assert.Equal(t, int64(0), f.stats(t).Processing)
	assert.Equal(t, 1, f.rec.retrying)
}

func TestExecutor_PlainErrorIsRetryable(t *testing.T) {
	f := newFixture(t)
	f.registry.Register(testQueue, envelope.ActionRenewal, func(context.Context, *job.Delivery) error {
		return errors.New("connection reset")
	})

	state, err := f.executor.Process(context.Background(), testQueue,
		f.claim(t, envelope.MustWrap(envelope.ActionRenewal, nil)), "w1")
	require.NoError(t, err)
	assert.Equal(t, worker.StateDelayed, state)
}

func TestExecutor_ExhaustedMovesToFailed(t *testing.T) {
	f := newFixture(t)
	f.registry.Register(testQueue, envelope.ActionRenewal, func(context.Context, *job.Delivery) error {
		return errors.New("still down")
	})

	e := envelope.MustWrap(envelope.ActionRenewal, nil, envelope.WithMaxAttempts(2))
	e.Attempts = 2
	raw := f.claim(t, e)

	state, err := f.executor.Process(context.Background(), testQueue, raw, "w1")
	require.NoError(t, err)
	assert.Equal(t, worker.StateFailed, state)

	entries := f.failedEntries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, dlq.ReasonExhausted, entries[0].Reason)
	assert.Equal(t, "still down", entries[0].Error)
	require.NotNil(t, entries[0].Envelope)
	assert.Equal(t, 3, entries[0].Envelope.Attempts)
	assert.True(t, entries[0].FailedAt.Equal(testNow))
	assert.Empty(t, f.store.DelayedMembers(testQueue))
	require.Len(t, f.rec.failed, 1)
}

func TestExecutor_FatalErrorSkipsRetry(t *testing.T) {
	f := newFixture(t)
	f.registry.Register(testQueue, envelope.ActionRefund, func(context.Context, *job.Delivery) error {
		return conveyor.Fatal(errors.New("card declined"))
	})

	state, err := f.executor.Process(context.Background(), testQueue,
		f.claim(t, envelope.MustWrap(envelope.ActionRefund, nil)), "w1")
	require.NoError(t, err)
	assert.Equal(t, worker.StateFailed, state)

	entries := f.failedEntries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, dlq.ReasonFatal, entries[0].Reason)
	assert.Equal(t, 1, entries[0].Envelope.Attempts)
	assert.Empty(t, f.store.DelayedMembers(testQueue))
}

func TestExecutor_MissingHandlerIsFatal(t *testing.T) {
	f := newFixture(t)

	state, err := f.executor.Process(context.Background(), testQueue,
		f.claim(t, envelope.MustWrap(envelope.ActionCancellation, nil)), "w1")
	require.NoError(t, err)
	assert.Equal(t, worker.StateFailed, state)

	entries := f.failedEntries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, dlq.ReasonFatal, entries[0].Reason)
	assert.Contains(t, entries[0].Error, conveyor.ErrNoHandler.Error())
}

func TestExecutor_AnyActionHandler(t *testing.T) {
	f := newFixture(t)
	called := false
	f.registry.Register(testQueue, job.AnyAction, func(context.Context, *job.Delivery) error {
		called = true
		return nil
	})

	state, err := f.executor.Process(context.Background(), testQueue,
		f.claim(t, envelope.MustWrap(envelope.ActionDowngrade, nil)), "w1")
	require.NoError(t, err)
	assert.Equal(t, worker.StateAcked, state)
	assert.True(t, called)
}

func TestExecutor_PanicIsRetried(t *testing.T) {
	f := newFixture(t)
	f.registry.Register(testQueue, envelope.ActionRenewal, func(context.Context, *job.Delivery) error {
		panic("nil map")
	})

	state, err := f.executor.Process(context.Background(), testQueue,
		f.claim(t, envelope.MustWrap(envelope.ActionRenewal, nil)), "w1")
	require.NoError(t, err)
	assert.Equal(t, worker.StateDelayed, state)
}

func TestExecutor_PanicWithoutRecoverMiddleware(t *testing.T) {
	f := newFixture(t)
	bare := worker.NewExecutor(f.manager, f.registry, nil, nil,
		worker.WithClock(func() time.Time { return testNow }))
	f.registry.Register(testQueue, envelope.ActionRenewal, func(context.Context, *job.Delivery) error {
		panic("boom")
	})

	state, err := bare.Process(context.Background(), testQueue,
		f.claim(t, envelope.MustWrap(envelope.ActionRenewal, nil)), "w1")
	require.NoError(t, err)
	assert.Equal(t, worker.StateDelayed, state)
}

// ──────────────────────────────────────────────────
// Claim edge cases
// ──────────────────────────────────────────────────

func TestExecutor_UndecodableMovesToFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.manager.EnqueueRaw(ctx, testQueue, []byte("not an envelope")))
	raw, err := f.manager.Claim(ctx, testQueue, 0)
	require.NoError(t, err)

	state, err := f.executor.Process(ctx, testQueue, raw, "w1")
	require.NoError(t, err)
	assert.Equal(t, worker.StateFailed, state)

	entries := f.failedEntries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, dlq.ReasonDecode, entries[0].Reason)
	assert.Equal(t, "not an envelope", entries[0].Raw)
	assert.False(t, entries[0].Replayable())
	assert.Zero(t, f.stats(t).Processing)
}

func TestExecutor_BarePayloadIsHandled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var got *envelope.Envelope
	f.registry.Register(testQueue, envelope.ActionPaymentStatus, func(_ context.Context, d *job.Delivery) error {
		got = d.Envelope
		return nil
	})
	require.NoError(t, f.manager.EnqueueRaw(ctx, testQueue,
		[]byte(`{"action":"payment_status","transaction_id":"tx_1"}`)))
	raw, err := f.manager.Claim(ctx, testQueue, 0)
	require.NoError(t, err)

	state, err := f.executor.Process(ctx, testQueue, raw, "w1")
	require.NoError(t, err)
	assert.Equal(t, worker.StateAcked, state)
	require.NotNil(t, got)
	assert.True(t, got.Synthesized)
}

func TestExecutor_LockHeldRequeues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	called := false
	f.registry.Register(testQueue, envelope.ActionRenewal, func(context.Context, *job.Delivery) error {
		called = true
		return nil
	})

	e := envelope.MustWrap(envelope.ActionRenewal, nil)
	raw := f.claim(t, e)
	res, err := f.store.Lock(ctx, testQueue, raw, e.ID.String(), "other", time.Minute)
	require.NoError(t, err)
	require.Equal(t, queue.LockAcquired, res)

	state, err := f.executor.Process(ctx, testQueue, raw, "w1")
	require.NoError(t, err)
	assert.Equal(t, worker.StateRequeued, state)
	assert.False(t, called)

	st := f.stats(t)
	assert.Equal(t, int64(1), st.Main)
	assert.Zero(t, st.Processing)
	assert.Equal(t, 1, f.rec.contended)
}

func TestExecutor_ReclaimedBeforeLock(t *testing.T) {
	f := newFixture(t)
	e := envelope.MustWrap(envelope.ActionRenewal, nil)
	raw, err := envelope.Encode(e)
	require.NoError(t, err)

	state, err := f.executor.Process(context.Background(), testQueue, raw, "w1")
	require.NoError(t, err)
	assert.Equal(t, worker.StateIdle, state)
}

func TestExecutor_ReleasesLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registry.Register(testQueue, envelope.ActionRenewal, func(context.Context, *job.Delivery) error {
		return errors.New("retry me")
	})

	e := envelope.MustWrap(envelope.ActionRenewal, nil)
	_, err := f.executor.Process(ctx, testQueue, f.claim(t, e), "w1")
	require.NoError(t, err)

	// Promote and reclaim: the lock of the first execution must be gone.
	_, err = f.manager.PumpReady(ctx, testQueue, testNow.Add(time.Hour))
	require.NoError(t, err)
	raw, err := f.manager.Claim(ctx, testQueue, 0)
	require.NoError(t, err)
	res, err := f.store.Lock(ctx, testQueue, raw, e.ID.String(), "w2", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, queue.LockAcquired, res)
}

func TestExecutor_HandlerTimeoutFromRegistration(t *testing.T) {
	f := newFixture(t)
	f.registry.RegisterWithTimeout(testQueue, envelope.ActionRenewal, 5*time.Second,
		func(_ context.Context, d *job.Delivery) error {
			if d.Timeout != 5*time.Second {
				return conveyor.Fatal(errors.New("timeout not propagated"))
			}
			return nil
		})

	state, err := f.executor.Process(context.Background(), testQueue,
		f.claim(t, envelope.MustWrap(envelope.ActionRenewal, nil)), "w1")
	require.NoError(t, err)
	assert.Equal(t, worker.StateAcked, state)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "acked", worker.StateAcked.String())
	assert.Equal(t, "requeued", worker.StateRequeued.String())
	assert.Equal(t, "state(42)", worker.State(42).String())
}
