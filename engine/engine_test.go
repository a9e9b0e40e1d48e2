package engine_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asqrzk/conveyor"
	"github.com/asqrzk/conveyor/backoff"
	"github.com/asqrzk/conveyor/dlq"
	"github.com/asqrzk/conveyor/engine"
	"github.com/asqrzk/conveyor/envelope"
	"github.com/asqrzk/conveyor/job"
	"github.com/asqrzk/conveyor/joblog"
	"github.com/asqrzk/conveyor/store/memory"
)

// ──────────────────────────────────────────────────
// Test payloads
// ──────────────────────────────────────────────────

type planChange struct {
	SubscriptionID string `json:"subscription_id"`
	NewPlanID      int    `json:"new_plan_id"`
}

func fastConfig() conveyor.Config {
	cfg := conveyor.DefaultConfig()
	cfg.ClaimTimeout = 20 * time.Millisecond
	cfg.PumpInterval = 10 * time.Millisecond
	cfg.SweepInterval = 0
	cfg.HealthInterval = 0
	cfg.ShutdownTimeout = 2 * time.Second
	return cfg
}

func newEngine(t *testing.T, opts ...engine.Option) (*engine.Engine, *memory.Store) {
	t.Helper()
	s := memory.New()
	opts = append([]engine.Option{engine.WithConfig(fastConfig())}, opts...)
	eng, err := engine.New(s, opts...)
	require.NoError(t, err)
	return eng, s
}

func stop(t *testing.T, eng *engine.Engine) {
	t.Helper()
	require.NoError(t, eng.Stop(context.Background()))
}

// ──────────────────────────────────────────────────
// Construction
// ──────────────────────────────────────────────────

func TestNew_RequiresStore(t *testing.T) {
	_, err := engine.New(nil)
	assert.ErrorIs(t, err, conveyor.ErrNoStore)
}

func TestNew_RejectsInvalidPolicy(t *testing.T) {
	cfg := conveyor.DefaultConfig()
	cfg.Queues[0].Policy.Multiplier = 0.5

	_, err := engine.New(memory.New(), engine.WithConfig(cfg))
	assert.ErrorIs(t, err, conveyor.ErrInvalidPolicy)
}

func TestNew_RejectsInvalidQueueName(t *testing.T) {
	cfg := conveyor.DefaultConfig()
	cfg.Queues = append(cfg.Queues, conveyor.QueueConfig{Name: "emails", Policy: backoff.DefaultPolicy()})

	_, err := engine.New(memory.New(), engine.WithConfig(cfg))
	assert.ErrorIs(t, err, conveyor.ErrInvalidQueueName)
}

func TestRegister_UnknownQueue(t *testing.T) {
	eng, _ := newEngine(t)
	err := eng.Register("q:sub:unknown", envelope.ActionRenewal, func(context.Context, *job.Delivery) error { return nil })
	assert.ErrorIs(t, err, conveyor.ErrQueueNotConfigured)
}

func TestEnqueue_UnknownQueue(t *testing.T) {
	eng, _ := newEngine(t)
	_, err := eng.Enqueue(context.Background(), "q:sub:unknown", envelope.ActionRenewal, nil)
	assert.ErrorIs(t, err, conveyor.ErrQueueNotConfigured)
}

// ──────────────────────────────────────────────────
// End-to-end: Register → Enqueue → Process
// ──────────────────────────────────────────────────

func TestEngine_EndToEnd_TypedHandler(t *testing.T) {
	eng, _ := newEngine(t)

	got := make(chan planChange, 1)
	def := job.NewDefinition(conveyor.QueuePlanChange, envelope.ActionUpgrade,
		func(_ context.Context, _ *job.Delivery, p planChange) error {
			got <- p
			return nil
		})
	require.NoError(t, engine.Register(eng, def))

	ctx := context.Background()
	require.NoError(t, eng.Start(ctx))
	defer stop(t, eng)

	_, err := eng.Enqueue(ctx, conveyor.QueuePlanChange, envelope.ActionUpgrade,
		planChange{SubscriptionID: "sub_1", NewPlanID: 3},
		envelope.WithCorrelationID("req-9"))
	require.NoError(t, err)

	select {
	case p := <-got:
		assert.Equal(t, "sub_1", p.SubscriptionID)
		assert.Equal(t, 3, p.NewPlanID)
	case <-time.After(2 * time.Second):
		t.Fatal("handler not called")
	}
}

func TestEngine_RetryThenSucceed(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	var offset atomic.Int64
	clock := func() time.Time { return base.Add(time.Duration(offset.Load())) }

	s := memory.New(memory.WithClock(clock))
	eng, err := engine.New(s, engine.WithConfig(fastConfig()), engine.WithClock(clock))
	require.NoError(t, err)

	var calls atomic.Int32
	require.NoError(t, eng.Register(conveyor.QueuePaymentInitiation, envelope.ActionInitial,
		func(_ context.Context, d *job.Delivery) error {
			if calls.Add(1) == 1 {
				return conveyor.Retryable(errors.New("gateway unavailable"))
			}
			if d.Attempts() != 1 {
				return conveyor.Fatal(errors.New("attempts not carried"))
			}
			return nil
		}))

	ctx := context.Background()
	require.NoError(t, eng.Start(ctx))
	defer stop(t, eng)

	_, err = eng.Enqueue(ctx, conveyor.QueuePaymentInitiation, envelope.ActionInitial, map[string]int{"amount": 100})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		st, err := eng.Manager().Stats(ctx, conveyor.QueuePaymentInitiation)
		return err == nil && st.Delayed == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Past the first retry delay (60s plus up to 10s jitter).
	offset.Store(int64(2 * time.Minute))

	assert.Eventually(t, func() bool { return calls.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		st, err := eng.Manager().Stats(ctx, conveyor.QueuePaymentInitiation)
		return err == nil && st.Main+st.Processing+st.Delayed+st.Failed == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestEngine_FatalGoesToDLQAndReplays(t *testing.T) {
	eng, _ := newEngine(t)

	var fail atomic.Bool
	fail.Store(true)
	require.NoError(t, eng.Register(conveyor.QueueSubscriptionUpdate, job.AnyAction,
		func(context.Context, *job.Delivery) error {
			if fail.Load() {
				return conveyor.Fatal(errors.New("subscription not found"))
			}
			return nil
		}))

	ctx := context.Background()
	require.NoError(t, eng.Start(ctx))
	defer stop(t, eng)

	e, err := eng.Enqueue(ctx, conveyor.QueueSubscriptionUpdate, envelope.ActionPaymentStatus, map[string]string{"status": "success"})
	require.NoError(t, err)

	var entries []*dlq.Entry
	require.Eventually(t, func() bool {
		entries, err = eng.DLQ().List(ctx, conveyor.QueueSubscriptionUpdate, dlq.ListOpts{})
		return err == nil && len(entries) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, dlq.ReasonFatal, entries[0].Reason)
	assert.Contains(t, entries[0].Error, "subscription not found")

	fail.Store(false)
	replayed, err := eng.DLQ().Replay(ctx, conveyor.QueueSubscriptionUpdate, e.ID)
	require.NoError(t, err)
	assert.Zero(t, replayed.Attempts)

	assert.Eventually(t, func() bool {
		st, err := eng.Manager().Stats(ctx, conveyor.QueueSubscriptionUpdate)
		return err == nil && st.Main+st.Processing+st.Failed == 0
	}, 2*time.Second, 5*time.Millisecond)
}

// ──────────────────────────────────────────────────
// Usage write-behind
// ──────────────────────────────────────────────────

func TestEngine_UseSyncsDurableCounter(t *testing.T) {
	durable := memory.New()
	eng, _ := newEngine(t, engine.WithUsageStore(durable))

	ctx := context.Background()
	require.NoError(t, eng.Start(ctx))
	defer stop(t, eng)

	for range 3 {
		res, err := eng.Use(ctx, 11, "api_calls", 2, 5)
		require.NoError(t, err)
		if !res.Allowed {
			assert.Equal(t, int64(4), res.Usage)
			assert.ErrorIs(t, res.Err(), conveyor.ErrLimitExceeded)
		}
	}

	assert.Eventually(t, func() bool {
		rec, err := durable.UsageRecord(ctx, 11, "api_calls")
		return err == nil && rec.Count == 4
	}, 2*time.Second, 5*time.Millisecond)
}

// ──────────────────────────────────────────────────
// Job log and lifecycle
// ──────────────────────────────────────────────────

func TestEngine_JobLogRecordsTransitions(t *testing.T) {
	sink := memory.New()
	eng, _ := newEngine(t, engine.WithJobLog(sink))
	require.NoError(t, eng.Register(conveyor.QueuePlanChange, envelope.ActionDowngrade,
		func(context.Context, *job.Delivery) error { return nil }))

	ctx := context.Background()
	require.NoError(t, eng.Start(ctx))
	defer stop(t, eng)

	_, err := eng.Enqueue(ctx, conveyor.QueuePlanChange, envelope.ActionDowngrade, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		events, err := sink.RecentEvents(ctx, 0)
		return err == nil && len(events) == 3
	}, 2*time.Second, 5*time.Millisecond)

	events, err := sink.RecentEvents(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, joblog.StatusSuccess, events[0].Status)
	assert.Equal(t, joblog.StatusProcessing, events[1].Status)
	assert.Equal(t, joblog.StatusEnqueued, events[2].Status)
}

func TestEngine_StartStopIdempotent(t *testing.T) {
	eng, _ := newEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.Stop(ctx), "stop before start is a no-op")
	require.NoError(t, eng.Start(ctx))
	require.NoError(t, eng.Start(ctx))
	require.NoError(t, eng.Stop(ctx))
	require.NoError(t, eng.Stop(ctx))
}

func TestEngine_Stats(t *testing.T) {
	eng, _ := newEngine(t)
	ctx := context.Background()

	_, err := eng.Enqueue(ctx, conveyor.QueueTrialPayment, envelope.ActionTrial, nil)
	require.NoError(t, err)

	stats, err := eng.Stats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, len(eng.Config().Queues))
	for _, st := range stats {
		if st.Queue == conveyor.QueueTrialPayment {
			assert.Equal(t, int64(1), st.Main)
		}
	}
}
