package sweeper_test

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asqrzk/conveyor"
	"github.com/asqrzk/conveyor/envelope"
	"github.com/asqrzk/conveyor/queue"
	"github.com/asqrzk/conveyor/store/memory"
	"github.com/asqrzk/conveyor/sweeper"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func setup(t *testing.T, opts ...sweeper.Option) (*sweeper.Maintainer, *queue.Manager, *memory.Store, *clock) {
	t.Helper()
	clk := &clock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	store := memory.New(memory.WithClock(clk.Now))
	cfg := conveyor.DefaultConfig()
	manager := queue.NewManager(store,
		queue.WithPolicies(cfg.Policies()),
		queue.WithClock(clk.Now),
	)
	opts = append([]sweeper.Option{sweeper.WithClock(clk.Now)}, opts...)
	return sweeper.New(manager, cfg.QueueNames(), opts...), manager, store, clk
}

// TestSweep_OrphanReturnsAfterCrash walks an envelope claimed by a worker
// that died holding its lock: the sweep before expiry leaves it alone, the
// sweep after expiry delays it with one attempt charged, and the pump
// brings it back to main.
func TestSweep_OrphanReturnsAfterCrash(t *testing.T) {
	m, manager, store, clk := setup(t)
	ctx := context.Background()
	q := conveyor.QueueTrialPayment

	e := envelope.MustWrap(envelope.ActionTrial, map[string]string{"subscription_id": "sub_1"})
	require.NoError(t, manager.Enqueue(ctx, q, e))
	raw, err := manager.Claim(ctx, q, 0)
	require.NoError(t, err)
	res, err := manager.Lock(ctx, q, raw, e, "crashed-worker")
	require.NoError(t, err)
	require.Equal(t, queue.LockAcquired, res)

	clk.Advance(60 * time.Second)
	assert.Zero(t, m.Sweep(ctx), "lock still live")

	clk.Advance(70 * time.Second)
	assert.Equal(t, 1, m.Sweep(ctx))

	st, err := manager.Stats(ctx, q)
	require.NoError(t, err)
	assert.Zero(t, st.Processing)
	assert.Equal(t, int64(1), st.Delayed)

	members := store.DelayedMembers(q)
	require.Len(t, members, 1)
	next, err := envelope.Parse(members[0])
	require.NoError(t, err)
	assert.Equal(t, 1, next.Attempts)

	assert.Zero(t, m.Pump(ctx), "not ready yet")
	clk.Advance(2 * time.Minute)
	assert.Equal(t, 1, m.Pump(ctx))
	assert.Zero(t, m.Pump(ctx), "pump is idempotent")

	st, err = manager.Stats(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Main)
	assert.Zero(t, st.Delayed)
}

func TestCheckHealth_HighWaterMark(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	m, manager, _, _ := setup(t, sweeper.WithHighWaterMark(2), sweeper.WithLogger(logger))
	ctx := context.Background()

	for range 3 {
		require.NoError(t, manager.Enqueue(ctx, conveyor.QueuePlanChange, envelope.MustWrap(envelope.ActionUpgrade, nil)))
	}
	require.NoError(t, manager.Enqueue(ctx, conveyor.QueueUsageSync, envelope.MustWrap(envelope.ActionUsageSync, nil)))

	backed := m.CheckHealth(ctx)
	require.Len(t, backed, 1)
	assert.Equal(t, conveyor.QueuePlanChange, backed[0].Queue)
	assert.Equal(t, int64(3), backed[0].Main)
	assert.Contains(t, buf.String(), "queue depth above high-water mark")
}

func TestMaintainer_StartStop(t *testing.T) {
	m, manager, _, clk := setup(t,
		sweeper.WithPumpInterval(10*time.Millisecond),
		sweeper.WithSweepInterval(10*time.Millisecond),
		sweeper.WithHealthInterval(0),
	)
	ctx := context.Background()
	q := conveyor.QueuePlanChange

	e := envelope.MustWrap(envelope.ActionUpgrade, nil)
	require.NoError(t, manager.Enqueue(ctx, q, e))
	raw, err := manager.Claim(ctx, q, 0)
	require.NoError(t, err)
	require.NotNil(t, raw)

	require.NoError(t, m.Start(ctx))
	require.NoError(t, m.Start(ctx), "second start is a no-op")

	// Unlocked and in processing: the sweep loop reclaims it, and once the
	// clock passes the retry delay the pump loop returns it to main.
	assert.Eventually(t, func() bool {
		st, err := manager.Stats(ctx, q)
		return err == nil && st.Delayed == 1
	}, time.Second, 5*time.Millisecond)

	clk.Advance(2 * time.Hour)
	assert.Eventually(t, func() bool {
		st, err := manager.Stats(ctx, q)
		return err == nil && st.Main == 1
	}, time.Second, 5*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, m.Stop(stopCtx))
	require.NoError(t, m.Stop(stopCtx))
}
