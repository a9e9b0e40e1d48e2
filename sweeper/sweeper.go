// Package sweeper runs the periodic maintenance of the queues: promoting
// ready delayed envelopes back to main, reclaiming orphans whose lock has
// expired, and warning when a main list backs up.
//
// Every tick is idempotent. Several processes may run a Maintainer over
// the same queues; the store operations they share are atomic, so the
// only cost of overlap is wasted work.
package sweeper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/asqrzk/conveyor/queue"
)

// Maintainer ticks the pump, the sweeper and the health check over a set
// of queues.
type Maintainer struct {
	manager        *queue.Manager
	queues         []string
	pumpInterval   time.Duration
	sweepInterval  time.Duration
	healthInterval time.Duration
	highWaterMark  int64
	logger         *slog.Logger
	now            func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures a Maintainer.
type Option func(*Maintainer)

// WithPumpInterval sets how often delayed envelopes are promoted.
func WithPumpInterval(d time.Duration) Option {
	return func(m *Maintainer) { m.pumpInterval = d }
}

// WithSweepInterval sets how often processing lists are scanned.
func WithSweepInterval(d time.Duration) Option {
	return func(m *Maintainer) { m.sweepInterval = d }
}

// WithHealthInterval sets how often main-list depths are checked. Zero
// disables the check.
func WithHealthInterval(d time.Duration) Option {
	return func(m *Maintainer) { m.healthInterval = d }
}

// WithHighWaterMark sets the main-list depth that triggers a warning.
func WithHighWaterMark(n int64) Option {
	return func(m *Maintainer) { m.highWaterMark = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Maintainer) { m.logger = l }
}

// WithClock sets the time source passed to pump and sweep.
func WithClock(now func() time.Time) Option {
	return func(m *Maintainer) { m.now = now }
}

// New creates a Maintainer for queues.
func New(manager *queue.Manager, queues []string, opts ...Option) *Maintainer {
	m := &Maintainer{
		manager:        manager,
		queues:         queues,
		pumpInterval:   5 * time.Second,
		sweepInterval:  20 * time.Second,
		healthInterval: 5 * time.Minute,
		highWaterMark:  1000,
		logger:         slog.Default(),
		now:            func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ──────────────────────────────────────────────────
// Single passes
// ──────────────────────────────────────────────────

// Pump promotes ready delayed envelopes of every queue and returns the
// total moved. A failing queue is logged and skipped.
func (m *Maintainer) Pump(ctx context.Context) int {
	now := m.now()
	total := 0
	for _, q := range m.queues {
		n, err := m.manager.PumpReady(ctx, q, now)
		if err != nil {
			m.logger.Error("pump failed",
				slog.String("queue", q),
				slog.String("error", err.Error()),
			)
			continue
		}
		total += n
	}
	return total
}

// Sweep reclaims orphans from every queue and returns the total moved.
func (m *Maintainer) Sweep(ctx context.Context) int {
	now := m.now()
	total := 0
	for _, q := range m.queues {
		n, err := m.manager.Sweep(ctx, q, now)
		if err != nil {
			m.logger.Error("sweep failed",
				slog.String("queue", q),
				slog.String("error", err.Error()),
			)
			continue
		}
		if n > 0 {
			m.logger.Info("sweep reclaimed orphans",
				slog.String("queue", q),
				slog.Int("count", n),
			)
		}
		total += n
	}
	return total
}

// CheckHealth returns the stats of every queue whose main list exceeds
// the high-water mark, logging a warning for each.
func (m *Maintainer) CheckHealth(ctx context.Context) []queue.Stats {
	var backed []queue.Stats
	for _, q := range m.queues {
		st, err := m.manager.Stats(ctx, q)
		if err != nil {
			m.logger.Error("queue health check failed",
				slog.String("queue", q),
				slog.String("error", err.Error()),
			)
			continue
		}
		if m.highWaterMark > 0 && st.Main > m.highWaterMark {
			m.logger.Warn("queue depth above high-water mark",
				slog.String("queue", q),
				slog.Int64("main", st.Main),
				slog.Int64("processing", st.Processing),
				slog.Int64("delayed", st.Delayed),
				slog.Int64("failed", st.Failed),
				slog.Int64("high_water_mark", m.highWaterMark),
			)
			backed = append(backed, st)
		}
	}
	return backed
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Start launches the tick loops. It returns immediately.
func (m *Maintainer) Start(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}
	m.running = true

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	m.loop(ctx, "pump", m.pumpInterval, func(ctx context.Context) { m.Pump(ctx) })
	m.loop(ctx, "sweep", m.sweepInterval, func(ctx context.Context) { m.Sweep(ctx) })
	m.loop(ctx, "health", m.healthInterval, func(ctx context.Context) { m.CheckHealth(ctx) })

	m.logger.Info("maintenance started",
		slog.Int("queues", len(m.queues)),
		slog.Duration("pump_interval", m.pumpInterval),
		slog.Duration("sweep_interval", m.sweepInterval),
	)
	return nil
}

// Stop ends the tick loops and waits for a running tick to finish or ctx
// to end.
func (m *Maintainer) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	m.cancel()
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Maintainer) loop(ctx context.Context, name string, interval time.Duration, tick func(context.Context)) {
	if interval <= 0 {
		m.logger.Debug("maintenance loop disabled", slog.String("loop", name))
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				tick(ctx)
			}
		}
	}()
}
