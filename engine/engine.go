// Package engine wires the conveyor subsystems together. It builds the
// queue manager, handler registry, middleware chain, worker pool,
// maintenance loops and usage limiter over one backend, and provides the
// Register, Enqueue and Use operations.
//
// This package exists to break the import cycle: the root conveyor
// package defines the error taxonomy and configuration (imported by every
// subsystem) and so cannot import those packages back.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/asqrzk/conveyor"
	"github.com/asqrzk/conveyor/dlq"
	"github.com/asqrzk/conveyor/envelope"
	"github.com/asqrzk/conveyor/ext"
	"github.com/asqrzk/conveyor/job"
	"github.com/asqrzk/conveyor/joblog"
	mw "github.com/asqrzk/conveyor/middleware"
	"github.com/asqrzk/conveyor/observability"
	"github.com/asqrzk/conveyor/queue"
	"github.com/asqrzk/conveyor/sweeper"
	"github.com/asqrzk/conveyor/usage"
	"github.com/asqrzk/conveyor/worker"
)

const instrumentationName = "github.com/asqrzk/conveyor"

// Backend is the store capability set the engine needs. The Redis and
// in-memory stores satisfy it.
type Backend interface {
	queue.Store
	dlq.Store
	usage.Counters
}

// Engine is a configured conveyor instance.
type Engine struct {
	config     conveyor.Config
	store      Backend
	logger     *slog.Logger
	extensions *ext.Registry
	exts       []ext.Extension
	registry   *job.Registry
	manager    *queue.Manager
	dlqService *dlq.Service
	limiter    *usage.Limiter
	executor   *worker.Executor
	maintainer *sweeper.Maintainer
	throttle   *queue.Throttle
	mws        []mw.Middleware
	usageStore usage.Store
	sinks      []joblog.Sink
	now        func() time.Time

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	meter          metric.Meter
	depthGauge     metric.Registration

	mu      sync.Mutex
	pool    *worker.Pool
	started bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig replaces the default configuration.
func WithConfig(cfg conveyor.Config) Option {
	return func(eng *Engine) { eng.config = cfg }
}

// WithLogger sets the logger for every subsystem.
func WithLogger(l *slog.Logger) Option {
	return func(eng *Engine) { eng.logger = l }
}

// WithExtension registers a lifecycle extension.
func WithExtension(e ext.Extension) Option {
	return func(eng *Engine) {
		eng.exts = append(eng.exts, e)
	}
}

// WithMiddleware adds middleware after the built-in chain.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) {
		eng.mws = append(eng.mws, m)
	}
}

// WithUsageStore sets the durable usage table and registers the
// usage_sync handler on the usage queue.
func WithUsageStore(s usage.Store) Option {
	return func(eng *Engine) { eng.usageStore = s }
}

// WithJobLog records every transition to the given sinks.
func WithJobLog(sinks ...joblog.Sink) Option {
	return func(eng *Engine) { eng.sinks = append(eng.sinks, sinks...) }
}

// WithClock sets the time source for retry scheduling, maintenance and
// usage periods.
func WithClock(now func() time.Time) Option {
	return func(eng *Engine) { eng.now = now }
}

// WithTracerProvider sets a custom OTel TracerProvider for the engine.
// If not set, the global otel.GetTracerProvider() is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) {
		eng.tracerProvider = tp
	}
}

// WithMeterProvider sets a custom OTel MeterProvider for the metrics
// middleware, the observability extension and the queue depth gauge.
// If not set, the global otel.GetMeterProvider() is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) {
		eng.meterProvider = mp
	}
}

// New builds an Engine over store.
func New(store Backend, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, conveyor.ErrNoStore
	}

	eng := &Engine{
		config:     conveyor.DefaultConfig(),
		store:      store,
		logger:     slog.Default(),
		registry:   job.NewRegistry(),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(eng)
	}

	if err := validate(eng.config); err != nil {
		return nil, err
	}

	tp := eng.tracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	mp := eng.meterProvider
	if mp == nil {
		mp = otel.GetMeterProvider()
	}

	eng.meter = mp.Meter(instrumentationName + "/observability")
	eng.extensions = ext.NewRegistry(eng.logger)
	eng.extensions.Register(observability.NewMetricsExtensionWithMeter(eng.meter))
	if len(eng.sinks) > 0 {
		eng.extensions.Register(joblog.NewExtension(eng.sinks...))
	}
	for _, e := range eng.exts {
		eng.extensions.Register(e)
	}

	cfg := eng.config
	eng.manager = queue.NewManager(store,
		queue.WithPolicies(cfg.Policies()),
		queue.WithStrictQueues(),
		queue.WithExtensions(eng.extensions),
		queue.WithLogger(eng.logger),
		queue.WithClock(eng.now),
		queue.WithPumpBatch(cfg.PumpBatch),
		queue.WithSweepBatch(cfg.SweepBatch),
	)
	eng.dlqService = dlq.NewService(store, eng.logger)
	eng.limiter = usage.NewLimiter(store,
		usage.WithEnqueuer(eng.manager),
		usage.WithSyncQueue(conveyor.QueueUsageSync),
		usage.WithLogger(eng.logger),
		usage.WithClock(eng.now),
	)

	// Built-in chain: recover → tracing → metrics → logging → timeout.
	chain := []mw.Middleware{
		mw.Recover(eng.logger),
		mw.TracingWithTracer(tp.Tracer(instrumentationName)),
		mw.MetricsWithMeter(mp.Meter(instrumentationName)),
		mw.Logging(eng.logger),
		mw.Timeout(eng.logger, func(q string) time.Duration { return eng.manager.Policy(q).LockTTL }),
	}
	chain = append(chain, eng.mws...)
	eng.executor = worker.NewExecutor(eng.manager, eng.registry, eng.extensions, eng.logger,
		worker.WithClock(eng.now),
		worker.WithMiddleware(chain...),
	)

	var limits []queue.Limit
	for _, q := range cfg.Queues {
		if q.RateLimit > 0 {
			limits = append(limits, queue.Limit{Name: q.Name, RateLimit: q.RateLimit, RateBurst: q.RateBurst})
		}
	}
	eng.throttle = queue.NewThrottle(limits...)

	eng.maintainer = sweeper.New(eng.manager, cfg.QueueNames(),
		sweeper.WithPumpInterval(cfg.PumpInterval),
		sweeper.WithSweepInterval(cfg.SweepInterval),
		sweeper.WithHealthInterval(cfg.HealthInterval),
		sweeper.WithHighWaterMark(cfg.HighWaterMark),
		sweeper.WithLogger(eng.logger),
		sweeper.WithClock(eng.now),
	)

	if eng.usageStore != nil {
		if _, ok := cfg.Queue(conveyor.QueueUsageSync); !ok {
			return nil, fmt.Errorf("%w: %s", conveyor.ErrQueueNotConfigured, conveyor.QueueUsageSync)
		}
		job.RegisterTyped(eng.registry, usage.NewSyncDefinition(conveyor.QueueUsageSync, eng.usageStore, eng.logger))
	}

	return eng, nil
}

func validate(cfg conveyor.Config) error {
	for _, q := range cfg.Queues {
		if err := queue.ValidateName(q.Name); err != nil {
			return err
		}
		if err := q.Policy.Validate(); err != nil {
			return fmt.Errorf("%w: %s: %w", conveyor.ErrInvalidPolicy, q.Name, err)
		}
	}
	return nil
}

// ──────────────────────────────────────────────────
// Registration
// ──────────────────────────────────────────────────

// Register adds a handler for action on a configured queue. Use
// job.AnyAction to handle every action of the queue.
func (eng *Engine) Register(queueName string, action envelope.Action, h job.HandlerFunc) error {
	if err := eng.checkQueue(queueName); err != nil {
		return err
	}
	eng.registry.Register(queueName, action, h)
	return nil
}

// Register adds a typed handler definition to eng.
func Register[T any](eng *Engine, def *job.Definition[T]) error {
	if err := eng.checkQueue(def.Queue); err != nil {
		return err
	}
	job.RegisterTyped(eng.registry, def)
	return nil
}

func (eng *Engine) checkQueue(name string) error {
	if err := queue.ValidateName(name); err != nil {
		return err
	}
	if _, ok := eng.config.Queue(name); !ok {
		return fmt.Errorf("%w: %s", conveyor.ErrQueueNotConfigured, name)
	}
	return nil
}

// ──────────────────────────────────────────────────
// Producer API
// ──────────────────────────────────────────────────

// Enqueue wraps payload into a new envelope and pushes it onto queueName.
func (eng *Engine) Enqueue(ctx context.Context, queueName string, action envelope.Action, payload any, opts ...envelope.Option) (*envelope.Envelope, error) {
	e, err := envelope.Wrap(action, payload, opts...)
	if err != nil {
		return nil, err
	}
	if err := eng.manager.Enqueue(ctx, queueName, e); err != nil {
		return nil, err
	}
	return e, nil
}

// EnqueueEnvelope pushes an already built envelope.
func (eng *Engine) EnqueueEnvelope(ctx context.Context, queueName string, e *envelope.Envelope) error {
	return eng.manager.Enqueue(ctx, queueName, e)
}

// Use is the usage admission check; see usage.Limiter.Use.
func (eng *Engine) Use(ctx context.Context, userID int64, feature string, delta, limit int64) (usage.Result, error) {
	return eng.limiter.Use(ctx, userID, feature, delta, limit)
}

// Stats returns the list depths of every configured queue.
func (eng *Engine) Stats(ctx context.Context) ([]queue.Stats, error) {
	names := eng.config.QueueNames()
	out := make([]queue.Stats, 0, len(names))
	for _, name := range names {
		st, err := eng.manager.Stats(ctx, name)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Start launches the worker pool over every configured queue that has a
// handler, and the maintenance loops over every configured queue.
func (eng *Engine) Start(ctx context.Context) error {
	eng.mu.Lock()
	defer eng.mu.Unlock()
	if eng.started {
		return nil
	}

	handled := eng.registry.Queues()
	var specs []worker.QueueSpec
	for _, q := range eng.config.Queues {
		if !slices.Contains(handled, q.Name) {
			eng.logger.Warn("no handlers registered, queue not served", slog.String("queue", q.Name))
			continue
		}
		specs = append(specs, worker.QueueSpec{Name: q.Name, Concurrency: q.Concurrency})
	}

	eng.pool = worker.NewPool(eng.manager, eng.executor, eng.logger,
		worker.WithQueues(specs...),
		worker.WithConcurrency(eng.config.Concurrency),
		worker.WithClaimTimeout(eng.config.ClaimTimeout),
		worker.WithThrottle(eng.throttle),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.maintainer.Start(gctx) })
	g.Go(func() error { return eng.pool.Start(gctx) })
	if err := g.Wait(); err != nil {
		return fmt.Errorf("conveyor: start: %w", err)
	}

	gauge, err := observability.RegisterDepthGauge(eng.meter, eng.config.QueueNames(), eng.manager.Stats)
	if err != nil {
		eng.logger.Warn("queue depth gauge unavailable", slog.String("error", err.Error()))
	}
	eng.depthGauge = gauge

	eng.started = true
	eng.logger.Info("conveyor started",
		slog.String("worker_id", eng.pool.WorkerID().String()),
		slog.Int("queues", len(specs)),
	)
	return nil
}

// Stop stops claiming, waits for in-flight envelopes up to the shutdown
// timeout, stops the maintenance loops and notifies extensions.
func (eng *Engine) Stop(ctx context.Context) error {
	eng.mu.Lock()
	defer eng.mu.Unlock()
	if !eng.started {
		return nil
	}
	eng.started = false

	if eng.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, eng.config.ShutdownTimeout)
		defer cancel()
	}

	var g errgroup.Group
	g.Go(func() error { return eng.pool.Stop(ctx) })
	g.Go(func() error { return eng.maintainer.Stop(ctx) })
	err := g.Wait()

	eng.extensions.EmitShutdown(ctx)
	if eng.depthGauge != nil {
		if uerr := eng.depthGauge.Unregister(); uerr != nil {
			eng.logger.Warn("unregister depth gauge", slog.String("error", uerr.Error()))
		}
		eng.depthGauge = nil
	}
	eng.logger.Info("conveyor stopped")
	return err
}

// ──────────────────────────────────────────────────
// Accessors
// ──────────────────────────────────────────────────

// Config returns the engine configuration.
func (eng *Engine) Config() conveyor.Config { return eng.config }

// Extensions returns the extension registry.
func (eng *Engine) Extensions() *ext.Registry { return eng.extensions }

// Registry returns the handler registry.
func (eng *Engine) Registry() *job.Registry { return eng.registry }

// Manager returns the queue manager.
func (eng *Engine) Manager() *queue.Manager { return eng.manager }

// DLQ returns the failed-list service for inspection and replay.
func (eng *Engine) DLQ() *dlq.Service { return eng.dlqService }

// Limiter returns the usage limiter.
func (eng *Engine) Limiter() *usage.Limiter { return eng.limiter }

// Maintainer returns the pump and sweeper.
func (eng *Engine) Maintainer() *sweeper.Maintainer { return eng.maintainer }

// Executor returns the envelope executor.
func (eng *Engine) Executor() *worker.Executor { return eng.executor }
