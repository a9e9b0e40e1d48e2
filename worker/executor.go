// Package worker provides the envelope execution engine: an Executor that
// takes one claimed envelope through lock, handler and resolution, and a
// Pool that runs concurrent claim loops per queue.
package worker

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
	"github.com/asqrzk/conveyor/job"
	"github.com/asqrzk/conveyor/middleware"
	"github.com/asqrzk/conveyor/queue"
)

// State is where one pass of the worker loop ended.
type State int

const (
	StateIdle State = iota
	StateClaimed
	StateLocked
	StateExecuting
	StateAcked
	StateDelayed
	StateFailed

	// StateRequeued means the lock was held elsewhere and the envelope
	// went back to main untouched.
	StateRequeued
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateClaimed:
		return "claimed"
	case StateLocked:
		return "locked"
	case StateExecuting:
		return "executing"
	case StateAcked:
		return "acked"
	case StateDelayed:
		return "delayed"
	case StateFailed:
		return "failed"
	case StateRequeued:
		return "requeued"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Executor processes one claimed envelope: it locks it, runs the
// registered handler through middleware, classifies the result and
// resolves the envelope out of processing. The lock is released on every
// path; if the process dies instead, the lock expires and the sweeper
// takes over.
type Executor struct {
	manager    *queue.Manager
	registry   *job.Registry
	extensions *ext.Registry
	mw         middleware.Middleware
	logger     *slog.Logger
	now        func() time.Time
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithClock sets the time source used for retry scheduling.
func WithClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) { e.now = now }
}

// WithMiddleware sets the middleware chain around every handler.
func WithMiddleware(mws ...middleware.Middleware) ExecutorOption {
	return func(e *Executor) { e.mw = middleware.Chain(mws...) }
}

// NewExecutor creates an Executor with the given dependencies.
func NewExecutor(
	manager *queue.Manager,
	registry *job.Registry,
	extensions *ext.Registry,
	logger *slog.Logger,
	opts ...ExecutorOption,
) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if extensions == nil {
		extensions = ext.NewRegistry(logger)
	}
	e := &Executor{
		manager:    manager,
		registry:   registry,
		extensions: extensions,
		mw:         middleware.Chain(),
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Process takes raw, already moved into the processing list of queue,
// to a final state. owner identifies the lock holder. The returned error
// reports a store failure; handler failures are routed, not returned.
func (e *Executor) Process(ctx context.Context, queueName string, raw []byte, owner string) (State, error) {
	// Resolution must happen even if execution was cancelled.
	rctx := context.WithoutCancel(ctx)

	env, err := envelope.Parse(raw)
	if err != nil {
		e.logger.Warn("undecodable envelope moved to failed",
			slog.String("queue", queueName),
			slog.String("error", err.Error()),
		)
		entry := dlq.NewRawEntry(queueName, raw, err, e.now())
		if _, ferr := e.manager.Fail(rctx, queueName, raw, entry); ferr != nil {
			return StateClaimed, ferr
		}
		return StateFailed, nil
	}

	res, err := e.manager.Lock(rctx, queueName, raw, env, owner)
	if err != nil {
		return StateClaimed, err
	}
	switch res {
	case queue.LockHeld:
		if _, err := e.manager.Requeue(rctx, queueName, raw); err != nil {
			return StateClaimed, err
		}
		e.logger.Debug("envelope locked elsewhere, requeued",
			slog.String("queue", queueName),
			slog.String("envelope_id", env.ID.String()),
		)
		e.extensions.EmitLockContended(rctx, queueName, env)
		return StateRequeued, nil
	case queue.LockGone:
		e.logger.Debug("claimed envelope already reclaimed",
			slog.String("queue", queueName),
			slog.String("envelope_id", env.ID.String()),
		)
		return StateIdle, nil
	}

	defer func() {
		if err := e.manager.Unlock(rctx, queueName, env, owner); err != nil {
			e.logger.Error("unlock failed",
				slog.String("queue", queueName),
				slog.String("envelope_id", env.ID.String()),
				slog.String("error", err.Error()),
			)
		}
	}()

	e.extensions.EmitClaimed(rctx, queueName, env)

	start := time.Now()
	handlerErr := e.execute(ctx, queueName, env, owner)
	elapsed := time.Since(start)

	switch conveyor.Classify(handlerErr) {
	case conveyor.OutcomeSuccess:
		return e.ack(rctx, queueName, raw, env, elapsed)
	case conveyor.OutcomeFatal:
		return e.fail(rctx, queueName, raw, env, dlq.ReasonFatal, handlerErr)
	default:
		return e.retry(rctx, queueName, raw, env, handlerErr)
	}
}

// execute runs the handler for env. A missing handler is fatal; a panic
// anywhere in the chain is retryable.
func (e *Executor) execute(ctx context.Context, queueName string, env *envelope.Envelope, owner string) (err error) {
	reg, ok := e.registry.Lookup(queueName, env.Action)
	if !ok {
		return conveyor.Fatal(fmt.Errorf("%w: %s on %s", conveyor.ErrNoHandler, env.Action, queueName))
	}

	defer func() {
		if r := recover(); r != nil {
			err = conveyor.Retryable(fmt.Errorf("panic in %s handler: %v", env.Action, r))
		}
	}()

	d := &job.Delivery{
		Queue:     queueName,
		Envelope:  env,
		Owner:     owner,
		ClaimedAt: e.now(),
		Timeout:   reg.Timeout,
	}
	return middleware.Run(ctx, e.mw, d, reg.Handler)
}

func (e *Executor) ack(ctx context.Context, queueName string, raw []byte, env *envelope.Envelope, elapsed time.Duration) (State, error) {
	ok, err := e.manager.Ack(ctx, queueName, raw)
	if err != nil {
		return StateExecuting, err
	}
	if !ok {
		e.warnResolved(queueName, env, "ack")
		return StateAcked, nil
	}
	e.extensions.EmitAcked(ctx, queueName, env, elapsed)
	return StateAcked, nil
}

func (e *Executor) retry(ctx context.Context, queueName string, raw []byte, env *envelope.Envelope, cause error) (State, error) {
	now := e.now()
	d := backoff.Decide(e.manager.Policy(queueName), env, now)
	if !d.Retry {
		return e.fail(ctx, queueName, raw, env, dlq.ReasonExhausted, cause)
	}

	next := env.WithAttempts(d.Attempts)
	ok, err := e.manager.Delay(ctx, queueName, raw, next, d.ReadyAt)
	if err != nil {
		return StateExecuting, err
	}
	if !ok {
		e.warnResolved(queueName, env, "delay")
		return StateDelayed, nil
	}

	e.logger.Info("envelope scheduled for retry",
		slog.String("queue", queueName),
		slog.String("envelope_id", env.ID.String()),
		slog.String("action", env.Action.String()),
		slog.Int("attempts", next.Attempts),
		slog.Duration("delay", d.Delay),
		slog.String("error", cause.Error()),
	)
	e.extensions.EmitRetrying(ctx, queueName, next, d.ReadyAt, cause)
	return StateDelayed, nil
}

func (e *Executor) fail(ctx context.Context, queueName string, raw []byte, env *envelope.Envelope, reason dlq.Reason, cause error) (State, error) {
	next := env.WithAttempts(env.Attempts + 1)
	entry := dlq.NewEntry(queueName, reason, next, cause, e.now())
	ok, err := e.manager.Fail(ctx, queueName, raw, entry)
	if err != nil {
		return StateExecuting, err
	}
	if !ok {
		e.warnResolved(queueName, env, "fail")
		return StateFailed, nil
	}

	e.logger.Warn("envelope moved to failed",
		slog.String("queue", queueName),
		slog.String("envelope_id", env.ID.String()),
		slog.String("action", env.Action.String()),
		slog.String("reason", string(reason)),
		slog.Int("attempts", next.Attempts),
		slog.String("error", cause.Error()),
	)
	return StateFailed, nil
}

// warnResolved logs a resolution that found the member already gone,
// which happens when the lock expired mid-execution and the sweeper
// reclaimed the envelope.
func (e *Executor) warnResolved(queueName string, env *envelope.Envelope, op string) {
	e.logger.Warn("envelope no longer in processing",
		slog.String("queue", queueName),
		slog.String("envelope_id", env.ID.String()),
		slog.String("op", op),
	)
}
