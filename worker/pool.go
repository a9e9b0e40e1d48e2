package worker

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/asqrzk/conveyor/id"
	"github.com/asqrzk/conveyor/queue"
)

// QueueSpec is one queue the pool claims from.
type QueueSpec struct {
	Name string
	// Concurrency is the number of claim loops; zero uses the pool default.
	Concurrency int
}

// Pool runs claim loops. Each loop claims from one queue with a bounded
// blocking wait and hands the envelope to the Executor.
type Pool struct {
	manager      *queue.Manager
	executor     *Executor
	queues       []QueueSpec
	concurrency  int
	claimTimeout time.Duration
	errorBackoff time.Duration
	requeuePause time.Duration
	throttle     *queue.Throttle
	workerID     id.ID
	logger       *slog.Logger

	mu          sync.Mutex
	running     bool
	wg          sync.WaitGroup
	stopClaims  context.CancelFunc
	cancelExecs context.CancelFunc
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithQueues sets the queues the pool claims from.
func WithQueues(queues ...QueueSpec) PoolOption {
	return func(p *Pool) { p.queues = queues }
}

// WithConcurrency sets the default number of claim loops per queue.
func WithConcurrency(n int) PoolOption {
	return func(p *Pool) { p.concurrency = n }
}

// WithClaimTimeout bounds how long a single claim blocks.
func WithClaimTimeout(d time.Duration) PoolOption {
	return func(p *Pool) { p.claimTimeout = d }
}

// WithErrorBackoff sets the pause after a failed claim.
func WithErrorBackoff(d time.Duration) PoolOption {
	return func(p *Pool) { p.errorBackoff = d }
}

// WithRequeuePause sets the pause after an envelope was requeued because
// another worker holds its lock.
func WithRequeuePause(d time.Duration) PoolOption {
	return func(p *Pool) { p.requeuePause = d }
}

// WithThrottle sets per-queue rate and concurrency limits on claims.
func WithThrottle(t *queue.Throttle) PoolOption {
	return func(p *Pool) { p.throttle = t }
}

// WithWorkerID overrides the generated worker id.
func WithWorkerID(wid id.ID) PoolOption {
	return func(p *Pool) { p.workerID = wid }
}

// NewPool creates a worker pool.
func NewPool(manager *queue.Manager, executor *Executor, logger *slog.Logger, opts ...PoolOption) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		manager:      manager,
		executor:     executor,
		concurrency:  1,
		claimTimeout: 5 * time.Second,
		errorBackoff: time.Second,
		requeuePause: 250 * time.Millisecond,
		workerID:     id.NewWorkerID(),
		logger:       logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WorkerID returns the pool's unique worker identifier.
func (p *Pool) WorkerID() id.ID { return p.workerID }

// Start launches the claim loops. It returns immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true

	claimCtx, stopClaims := context.WithCancel(context.Background())
	execCtx, cancelExecs := context.WithCancel(context.Background())
	p.stopClaims = stopClaims
	p.cancelExecs = cancelExecs

	loops := 0
	for _, q := range p.queues {
		n := q.Concurrency
		if n <= 0 {
			n = p.concurrency
		}
		for i := range n {
			owner := p.workerID.String() + "/" + q.Name + "/" + strconv.Itoa(i)
			p.wg.Add(1)
			go p.claimLoop(claimCtx, execCtx, q.Name, owner)
			loops++
		}
	}

	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.workerID.String()),
		slog.Int("loops", loops),
		slog.Int("queues", len(p.queues)),
	)
	return nil
}

// Stop stops claiming and waits for in-flight envelopes to finish. If ctx
// ends first, in-flight handlers see their context cancelled; their
// envelopes are still resolved.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.String("worker_id", p.workerID.String()))
	p.stopClaims()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active handlers")
		p.cancelExecs()
		<-done
	}
	p.cancelExecs()
	return nil
}

func (p *Pool) claimLoop(claimCtx, execCtx context.Context, queueName, owner string) {
	defer p.wg.Done()

	for claimCtx.Err() == nil {
		if p.throttle != nil && !p.throttle.Acquire(queueName) {
			p.sleep(claimCtx, 100*time.Millisecond)
			continue
		}

		raw, err := p.manager.Claim(claimCtx, queueName, p.claimTimeout)
		if err != nil {
			p.release(queueName)
			if claimCtx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			p.logger.Error("claim error",
				slog.String("queue", queueName),
				slog.String("error", err.Error()),
			)
			p.sleep(claimCtx, p.errorBackoff)
			continue
		}
		if raw == nil {
			p.release(queueName)
			continue
		}

		state, err := p.executor.Process(execCtx, queueName, raw, owner)
		p.release(queueName)
		if err != nil {
			p.logger.Error("envelope processing error",
				slog.String("queue", queueName),
				slog.String("state", state.String()),
				slog.String("error", err.Error()),
			)
			p.sleep(claimCtx, p.errorBackoff)
			continue
		}
		if state == StateRequeued {
			// The requeued envelope sits at the claim end of main; claiming
			// again right away would spin on it until the lock expires.
			p.sleep(claimCtx, p.requeuePause)
		}
	}
}

func (p *Pool) release(queueName string) {
	if p.throttle != nil {
		p.throttle.Release(queueName)
	}
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
