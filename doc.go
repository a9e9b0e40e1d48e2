// Package conveyor provides the asynchronous job engine used for
// cross-service communication in the billing platform, plus an atomic
// usage limiter for per-feature consumption quotas.
//
// Conveyor is a library. Services import it, point it at Redis, and
// register handlers per (queue, action) as ordinary Go functions.
//
// # Quick Start
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	eng, err := engine.New(redisstore.New(client),
//	    engine.WithConfig(conveyor.DefaultConfig()),
//	)
//	eng.Register("q:sub:plan_change", envelope.ActionUpgrade, handlePlanChange)
//	eng.Start(ctx)
//
// # Queues
//
// A queue named q:<domain>:<name> owns four keys: the main list, the
// :processing list, the :delayed sorted set (scored by ready-at) and the
// :failed list. Every transition between them is a single atomic store
// operation that only inserts after it has removed the source entry, so
// repeating a transition never duplicates an envelope.
//
// Ownership of a claimed envelope is a TTL lock at lock:<domain>:<name>:<id>.
// When a worker dies the lock expires and the sweeper returns the envelope
// to circulation with one more attempt recorded.
//
// # Errors
//
// Handlers return nil, a RetryableError (any plain error) or a FatalError.
// Retryable failures are rescheduled with exponential backoff until the
// queue policy is exhausted; fatal failures go straight to the failed list.
package conveyor
