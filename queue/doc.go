// Package queue implements the queue topology: naming, the Store
// capability a backend provides, and the Manager that performs every
// transition of an envelope between a queue's lists.
//
// # Lifecycle
//
//	main ──Claim──▶ processing ──Ack──▶ (gone)
//	                    │
//	                    ├──Delay──▶ delayed ──PumpReady──▶ main
//	                    ├──Fail───▶ failed
//	                    └──Requeue▶ main
//
// Claim takes the oldest member from the right of the main list and
// pushes it onto processing in one blocking operation. Every other
// transition removes exactly one copy of the member from its source and
// only inserts into the target if that removal succeeded. Running any
// transition twice is therefore harmless.
//
// # Sweeping
//
// [Manager.Sweep] finds processing members whose lock has expired and
// routes them as failed attempts, using the same retry decision the
// worker applies to handler errors.
//
// # Throttling
//
// [Throttle] applies per-queue rate limits and concurrency caps to claim
// loops:
//
//	queue.NewThrottle(
//	    queue.Limit{Name: "q:sub:payment_initiation", MaxConcurrency: 4},
//	    queue.Limit{Name: "q:sub:usage_sync", RateLimit: 50, RateBurst: 100},
//	)
package queue
