// Package dlq provides inspection and replay of each queue's failed list.
//
// An envelope reaches the failed list when it cannot be decoded, when its
// handler returns a FatalError, or when its retry budget is exhausted
// (including envelopes reclaimed from crashed workers). The member stored
// on the list is an [Entry] recording the queue, the reason, the final
// error and the envelope itself, so an operator can see exactly what
// failed and why.
//
// Failed entries are never purged automatically.
//
// # Replay
//
//	svc := dlq.NewService(store, logger)
//	entries, _ := svc.List(ctx, "q:sub:plan_change", dlq.ListOpts{Limit: 50})
//	env, err := svc.Replay(ctx, "q:sub:plan_change", entries[0].Envelope.ID)
//
// Replay removes the entry and pushes the envelope back on the main list
// with attempts reset to zero, as one atomic store operation.
package dlq
