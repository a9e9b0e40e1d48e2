// Package ext defines the extension system for conveyor.
//
// Extensions are notified of envelope transitions and can react to them:
// writing job logs, recording metrics, raising alerts. Each lifecycle
// hook is a separate interface so extensions opt in only to the events
// they care about.
//
// # Implementing an Extension
//
//	type SlackAlerts struct{}
//
//	func (SlackAlerts) Name() string { return "slack-alerts" }
//
//	func (SlackAlerts) OnEnvelopeFailed(ctx context.Context, queue string, entry *dlq.Entry) error {
//	    return postAlert(ctx, queue, entry.Reason, entry.Error)
//	}
//
// # Envelope Hooks
//
//   - [EnvelopeEnqueued]: pushed onto a main list
//   - [EnvelopeClaimed]: locked by a worker, handler about to run
//   - [EnvelopeAcked]: handler succeeded and the envelope was removed
//   - [EnvelopeRetrying]: moved to the delayed set with one more attempt
//   - [EnvelopeFailed]: pushed onto the failed list
//   - [EnvelopeReclaimed]: taken back from a crashed worker by the sweeper
//   - [LockContended]: already locked elsewhere, requeued untouched
//   - [EnvelopeReady]: promoted from the delayed set back onto main
//
// # Maintenance Hooks
//
//   - [DelayedPumped]: ready delayed envelopes were promoted to main
//   - [Shutdown]: the engine is shutting down gracefully
//
// The [Registry] fans out each event to all registered extensions that
// implement the corresponding hook interface. Hook errors are logged and
// never block the transition that triggered them.
package ext
