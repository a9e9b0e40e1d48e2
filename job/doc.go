// Package job holds the handler side of the engine: the [Delivery] a
// handler receives and the [Registry] that routes envelopes to handlers
// by queue and action.
//
// # Defining a Handler
//
// Use [Definition] with a typed payload. The payload is decoded before
// the handler runs; a payload that does not decode is a fatal failure:
//
//	var ApplyUpgrade = job.NewDefinition(conveyor.QueuePlanChange, envelope.ActionUpgrade,
//	    func(ctx context.Context, d *job.Delivery, in PlanChange) error {
//	        return plans.Apply(ctx, in.SubscriptionID, in.NewPlanID)
//	    },
//	)
//
//	job.RegisterTyped(registry, ApplyUpgrade)
//
// # Outcomes
//
// A handler's error is classified into exactly one outcome. nil
// acknowledges the envelope. An error wrapped with conveyor.Fatal sends
// it to the failed list at once. Any other error is retried with
// backoff until the retry budget runs out.
package job
