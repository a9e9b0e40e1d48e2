// Package engine wires all conveyor subsystems together and provides the
// application-level API for registering handlers, publishing envelopes
// and checking usage.
//
// # Building an Engine
//
//	store := redisstore.New(goredis.NewClient(&goredis.Options{Addr: addr}))
//	pg, _ := postgres.New(ctx, dsn)
//
//	eng, err := engine.New(store,
//	    engine.WithConfig(conveyor.DefaultConfig()),
//	    engine.WithUsageStore(pg),
//	    engine.WithJobLog(store, pg),
//	    engine.WithExtension(myExtension),
//	)
//
// # Registering Handlers
//
//	eng.Register(conveyor.QueuePlanChange, envelope.ActionUpgrade, handleUpgrade)
//
//	// Typed payloads
//	engine.Register(eng, job.NewDefinition(conveyor.QueueTrialPayment, envelope.ActionTrial,
//	    func(ctx context.Context, d *job.Delivery, p TrialPayment) error { ... }))
//
// # Publishing
//
//	eng.Enqueue(ctx, conveyor.QueuePlanChange, envelope.ActionUpgrade, change,
//	    envelope.WithCorrelationID(reqID))
//
// # Usage Admission
//
//	res, err := eng.Use(ctx, userID, "api_calls", 1, plan.APICallLimit)
//	if err == nil && !res.Allowed { ... }
//
// # Lifecycle
//
// Start launches one claim loop set per configured queue with handlers
// and the pump/sweep/health maintenance loops. Stop drains in-flight
// envelopes within Config.ShutdownTimeout.
package engine
