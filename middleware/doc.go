// Package middleware provides composable middleware for envelope execution.
//
// A [Middleware] wraps a handler. Middleware are composed into a chain
// using [Chain] and applied around each execution. They are applied
// right-to-left: the first middleware in the slice is the outermost
// wrapper.
//
//	// logging → recover → handler
//	chain := middleware.Chain(middleware.Logging(logger), middleware.Recover(logger))
//
// # Built-in Middleware
//
//   - [Logging] logs queue, action, duration and outcome of each execution
//   - [Recover] turns panics into retryable errors
//   - [Timeout] bounds execution by the handler deadline and the lock TTL
//   - [Tracing] wraps execution in an OpenTelemetry span
//   - [Metrics] records duration and outcome counters
//
// # Writing Custom Middleware
//
//	func MyMiddleware() middleware.Middleware {
//	    return func(ctx context.Context, d *job.Delivery, next middleware.Handler) error {
//	        // pre-processing
//	        err := next(ctx)
//	        // post-processing
//	        return err
//	    }
//	}
//
// Middleware MUST call next to continue the chain unless intentionally
// short-circuiting.
package middleware
