package middleware

import (
	"context"

	"github.com/asqrzk/conveyor/job"
)

// Handler is the remainder of the chain, ending in the registered handler.
type Handler func(ctx context.Context) error

// Middleware runs around one handler invocation. It sees the delivery
// and decides whether and how to call next. Whatever it returns is what
// the executor classifies, so a middleware that swallows an error turns
// a failure into an ack.
type Middleware func(ctx context.Context, d *job.Delivery, next Handler) error

// Chain folds mws into one Middleware. mws[0] is outermost, so
//
//	Chain(Recover(l), Logging(l), Timeout(l, ttl))
//
// runs Recover, then Logging, then Timeout, then the handler. Nil
// entries are skipped.
func Chain(mws ...Middleware) Middleware {
	active := make([]Middleware, 0, len(mws))
	for _, m := range mws {
		if m != nil {
			active = append(active, m)
		}
	}
	return func(ctx context.Context, d *job.Delivery, next Handler) error {
		h := next
		for i := len(active) - 1; i >= 0; i-- {
			h = bind(active[i], d, h)
		}
		return h(ctx)
	}
}

func bind(m Middleware, d *job.Delivery, next Handler) Handler {
	return func(ctx context.Context) error { return m(ctx, d, next) }
}

// Run executes handler for d inside m.
func Run(ctx context.Context, m Middleware, d *job.Delivery, handler job.HandlerFunc) error {
	return m(ctx, d, func(ctx context.Context) error {
		return handler(ctx, d)
	})
}
