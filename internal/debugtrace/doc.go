// Package debugtrace records the storage operations performed while a
// single HTTP request is handled and shrinks the resulting trace so it can
// be written back to the KV store as one entry.
//
// The per-request ExecutionContext travels inside context.Context. Code that
// receives the request context (handlers, the traced KV store, goroutines
// started from it) appends to the same operation log; concurrent requests
// hold different contexts and never see each other's log.
//
//	ec := debugtrace.NewExecutionContext(requestID)
//	err := debugtrace.Run(ctx, ec, func(ctx context.Context) error {
//		_, err := store.Get(ctx, key) // recorded
//		return err
//	})
//
// Writes that must not be traced (the trace itself) use Detach.
package debugtrace
