// Package tracing provides OpenTelemetry tracing for the delivery worker.
//
// Spans are created through GetTracer, which resolves against the global
// tracer provider. InitProvider installs an SDK provider with the worker's
// service name; until it is called spans are no-ops.
//
//	shutdown, err := tracing.InitProvider("delivery-worker", 0.1)
//	if err != nil { ... }
//	defer shutdown(context.Background())
//
//	ctx, span := tracing.GetTracer().Start(ctx, "router.Dispatch")
//	defer span.End()
package tracing
