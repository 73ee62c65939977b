// Package observability groups the worker's logging, metrics and tracing
// support.
//
// Subpackages:
//   - logging: slog construction and trace-aware loggers
//   - metrics: HTTP metrics for the operational endpoints and the provider
//     breaker collector
//   - tracing: OpenTelemetry provider setup and HTTP middleware
package observability
