// Package metrics exposes Prometheus metrics that are not owned by a single
// use case: request metrics for the worker's operational HTTP endpoints and
// a collector that reports provider circuit breaker state at scrape time.
//
// Use case metrics (dispatch results, rate limit decisions, retention runs)
// live next to the code that records them.
package metrics
