// Package observability provides OpenTelemetry metrics for the engine.
// The MetricsExtension implements lifecycle hooks to count enqueues,
// claims, acknowledgements, retries, failures, reclaims, lock contention
// and pumped envelopes per queue. RegisterDepthGauge exposes the length
// of every queue list as an observable gauge.
//
// For per-execution tracing and metrics, see the middleware package:
// middleware.Tracing() and middleware.Metrics().
package observability
