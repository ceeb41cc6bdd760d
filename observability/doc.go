// Package observability provides an OpenTelemetry metrics extension for
// sqlbatch. The MetricsExtension implements lifecycle hooks to record
// system-wide counters for job submission, start and every terminal outcome.
//
// For per-query tracing and metrics, see the middleware package:
// middleware.Tracing() and middleware.Metrics().
package observability
