// Package observability provides structured logging and Prometheus metrics
// for kvtrace.
package observability
