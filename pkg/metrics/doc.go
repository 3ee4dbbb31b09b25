// Package metrics defines the Prometheus instrumentation for shuttle
// masters, workers and clients, and the HTTP handler that serves it.
package metrics
