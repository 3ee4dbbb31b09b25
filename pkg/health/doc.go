// Package health probes shuttle endpoints: a TCP probe for raw listener
// liveness and a protocol probe that round-trips a HealthCheck request.
// Used by the worker's admin endpoint and the CLI health commands.
package health
