// Package metrics defines the Prometheus instrumentation: fleet gauges
// refreshed by a periodic collector, and counters incremented at the
// dispatch, scheduling and recovery call sites. Everything registers on
// the default registry and is served by Handler.
package metrics
