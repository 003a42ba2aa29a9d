// Package progress provides the run lifecycle events, a non-blocking Hub and
// the Emitter interface the sync orchestrator reports through. The Hub
// batches events on a background goroutine and fans them out to sinks such as
// Prometheus collectors, the run-history store and the structured log.
package progress
