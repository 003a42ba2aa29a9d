// Package sinks implements progress consumers: Prometheus collectors, the
// run-history store and a structured log.
package sinks
