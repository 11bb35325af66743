// Package progress carries scheduler lifecycle events from the controller to pluggable sinks.
// Emit never blocks the scheduler; a background goroutine batches events and fans each batch
// out to sinks such as structured logs, Prometheus, the result store or Pub/Sub.
package progress
