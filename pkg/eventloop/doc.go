// Package eventloop implements the cooperative multiplexer that owns the
// collector process.
//
// A Loop dispatches from registered sources to their handlers on a single
// goroutine, so handlers never race with each other. Sources are one of:
//
//   - Queue: a bounded request queue; each dispatch delivers one element
//   - Timer: a periodic tick
//   - Trigger: an externally fired, coalescing user event
//
// Each source has a Priority consulted when several sources are ready in
// the same iteration; within a priority, dispatch order follows
// registration order. A source may declare a Prepare predicate, consulted
// before the source is armed for an iteration, and a Finalize callback
// run when the source is removed or the loop shuts down.
//
// The loop stops only on an explicit Stop call.
package eventloop
