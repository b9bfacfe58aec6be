// Package service assembles the collector runtime: the control server,
// the dispatcher, the per-device workers, and the database worker, all
// multiplexed by one event loop.
//
// # Architecture
//
// Every component owns a bounded request queue registered as an event
// loop source. Components never call each other synchronously; they
// enqueue a tagged request on the target's queue and return. All
// handlers run on the loop goroutine, so per-worker state needs no
// locking.
//
//	control client ──► Dispatcher ──► Database worker ──► SQL store
//	                        │
//	                        └───────► Device worker ──► agent socket
//	                                       │
//	                                       └──────────► Database worker
//
// Socket readers are the only helper goroutines: one per control client
// and one per connected device. They decode envelopes and enqueue
// requests; they never touch worker state.
//
// # Collector
//
// Collector wires the components together and runs the loop:
//
//	opts, _ := config.Load(path)
//	col, err := service.NewCollector(service.Config{Options: opts, Logger: logger})
//	if err != nil { ... }
//	err = col.Run() // blocks until QuitCollector or Stop
//
// Startup enqueues CleanSessions and LoadDevices before the loop turns,
// so recovery and device materialisation are the first work performed.
//
// # Status replies
//
// The only outward-visible failure channel is a Status envelope written
// to the originating control client, carrying OK, Busy, or Error plus a
// reason. Internal errors resolve by device state transition and never
// escape to the loop.
package service
