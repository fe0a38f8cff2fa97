// Package engine wires the buildq subsystems together: store, admission
// gates, queue coordination, worker pool, liveness reaper, status
// broadcaster, and the event stream. Build constructs the graph from a
// store and options; Start and Stop manage the background loops as one
// unit.
//
// The package sits above all subsystem packages and below the
// application layer, so applications depend on one entry point instead
// of wiring six components by hand.
package engine
