// Package job defines the build job entity, its lifecycle states, and the
// persistence contract the coordination core runs on.
//
// A job is queued at admission, claimed atomically by exactly one worker,
// heartbeated while processing, and finished in exactly one of the terminal
// states (completed, failed, skipped). A processing job may also revert to
// queued through a worker's voluntary release or the liveness reaper.
//
// The Store interface is the whole distributed-coordination surface: every
// cross-worker guarantee (at-most-one-owner, stale-worker no-ops, reaper
// safety) rests on its conditional-write semantics.
package job
