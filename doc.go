// Package buildq coordinates asynchronous blocklist build jobs across a pool
// of independent worker processes that share nothing but a persistent store.
//
// The core is a job queue with atomic distributed claiming, heartbeat-based
// liveness tracking with crash recovery, structured multi-stage progress, and
// a change-driven status broadcaster that emits one consolidated notification
// per observed state change.
//
// # Quick Start
//
//	st := memory.New()
//	eng, err := engine.Build(st, engine.WithConfig(buildq.DefaultConfig()))
//
// # Architecture
//
// Each subsystem (job, progress, admission, queue, reaper, poller, stream)
// lives in its own package over a shared store contract. A single backend
// implements the whole contract; store/mongo is the production backend and
// store/memory the reference implementation used by the tests.
//
// Execution is at-least-once: a crashed worker's job is requeued by the
// liveness reaper and the job body is expected to be idempotent.
package buildq
