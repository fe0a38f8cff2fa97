// Package stream provides the real-time notification surface of the engine.
// Writers and the status broadcaster publish job lifecycle events; clients
// subscribe to owner, global or per-job topics and receive them over
// buffered channels with credit-based flow control.
package stream

import (
	"encoding/json"
	"time"

	"github.com/filterforge/buildq/job"
)

// EventType identifies the kind of lifecycle event.
type EventType string

const (
	// EventJobCreated is emitted once at admission, when a job enters the
	// queue.
	EventJobCreated EventType = "job.created"

	// EventJobProgress is the consolidated status update emitted by the
	// broadcaster whenever a job's observable state changes. Queued jobs
	// carry queue metadata.
	EventJobProgress EventType = "job.progress"

	// EventJobCompleted is emitted exactly once per job when it reaches a
	// terminal state. The payload carries the full job, including failed
	// and skipped outcomes.
	EventJobCompleted EventType = "job.completed"

	// EventJobSkipped is emitted immediately when a worker declines a job,
	// ahead of the broadcaster's terminal event.
	EventJobSkipped EventType = "job.skipped"
)

// Event is the envelope delivered to subscribers.
type Event struct {
	// Type identifies the lifecycle event.
	Type EventType `json:"type"`

	// Timestamp is when the event was emitted.
	Timestamp time.Time `json:"ts"`

	// Topic is the per-job topic the event belongs to.
	Topic string `json:"topic"`

	// Data is the event payload.
	Data json.RawMessage `json:"data"`
}

// QueueMeta describes a queued job's place in line. Attached to progress
// events while the job waits.
type QueueMeta struct {
	// Position is the 1-based claim position.
	Position int `json:"position"`

	// Length is the total number of queued jobs.
	Length int `json:"length"`

	// ActiveWorkers is the number of workers currently processing.
	ActiveWorkers int `json:"active_workers"`
}

// JobEventData is the payload for all job lifecycle events.
type JobEventData struct {
	Job   *job.Job   `json:"job"`
	Queue *QueueMeta `json:"queue,omitempty"`
}
