package job

import (
	"encoding/json"
	"time"

	"github.com/filterforge/buildq"
	"github.com/filterforge/buildq/id"
	"github.com/filterforge/buildq/progress"
)

// Status represents the lifecycle state of a build job.
type Status string

const (
	// StatusQueued means the job is waiting to be claimed by a worker.
	StatusQueued Status = "queued"
	// StatusProcessing means a worker owns the job and is executing it.
	StatusProcessing Status = "processing"
	// StatusCompleted means the build finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed means the build failed; the owner has not read it yet.
	StatusFailed Status = "failed"
	// StatusSkipped means the worker declined the job (e.g. equivalent
	// work was already in flight).
	StatusSkipped Status = "skipped"
)

// Terminal reports whether the status is final. Terminal jobs are
// write-once: nothing but the owner's read acknowledgement mutates them.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusSkipped
}

// Active reports whether the job still occupies the queue (queued or
// processing).
func (s Status) Active() bool {
	return s == StatusQueued || s == StatusProcessing
}

// Type records how a job was requested. Provenance only; it never affects
// scheduling.
type Type string

const (
	TypeManual    Type = "manual"
	TypeScheduled Type = "scheduled"
	TypeAdmin     Type = "admin"
)

// Priority is the scheduling tier. Lower value claims first.
type Priority int

const (
	// PriorityHigh is used for system-wide builds (no owner).
	PriorityHigh Priority = 1
	// PriorityNormal is used for owner-specific builds.
	PriorityNormal Priority = 2
)

// Job is a single build: one pass of downloading sources, whitelist
// filtering and output generation, coordinated through the shared store.
type Job struct {
	buildq.Entity

	ID    id.JobID `json:"id"`
	Owner string   `json:"owner,omitempty"`
	Type  Type     `json:"type"`

	Status   Status   `json:"status"`
	Priority Priority `json:"priority"`

	// WorkerID is the worker currently owning the job; nil while queued.
	// Non-nil implies exclusive ownership, enforced by the claim's
	// atomicity rather than by readers.
	WorkerID id.WorkerID `json:"worker_id,omitempty"`

	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	HeartbeatAt *time.Time `json:"heartbeat_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Progress is mutable only by the owning worker while processing.
	Progress progress.Progress `json:"progress"`

	// Result is set exactly once, at the terminal transition.
	Result *Result `json:"result,omitempty"`

	// Read is the owner's acknowledgement of a failed job.
	Read bool `json:"read,omitempty"`
}

// New constructs a queued job for the given owner. An empty owner denotes
// system-wide work and should be paired with PriorityHigh.
func New(owner string, jobType Type, priority Priority) *Job {
	return &Job{
		Entity:   buildq.NewEntity(),
		ID:       id.NewJobID(),
		Owner:    owner,
		Type:     jobType,
		Status:   StatusQueued,
		Priority: priority,
		Progress: progress.New(),
	}
}

// SystemOwned reports whether the job is system-wide (no owner).
func (j *Job) SystemOwned() bool { return j.Owner == "" }

// Clone returns a deep copy safe to hand across goroutines.
func (j *Job) Clone() *Job {
	cp := *j
	cp.ClaimedAt = cloneTime(j.ClaimedAt)
	cp.StartedAt = cloneTime(j.StartedAt)
	cp.HeartbeatAt = cloneTime(j.HeartbeatAt)
	cp.CompletedAt = cloneTime(j.CompletedAt)
	cp.Progress = j.Progress.Clone()
	if j.Result != nil {
		cp.Result = j.Result.Clone()
	}
	return &cp
}

// Snapshot returns the canonical serialized view of the fields the status
// broadcaster diffs: status, progress and result. Two snapshots are equal
// exactly when no subscriber-visible state changed.
func (j *Job) Snapshot() []byte {
	snap := struct {
		Status   Status            `json:"status"`
		Progress progress.Progress `json:"progress"`
		Result   *Result           `json:"result"`
	}{j.Status, j.Progress, j.Result}

	data, err := json.Marshal(snap)
	if err != nil {
		// The snapshot types contain nothing unmarshalable.
		panic("job: marshal snapshot: " + err.Error())
	}
	return data
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}
