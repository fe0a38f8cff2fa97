package job

import (
	"context"
	"time"

	"github.com/filterforge/buildq/id"
	"github.com/filterforge/buildq/progress"
)

// ListOpts controls pagination for job list queries.
type ListOpts struct {
	// Limit is the maximum number of jobs to return. Zero means no limit.
	Limit int
}

// CountOpts controls filtering for job count queries.
type CountOpts struct {
	// Status filters by job status. Empty means all statuses.
	Status Status
	// Owner filters by owner. Empty means all owners.
	Owner string
}

// QueueStats is the aggregate view of the queue.
type QueueStats struct {
	Length          int `json:"length"`
	ActiveWorkers   int `json:"active_workers"`
	ProcessingCount int `json:"processing_count"`
}

// Store defines the persistence contract for jobs. All guarded operations
// (heartbeat, release, terminal transitions, progress writes) condition the
// write on the caller's worker still owning a processing job and report
// ok=false, not an error, when the condition no longer holds; a reaped
// worker's late write is a silent no-op.
type Store interface {
	// CreateJob persists a new job in queued state.
	CreateJob(ctx context.Context, j *Job) error

	// GetJob retrieves a job by ID.
	GetJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// ListJobsByOwner returns the owner's jobs, newest first.
	ListJobsByOwner(ctx context.Context, owner string, opts ListOpts) ([]*Job, error)

	// ListRecentJobs returns the most recently created jobs, newest first.
	ListRecentJobs(ctx context.Context, limit int) ([]*Job, error)

	// ListActiveJobs returns all queued and processing jobs ordered by
	// priority (ascending) then created_at (ascending): claim order.
	ListActiveJobs(ctx context.Context) ([]*Job, error)

	// ClaimNextJob atomically selects and locks the best eligible job:
	// queued with no worker, lowest priority value first, oldest first.
	// The selection and mutation are a single conditional write so two
	// concurrent callers can never claim the same job. Returns (nil, nil)
	// when no job is eligible.
	ClaimNextJob(ctx context.Context, workerID id.WorkerID) (*Job, error)

	// HeartbeatJob refreshes heartbeat_at for a processing job still
	// owned by workerID.
	HeartbeatJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID) (bool, error)

	// ReleaseJob returns a processing job owned by workerID to the queue,
	// clearing the worker binding and claim timestamps.
	ReleaseJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID) (bool, error)

	// UpdateJobProgress replaces the progress document of a processing
	// job still owned by workerID.
	UpdateJobProgress(ctx context.Context, jobID id.JobID, workerID id.WorkerID, p progress.Progress) (bool, error)

	// CompleteJob transitions a processing job owned by workerID to
	// completed with the given summary.
	CompleteJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID, summary *Summary) (bool, error)

	// FailJob transitions a processing job owned by workerID to failed
	// with the given errors and read=false.
	FailJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID, errs []string) (bool, error)

	// SkipJob transitions a processing job owned by workerID to skipped.
	SkipJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID, reason string) (bool, error)

	// ResetStaleJobs requeues every processing job whose heartbeat is
	// older than timeout. The staleness condition is re-evaluated at
	// write time, so a job re-claimed in the meantime is untouched.
	// Returns the number of jobs reset.
	ResetStaleJobs(ctx context.Context, timeout time.Duration) (int64, error)

	// QueuePosition returns the 1-based claim position of a queued job,
	// or 0 when the job is not queued.
	QueuePosition(ctx context.Context, jobID id.JobID) (int, error)

	// CountJobs returns the number of jobs matching opts.
	CountJobs(ctx context.Context, opts CountOpts) (int64, error)

	// ActiveWorkerCount returns the number of distinct workers currently
	// bound to a processing job.
	ActiveWorkerCount(ctx context.Context) (int, error)

	// HasActiveJobForOwner reports whether the owner already has a
	// queued or processing job.
	HasActiveJobForOwner(ctx context.Context, owner string) (bool, error)

	// LastCompletedForOwner returns the owner's most recently completed
	// job of the given type (any type when jobType is empty), or nil.
	LastCompletedForOwner(ctx context.Context, owner string, jobType Type) (*Job, error)

	// HasUnreadFailures reports whether the owner has failed jobs not
	// yet acknowledged.
	HasUnreadFailures(ctx context.Context, owner string) (bool, error)

	// MarkFailuresRead acknowledges all of the owner's failed jobs.
	MarkFailuresRead(ctx context.Context, owner string) error
}
