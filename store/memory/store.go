// Package memory provides a fully in-memory store. Safe for concurrent
// access. Intended for unit testing and single-process development; the
// claim atomicity other backends get from conditional writes comes from a
// plain mutex here.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/filterforge/buildq"
	"github.com/filterforge/buildq/id"
	"github.com/filterforge/buildq/job"
	"github.com/filterforge/buildq/progress"
)

// Compile-time interface check.
var _ job.Store = (*Store)(nil)

// Store is an in-memory implementation of store.Store.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]*job.Job
}

// New returns a new empty Store.
func New() *Store {
	return &Store{jobs: make(map[string]*job.Job)}
}

// ──────────────────────────────────────────────────
// Lifecycle: Migrate / Ping / Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Writes
// ──────────────────────────────────────────────────

// CreateJob persists a new job in queued state.
func (m *Store) CreateJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	if _, exists := m.jobs[key]; exists {
		return buildq.ErrJobAlreadyExists
	}
	m.jobs[key] = j.Clone()
	return nil
}

// ClaimNextJob atomically claims the best eligible job: queued with no
// worker, lowest priority value first, oldest first. Returns (nil, nil)
// when the queue is empty.
func (m *Store) ClaimNextJob(_ context.Context, workerID id.WorkerID) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *job.Job
	for _, j := range m.jobs {
		if j.Status != job.StatusQueued || !j.WorkerID.IsNil() {
			continue
		}
		if best == nil || claimBefore(j, best) {
			best = j
		}
	}
	if best == nil {
		return nil, nil
	}

	now := time.Now().UTC()
	best.Status = job.StatusProcessing
	best.WorkerID = workerID
	best.ClaimedAt = &now
	best.StartedAt = &now
	best.HeartbeatAt = &now
	best.UpdatedAt = now
	return best.Clone(), nil
}

// HeartbeatJob refreshes heartbeat_at while workerID still owns the job.
func (m *Store) HeartbeatJob(_ context.Context, jobID id.JobID, workerID id.WorkerID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.owned(jobID, workerID)
	if !ok {
		return false, nil
	}
	now := time.Now().UTC()
	j.HeartbeatAt = &now
	j.UpdatedAt = now
	return true, nil
}

// ReleaseJob returns a processing job owned by workerID to the queue.
func (m *Store) ReleaseJob(_ context.Context, jobID id.JobID, workerID id.WorkerID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.owned(jobID, workerID)
	if !ok {
		return false, nil
	}
	requeue(j)
	return true, nil
}

// UpdateJobProgress replaces the progress document while workerID still
// owns the job.
func (m *Store) UpdateJobProgress(_ context.Context, jobID id.JobID, workerID id.WorkerID, p progress.Progress) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.owned(jobID, workerID)
	if !ok {
		return false, nil
	}
	j.Progress = p.Clone()
	j.UpdatedAt = time.Now().UTC()
	return true, nil
}

// CompleteJob transitions a processing job owned by workerID to completed.
func (m *Store) CompleteJob(_ context.Context, jobID id.JobID, workerID id.WorkerID, summary *job.Summary) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.owned(jobID, workerID)
	if !ok {
		return false, nil
	}
	finish(j, job.StatusCompleted, job.SuccessResult(summary))
	return true, nil
}

// FailJob transitions a processing job owned by workerID to failed.
func (m *Store) FailJob(_ context.Context, jobID id.JobID, workerID id.WorkerID, errs []string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.owned(jobID, workerID)
	if !ok {
		return false, nil
	}
	finish(j, job.StatusFailed, job.FailureResult(errs))
	j.Read = false
	return true, nil
}

// SkipJob transitions a processing job owned by workerID to skipped.
func (m *Store) SkipJob(_ context.Context, jobID id.JobID, workerID id.WorkerID, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.owned(jobID, workerID)
	if !ok {
		return false, nil
	}
	finish(j, job.StatusSkipped, job.SkipResult(reason))
	return true, nil
}

// ResetStaleJobs requeues every processing job whose heartbeat is older
// than timeout.
func (m *Store) ResetStaleJobs(_ context.Context, timeout time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().UTC().Add(-timeout)
	var reset int64
	for _, j := range m.jobs {
		if j.Status != job.StatusProcessing {
			continue
		}
		if j.HeartbeatAt == nil || !j.HeartbeatAt.Before(cutoff) {
			continue
		}
		requeue(j)
		reset++
	}
	return reset, nil
}

// MarkFailuresRead acknowledges all of the owner's failed jobs.
func (m *Store) MarkFailuresRead(_ context.Context, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, j := range m.jobs {
		if j.Owner == owner && j.Status == job.StatusFailed && !j.Read {
			j.Read = true
			j.UpdatedAt = time.Now().UTC()
		}
	}
	return nil
}

// ──────────────────────────────────────────────────
// Reads
// ──────────────────────────────────────────────────

// GetJob retrieves a job by ID.
func (m *Store) GetJob(_ context.Context, jobID id.JobID) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, buildq.ErrJobNotFound
	}
	return j.Clone(), nil
}

// ListJobsByOwner returns the owner's jobs, newest first.
func (m *Store) ListJobsByOwner(_ context.Context, owner string, opts job.ListOpts) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*job.Job, 0)
	for _, j := range m.jobs {
		if j.Owner == owner {
			result = append(result, j.Clone())
		}
	}
	sortNewestFirst(result)
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}
	return result, nil
}

// ListRecentJobs returns the most recently created jobs, newest first.
func (m *Store) ListRecentJobs(_ context.Context, limit int) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		result = append(result, j.Clone())
	}
	sortNewestFirst(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// ListActiveJobs returns all queued and processing jobs in claim order.
func (m *Store) ListActiveJobs(_ context.Context) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*job.Job, 0)
	for _, j := range m.jobs {
		if j.Status.Active() {
			result = append(result, j.Clone())
		}
	}
	sort.Slice(result, func(i, k int) bool { return claimBefore(result[i], result[k]) })
	return result, nil
}

// QueuePosition returns the 1-based claim position of a queued job, or 0
// when the job is not queued.
func (m *Store) QueuePosition(_ context.Context, jobID id.JobID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	target, ok := m.jobs[jobID.String()]
	if !ok || target.Status != job.StatusQueued {
		return 0, nil
	}

	// Position counts only strictly-ahead jobs: lower priority value, or
	// equal priority and strictly earlier created_at. Jobs created in the
	// same instant share a position, matching the mongo backend's count.
	pos := 1
	for _, j := range m.jobs {
		if j.Status != job.StatusQueued || j.ID == target.ID {
			continue
		}
		if j.Priority < target.Priority ||
			(j.Priority == target.Priority && j.CreatedAt.Before(target.CreatedAt)) {
			pos++
		}
	}
	return pos, nil
}

// CountJobs returns the number of jobs matching opts.
func (m *Store) CountJobs(_ context.Context, opts job.CountOpts) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var count int64
	for _, j := range m.jobs {
		if opts.Status != "" && j.Status != opts.Status {
			continue
		}
		if opts.Owner != "" && j.Owner != opts.Owner {
			continue
		}
		count++
	}
	return count, nil
}

// ActiveWorkerCount returns the number of distinct workers bound to a
// processing job.
func (m *Store) ActiveWorkerCount(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	workers := make(map[string]struct{})
	for _, j := range m.jobs {
		if j.Status == job.StatusProcessing && !j.WorkerID.IsNil() {
			workers[j.WorkerID.String()] = struct{}{}
		}
	}
	return len(workers), nil
}

// HasActiveJobForOwner reports whether the owner already has a queued or
// processing job.
func (m *Store) HasActiveJobForOwner(_ context.Context, owner string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, j := range m.jobs {
		if j.Owner == owner && j.Status.Active() {
			return true, nil
		}
	}
	return false, nil
}

// LastCompletedForOwner returns the owner's most recently completed job of
// the given type, or nil.
func (m *Store) LastCompletedForOwner(_ context.Context, owner string, jobType job.Type) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var last *job.Job
	for _, j := range m.jobs {
		if j.Owner != owner || j.Status != job.StatusCompleted || j.CompletedAt == nil {
			continue
		}
		if jobType != "" && j.Type != jobType {
			continue
		}
		if last == nil || j.CompletedAt.After(*last.CompletedAt) {
			last = j
		}
	}
	if last == nil {
		return nil, nil
	}
	return last.Clone(), nil
}

// HasUnreadFailures reports whether the owner has unacknowledged failed
// jobs.
func (m *Store) HasUnreadFailures(_ context.Context, owner string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, j := range m.jobs {
		if j.Owner == owner && j.Status == job.StatusFailed && !j.Read {
			return true, nil
		}
	}
	return false, nil
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

// owned returns the stored job when it is processing and bound to
// workerID. The caller must hold the write lock.
func (m *Store) owned(jobID id.JobID, workerID id.WorkerID) (*job.Job, bool) {
	j, ok := m.jobs[jobID.String()]
	if !ok || j.Status != job.StatusProcessing || j.WorkerID != workerID {
		return nil, false
	}
	return j, true
}

// requeue clears the worker binding and returns the job to queued state.
func requeue(j *job.Job) {
	j.Status = job.StatusQueued
	j.WorkerID = id.Nil
	j.ClaimedAt = nil
	j.StartedAt = nil
	j.HeartbeatAt = nil
	j.UpdatedAt = time.Now().UTC()
}

// finish applies a terminal transition.
func finish(j *job.Job, status job.Status, result *job.Result) {
	now := time.Now().UTC()
	j.Status = status
	j.Result = result
	j.CompletedAt = &now
	j.UpdatedAt = now
}

// claimBefore reports whether a claims ahead of b: lower priority value
// first, then older first.
func claimBefore(a, b *job.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID.String() < b.ID.String()
}

func sortNewestFirst(jobs []*job.Job) {
	sort.Slice(jobs, func(i, k int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[k].CreatedAt) {
			return jobs[i].CreatedAt.After(jobs[k].CreatedAt)
		}
		return jobs[i].ID.String() > jobs[k].ID.String()
	})
}
