// Package queue is the coordination service workers and callers go through
// instead of touching the store directly. It layers logging, metrics and
// skip notifications over the store's guarded-write contract: every
// worker-side operation returns (ok, err) where ok=false means the caller
// no longer owns the job and must stand down.
package queue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/filterforge/buildq/id"
	"github.com/filterforge/buildq/job"
	"github.com/filterforge/buildq/observability"
	"github.com/filterforge/buildq/progress"
	"github.com/filterforge/buildq/stream"
)

// Service coordinates the shared job queue.
type Service struct {
	store    job.Store
	notifier stream.Notifier
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// Option configures the Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithNotifier sets where immediate skip events are published.
func WithNotifier(n stream.Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithMetrics sets the instrument set lifecycle counts are recorded on.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService creates a coordination service over the given store.
func NewService(store job.Store, opts ...Option) *Service {
	s := &Service{
		store:    store,
		notifier: stream.NopNotifier{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = observability.NewMetrics()
	}
	return s
}

// ──────────────────────────────────────────────────
// Worker-side operations
// ──────────────────────────────────────────────────

// Claim locks the best eligible job for workerID, or returns (nil, nil)
// when the queue is empty.
func (s *Service) Claim(ctx context.Context, workerID id.WorkerID) (*job.Job, error) {
	j, err := s.store.ClaimNextJob(ctx, workerID)
	if err != nil {
		return nil, fmt.Errorf("queue: claim: %w", err)
	}
	if j == nil {
		return nil, nil
	}

	s.metrics.JobsClaimed.Add(ctx, 1)
	s.logger.Info("job claimed",
		slog.String("job_id", j.ID.String()),
		slog.String("worker_id", workerID.String()),
		slog.String("owner", j.Owner),
	)
	return j, nil
}

// Heartbeat refreshes the claim's liveness. ok=false means the worker lost
// the job (reaped or finished elsewhere) and must abandon it.
func (s *Service) Heartbeat(ctx context.Context, jobID id.JobID, workerID id.WorkerID) (bool, error) {
	ok, err := s.store.HeartbeatJob(ctx, jobID, workerID)
	if err != nil {
		return false, fmt.Errorf("queue: heartbeat: %w", err)
	}
	return ok, nil
}

// UpdateProgress writes the worker's current progress document.
func (s *Service) UpdateProgress(ctx context.Context, jobID id.JobID, workerID id.WorkerID, p progress.Progress) (bool, error) {
	ok, err := s.store.UpdateJobProgress(ctx, jobID, workerID, p)
	if err != nil {
		return false, fmt.Errorf("queue: update progress: %w", err)
	}
	return ok, nil
}

// Release returns the job to the queue, as on worker shutdown mid-build.
func (s *Service) Release(ctx context.Context, jobID id.JobID, workerID id.WorkerID) (bool, error) {
	ok, err := s.store.ReleaseJob(ctx, jobID, workerID)
	if err != nil {
		return false, fmt.Errorf("queue: release: %w", err)
	}
	if ok {
		s.metrics.JobsReleased.Add(ctx, 1)
		s.logger.Info("job released",
			slog.String("job_id", jobID.String()),
			slog.String("worker_id", workerID.String()),
		)
	}
	return ok, nil
}

// Complete finishes the job successfully.
func (s *Service) Complete(ctx context.Context, jobID id.JobID, workerID id.WorkerID, summary *job.Summary) (bool, error) {
	ok, err := s.store.CompleteJob(ctx, jobID, workerID, summary)
	if err != nil {
		return false, fmt.Errorf("queue: complete: %w", err)
	}
	if ok {
		s.metrics.JobsCompleted.Add(ctx, 1)
		s.logger.Info("job completed", slog.String("job_id", jobID.String()))
	}
	return ok, nil
}

// Fail finishes the job with errors. The failure stays unread until the
// owner acknowledges it.
func (s *Service) Fail(ctx context.Context, jobID id.JobID, workerID id.WorkerID, errs []string) (bool, error) {
	ok, err := s.store.FailJob(ctx, jobID, workerID, errs)
	if err != nil {
		return false, fmt.Errorf("queue: fail: %w", err)
	}
	if ok {
		s.metrics.JobsFailed.Add(ctx, 1)
		s.logger.Warn("job failed",
			slog.String("job_id", jobID.String()),
			slog.Int("errors", len(errs)),
		)
	}
	return ok, nil
}

// Skip declines the job and publishes the immediate skipped event; the
// status broadcaster follows with the consolidated terminal event.
func (s *Service) Skip(ctx context.Context, jobID id.JobID, workerID id.WorkerID, reason string) (bool, error) {
	ok, err := s.store.SkipJob(ctx, jobID, workerID, reason)
	if err != nil {
		return false, fmt.Errorf("queue: skip: %w", err)
	}
	if !ok {
		return false, nil
	}

	s.metrics.JobsSkipped.Add(ctx, 1)
	s.logger.Info("job skipped",
		slog.String("job_id", jobID.String()),
		slog.String("reason", reason),
	)

	if j, getErr := s.store.GetJob(ctx, jobID); getErr == nil {
		s.notifier.JobSkipped(ctx, j)
	} else {
		s.logger.Warn("skipped job lookup for event failed",
			slog.String("job_id", jobID.String()),
			slog.Any("error", getErr),
		)
	}
	return true, nil
}

// ──────────────────────────────────────────────────
// Reads
// ──────────────────────────────────────────────────

// Get returns a job by ID.
func (s *Service) Get(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return s.store.GetJob(ctx, jobID)
}

// GetByOwner returns the owner's jobs, newest first.
func (s *Service) GetByOwner(ctx context.Context, owner string, limit int) ([]*job.Job, error) {
	return s.store.ListJobsByOwner(ctx, owner, job.ListOpts{Limit: limit})
}

// GetRecent returns the most recently created jobs, newest first.
func (s *Service) GetRecent(ctx context.Context, limit int) ([]*job.Job, error) {
	return s.store.ListRecentJobs(ctx, limit)
}

// Position returns the 1-based claim position of a queued job, or 0.
func (s *Service) Position(ctx context.Context, jobID id.JobID) (int, error) {
	return s.store.QueuePosition(ctx, jobID)
}

// Stats returns the aggregate queue view.
func (s *Service) Stats(ctx context.Context) (job.QueueStats, error) {
	queued, err := s.store.CountJobs(ctx, job.CountOpts{Status: job.StatusQueued})
	if err != nil {
		return job.QueueStats{}, fmt.Errorf("queue: stats queued count: %w", err)
	}
	processing, err := s.store.CountJobs(ctx, job.CountOpts{Status: job.StatusProcessing})
	if err != nil {
		return job.QueueStats{}, fmt.Errorf("queue: stats processing count: %w", err)
	}
	workers, err := s.store.ActiveWorkerCount(ctx)
	if err != nil {
		return job.QueueStats{}, fmt.Errorf("queue: stats worker count: %w", err)
	}
	return job.QueueStats{
		Length:          int(queued),
		ActiveWorkers:   workers,
		ProcessingCount: int(processing),
	}, nil
}

// HasUnreadFailures reports whether the owner has unacknowledged failures.
func (s *Service) HasUnreadFailures(ctx context.Context, owner string) (bool, error) {
	return s.store.HasUnreadFailures(ctx, owner)
}

// MarkFailuresRead acknowledges all of the owner's failed jobs.
func (s *Service) MarkFailuresRead(ctx context.Context, owner string) error {
	return s.store.MarkFailuresRead(ctx, owner)
}
