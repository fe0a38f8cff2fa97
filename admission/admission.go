// Package admission decides which build requests enter the queue. Owner
// builds are gated by a per-owner concurrency cap and a cooldown since the
// owner's last completed build; system-wide builds bypass both and jump the
// line at high priority.
package admission

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/filterforge/buildq"
	"github.com/filterforge/buildq/job"
	"github.com/filterforge/buildq/observability"
	"github.com/filterforge/buildq/stream"
)

// Policy supplies the admission limits for an owner. Implementations must
// be safe for concurrent use.
type Policy interface {
	// MaxConcurrent is how many active (queued or processing) jobs the
	// owner may hold at once. Zero or negative means unlimited.
	MaxConcurrent(owner string) int

	// Cooldown is the required gap since the owner's last completed
	// build. Zero means no cooldown.
	Cooldown(owner string) time.Duration
}

// StaticPolicy applies the same limits to every owner.
type StaticPolicy struct {
	Concurrent int
	Wait       time.Duration
}

var _ Policy = StaticPolicy{}

// MaxConcurrent implements Policy.
func (p StaticPolicy) MaxConcurrent(string) int { return p.Concurrent }

// Cooldown implements Policy.
func (p StaticPolicy) Cooldown(string) time.Duration { return p.Wait }

// Service admits build requests into the shared queue.
type Service struct {
	store    job.Store
	policy   Policy
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

// WithNotifier sets where created events are published.
func WithNotifier(n stream.Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithMetrics sets the instrument set enqueues are counted on.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService creates an admission service over the given store and policy.
func NewService(store job.Store, policy Policy, opts ...Option) *Service {
	s := &Service{
		store:    store,
		policy:   policy,
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

// Enqueue admits an owner build at normal priority. Returns ErrOwnerBusy
// when the owner is at their concurrency cap and ErrCooldownActive while
// the cooldown since their last completed build is still running.
//
// The check and the insert are separate store operations. Two racing
// requests from one owner can both pass the gate; the worker-side
// duplicate skip catches what slips through, matching the upstream
// at-least-once posture.
func (s *Service) Enqueue(ctx context.Context, owner string, jobType job.Type) (*job.Job, error) {
	if limit := s.policy.MaxConcurrent(owner); limit > 0 {
		active, err := s.activeCount(ctx, owner)
		if err != nil {
			return nil, err
		}
		if active >= int64(limit) {
			return nil, buildq.ErrOwnerBusy
		}
	}

	if remaining, err := s.CooldownRemaining(ctx, owner); err != nil {
		return nil, err
	} else if remaining > 0 {
		return nil, buildq.ErrCooldownActive
	}

	return s.create(ctx, job.New(owner, jobType, job.PriorityNormal))
}

// EnqueueSystem admits a system-wide build at high priority, bypassing the
// owner gates.
func (s *Service) EnqueueSystem(ctx context.Context, jobType job.Type) (*job.Job, error) {
	return s.create(ctx, job.New("", jobType, job.PriorityHigh))
}

// CooldownRemaining returns how long the owner must still wait before the
// next build, or zero when they may enqueue now.
func (s *Service) CooldownRemaining(ctx context.Context, owner string) (time.Duration, error) {
	cd := s.policy.Cooldown(owner)
	if cd <= 0 {
		return 0, nil
	}

	last, err := s.store.LastCompletedForOwner(ctx, owner, "")
	if err != nil {
		return 0, fmt.Errorf("admission: last completed for %q: %w", owner, err)
	}
	if last == nil || last.CompletedAt == nil {
		return 0, nil
	}

	remaining := cd - time.Since(*last.CompletedAt)
	if remaining < 0 {
		return 0, nil
	}
	return remaining, nil
}

func (s *Service) create(ctx context.Context, j *job.Job) (*job.Job, error) {
	if err := s.store.CreateJob(ctx, j); err != nil {
		return nil, fmt.Errorf("admission: create job: %w", err)
	}

	s.metrics.JobsEnqueued.Add(ctx, 1)
	s.logger.Info("job enqueued",
		slog.String("job_id", j.ID.String()),
		slog.String("owner", j.Owner),
		slog.String("type", string(j.Type)),
		slog.Int("priority", int(j.Priority)),
	)

	s.notifier.JobCreated(ctx, j.Clone(), s.queueMeta(ctx, j))
	return j, nil
}

// queueMeta computes the created event's queue metadata. Metadata is
// decoration on a fire-and-forget event, so lookup failures degrade to nil
// rather than failing the enqueue.
func (s *Service) queueMeta(ctx context.Context, j *job.Job) *stream.QueueMeta {
	pos, err := s.store.QueuePosition(ctx, j.ID)
	if err != nil {
		s.logger.Warn("queue position lookup failed", slog.String("job_id", j.ID.String()), slog.Any("error", err))
		return nil
	}
	length, err := s.store.CountJobs(ctx, job.CountOpts{Status: job.StatusQueued})
	if err != nil {
		s.logger.Warn("queue length lookup failed", slog.Any("error", err))
		return nil
	}
	workers, err := s.store.ActiveWorkerCount(ctx)
	if err != nil {
		s.logger.Warn("active worker lookup failed", slog.Any("error", err))
		return nil
	}
	return &stream.QueueMeta{Position: pos, Length: int(length), ActiveWorkers: workers}
}

func (s *Service) activeCount(ctx context.Context, owner string) (int64, error) {
	// One active job is the common cap; answer it with the cheap
	// existence query.
	if s.policy.MaxConcurrent(owner) == 1 {
		busy, err := s.store.HasActiveJobForOwner(ctx, owner)
		if err != nil {
			return 0, fmt.Errorf("admission: active check for %q: %w", owner, err)
		}
		if busy {
			return 1, nil
		}
		return 0, nil
	}

	var total int64
	for _, status := range []job.Status{job.StatusQueued, job.StatusProcessing} {
		n, err := s.store.CountJobs(ctx, job.CountOpts{Status: status, Owner: owner})
		if err != nil {
			return 0, fmt.Errorf("admission: active count for %q: %w", owner, err)
		}
		total += n
	}
	return total, nil
}
