// Package worker runs build handlers against claimed jobs. A pool claims
// jobs through the queue service, executes the configured handler with a
// per-job cancellable context, heartbeats every active claim on a shared
// cadence, and translates the handler outcome into exactly one terminal
// transition (or a release back to the queue on shutdown).
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/filterforge/buildq/backoff"
	"github.com/filterforge/buildq/id"
	"github.com/filterforge/buildq/job"
	"github.com/filterforge/buildq/progress"
	"github.com/filterforge/buildq/queue"
)

// ProgressReporter writes the handler's current progress document. It
// returns false when the worker no longer owns the job; the handler should
// stop work promptly in that case.
type ProgressReporter func(ctx context.Context, p progress.Progress) bool

// Handler executes one build job. Returning a Summary completes the job;
// returning a SkipError skips it; any other error fails it. The context is
// cancelled when the pool shuts down hard or the claim is lost.
type Handler func(ctx context.Context, j *job.Job, report ProgressReporter) (*job.Summary, error)

// SkipError signals that the job should be declined rather than failed,
// for example when an equivalent build already ran.
type SkipError struct {
	Reason string
}

func (e *SkipError) Error() string { return "worker: skip: " + e.Reason }

// Skip returns an error that makes the pool skip the job with the given
// reason.
func Skip(reason string) error { return &SkipError{Reason: reason} }

// Pool manages a set of concurrent worker goroutines that claim and
// execute jobs.
type Pool struct {
	queue    *queue.Service
	handler  Handler
	workerID id.WorkerID
	logger   *slog.Logger

	concurrency       int
	claimInterval     time.Duration
	heartbeatInterval time.Duration
	strategy          backoff.Strategy

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	activeJobs map[id.JobID]context.CancelFunc
	activeMu   sync.Mutex
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithConcurrency sets the number of concurrent worker goroutines.
func WithConcurrency(n int) PoolOption {
	return func(p *Pool) { p.concurrency = n }
}

// WithClaimInterval sets the base delay between claim attempts on an
// empty queue.
func WithClaimInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.claimInterval = d }
}

// WithHeartbeatInterval sets how often the pool heartbeats active claims.
func WithHeartbeatInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.heartbeatInterval = d }
}

// WithBackoff sets the idle-delay strategy used between empty claims.
func WithBackoff(s backoff.Strategy) PoolOption {
	return func(p *Pool) { p.strategy = s }
}

// WithLogger sets the pool logger.
func WithLogger(logger *slog.Logger) PoolOption {
	return func(p *Pool) { p.logger = logger }
}

// NewPool creates a worker pool executing handler for every claimed job.
func NewPool(q *queue.Service, handler Handler, opts ...PoolOption) *Pool {
	p := &Pool{
		queue:             q,
		handler:           handler,
		workerID:          id.NewWorkerID(),
		logger:            slog.Default(),
		concurrency:       1,
		claimInterval:     time.Second,
		heartbeatInterval: 30 * time.Second,
		stopCh:            make(chan struct{}),
		activeJobs:        make(map[id.JobID]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.strategy == nil {
		p.strategy = backoff.DefaultStrategy(p.claimInterval)
	}
	return p
}

// WorkerID returns the pool's unique worker identifier.
func (p *Pool) WorkerID() id.WorkerID { return p.workerID }

// Start launches the worker goroutines. It returns immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true

	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.workerID.String()),
		slog.Int("concurrency", p.concurrency),
		slog.Duration("heartbeat_interval", p.heartbeatInterval),
	)

	for range p.concurrency {
		p.wg.Add(1)
		go p.claimLoop()
	}

	p.wg.Add(1)
	go p.heartbeatLoop()

	return nil
}

// Stop signals all workers to stop and waits for them to finish. If the
// context has a deadline, active jobs are cancelled when time runs out;
// cancelled handlers surface a context error and their jobs are released
// back to the queue.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.String("worker_id", p.workerID.String()))

	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active jobs")
		p.cancelActiveJobs()
		p.wg.Wait()
	}

	return nil
}

// claimLoop is run by each worker goroutine.
func (p *Pool) claimLoop() {
	defer p.wg.Done()

	idle := 0
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		j, err := p.queue.Claim(context.Background(), p.workerID)
		if err != nil {
			p.logger.Error("claim failed", slog.Any("error", err))
			p.sleep(p.strategy.Delay(idle))
			idle++
			continue
		}
		if j == nil {
			p.sleep(p.strategy.Delay(idle))
			idle++
			continue
		}
		idle = 0

		p.execute(j)
	}
}

// execute runs the handler for one claimed job and applies exactly one
// outcome transition.
func (p *Pool) execute(j *job.Job) {
	ctx, cancel := context.WithCancel(context.Background())
	p.trackJob(j.ID, cancel)
	defer func() {
		p.untrackJob(j.ID)
		cancel()
	}()

	report := func(rctx context.Context, pr progress.Progress) bool {
		ok, err := p.queue.UpdateProgress(rctx, j.ID, p.workerID, pr)
		if err != nil {
			p.logger.Warn("progress update failed",
				slog.String("job_id", j.ID.String()),
				slog.Any("error", err),
			)
			return true
		}
		if !ok {
			// Ownership lost. Cancel so the handler winds down.
			cancel()
		}
		return ok
	}

	summary, handlerErr := p.runHandler(ctx, j, report)
	p.finish(ctx, j, summary, handlerErr)
}

// runHandler invokes the handler, converting a panic into a failure
// instead of taking down the worker goroutine.
func (p *Pool) runHandler(ctx context.Context, j *job.Job, report ProgressReporter) (summary *job.Summary, err error) {
	defer func() {
		if r := recover(); r != nil {
			summary = nil
			err = fmt.Errorf("worker: handler panic: %v", r)
		}
	}()
	return p.handler(ctx, j, report)
}

func (p *Pool) finish(ctx context.Context, j *job.Job, summary *job.Summary, handlerErr error) {
	bg := context.Background()

	switch {
	case handlerErr == nil:
		if summary == nil {
			summary = &job.Summary{}
		}
		p.transition(j, "complete", func() (bool, error) {
			return p.queue.Complete(bg, j.ID, p.workerID, summary)
		})

	case isSkip(handlerErr):
		var skip *SkipError
		errors.As(handlerErr, &skip)
		p.transition(j, "skip", func() (bool, error) {
			return p.queue.Skip(bg, j.ID, p.workerID, skip.Reason)
		})

	case ctx.Err() != nil:
		// The handler aborted because the pool is shutting down or the
		// claim was lost. Put the job back instead of failing it.
		p.transition(j, "release", func() (bool, error) {
			return p.queue.Release(bg, j.ID, p.workerID)
		})

	default:
		p.logger.Error("build handler failed",
			slog.String("job_id", j.ID.String()),
			slog.String("owner", j.Owner),
			slog.Any("error", handlerErr),
		)
		p.transition(j, "fail", func() (bool, error) {
			return p.queue.Fail(bg, j.ID, p.workerID, []string{handlerErr.Error()})
		})
	}
}

// transition applies one outcome write, logging when the claim turned out
// to be stale. A stale outcome is not an error: the reaper or another
// worker already took the job over.
func (p *Pool) transition(j *job.Job, op string, fn func() (bool, error)) {
	ok, err := fn()
	if err != nil {
		p.logger.Error("job transition failed",
			slog.String("job_id", j.ID.String()),
			slog.String("op", op),
			slog.Any("error", err),
		)
		return
	}
	if !ok {
		p.logger.Warn("job transition ignored, claim no longer held",
			slog.String("job_id", j.ID.String()),
			slog.String("op", op),
		)
	}
}

func isSkip(err error) bool {
	var skip *SkipError
	return errors.As(err, &skip)
}

// heartbeatLoop periodically heartbeats every active claim.
func (p *Pool) heartbeatLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.sendHeartbeats()
		}
	}
}

func (p *Pool) sendHeartbeats() {
	p.activeMu.Lock()
	active := make(map[id.JobID]context.CancelFunc, len(p.activeJobs))
	for jobID, cancel := range p.activeJobs {
		active[jobID] = cancel
	}
	p.activeMu.Unlock()

	for jobID, cancel := range active {
		ok, err := p.queue.Heartbeat(context.Background(), jobID, p.workerID)
		if err != nil {
			p.logger.Warn("heartbeat failed",
				slog.String("job_id", jobID.String()),
				slog.Any("error", err),
			)
			continue
		}
		if !ok {
			// The claim was reaped or finished elsewhere. Cancel the
			// handler so it stops working on a job it no longer owns.
			p.logger.Warn("heartbeat rejected, cancelling handler",
				slog.String("job_id", jobID.String()),
			)
			cancel()
		}
	}
}

func (p *Pool) sleep(d time.Duration) {
	select {
	case <-time.After(d):
	case <-p.stopCh:
	}
}

func (p *Pool) trackJob(jobID id.JobID, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.activeJobs[jobID] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrackJob(jobID id.JobID) {
	p.activeMu.Lock()
	delete(p.activeJobs, jobID)
	p.activeMu.Unlock()
}

func (p *Pool) cancelActiveJobs() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for jobID, cancel := range p.activeJobs {
		p.logger.Warn("cancelling active job", slog.String("job_id", jobID.String()))
		cancel()
	}
}
