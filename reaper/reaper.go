// Package reaper implements the liveness sweep: a periodic pass that
// requeues processing jobs whose workers stopped heartbeating. The
// staleness condition is evaluated by the store at write time, so the
// sweep can never steal a job that was re-claimed between cadences.
package reaper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/filterforge/buildq/job"
	"github.com/filterforge/buildq/observability"
)

// Reaper periodically resets stale jobs.
type Reaper struct {
	store    job.Store
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
	metrics  *observability.Metrics

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// Option configures a Reaper.
type Option func(*Reaper)

// WithLogger sets the reaper logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reaper) { r.logger = logger }
}

// WithMetrics sets the instrument set reap counts are recorded on.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Reaper) { r.metrics = m }
}

// New creates a reaper that sweeps every interval, requeuing processing
// jobs with no heartbeat for timeout.
func New(store job.Store, interval, timeout time.Duration, opts ...Option) *Reaper {
	r := &Reaper{
		store:    store,
		interval: interval,
		timeout:  timeout,
		logger:   slog.Default(),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.metrics == nil {
		r.metrics = observability.NewMetrics()
	}
	return r
}

// Start launches the sweep loop. It returns immediately.
func (r *Reaper) Start(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return nil
	}
	r.running = true

	r.logger.Info("reaper starting",
		slog.Duration("interval", r.interval),
		slog.Duration("stale_timeout", r.timeout),
	)

	r.wg.Add(1)
	go r.loop()
	return nil
}

// Stop signals the loop to stop and waits for it to finish.
func (r *Reaper) Stop(_ context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	r.mu.Unlock()

	close(r.stopCh)
	r.wg.Wait()
	r.logger.Info("reaper stopped")
	return nil
}

func (r *Reaper) loop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.Sweep(context.Background())
		}
	}
}

// Sweep runs one reap pass and returns how many jobs it reset. Exposed so
// callers can force a pass outside the cadence.
func (r *Reaper) Sweep(ctx context.Context) int64 {
	reset, err := r.store.ResetStaleJobs(ctx, r.timeout)
	if err != nil {
		r.logger.Error("reap sweep failed", slog.Any("error", err))
		return 0
	}
	if reset > 0 {
		r.metrics.JobsReaped.Add(ctx, reset)
		r.logger.Info("requeued stale jobs",
			slog.Int64("count", reset),
			slog.Duration("stale_timeout", r.timeout),
		)
	}
	return reset
}
