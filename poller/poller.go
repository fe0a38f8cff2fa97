// Package poller implements the status broadcaster: a read-only loop that
// polls the store on a short cadence, diffs each job's observable snapshot
// against the last one it published, and pushes consolidated progress
// events plus exactly-once terminal notifications. It writes nothing to
// the store, so any number of broadcaster instances stay correct; only
// notification duplication rides on running one per stream surface.
package poller

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/filterforge/buildq"
	"github.com/filterforge/buildq/id"
	"github.com/filterforge/buildq/job"
	"github.com/filterforge/buildq/stream"
)

// DefaultTerminalCacheCap bounds the already-emitted terminal set before
// the broadcaster trims it to half.
const DefaultTerminalCacheCap = 1000

// Broadcaster polls active jobs and publishes their state changes.
type Broadcaster struct {
	store    job.Store
	notifier stream.Notifier
	interval time.Duration
	cacheCap int
	logger   *slog.Logger

	// snapshots holds the last published observable state per tracked
	// job. Only the loop goroutine touches it.
	snapshots map[string][]byte

	// emitted guards exactly-once terminal notifications. Trimmed to
	// half capacity in arrival order when it outgrows cacheCap.
	emitted      map[string]struct{}
	emittedOrder []string

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithLogger sets the broadcaster logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broadcaster) { b.logger = logger }
}

// WithTerminalCacheCap caps the emitted-terminal memory before trimming.
func WithTerminalCacheCap(n int) Option {
	return func(b *Broadcaster) { b.cacheCap = n }
}

// New creates a broadcaster that polls every interval and publishes
// through the notifier.
func New(store job.Store, notifier stream.Notifier, interval time.Duration, opts ...Option) *Broadcaster {
	b := &Broadcaster{
		store:     store,
		notifier:  notifier,
		interval:  interval,
		cacheCap:  DefaultTerminalCacheCap,
		logger:    slog.Default(),
		snapshots: make(map[string][]byte),
		emitted:   make(map[string]struct{}),
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start launches the polling loop. It returns immediately.
func (b *Broadcaster) Start(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return nil
	}
	b.running = true

	b.logger.Info("status broadcaster starting", slog.Duration("interval", b.interval))

	b.wg.Add(1)
	go b.loop()
	return nil
}

// Stop signals the loop to stop and waits for it to finish.
func (b *Broadcaster) Stop(_ context.Context) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	b.mu.Unlock()

	close(b.stopCh)
	b.wg.Wait()
	b.logger.Info("status broadcaster stopped")
	return nil
}

func (b *Broadcaster) loop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.Poll(context.Background())
		}
	}
}

// Poll runs one broadcast pass. Exposed so callers can force a pass
// outside the cadence.
func (b *Broadcaster) Poll(ctx context.Context) {
	active, err := b.store.ListActiveJobs(ctx)
	if err != nil {
		b.logger.Error("broadcast poll failed", slog.Any("error", err))
		return
	}

	seen := make(map[string]struct{}, len(active))
	queueLen, workers := summarize(active)

	position := 0
	for _, j := range active {
		key := j.ID.String()
		seen[key] = struct{}{}

		var meta *stream.QueueMeta
		if j.Status == job.StatusQueued {
			// Active jobs arrive in claim order, so the running index
			// over queued entries is the claim position.
			position++
			meta = &stream.QueueMeta{
				Position:      position,
				Length:        queueLen,
				ActiveWorkers: workers,
			}
		}

		// Queue placement is folded into the diffed state: a queued job
		// whose position shifts republishes, an unchanged queue stays
		// quiet.
		snap := j.Snapshot()
		if meta != nil {
			snap = fmt.Appendf(snap, "|q%d/%d/%d", meta.Position, meta.Length, meta.ActiveWorkers)
		}
		if prev, ok := b.snapshots[key]; ok && bytes.Equal(prev, snap) {
			continue
		}
		b.snapshots[key] = snap
		b.notifier.JobProgress(ctx, j, meta)
	}

	// Jobs that left the active set have reached a terminal state (or
	// vanished). Publish each terminal notification exactly once.
	for key := range b.snapshots {
		if _, ok := seen[key]; ok {
			continue
		}
		delete(b.snapshots, key)
		b.finalize(ctx, key)
	}
}

func (b *Broadcaster) finalize(ctx context.Context, key string) {
	if _, done := b.emitted[key]; done {
		return
	}

	jobID, err := id.ParseJobID(key)
	if err != nil {
		b.logger.Warn("broadcast: invalid tracked job id", slog.String("job_id", key))
		return
	}

	j, err := b.store.GetJob(ctx, jobID)
	if err != nil {
		if !errors.Is(err, buildq.ErrJobNotFound) {
			b.logger.Error("broadcast: terminal lookup failed",
				slog.String("job_id", key),
				slog.Any("error", err),
			)
		}
		return
	}
	if !j.Status.Terminal() {
		// Re-queued between polls; it will be tracked again next pass.
		return
	}

	b.markEmitted(key)
	b.notifier.JobFinished(ctx, j)
	b.logger.Debug("terminal notification published",
		slog.String("job_id", key),
		slog.String("status", string(j.Status)),
	)
}

// markEmitted records a terminal notification and trims the memory of old
// ones to half capacity once it outgrows the cap.
func (b *Broadcaster) markEmitted(key string) {
	b.emitted[key] = struct{}{}
	b.emittedOrder = append(b.emittedOrder, key)

	if len(b.emittedOrder) <= b.cacheCap {
		return
	}
	keep := b.cacheCap / 2
	drop := b.emittedOrder[:len(b.emittedOrder)-keep]
	for _, old := range drop {
		delete(b.emitted, old)
	}
	b.emittedOrder = append([]string(nil), b.emittedOrder[len(b.emittedOrder)-keep:]...)
}

// summarize derives queue metadata from one active listing, avoiding
// per-job store round trips.
func summarize(active []*job.Job) (queueLen int, workers int) {
	distinct := make(map[string]struct{})
	for _, j := range active {
		switch j.Status {
		case job.StatusQueued:
			queueLen++
		case job.StatusProcessing:
			if !j.WorkerID.IsNil() {
				distinct[j.WorkerID.String()] = struct{}{}
			}
		}
	}
	return queueLen, len(distinct)
}
