package engine

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/metric"

	"github.com/filterforge/buildq"
	"github.com/filterforge/buildq/admission"
	"github.com/filterforge/buildq/observability"
	"github.com/filterforge/buildq/poller"
	"github.com/filterforge/buildq/queue"
	"github.com/filterforge/buildq/reaper"
	"github.com/filterforge/buildq/store"
	"github.com/filterforge/buildq/stream"
	"github.com/filterforge/buildq/worker"
)

const meterName = "github.com/filterforge/buildq"

// Engine bundles the coordination core. Use Build to create one.
type Engine struct {
	cfg    buildq.Config
	store  store.Store
	logger *slog.Logger

	metrics     *observability.Metrics
	broker      *stream.Broker
	admission   *admission.Service
	queue       *queue.Service
	reaper      *reaper.Reaper
	broadcaster *poller.Broadcaster
	pool        *worker.Pool

	// Build-time inputs.
	policy            admission.Policy
	handler           worker.Handler
	notifier          stream.Notifier
	meterProvider     metric.MeterProvider
	workerConcurrency int
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig sets the timing configuration. Defaults to
// buildq.DefaultConfig().
func WithConfig(cfg buildq.Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithLogger sets the logger shared by all subsystems.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithPolicy sets the admission policy. Defaults to a static policy of
// one active job per owner and the configured cooldown.
func WithPolicy(p admission.Policy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithHandler sets the build handler. Without one the engine runs no
// worker pool and only coordinates jobs claimed by external workers.
func WithHandler(h worker.Handler) Option {
	return func(e *Engine) { e.handler = h }
}

// WithNotifier routes lifecycle notifications somewhere other than the
// engine's own broker. The broker keeps serving Stream() subscribers of
// events published through it; the services publish to the given
// notifier instead.
func WithNotifier(n stream.Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithWorkerConcurrency overrides the configured claiming-goroutine
// count for the worker pool.
func WithWorkerConcurrency(n int) Option {
	return func(e *Engine) { e.workerConcurrency = n }
}

// WithMeterProvider sets a custom OTel MeterProvider. If not set, the
// global otel.GetMeterProvider() is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(e *Engine) { e.meterProvider = mp }
}

// Build wires an Engine over the given store.
func Build(s store.Store, opts ...Option) (*Engine, error) {
	if s == nil {
		return nil, buildq.ErrNoStore
	}

	e := &Engine{
		cfg:    buildq.DefaultConfig(),
		store:  s,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.meterProvider != nil {
		e.metrics = observability.NewMetricsWithMeter(e.meterProvider.Meter(meterName))
	} else {
		e.metrics = observability.NewMetrics()
	}

	e.broker = stream.NewBroker(e.logger, stream.WithMetrics(e.metrics))
	if e.notifier == nil {
		e.notifier = e.broker
	}

	if e.policy == nil {
		e.policy = admission.StaticPolicy{Concurrent: 1, Wait: e.cfg.Cooldown}
	}
	e.admission = admission.NewService(e.store, e.policy,
		admission.WithLogger(e.logger),
		admission.WithNotifier(e.notifier),
		admission.WithMetrics(e.metrics),
	)

	e.queue = queue.NewService(e.store,
		queue.WithLogger(e.logger),
		queue.WithNotifier(e.notifier),
		queue.WithMetrics(e.metrics),
	)

	e.reaper = reaper.New(e.store, e.cfg.ReaperInterval, e.cfg.StaleJobTimeout,
		reaper.WithLogger(e.logger),
		reaper.WithMetrics(e.metrics),
	)

	e.broadcaster = poller.New(e.store, e.notifier, e.cfg.BroadcastInterval,
		poller.WithLogger(e.logger),
		poller.WithTerminalCacheCap(e.cfg.TerminalCacheCap),
	)

	if e.handler != nil {
		concurrency := e.cfg.Concurrency
		if e.workerConcurrency > 0 {
			concurrency = e.workerConcurrency
		}
		e.pool = worker.NewPool(e.queue, e.handler,
			worker.WithConcurrency(concurrency),
			worker.WithClaimInterval(e.cfg.ClaimInterval),
			worker.WithHeartbeatInterval(e.cfg.HeartbeatInterval),
			worker.WithLogger(e.logger),
		)
	}

	return e, nil
}

// Start migrates the store and launches the background loops. It returns
// once everything is running.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.store.Migrate(ctx); err != nil {
		return fmt.Errorf("engine: migrate store: %w", err)
	}

	if err := e.reaper.Start(ctx); err != nil {
		return fmt.Errorf("engine: start reaper: %w", err)
	}
	if err := e.broadcaster.Start(ctx); err != nil {
		return fmt.Errorf("engine: start broadcaster: %w", err)
	}
	if e.pool != nil {
		if err := e.pool.Start(ctx); err != nil {
			return fmt.Errorf("engine: start worker pool: %w", err)
		}
	}

	e.logger.Info("engine started")
	return nil
}

// Stop shuts the engine down, worker pool first so in-flight jobs get
// released or finished before the loops reading their state go away. The
// configured ShutdownTimeout bounds the wait when ctx has no deadline.
func (e *Engine) Stop(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.ShutdownTimeout)
		defer cancel()
	}

	if e.pool != nil {
		if err := e.pool.Stop(ctx); err != nil {
			e.logger.Error("worker pool stop error", slog.Any("error", err))
		}
	}

	if err := e.broadcaster.Stop(ctx); err != nil {
		e.logger.Error("broadcaster stop error", slog.Any("error", err))
	}
	// One final pass, after the loop has stopped, so terminal transitions
	// from the pool shutdown still reach subscribers.
	e.broadcaster.Poll(ctx)

	if err := e.reaper.Stop(ctx); err != nil {
		e.logger.Error("reaper stop error", slog.Any("error", err))
	}
	e.broker.Close()

	e.logger.Info("engine stopped")
	return nil
}

// Admission returns the admission service callers enqueue through.
func (e *Engine) Admission() *admission.Service { return e.admission }

// Queue returns the coordination service workers go through.
func (e *Engine) Queue() *queue.Service { return e.queue }

// Stream returns the event broker for subscribing to job updates.
func (e *Engine) Stream() *stream.Broker { return e.broker }

// Config returns the engine's effective configuration.
func (e *Engine) Config() buildq.Config { return e.cfg }
