package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/filterforge/buildq/job"
	"github.com/filterforge/buildq/observability"
)

// Notifier is the outbound notification surface. Admission emits created
// events, the coordination service emits immediate skip events, and the
// status broadcaster emits progress and terminal events. All methods are
// fire-and-forget: a slow or absent listener never blocks a writer.
type Notifier interface {
	// JobCreated announces a newly admitted job.
	JobCreated(ctx context.Context, j *job.Job, queue *QueueMeta)

	// JobProgress announces a change in a job's observable state.
	JobProgress(ctx context.Context, j *job.Job, queue *QueueMeta)

	// JobFinished announces a job's terminal state, whatever the outcome.
	JobFinished(ctx context.Context, j *job.Job)

	// JobSkipped announces a worker declining a job, ahead of the
	// broadcaster's terminal event.
	JobSkipped(ctx context.Context, j *job.Job)
}

// Compile-time interface checks.
var (
	_ Notifier = (*Broker)(nil)
	_ Notifier = NopNotifier{}
)

// NopNotifier discards all notifications.
type NopNotifier struct{}

func (NopNotifier) JobCreated(context.Context, *job.Job, *QueueMeta)  {}
func (NopNotifier) JobProgress(context.Context, *job.Job, *QueueMeta) {}
func (NopNotifier) JobFinished(context.Context, *job.Job)             {}
func (NopNotifier) JobSkipped(context.Context, *job.Job)              {}

// DefaultBufferSize is the default per-subscriber event buffer.
const DefaultBufferSize = 256

// DefaultCredits is the default initial credits for new subscribers.
const DefaultCredits int64 = 1000

// Broker fans lifecycle events out to subscribers via topic pub/sub. It
// implements Notifier, so the engine's writers publish through it without
// knowing about subscriptions.
type Broker struct {
	topics  *TopicRegistry
	logger  *slog.Logger
	metrics *observability.Metrics

	subscribers sync.Map // subscriberID → *Subscriber

	bufferSize     int
	defaultCredits int64
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithBufferSize sets the per-subscriber event buffer size.
func WithBufferSize(size int) BrokerOption {
	return func(b *Broker) { b.bufferSize = size }
}

// WithDefaultCredits sets the initial credits for new subscribers.
func WithDefaultCredits(credits int64) BrokerOption {
	return func(b *Broker) { b.defaultCredits = credits }
}

// WithMetrics sets the instrument set delivery counts are recorded on.
func WithMetrics(m *observability.Metrics) BrokerOption {
	return func(b *Broker) { b.metrics = m }
}

// NewBroker creates a stream broker.
func NewBroker(logger *slog.Logger, opts ...BrokerOption) *Broker {
	b := &Broker{
		topics:         NewTopicRegistry(),
		logger:         logger,
		bufferSize:     DefaultBufferSize,
		defaultCredits: DefaultCredits,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.metrics == nil {
		b.metrics = observability.NewMetrics()
	}
	return b
}

// Topics returns the topic registry for external transports.
func (b *Broker) Topics() *TopicRegistry { return b.topics }

// Subscribe creates a new subscriber on the given topics.
func (b *Broker) Subscribe(subscriberID string, topics ...string) *Subscriber {
	sub := NewSubscriber(subscriberID, b.bufferSize, b.defaultCredits)
	b.subscribers.Store(subscriberID, sub)
	for _, topic := range topics {
		b.topics.Subscribe(topic, sub)
	}
	return sub
}

// SubscribeTo adds an existing subscriber to additional topics.
func (b *Broker) SubscribeTo(subscriberID string, topics ...string) {
	val, ok := b.subscribers.Load(subscriberID)
	if !ok {
		return
	}
	sub := val.(*Subscriber) //nolint:errcheck // sync.Map always stores *Subscriber
	for _, topic := range topics {
		b.topics.Subscribe(topic, sub)
	}
}

// Unsubscribe removes a subscriber from specific topics.
func (b *Broker) Unsubscribe(subscriberID string, topics ...string) {
	for _, topic := range topics {
		b.topics.Unsubscribe(topic, subscriberID)
	}
}

// RemoveSubscriber removes a subscriber from all topics and closes it.
func (b *Broker) RemoveSubscriber(subscriberID string) {
	b.topics.UnsubscribeAll(subscriberID)
	if val, ok := b.subscribers.LoadAndDelete(subscriberID); ok {
		val.(*Subscriber).Close() //nolint:errcheck // sync.Map always stores *Subscriber
	}
}

// GetSubscriber returns a subscriber by ID.
func (b *Broker) GetSubscriber(subscriberID string) (*Subscriber, bool) {
	val, ok := b.subscribers.Load(subscriberID)
	if !ok {
		return nil, false
	}
	return val.(*Subscriber), true //nolint:errcheck // sync.Map always stores *Subscriber
}

// SubscriberCount returns the number of registered subscribers.
func (b *Broker) SubscriberCount() int {
	count := 0
	b.subscribers.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

// ── Notifier implementation ─────────────────────────

// JobCreated implements Notifier.
func (b *Broker) JobCreated(ctx context.Context, j *job.Job, queue *QueueMeta) {
	b.publish(ctx, EventJobCreated, j, queue)
}

// JobProgress implements Notifier.
func (b *Broker) JobProgress(ctx context.Context, j *job.Job, queue *QueueMeta) {
	b.publish(ctx, EventJobProgress, j, queue)
}

// JobFinished implements Notifier.
func (b *Broker) JobFinished(ctx context.Context, j *job.Job) {
	b.publish(ctx, EventJobCompleted, j, nil)
}

// JobSkipped implements Notifier.
func (b *Broker) JobSkipped(ctx context.Context, j *job.Job) {
	b.publish(ctx, EventJobSkipped, j, nil)
}

// publish fans one event out to the job's topics. Callers pass jobs the
// broker may hold onto, so writers hand in clones.
func (b *Broker) publish(ctx context.Context, evtType EventType, j *job.Job, queue *QueueMeta) {
	evt := &Event{
		Type:      evtType,
		Timestamp: time.Now().UTC(),
		Topic:     JobTopic(j.ID.String()),
		Data:      mustMarshal(JobEventData{Job: j, Queue: queue}),
	}

	delivered, dropped := b.topics.Broadcast(topicsFor(j), evt)
	b.metrics.RecordEventDelivery(ctx, string(evtType), delivered, dropped)
	if dropped > 0 {
		b.logger.Debug("dropped events for slow subscribers",
			slog.String("event_type", string(evtType)),
			slog.String("job_id", j.ID.String()),
			slog.Int("dropped", dropped),
		)
	}
}

// mustMarshal marshals event data, panicking on error (programming error).
func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic("stream: marshal event data: " + err.Error())
	}
	return data
}

// Close removes and closes every subscriber.
func (b *Broker) Close() {
	b.subscribers.Range(func(key, value any) bool {
		sub := value.(*Subscriber) //nolint:errcheck // sync.Map always stores *Subscriber
		b.topics.UnsubscribeAll(sub.ID())
		sub.Close()
		b.subscribers.Delete(key)
		return true
	})
	b.logger.Info("stream broker shut down")
}
