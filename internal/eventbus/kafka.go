package eventbus

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Kafka adapts the Bus contract onto Kafka. Each event name maps to a topic
// with the same name; every subscription joins its own consumer group, so
// independent subscribers each see every event. Commits are per-partition
// high watermarks, so a message is retried in place until it succeeds or the
// attempt cap drops it; only then does its offset commit. An uncommitted
// offset at crash is where at-least-once redelivery comes from.
type Kafka struct {
	brokers     []string
	groupID     string
	log         *zap.Logger
	retryDelay  time.Duration
	maxAttempts int

	mu      sync.Mutex
	writers map[string]*kafka.Writer
	cancels []context.CancelFunc
	wg      sync.WaitGroup
}

// KafkaOption configures a Kafka bus.
type KafkaOption func(*Kafka)

// WithDeliveryRetry overrides the in-place redelivery delay and attempt cap.
func WithDeliveryRetry(delay time.Duration, maxAttempts int) KafkaOption {
	return func(k *Kafka) {
		k.retryDelay = delay
		k.maxAttempts = maxAttempts
	}
}

// NewKafka creates a Kafka bus from a comma-separated broker list.
func NewKafka(brokersCSV, groupID string, log *zap.Logger, opts ...KafkaOption) *Kafka {
	var brokers []string
	for _, b := range strings.Split(brokersCSV, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	k := &Kafka{
		brokers:     brokers,
		groupID:     groupID,
		log:         log,
		retryDelay:  250 * time.Millisecond,
		maxAttempts: 5,
		writers:     make(map[string]*kafka.Writer),
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Publish writes the JSON envelope to the event's topic, keyed by event id
// for stable partitioning.
func (k *Kafka) Publish(ctx context.Context, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}
	err = k.writer(evt.Name).WriteMessages(ctx, kafka.Message{
		Key:   []byte(evt.ID),
		Value: data,
		Time:  evt.CreatedAt,
	})
	return errors.Wrapf(err, "publish %s", evt.Name)
}

// Subscribe starts a consumer-group reader for the event's topic.
func (k *Kafka) Subscribe(name string, h Handler) (unsubscribe func()) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  k.brokers,
		Topic:    name,
		GroupID:  k.groupID + "." + name,
		MinBytes: 1,
		MaxBytes: 10e6,
	})

	ctx, cancel := context.WithCancel(context.Background())
	k.mu.Lock()
	k.cancels = append(k.cancels, cancel)
	k.mu.Unlock()

	k.wg.Add(1)
	go k.consume(ctx, name, reader, h)

	return func() {
		cancel()
		_ = reader.Close()
	}
}

// Close stops all consumers and flushes writers.
func (k *Kafka) Close() error {
	k.mu.Lock()
	for _, cancel := range k.cancels {
		cancel()
	}
	k.cancels = nil
	writers := k.writers
	k.writers = make(map[string]*kafka.Writer)
	k.mu.Unlock()

	k.wg.Wait()

	var firstErr error
	for _, w := range writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (k *Kafka) writer(topic string) *kafka.Writer {
	k.mu.Lock()
	defer k.mu.Unlock()
	if w, ok := k.writers[topic]; ok {
		return w
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(k.brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
	k.writers[topic] = w
	return w
}

func (k *Kafka) consume(ctx context.Context, name string, reader *kafka.Reader, h Handler) {
	defer k.wg.Done()
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			k.log.Error("fetch message", zap.String("event", name), zap.Error(err))
			continue
		}

		var evt Event
		if err := json.Unmarshal(msg.Value, &evt); err != nil {
			// Poison envelope: commit so it does not wedge the partition.
			k.log.Error("malformed event envelope, skipping",
				zap.String("event", name), zap.Error(err))
			_ = reader.CommitMessages(ctx, msg)
			continue
		}

		if !k.deliver(ctx, name, evt, h) {
			return
		}

		if err := reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			k.log.Error("commit offset", zap.String("event", name), zap.Error(err))
		}
	}
}

// deliver retries the handler in place until it succeeds or the attempt cap
// drops the event. Committing a later offset implies every earlier one, so
// the consumer must not move past a failing message; it either resolves here
// or, on shutdown mid-retry, stays uncommitted for the group to redeliver.
// Returns false when the context ended before the event resolved.
func (k *Kafka) deliver(ctx context.Context, name string, evt Event, h Handler) bool {
	for attempt := 1; ; attempt++ {
		err := h(ctx, evt)
		if err == nil {
			return true
		}
		if attempt >= k.maxAttempts {
			k.log.Error("event dropped after max delivery attempts",
				zap.String("event", name),
				zap.String("event_id", evt.ID),
				zap.Int("attempts", attempt),
				zap.Error(err))
			return true
		}
		k.log.Warn("event handler failed, redelivering",
			zap.String("event", name),
			zap.String("event_id", evt.ID),
			zap.Int("attempt", attempt),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return false
		case <-time.After(k.retryDelay):
		}
	}
}
