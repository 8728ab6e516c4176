package eventbus

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Memory is an in-process Bus used by tests and single-binary deployments.
// Each subscription gets its own worker goroutine; a failed handler is
// retried with a fixed delay up to maxAttempts, reproducing the at-least-once
// redelivery the Kafka adapter gets from uncommitted offsets.
type Memory struct {
	log         *zap.Logger
	retryDelay  time.Duration
	maxAttempts int
	buffer      int

	mu     sync.Mutex
	subs   map[string][]*memorySub
	nextID int
	closed bool

	wg sync.WaitGroup
}

// memorySub's event channel is never closed: shutdown is signalled on done,
// so publishers racing an unsubscribe cannot hit a closed channel.
type memorySub struct {
	id      int
	handler Handler
	ch      chan Event
	done    chan struct{}
}

// MemoryOption configures a Memory bus.
type MemoryOption func(*Memory)

// WithRetry overrides the redelivery delay and attempt cap.
func WithRetry(delay time.Duration, maxAttempts int) MemoryOption {
	return func(m *Memory) {
		m.retryDelay = delay
		m.maxAttempts = maxAttempts
	}
}

// NewMemory creates an in-process bus.
func NewMemory(log *zap.Logger, opts ...MemoryOption) *Memory {
	m := &Memory{
		log:         log,
		retryDelay:  250 * time.Millisecond,
		maxAttempts: 5,
		buffer:      64,
		subs:        make(map[string][]*memorySub),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Publish fans the event out to every subscription for its name. Enqueueing
// blocks when a subscriber's buffer is full, so publishers feel backpressure
// instead of silently losing events. A subscription that is tearing down is
// skipped.
func (m *Memory) Publish(ctx context.Context, evt Event) error {
	m.mu.Lock()
	targets := make([]*memorySub, len(m.subs[evt.Name]))
	copy(targets, m.subs[evt.Name])
	m.mu.Unlock()

	for _, sub := range targets {
		select {
		case sub.ch <- evt:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe registers a handler and starts its delivery worker.
func (m *Memory) Subscribe(name string, h Handler) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return func() {}
	}

	m.nextID++
	sub := &memorySub{
		id:      m.nextID,
		handler: h,
		ch:      make(chan Event, m.buffer),
		done:    make(chan struct{}),
	}
	m.subs[name] = append(m.subs[name], sub)

	m.wg.Add(1)
	go m.deliver(name, sub)

	return func() { m.remove(name, sub.id) }
}

// Close unsubscribes everything and waits for in-flight deliveries.
func (m *Memory) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	for _, subs := range m.subs {
		for _, sub := range subs {
			close(sub.done)
		}
	}
	m.subs = make(map[string][]*memorySub)
	m.mu.Unlock()

	m.wg.Wait()
}

func (m *Memory) remove(name string, id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subs[name]
	for i, sub := range subs {
		if sub.id == id {
			m.subs[name] = append(subs[:i], subs[i+1:]...)
			close(sub.done)
			return
		}
	}
}

func (m *Memory) deliver(name string, sub *memorySub) {
	defer m.wg.Done()
	for {
		select {
		case evt := <-sub.ch:
			m.handle(name, sub.handler, evt)
		case <-sub.done:
			// Drain what publishers enqueued before the shutdown signal.
			for {
				select {
				case evt := <-sub.ch:
					m.handle(name, sub.handler, evt)
				default:
					return
				}
			}
		}
	}
}

func (m *Memory) handle(name string, h Handler, evt Event) {
	for attempt := 1; ; attempt++ {
		err := h(context.Background(), evt)
		if err == nil {
			return
		}
		if attempt >= m.maxAttempts {
			m.log.Error("event dropped after max delivery attempts",
				zap.String("event", name),
				zap.String("event_id", evt.ID),
				zap.Int("attempts", attempt),
				zap.Error(err))
			return
		}
		m.log.Warn("event handler failed, redelivering",
			zap.String("event", name),
			zap.String("event_id", evt.ID),
			zap.Int("attempt", attempt),
			zap.Error(err))
		time.Sleep(m.retryDelay)
	}
}
