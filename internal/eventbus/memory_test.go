package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func publishOrderPlaced(t *testing.T, bus *Memory, orderID string) {
	t.Helper()
	evt, err := NewEvent(EventOrderPlaced, OrderPlaced{OrderID: orderID})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), evt))
}

func TestMemory_DeliversToAllSubscribers(t *testing.T) {
	bus := NewMemory(zap.NewNop())
	defer bus.Close()

	var (
		mu   sync.Mutex
		got  []string
		done = make(chan struct{}, 2)
	)
	record := func(tag string) Handler {
		return func(_ context.Context, evt Event) error {
			mu.Lock()
			got = append(got, tag+":"+evt.Name)
			mu.Unlock()
			done <- struct{}{}
			return nil
		}
	}

	bus.Subscribe(EventOrderPlaced, record("a"))
	bus.Subscribe(EventOrderPlaced, record("b"))

	publishOrderPlaced(t, bus, "order_1")

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for delivery")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"a:order.placed", "b:order.placed"}, got)
}

func TestMemory_RedeliversOnHandlerError(t *testing.T) {
	bus := NewMemory(zap.NewNop(), WithRetry(time.Millisecond, 10))
	defer bus.Close()

	var (
		mu       sync.Mutex
		attempts int
	)
	done := make(chan struct{})
	bus.Subscribe(EventOrderPlaced, func(context.Context, Event) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return assert.AnError
		}
		close(done)
		return nil
	})

	publishOrderPlaced(t, bus, "order_1")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for redelivery")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, attempts)
}

func TestMemory_UnsubscribeStopsDelivery(t *testing.T) {
	bus := NewMemory(zap.NewNop())
	defer bus.Close()

	delivered := make(chan Event, 4)
	unsubscribe := bus.Subscribe(EventOrderPlaced, func(_ context.Context, evt Event) error {
		delivered <- evt
		return nil
	})

	publishOrderPlaced(t, bus, "order_1")
	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first delivery")
	}

	unsubscribe()
	publishOrderPlaced(t, bus, "order_2")

	select {
	case evt := <-delivered:
		t.Fatalf("unexpected delivery after unsubscribe: %s", evt.ID)
	case <-time.After(100 * time.Millisecond):
	}
}

// A publisher blocked on a slow subscriber's full buffer must come back
// cleanly when the bus shuts down underneath it.
func TestMemory_CloseDuringBlockedPublish(t *testing.T) {
	bus := NewMemory(zap.NewNop())

	gate := make(chan struct{})
	bus.Subscribe(EventOrderPlaced, func(context.Context, Event) error {
		<-gate
		return nil
	})

	pubErr := make(chan error, 1)
	go func() {
		var err error
		for i := 0; i < 100 && err == nil; i++ {
			var evt Event
			evt, err = NewEvent(EventOrderPlaced, OrderPlaced{OrderID: "order_1"})
			if err != nil {
				break
			}
			err = bus.Publish(context.Background(), evt)
		}
		pubErr <- err
	}()

	// Let the publisher wedge on the full buffer, then shut down while it
	// is still blocked.
	time.Sleep(50 * time.Millisecond)
	closed := make(chan struct{})
	go func() {
		bus.Close()
		close(closed)
	}()
	time.Sleep(50 * time.Millisecond)
	close(gate)

	select {
	case err := <-pubErr:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("publisher still blocked after close")
	}
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("close did not finish")
	}
}

func TestMemory_NoSubscribers(t *testing.T) {
	bus := NewMemory(zap.NewNop())
	defer bus.Close()

	// Publishing with nobody listening must not block or fail.
	publishOrderPlaced(t, bus, "order_1")
}

func TestNewEvent(t *testing.T) {
	evt, err := NewEvent(EventGiftCardIssued, GiftCardIssued{OrderID: "order_1", GiftCardID: "gc_1", Value: 2500})

	require.NoError(t, err)
	assert.NotEmpty(t, evt.ID)
	assert.Equal(t, EventGiftCardIssued, evt.Name)
	assert.JSONEq(t, `{"order_id":"order_1","gift_card_id":"gc_1","value":2500}`, string(evt.Payload))
}
