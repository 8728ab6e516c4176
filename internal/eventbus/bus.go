// Package eventbus defines the asynchronous publish/subscribe contract the
// settlement pipeline is driven by, plus in-process and Kafka-backed
// implementations.
//
// Delivery is at-least-once with no ordering guarantee across distinct event
// names: handlers must be idempotent. A handler error means the event will be
// redelivered.
package eventbus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
)

// Domain event names.
const (
	EventOrderPlaced      = "order.placed"
	EventDiscountConsumed = "discount.consumed"
	EventGiftCardIssued   = "gift_card.issued"
)

// Event is the envelope carried on the bus. ID survives redelivery, so
// subscribers can use it for their own deduplication if they keep markers.
type Event struct {
	ID        string          `json:"event_id"`
	Name      string          `json:"name"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// NewEvent wraps a payload into an envelope with a fresh event id.
func NewEvent(name string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, errors.Wrap(err, "marshal payload")
	}
	return Event{
		ID:        uuid.New().String(),
		Name:      name,
		Payload:   data,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Handler processes one delivery. Returning an error requests redelivery.
type Handler func(ctx context.Context, evt Event) error

// Bus is the pub/sub contract. Subscribe returns a cancel function that
// unsubscribes the handler; teardown at process shutdown goes through it.
type Bus interface {
	Publish(ctx context.Context, evt Event) error
	Subscribe(name string, h Handler) (unsubscribe func())
}

// OrderPlaced is the payload of EventOrderPlaced.
type OrderPlaced struct {
	OrderID string `json:"id"`
}

// DiscountConsumed is the payload of EventDiscountConsumed.
type DiscountConsumed struct {
	OrderID    string `json:"order_id"`
	DiscountID string `json:"discount_id"`
}

// GiftCardIssued is the payload of EventGiftCardIssued.
type GiftCardIssued struct {
	OrderID    string `json:"order_id"`
	GiftCardID string `json:"gift_card_id"`
	Value      int64  `json:"value"`
}
