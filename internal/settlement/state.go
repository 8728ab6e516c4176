package settlement

import (
	"context"

	"github.com/go-faster/errors"
)

// State is the persisted progress of one order's settlement. Any step's
// failure leaves the order in its last completed state, safe to resume when
// the event is redelivered.
type State string

const (
	StatePlaced            State = "placed"
	StateGiftCardsIssued   State = "gift_cards_issued"
	StateDiscountsConsumed State = "discounts_consumed"
	StateDraftReconciled   State = "draft_reconciled"
	StateSettled           State = "settled"
)

var stateRank = map[State]int{
	StatePlaced:            0,
	StateGiftCardsIssued:   1,
	StateDiscountsConsumed: 2,
	StateDraftReconciled:   3,
	StateSettled:           4,
}

// Reached reports whether s is at or past the target state.
func (s State) Reached(target State) bool {
	return stateRank[s] >= stateRank[target]
}

// Rank is the state's position in the settlement sequence. Stores persist it
// alongside the state so forward-only advancement can be enforced in SQL.
func (s State) Rank() int {
	return stateRank[s]
}

// StateStore persists per-order settlement progress and anomalies.
type StateStore interface {
	// Get returns the current state, StatePlaced when the order has no
	// settlement row yet.
	Get(ctx context.Context, orderID string) (State, error)
	// Advance moves the order forward. Moving to an earlier or equal state
	// is a no-op, so replays cannot regress progress.
	Advance(ctx context.Context, orderID string, next State) error
	// RecordAnomaly stores an operator-visible note (e.g. a usage limit
	// exceeded at settlement time) without changing the state.
	RecordAnomaly(ctx context.Context, orderID, reason string) error
}

// transient is implemented by store errors that should be retried via event
// redelivery rather than recorded as terminal.
type transient interface {
	Transient() bool
}

func isTransient(err error) bool {
	var t transient
	return errors.As(err, &t) && t.Transient()
}
