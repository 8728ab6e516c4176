package draftorder

import (
	"context"
	"fmt"
	"time"
)

// ErrNotFound is returned when no draft order exists for the lookup key.
var ErrNotFound = fmt.Errorf("draft order not found")

// DraftOrder is a pre-checkout order template. It is created before checkout
// and mutated exactly once: completion records the order produced from its
// cart and is never undone.
type DraftOrder struct {
	ID          string
	CartID      string
	OrderID     string
	CompletedAt *time.Time
	CreatedAt   time.Time
}

// Completed reports whether the draft has already been reconciled.
func (d *DraftOrder) Completed() bool {
	return d.CompletedAt != nil
}

// Repository is the draft order store contract consumed by settlement.
type Repository interface {
	RetrieveByCartID(ctx context.Context, cartID string) (*DraftOrder, error)
	// MarkCompleted records the produced order on the draft. Marking an
	// already-completed draft again with the same order is a no-op.
	MarkCompleted(ctx context.Context, draftID, orderID string) error
}
