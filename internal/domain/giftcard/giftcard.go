package giftcard

import (
	"context"
	"fmt"
	"time"
)

// GiftCard is a balance-bearing instrument materialized from a gift-card
// line item at settlement. One card is issued per unit of quantity.
type GiftCard struct {
	ID         string
	Code       string
	RegionID   string
	OrderID    string
	LineItemID string
	Value      int64
	Balance    int64
	Metadata   map[string]string
	CreatedAt  time.Time
}

// InvariantError reports a balance operation that would break
// 0 <= balance <= value. It aborts the current step and is logged for
// operator intervention, never retried.
type InvariantError struct {
	CardID string
	Reason string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("gift card %s: %s", e.CardID, e.Reason)
}

// Debit reduces the card balance. Gift cards are spendable instruments:
// later checkouts redeem against the balance issued here.
func (g *GiftCard) Debit(amount int64) error {
	if amount < 0 {
		return &InvariantError{CardID: g.ID, Reason: "debit amount must not be negative"}
	}
	if amount > g.Balance {
		return &InvariantError{CardID: g.ID, Reason: fmt.Sprintf("balance %d would go negative", g.Balance)}
	}
	g.Balance -= amount
	return nil
}

// Repository is the gift card store contract.
type Repository interface {
	// IssueBatch claims the (order, line item) issuance marker and inserts
	// the cards as one atomic operation. It returns false when the marker
	// already exists: the cards for this pair were issued by an earlier
	// delivery and must not be duplicated. A failure leaves neither marker
	// nor cards behind, so a redelivery issues from scratch.
	IssueBatch(ctx context.Context, orderID, lineItemID string, cards []GiftCard) (bool, error)
}
