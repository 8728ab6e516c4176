package giftcard

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/xenking/commerce-settlement/internal/domain/order"
)

// ErrNotGiftCard is returned when issuance is requested for a regular line item.
var ErrNotGiftCard = errors.New("line item is not a gift card")

// Issuer converts gift-card line items into tracked instruments.
type Issuer struct {
	repo  Repository
	newID func() string
	now   func() time.Time
}

// NewIssuer creates an Issuer backed by the given Repository.
func NewIssuer(repo Repository) *Issuer {
	return &Issuer{
		repo:  repo,
		newID: func() string { return uuid.New().String() },
		now:   time.Now,
	}
}

// IssueForLineItem issues one gift card per unit of quantity, each carrying
// the unit price as both value and opening balance, the order's region, and
// the line item's metadata verbatim.
//
// Issuance is idempotent per (order, line item): the repository claims the
// issuance marker and inserts the cards atomically, so a replay after a
// completed issuance returns no cards and no error, while a failed attempt
// leaves no marker and the redelivered event issues from scratch.
func (i *Issuer) IssueForLineItem(ctx context.Context, o *order.Order, item order.LineItem) ([]GiftCard, error) {
	if !item.IsGiftCard {
		return nil, ErrNotGiftCard
	}

	now := i.now()
	cards := make([]GiftCard, item.Quantity)
	for q := range cards {
		cards[q] = GiftCard{
			ID:         i.newID(),
			Code:       newCode(),
			RegionID:   o.RegionID,
			OrderID:    o.ID,
			LineItemID: item.ID,
			Value:      item.UnitPrice,
			Balance:    item.UnitPrice,
			Metadata:   copyMetadata(item.Metadata),
			CreatedAt:  now,
		}
	}

	fresh, err := i.repo.IssueBatch(ctx, o.ID, item.ID, cards)
	if err != nil {
		return nil, errors.Wrap(err, "issue gift cards")
	}
	if !fresh {
		return nil, nil
	}
	return cards, nil
}

// newCode derives a redeemable code from a fresh UUID. Uniqueness comes from
// the UUID; the grouping only aids manual entry.
func newCode() string {
	raw := uuid.New().String()
	return "GC-" + raw[:8] + "-" + raw[9:13] + "-" + raw[14:18]
}

func copyMetadata(src map[string]string) map[string]string {
	if src == nil {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
