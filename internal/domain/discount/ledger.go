package discount

import (
	"context"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/commerce-settlement/internal/domain/order"
)

// OrderContext carries the order-side facts validation needs.
type OrderContext struct {
	OrderID  string
	RegionID string
	Items    []order.LineItem
}

// Ledger validates discounts against orders and records consumption.
type Ledger struct {
	repo Repository
	now  func() time.Time
}

// NewLedger creates a Ledger backed by the given Repository.
func NewLedger(repo Repository) *Ledger {
	return &Ledger{repo: repo, now: time.Now}
}

// Validate checks that the discount may be applied to the order: it must be
// live (not deleted, not disabled), inside its validity window, valid for the
// order's region, and for item-scoped discounts at least one line item must
// be eligible.
func (l *Ledger) Validate(ctx context.Context, d *Discount, octx OrderContext) error {
	_ = ctx

	if d.DeletedAt != nil {
		return ErrNotFound
	}
	if d.Disabled {
		return ErrDisabled
	}

	now := l.now()
	if d.StartsAt != nil && now.Before(*d.StartsAt) {
		return ErrExpired
	}
	if d.EndsAt != nil && now.After(*d.EndsAt) {
		return ErrExpired
	}

	if !regionValid(d, octx.RegionID) {
		return ErrRegionMismatch
	}

	if d.Rule.Scope == order.ScopeItem && !anyItemEligible(d, octx.Items) {
		return ErrNoEligibleItems
	}

	return nil
}

// Consume records one use of the discount for the given order. The
// (order, discount) marker makes consumption exactly-once under event
// redelivery; the store-side guard keeps usage_count under the limit when
// orders sharing the discount settle concurrently.
//
// Returns (false, nil) when this order already consumed the discount.
func (l *Ledger) Consume(ctx context.Context, orderID, discountID string) (bool, error) {
	consumed, err := l.repo.ConsumeForOrder(ctx, orderID, discountID)
	if err != nil {
		if errors.Is(err, ErrLimitExceeded) {
			return false, err
		}
		return false, errors.Wrap(err, "consume discount")
	}
	return consumed, nil
}

func regionValid(d *Discount, regionID string) bool {
	if len(d.RegionIDs) == 0 {
		return true
	}
	for _, id := range d.RegionIDs {
		if id == regionID {
			return true
		}
	}
	return false
}

func anyItemEligible(d *Discount, items []order.LineItem) bool {
	applied := order.AppliedDiscount{ValidFor: d.ValidFor}
	for _, item := range items {
		if applied.Eligible(item) {
			return true
		}
	}
	return false
}
