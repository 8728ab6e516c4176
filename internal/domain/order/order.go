package order

import (
	"context"
	"fmt"
	"time"
)

// Order is a placed customer order together with everything settlement needs:
// line items, applied discounts, issued gift cards, and cached totals.
type Order struct {
	ID        string
	CartID    string
	RegionID  string
	Currency  string
	Items     []LineItem
	Discounts []AppliedDiscount
	GiftCards []string
	Totals    Totals
	PlacedAt  time.Time
}

// LineItem is a single order line. Gift-card lines carry no fulfillable
// variant semantics beyond the instrument count encoded in Quantity.
type LineItem struct {
	ID         string
	ProductID  string
	VariantID  string
	UnitPrice  int64
	Quantity   int
	IsGiftCard bool
	Metadata   map[string]string
}

// AppliedDiscount is the order-side view of a discount: enough to allocate
// its amount and to consume its usage at settlement.
type AppliedDiscount struct {
	ID        string
	Code      string
	Type      DiscountType
	Value     int64
	Scope     AllocationScope
	ValidFor  []string
	CreatedAt time.Time
}

// DiscountType selects how a discount's value is interpreted.
type DiscountType string

const (
	DiscountFixed      DiscountType = "fixed"
	DiscountPercentage DiscountType = "percentage"
)

// AllocationScope selects whether a discount reduces the order total as a
// whole or is prorated across eligible line items.
type AllocationScope string

const (
	ScopeTotal AllocationScope = "total"
	ScopeItem  AllocationScope = "item"
)

// Eligible reports whether the line item falls under this discount. An empty
// ValidFor set means every item qualifies.
func (d AppliedDiscount) Eligible(item LineItem) bool {
	if len(d.ValidFor) == 0 {
		return true
	}
	for _, id := range d.ValidFor {
		if id == item.ProductID || id == item.VariantID {
			return true
		}
	}
	return false
}

// ErrNotFound is returned when an order does not exist.
var ErrNotFound = fmt.Errorf("order not found")

// Relation names accepted by Repository.Retrieve.
const (
	RelationItems     = "items"
	RelationDiscounts = "discounts"
	RelationGiftCards = "gift_cards"
)

// RetrieveOpts controls relation expansion on retrieval.
type RetrieveOpts struct {
	Relations []string
}

// Repository defines the order store contract the settlement engine consumes.
type Repository interface {
	Retrieve(ctx context.Context, id string, opts RetrieveOpts) (*Order, error)
	UpdateTotals(ctx context.Context, id string, totals Totals) error
}
