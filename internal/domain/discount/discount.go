package discount

import (
	"context"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/commerce-settlement/internal/domain/order"
)

var (
	// ErrNotFound is returned when a discount does not exist or is
	// soft-deleted.
	ErrNotFound = errors.New("discount not found")
	// ErrDisabled is returned when a discount exists but is disabled.
	ErrDisabled = errors.New("discount is disabled")
	// ErrExpired is returned when the discount is outside its validity window.
	ErrExpired = errors.New("discount expired")
	// ErrRegionMismatch is returned when the order's region is not in the
	// discount's valid region set.
	ErrRegionMismatch = errors.New("discount not valid in region")
	// ErrNoEligibleItems is returned for item-scoped discounts when no line
	// item falls under the discount's product set.
	ErrNoEligibleItems = errors.New("no eligible items for discount")
	// ErrLimitExceeded is returned when consuming a use would push
	// usage_count past usage_limit. It is a business anomaly, not a
	// transactional failure.
	ErrLimitExceeded = errors.New("discount usage limit reached")
	// ErrCodeTaken is returned when another live discount already uses the
	// code. Soft-deleted discounts do not count.
	ErrCodeTaken = errors.New("discount code already in use")
)

// Rule defines how a discount's amount is computed. A Rule is exclusively
// owned by its Discount: they are created and destroyed together.
type Rule struct {
	ID         string
	Type       order.DiscountType
	Value      int64
	Scope      order.AllocationScope
	UsageLimit int
	UsageCount int
}

// Discount is a redeemable code with an owning rule and eligibility
// constraints. Codes are unique among active, non-deleted discounts only;
// a soft-deleted discount frees its code for reuse.
type Discount struct {
	ID        string
	Code      string
	Rule      Rule
	RegionIDs []string
	ValidFor  []string
	StartsAt  *time.Time
	EndsAt    *time.Time
	IsDynamic bool
	Disabled  bool
	CreatedAt time.Time
	DeletedAt *time.Time
}

// Repository is the discount store contract. ConsumeForOrder must be
// implemented as a store-level atomic operation, never application-level
// read-modify-write.
type Repository interface {
	Retrieve(ctx context.Context, id string) (*Discount, error)
	// ConsumeForOrder inserts the (order, discount) idempotency marker and
	// increments usage_count under the limit guard as one atomic operation.
	// It returns false when the marker already exists: this order already
	// consumed the discount and a replay is in progress. A transactional
	// failure leaves no marker, so a redelivery consumes from scratch.
	// ErrLimitExceeded reports the limit was reached; the marker stays so
	// the anomaly is recorded once per order.
	ConsumeForOrder(ctx context.Context, orderID, discountID string) (bool, error)
}
