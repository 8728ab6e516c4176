package order

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// ValidationError indicates a malformed totals snapshot. It is never retried
// and is surfaced to the caller immediately.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Snapshot is the immutable input to ComputeTotals. Callers assemble it from
// the order, the region provider, and the gift cards the customer applied.
type Snapshot struct {
	Currency      string
	Items         []LineItem
	Discounts     []AppliedDiscount
	ShippingTotal int64
	TaxRate       decimal.Decimal
	// GiftCardsTaxExempt excludes gift-card line items from the tax base,
	// per region configuration.
	GiftCardsTaxExempt bool
	// GiftCardBalance is the combined balance of applied gift cards the
	// customer asked to redeem against this order.
	GiftCardBalance int64
}

// LineTotals is the per-line outcome of discount allocation.
type LineTotals struct {
	ItemID   string
	Subtotal int64
	Discount int64
}

// Totals are the computed monetary results for an order, all in minor
// currency units. They are cached on the order but must always be
// recomputable byte-for-byte from the snapshot.
type Totals struct {
	Subtotal      int64
	DiscountTotal int64
	ShippingTotal int64
	TaxTotal      int64
	GiftCardTotal int64
	Total         int64
	// GiftCardExcess is the part of the requested gift-card balance that
	// could not be applied because the order total reached zero. It is
	// surfaced rather than silently dropped.
	GiftCardExcess int64
	Lines          []LineTotals
}

// Currencies the engine quotes in. Amounts are minor units, so the exponent
// is only needed when formatting; membership is what validation checks.
var supportedCurrencies = map[string]struct{}{
	"USD": {}, "EUR": {}, "GBP": {}, "SEK": {}, "DKK": {}, "JPY": {},
	"AUD": {}, "CAD": {}, "CHF": {}, "NOK": {}, "PLN": {}, "SGD": {},
}

var oneHundred = decimal.NewFromInt(100)

// ComputeTotals derives order totals from a snapshot. It is pure and
// deterministic: the same snapshot always produces identical totals.
//
// Discounts apply in creation order, each against the subtotal remaining
// after earlier discounts. Item-scoped amounts are prorated across eligible
// lines with floor division; the remainder (at most one minor unit per line)
// goes to the first eligible lines so allocations sum exactly to the
// discount amount.
func ComputeTotals(snap Snapshot) (Totals, error) {
	if err := validateSnapshot(snap); err != nil {
		return Totals{}, err
	}

	lines := make([]LineTotals, len(snap.Items))
	var subtotal int64
	for i, item := range snap.Items {
		lineSubtotal := item.UnitPrice * int64(item.Quantity)
		lines[i] = LineTotals{ItemID: item.ID, Subtotal: lineSubtotal}
		subtotal += lineSubtotal
	}

	// Creation order makes stacking and rounding reproducible.
	discounts := make([]AppliedDiscount, len(snap.Discounts))
	copy(discounts, snap.Discounts)
	sort.SliceStable(discounts, func(i, j int) bool {
		if !discounts[i].CreatedAt.Equal(discounts[j].CreatedAt) {
			return discounts[i].CreatedAt.Before(discounts[j].CreatedAt)
		}
		return discounts[i].ID < discounts[j].ID
	})

	var discountTotal int64
	for _, d := range discounts {
		discountTotal += allocateDiscount(d, snap.Items, lines)
	}

	taxTotal := computeTax(snap, lines, subtotal-discountTotal)

	preGiftTotal := subtotal - discountTotal + snap.ShippingTotal + taxTotal

	giftCardTotal := snap.GiftCardBalance
	if giftCardTotal > preGiftTotal {
		giftCardTotal = preGiftTotal
	}

	return Totals{
		Subtotal:       subtotal,
		DiscountTotal:  discountTotal,
		ShippingTotal:  snap.ShippingTotal,
		TaxTotal:       taxTotal,
		GiftCardTotal:  giftCardTotal,
		Total:          preGiftTotal - giftCardTotal,
		GiftCardExcess: snap.GiftCardBalance - giftCardTotal,
		Lines:          lines,
	}, nil
}

// allocateDiscount computes one discount's amount against the eligible
// remaining subtotal and distributes it across lines. It mutates the
// per-line discount accumulators and returns the total amount allocated.
func allocateDiscount(d AppliedDiscount, items []LineItem, lines []LineTotals) int64 {
	eligible := make([]int, 0, len(items))
	var base int64
	for i, item := range items {
		if d.Scope == ScopeItem && !d.Eligible(item) {
			continue
		}
		remaining := lines[i].Subtotal - lines[i].Discount
		if remaining <= 0 {
			continue
		}
		eligible = append(eligible, i)
		base += remaining
	}
	if base == 0 || len(eligible) == 0 {
		return 0
	}

	amount := discountAmount(d, base)
	if amount <= 0 {
		return 0
	}
	if amount > base {
		amount = base
	}

	// Floor-division proration by each line's share of the eligible base.
	allocated := int64(0)
	shares := make([]int64, len(eligible))
	for n, i := range eligible {
		contrib := lines[i].Subtotal - lines[i].Discount
		shares[n] = amount * contrib / base
		allocated += shares[n]
	}
	// Remainder minor units go to the first eligible lines, in line order.
	for n := 0; allocated < amount; n++ {
		i := eligible[n%len(eligible)]
		if lines[i].Subtotal-lines[i].Discount-shares[n%len(eligible)] > 0 {
			shares[n%len(eligible)]++
			allocated++
		}
	}
	for n, i := range eligible {
		lines[i].Discount += shares[n]
	}
	return amount
}

// discountAmount evaluates a rule against the eligible base. Percentage
// amounts round half-up to the nearest minor unit.
func discountAmount(d AppliedDiscount, base int64) int64 {
	switch d.Type {
	case DiscountPercentage:
		amount := decimal.NewFromInt(base).
			Mul(decimal.NewFromInt(d.Value)).
			Div(oneHundred)
		return amount.Round(0).IntPart()
	case DiscountFixed:
		return d.Value
	default:
		return 0
	}
}

// computeTax applies the region tax rate to the discounted subtotal, rounded
// half-up. When the region exempts gift cards, the gift-card lines' remaining
// value is removed from the base first.
func computeTax(snap Snapshot, lines []LineTotals, base int64) int64 {
	if snap.GiftCardsTaxExempt {
		for i, item := range snap.Items {
			if item.IsGiftCard {
				base -= lines[i].Subtotal - lines[i].Discount
			}
		}
	}
	if base <= 0 || snap.TaxRate.IsZero() {
		return 0
	}
	return snap.TaxRate.Mul(decimal.NewFromInt(base)).Round(0).IntPart()
}

func validateSnapshot(snap Snapshot) error {
	if _, ok := supportedCurrencies[snap.Currency]; !ok {
		return &ValidationError{Field: "currency", Reason: fmt.Sprintf("unknown currency %q", snap.Currency)}
	}
	for _, item := range snap.Items {
		if item.Quantity <= 0 {
			return &ValidationError{Field: "items", Reason: fmt.Sprintf("quantity must be greater than 0 for item %s", item.ID)}
		}
		if item.UnitPrice < 0 {
			return &ValidationError{Field: "items", Reason: fmt.Sprintf("unit price must not be negative for item %s", item.ID)}
		}
	}
	if snap.ShippingTotal < 0 {
		return &ValidationError{Field: "shipping_total", Reason: "must not be negative"}
	}
	if snap.TaxRate.IsNegative() {
		return &ValidationError{Field: "tax_rate", Reason: "must not be negative"}
	}
	if snap.GiftCardBalance < 0 {
		return &ValidationError{Field: "gift_card_balance", Reason: "must not be negative"}
	}
	return nil
}
