package region

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a region does not exist.
var ErrNotFound = fmt.Errorf("region not found")

// Region holds the tax configuration totals computation depends on.
type Region struct {
	ID                 string
	Name               string
	Currency           string
	TaxRate            decimal.Decimal
	GiftCardsTaxExempt bool
}

// Provider exposes per-region tax configuration to the allocation engine.
type Provider interface {
	TaxRate(ctx context.Context, regionID string) (decimal.Decimal, error)
	GiftCardsTaxExempt(ctx context.Context, regionID string) (bool, error)
}
