package repository

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/commerce-settlement/internal/domain/region"
)

const (
	getRegionSQL = `SELECT id, name, currency, tax_rate, gift_cards_tax_exempt
		FROM regions WHERE id = $1`

	createRegionSQL = `INSERT INTO regions (id, name, currency, tax_rate, gift_cards_tax_exempt)
		VALUES ($1, $2, $3, $4, $5)`
)

var _ region.Provider = (*RegionRepository)(nil)

// RegionRepository implements region.Provider backed by PostgreSQL.
type RegionRepository struct {
	pool *pgxpool.Pool
}

// NewRegionRepository returns a RegionRepository that uses the given pool.
func NewRegionRepository(pool *pgxpool.Pool) *RegionRepository {
	return &RegionRepository{pool: pool}
}

// Retrieve loads a region.
func (r *RegionRepository) Retrieve(ctx context.Context, id string) (*region.Region, error) {
	var reg region.Region
	err := r.pool.QueryRow(ctx, getRegionSQL, id).Scan(
		&reg.ID, &reg.Name, &reg.Currency, &reg.TaxRate, &reg.GiftCardsTaxExempt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, region.ErrNotFound
		}
		return nil, wrapStoreErr("retrieve region", err)
	}
	return &reg, nil
}

// TaxRate returns the region's tax rate as a decimal fraction.
func (r *RegionRepository) TaxRate(ctx context.Context, regionID string) (decimal.Decimal, error) {
	reg, err := r.Retrieve(ctx, regionID)
	if err != nil {
		return decimal.Zero, err
	}
	return reg.TaxRate, nil
}

// GiftCardsTaxExempt reports whether the region excludes gift cards from tax.
func (r *RegionRepository) GiftCardsTaxExempt(ctx context.Context, regionID string) (bool, error) {
	reg, err := r.Retrieve(ctx, regionID)
	if err != nil {
		return false, err
	}
	return reg.GiftCardsTaxExempt, nil
}

// Create persists a new region.
func (r *RegionRepository) Create(ctx context.Context, reg *region.Region) error {
	_, err := r.pool.Exec(ctx, createRegionSQL,
		reg.ID, reg.Name, reg.Currency, reg.TaxRate, reg.GiftCardsTaxExempt)
	if err != nil {
		return wrapStoreErr("create region", err)
	}
	return nil
}
