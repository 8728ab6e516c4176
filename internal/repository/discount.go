package repository

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/commerce-settlement/internal/domain/discount"
	"github.com/xenking/commerce-settlement/internal/domain/order"
)

const (
	getDiscountSQL = `SELECT id, code, rule_id, rule_type, rule_value, rule_scope,
		usage_limit, usage_count, region_ids, valid_for,
		starts_at, ends_at, is_dynamic, disabled, created_at
		FROM discounts WHERE id = $1 AND deleted_at IS NULL`

	// The guard makes the increment atomic at the store: two settlements
	// racing on the last use serialize on the row, and the loser matches
	// zero rows.
	consumeUseSQL = `UPDATE discounts SET usage_count = usage_count + 1
		WHERE id = $1 AND deleted_at IS NULL
		AND (usage_limit = 0 OR usage_count < usage_limit)`

	discountExistsSQL = `SELECT EXISTS (
		SELECT 1 FROM discounts WHERE id = $1 AND deleted_at IS NULL)`

	recordConsumptionSQL = `INSERT INTO order_discount_consumptions (order_id, discount_id)
		VALUES ($1, $2) ON CONFLICT DO NOTHING`

	createDiscountSQL = `INSERT INTO discounts (id, code, rule_id, rule_type, rule_value,
		rule_scope, usage_limit, region_ids, valid_for, starts_at, ends_at, is_dynamic, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	softDeleteDiscountSQL = `UPDATE discounts SET deleted_at = now()
		WHERE id = $1 AND deleted_at IS NULL`
)

var _ discount.Repository = (*DiscountRepository)(nil)

// DiscountRepository implements discount.Repository backed by PostgreSQL.
type DiscountRepository struct {
	pool *pgxpool.Pool
}

// NewDiscountRepository returns a DiscountRepository that uses the given pool.
func NewDiscountRepository(pool *pgxpool.Pool) *DiscountRepository {
	return &DiscountRepository{pool: pool}
}

// Retrieve loads a live discount by id.
func (r *DiscountRepository) Retrieve(ctx context.Context, id string) (*discount.Discount, error) {
	rows, err := r.pool.Query(ctx, getDiscountSQL, id)
	if err != nil {
		return nil, wrapStoreErr("retrieve discount", err)
	}

	d, err := pgx.CollectExactlyOneRow(rows, scanDiscount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, discount.ErrNotFound
		}
		return nil, wrapStoreErr("retrieve discount", err)
	}
	return d, nil
}

// ConsumeForOrder inserts the (order, discount) marker and increments
// usage_count in one transaction, so a failure between the two cannot strand
// a marker with no increment behind it. When the limit guard rejects the
// increment the marker is committed alone: the anomaly belongs to this order
// and a redelivery must not re-raise it.
func (r *DiscountRepository) ConsumeForOrder(ctx context.Context, orderID, discountID string) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, wrapStoreErr("begin discount consumption", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, recordConsumptionSQL, orderID, discountID)
	if err != nil {
		return false, wrapStoreErr("record discount consumption", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	tag, err = tx.Exec(ctx, consumeUseSQL, discountID)
	if err != nil {
		return false, wrapStoreErr("consume discount use", err)
	}
	if tag.RowsAffected() == 0 {
		// Zero rows: either the limit is reached or the discount is gone.
		var exists bool
		if err := tx.QueryRow(ctx, discountExistsSQL, discountID).Scan(&exists); err != nil {
			return false, wrapStoreErr("consume discount use", err)
		}
		if !exists {
			return false, discount.ErrNotFound
		}
		if err := tx.Commit(ctx); err != nil {
			return false, wrapStoreErr("commit discount consumption", err)
		}
		return false, discount.ErrLimitExceeded
	}

	if err := tx.Commit(ctx); err != nil {
		return false, wrapStoreErr("commit discount consumption", err)
	}
	return true, nil
}

// Create persists a new discount. The partial unique index on live codes
// maps duplicates to discount.ErrCodeTaken.
func (r *DiscountRepository) Create(ctx context.Context, d *discount.Discount) error {
	_, err := r.pool.Exec(ctx, createDiscountSQL,
		d.ID, d.Code, d.Rule.ID, string(d.Rule.Type), d.Rule.Value,
		string(d.Rule.Scope), d.Rule.UsageLimit, d.RegionIDs, d.ValidFor,
		d.StartsAt, d.EndsAt, d.IsDynamic, d.CreatedAt)
	if err != nil {
		if isUniqueViolation(err, "discounts_code_live") {
			return discount.ErrCodeTaken
		}
		return wrapStoreErr("create discount", err)
	}
	return nil
}

// SoftDelete marks the discount deleted, freeing its code for reuse.
func (r *DiscountRepository) SoftDelete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, softDeleteDiscountSQL, id)
	if err != nil {
		return wrapStoreErr("soft delete discount", err)
	}
	if tag.RowsAffected() == 0 {
		return discount.ErrNotFound
	}
	return nil
}

func scanDiscount(row pgx.CollectableRow) (*discount.Discount, error) {
	var (
		d                   discount.Discount
		ruleType, ruleScope string
		createdAt           time.Time
	)
	err := row.Scan(&d.ID, &d.Code, &d.Rule.ID, &ruleType, &d.Rule.Value, &ruleScope,
		&d.Rule.UsageLimit, &d.Rule.UsageCount, &d.RegionIDs, &d.ValidFor,
		&d.StartsAt, &d.EndsAt, &d.IsDynamic, &d.Disabled, &createdAt)
	if err != nil {
		return nil, err
	}
	d.Rule.Type = order.DiscountType(ruleType)
	d.Rule.Scope = order.AllocationScope(ruleScope)
	d.CreatedAt = createdAt
	return &d, nil
}
