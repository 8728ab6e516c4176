package repository

import (
	"context"
	"encoding/json"
	"slices"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/commerce-settlement/internal/domain/order"
)

const (
	getOrderSQL = `SELECT id, cart_id, region_id, currency, items,
		subtotal, discount_total, shipping_total, tax_total, gift_card_total, total, placed_at
		FROM orders WHERE id = $1`

	getOrderDiscountsSQL = `SELECT d.id, d.code, d.rule_type, d.rule_value, d.rule_scope,
		d.valid_for, d.created_at
		FROM discounts d JOIN order_discounts od ON od.discount_id = d.id
		WHERE od.order_id = $1
		ORDER BY d.created_at, d.id`

	getOrderGiftCardsSQL = `SELECT id FROM gift_cards WHERE order_id = $1 ORDER BY created_at, id`

	updateOrderTotalsSQL = `UPDATE orders SET subtotal = $2, discount_total = $3,
		shipping_total = $4, tax_total = $5, gift_card_total = $6, total = $7
		WHERE id = $1`

	createOrderSQL = `INSERT INTO orders (id, cart_id, region_id, currency, items,
		subtotal, discount_total, shipping_total, tax_total, gift_card_total, total, placed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	attachOrderDiscountSQL = `INSERT INTO order_discounts (order_id, discount_id)
		VALUES ($1, $2) ON CONFLICT DO NOTHING`
)

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL. Line
// items live in a JSONB column on the order row; discounts and gift cards
// are expanded on request.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// Retrieve loads an order, expanding the requested relations.
func (r *OrderRepository) Retrieve(ctx context.Context, id string, opts order.RetrieveOpts) (*order.Order, error) {
	var (
		o         order.Order
		itemsJSON []byte
		placedAt  time.Time
	)
	err := r.pool.QueryRow(ctx, getOrderSQL, id).Scan(
		&o.ID, &o.CartID, &o.RegionID, &o.Currency, &itemsJSON,
		&o.Totals.Subtotal, &o.Totals.DiscountTotal, &o.Totals.ShippingTotal,
		&o.Totals.TaxTotal, &o.Totals.GiftCardTotal, &o.Totals.Total, &placedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, wrapStoreErr("retrieve order", err)
	}
	o.PlacedAt = placedAt

	if slices.Contains(opts.Relations, order.RelationItems) {
		if err := json.Unmarshal(itemsJSON, &o.Items); err != nil {
			return nil, errors.Wrap(err, "decode order items")
		}
	}
	if slices.Contains(opts.Relations, order.RelationDiscounts) {
		if o.Discounts, err = r.orderDiscounts(ctx, id); err != nil {
			return nil, err
		}
	}
	if slices.Contains(opts.Relations, order.RelationGiftCards) {
		if o.GiftCards, err = r.orderGiftCards(ctx, id); err != nil {
			return nil, err
		}
	}
	return &o, nil
}

// UpdateTotals writes the recomputed totals back to the cached columns.
func (r *OrderRepository) UpdateTotals(ctx context.Context, id string, totals order.Totals) error {
	tag, err := r.pool.Exec(ctx, updateOrderTotalsSQL, id,
		totals.Subtotal, totals.DiscountTotal, totals.ShippingTotal,
		totals.TaxTotal, totals.GiftCardTotal, totals.Total)
	if err != nil {
		return wrapStoreErr("update order totals", err)
	}
	if tag.RowsAffected() == 0 {
		return order.ErrNotFound
	}
	return nil
}

// Create persists a placed order and its discount associations. Used by
// seeding and tests; checkout itself is out of scope here.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	itemsJSON, err := json.Marshal(o.Items)
	if err != nil {
		return errors.Wrap(err, "encode order items")
	}

	_, err = r.pool.Exec(ctx, createOrderSQL,
		o.ID, o.CartID, o.RegionID, o.Currency, itemsJSON,
		o.Totals.Subtotal, o.Totals.DiscountTotal, o.Totals.ShippingTotal,
		o.Totals.TaxTotal, o.Totals.GiftCardTotal, o.Totals.Total, o.PlacedAt)
	if err != nil {
		return wrapStoreErr("create order", err)
	}

	for _, d := range o.Discounts {
		if _, err := r.pool.Exec(ctx, attachOrderDiscountSQL, o.ID, d.ID); err != nil {
			return wrapStoreErr("attach order discount", err)
		}
	}
	return nil
}

func (r *OrderRepository) orderDiscounts(ctx context.Context, orderID string) ([]order.AppliedDiscount, error) {
	rows, err := r.pool.Query(ctx, getOrderDiscountsSQL, orderID)
	if err != nil {
		return nil, wrapStoreErr("retrieve order discounts", err)
	}

	discounts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (order.AppliedDiscount, error) {
		var (
			d                   order.AppliedDiscount
			ruleType, ruleScope string
		)
		err := row.Scan(&d.ID, &d.Code, &ruleType, &d.Value, &ruleScope, &d.ValidFor, &d.CreatedAt)
		d.Type = order.DiscountType(ruleType)
		d.Scope = order.AllocationScope(ruleScope)
		return d, err
	})
	if err != nil {
		return nil, wrapStoreErr("retrieve order discounts", err)
	}
	return discounts, nil
}

func (r *OrderRepository) orderGiftCards(ctx context.Context, orderID string) ([]string, error) {
	rows, err := r.pool.Query(ctx, getOrderGiftCardsSQL, orderID)
	if err != nil {
		return nil, wrapStoreErr("retrieve order gift cards", err)
	}

	ids, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (string, error) {
		var id string
		err := row.Scan(&id)
		return id, err
	})
	if err != nil {
		return nil, wrapStoreErr("retrieve order gift cards", err)
	}
	return ids, nil
}
