package repository

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/commerce-settlement/internal/domain/draftorder"
)

const (
	getDraftByCartSQL = `SELECT id, cart_id, COALESCE(order_id, ''), completed_at, created_at
		FROM draft_orders WHERE cart_id = $1`

	// completed_at IS NULL makes completion one-shot: a replay matches zero
	// rows instead of overwriting the recorded order.
	markCompletedSQL = `UPDATE draft_orders SET order_id = $2, completed_at = now()
		WHERE id = $1 AND completed_at IS NULL`

	createDraftSQL = `INSERT INTO draft_orders (id, cart_id, created_at)
		VALUES ($1, $2, $3)`
)

var _ draftorder.Repository = (*DraftOrderRepository)(nil)

// DraftOrderRepository implements draftorder.Repository backed by PostgreSQL.
type DraftOrderRepository struct {
	pool *pgxpool.Pool
}

// NewDraftOrderRepository returns a DraftOrderRepository that uses the given pool.
func NewDraftOrderRepository(pool *pgxpool.Pool) *DraftOrderRepository {
	return &DraftOrderRepository{pool: pool}
}

// RetrieveByCartID looks up the draft that produced the cart, if any.
func (r *DraftOrderRepository) RetrieveByCartID(ctx context.Context, cartID string) (*draftorder.DraftOrder, error) {
	var d draftorder.DraftOrder
	err := r.pool.QueryRow(ctx, getDraftByCartSQL, cartID).Scan(
		&d.ID, &d.CartID, &d.OrderID, &d.CompletedAt, &d.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, draftorder.ErrNotFound
		}
		return nil, wrapStoreErr("retrieve draft order", err)
	}
	return &d, nil
}

// MarkCompleted records the produced order on the draft. Already-completed
// drafts are left untouched.
func (r *DraftOrderRepository) MarkCompleted(ctx context.Context, draftID, orderID string) error {
	_, err := r.pool.Exec(ctx, markCompletedSQL, draftID, orderID)
	if err != nil {
		return wrapStoreErr("mark draft order completed", err)
	}
	return nil
}

// Create persists a new draft order before checkout.
func (r *DraftOrderRepository) Create(ctx context.Context, d *draftorder.DraftOrder) error {
	_, err := r.pool.Exec(ctx, createDraftSQL, d.ID, d.CartID, d.CreatedAt)
	if err != nil {
		return wrapStoreErr("create draft order", err)
	}
	return nil
}
