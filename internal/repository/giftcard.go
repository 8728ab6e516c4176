package repository

import (
	"context"
	"encoding/json"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/commerce-settlement/internal/domain/giftcard"
)

const (
	createGiftCardSQL = `INSERT INTO gift_cards (id, code, region_id, order_id,
		line_item_id, value, balance, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	beginIssuanceSQL = `INSERT INTO gift_card_issuances (order_id, line_item_id)
		VALUES ($1, $2) ON CONFLICT DO NOTHING`
)

var _ giftcard.Repository = (*GiftCardRepository)(nil)

// GiftCardRepository implements giftcard.Repository backed by PostgreSQL.
type GiftCardRepository struct {
	pool *pgxpool.Pool
}

// NewGiftCardRepository returns a GiftCardRepository that uses the given pool.
func NewGiftCardRepository(pool *pgxpool.Pool) *GiftCardRepository {
	return &GiftCardRepository{pool: pool}
}

// IssueBatch claims the (order, line item) issuance marker and inserts the
// cards in one transaction. A conflict on the marker means a previous
// delivery already issued these cards; any failure after the claim rolls the
// marker back together with the cards, so a redelivery starts clean.
func (r *GiftCardRepository) IssueBatch(ctx context.Context, orderID, lineItemID string, cards []giftcard.GiftCard) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, wrapStoreErr("begin gift card issuance", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, beginIssuanceSQL, orderID, lineItemID)
	if err != nil {
		return false, wrapStoreErr("claim issuance marker", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	batch := &pgx.Batch{}
	for _, card := range cards {
		metadata, err := json.Marshal(card.Metadata)
		if err != nil {
			return false, errors.Wrap(err, "encode gift card metadata")
		}
		batch.Queue(createGiftCardSQL,
			card.ID, card.Code, card.RegionID, card.OrderID,
			card.LineItemID, card.Value, card.Balance, metadata, card.CreatedAt)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return false, wrapStoreErr("create gift cards", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, wrapStoreErr("commit gift card issuance", err)
	}
	return true, nil
}
