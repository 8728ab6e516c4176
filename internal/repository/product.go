package repository

import (
	"context"
	"encoding/json"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/commerce-settlement/internal/domain/product"
)

const (
	createProductSQL = `INSERT INTO products (id, handle, title, is_gift_card, options, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	getProductByHandleSQL = `SELECT id, handle, title, is_gift_card, options, metadata, created_at
		FROM products WHERE handle = $1 AND deleted_at IS NULL`

	getProductSQL = `SELECT id, handle, title, is_gift_card, options, metadata, created_at
		FROM products WHERE id = $1 AND deleted_at IS NULL`

	updateProductSQL = `UPDATE products SET handle = $2, title = $3, metadata = $4
		WHERE id = $1 AND deleted_at IS NULL`

	softDeleteProductSQL = `UPDATE products SET deleted_at = now()
		WHERE id = $1 AND deleted_at IS NULL`
)

var _ product.Repository = (*ProductRepository)(nil)

// ProductRepository implements product.Repository backed by PostgreSQL.
// Handle uniqueness rests on the partial unique index over live rows, so
// create never needs a lookup first.
type ProductRepository struct {
	pool *pgxpool.Pool
}

// NewProductRepository returns a ProductRepository that uses the given pool.
func NewProductRepository(pool *pgxpool.Pool) *ProductRepository {
	return &ProductRepository{pool: pool}
}

// Create persists a new product. A live row already holding the handle maps
// to product.ErrHandleTaken.
func (r *ProductRepository) Create(ctx context.Context, p *product.Product) error {
	options, err := json.Marshal(p.Options)
	if err != nil {
		return errors.Wrap(err, "encode product options")
	}
	metadata, err := json.Marshal(p.Metadata)
	if err != nil {
		return errors.Wrap(err, "encode product metadata")
	}

	_, err = r.pool.Exec(ctx, createProductSQL,
		p.ID, p.Handle, p.Title, p.IsGiftCard, options, metadata, p.CreatedAt)
	if err != nil {
		if isUniqueViolation(err, "products_handle_live") {
			return product.ErrHandleTaken
		}
		return wrapStoreErr("create product", err)
	}
	return nil
}

// GetByHandle looks up a live product by handle.
func (r *ProductRepository) GetByHandle(ctx context.Context, handle string) (*product.Product, error) {
	return r.scanOne(r.pool.QueryRow(ctx, getProductByHandleSQL, handle))
}

// Update applies a structural/metadata update and returns the fresh row.
func (r *ProductRepository) Update(ctx context.Context, id string, u product.Update) (*product.Product, error) {
	p, err := r.scanOne(r.pool.QueryRow(ctx, getProductSQL, id))
	if err != nil {
		return nil, err
	}
	p.Apply(u)

	metadata, err := json.Marshal(p.Metadata)
	if err != nil {
		return nil, errors.Wrap(err, "encode product metadata")
	}
	tag, err := r.pool.Exec(ctx, updateProductSQL, id, p.Handle, p.Title, metadata)
	if err != nil {
		if isUniqueViolation(err, "products_handle_live") {
			return nil, product.ErrHandleTaken
		}
		return nil, wrapStoreErr("update product", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, product.ErrNotFound
	}
	return p, nil
}

// SoftDelete marks the product deleted, freeing its handle for reuse.
func (r *ProductRepository) SoftDelete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, softDeleteProductSQL, id)
	if err != nil {
		return wrapStoreErr("soft delete product", err)
	}
	if tag.RowsAffected() == 0 {
		return product.ErrNotFound
	}
	return nil
}

func (r *ProductRepository) scanOne(row pgx.Row) (*product.Product, error) {
	var (
		p                 product.Product
		options, metadata []byte
	)
	err := row.Scan(&p.ID, &p.Handle, &p.Title, &p.IsGiftCard, &options, &metadata, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, product.ErrNotFound
		}
		return nil, wrapStoreErr("retrieve product", err)
	}
	if err := json.Unmarshal(options, &p.Options); err != nil {
		return nil, errors.Wrap(err, "decode product options")
	}
	if err := json.Unmarshal(metadata, &p.Metadata); err != nil {
		return nil, errors.Wrap(err, "decode product metadata")
	}
	return &p, nil
}
