package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"marketplace-service/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// sqlTx implements Tx on top of a serializable sqlx transaction.
type sqlTx struct {
	tx *sqlx.Tx
}

// GetProduct retrieves a product by ID
func (t *sqlTx) GetProduct(ctx context.Context, id int64) (*models.Product, error) {
	var product models.Product
	err := t.tx.GetContext(ctx, &product, "SELECT * FROM products WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get product %d: %w", id, err)
	}
	return &product, nil
}

// LockProducts locks product rows FOR UPDATE in id order so that concurrent
// multi-line checkouts cannot deadlock each other.
func (t *sqlTx) LockProducts(ctx context.Context, ids []int64) (map[int64]*models.Product, error) {
	result := make(map[int64]*models.Product, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	var products []models.Product
	err := t.tx.SelectContext(ctx, &products,
		"SELECT * FROM products WHERE id = ANY($1) ORDER BY id FOR UPDATE", pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to lock products: %w", err)
	}

	for i := range products {
		result[products[i].ID] = &products[i]
	}
	return result, nil
}

// DecrementStock reserves stock with a conditional update; stock never goes negative
func (t *sqlTx) DecrementStock(ctx context.Context, productID int64, qty int) (models.StockLevel, bool, error) {
	var level models.StockLevel
	err := t.tx.QueryRowxContext(ctx, `
		UPDATE products
		SET stock_quantity = stock_quantity - $1, stock_version = stock_version + 1, updated_at = NOW()
		WHERE id = $2 AND stock_quantity >= $1
		RETURNING stock_quantity, stock_version`,
		qty, productID).Scan(&level.Available, &level.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return models.StockLevel{}, false, nil
	}
	if err != nil {
		return models.StockLevel{}, false, fmt.Errorf("failed to reserve stock for product %d: %w", productID, err)
	}
	return level, true, nil
}

// IncrementStock returns stock to the ledger
func (t *sqlTx) IncrementStock(ctx context.Context, productID int64, qty int) (models.StockLevel, error) {
	var level models.StockLevel
	err := t.tx.QueryRowxContext(ctx, `
		UPDATE products
		SET stock_quantity = stock_quantity + $1, stock_version = stock_version + 1, updated_at = NOW()
		WHERE id = $2
		RETURNING stock_quantity, stock_version`,
		qty, productID).Scan(&level.Available, &level.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return models.StockLevel{}, ErrNotFound
	}
	if err != nil {
		return models.StockLevel{}, fmt.Errorf("failed to release stock for product %d: %w", productID, err)
	}
	return level, nil
}
