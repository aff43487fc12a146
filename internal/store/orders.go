package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"marketplace-service/internal/models"
)

// jsonArg passes JSON as text; lib/pq would otherwise send []byte as bytea.
func jsonArg(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

// CreateOrder creates a new order
func (t *sqlTx) CreateOrder(ctx context.Context, order *models.Order) error {
	query := `
		INSERT INTO orders (order_number, buyer_id, status, total_amount, tax_amount, shipping_amount,
			shipping_address, stock_reserved, reserved_until, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9, $10)
		RETURNING id, created_at, updated_at`

	row := t.tx.QueryRowxContext(ctx, query,
		order.OrderNumber, order.BuyerID, order.Status, order.TotalAmount, order.TaxAmount,
		order.ShippingAmount, jsonArg(order.ShippingAddress), order.StockReserved,
		order.ReservedUntil, order.IdempotencyKey)
	if err := row.Scan(&order.ID, &order.CreatedAt, &order.UpdatedAt); err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}
	return nil
}

// GetOrder retrieves an order by ID
func (t *sqlTx) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	return t.getOrder(ctx, "SELECT * FROM orders WHERE id = $1", id)
}

// LockOrder retrieves an order by ID holding its row lock
func (t *sqlTx) LockOrder(ctx context.Context, id int64) (*models.Order, error) {
	return t.getOrder(ctx, "SELECT * FROM orders WHERE id = $1 FOR UPDATE", id)
}

// GetOrderByIdempotencyKey retrieves a buyer's order by idempotency key
func (t *sqlTx) GetOrderByIdempotencyKey(ctx context.Context, buyerID int64, key string) (*models.Order, error) {
	return t.getOrder(ctx,
		"SELECT * FROM orders WHERE buyer_id = $1 AND idempotency_key = $2", buyerID, key)
}

func (t *sqlTx) getOrder(ctx context.Context, query string, args ...any) (*models.Order, error) {
	var order models.Order
	err := t.tx.GetContext(ctx, &order, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return &order, nil
}

// ListOrdersByBuyer retrieves a buyer's most recent orders
func (t *sqlTx) ListOrdersByBuyer(ctx context.Context, buyerID int64, limit int) ([]models.Order, error) {
	var orders []models.Order
	err := t.tx.SelectContext(ctx, &orders,
		"SELECT * FROM orders WHERE buyer_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2", buyerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	return orders, nil
}

// ListOrdersBySeller retrieves the most recent orders containing a seller's items
func (t *sqlTx) ListOrdersBySeller(ctx context.Context, sellerID int64, limit int) ([]models.Order, error) {
	var orders []models.Order
	err := t.tx.SelectContext(ctx, &orders, `
		SELECT o.* FROM orders o
		WHERE EXISTS (SELECT 1 FROM order_items i WHERE i.order_id = o.id AND i.seller_id = $1)
		ORDER BY o.created_at DESC, o.id DESC
		LIMIT $2`, sellerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list seller orders: %w", err)
	}
	return orders, nil
}

// FindExpiredReservations selects candidates for the expiry sweeper
func (t *sqlTx) FindExpiredReservations(ctx context.Context, now time.Time, limit int) ([]int64, error) {
	var ids []int64
	err := t.tx.SelectContext(ctx, &ids, `
		SELECT id FROM orders
		WHERE stock_reserved AND status = 'pending' AND reserved_until < $1
		ORDER BY reserved_until
		LIMIT $2`,
		now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to find expired reservations: %w", err)
	}
	return ids, nil
}

// UpdateOrder persists the lifecycle fields of an order
func (t *sqlTx) UpdateOrder(ctx context.Context, order *models.Order) error {
	row := t.tx.QueryRowxContext(ctx, `
		UPDATE orders
		SET status = $1, stock_reserved = $2, reserved_until = $3, paid_at = $4,
		    shipped_at = $5, tracking_number = $6, cancel_reason = $7, updated_at = NOW()
		WHERE id = $8
		RETURNING updated_at`,
		order.Status, order.StockReserved, order.ReservedUntil, order.PaidAt,
		order.ShippedAt, order.TrackingNumber, order.CancelReason, order.ID)
	if err := row.Scan(&order.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to update order %d: %w", order.ID, err)
	}
	return nil
}

// CreateOrderItem creates a new order item
func (t *sqlTx) CreateOrderItem(ctx context.Context, item *models.OrderItem) error {
	query := `
		INSERT INTO order_items (order_id, product_id, seller_id, quantity, unit_price, total_price)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`

	if err := t.tx.GetContext(ctx, &item.ID, query,
		item.OrderID, item.ProductID, item.SellerID, item.Quantity, item.UnitPrice, item.TotalPrice); err != nil {
		return fmt.Errorf("failed to create order item: %w", err)
	}
	return nil
}

// GetOrderItems retrieves all items for an order
func (t *sqlTx) GetOrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	var items []models.OrderItem
	err := t.tx.SelectContext(ctx, &items,
		"SELECT * FROM order_items WHERE order_id = $1 ORDER BY id", orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to get order items: %w", err)
	}
	return items, nil
}
