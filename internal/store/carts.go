package store

import (
	"context"
	"fmt"

	"marketplace-service/internal/models"
)

// GetCartItems retrieves a buyer's cart in insertion order
func (t *sqlTx) GetCartItems(ctx context.Context, buyerID int64) ([]models.CartItem, error) {
	var items []models.CartItem
	err := t.tx.SelectContext(ctx, &items,
		"SELECT * FROM cart_items WHERE buyer_id = $1 ORDER BY id", buyerID)
	if err != nil {
		return nil, fmt.Errorf("failed to get cart items: %w", err)
	}
	return items, nil
}

// AddCartItem adds a line or increases the quantity of an existing one,
// refreshing the captured price.
func (t *sqlTx) AddCartItem(ctx context.Context, item *models.CartItem) error {
	query := `
		INSERT INTO cart_items (buyer_id, product_id, seller_id, quantity, price_at_add)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (buyer_id, product_id) DO UPDATE
		SET quantity = cart_items.quantity + EXCLUDED.quantity,
		    price_at_add = EXCLUDED.price_at_add
		RETURNING id, quantity, created_at`

	row := t.tx.QueryRowxContext(ctx, query,
		item.BuyerID, item.ProductID, item.SellerID, item.Quantity, item.PriceAtAdd)
	if err := row.Scan(&item.ID, &item.Quantity, &item.CreatedAt); err != nil {
		return fmt.Errorf("failed to add cart item: %w", err)
	}
	return nil
}

// ClearCart removes every line of a buyer's cart
func (t *sqlTx) ClearCart(ctx context.Context, buyerID int64) error {
	if _, err := t.tx.ExecContext(ctx, "DELETE FROM cart_items WHERE buyer_id = $1", buyerID); err != nil {
		return fmt.Errorf("failed to clear cart: %w", err)
	}
	return nil
}
