package service

import (
	"context"
	"errors"

	"marketplace-service/internal/apperr"
	"marketplace-service/internal/models"
	"marketplace-service/internal/store"
	"marketplace-service/internal/util"

	"go.uber.org/zap"
)

// StockLevels records the level left on each product touched by a unit of
// work, so the mirror can be refreshed once it commits.
type StockLevels map[int64]models.StockLevel

// Ledger owns product stock. Every movement runs inside the caller's unit
// of work, which makes reserve and release linearizable per product.
type Ledger struct {
	mirror StockMirror
	logger *zap.Logger
}

// NewLedger creates a ledger. mirror may be nil.
func NewLedger(mirror StockMirror) *Ledger {
	return &Ledger{
		mirror: mirror,
		logger: util.GetLogger(),
	}
}

// Reserve takes qty units of product, failing with InsufficientStock when
// fewer remain.
func (l *Ledger) Reserve(ctx context.Context, tx store.ProductRepository, levels StockLevels, product *models.Product, qty int) error {
	if qty <= 0 {
		return apperr.Validation("quantity for product %d must be positive", product.ID)
	}

	level, ok, err := tx.DecrementStock(ctx, product.ID, qty)
	if err != nil {
		return err
	}
	if !ok {
		util.InventoryReservationsFailed.WithLabelValues("insufficient_stock").Inc()
		return apperr.InsufficientStock(product.ID, product.Name, qty, product.StockQuantity)
	}

	levels[product.ID] = level
	return nil
}

// Release returns qty units to a product. Callers must release a given
// reservation only once. Products that no longer exist are skipped.
func (l *Ledger) Release(ctx context.Context, tx store.ProductRepository, levels StockLevels, productID int64, qty int) error {
	level, err := tx.IncrementStock(ctx, productID, qty)
	if errors.Is(err, store.ErrNotFound) {
		l.logger.Warn("Skipping release for missing product",
			zap.Int64("product_id", productID),
			zap.Int("quantity", qty))
		return nil
	}
	if err != nil {
		return err
	}

	levels[productID] = level
	return nil
}

// ReleaseItems returns the stock held by every line of an order and reports
// the number of units released.
func (l *Ledger) ReleaseItems(ctx context.Context, tx store.ProductRepository, levels StockLevels, items []models.OrderItem) (int, error) {
	units := 0
	for _, item := range items {
		if err := l.Release(ctx, tx, levels, item.ProductID, item.Quantity); err != nil {
			return 0, err
		}
		units += item.Quantity
	}
	return units, nil
}

// Commit finalizes a sale. Stock left the ledger at reservation time, so
// the quantity is not touched again.
func (l *Ledger) Commit(_ context.Context, productID int64, qty int) {
	l.logger.Debug("Stock committed",
		zap.Int64("product_id", productID),
		zap.Int("quantity", qty))
}

// Sync pushes committed levels to the mirror. Commits can reach the mirror
// out of order; the mirror keeps the highest version it has seen. Mirror
// failures are logged only.
func (l *Ledger) Sync(ctx context.Context, levels StockLevels) {
	if l.mirror == nil {
		return
	}
	for productID, level := range levels {
		if err := l.mirror.SetAvailable(ctx, productID, level); err != nil {
			l.logger.Warn("Failed to mirror stock level",
				zap.Int64("product_id", productID),
				zap.Error(err))
		}
	}
}
