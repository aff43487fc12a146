package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"marketplace-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("Integration test - requires docker")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	pgC, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("marketplace"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = pgC.Terminate(context.Background()) })

	url, err := pgC.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	s, err := NewStore(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.Migrate(ctx), "schema must be re-appliable")
	return s
}

func seedProduct(t *testing.T, s *Store, stock int) int64 {
	t.Helper()
	var id int64
	err := s.GetDB().Get(&id, `
		INSERT INTO products (seller_id, name, price, stock_quantity, is_active, status)
		VALUES (100, 'Mate Gourd', 2500, $1, TRUE, 'approved')
		RETURNING id`, stock)
	require.NoError(t, err)
	return id
}

func TestPostgresStore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	t.Run("last unit is reserved exactly once", func(t *testing.T) {
		productID := seedProduct(t, s, 1)

		var wg sync.WaitGroup
		var mu sync.Mutex
		successes := 0
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := s.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
					if _, err := tx.LockProducts(ctx, []int64{productID}); err != nil {
						return err
					}
					_, ok, err := tx.DecrementStock(ctx, productID, 1)
					if err != nil {
						return err
					}
					if ok {
						mu.Lock()
						successes++
						mu.Unlock()
					}
					return nil
				})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, successes)
		err := s.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
			p, err := tx.GetProduct(ctx, productID)
			require.NoError(t, err)
			assert.Equal(t, 0, p.StockQuantity)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("stock movements bump the version", func(t *testing.T) {
		productID := seedProduct(t, s, 5)

		err := s.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
			taken, ok, err := tx.DecrementStock(ctx, productID, 2)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, models.StockLevel{Available: 3, Version: 1}, taken)

			returned, err := tx.IncrementStock(ctx, productID, 1)
			require.NoError(t, err)
			assert.Equal(t, models.StockLevel{Available: 4, Version: 2}, returned)

			p, err := tx.GetProduct(ctx, productID)
			require.NoError(t, err)
			assert.Equal(t, returned, p.Level())
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("rollback discards every write", func(t *testing.T) {
		productID := seedProduct(t, s, 5)
		boom := errors.New("boom")

		err := s.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
			_, ok, err := tx.DecrementStock(ctx, productID, 2)
			require.NoError(t, err)
			require.True(t, ok)
			require.NoError(t, tx.AddCartItem(ctx, &models.CartItem{
				BuyerID: 7, ProductID: productID, SellerID: 100, Quantity: 1, PriceAtAdd: 2500,
			}))
			return boom
		})
		assert.ErrorIs(t, err, boom)

		err = s.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
			p, err := tx.GetProduct(ctx, productID)
			require.NoError(t, err)
			assert.Equal(t, 5, p.StockQuantity)
			items, err := tx.GetCartItems(ctx, 7)
			require.NoError(t, err)
			assert.Empty(t, items)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("order and payment round trip", func(t *testing.T) {
		productID := seedProduct(t, s, 5)
		now := time.Now().UTC().Truncate(time.Microsecond)
		key := "checkout-1"

		order := &models.Order{
			OrderNumber:     "MKT-TEST-0001",
			BuyerID:         9,
			TotalAmount:     5000,
			ShippingAddress: json.RawMessage(`{"street":"Rua A","city":"SP"}`),
			IdempotencyKey:  &key,
		}
		order.Reserve(now.Add(-time.Minute))

		err := s.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
			require.NoError(t, tx.CreateOrder(ctx, order))
			require.NoError(t, tx.CreateOrderItem(ctx, &models.OrderItem{
				OrderID: order.ID, ProductID: productID, SellerID: 100, Quantity: 2, UnitPrice: 2500, TotalPrice: 5000,
			}))
			return tx.CreatePayment(ctx, &models.Payment{
				OrderID: order.ID, PaymentMethod: models.PaymentMethodPix, Amount: 5000, Status: models.PaymentStatusPending,
			})
		})
		require.NoError(t, err)
		require.NotZero(t, order.ID)

		err = s.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
			ids, err := tx.FindExpiredReservations(ctx, now, 10)
			require.NoError(t, err)
			assert.Contains(t, ids, order.ID)

			byKey, err := tx.GetOrderByIdempotencyKey(ctx, 9, key)
			require.NoError(t, err)
			assert.Equal(t, order.ID, byKey.ID)

			bySeller, err := tx.ListOrdersBySeller(ctx, 100, 10)
			require.NoError(t, err)
			require.NotEmpty(t, bySeller)
			assert.Equal(t, order.ID, bySeller[0].ID)

			none, err := tx.ListOrdersBySeller(ctx, 101, 10)
			require.NoError(t, err)
			assert.Empty(t, none)

			payment, err := tx.GetPaymentByOrderID(ctx, order.ID)
			require.NoError(t, err)
			assert.Nil(t, payment.TransactionID)
			assert.JSONEq(t, `{}`, string(payment.GatewayResponse))

			txID := "TXN-1"
			payment.TransactionID = &txID
			payment.Attempts = 2
			payment.GatewayResponse = json.RawMessage(`{"status":"approved"}`)
			require.NoError(t, tx.UpdatePayment(ctx, payment))

			locked, err := tx.LockPaymentByTransactionID(ctx, txID)
			require.NoError(t, err)
			assert.Equal(t, payment.ID, locked.ID)
			assert.Equal(t, 2, locked.Attempts)

			loaded, err := tx.LockOrder(ctx, order.ID)
			require.NoError(t, err)
			require.NoError(t, loaded.MarkAsPaid(now))
			return tx.UpdateOrder(ctx, loaded)
		})
		require.NoError(t, err)

		err = s.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
			loaded, err := tx.GetOrder(ctx, order.ID)
			require.NoError(t, err)
			assert.Equal(t, models.OrderStatusConfirmed, loaded.Status)
			assert.False(t, loaded.StockReserved)
			assert.Nil(t, loaded.ReservedUntil)

			ids, err := tx.FindExpiredReservations(ctx, now, 10)
			require.NoError(t, err)
			assert.NotContains(t, ids, order.ID)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("schema rejects inconsistent reservation", func(t *testing.T) {
		order := &models.Order{
			OrderNumber:   "MKT-TEST-0002",
			BuyerID:       9,
			Status:        models.OrderStatusConfirmed,
			StockReserved: true,
		}
		err := s.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
			return tx.CreateOrder(ctx, order)
		})
		assert.Error(t, err)
	})

	t.Run("missing rows map to ErrNotFound", func(t *testing.T) {
		err := s.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
			_, err := tx.GetOrder(ctx, 999999)
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = tx.LockPaymentByTransactionID(ctx, "unknown")
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = tx.IncrementStock(ctx, 999999, 1)
			assert.ErrorIs(t, err, ErrNotFound)
			return nil
		})
		require.NoError(t, err)
	})
}
