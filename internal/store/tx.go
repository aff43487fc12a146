package store

import (
	"context"
	"time"

	"marketplace-service/internal/models"
)

// UnitOfWork scopes a workflow to one all-or-nothing transaction.
type UnitOfWork interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the repository surface available inside a unit of work. Lock*
// methods hold a row lock until the transaction ends; Get* methods do not.
type Tx interface {
	ProductRepository
	CartRepository
	OrderRepository
	PaymentRepository
}

type ProductRepository interface {
	GetProduct(ctx context.Context, id int64) (*models.Product, error)
	// LockProducts locks the given products in ascending id order. Missing
	// ids are absent from the result.
	LockProducts(ctx context.Context, ids []int64) (map[int64]*models.Product, error)
	// DecrementStock subtracts qty only if enough stock remains and reports
	// the remaining quantity.
	DecrementStock(ctx context.Context, productID int64, qty int) (level models.StockLevel, ok bool, err error)
	IncrementStock(ctx context.Context, productID int64, qty int) (level models.StockLevel, err error)
}

type CartRepository interface {
	GetCartItems(ctx context.Context, buyerID int64) ([]models.CartItem, error)
	AddCartItem(ctx context.Context, item *models.CartItem) error
	ClearCart(ctx context.Context, buyerID int64) error
}

type OrderRepository interface {
	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrder(ctx context.Context, id int64) (*models.Order, error)
	LockOrder(ctx context.Context, id int64) (*models.Order, error)
	GetOrderByIdempotencyKey(ctx context.Context, buyerID int64, key string) (*models.Order, error)
	ListOrdersByBuyer(ctx context.Context, buyerID int64, limit int) ([]models.Order, error)
	// ListOrdersBySeller returns orders with at least one line sold by sellerID.
	ListOrdersBySeller(ctx context.Context, sellerID int64, limit int) ([]models.Order, error)
	// FindExpiredReservations returns ids of pending orders still holding
	// stock whose reservation ended before now.
	FindExpiredReservations(ctx context.Context, now time.Time, limit int) ([]int64, error)
	UpdateOrder(ctx context.Context, order *models.Order) error
	CreateOrderItem(ctx context.Context, item *models.OrderItem) error
	GetOrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error)
}

type PaymentRepository interface {
	CreatePayment(ctx context.Context, payment *models.Payment) error
	GetPayment(ctx context.Context, id int64) (*models.Payment, error)
	LockPayment(ctx context.Context, id int64) (*models.Payment, error)
	GetPaymentByOrderID(ctx context.Context, orderID int64) (*models.Payment, error)
	LockPaymentByTransactionID(ctx context.Context, transactionID string) (*models.Payment, error)
	UpdatePayment(ctx context.Context, payment *models.Payment) error
}
