package models

import (
	"encoding/json"
	"time"
)

// Product is the catalog entry whose stock_quantity is owned by the inventory ledger.
type Product struct {
	ID            int64     `db:"id" json:"id"`
	SellerID      int64     `db:"seller_id" json:"seller_id"`
	Name          string    `db:"name" json:"name"`
	Price         int64     `db:"price" json:"price"`
	StockQuantity int       `db:"stock_quantity" json:"stock_quantity"`
	StockVersion  int64     `db:"stock_version" json:"-"`
	IsActive      bool      `db:"is_active" json:"is_active"`
	Status        string    `db:"status" json:"status"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// StockLevel is a product's available quantity after a stock movement.
// Version grows with every movement, so later levels win over earlier ones.
type StockLevel struct {
	Available int
	Version   int64
}

// Level returns the product's current stock level
func (p *Product) Level() StockLevel {
	return StockLevel{Available: p.StockQuantity, Version: p.StockVersion}
}

// Product approval statuses
const (
	ProductStatusPending  = "pending"
	ProductStatusApproved = "approved"
	ProductStatusRejected = "rejected"
)

// Sellable reports whether the product may be added to carts and ordered.
func (p *Product) Sellable() bool {
	return p.IsActive && p.Status == ProductStatusApproved
}

// CartItem is a buyer's pending line, priced when it was added.
type CartItem struct {
	ID         int64     `db:"id" json:"id"`
	BuyerID    int64     `db:"buyer_id" json:"buyer_id"`
	ProductID  int64     `db:"product_id" json:"product_id"`
	SellerID   int64     `db:"seller_id" json:"seller_id"`
	Quantity   int       `db:"quantity" json:"quantity"`
	PriceAtAdd int64     `db:"price_at_add" json:"price_at_add"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// OrderItem is an immutable snapshot of a purchased line.
type OrderItem struct {
	ID         int64 `db:"id" json:"id"`
	OrderID    int64 `db:"order_id" json:"order_id"`
	ProductID  int64 `db:"product_id" json:"product_id"`
	SellerID   int64 `db:"seller_id" json:"seller_id"`
	Quantity   int   `db:"quantity" json:"quantity"`
	UnitPrice  int64 `db:"unit_price" json:"unit_price"`
	TotalPrice int64 `db:"total_price" json:"total_price"`
}

// Payment is the one-to-one settlement record of an order.
type Payment struct {
	ID              int64           `db:"id" json:"id"`
	OrderID         int64           `db:"order_id" json:"order_id"`
	PaymentMethod   string          `db:"payment_method" json:"payment_method"`
	Amount          int64           `db:"amount" json:"amount"`
	Status          string          `db:"status" json:"status"`
	TransactionID   *string         `db:"transaction_id" json:"transaction_id,omitempty"`
	Attempts        int             `db:"attempts" json:"attempts"`
	GatewayResponse json.RawMessage `db:"gateway_response" json:"gateway_response,omitempty"`
	PaidAt          *time.Time      `db:"paid_at" json:"paid_at,omitempty"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
}

// Payment statuses
const (
	PaymentStatusPending   = "pending"
	PaymentStatusCompleted = "completed"
	PaymentStatusFailed    = "failed"
)

// Payment methods accepted at checkout
const (
	PaymentMethodPix        = "pix"
	PaymentMethodCreditCard = "credit_card"
	PaymentMethodBoleto     = "boleto"
)

// ValidPaymentMethod reports whether method is accepted at checkout.
func ValidPaymentMethod(method string) bool {
	switch method {
	case PaymentMethodPix, PaymentMethodCreditCard, PaymentMethodBoleto:
		return true
	}
	return false
}

// ShippingAddress is stored as JSON on the order.
type ShippingAddress struct {
	Street     string `json:"street" binding:"required"`
	City       string `json:"city" binding:"required"`
	State      string `json:"state" binding:"required"`
	PostalCode string `json:"postal_code" binding:"required"`
	Country    string `json:"country" binding:"required"`
}

// MissingField returns the JSON name of the first empty field, or "".
func (a ShippingAddress) MissingField() string {
	switch {
	case a.Street == "":
		return "street"
	case a.City == "":
		return "city"
	case a.State == "":
		return "state"
	case a.PostalCode == "":
		return "postal_code"
	case a.Country == "":
		return "country"
	}
	return ""
}

// OrderDetails is an order with its nested line items and payment.
type OrderDetails struct {
	Order   *Order      `json:"order"`
	Items   []OrderItem `json:"items"`
	Payment *Payment    `json:"payment"`
}
