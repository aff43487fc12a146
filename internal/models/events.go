package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event types
const (
	EventTypeOrderCreated   = "ORDER_CREATED"
	EventTypeOrderConfirmed = "ORDER_CONFIRMED"
	EventTypeOrderShipped   = "ORDER_SHIPPED"
	EventTypeOrderCancelled = "ORDER_CANCELLED"
	EventTypePaymentFailed  = "PAYMENT_FAILED"
)

// Event is a domain event published after its unit of work commits.
type Event interface {
	Base() BaseEvent
	PartitionKey() string
}

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// NewBaseEvent stamps a fresh event id.
func NewBaseEvent(eventType string, at time.Time) BaseEvent {
	return BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: at,
	}
}

func (b BaseEvent) Base() BaseEvent { return b }

func orderKey(orderID int64) string {
	return fmt.Sprintf("order-%d", orderID)
}

// OrderCreatedEvent published when an order is placed and its stock reserved
type OrderCreatedEvent struct {
	BaseEvent
	OrderID       int64           `json:"order_id"`
	OrderNumber   string          `json:"order_number"`
	BuyerID       int64           `json:"buyer_id"`
	TotalAmount   int64           `json:"total_amount"`
	ReservedUntil time.Time       `json:"reserved_until"`
	Items         []OrderItemData `json:"items"`
}

func (e *OrderCreatedEvent) PartitionKey() string { return orderKey(e.OrderID) }

// OrderConfirmedEvent published when payment settlement confirms the order
type OrderConfirmedEvent struct {
	BaseEvent
	OrderID   int64  `json:"order_id"`
	BuyerID   int64  `json:"buyer_id"`
	PaymentID int64  `json:"payment_id"`
	TxID      string `json:"tx_id"`
}

func (e *OrderConfirmedEvent) PartitionKey() string { return orderKey(e.OrderID) }

// OrderShippedEvent published when a seller ships the order
type OrderShippedEvent struct {
	BaseEvent
	OrderID        int64   `json:"order_id"`
	BuyerID        int64   `json:"buyer_id"`
	SellerID       int64   `json:"seller_id"`
	TrackingNumber *string `json:"tracking_number,omitempty"`
}

func (e *OrderShippedEvent) PartitionKey() string { return orderKey(e.OrderID) }

// OrderCancelledEvent published when a buyer cancels or a reservation expires
type OrderCancelledEvent struct {
	BaseEvent
	OrderID int64  `json:"order_id"`
	BuyerID int64  `json:"buyer_id"`
	Reason  string `json:"reason"`
}

func (e *OrderCancelledEvent) PartitionKey() string { return orderKey(e.OrderID) }

// PaymentFailedEvent published when the gateway rejects or cancels a payment
type PaymentFailedEvent struct {
	BaseEvent
	OrderID   int64  `json:"order_id"`
	PaymentID int64  `json:"payment_id"`
	TxID      string `json:"tx_id"`
	Reason    string `json:"reason"`
}

func (e *PaymentFailedEvent) PartitionKey() string { return orderKey(e.OrderID) }

// OrderItemData represents item data in events
type OrderItemData struct {
	ProductID int64 `json:"product_id"`
	SellerID  int64 `json:"seller_id"`
	Quantity  int   `json:"quantity"`
	UnitPrice int64 `json:"unit_price"`
}
