package models

import (
	"encoding/json"
	"time"

	"marketplace-service/internal/apperr"
)

// Order statuses
const (
	OrderStatusPending   = "pending"
	OrderStatusConfirmed = "confirmed"
	OrderStatusCancelled = "cancelled"
	OrderStatusShipped   = "shipped"
)

// Cancellation reasons
const (
	CancelReasonBuyer   = "buyer_cancelled"
	CancelReasonExpired = "reservation_expired"
)

// Order is a buyer's purchase. While StockReserved is set the order is
// pending and ReservedUntil bounds the hold on inventory.
type Order struct {
	ID              int64           `db:"id" json:"id"`
	OrderNumber     string          `db:"order_number" json:"order_number"`
	BuyerID         int64           `db:"buyer_id" json:"buyer_id"`
	Status          string          `db:"status" json:"status"`
	TotalAmount     int64           `db:"total_amount" json:"total_amount"`
	TaxAmount       int64           `db:"tax_amount" json:"tax_amount"`
	ShippingAmount  int64           `db:"shipping_amount" json:"shipping_amount"`
	ShippingAddress json.RawMessage `db:"shipping_address" json:"shipping_address"`
	StockReserved   bool            `db:"stock_reserved" json:"stock_reserved"`
	ReservedUntil   *time.Time      `db:"reserved_until" json:"reserved_until,omitempty"`
	PaidAt          *time.Time      `db:"paid_at" json:"paid_at,omitempty"`
	ShippedAt       *time.Time      `db:"shipped_at" json:"shipped_at,omitempty"`
	TrackingNumber  *string         `db:"tracking_number" json:"tracking_number,omitempty"`
	CancelReason    *string         `db:"cancel_reason" json:"cancel_reason,omitempty"`
	IdempotencyKey  *string         `db:"idempotency_key" json:"-"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
}

var orderTransitions = map[string][]string{
	OrderStatusPending:   {OrderStatusConfirmed, OrderStatusCancelled},
	OrderStatusConfirmed: {OrderStatusShipped},
}

// CanTransitionTo reports whether the lifecycle allows moving to next.
func (o *Order) CanTransitionTo(next string) bool {
	for _, s := range orderTransitions[o.Status] {
		if s == next {
			return true
		}
	}
	return false
}

// Reserve puts a freshly built order on hold until the given time.
func (o *Order) Reserve(until time.Time) {
	o.Status = OrderStatusPending
	o.StockReserved = true
	o.ReservedUntil = &until
}

// ReservationExpired reports whether the hold lapsed before now.
func (o *Order) ReservationExpired(now time.Time) bool {
	if !o.StockReserved || o.ReservedUntil == nil || o.Status != OrderStatusPending {
		return false
	}
	return o.ReservedUntil.Before(now)
}

// MarkAsPaid confirms a reserved order. The reserved stock becomes the sale.
func (o *Order) MarkAsPaid(now time.Time) error {
	if !o.CanTransitionTo(OrderStatusConfirmed) || !o.StockReserved {
		return apperr.InvalidTransition("order", o.Status, "confirm")
	}
	o.Status = OrderStatusConfirmed
	o.PaidAt = &now
	o.clearReservation()
	return nil
}

// Cancel moves a pending order to cancelled. Callers return the reserved
// stock to the ledger before calling it.
func (o *Order) Cancel(reason string) error {
	if !o.CanTransitionTo(OrderStatusCancelled) {
		return apperr.InvalidTransition("order", o.Status, "cancel")
	}
	o.Status = OrderStatusCancelled
	o.CancelReason = &reason
	o.clearReservation()
	return nil
}

// MarkAsShipped records the shipment of a confirmed order.
func (o *Order) MarkAsShipped(trackingNumber *string, now time.Time) error {
	if !o.CanTransitionTo(OrderStatusShipped) {
		return apperr.InvalidTransition("order", o.Status, "ship")
	}
	o.Status = OrderStatusShipped
	o.TrackingNumber = trackingNumber
	o.ShippedAt = &now
	return nil
}

// ReservationConsistent checks stock_reserved <=> pending with a deadline.
func (o *Order) ReservationConsistent() bool {
	held := o.Status == OrderStatusPending && o.ReservedUntil != nil
	return o.StockReserved == held
}

func (o *Order) clearReservation() {
	o.StockReserved = false
	o.ReservedUntil = nil
}
