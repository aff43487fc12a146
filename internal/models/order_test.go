package models

import (
	"testing"
	"time"

	"marketplace-service/internal/apperr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reservedOrder(now time.Time) *Order {
	o := &Order{ID: 1, BuyerID: 10}
	o.Reserve(now.Add(24 * time.Hour))
	return o
}

func TestReserveSetsInvariant(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	o := reservedOrder(now)

	assert.Equal(t, OrderStatusPending, o.Status)
	assert.True(t, o.StockReserved)
	require.NotNil(t, o.ReservedUntil)
	assert.True(t, o.ReservationConsistent())
}

func TestMarkAsPaidClearsReservation(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	o := reservedOrder(now)

	require.NoError(t, o.MarkAsPaid(now))

	assert.Equal(t, OrderStatusConfirmed, o.Status)
	assert.False(t, o.StockReserved)
	assert.Nil(t, o.ReservedUntil)
	assert.Equal(t, now, *o.PaidAt)
	assert.True(t, o.ReservationConsistent())
}

func TestCancelOnlyFromPending(t *testing.T) {
	now := time.Now()
	o := reservedOrder(now)
	require.NoError(t, o.MarkAsPaid(now))

	err := o.Cancel(CancelReasonBuyer)

	assert.True(t, apperr.Is(err, apperr.KindInvalidStateTransition))
	assert.Equal(t, OrderStatusConfirmed, o.Status)
}

func TestCancelledOrderIsTerminal(t *testing.T) {
	now := time.Now()
	o := reservedOrder(now)
	require.NoError(t, o.Cancel(CancelReasonExpired))

	assert.Equal(t, CancelReasonExpired, *o.CancelReason)
	assert.True(t, o.ReservationConsistent())
	assert.Error(t, o.MarkAsPaid(now))
	assert.Error(t, o.MarkAsShipped(nil, now))
	assert.Error(t, o.Cancel(CancelReasonBuyer))
}

func TestShipRequiresConfirmed(t *testing.T) {
	now := time.Now()
	o := reservedOrder(now)
	tracking := "BR123"

	assert.True(t, apperr.Is(o.MarkAsShipped(&tracking, now), apperr.KindInvalidStateTransition))

	require.NoError(t, o.MarkAsPaid(now))
	require.NoError(t, o.MarkAsShipped(&tracking, now))
	assert.Equal(t, OrderStatusShipped, o.Status)
	assert.Equal(t, "BR123", *o.TrackingNumber)
	assert.False(t, o.CanTransitionTo(OrderStatusCancelled))
}

func TestReservationExpired(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	o := reservedOrder(now)

	assert.False(t, o.ReservationExpired(now.Add(23*time.Hour)))
	assert.False(t, o.ReservationExpired(now.Add(24*time.Hour)))
	assert.True(t, o.ReservationExpired(now.Add(24*time.Hour+time.Second)))

	require.NoError(t, o.MarkAsPaid(now))
	assert.False(t, o.ReservationExpired(now.Add(48*time.Hour)))
}

func TestProductSellable(t *testing.T) {
	assert.True(t, (&Product{IsActive: true, Status: ProductStatusApproved}).Sellable())
	assert.False(t, (&Product{IsActive: false, Status: ProductStatusApproved}).Sellable())
	assert.False(t, (&Product{IsActive: true, Status: ProductStatusPending}).Sellable())
}

func TestShippingAddressMissingField(t *testing.T) {
	addr := ShippingAddress{Street: "Rua A", City: "SP", State: "SP", Country: "BR"}
	assert.Equal(t, "postal_code", addr.MissingField())

	addr.PostalCode = "01000-000"
	assert.Equal(t, "", addr.MissingField())
}
