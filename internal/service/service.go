package service

import (
	"context"
	"time"

	"marketplace-service/internal/gateway"
	"marketplace-service/internal/models"
)

// Clock supplies the current time to reservation and settlement logic.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// EventPublisher emits domain events once their unit of work has committed.
// Publish must not block on delivery.
type EventPublisher interface {
	Publish(ctx context.Context, event models.Event)
}

// StockMirror caches committed stock levels for catalog reads.
type StockMirror interface {
	SetAvailable(ctx context.Context, productID int64, level models.StockLevel) error
	GetAvailable(ctx context.Context, productID int64) (int, error)
}

// PaymentGateway opens payments with the external gateway.
type PaymentGateway interface {
	Initiate(ctx context.Context, req gateway.InitiateRequest) (*gateway.InitiateResponse, error)
}

type discardPublisher struct{}

func (discardPublisher) Publish(context.Context, models.Event) {}

func publisherOrDiscard(p EventPublisher) EventPublisher {
	if p == nil {
		return discardPublisher{}
	}
	return p
}
