package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"marketplace-service/internal/models"
)

// CreatePayment creates a new payment record
func (t *sqlTx) CreatePayment(ctx context.Context, payment *models.Payment) error {
	query := `
		INSERT INTO payments (order_id, payment_method, amount, status, transaction_id, gateway_response)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb)
		RETURNING id, created_at, updated_at`

	row := t.tx.QueryRowxContext(ctx, query,
		payment.OrderID, payment.PaymentMethod, payment.Amount, payment.Status,
		payment.TransactionID, jsonArg(payment.GatewayResponse))
	if err := row.Scan(&payment.ID, &payment.CreatedAt, &payment.UpdatedAt); err != nil {
		return fmt.Errorf("failed to create payment: %w", err)
	}
	return nil
}

// GetPayment retrieves a payment by ID
func (t *sqlTx) GetPayment(ctx context.Context, id int64) (*models.Payment, error) {
	return t.getPayment(ctx, "SELECT * FROM payments WHERE id = $1", id)
}

// LockPayment retrieves a payment by ID holding its row lock
func (t *sqlTx) LockPayment(ctx context.Context, id int64) (*models.Payment, error) {
	return t.getPayment(ctx, "SELECT * FROM payments WHERE id = $1 FOR UPDATE", id)
}

// GetPaymentByOrderID retrieves the payment for an order
func (t *sqlTx) GetPaymentByOrderID(ctx context.Context, orderID int64) (*models.Payment, error) {
	return t.getPayment(ctx, "SELECT * FROM payments WHERE order_id = $1", orderID)
}

// LockPaymentByTransactionID resolves a gateway reference holding the row lock
func (t *sqlTx) LockPaymentByTransactionID(ctx context.Context, transactionID string) (*models.Payment, error) {
	return t.getPayment(ctx, "SELECT * FROM payments WHERE transaction_id = $1 FOR UPDATE", transactionID)
}

func (t *sqlTx) getPayment(ctx context.Context, query string, args ...any) (*models.Payment, error) {
	var payment models.Payment
	err := t.tx.GetContext(ctx, &payment, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	return &payment, nil
}

// UpdatePayment persists status, gateway reference, attempt counter and payload
func (t *sqlTx) UpdatePayment(ctx context.Context, payment *models.Payment) error {
	row := t.tx.QueryRowxContext(ctx, `
		UPDATE payments
		SET status = $1, transaction_id = $2, attempts = $3, gateway_response = $4::jsonb, paid_at = $5, updated_at = NOW()
		WHERE id = $6
		RETURNING updated_at`,
		payment.Status, payment.TransactionID, payment.Attempts, jsonArg(payment.GatewayResponse), payment.PaidAt, payment.ID)
	if err := row.Scan(&payment.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to update payment %d: %w", payment.ID, err)
	}
	return nil
}
