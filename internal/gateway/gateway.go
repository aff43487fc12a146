// Package gateway talks to the external payment gateway: synchronous
// payment initiation and parsing of asynchronous settlement notifications.
package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Notification statuses reported by the gateway
const (
	StatusApproved  = "approved"
	StatusRejected  = "rejected"
	StatusCancelled = "cancelled"
	StatusPending   = "pending"
	StatusInProcess = "in_process"
)

// ErrMalformedNotification is returned for payloads that cannot be routed.
var ErrMalformedNotification = errors.New("malformed gateway notification")

// InitiateRequest asks the gateway to open a payment for an order.
type InitiateRequest struct {
	Amount          int64  `json:"amount"`
	Method          string `json:"method"`
	OrderReference  string `json:"order_reference"`
	Description     string `json:"description,omitempty"`
	NotificationURL string `json:"notification_url,omitempty"`
	// IdempotencyKey identifies one payment attempt. Resending the same key
	// must return the same gateway payment.
	IdempotencyKey string `json:"-"`
}

// AttemptKey builds the idempotency key for a payment attempt.
func AttemptKey(paymentID int64, attempt int) string {
	return fmt.Sprintf("payment-%d-attempt-%d", paymentID, attempt)
}

// InitiateResponse carries the external reference later used in notifications.
type InitiateResponse struct {
	Reference string          `json:"reference"`
	Payload   json.RawMessage `json:"-"`
}

// Notification is an asynchronous settlement update for a reference.
type Notification struct {
	TransactionID string          `json:"transaction_id"`
	Status        string          `json:"status"`
	Raw           json.RawMessage `json:"-"`
}

// Terminal reports whether the status settles the payment one way or the other.
func (n Notification) Terminal() bool {
	switch n.Status {
	case StatusApproved, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

// KnownStatus reports whether the status is one the gateway documents.
func KnownStatus(status string) bool {
	switch status {
	case StatusApproved, StatusRejected, StatusCancelled, StatusPending, StatusInProcess:
		return true
	}
	return false
}

// ParseNotification decodes a notification body and keeps the raw payload
// for audit.
func ParseNotification(body []byte) (Notification, error) {
	var n Notification
	if err := json.Unmarshal(body, &n); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformedNotification, err)
	}
	n.TransactionID = strings.TrimSpace(n.TransactionID)
	n.Status = strings.ToLower(strings.TrimSpace(n.Status))
	if n.TransactionID == "" {
		return Notification{}, fmt.Errorf("%w: missing transaction_id", ErrMalformedNotification)
	}
	if n.Status == "" {
		return Notification{}, fmt.Errorf("%w: missing status", ErrMalformedNotification)
	}
	n.Raw = append(json.RawMessage(nil), body...)
	return n, nil
}
