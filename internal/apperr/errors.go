// Package apperr defines the failure taxonomy shared by the order,
// payment and inventory workflows.
package apperr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a failure for callers and transport mapping.
type Kind string

const (
	KindValidation             Kind = "validation_error"
	KindProductUnavailable     Kind = "product_unavailable"
	KindInsufficientStock      Kind = "insufficient_stock"
	KindNotFound               Kind = "not_found"
	KindInvalidStateTransition Kind = "invalid_state_transition"
	KindGateway                Kind = "gateway_error"
	KindInternal               Kind = "internal_failure"
)

// Error is a classified failure. Message is safe to show to the caller;
// Err holds the cause and is only ever logged.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Validation reports malformed input rejected before any mutation.
func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// ProductUnavailable reports a product that is missing, inactive or not approved.
func ProductUnavailable(productID int64, name string) *Error {
	label := name
	if label == "" {
		label = fmt.Sprintf("#%d", productID)
	}
	return &Error{
		Kind:    KindProductUnavailable,
		Message: fmt.Sprintf("product is no longer available: %s", label),
		Details: map[string]any{"product_id": productID},
	}
}

// InsufficientStock reports that a product cannot cover the requested quantity.
func InsufficientStock(productID int64, name string, requested, available int) *Error {
	label := name
	if label == "" {
		label = fmt.Sprintf("#%d", productID)
	}
	return &Error{
		Kind:    KindInsufficientStock,
		Message: fmt.Sprintf("insufficient stock for product %s: requested %d, available %d", label, requested, available),
		Details: map[string]any{
			"product_id": productID,
			"requested":  requested,
			"available":  available,
		},
	}
}

// NotFound is also used when the entity exists but belongs to someone else.
func NotFound(entity string, id any) *Error {
	return &Error{
		Kind:    KindNotFound,
		Message: fmt.Sprintf("%s not found", entity),
		Details: map[string]any{"id": id},
	}
}

// InvalidTransition reports a state change that the lifecycle forbids.
func InvalidTransition(entity, from, action string) *Error {
	return &Error{
		Kind:    KindInvalidStateTransition,
		Message: fmt.Sprintf("cannot %s %s in status %s", action, entity, from),
		Details: map[string]any{"status": from},
	}
}

// Gateway wraps a payment gateway failure.
func Gateway(err error) *Error {
	return &Error{
		Kind:    KindGateway,
		Message: "payment gateway unavailable, please try again",
		Err:     errors.WithStack(err),
	}
}

// Internal wraps an unexpected failure with a stack trace.
func Internal(err error) *Error {
	return &Error{
		Kind:    KindInternal,
		Message: "internal error",
		Err:     errors.WithStack(err),
	}
}

// Wrap returns err unchanged when it is already classified and an internal
// failure otherwise.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return err
	}
	return Internal(err)
}

// KindOf returns the kind of the first classified error in the chain.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}
