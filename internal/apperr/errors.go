// Package apperr defines the error taxonomy shared by the checkout and
// disposition workflows. Errors carry a Kind that decides the HTTP status and
// a stable Code that callers match with errors.Is.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindValidation         Kind = "validation"
	KindUnauthorized       Kind = "unauthorized"
	KindForbidden          Kind = "forbidden"
	KindNotFound           Kind = "not_found"
	KindStateConflict      Kind = "state_conflict"
	KindInsufficientStock  Kind = "insufficient_stock"
	KindBusy               Kind = "busy"
	KindExternalPayment    Kind = "external_payment"
	KindPaymentUnavailable Kind = "payment_unavailable"
	KindPaymentUnknown     Kind = "payment_unknown"
	KindPersistence        Kind = "persistence"
)

// Error is the canonical application error.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details map[string]any
	Err     error
}

func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Code so that a sentinel still matches after WithMessage,
// WithDetail or Wrap produced a copy.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func (e *Error) clone() *Error {
	cp := *e
	if len(e.Details) > 0 {
		cp.Details = make(map[string]any, len(e.Details))
		for k, v := range e.Details {
			cp.Details[k] = v
		}
	}
	return &cp
}

func (e *Error) WithMessage(msg string) *Error {
	cp := e.clone()
	cp.Message = msg
	return cp
}

func (e *Error) WithDetail(key string, value any) *Error {
	cp := e.clone()
	if cp.Details == nil {
		cp.Details = make(map[string]any, 1)
	}
	cp.Details[key] = value
	return cp
}

func (e *Error) Wrap(err error) *Error {
	cp := e.clone()
	cp.Err = err
	return cp
}

var (
	ErrValidation          = New(KindValidation, "VALIDATION_FAILED", "request validation failed")
	ErrEmptyCart           = New(KindValidation, "EMPTY_CART", "cart is empty")
	ErrProductUnavailable  = New(KindValidation, "PRODUCT_UNAVAILABLE", "product is no longer available")
	ErrCartLimitExceeded   = New(KindValidation, "CART_LIMIT_EXCEEDED", "quantity exceeds the per-product cart limit")
	ErrUnauthorized        = New(KindUnauthorized, "UNAUTHORIZED", "authentication required")
	ErrForbidden           = New(KindForbidden, "FORBIDDEN", "not allowed to access this resource")
	ErrOrderNotFound       = New(KindNotFound, "ORDER_NOT_FOUND", "order not found")
	ErrProductNotFound     = New(KindNotFound, "PRODUCT_NOT_FOUND", "product not found")
	ErrCartItemNotFound    = New(KindNotFound, "CART_ITEM_NOT_FOUND", "cart item not found")
	ErrCustomerNotFound    = New(KindNotFound, "CUSTOMER_NOT_FOUND", "customer not found")
	ErrAlreadyCaptured     = New(KindStateConflict, "ALREADY_CAPTURED", "payment already captured for this order")
	ErrInvalidState        = New(KindStateConflict, "INVALID_STATE", "order is not in a state that allows this action")
	ErrNotCancellable      = New(KindStateConflict, "NOT_CANCELLABLE", "order cannot be cancelled in its current status")
	ErrCannotRejectCapture = New(KindStateConflict, "CANNOT_REJECT_CAPTURED_PAYMENT", "payment already captured, process a refund instead")
	ErrInsufficientStock   = New(KindInsufficientStock, "INSUFFICIENT_STOCK", "insufficient stock")
	ErrOrderBusy           = New(KindBusy, "ORDER_BUSY", "order is being updated by another request")
	ErrRequestInProgress   = New(KindBusy, "REQUEST_IN_PROGRESS", "a request with this idempotency key is already in progress")
	ErrPaymentFailed       = New(KindExternalPayment, "PAYMENT_FAILED", "payment processor rejected the request")
	ErrPaymentUnavailable  = New(KindPaymentUnavailable, "PAYMENT_UNAVAILABLE", "payment processing is not configured")
	ErrPaymentUnknown      = New(KindPaymentUnknown, "PAYMENT_STATUS_UNKNOWN", "payment processor did not answer in time, outcome unknown")
	ErrPersistence         = New(KindPersistence, "PERSISTENCE_ERROR", "storage failure")
)

func Validation(msg string) *Error {
	return ErrValidation.WithMessage(msg)
}

// InsufficientStock names the offending product.
func InsufficientStock(productID int64, name string, available, requested int) *Error {
	return ErrInsufficientStock.
		WithMessage(fmt.Sprintf("insufficient stock for %s", name)).
		WithDetail("product_id", productID).
		WithDetail("product_name", name).
		WithDetail("available", available).
		WithDetail("requested", requested)
}

// Persistence wraps a storage failure unless err already carries a Kind.
func Persistence(err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	return ErrPersistence.Wrap(err)
}

// PaymentFailure passes the processor message through; cause stays in Err.
func PaymentFailure(msg string, err error) *Error {
	e := ErrPaymentFailed.Wrap(err)
	if msg != "" {
		e.Message = msg
	}
	return e
}

// FromContext maps a deadline on a payment call to an unknown outcome.
func FromContext(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrPaymentUnknown.Wrap(err)
	}
	return err
}

func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}

func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation, KindStateConflict, KindInsufficientStock:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindBusy:
		return http.StatusConflict
	case KindExternalPayment:
		return http.StatusBadGateway
	case KindPaymentUnavailable:
		return http.StatusServiceUnavailable
	case KindPaymentUnknown:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
