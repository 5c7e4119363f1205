// Package payment bridges the order workflow to the external payment
// processor: authorize a hold, capture it, or release it.
package payment

import (
	"context"

	"checkout-service/internal/apperr"
)

// Gateway is the processor capability the order workflow depends on.
type Gateway interface {
	Authorize(ctx context.Context, req AuthorizeRequest) (Authorization, error)
	Capture(ctx context.Context, req CaptureRequest) error
	Cancel(ctx context.Context, req CancelRequest) error
}

// AuthorizeRequest asks for a hold of Amount minor units in Currency.
type AuthorizeRequest struct {
	Amount         int64
	Currency       string
	Metadata       map[string]string
	IdempotencyKey string
}

// Authorization is the processor's answer to a hold request.
type Authorization struct {
	Reference    string `json:"payment_intent_id"`
	ClientSecret string `json:"client_secret"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
	Status       string `json:"status"`
}

type CaptureRequest struct {
	Reference      string
	IdempotencyKey string
}

type CancelRequest struct {
	Reference      string
	Reason         string
	IdempotencyKey string
}

// DisabledGateway stands in when no processor is configured. Every call
// fails with apperr.ErrPaymentUnavailable.
type DisabledGateway struct{}

func (DisabledGateway) Authorize(context.Context, AuthorizeRequest) (Authorization, error) {
	return Authorization{}, apperr.ErrPaymentUnavailable
}

func (DisabledGateway) Capture(context.Context, CaptureRequest) error {
	return apperr.ErrPaymentUnavailable
}

func (DisabledGateway) Cancel(context.Context, CancelRequest) error {
	return apperr.ErrPaymentUnavailable
}
