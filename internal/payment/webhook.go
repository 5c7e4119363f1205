package payment

import (
	"encoding/json"
	"fmt"

	"checkout-service/internal/apperr"
	"checkout-service/internal/models"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"
)

// WebhookEvent is a verified processor notification about one hold.
// PaymentStatus is empty for event types the workflow ignores.
type WebhookEvent struct {
	ID            string
	Type          string
	Reference     string
	PaymentStatus string
}

// WebhookVerifier authenticates and decodes processor callbacks.
type WebhookVerifier interface {
	Parse(payload []byte, signature string) (WebhookEvent, error)
}

type StripeWebhook struct {
	secret string
}

func NewStripeWebhook(secret string) WebhookVerifier {
	if secret == "" {
		return DisabledWebhook{}
	}
	return &StripeWebhook{secret: secret}
}

func (w *StripeWebhook) Parse(payload []byte, signature string) (WebhookEvent, error) {
	ev, err := webhook.ConstructEventWithOptions(payload, signature, w.secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return WebhookEvent{}, apperr.Validation("invalid webhook signature").Wrap(err)
	}

	out := WebhookEvent{ID: ev.ID, Type: string(ev.Type)}
	switch ev.Type {
	case "payment_intent.succeeded":
		out.PaymentStatus = models.PaymentStatusPaid
	case "payment_intent.payment_failed":
		out.PaymentStatus = models.PaymentStatusFailed
	case "payment_intent.canceled":
		out.PaymentStatus = models.PaymentStatusCancelled
	default:
		return out, nil
	}

	var intent stripe.PaymentIntent
	if err := json.Unmarshal(ev.Data.Raw, &intent); err != nil {
		return WebhookEvent{}, apperr.Validation("malformed payment intent payload").Wrap(fmt.Errorf("stripe: decode %s: %w", ev.Type, err))
	}
	out.Reference = intent.ID
	return out, nil
}

// DisabledWebhook rejects every callback when no signing secret is set.
type DisabledWebhook struct{}

func (DisabledWebhook) Parse([]byte, string) (WebhookEvent, error) {
	return WebhookEvent{}, apperr.ErrPaymentUnavailable
}
