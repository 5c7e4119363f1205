package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"checkout-service/internal/apperr"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"go.uber.org/zap"
)

type stripePaymentIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Capture(id string, params *stripe.PaymentIntentCaptureParams) (*stripe.PaymentIntent, error)
	Cancel(id string, params *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error)
}

// StripeConfig configures the StripeGateway. Intents overrides the API
// client, which tests use to avoid the network.
type StripeConfig struct {
	SecretKey string
	Backends  *stripe.Backends
	Intents   stripePaymentIntentAPI
	Logger    *zap.Logger
}

// StripeGateway places manual-capture PaymentIntents.
type StripeGateway struct {
	intents stripePaymentIntentAPI
	logger  *zap.Logger
}

func NewStripeGateway(cfg StripeConfig) (*StripeGateway, error) {
	key := strings.TrimSpace(cfg.SecretKey)
	if key == "" && cfg.Intents == nil {
		return nil, errors.New("stripe: secret key is required")
	}

	intents := cfg.Intents
	if intents == nil {
		intents = client.New(key, cfg.Backends).PaymentIntents
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &StripeGateway{intents: intents, logger: logger}, nil
}

func (g *StripeGateway) Authorize(ctx context.Context, req AuthorizeRequest) (Authorization, error) {
	if req.Amount <= 0 {
		return Authorization{}, apperr.Validation("payment amount must be positive")
	}

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.Amount),
		Currency:      stripe.String(strings.ToLower(req.Currency)),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if len(req.Metadata) > 0 {
		params.Metadata = make(map[string]string, len(req.Metadata))
		for k, v := range req.Metadata {
			params.Metadata[k] = v
		}
	}

	intent, err := g.intents.New(params)
	if err != nil {
		return Authorization{}, classify("create payment intent", err)
	}

	g.logger.Info("Payment intent created",
		zap.String("payment_intent", intent.ID),
		zap.Int64("amount", intent.Amount))

	return Authorization{
		Reference:    intent.ID,
		ClientSecret: intent.ClientSecret,
		Amount:       intent.Amount,
		Currency:     strings.ToUpper(string(intent.Currency)),
		Status:       string(intent.Status),
	}, nil
}

func (g *StripeGateway) Capture(ctx context.Context, req CaptureRequest) error {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}

	intent, err := g.intents.Capture(req.Reference, params)
	if err != nil {
		return classify("capture payment intent", err)
	}

	g.logger.Info("Payment captured",
		zap.String("payment_intent", intent.ID),
		zap.Int64("amount_received", intent.AmountReceived))
	return nil
}

func (g *StripeGateway) Cancel(ctx context.Context, req CancelRequest) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if reason := cancellationReason(req.Reason); reason != "" {
		params.CancellationReason = stripe.String(reason)
	}

	intent, err := g.intents.Cancel(req.Reference, params)
	if err != nil {
		return classify("cancel payment intent", err)
	}

	g.logger.Info("Payment hold released", zap.String("payment_intent", intent.ID))
	return nil
}

// classify turns processor failures into application errors. Deadline
// expiry means the processor may or may not have acted.
func classify(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.ErrPaymentUnknown.Wrap(fmt.Errorf("stripe: %s: %w", op, err))
	}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		return apperr.PaymentFailure(stripeErr.Msg, fmt.Errorf("stripe: %s: %w", op, err))
	}
	return apperr.PaymentFailure("", fmt.Errorf("stripe: %s: %w", op, err))
}

func cancellationReason(reason string) string {
	switch strings.ToLower(strings.TrimSpace(reason)) {
	case string(stripe.PaymentIntentCancellationReasonDuplicate):
		return string(stripe.PaymentIntentCancellationReasonDuplicate)
	case string(stripe.PaymentIntentCancellationReasonFraudulent):
		return string(stripe.PaymentIntentCancellationReasonFraudulent)
	case string(stripe.PaymentIntentCancellationReasonRequestedByCustomer):
		return string(stripe.PaymentIntentCancellationReasonRequestedByCustomer)
	case string(stripe.PaymentIntentCancellationReasonAbandoned):
		return string(stripe.PaymentIntentCancellationReasonAbandoned)
	default:
		return ""
	}
}
