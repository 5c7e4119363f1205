package service

import (
	"context"
	"fmt"
	"strconv"

	"checkout-service/internal/apperr"
	"checkout-service/internal/payment"
	"checkout-service/internal/util"

	"go.uber.org/zap"
)

// PaymentEventHandler applies verified processor notifications.
type PaymentEventHandler interface {
	HandlePaymentEvent(ctx context.Context, ev payment.WebhookEvent) error
}

// PaymentService authorizes holds for the cart and receives processor
// callbacks.
type PaymentService struct {
	carts   CartRepository
	gateway payment.Gateway
	webhook payment.WebhookVerifier
	handler PaymentEventHandler
	pricing Pricing
	logger  *zap.Logger
}

func NewPaymentService(
	carts CartRepository,
	gateway payment.Gateway,
	webhook payment.WebhookVerifier,
	handler PaymentEventHandler,
	pricing Pricing,
) *PaymentService {
	if gateway == nil {
		gateway = payment.DisabledGateway{}
	}
	if webhook == nil {
		webhook = payment.DisabledWebhook{}
	}
	return &PaymentService{
		carts:   carts,
		gateway: gateway,
		webhook: webhook,
		handler: handler,
		pricing: pricing,
		logger:  util.GetLogger(),
	}
}

// CreatePaymentIntent places a manual-capture hold for the current cart
// total. The amount is always computed here, never taken from the client.
func (ps *PaymentService) CreatePaymentIntent(ctx context.Context, userID int64) (auth *payment.Authorization, err error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.CreatePaymentIntent")
	defer func() { util.EndSpan(span, err) }()

	lines, err := ps.carts.GetCartLines(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, apperr.ErrEmptyCart
	}
	for _, l := range lines {
		if !l.IsActive {
			return nil, apperr.ErrProductUnavailable.
				WithMessage(fmt.Sprintf("%s is no longer available", l.Name)).
				WithDetail("product_id", l.ProductID)
		}
		if l.Quantity > l.StockQuantity {
			return nil, apperr.InsufficientStock(l.ProductID, l.Name, l.StockQuantity, l.Quantity)
		}
	}

	quote := ps.pricing.Quote(lines)
	a, err := ps.gateway.Authorize(ctx, payment.AuthorizeRequest{
		Amount:   quote.MinorUnits(),
		Currency: quote.Currency,
		Metadata: map[string]string{
			"user_id": strconv.FormatInt(userID, 10),
			"total":   quote.Total.StringFixed(2),
		},
	})
	if err != nil {
		util.LoggerFromContext(ctx).Error("Payment authorization failed", zap.Error(err))
		return nil, err
	}

	util.LoggerFromContext(ctx).Info("Payment authorized",
		zap.String("payment_reference", a.Reference),
		zap.Int64("amount", a.Amount))
	return &a, nil
}

// HandleWebhook verifies and applies one processor callback.
func (ps *PaymentService) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	ev, err := ps.webhook.Parse(payload, signature)
	if err != nil {
		ps.logger.Warn("Rejected payment webhook", zap.Error(err))
		return err
	}
	if ps.handler == nil {
		return nil
	}
	return ps.handler.HandlePaymentEvent(ctx, ev)
}
