package service

import (
	"context"
	"fmt"

	"checkout-service/internal/apperr"
	"checkout-service/internal/models"
	"checkout-service/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CartService manages the server-side cart checkout consumes.
type CartService struct {
	carts       CartRepository
	pricing     Pricing
	maxQuantity int
}

func NewCartService(carts CartRepository, pricing Pricing, maxQuantity int) *CartService {
	if maxQuantity <= 0 {
		maxQuantity = 10
	}
	return &CartService{carts: carts, pricing: pricing, maxQuantity: maxQuantity}
}

type CartItemRequest struct {
	ProductID int64 `json:"product_id" binding:"required,min=1"`
	Quantity  int   `json:"quantity" binding:"required,min=1"`
}

type CartSummary struct {
	Items     []models.CartLine `json:"items"`
	ItemCount int               `json:"item_count"`
	Quote
}

func (cs *CartService) GetCart(ctx context.Context, userID int64) (*CartSummary, error) {
	lines, err := cs.carts.GetCartLines(ctx, userID)
	if err != nil {
		return nil, err
	}
	count := 0
	for _, l := range lines {
		count += l.Quantity
	}
	return &CartSummary{Items: lines, ItemCount: count, Quote: cs.quote(lines)}, nil
}

// quote prices the cart. An empty cart owes nothing, not the flat shipping
// rate.
func (cs *CartService) quote(lines []models.CartLine) Quote {
	if len(lines) == 0 {
		zero := decimal.Zero
		return Quote{Subtotal: zero, Tax: zero, Shipping: zero, Discount: zero, Total: zero, Currency: cs.pricing.Currency}
	}
	return cs.pricing.Quote(lines)
}

// SetItem adds a product or replaces its quantity.
func (cs *CartService) SetItem(ctx context.Context, userID int64, req CartItemRequest) (*CartSummary, error) {
	if req.Quantity < 1 {
		return nil, apperr.Validation("quantity must be at least 1").WithDetail("field", "quantity")
	}
	if req.Quantity > cs.maxQuantity {
		return nil, apperr.ErrCartLimitExceeded.
			WithMessage(fmt.Sprintf("at most %d units per product", cs.maxQuantity)).
			WithDetail("max", cs.maxQuantity)
	}

	p, err := cs.carts.GetProductByID(ctx, req.ProductID)
	if err != nil {
		return nil, err
	}
	if !p.IsActive {
		return nil, apperr.ErrProductUnavailable.WithDetail("product_id", p.ID)
	}
	if req.Quantity > p.StockQuantity {
		return nil, apperr.InsufficientStock(p.ID, p.Name, p.StockQuantity, req.Quantity)
	}

	if err := cs.carts.UpsertCartItem(ctx, userID, p.ID, req.Quantity); err != nil {
		return nil, err
	}
	util.LoggerFromContext(ctx).Debug("Cart item set", zap.Int64("product_id", p.ID), zap.Int("quantity", req.Quantity))
	return cs.GetCart(ctx, userID)
}

func (cs *CartService) RemoveItem(ctx context.Context, userID, productID int64) (*CartSummary, error) {
	if err := cs.carts.DeleteCartItem(ctx, userID, productID); err != nil {
		return nil, err
	}
	return cs.GetCart(ctx, userID)
}
