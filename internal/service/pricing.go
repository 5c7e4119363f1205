package service

import (
	"checkout-service/config"
	"checkout-service/internal/models"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Pricing holds the checkout price rules.
type Pricing struct {
	Currency              string
	TaxRate               decimal.Decimal
	FreeShippingThreshold decimal.Decimal
	FlatShippingRate      decimal.Decimal
}

func PricingFromConfig(cfg config.BusinessConfig) Pricing {
	return Pricing{
		Currency:              cfg.Currency,
		TaxRate:               cfg.TaxRate,
		FreeShippingThreshold: cfg.FreeShippingThreshold,
		FlatShippingRate:      cfg.FlatShippingRate,
	}
}

// Quote is the money breakdown of a cart or order.
type Quote struct {
	Subtotal decimal.Decimal `json:"subtotal"`
	Tax      decimal.Decimal `json:"tax_amount"`
	Shipping decimal.Decimal `json:"shipping_amount"`
	Discount decimal.Decimal `json:"discount_amount"`
	Total    decimal.Decimal `json:"total_amount"`
	Currency string          `json:"currency"`
}

// Quote prices lines at their current unit price. Tax rounds half away from
// zero to cents.
func (p Pricing) Quote(lines []models.CartLine) Quote {
	subtotal := decimal.Zero
	for _, l := range lines {
		subtotal = subtotal.Add(lineTotal(l.Price, l.Quantity))
	}
	return p.quoteSubtotal(subtotal)
}

func (p Pricing) quoteSubtotal(subtotal decimal.Decimal) Quote {
	tax := subtotal.Mul(p.TaxRate).Round(2)
	shipping := p.FlatShippingRate
	if subtotal.GreaterThanOrEqual(p.FreeShippingThreshold) {
		shipping = decimal.Zero
	}
	discount := decimal.Zero
	return Quote{
		Subtotal: subtotal,
		Tax:      tax,
		Shipping: shipping,
		Discount: discount,
		Total:    subtotal.Add(tax).Add(shipping).Sub(discount),
		Currency: p.Currency,
	}
}

func lineTotal(price decimal.Decimal, qty int) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(int64(qty))).Round(2)
}

// MinorUnits converts the total to cents for the processor.
func (q Quote) MinorUnits() int64 {
	return q.Total.Mul(hundred).Round(0).IntPart()
}
