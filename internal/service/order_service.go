package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"checkout-service/internal/apperr"
	"checkout-service/internal/models"
	"checkout-service/internal/payment"
	"checkout-service/internal/store"
	"checkout-service/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const maxOrderNumberAttempts = 3

// OrderService runs checkout and the order disposition workflow.
type OrderService struct {
	orders  OrderRepository
	gateway payment.Gateway
	locker  Locker
	idem    IdempotencyStore
	events  EventPublisher
	pricing Pricing
	now     Clock
	lockTTL time.Duration
	idemTTL time.Duration
	logger  *zap.Logger
}

// OrderServiceDeps wires an OrderService. Locker, Idempotency and Events may
// be nil.
type OrderServiceDeps struct {
	Orders         OrderRepository
	Gateway        payment.Gateway
	Locker         Locker
	Idempotency    IdempotencyStore
	Events         EventPublisher
	Pricing        Pricing
	Clock          Clock
	LockTTL        time.Duration
	IdempotencyTTL time.Duration
}

func NewOrderService(d OrderServiceDeps) *OrderService {
	s := &OrderService{
		orders:  d.Orders,
		gateway: d.Gateway,
		locker:  d.Locker,
		idem:    d.Idempotency,
		events:  d.Events,
		pricing: d.Pricing,
		now:     d.Clock,
		lockTTL: d.LockTTL,
		idemTTL: d.IdempotencyTTL,
		logger:  util.GetLogger(),
	}
	if s.gateway == nil {
		s.gateway = payment.DisabledGateway{}
	}
	if s.events == nil {
		s.events = noopPublisher{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.lockTTL <= 0 {
		s.lockTTL = 30 * time.Second
	}
	if s.idemTTL <= 0 {
		s.idemTTL = 24 * time.Hour
	}
	return s
}

// AddressInput is a postal address as submitted at checkout.
type AddressInput struct {
	FirstName    string  `json:"first_name" binding:"required,min=2,max=100"`
	LastName     string  `json:"last_name" binding:"required,min=2,max=100"`
	Company      *string `json:"company,omitempty" binding:"omitempty,max=100"`
	AddressLine1 string  `json:"address_line_1" binding:"required,min=5,max=255"`
	AddressLine2 *string `json:"address_line_2,omitempty" binding:"omitempty,max=255"`
	City         string  `json:"city" binding:"required,min=2,max=100"`
	State        string  `json:"state" binding:"required,min=2,max=100"`
	PostalCode   string  `json:"postal_code" binding:"required,min=3,max=20"`
	Country      string  `json:"country" binding:"required,min=2,max=100"`
	Phone        *string `json:"phone,omitempty" binding:"omitempty,max=20"`
}

func (a AddressInput) validate(kind string) error {
	required := []struct {
		field, value string
		min          int
	}{
		{"first_name", a.FirstName, 2},
		{"last_name", a.LastName, 2},
		{"address_line_1", a.AddressLine1, 5},
		{"city", a.City, 2},
		{"state", a.State, 2},
		{"postal_code", a.PostalCode, 3},
		{"country", a.Country, 2},
	}
	for _, r := range required {
		if len(strings.TrimSpace(r.value)) < r.min {
			return apperr.Validation(fmt.Sprintf("%s address %s is required", kind, r.field)).
				WithDetail("field", kind+"_address."+r.field)
		}
	}
	return nil
}

func (a AddressInput) toModel(orderID int64, kind string) models.OrderAddress {
	return models.OrderAddress{
		OrderID:      orderID,
		Type:         kind,
		FirstName:    cleanText(a.FirstName),
		LastName:     cleanText(a.LastName),
		Company:      cleanPtr(a.Company),
		AddressLine1: cleanText(a.AddressLine1),
		AddressLine2: cleanPtr(a.AddressLine2),
		City:         cleanText(a.City),
		State:        cleanText(a.State),
		PostalCode:   strings.TrimSpace(a.PostalCode),
		Country:      cleanText(a.Country),
		Phone:        cleanPtr(a.Phone),
	}
}

// PlaceOrderRequest is a checkout of the user's server-side cart.
type PlaceOrderRequest struct {
	UserID           int64        `json:"-"`
	ShippingAddress  AddressInput `json:"shipping_address" binding:"required"`
	BillingAddress   AddressInput `json:"billing_address" binding:"required"`
	PaymentMethod    string       `json:"payment_method" binding:"required,min=2,max=50"`
	PaymentReference string       `json:"stripe_payment_id,omitempty" binding:"max=255"`
	Notes            string       `json:"notes,omitempty" binding:"max=1000"`
	IdempotencyKey   string       `json:"-"`

	// lines replaces the cart when set, and the cart is then left alone.
	lines    []models.CartLine
	placedBy string
}

func (r *PlaceOrderRequest) validate() error {
	if r.UserID <= 0 {
		return apperr.ErrUnauthorized
	}
	if err := r.ShippingAddress.validate(models.AddressTypeShipping); err != nil {
		return err
	}
	if err := r.BillingAddress.validate(models.AddressTypeBilling); err != nil {
		return err
	}
	if len(strings.TrimSpace(r.PaymentMethod)) < 2 {
		return apperr.Validation("payment_method is required").WithDetail("field", "payment_method")
	}
	return nil
}

// OrderLineInput is one product line of an order entered by staff.
type OrderLineInput struct {
	ProductID int64 `json:"product_id" binding:"required,gt=0"`
	Quantity  int   `json:"quantity" binding:"required,gt=0"`
}

// AdminOrderRequest is an order staff enter on a customer's behalf, for
// phone or invoice sales. It never touches the customer's cart and carries
// no card hold.
type AdminOrderRequest struct {
	UserID          int64            `json:"user_id" binding:"required,gt=0"`
	Items           []OrderLineInput `json:"items" binding:"required,min=1,dive"`
	ShippingAddress AddressInput     `json:"shipping_address" binding:"required"`
	BillingAddress  AddressInput     `json:"billing_address" binding:"required"`
	PaymentMethod   string           `json:"payment_method" binding:"required,min=2,max=50"`
	Notes           string           `json:"notes,omitempty" binding:"max=1000"`
	CreatedBy       int64            `json:"-"`
}

// checkout turns the request into a cart-less checkout. Repeated products
// are merged and lines are sorted by product id for the stock lock order.
func (r *AdminOrderRequest) checkout() (*PlaceOrderRequest, error) {
	if r.UserID <= 0 {
		return nil, apperr.Validation("user_id is required").WithDetail("field", "user_id")
	}
	if len(r.Items) == 0 {
		return nil, apperr.Validation("at least one item is required").WithDetail("field", "items")
	}

	qty := make(map[int64]int, len(r.Items))
	for i, it := range r.Items {
		if it.ProductID <= 0 || it.Quantity <= 0 {
			return nil, apperr.Validation("product_id and quantity must be positive").
				WithDetail("field", fmt.Sprintf("items[%d]", i))
		}
		qty[it.ProductID] += it.Quantity
	}
	lines := make([]models.CartLine, 0, len(qty))
	for id, q := range qty {
		lines = append(lines, models.CartLine{ProductID: id, Quantity: q})
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].ProductID < lines[j].ProductID })

	req := &PlaceOrderRequest{
		UserID:          r.UserID,
		ShippingAddress: r.ShippingAddress,
		BillingAddress:  r.BillingAddress,
		PaymentMethod:   r.PaymentMethod,
		Notes:           r.Notes,
		lines:           lines,
		placedBy:        "staff",
	}
	if r.CreatedBy > 0 {
		req.placedBy = "staff user " + strconv.FormatInt(r.CreatedBy, 10)
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	return req, nil
}

// PlaceOrderResult carries the order and whether it was replayed from an
// earlier request with the same idempotency key.
type PlaceOrderResult struct {
	Order    *models.OrderAggregate
	Replayed bool
}

// PlaceOrder turns the user's cart into an order. Nothing is persisted
// unless every step succeeds.
func (s *OrderService) PlaceOrder(ctx context.Context, req *PlaceOrderRequest) (res *PlaceOrderResult, err error) {
	ctx, span := util.StartSpan(ctx, "OrderService.PlaceOrder")
	defer func() { util.EndSpan(span, err) }()

	start := time.Now()
	defer func() {
		util.CheckoutLatency.Observe(time.Since(start).Seconds())
		if err != nil {
			util.OrdersFailedTotal.WithLabelValues(failureReason(err)).Inc()
		}
	}()

	if err := req.validate(); err != nil {
		return nil, err
	}

	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" || s.idem == nil {
		agg, err := s.placeOrder(ctx, req)
		if err != nil {
			return nil, err
		}
		return &PlaceOrderResult{Order: agg}, nil
	}

	key = fmt.Sprintf("checkout:%d:%s", req.UserID, key)
	token, stored, err := s.idem.ClaimIdempotencyKey(ctx, key, s.idemTTL)
	if err != nil {
		return nil, err
	}
	if token == "" {
		return s.replay(ctx, req.UserID, stored)
	}

	agg, err := s.placeOrder(ctx, req)
	if err != nil {
		if rerr := s.idem.ReleaseIdempotencyKey(context.WithoutCancel(ctx), key, token); rerr != nil {
			util.LoggerFromContext(ctx).Warn("Failed to release idempotency key", zap.String("key", key), zap.Error(rerr))
		}
		return nil, err
	}

	if cerr := s.idem.CompleteIdempotencyKey(ctx, key, token, strconv.FormatInt(agg.ID, 10), s.idemTTL); cerr != nil {
		util.LoggerFromContext(ctx).Warn("Failed to record idempotency result", zap.String("key", key), zap.Error(cerr))
	}
	return &PlaceOrderResult{Order: agg}, nil
}

// CreateOrderForCustomer places an order from staff-entered lines. Stock
// checks, pricing and events follow checkout.
func (s *OrderService) CreateOrderForCustomer(ctx context.Context, req *AdminOrderRequest) (agg *models.OrderAggregate, err error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CreateOrderForCustomer")
	defer func() { util.EndSpan(span, err) }()

	defer func() {
		if err != nil {
			util.OrdersFailedTotal.WithLabelValues(failureReason(err)).Inc()
		}
	}()

	checkout, err := req.checkout()
	if err != nil {
		return nil, err
	}
	if _, err := s.orders.GetCustomer(ctx, req.UserID); err != nil {
		return nil, err
	}
	return s.placeOrder(ctx, checkout)
}

func (s *OrderService) replay(ctx context.Context, userID int64, stored string) (*PlaceOrderResult, error) {
	if stored == "" {
		return nil, apperr.ErrRequestInProgress
	}
	id, err := strconv.ParseInt(stored, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt idempotency record %q: %w", stored, err)
	}
	agg, err := s.orders.GetOrderAggregate(ctx, id)
	if err != nil {
		return nil, err
	}
	if agg.UserID != userID {
		return nil, apperr.ErrOrderNotFound
	}
	util.LoggerFromContext(ctx).Info("Duplicate checkout request replayed", zap.Int64("order_id", id))
	return &PlaceOrderResult{Order: agg, Replayed: true}, nil
}

func (s *OrderService) placeOrder(ctx context.Context, req *PlaceOrderRequest) (*models.OrderAggregate, error) {
	var (
		agg *models.OrderAggregate
		err error
	)
	for attempt := 1; attempt <= maxOrderNumberAttempts; attempt++ {
		agg, err = s.assemble(ctx, req)
		if !errors.Is(err, store.ErrOrderNumberTaken) {
			break
		}
		util.LoggerFromContext(ctx).Warn("Order number collision, retrying", zap.Int("attempt", attempt))
	}
	if errors.Is(err, store.ErrOrderNumberTaken) {
		return nil, apperr.Persistence(err)
	}
	if err != nil {
		return nil, err
	}

	util.OrdersPlacedTotal.Inc()
	util.LoggerFromContext(ctx).Info("Order placed",
		zap.Int64("order_id", agg.ID),
		zap.String("order_number", agg.OrderNumber),
		zap.String("total", agg.TotalAmount.StringFixed(2)))

	if err := s.events.PublishOrderPlaced(ctx, models.NewOrderPlacedEvent(agg, s.now())); err != nil {
		util.LoggerFromContext(ctx).Error("Failed to publish OrderPlaced event",
			zap.Int64("order_id", agg.ID), zap.Error(err))
	}
	return agg, nil
}

// assemble runs one checkout attempt inside a single transaction.
func (s *OrderService) assemble(ctx context.Context, req *PlaceOrderRequest) (*models.OrderAggregate, error) {
	now := s.now()
	var agg *models.OrderAggregate

	err := s.orders.WithTx(ctx, func(tx store.Tx) error {
		fromCart := req.lines == nil
		lines := req.lines
		if fromCart {
			var err error
			if lines, err = tx.GetCartLines(ctx, req.UserID); err != nil {
				return err
			}
		}
		if len(lines) == 0 {
			return apperr.ErrEmptyCart
		}

		ids := make([]int64, len(lines))
		for i, l := range lines {
			ids[i] = l.ProductID
		}
		products, err := tx.GetProducts(ctx, ids)
		if err != nil {
			return err
		}
		byID := make(map[int64]models.Product, len(products))
		for _, p := range products {
			byID[p.ID] = p
		}

		items := make([]models.OrderItem, 0, len(lines))
		subtotal := decimal.Zero
		for _, l := range lines {
			p, ok := byID[l.ProductID]
			if !ok || !p.IsActive {
				name := l.Name
				if ok {
					name = p.Name
				} else if name == "" {
					name = fmt.Sprintf("Product %d", l.ProductID)
				}
				return apperr.ErrProductUnavailable.
					WithMessage(fmt.Sprintf("%s is no longer available", name)).
					WithDetail("product_id", l.ProductID)
			}
			if l.Quantity > p.StockQuantity {
				return apperr.InsufficientStock(p.ID, p.Name, p.StockQuantity, l.Quantity)
			}
			total := lineTotal(p.Price, l.Quantity)
			items = append(items, models.OrderItem{
				ProductID:   p.ID,
				ProductName: p.Name,
				ProductSKU:  p.SKU,
				Quantity:    l.Quantity,
				UnitPrice:   p.Price,
				TotalPrice:  total,
			})
			subtotal = subtotal.Add(total)
		}

		quote := s.pricing.quoteSubtotal(subtotal)
		order := models.Order{
			OrderNumber:    newOrderNumber(now),
			UserID:         req.UserID,
			Status:         models.OrderStatusPending,
			PaymentStatus:  models.PaymentStatusPending,
			PaymentMethod:  strings.ToLower(strings.TrimSpace(req.PaymentMethod)),
			Subtotal:       quote.Subtotal,
			TaxAmount:      quote.Tax,
			ShippingAmount: quote.Shipping,
			DiscountAmount: quote.Discount,
			TotalAmount:    quote.Total,
			Currency:       quote.Currency,
			Notes:          cleanPtr(&req.Notes),
		}
		if ref := strings.TrimSpace(req.PaymentReference); ref != "" {
			order.PaymentReference = &ref
		}
		if err := tx.InsertOrder(ctx, &order); err != nil {
			return err
		}

		for i := range items {
			items[i].OrderID = order.ID
		}
		if err := tx.InsertOrderItems(ctx, items); err != nil {
			return err
		}

		addrs := []models.OrderAddress{
			req.ShippingAddress.toModel(order.ID, models.AddressTypeShipping),
			req.BillingAddress.toModel(order.ID, models.AddressTypeBilling),
		}
		if err := tx.InsertAddresses(ctx, addrs); err != nil {
			return err
		}

		entry := order.TrackingEntry(placedMessage(order, req.placedBy), "", "", now)
		if err := tx.AppendTracking(ctx, &entry); err != nil {
			return err
		}

		// Lines arrive ordered by product id, so concurrent checkouts take
		// row locks in the same order.
		for _, it := range items {
			ok, err := tx.DecrementStock(ctx, it.ProductID, it.Quantity)
			if err != nil {
				return err
			}
			if !ok {
				// the row changed since it was read, so the earlier count is stale
				return apperr.ErrInsufficientStock.
					WithMessage(fmt.Sprintf("%s sold out while placing the order", it.ProductName)).
					WithDetail("product_id", it.ProductID).
					WithDetail("product_name", it.ProductName).
					WithDetail("requested", it.Quantity)
			}
		}

		if fromCart {
			if err := tx.ClearCart(ctx, req.UserID); err != nil {
				return err
			}
		}

		agg = &models.OrderAggregate{
			Order:     order,
			Items:     items,
			Addresses: addrs,
			Tracking:  []models.OrderTracking{entry},
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return agg, nil
}

func placedMessage(o models.Order, placedBy string) string {
	if placedBy != "" {
		return "Order created by " + placedBy + " on behalf of the customer"
	}
	if o.HasPaymentReference() {
		return "Order placed successfully. Payment authorized. Awaiting admin confirmation."
	}
	return "Order placed successfully"
}

func failureReason(err error) string {
	if k := apperr.KindOf(err); k != "" {
		return string(k)
	}
	return "internal"
}
