package service

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"checkout-service/internal/apperr"
	"checkout-service/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestPlaceOrderScenario(t *testing.T) {
	f := newFixture(t)
	f.seedScenario()

	res, err := f.svc.PlaceOrder(context.Background(), placeRequest(7))
	require.NoError(t, err)
	require.False(t, res.Replayed)
	agg := res.Order

	assert.True(t, agg.Subtotal.Equal(dec("45.00")), "subtotal %s", agg.Subtotal)
	assert.True(t, agg.TaxAmount.Equal(dec("3.83")), "tax %s", agg.TaxAmount)
	assert.True(t, agg.ShippingAmount.Equal(dec("15.99")), "shipping %s", agg.ShippingAmount)
	assert.True(t, agg.TotalAmount.Equal(dec("64.82")), "total %s", agg.TotalAmount)
	assert.True(t, agg.TotalAmount.Equal(agg.Subtotal.Add(agg.TaxAmount).Add(agg.ShippingAmount).Sub(agg.DiscountAmount)))

	itemSum := decimal.Zero
	for _, it := range agg.Items {
		itemSum = itemSum.Add(it.TotalPrice)
	}
	assert.True(t, itemSum.Equal(agg.Subtotal))

	assert.Equal(t, models.OrderStatusPending, agg.Status)
	assert.Equal(t, models.PaymentStatusPending, agg.PaymentStatus)
	require.NotNil(t, agg.PaymentReference)
	assert.Equal(t, "pi_123", *agg.PaymentReference)
	assert.True(t, strings.HasPrefix(agg.OrderNumber, "TH"))

	assert.Len(t, agg.Items, 2)
	require.Len(t, agg.Addresses, 2)
	assert.Equal(t, models.AddressTypeShipping, agg.Addresses[0].Type)
	assert.Equal(t, models.AddressTypeBilling, agg.Addresses[1].Type)
	require.Len(t, agg.Tracking, 1)
	assert.Equal(t, models.OrderStatusPending, agg.Tracking[0].Status)
	assert.Equal(t, "Order placed successfully. Payment authorized. Awaiting admin confirmation.", *agg.Tracking[0].Message)

	assert.Equal(t, 3, f.repo.product(1).StockQuantity)
	assert.Equal(t, 0, f.repo.product(2).StockQuantity)
	assert.Equal(t, 0, f.repo.cartSize(7))

	require.Len(t, f.events.placed, 1)
	assert.Equal(t, agg.ID, f.events.placed[0].OrderID)
	assert.Equal(t, models.EventTypeOrderPlaced, f.events.placed[0].EventType)
}

func TestPlaceOrderFreeShipping(t *testing.T) {
	f := newFixture(t)
	f.repo.addProduct(models.Product{ID: 1, Name: "Monitor", Price: dec("100.00"), StockQuantity: 3, IsActive: true})
	f.repo.addToCart(7, 1, 1)

	res, err := f.svc.PlaceOrder(context.Background(), placeRequest(7))
	require.NoError(t, err)
	assert.True(t, res.Order.ShippingAmount.IsZero())
	assert.True(t, res.Order.TaxAmount.Equal(dec("8.50")))
	assert.True(t, res.Order.TotalAmount.Equal(dec("108.50")))
}

func TestPlaceOrderEmptyCart(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.PlaceOrder(context.Background(), placeRequest(7))
	assert.True(t, errors.Is(err, apperr.ErrEmptyCart))
	assert.Equal(t, 0, f.repo.orderCount())
	assert.Empty(t, f.events.placed)
}

func TestPlaceOrderRejectsInactiveProduct(t *testing.T) {
	f := newFixture(t)
	f.repo.addProduct(models.Product{ID: 1, Name: "Retired", Price: dec("5.00"), StockQuantity: 9, IsActive: false})
	f.repo.addToCart(7, 1, 1)

	_, err := f.svc.PlaceOrder(context.Background(), placeRequest(7))
	assert.True(t, errors.Is(err, apperr.ErrProductUnavailable))
	assert.Equal(t, 1, f.repo.cartSize(7))
	assert.Equal(t, 9, f.repo.product(1).StockQuantity)
}

func TestPlaceOrderInsufficientStockNamesProduct(t *testing.T) {
	f := newFixture(t)
	f.seedScenario()
	f.repo.addToCart(7, 2, 3)

	_, err := f.svc.PlaceOrder(context.Background(), placeRequest(7))
	require.True(t, errors.Is(err, apperr.ErrInsufficientStock))

	var ae *apperr.Error
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, "Mouse", ae.Details["product_name"])
	assert.Equal(t, 1, ae.Details["available"])
	assert.Equal(t, 3, ae.Details["requested"])

	assert.Equal(t, 5, f.repo.product(1).StockQuantity)
	assert.Equal(t, 1, f.repo.product(2).StockQuantity)
	assert.Equal(t, 0, f.repo.orderCount())
}

// A concurrent buyer took the stock after the product row was read: the
// conditional decrement is what refuses the order.
func TestPlaceOrderStockTakenAfterRead(t *testing.T) {
	f := newFixture(t)
	f.repo.addProduct(models.Product{ID: 1, Name: "Headset", Price: dec("40.00"), StockQuantity: 1, IsActive: true})
	f.repo.addToCart(7, 1, 2)
	f.repo.staleStock = map[int64]int{1: 5}

	_, err := f.svc.PlaceOrder(context.Background(), placeRequest(7))
	require.True(t, errors.Is(err, apperr.ErrInsufficientStock))

	var ae *apperr.Error
	require.True(t, errors.As(err, &ae))
	assert.Contains(t, ae.Message, "sold out while placing the order")
	assert.Equal(t, "Headset", ae.Details["product_name"])
	assert.Equal(t, 2, ae.Details["requested"])
	assert.NotContains(t, ae.Details, "available")

	assert.Equal(t, 0, f.repo.orderCount())
	assert.Equal(t, 1, f.repo.product(1).StockQuantity)
	assert.Equal(t, 1, f.repo.cartSize(7))
	assert.Equal(t, 0, f.repo.committedCount)
	assert.Empty(t, f.events.placed)
}

func TestPlaceOrderRollsBackOnWriteFailure(t *testing.T) {
	f := newFixture(t)
	f.seedScenario()
	f.repo.failAddresses = apperr.Persistence(errors.New("disk full"))

	_, err := f.svc.PlaceOrder(context.Background(), placeRequest(7))
	assert.True(t, errors.Is(err, apperr.ErrPersistence))

	assert.Equal(t, 0, f.repo.orderCount())
	assert.Equal(t, 5, f.repo.product(1).StockQuantity)
	assert.Equal(t, 1, f.repo.product(2).StockQuantity)
	assert.Equal(t, 2, f.repo.cartSize(7))
	assert.Equal(t, 0, f.repo.committedCount)
}

func TestPlaceOrderRetriesOrderNumberCollision(t *testing.T) {
	f := newFixture(t)
	f.seedScenario()
	f.repo.takenNumbers = 2

	res, err := f.svc.PlaceOrder(context.Background(), placeRequest(7))
	require.NoError(t, err)
	assert.NotZero(t, res.Order.ID)
	assert.Equal(t, 3, f.repo.txCount)
}

func TestPlaceOrderGivesUpAfterRepeatedCollisions(t *testing.T) {
	f := newFixture(t)
	f.seedScenario()
	f.repo.takenNumbers = maxOrderNumberAttempts

	_, err := f.svc.PlaceOrder(context.Background(), placeRequest(7))
	assert.True(t, errors.Is(err, apperr.ErrPersistence))
	assert.Equal(t, 2, f.repo.cartSize(7))
}

func TestPlaceOrderValidatesAddresses(t *testing.T) {
	f := newFixture(t)
	f.seedScenario()

	req := placeRequest(7)
	req.BillingAddress.City = " "
	_, err := f.svc.PlaceOrder(context.Background(), req)
	require.True(t, errors.Is(err, apperr.ErrValidation))

	var ae *apperr.Error
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, "billing_address.city", ae.Details["field"])
	assert.Equal(t, 0, f.repo.txCount)
}

func TestPlaceOrderSanitizesNotes(t *testing.T) {
	f := newFixture(t)
	f.seedScenario()

	req := placeRequest(7)
	req.Notes = `<script>alert(1)</script>Leave <b>at</b> the door & ring`
	res, err := f.svc.PlaceOrder(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, res.Order.Notes)
	assert.Equal(t, "Leave at the door & ring", *res.Order.Notes)
}

func TestPlaceOrderLastUnitRace(t *testing.T) {
	f := newFixture(t)
	f.repo.addProduct(models.Product{ID: 1, Name: "Last One", Price: dec("49.99"), StockQuantity: 1, IsActive: true})

	const buyers = 8
	for u := int64(1); u <= buyers; u++ {
		f.repo.addToCart(u, 1, 1)
	}

	var succeeded, outOfStock atomic.Int32
	var g errgroup.Group
	for u := int64(1); u <= buyers; u++ {
		userID := u
		g.Go(func() error {
			_, err := f.svc.PlaceOrder(context.Background(), placeRequest(userID))
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, apperr.ErrInsufficientStock):
				outOfStock.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(1), succeeded.Load())
	assert.Equal(t, int32(buyers-1), outOfStock.Load())
	assert.Equal(t, 0, f.repo.product(1).StockQuantity)
	assert.Equal(t, 1, f.repo.orderCount())
}

func TestPlaceOrderIdempotentReplay(t *testing.T) {
	f := newFixture(t)
	f.seedScenario()

	req := placeRequest(7)
	req.IdempotencyKey = "checkout-abc"
	first, err := f.svc.PlaceOrder(context.Background(), req)
	require.NoError(t, err)

	again := placeRequest(7)
	again.IdempotencyKey = "checkout-abc"
	second, err := f.svc.PlaceOrder(context.Background(), again)
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.Order.ID, second.Order.ID)
	assert.Equal(t, 1, f.repo.orderCount())
	assert.Len(t, f.events.placed, 1)
}

func TestPlaceOrderDuplicateInFlight(t *testing.T) {
	f := newFixture(t)
	f.seedScenario()
	f.idem.entries["checkout:7:dup"] = "pending:other"

	req := placeRequest(7)
	req.IdempotencyKey = "dup"
	_, err := f.svc.PlaceOrder(context.Background(), req)
	assert.True(t, errors.Is(err, apperr.ErrRequestInProgress))
	assert.Equal(t, 0, f.repo.orderCount())
}

func TestPlaceOrderFailureReleasesIdempotencyKey(t *testing.T) {
	f := newFixture(t)

	req := placeRequest(7)
	req.IdempotencyKey = "retry-me"
	_, err := f.svc.PlaceOrder(context.Background(), req)
	require.True(t, errors.Is(err, apperr.ErrEmptyCart))
	assert.NotContains(t, f.idem.entries, "checkout:7:retry-me")

	f.seedScenario()
	res, err := f.svc.PlaceOrder(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.Replayed)
}

func TestPlaceOrderWithoutPaymentReference(t *testing.T) {
	f := newFixture(t)
	f.seedScenario()

	req := placeRequest(7)
	req.PaymentReference = ""
	req.PaymentMethod = "Bank_Transfer"
	res, err := f.svc.PlaceOrder(context.Background(), req)
	require.NoError(t, err)

	assert.Nil(t, res.Order.PaymentReference)
	assert.Equal(t, "bank_transfer", res.Order.PaymentMethod)
	assert.Equal(t, "Order placed successfully", *res.Order.Tracking[0].Message)
}

func adminRequest(userID int64, items ...OrderLineInput) *AdminOrderRequest {
	return &AdminOrderRequest{
		UserID:          userID,
		Items:           items,
		ShippingAddress: address(),
		BillingAddress:  address(),
		PaymentMethod:   "invoice",
		CreatedBy:       1,
	}
}

func TestCreateOrderForCustomer(t *testing.T) {
	f := newFixture(t)
	f.seedScenario()

	agg, err := f.svc.CreateOrderForCustomer(context.Background(), adminRequest(7,
		OrderLineInput{ProductID: 2, Quantity: 1},
		OrderLineInput{ProductID: 1, Quantity: 1},
		OrderLineInput{ProductID: 1, Quantity: 1},
	))
	require.NoError(t, err)

	assert.Equal(t, int64(7), agg.UserID)
	assert.True(t, agg.TotalAmount.Equal(dec("64.82")), "total %s", agg.TotalAmount)
	require.Len(t, agg.Items, 2)
	assert.Equal(t, int64(1), agg.Items[0].ProductID)
	assert.Equal(t, 2, agg.Items[0].Quantity)
	assert.Equal(t, "Keyboard", agg.Items[0].ProductName)
	assert.Nil(t, agg.PaymentReference)
	assert.Equal(t, "invoice", agg.PaymentMethod)
	assert.Equal(t, "Order created by staff user 1 on behalf of the customer", *agg.Tracking[0].Message)

	assert.Equal(t, 3, f.repo.product(1).StockQuantity)
	assert.Equal(t, 0, f.repo.product(2).StockQuantity)
	assert.Equal(t, 2, f.repo.cartSize(7), "the customer's cart is left alone")
	require.Len(t, f.events.placed, 1)
	assert.Equal(t, agg.ID, f.events.placed[0].OrderID)
}

func TestCreateOrderForCustomerErrors(t *testing.T) {
	f := newFixture(t)
	f.seedScenario()
	ctx := context.Background()

	_, err := f.svc.CreateOrderForCustomer(ctx, adminRequest(99, OrderLineInput{ProductID: 1, Quantity: 1}))
	assert.True(t, errors.Is(err, apperr.ErrCustomerNotFound))

	_, err = f.svc.CreateOrderForCustomer(ctx, adminRequest(7))
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	_, err = f.svc.CreateOrderForCustomer(ctx, adminRequest(7, OrderLineInput{ProductID: 1, Quantity: 0}))
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	_, err = f.svc.CreateOrderForCustomer(ctx, adminRequest(7, OrderLineInput{ProductID: 9, Quantity: 1}))
	require.True(t, errors.Is(err, apperr.ErrProductUnavailable))
	assert.Contains(t, err.Error(), "Product 9")

	_, err = f.svc.CreateOrderForCustomer(ctx, adminRequest(7, OrderLineInput{ProductID: 2, Quantity: 3}))
	require.True(t, errors.Is(err, apperr.ErrInsufficientStock))
	var ae *apperr.Error
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, "Mouse", ae.Details["product_name"])

	assert.Equal(t, 0, f.repo.orderCount())
	assert.Equal(t, 5, f.repo.product(1).StockQuantity)
	assert.Equal(t, 2, f.repo.cartSize(7))
	assert.Empty(t, f.events.placed)
}

func TestGetOrderHidesOtherCustomers(t *testing.T) {
	f := newFixture(t)
	o := f.repo.putOrder(pendingWithHold(7, "pi_a"))

	_, err := f.svc.GetOrder(context.Background(), Actor{UserID: 8}, o.ID)
	assert.True(t, errors.Is(err, apperr.ErrOrderNotFound))

	agg, err := f.svc.GetOrder(context.Background(), Actor{UserID: 7}, o.ID)
	require.NoError(t, err)
	assert.Len(t, agg.Tracking, 1)

	_, err = f.svc.GetOrder(context.Background(), Actor{UserID: 1, Admin: true}, o.ID)
	assert.NoError(t, err)
}

func TestListOrdersScopesAndPaginates(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		f.repo.putOrder(pendingWithHold(7, "pi_u7_"+string(rune('a'+i))))
	}
	f.repo.putOrder(pendingWithHold(8, "pi_u8"))

	page, err := f.svc.ListOrders(context.Background(), Actor{UserID: 7}, ListOrdersRequest{Page: 2, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	assert.Equal(t, 2, page.TotalPages)
	assert.Len(t, page.Orders, 1)

	all, err := f.svc.ListOrders(context.Background(), Actor{UserID: 1, Admin: true}, ListOrdersRequest{Limit: 500})
	require.NoError(t, err)
	assert.Equal(t, 4, all.Total)
	assert.Equal(t, maxPageSize, all.Limit)

	_, err = f.svc.ListOrders(context.Background(), Actor{UserID: 7}, ListOrdersRequest{Status: "lost"})
	assert.True(t, errors.Is(err, apperr.ErrValidation))
}
