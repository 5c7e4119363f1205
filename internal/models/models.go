package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product is the catalog row checkout reads and decrements.
type Product struct {
	ID            int64           `db:"id" json:"id"`
	SKU           string          `db:"sku" json:"sku"`
	Name          string          `db:"name" json:"name"`
	Price         decimal.Decimal `db:"price" json:"price"`
	StockQuantity int             `db:"stock_quantity" json:"stock_quantity"`
	IsActive      bool            `db:"is_active" json:"is_active"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
}

// CartLine is one server-side cart row joined with its product.
type CartLine struct {
	ProductID     int64           `db:"product_id" json:"product_id"`
	Quantity      int             `db:"quantity" json:"quantity"`
	Name          string          `db:"name" json:"name"`
	SKU           string          `db:"sku" json:"sku"`
	Price         decimal.Decimal `db:"price" json:"price"`
	StockQuantity int             `db:"stock_quantity" json:"stock_quantity"`
	IsActive      bool            `db:"is_active" json:"is_active"`
}

// Customer is the contact data notifications need.
type Customer struct {
	ID        int64  `db:"id" json:"id"`
	Email     string `db:"email" json:"email"`
	FirstName string `db:"first_name" json:"first_name"`
	LastName  string `db:"last_name" json:"last_name"`
}

// Order is the aggregate root. Treat values as immutable: state changes go
// through the transition methods in transitions.go.
type Order struct {
	ID               int64           `db:"id" json:"id"`
	OrderNumber      string          `db:"order_number" json:"order_number"`
	UserID           int64           `db:"user_id" json:"user_id"`
	Status           string          `db:"status" json:"status"`
	PaymentStatus    string          `db:"payment_status" json:"payment_status"`
	PaymentMethod    string          `db:"payment_method" json:"payment_method"`
	PaymentReference *string         `db:"payment_reference" json:"payment_reference,omitempty"`
	Subtotal         decimal.Decimal `db:"subtotal" json:"subtotal"`
	TaxAmount        decimal.Decimal `db:"tax_amount" json:"tax_amount"`
	ShippingAmount   decimal.Decimal `db:"shipping_amount" json:"shipping_amount"`
	DiscountAmount   decimal.Decimal `db:"discount_amount" json:"discount_amount"`
	TotalAmount      decimal.Decimal `db:"total_amount" json:"total_amount"`
	Currency         string          `db:"currency" json:"currency"`
	Notes            *string         `db:"notes" json:"notes,omitempty"`
	ShippedAt        *time.Time      `db:"shipped_at" json:"shipped_at,omitempty"`
	DeliveredAt      *time.Time      `db:"delivered_at" json:"delivered_at,omitempty"`
	CreatedAt        time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at" json:"updated_at"`
}

// HasPaymentReference reports whether a processor hold backs the order.
func (o Order) HasPaymentReference() bool {
	return o.PaymentReference != nil && *o.PaymentReference != ""
}

// OrderItem is a purchase-time snapshot, decoupled from the live product.
type OrderItem struct {
	ID          int64           `db:"id" json:"id"`
	OrderID     int64           `db:"order_id" json:"order_id"`
	ProductID   int64           `db:"product_id" json:"product_id"`
	ProductName string          `db:"product_name" json:"product_name"`
	ProductSKU  string          `db:"product_sku" json:"product_sku"`
	Quantity    int             `db:"quantity" json:"quantity"`
	UnitPrice   decimal.Decimal `db:"unit_price" json:"unit_price"`
	TotalPrice  decimal.Decimal `db:"total_price" json:"total_price"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
}

type OrderAddress struct {
	ID           int64     `db:"id" json:"id"`
	OrderID      int64     `db:"order_id" json:"order_id"`
	Type         string    `db:"type" json:"type"`
	FirstName    string    `db:"first_name" json:"first_name"`
	LastName     string    `db:"last_name" json:"last_name"`
	Company      *string   `db:"company" json:"company,omitempty"`
	AddressLine1 string    `db:"address_line_1" json:"address_line_1"`
	AddressLine2 *string   `db:"address_line_2" json:"address_line_2,omitempty"`
	City         string    `db:"city" json:"city"`
	State        string    `db:"state" json:"state"`
	PostalCode   string    `db:"postal_code" json:"postal_code"`
	Country      string    `db:"country" json:"country"`
	Phone        *string   `db:"phone" json:"phone,omitempty"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// OrderTracking is one audit entry. Entries are only ever appended.
type OrderTracking struct {
	ID             int64     `db:"id" json:"id"`
	OrderID        int64     `db:"order_id" json:"order_id"`
	Status         string    `db:"status" json:"status"`
	Message        *string   `db:"message" json:"message,omitempty"`
	TrackingNumber *string   `db:"tracking_number" json:"tracking_number,omitempty"`
	Carrier        *string   `db:"carrier" json:"carrier,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// OrderAggregate is an order with everything it owns.
type OrderAggregate struct {
	Order
	Items     []OrderItem     `json:"items"`
	Addresses []OrderAddress  `json:"addresses"`
	Tracking  []OrderTracking `json:"tracking"`
}

// Order statuses
const (
	OrderStatusPending    = "pending"
	OrderStatusProcessing = "processing"
	OrderStatusShipped    = "shipped"
	OrderStatusDelivered  = "delivered"
	OrderStatusCancelled  = "cancelled"
	OrderStatusRefunded   = "refunded"
)

// Payment statuses
const (
	PaymentStatusPending   = "pending"
	PaymentStatusPaid      = "paid"
	PaymentStatusFailed    = "failed"
	PaymentStatusCancelled = "cancelled"
	PaymentStatusRefunded  = "refunded"
)

// Address types
const (
	AddressTypeShipping = "shipping"
	AddressTypeBilling  = "billing"
)

func IsOrderStatus(s string) bool {
	switch s {
	case OrderStatusPending, OrderStatusProcessing, OrderStatusShipped,
		OrderStatusDelivered, OrderStatusCancelled, OrderStatusRefunded:
		return true
	}
	return false
}

func IsPaymentStatus(s string) bool {
	switch s {
	case PaymentStatusPending, PaymentStatusPaid, PaymentStatusFailed,
		PaymentStatusCancelled, PaymentStatusRefunded:
		return true
	}
	return false
}
