package models

import (
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
)

// Event types
const (
	EventTypeOrderPlaced        = "ORDER_PLACED"
	EventTypeOrderConfirmed     = "ORDER_CONFIRMED"
	EventTypeOrderRejected      = "ORDER_REJECTED"
	EventTypeOrderCancelled     = "ORDER_CANCELLED"
	EventTypeOrderStatusChanged = "ORDER_STATUS_CHANGED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

func NewBaseEvent(eventType string, at time.Time) BaseEvent {
	return BaseEvent{
		EventID:   ulid.Make().String(),
		EventType: eventType,
		Timestamp: at.UTC(),
	}
}

// OrderPlacedEvent published when checkout commits
type OrderPlacedEvent struct {
	BaseEvent
	OrderID     int64           `json:"order_id"`
	OrderNumber string          `json:"order_number"`
	UserID      int64           `json:"user_id"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Currency    string          `json:"currency"`
	Items       []OrderItemData `json:"items"`
}

// OrderTransitionEvent published for confirm, reject, cancel and status updates
type OrderTransitionEvent struct {
	BaseEvent
	OrderID        int64           `json:"order_id"`
	OrderNumber    string          `json:"order_number"`
	UserID         int64           `json:"user_id"`
	Status         string          `json:"status"`
	PaymentStatus  string          `json:"payment_status"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	Currency       string          `json:"currency"`
	Message        string          `json:"message,omitempty"`
	TrackingNumber string          `json:"tracking_number,omitempty"`
	Carrier        string          `json:"carrier,omitempty"`
}

// OrderItemData represents item data in events
type OrderItemData struct {
	ProductID   int64           `json:"product_id"`
	ProductName string          `json:"product_name"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

func NewOrderPlacedEvent(agg *OrderAggregate, at time.Time) *OrderPlacedEvent {
	items := make([]OrderItemData, 0, len(agg.Items))
	for _, it := range agg.Items {
		items = append(items, OrderItemData{
			ProductID:   it.ProductID,
			ProductName: it.ProductName,
			Quantity:    it.Quantity,
			UnitPrice:   it.UnitPrice,
		})
	}
	return &OrderPlacedEvent{
		BaseEvent:   NewBaseEvent(EventTypeOrderPlaced, at),
		OrderID:     agg.ID,
		OrderNumber: agg.OrderNumber,
		UserID:      agg.UserID,
		TotalAmount: agg.TotalAmount,
		Currency:    agg.Currency,
		Items:       items,
	}
}

func NewOrderTransitionEvent(eventType string, o Order, entry OrderTracking) *OrderTransitionEvent {
	ev := &OrderTransitionEvent{
		BaseEvent:     NewBaseEvent(eventType, entry.CreatedAt),
		OrderID:       o.ID,
		OrderNumber:   o.OrderNumber,
		UserID:        o.UserID,
		Status:        o.Status,
		PaymentStatus: o.PaymentStatus,
		TotalAmount:   o.TotalAmount,
		Currency:      o.Currency,
	}
	if entry.Message != nil {
		ev.Message = *entry.Message
	}
	if entry.TrackingNumber != nil {
		ev.TrackingNumber = *entry.TrackingNumber
	}
	if entry.Carrier != nil {
		ev.Carrier = *entry.Carrier
	}
	return ev
}
