package models

import (
	"fmt"
	"time"

	"checkout-service/internal/apperr"
)

// The methods below are the only way an Order changes after creation. Each
// one validates the current state and returns a new value; the receiver is
// never modified.

// CheckConfirm reports whether the held payment may be captured.
func (o Order) CheckConfirm() error {
	if o.PaymentStatus == PaymentStatusPaid {
		return apperr.ErrAlreadyCaptured
	}
	if o.Status == OrderStatusCancelled {
		return apperr.ErrInvalidState.WithMessage("cannot confirm a cancelled order")
	}
	if o.Status != OrderStatusPending || o.PaymentStatus != PaymentStatusPending {
		return apperr.ErrInvalidState.WithMessage(
			fmt.Sprintf("cannot confirm an order in status %s with payment %s", o.Status, o.PaymentStatus))
	}
	return nil
}

func (o Order) Confirm(at time.Time) (Order, error) {
	if err := o.CheckConfirm(); err != nil {
		return o, err
	}
	o.Status = OrderStatusProcessing
	o.PaymentStatus = PaymentStatusPaid
	o.UpdatedAt = at
	return o, nil
}

// CheckReject reports whether the order may be rejected and its hold released.
func (o Order) CheckReject() error {
	if o.PaymentStatus == PaymentStatusPaid {
		return apperr.ErrCannotRejectCapture
	}
	if o.Status != OrderStatusPending {
		return apperr.ErrInvalidState.WithMessage(
			fmt.Sprintf("cannot reject an order in status %s", o.Status))
	}
	return nil
}

func (o Order) Reject(at time.Time) (Order, error) {
	if err := o.CheckReject(); err != nil {
		return o, err
	}
	o.Status = OrderStatusCancelled
	o.PaymentStatus = PaymentStatusCancelled
	o.UpdatedAt = at
	return o, nil
}

func (o Order) CheckCancel() error {
	if o.Status != OrderStatusPending && o.Status != OrderStatusProcessing {
		return apperr.ErrNotCancellable.WithMessage(
			fmt.Sprintf("order cannot be cancelled in status %s", o.Status)).
			WithDetail("status", o.Status)
	}
	return nil
}

// Cancel voids an uncaptured payment along with the order. A captured
// payment keeps its paid status until a refund is recorded.
func (o Order) Cancel(at time.Time) (Order, error) {
	if err := o.CheckCancel(); err != nil {
		return o, err
	}
	o.Status = OrderStatusCancelled
	if o.PaymentStatus == PaymentStatusPending {
		o.PaymentStatus = PaymentStatusCancelled
	}
	o.UpdatedAt = at
	return o, nil
}

// Advance moves a confirmed order along fulfilment: shipped, delivered or
// refunded. Re-entering shipped is allowed so carriers can be updated.
func (o Order) Advance(status string, at time.Time) (Order, error) {
	switch status {
	case OrderStatusShipped:
		if o.Status != OrderStatusProcessing && o.Status != OrderStatusShipped {
			return o, invalidAdvance(o.Status, status)
		}
		if o.ShippedAt == nil {
			t := at
			o.ShippedAt = &t
		}
	case OrderStatusDelivered:
		if o.Status != OrderStatusProcessing && o.Status != OrderStatusShipped {
			return o, invalidAdvance(o.Status, status)
		}
		t := at
		o.DeliveredAt = &t
	case OrderStatusRefunded:
		if o.PaymentStatus != PaymentStatusPaid {
			return o, apperr.ErrInvalidState.WithMessage("only paid orders can be marked refunded")
		}
		if o.Status == OrderStatusPending || o.Status == OrderStatusCancelled || o.Status == OrderStatusRefunded {
			return o, invalidAdvance(o.Status, status)
		}
		o.PaymentStatus = PaymentStatusRefunded
	case OrderStatusPending, OrderStatusProcessing, OrderStatusCancelled:
		return o, apperr.Validation(fmt.Sprintf("status %s is reached through its own action, not a status update", status))
	default:
		return o, apperr.Validation(fmt.Sprintf("unknown order status %q", status))
	}
	o.Status = status
	o.UpdatedAt = at
	return o, nil
}

// ReconcilePayment applies a processor-reported payment status. Only a
// pending payment moves; anything else is already settled locally. Holds
// are only captured through Confirm, so a reported capture on a pending
// order completes that confirmation.
func (o Order) ReconcilePayment(paymentStatus string, at time.Time) (Order, bool) {
	if o.PaymentStatus != PaymentStatusPending || paymentStatus == PaymentStatusPending {
		return o, false
	}
	if o.Status == OrderStatusCancelled && paymentStatus == PaymentStatusPaid {
		return o, false
	}
	if paymentStatus == PaymentStatusPaid && o.Status == OrderStatusPending {
		o.Status = OrderStatusProcessing
	}
	o.PaymentStatus = paymentStatus
	o.UpdatedAt = at
	return o, true
}

func invalidAdvance(from, to string) error {
	return apperr.ErrInvalidState.
		WithMessage(fmt.Sprintf("cannot move order from %s to %s", from, to)).
		WithDetail("status", from)
}

// TrackingEntry builds the audit entry recording o's current status.
func (o Order) TrackingEntry(message string, trackingNumber, carrier string, at time.Time) OrderTracking {
	entry := OrderTracking{
		OrderID:   o.ID,
		Status:    o.Status,
		CreatedAt: at,
	}
	if message != "" {
		entry.Message = &message
	}
	if trackingNumber != "" {
		entry.TrackingNumber = &trackingNumber
	}
	if carrier != "" {
		entry.Carrier = &carrier
	}
	return entry
}
