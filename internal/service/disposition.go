package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"checkout-service/internal/apperr"
	"checkout-service/internal/models"
	"checkout-service/internal/payment"
	"checkout-service/internal/store"
	"checkout-service/internal/util"

	"go.uber.org/zap"
)

// stepFunc computes the next order value from the locked row. A nil entry
// means there is nothing to persist.
type stepFunc func(locked models.Order, now time.Time) (models.Order, *models.OrderTracking, error)

type committed struct {
	order    models.Order
	entry    *models.OrderTracking
	restored int
}

// UpdateStatusRequest is an admin fulfilment update.
type UpdateStatusRequest struct {
	Status         string `json:"status" binding:"required,oneof=pending processing shipped delivered cancelled refunded"`
	Message        string `json:"message,omitempty" binding:"max=500"`
	TrackingNumber string `json:"tracking_number,omitempty" binding:"max=100"`
	Carrier        string `json:"carrier,omitempty" binding:"max=100"`
}

// Confirm captures the held payment and moves the order to processing. A
// capture that fails or times out leaves the order untouched.
func (s *OrderService) Confirm(ctx context.Context, id int64) (agg *models.OrderAggregate, err error) {
	ctx, span := util.StartSpan(ctx, "OrderService.Confirm")
	defer func() {
		util.EndSpan(span, err)
		s.recordTransition("confirm", err)
	}()

	unlock, err := s.lockOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	order, err := s.orders.GetOrderByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := order.CheckConfirm(); err != nil {
		return nil, err
	}

	logger := util.LoggerFromContext(ctx).With(zap.Int64("order_id", id), zap.String("order_number", order.OrderNumber))

	captured := false
	if order.HasPaymentReference() {
		err := s.gateway.Capture(ctx, payment.CaptureRequest{
			Reference:      *order.PaymentReference,
			IdempotencyKey: "capture-" + order.OrderNumber,
		})
		if err != nil {
			logger.Error("Payment capture failed, order left unchanged", zap.Error(err))
			return nil, err
		}
		captured = true
	}

	res, err := s.commit(ctx, id, false, func(locked models.Order, now time.Time) (models.Order, *models.OrderTracking, error) {
		if captured && locked.PaymentStatus == models.PaymentStatusPaid && locked.Status == models.OrderStatusProcessing {
			// the processor notification recorded the capture first
			return locked, nil, nil
		}
		next, err := locked.Confirm(now)
		if err != nil {
			return locked, nil, err
		}
		msg := "Order confirmed by admin."
		if captured {
			msg = "Order confirmed by admin. Payment captured successfully."
		}
		entry := next.TrackingEntry(msg, "", "", now)
		return next, &entry, nil
	})
	if err != nil {
		if captured {
			logger.Error("Payment captured but order update failed, needs reconciliation", zap.Error(err))
		}
		return nil, err
	}

	logger.Info("Order confirmed", zap.Bool("captured", captured))
	s.publishTransition(ctx, models.EventTypeOrderConfirmed, res)
	return s.orders.GetOrderAggregate(ctx, id)
}

// Reject releases the payment hold, cancels the order and restocks its
// items. The release is best-effort: a stale hold expires at the processor,
// an order stuck in pending does not.
func (s *OrderService) Reject(ctx context.Context, id int64, reason string) (agg *models.OrderAggregate, err error) {
	ctx, span := util.StartSpan(ctx, "OrderService.Reject")
	defer func() {
		util.EndSpan(span, err)
		s.recordTransition("reject", err)
	}()

	reason = cleanText(reason)
	if reason == "" {
		return nil, apperr.Validation("a rejection reason is required").WithDetail("field", "reason")
	}

	unlock, err := s.lockOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	order, err := s.orders.GetOrderByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := order.CheckReject(); err != nil {
		return nil, err
	}

	released := s.releaseHold(ctx, *order, "admin rejection")

	res, err := s.commit(ctx, id, true, func(locked models.Order, now time.Time) (models.Order, *models.OrderTracking, error) {
		next, err := locked.Reject(now)
		if err != nil {
			return locked, nil, err
		}
		msg := "Order rejected by admin. Reason: " + reason
		if released {
			msg = "Order rejected by admin. Payment authorization released. Reason: " + reason
		}
		entry := next.TrackingEntry(msg, "", "", now)
		return next, &entry, nil
	})
	if err != nil {
		return nil, err
	}

	util.LoggerFromContext(ctx).Info("Order rejected",
		zap.Int64("order_id", id),
		zap.Bool("hold_released", released),
		zap.Int("units_restocked", res.restored))
	s.publishTransition(ctx, models.EventTypeOrderRejected, res)
	return s.orders.GetOrderAggregate(ctx, id)
}

// Cancel withdraws an order that has not shipped. An uncaptured hold is
// released; a captured payment stays paid and needs a refund.
func (s *OrderService) Cancel(ctx context.Context, actor Actor, id int64) (agg *models.OrderAggregate, err error) {
	ctx, span := util.StartSpan(ctx, "OrderService.Cancel")
	defer func() {
		util.EndSpan(span, err)
		s.recordTransition("cancel", err)
	}()

	unlock, err := s.lockOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	order, err := s.orders.GetOrderByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.owns(*order) {
		return nil, apperr.ErrOrderNotFound
	}
	if err := order.CheckCancel(); err != nil {
		return nil, err
	}

	logger := util.LoggerFromContext(ctx).With(zap.Int64("order_id", id), zap.String("order_number", order.OrderNumber))

	if order.PaymentStatus == models.PaymentStatusPending {
		s.releaseHold(ctx, *order, "requested_by_customer")
	}

	msg := "Order cancelled by user"
	if actor.Admin && actor.UserID != order.UserID {
		msg = "Order cancelled by admin"
	}

	res, err := s.commit(ctx, id, true, func(locked models.Order, now time.Time) (models.Order, *models.OrderTracking, error) {
		next, err := locked.Cancel(now)
		if err != nil {
			return locked, nil, err
		}
		entry := next.TrackingEntry(msg, "", "", now)
		return next, &entry, nil
	})
	if err != nil {
		return nil, err
	}

	if res.order.PaymentStatus == models.PaymentStatusPaid {
		logger.Warn("Cancelled order has a captured payment, refund required",
			zap.String("total", res.order.TotalAmount.StringFixed(2)))
	}
	logger.Info("Order cancelled", zap.Int("units_restocked", res.restored))
	s.publishTransition(ctx, models.EventTypeOrderCancelled, res)
	return s.orders.GetOrderAggregate(ctx, id)
}

// UpdateStatus records a fulfilment step: shipped, delivered or refunded.
func (s *OrderService) UpdateStatus(ctx context.Context, id int64, req UpdateStatusRequest) (agg *models.OrderAggregate, err error) {
	ctx, span := util.StartSpan(ctx, "OrderService.UpdateStatus")
	defer func() {
		util.EndSpan(span, err)
		s.recordTransition("update_status", err)
	}()

	if !models.IsOrderStatus(req.Status) {
		return nil, apperr.Validation(fmt.Sprintf("unknown order status %q", req.Status))
	}

	unlock, err := s.lockOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	message := cleanText(req.Message)
	trackingNumber := strings.TrimSpace(req.TrackingNumber)
	carrier := cleanText(req.Carrier)

	res, err := s.commit(ctx, id, false, func(locked models.Order, now time.Time) (models.Order, *models.OrderTracking, error) {
		next, err := locked.Advance(req.Status, now)
		if err != nil {
			return locked, nil, err
		}
		msg := message
		if msg == "" {
			msg = fmt.Sprintf("Order status updated to %s", next.Status)
		}
		entry := next.TrackingEntry(msg, trackingNumber, carrier, now)
		return next, &entry, nil
	})
	if err != nil {
		return nil, err
	}

	util.LoggerFromContext(ctx).Info("Order status updated",
		zap.Int64("order_id", id),
		zap.String("status", res.order.Status))
	s.publishTransition(ctx, models.EventTypeOrderStatusChanged, res)
	return s.orders.GetOrderAggregate(ctx, id)
}

// HandlePaymentEvent reconciles a processor notification with the order
// holding that reference. Unknown references are ignored.
func (s *OrderService) HandlePaymentEvent(ctx context.Context, ev payment.WebhookEvent) (err error) {
	ctx, span := util.StartSpan(ctx, "OrderService.HandlePaymentEvent")
	defer func() { util.EndSpan(span, err) }()

	logger := util.LoggerFromContext(ctx).With(zap.String("event_id", ev.ID), zap.String("event_type", ev.Type))
	if ev.PaymentStatus == "" || ev.Reference == "" {
		logger.Debug("Ignoring payment event")
		return nil
	}

	now := s.now()
	var res committed
	err = s.orders.WithTx(ctx, func(tx store.Tx) error {
		locked, err := tx.LockOrderByPaymentReference(ctx, ev.Reference)
		if err != nil {
			return err
		}
		next, changed := locked.ReconcilePayment(ev.PaymentStatus, now)
		if !changed {
			res.order = *locked
			return nil
		}
		if err := tx.UpdateOrderState(ctx, next); err != nil {
			return err
		}
		entry := next.TrackingEntry(fmt.Sprintf("Payment %s reported by payment processor.", next.PaymentStatus), "", "", now)
		if err := tx.AppendTracking(ctx, &entry); err != nil {
			return err
		}
		res = committed{order: next, entry: &entry}
		return nil
	})
	if errors.Is(err, apperr.ErrOrderNotFound) {
		logger.Info("Payment event for unknown reference", zap.String("reference", ev.Reference))
		return nil
	}
	if err != nil {
		return err
	}
	if res.entry == nil {
		return nil
	}

	logger.Info("Payment status reconciled",
		zap.Int64("order_id", res.order.ID),
		zap.String("payment_status", res.order.PaymentStatus))

	eventType := models.EventTypeOrderStatusChanged
	if res.order.Status == models.OrderStatusProcessing && res.order.PaymentStatus == models.PaymentStatusPaid {
		eventType = models.EventTypeOrderConfirmed
	}
	s.publishTransition(ctx, eventType, res)
	return nil
}

// commit locks the order row, applies step and persists the result with its
// tracking entry in one transaction. With restock, every item's quantity
// goes back to its product.
func (s *OrderService) commit(ctx context.Context, id int64, restock bool, step stepFunc) (committed, error) {
	now := s.now()
	var res committed
	err := s.orders.WithTx(ctx, func(tx store.Tx) error {
		locked, err := tx.LockOrder(ctx, id)
		if err != nil {
			return err
		}
		next, entry, err := step(*locked, now)
		if err != nil {
			return err
		}
		if entry == nil {
			res = committed{order: next}
			return nil
		}
		if err := tx.UpdateOrderState(ctx, next); err != nil {
			return err
		}
		restored := 0
		if restock {
			if restored, err = restoreStock(ctx, tx, next.ID); err != nil {
				return err
			}
		}
		if err := tx.AppendTracking(ctx, entry); err != nil {
			return err
		}
		res = committed{order: next, entry: entry, restored: restored}
		return nil
	})
	if err != nil {
		return committed{}, err
	}
	if res.restored > 0 {
		util.StockRestoredUnitsTotal.Add(float64(res.restored))
	}
	return res, nil
}

func restoreStock(ctx context.Context, tx store.Tx, orderID int64) (int, error) {
	items, err := tx.GetOrderItems(ctx, orderID)
	if err != nil {
		return 0, err
	}
	units := 0
	for _, it := range items {
		if err := tx.RestoreStock(ctx, it.ProductID, it.Quantity); err != nil {
			return 0, err
		}
		units += it.Quantity
	}
	return units, nil
}

// releaseHold voids an uncaptured authorization. Failures are logged and
// counted, never returned.
func (s *OrderService) releaseHold(ctx context.Context, o models.Order, reason string) bool {
	if !o.HasPaymentReference() {
		return false
	}
	err := s.gateway.Cancel(ctx, payment.CancelRequest{
		Reference:      *o.PaymentReference,
		Reason:         reason,
		IdempotencyKey: "release-" + o.OrderNumber,
	})
	if err != nil {
		util.PaymentHoldReleaseFailuresTotal.Inc()
		util.LoggerFromContext(ctx).Error("Failed to release payment hold, continuing with cancellation",
			zap.Int64("order_id", o.ID),
			zap.String("payment_reference", *o.PaymentReference),
			zap.Error(err))
		return false
	}
	return true
}

// lockOrder takes the per-order distributed lock. When the lock service is
// down the row lock in commit still serializes writers.
func (s *OrderService) lockOrder(ctx context.Context, id int64) (func(), error) {
	if s.locker == nil {
		return func() {}, nil
	}
	name := fmt.Sprintf("order:%d", id)
	token, ok, err := s.locker.AcquireLock(ctx, name, s.lockTTL)
	if err != nil {
		util.LoggerFromContext(ctx).Warn("Order lock unavailable, relying on row lock",
			zap.Int64("order_id", id), zap.Error(err))
		return func() {}, nil
	}
	if !ok {
		return nil, apperr.ErrOrderBusy
	}
	return func() {
		if err := s.locker.ReleaseLock(context.WithoutCancel(ctx), name, token); err != nil {
			util.LoggerFromContext(ctx).Warn("Failed to release order lock", zap.Int64("order_id", id), zap.Error(err))
		}
	}, nil
}

func (s *OrderService) publishTransition(ctx context.Context, eventType string, res committed) {
	if res.entry == nil {
		return
	}
	ev := models.NewOrderTransitionEvent(eventType, res.order, *res.entry)
	if err := s.events.PublishOrderTransition(ctx, ev); err != nil {
		util.LoggerFromContext(ctx).Error("Failed to publish order event",
			zap.String("event_type", eventType),
			zap.Int64("order_id", res.order.ID),
			zap.Error(err))
	}
}

func (s *OrderService) recordTransition(name string, err error) {
	result := "success"
	if err != nil {
		result = failureReason(err)
	}
	util.OrderTransitionsTotal.WithLabelValues(name, result).Inc()
}
