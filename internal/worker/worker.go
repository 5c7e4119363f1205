package worker

import (
	"context"
	"errors"

	"checkout-service/internal/broker"
	"checkout-service/internal/models"
	"checkout-service/internal/notify"
	"checkout-service/internal/util"

	"go.uber.org/zap"
)

// EventLedger records which events were already handled.
type EventLedger interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

type Notifier interface {
	OrderPlaced(ctx context.Context, ev *models.OrderPlacedEvent) error
	OrderTransition(ctx context.Context, ev *models.OrderTransitionEvent) error
}

// NotificationWorker emails customers about order events
type NotificationWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	ledger       EventLedger
	notifier     Notifier
}

func NewNotificationWorker(consumer *broker.Consumer, ledger EventLedger, notifier Notifier) *NotificationWorker {
	w := &NotificationWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		ledger:       ledger,
		notifier:     notifier,
	}

	w.eventHandler.OnOrderPlaced(func(ctx context.Context, ev *models.OrderPlacedEvent) error {
		return w.deliver(ctx, ev.BaseEvent, func() error { return notifier.OrderPlaced(ctx, ev) })
	})
	w.eventHandler.OnOrderTransition(func(ctx context.Context, ev *models.OrderTransitionEvent) error {
		return w.deliver(ctx, ev.BaseEvent, func() error { return notifier.OrderTransition(ctx, ev) })
	})

	return w
}

// Start blocks until ctx is cancelled
func (w *NotificationWorker) Start(ctx context.Context) error {
	util.GetLogger().Info("Starting notification worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

func (w *NotificationWorker) Stop() error {
	util.GetLogger().Info("Stopping notification worker")
	return w.consumer.Close()
}

// deliver runs send at most once per event ID. A failed send is not
// recorded, so a redelivery retries it.
func (w *NotificationWorker) deliver(ctx context.Context, base models.BaseEvent, send func() error) error {
	logger := util.GetLogger().With(
		zap.String("event_id", base.EventID),
		zap.String("event_type", base.EventType))

	done, err := w.ledger.IsEventProcessed(ctx, base.EventID)
	if err != nil {
		return err
	}
	if done {
		logger.Debug("Event already processed, skipping")
		util.NotificationsSentTotal.WithLabelValues(base.EventType, "duplicate").Inc()
		return nil
	}

	err = send()
	switch {
	case errors.Is(err, notify.ErrNoRecipient):
		logger.Warn("No recipient for event, skipping")
		util.NotificationsSentTotal.WithLabelValues(base.EventType, "skipped").Inc()
	case err != nil:
		util.NotificationsSentTotal.WithLabelValues(base.EventType, "failed").Inc()
		return err
	default:
		util.NotificationsSentTotal.WithLabelValues(base.EventType, "sent").Inc()
	}

	if err := w.ledger.MarkEventProcessed(ctx, base.EventID, base.EventType); err != nil {
		logger.Error("Failed to mark event processed", zap.Error(err))
	}
	return nil
}
