package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"checkout-service/internal/models"
	"checkout-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher publishes order domain events.
type EventPublisher struct {
	producer *Producer
}

func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

func orderKey(orderID int64) string {
	return fmt.Sprintf("order-%d", orderID)
}

func (ep *EventPublisher) PublishOrderPlaced(ctx context.Context, event *models.OrderPlacedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishOrderTransition publishes confirm, reject, cancel and status events.
func (ep *EventPublisher) PublishOrderTransition(ctx context.Context, event *models.OrderTransitionEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// EventHandler routes order events to registered callbacks.
type EventHandler struct {
	onPlaced     func(context.Context, *models.OrderPlacedEvent) error
	onTransition func(context.Context, *models.OrderTransitionEvent) error
}

func NewEventHandler() *EventHandler {
	return &EventHandler{}
}

func (eh *EventHandler) OnOrderPlaced(handler func(context.Context, *models.OrderPlacedEvent) error) {
	eh.onPlaced = handler
}

func (eh *EventHandler) OnOrderTransition(handler func(context.Context, *models.OrderTransitionEvent) error) {
	eh.onTransition = handler
}

// HandleMessage routes messages to the appropriate handler. Malformed and
// unknown messages are logged and skipped so they do not block the
// partition.
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	logger := util.GetLogger()

	var base models.BaseEvent
	if err := json.Unmarshal(msg.Value, &base); err != nil {
		logger.Warn("Skipping undecodable event", zap.Int64("offset", msg.Offset), zap.Error(err))
		return nil
	}

	logger.Debug("Handling event",
		zap.String("event_type", base.EventType),
		zap.String("event_id", base.EventID))

	switch base.EventType {
	case models.EventTypeOrderPlaced:
		if eh.onPlaced == nil {
			return nil
		}
		var event models.OrderPlacedEvent
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			logger.Warn("Skipping malformed OrderPlaced event", zap.String("event_id", base.EventID), zap.Error(err))
			return nil
		}
		return eh.onPlaced(ctx, &event)

	case models.EventTypeOrderConfirmed, models.EventTypeOrderRejected,
		models.EventTypeOrderCancelled, models.EventTypeOrderStatusChanged:
		if eh.onTransition == nil {
			return nil
		}
		var event models.OrderTransitionEvent
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			logger.Warn("Skipping malformed transition event", zap.String("event_id", base.EventID), zap.Error(err))
			return nil
		}
		return eh.onTransition(ctx, &event)

	default:
		logger.Debug("Unhandled event type", zap.String("event_type", base.EventType))
	}

	return nil
}
