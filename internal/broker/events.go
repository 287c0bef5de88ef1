package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"storefront-commerce/internal/models"
	"storefront-commerce/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher handles publishing domain events
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

func orderKey(orderID string) string {
	return "order-" + orderID
}

// PublishOrderCreated publishes OrderCreated event
func (ep *EventPublisher) PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishOrderConfirmed publishes OrderConfirmed event
func (ep *EventPublisher) PublishOrderConfirmed(ctx context.Context, event *models.OrderConfirmedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishOrderStatusChanged publishes OrderStatusChanged event
func (ep *EventPublisher) PublishOrderStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishPaymentFailed publishes PaymentFailed event
func (ep *EventPublisher) PublishPaymentFailed(ctx context.Context, event *models.PaymentFailedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishFinalizeRequested queues an authorized order for the finalize worker
func (ep *EventPublisher) PublishFinalizeRequested(ctx context.Context, event *models.FinalizeRequestedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// NopPublisher drops events. It is used when no Kafka brokers are configured.
type NopPublisher struct{}

func (NopPublisher) PublishOrderCreated(context.Context, *models.OrderCreatedEvent) error {
	return nil
}

func (NopPublisher) PublishOrderConfirmed(context.Context, *models.OrderConfirmedEvent) error {
	return nil
}

func (NopPublisher) PublishOrderStatusChanged(context.Context, *models.OrderStatusChangedEvent) error {
	return nil
}

func (NopPublisher) PublishPaymentFailed(context.Context, *models.PaymentFailedEvent) error {
	return nil
}

// PublishFinalizeRequested reports an error so callers know nothing was queued
func (NopPublisher) PublishFinalizeRequested(_ context.Context, event *models.FinalizeRequestedEvent) error {
	return fmt.Errorf("no broker configured for finalize request of order %s", event.OrderID)
}

// EventHandler handles incoming events
type EventHandler struct {
	onFinalizeRequested func(context.Context, *models.FinalizeRequestedEvent) error
	logger              *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnFinalizeRequested registers a handler for FinalizeRequested events
func (eh *EventHandler) OnFinalizeRequested(handler func(context.Context, *models.FinalizeRequestedEvent) error) {
	eh.onFinalizeRequested = handler
}

// HandleMessage routes messages to appropriate handlers. Event types nobody
// subscribed to are acknowledged and skipped.
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		eh.logger.Error("Dropping undecodable message", zap.ByteString("key", msg.Key), zap.Error(err))
		return nil
	}

	eh.logger.Debug("Handling event",
		zap.String("type", baseEvent.EventType),
		zap.String("event_id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypeFinalizeRequested:
		if eh.onFinalizeRequested != nil {
			var event models.FinalizeRequestedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil || event.OrderID == "" {
				eh.logger.Error("Dropping malformed FinalizeRequested event", zap.ByteString("value", msg.Value), zap.Error(err))
				return nil
			}
			return eh.onFinalizeRequested(ctx, &event)
		}
	}

	return nil
}
