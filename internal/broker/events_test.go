package broker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"storefront-commerce/internal/models"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func finalizeMessage(t *testing.T, orderID string) kafka.Message {
	t.Helper()
	value, err := json.Marshal(&models.FinalizeRequestedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   "evt-1",
			EventType: models.EventTypeFinalizeRequested,
			TenantID:  "tenant-1",
			Timestamp: time.Now(),
		},
		OrderID:          orderID,
		PaymentReference: "REF-1",
	})
	require.NoError(t, err)
	return kafka.Message{Key: []byte(orderKey(orderID)), Value: value}
}

func TestHandleMessageRoutesFinalizeRequests(t *testing.T) {
	handler := NewEventHandler()
	var got *models.FinalizeRequestedEvent
	handler.OnFinalizeRequested(func(_ context.Context, e *models.FinalizeRequestedEvent) error {
		got = e
		return nil
	})

	require.NoError(t, handler.HandleMessage(context.Background(), finalizeMessage(t, "order-9")))

	require.NotNil(t, got)
	assert.Equal(t, "order-9", got.OrderID)
	assert.Equal(t, "tenant-1", got.TenantID)
	assert.Equal(t, "REF-1", got.PaymentReference)
}

func TestHandleMessagePropagatesHandlerErrors(t *testing.T) {
	handler := NewEventHandler()
	handler.OnFinalizeRequested(func(context.Context, *models.FinalizeRequestedEvent) error {
		return errors.New("database unavailable")
	})

	err := handler.HandleMessage(context.Background(), finalizeMessage(t, "order-9"))

	assert.Error(t, err)
}

func TestHandleMessageSkipsOtherEvents(t *testing.T) {
	handler := NewEventHandler()
	called := false
	handler.OnFinalizeRequested(func(context.Context, *models.FinalizeRequestedEvent) error {
		called = true
		return nil
	})

	value, err := json.Marshal(&models.OrderCreatedEvent{
		BaseEvent: models.BaseEvent{EventType: models.EventTypeOrderCreated},
		OrderID:   "order-1",
	})
	require.NoError(t, err)

	assert.NoError(t, handler.HandleMessage(context.Background(), kafka.Message{Value: value}))
	assert.NoError(t, handler.HandleMessage(context.Background(), kafka.Message{Value: []byte("{not json")}))
	assert.False(t, called)
}

func TestNopPublisherRefusesFinalizeRequests(t *testing.T) {
	var p NopPublisher

	assert.NoError(t, p.PublishOrderCreated(context.Background(), &models.OrderCreatedEvent{}))
	assert.Error(t, p.PublishFinalizeRequested(context.Background(), &models.FinalizeRequestedEvent{OrderID: "o1"}))
}
