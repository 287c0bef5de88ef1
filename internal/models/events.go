package models

import "time"

// Event types
const (
	EventTypeOrderCreated       = "ORDER_CREATED"
	EventTypeOrderConfirmed     = "ORDER_CONFIRMED"
	EventTypeOrderStatusChanged = "ORDER_STATUS_CHANGED"
	EventTypePaymentFailed      = "PAYMENT_FAILED"
	EventTypeFinalizeRequested  = "CHECKOUT_FINALIZE_REQUESTED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	TenantID  string    `json:"tenant_id"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderCreatedEvent published when a pending order is written
type OrderCreatedEvent struct {
	BaseEvent
	OrderID     string          `json:"order_id"`
	OrderNumber int64           `json:"order_number"`
	CustomerID  string          `json:"customer_id"`
	Total       int64           `json:"total"`
	Currency    string          `json:"currency"`
	Items       []OrderItemData `json:"items"`
}

// OrderConfirmedEvent published once checkout side effects are complete
type OrderConfirmedEvent struct {
	BaseEvent
	OrderID       string `json:"order_id"`
	OrderNumber   int64  `json:"order_number"`
	CustomerID    string `json:"customer_id"`
	PaymentStatus string `json:"payment_status"`
	TxID          string `json:"tx_id"`
}

// OrderStatusChangedEvent published on every status graph transition after confirmation
type OrderStatusChangedEvent struct {
	BaseEvent
	OrderID       string `json:"order_id"`
	From          string `json:"from"`
	To            string `json:"to"`
	PaymentStatus string `json:"payment_status"`
}

// PaymentFailedEvent published when authorization fails or times out
type PaymentFailedEvent struct {
	BaseEvent
	OrderID string `json:"order_id"`
	Method  string `json:"method"`
	Reason  string `json:"reason"`
}

// FinalizeRequestedEvent hands an authorized order to the finalize worker
type FinalizeRequestedEvent struct {
	BaseEvent
	OrderID          string `json:"order_id"`
	PaymentReference string `json:"payment_reference"`
}

// OrderItemData represents item data in events
type OrderItemData struct {
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id,omitempty"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
}
