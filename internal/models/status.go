package models

// Order statuses
const (
	OrderStatusPending    = "pending"
	OrderStatusConfirmed  = "confirmed"
	OrderStatusProcessing = "processing"
	OrderStatusShipped    = "shipped"
	OrderStatusDelivered  = "delivered"
	OrderStatusCancelled  = "cancelled"
	OrderStatusRefunded   = "refunded"
)

// Payment statuses
const (
	PaymentStatusPending           = "pending"
	PaymentStatusProcessing        = "processing"
	PaymentStatusSucceeded         = "succeeded"
	PaymentStatusFailed            = "failed"
	PaymentStatusRefunded          = "refunded"
	PaymentStatusPartiallyRefunded = "partially_refunded"
	PaymentStatusCancelled         = "cancelled"
)

var orderTransitions = map[string][]string{
	OrderStatusPending:    {OrderStatusConfirmed, OrderStatusCancelled},
	OrderStatusConfirmed:  {OrderStatusProcessing, OrderStatusRefunded},
	OrderStatusProcessing: {OrderStatusShipped, OrderStatusRefunded},
	OrderStatusShipped:    {OrderStatusDelivered, OrderStatusRefunded},
	OrderStatusDelivered:  {OrderStatusRefunded},
}

// pending->succeeded is collection of a cash-on-delivery payment.
// processing->pending is an authorized cash-on-delivery order awaiting collection.
// pending->cancelled supersedes an order whose payment was never attempted.
var paymentTransitions = map[string][]string{
	PaymentStatusPending:           {PaymentStatusProcessing, PaymentStatusSucceeded, PaymentStatusCancelled},
	PaymentStatusProcessing:        {PaymentStatusSucceeded, PaymentStatusFailed, PaymentStatusPending},
	PaymentStatusSucceeded:         {PaymentStatusRefunded, PaymentStatusPartiallyRefunded},
	PaymentStatusPartiallyRefunded: {PaymentStatusRefunded},
	PaymentStatusFailed:            {PaymentStatusPending, PaymentStatusCancelled},
}

// CanTransitionOrder reports whether from -> to is an edge of the order status graph
func CanTransitionOrder(from, to string) bool {
	return contains(orderTransitions[from], to)
}

// CanTransitionPayment reports whether from -> to is an edge of the payment status graph
func CanTransitionPayment(from, to string) bool {
	return contains(paymentTransitions[from], to)
}

// IsValidOrderStatus reports whether s names an order status
func IsValidOrderStatus(s string) bool {
	switch s {
	case OrderStatusPending, OrderStatusConfirmed, OrderStatusProcessing, OrderStatusShipped,
		OrderStatusDelivered, OrderStatusCancelled, OrderStatusRefunded:
		return true
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
