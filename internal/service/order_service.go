package service

import (
	"context"
	"time"

	"storefront-commerce/internal/apperr"
	"storefront-commerce/internal/models"
	"storefront-commerce/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	orderNumberRetryDelay = 5 * time.Millisecond
	statusUpdateAttempts  = 3
)

// OrderService is the order ledger: it turns carts into priced pending orders
// and guards every later status change
type OrderService struct {
	repo          OrderRepository
	carts         CartRepository
	discounts     *DiscountService
	tax           TaxPolicy
	shipping      ShippingPolicy
	publisher     EventPublisher
	numberRetries int
	logger        *zap.Logger
}

// NewOrderService creates a new order service
func NewOrderService(
	repo OrderRepository,
	carts CartRepository,
	discounts *DiscountService,
	tax TaxPolicy,
	shipping ShippingPolicy,
	publisher EventPublisher,
	numberRetries int,
) *OrderService {
	if numberRetries < 1 {
		numberRetries = 1
	}
	return &OrderService{
		repo:          repo,
		carts:         carts,
		discounts:     discounts,
		tax:           tax,
		shipping:      shipping,
		publisher:     publisher,
		numberRetries: numberRetries,
		logger:        util.GetLogger(),
	}
}

// CreatePendingOrderRequest carries everything needed to price a cart
type CreatePendingOrderRequest struct {
	TenantID        string
	CartID          string
	CustomerID      string
	ShippingAddress models.Address
	BillingAddress  *models.Address
	SameAsShipping  bool
	DiscountCode    string
}

// CreatePendingOrder prices the cart and persists a pending order with frozen
// item snapshots. The discount is only previewed here; its use is consumed at
// confirmation.
func (s *OrderService) CreatePendingOrder(ctx context.Context, req CreatePendingOrderRequest) (order *models.Order, err error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CreatePendingOrder", req.TenantID)
	defer func() { util.EndSpan(span, err) }()

	if req.CustomerID == "" {
		return nil, apperr.Validation("customer id is required")
	}

	cart, err := s.carts.GetCart(ctx, req.TenantID, req.CartID)
	if err != nil {
		return nil, err
	}
	if !cart.IsActive() {
		return nil, apperr.InvalidState("cart is " + cart.Status)
	}
	if len(cart.Items) == 0 {
		return nil, apperr.Validation("cart empty")
	}
	if cart.CustomerID != nil && *cart.CustomerID != req.CustomerID {
		return nil, apperr.Validation("cart belongs to another customer")
	}

	if err := validateAddress(req.ShippingAddress); err != nil {
		return nil, err
	}
	billing, err := resolveBilling(req)
	if err != nil {
		return nil, err
	}

	order = &models.Order{
		ID:              uuid.New().String(),
		TenantID:        req.TenantID,
		CustomerID:      req.CustomerID,
		CartID:          cart.ID,
		CartVersion:     cart.Version,
		Status:          models.OrderStatusPending,
		PaymentStatus:   models.PaymentStatusPending,
		Currency:        cart.Currency,
		ShippingAddress: req.ShippingAddress,
		BillingAddress:  billing,
		Items:           snapshotItems(cart.Items),
	}
	order.Subtotal = cart.Subtotal()

	if req.DiscountCode != "" {
		result, err := s.discounts.Validate(ctx, req.TenantID, req.DiscountCode, DiscountInput{
			Subtotal:   order.Subtotal,
			Lines:      DiscountLinesFromCart(cart),
			CustomerID: req.CustomerID,
		})
		if err != nil {
			return nil, err
		}
		if !result.Approved {
			util.CheckoutsFailedTotal.WithLabelValues("discount_rejected").Inc()
			return nil, apperr.Validation(result.Reason)
		}
		code := result.Discount.Code
		order.DiscountCode = &code
		order.Discount = result.Amount
	}

	order.Tax = s.tax.Tax(req.TenantID, order.Subtotal, req.ShippingAddress)
	order.Shipping = s.shipping.Shipping(req.TenantID, order.Subtotal, req.ShippingAddress)
	order.ComputeTotal()

	err = util.Retry(ctx, s.numberRetries, orderNumberRetryDelay, apperr.IsConflict, func() error {
		err := s.repo.CreatePendingOrder(ctx, order)
		if apperr.IsConflict(err) {
			util.OrderNumberConflictsTotal.Inc()
			s.logger.Warn("Order number conflict, retrying", zap.String("tenant_id", req.TenantID))
		}
		return err
	})
	if apperr.IsConflict(err) {
		util.CheckoutsFailedTotal.WithLabelValues("order_number_conflict").Inc()
		return nil, apperr.Conflict("could not allocate an order number", err)
	}
	if err != nil {
		return nil, err
	}

	util.CheckoutsInitiatedTotal.Inc()
	s.logger.Info("Pending order created",
		append(util.OrderFields(order.TenantID, order.ID),
			zap.Int64("order_number", order.OrderNumber),
			zap.Int64("total", order.Total))...)

	s.publishCreated(ctx, order)
	return order, nil
}

// UpdateOrderStatus moves an order along the status graph. Confirmation only
// happens through checkout. Payment status follows where the move implies it:
// delivery collects a cash-on-delivery payment, a refund refunds a settled
// payment and voids an uncollected one, cancelling voids a pending payment.
func (s *OrderService) UpdateOrderStatus(ctx context.Context, tenantID, orderID, status string) (order *models.Order, err error) {
	ctx, span := util.StartSpan(ctx, "OrderService.UpdateOrderStatus", tenantID)
	defer func() { util.EndSpan(span, err) }()

	if !models.IsValidOrderStatus(status) {
		return nil, apperr.Validation("unknown order status")
	}
	if status == models.OrderStatusConfirmed {
		return nil, apperr.InvalidState("orders are confirmed through checkout")
	}

	for attempt := 0; attempt < statusUpdateAttempts; attempt++ {
		current, err := s.repo.GetOrder(ctx, tenantID, orderID)
		if err != nil {
			return nil, err
		}
		if !models.CanTransitionOrder(current.Status, status) {
			return nil, apperr.InvalidState("cannot move order from " + current.Status + " to " + status)
		}

		payment, err := paymentFollowing(current, status)
		if err != nil {
			return nil, err
		}

		order, err = s.repo.TransitionOrder(ctx, tenantID, orderID, current.Status, status, current.PaymentStatus, payment)
		if apperr.IsConflict(err) {
			continue
		}
		if err != nil {
			return nil, err
		}

		s.logger.Info("Order status changed",
			append(util.OrderFields(tenantID, orderID),
				zap.String("from", current.Status),
				zap.String("to", status),
				zap.String("payment_status", payment))...)
		s.publishStatusChanged(ctx, order, current.Status)
		return order, nil
	}
	return nil, apperr.Conflict("order is being updated concurrently", nil)
}

// GetOrder returns an order with its items
func (s *OrderService) GetOrder(ctx context.Context, tenantID, orderID string) (*models.Order, error) {
	return s.repo.GetOrder(ctx, tenantID, orderID)
}

// ListCustomerOrders returns a customer's orders, newest first
func (s *OrderService) ListCustomerOrders(ctx context.Context, tenantID, customerID string) ([]models.Order, error) {
	return s.repo.ListCustomerOrders(ctx, tenantID, customerID)
}

func paymentFollowing(o *models.Order, to string) (string, error) {
	from := o.PaymentStatus
	next := from

	switch to {
	case models.OrderStatusCancelled:
		if from == models.PaymentStatusProcessing {
			return "", apperr.InvalidState("payment is in progress")
		}
		next = models.PaymentStatusCancelled
	case models.OrderStatusRefunded:
		switch from {
		case models.PaymentStatusSucceeded, models.PaymentStatusPartiallyRefunded:
			next = models.PaymentStatusRefunded
		case models.PaymentStatusPending:
			next = models.PaymentStatusCancelled
		default:
			return "", apperr.InvalidState("payment is " + from)
		}
	case models.OrderStatusDelivered:
		if from == models.PaymentStatusPending {
			next = models.PaymentStatusSucceeded
		}
	}

	if next != from && !models.CanTransitionPayment(from, next) {
		return "", apperr.InvalidState("cannot move payment from " + from + " to " + next)
	}
	return next, nil
}

func resolveBilling(req CreatePendingOrderRequest) (models.Address, error) {
	if req.BillingAddress != nil && !req.BillingAddress.IsZero() {
		if err := validateAddress(*req.BillingAddress); err != nil {
			return models.Address{}, err
		}
		return *req.BillingAddress, nil
	}
	if req.SameAsShipping {
		return req.ShippingAddress, nil
	}
	return models.Address{}, apperr.Validation("billing address is required")
}

func snapshotItems(items []models.CartItem) []models.OrderItem {
	out := make([]models.OrderItem, 0, len(items))
	for _, item := range items {
		out = append(out, models.OrderItem{
			ProductID: item.ProductID,
			VariantID: item.VariantID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			LineTotal: item.LineTotal(),
		})
	}
	return out
}

func (s *OrderService) publishCreated(ctx context.Context, order *models.Order) {
	items := make([]models.OrderItemData, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, models.OrderItemData{
			ProductID: item.ProductID,
			VariantID: item.VariantID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		})
	}

	event := &models.OrderCreatedEvent{
		BaseEvent:   newBaseEvent(models.EventTypeOrderCreated, order.TenantID),
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		CustomerID:  order.CustomerID,
		Total:       order.Total,
		Currency:    order.Currency,
		Items:       items,
	}
	if err := s.publisher.PublishOrderCreated(ctx, event); err != nil {
		s.logger.Error("Failed to publish OrderCreated event", zap.String("order_id", order.ID), zap.Error(err))
	}
}

func (s *OrderService) publishStatusChanged(ctx context.Context, order *models.Order, from string) {
	event := &models.OrderStatusChangedEvent{
		BaseEvent:     newBaseEvent(models.EventTypeOrderStatusChanged, order.TenantID),
		OrderID:       order.ID,
		From:          from,
		To:            order.Status,
		PaymentStatus: order.PaymentStatus,
	}
	if err := s.publisher.PublishOrderStatusChanged(ctx, event); err != nil {
		s.logger.Error("Failed to publish OrderStatusChanged event", zap.String("order_id", order.ID), zap.Error(err))
	}
}

func newBaseEvent(eventType, tenantID string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		TenantID:  tenantID,
		Timestamp: time.Now(),
	}
}
