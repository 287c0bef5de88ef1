package service

import (
	"context"
	"time"

	"storefront-commerce/internal/apperr"
	"storefront-commerce/internal/models"
	"storefront-commerce/internal/util"

	"go.uber.org/zap"
)

const finalizeRetryDelay = 50 * time.Millisecond

// CheckoutSession is the shopper's view of one cart-to-order attempt
type CheckoutSession struct {
	OrderID       string         `json:"order_id"`
	OrderNumber   int64          `json:"order_number"`
	Status        string         `json:"status"`
	PaymentStatus string         `json:"payment_status"`
	Currency      string         `json:"currency"`
	DiscountCode  *string        `json:"discount_code,omitempty"`
	Amounts       models.Amounts `json:"amounts"`
}

func sessionFromOrder(o *models.Order) *CheckoutSession {
	return &CheckoutSession{
		OrderID:       o.ID,
		OrderNumber:   o.OrderNumber,
		Status:        o.Status,
		PaymentStatus: o.PaymentStatus,
		Currency:      o.Currency,
		DiscountCode:  o.DiscountCode,
		Amounts:       o.Amounts,
	}
}

// InitiateCheckoutRequest starts a checkout for a cart. A non-empty
// IdempotencyKey makes repeats within the key TTL return the first session.
type InitiateCheckoutRequest struct {
	CreatePendingOrderRequest
	IdempotencyKey string
}

// ConfirmResult is the outcome of a successful confirmation. Finalized is
// false when payment went through but the follow-up writes were handed to the
// background finalizer.
type ConfirmResult struct {
	Session          *CheckoutSession `json:"session"`
	PaymentReference string           `json:"payment_reference"`
	Finalized        bool             `json:"finalized"`
}

// CheckoutConfig tunes the orchestrator
type CheckoutConfig struct {
	IdempotencyTTL  time.Duration
	FinalizeRetries int
}

// CheckoutOrchestrator drives a cart through pending order, payment and
// confirmation
type CheckoutOrchestrator struct {
	orders      *OrderService
	orderRepo   OrderRepository
	carts       *CartService
	discounts   *DiscountService
	customers   *CustomerService
	payments    *PaymentService
	publisher   EventPublisher
	idempotency IdempotencyStore
	cfg         CheckoutConfig
	logger      *zap.Logger
}

// NewCheckoutOrchestrator wires the checkout state machine. idempotency may be
// nil, in which case request keys are ignored.
func NewCheckoutOrchestrator(
	orders *OrderService,
	orderRepo OrderRepository,
	carts *CartService,
	discounts *DiscountService,
	customers *CustomerService,
	payments *PaymentService,
	publisher EventPublisher,
	idempotency IdempotencyStore,
	cfg CheckoutConfig,
) *CheckoutOrchestrator {
	if cfg.FinalizeRetries < 1 {
		cfg.FinalizeRetries = 1
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = 24 * time.Hour
	}
	return &CheckoutOrchestrator{
		orders:      orders,
		orderRepo:   orderRepo,
		carts:       carts,
		discounts:   discounts,
		customers:   customers,
		payments:    payments,
		publisher:   publisher,
		idempotency: idempotency,
		cfg:         cfg,
		logger:      util.GetLogger(),
	}
}

// InitiateCheckout prices the cart into a pending order. It never talks to a
// payment processor. Earlier pending orders of the same cart are superseded.
// Without a shipping address the customer's default saved address is used.
func (co *CheckoutOrchestrator) InitiateCheckout(ctx context.Context, req InitiateCheckoutRequest) (session *CheckoutSession, err error) {
	ctx, span := util.StartSpan(ctx, "CheckoutOrchestrator.InitiateCheckout", req.TenantID)
	defer func() { util.EndSpan(span, err) }()

	if req.ShippingAddress.IsZero() {
		req.ShippingAddress = co.defaultShippingAddress(ctx, req.TenantID, req.CustomerID)
	}

	if req.IdempotencyKey == "" || co.idempotency == nil {
		order, err := co.orders.CreatePendingOrder(ctx, req.CreatePendingOrderRequest)
		if err != nil {
			return nil, err
		}
		return sessionFromOrder(order), nil
	}

	key := "checkout:idem:" + req.TenantID + ":" + req.IdempotencyKey
	if session, done, err := co.replay(ctx, req.TenantID, key); done || err != nil {
		return session, err
	}

	reserved, err := co.idempotency.ReserveIdempotencyKey(ctx, key, co.cfg.IdempotencyTTL)
	if err != nil {
		co.logger.Warn("Idempotency store unavailable, continuing without it", zap.Error(err))
		order, err := co.orders.CreatePendingOrder(ctx, req.CreatePendingOrderRequest)
		if err != nil {
			return nil, err
		}
		return sessionFromOrder(order), nil
	}
	if !reserved {
		if session, done, err := co.replay(ctx, req.TenantID, key); done || err != nil {
			return session, err
		}
		return nil, apperr.Conflict("checkout already in progress", nil)
	}

	order, err := co.orders.CreatePendingOrder(ctx, req.CreatePendingOrderRequest)
	if err != nil {
		if delErr := co.idempotency.DeleteIdempotencyKey(ctx, key); delErr != nil {
			co.logger.Warn("Failed to release idempotency key", zap.String("key", key), zap.Error(delErr))
		}
		return nil, err
	}
	if err := co.idempotency.SetIdempotencyKey(ctx, key, order.ID, co.cfg.IdempotencyTTL); err != nil {
		co.logger.Warn("Failed to store idempotency key", zap.String("key", key), zap.Error(err))
	}
	return sessionFromOrder(order), nil
}

func (co *CheckoutOrchestrator) defaultShippingAddress(ctx context.Context, tenantID, customerID string) models.Address {
	if customerID == "" {
		return models.Address{}
	}
	c, err := co.customers.GetCustomer(ctx, tenantID, customerID)
	if err != nil {
		return models.Address{}
	}
	if saved, ok := c.DefaultAddress(); ok {
		return saved.Address
	}
	return models.Address{}
}

// replay returns the session a finished request with the same key produced.
// An in-flight request with the key is reported as a conflict.
func (co *CheckoutOrchestrator) replay(ctx context.Context, tenantID, key string) (*CheckoutSession, bool, error) {
	orderID, found, err := co.idempotency.GetIdempotencyKey(ctx, key)
	if err != nil || !found {
		return nil, false, nil
	}
	if orderID == "" {
		return nil, true, apperr.Conflict("checkout already in progress", nil)
	}
	order, err := co.orderRepo.GetOrder(ctx, tenantID, orderID)
	if err != nil {
		return nil, true, err
	}
	co.logger.Info("Duplicate checkout request detected",
		zap.String("key", key),
		zap.String("order_id", orderID))
	return sessionFromOrder(order), true, nil
}

// ConfirmCheckout takes payment for a pending order and confirms it.
// Confirming an order that is already confirmed returns the existing result
// without charging again. Once payment is authorized the call reports success
// even if follow-up writes have to be finished in the background.
func (co *CheckoutOrchestrator) ConfirmCheckout(ctx context.Context, tenantID, orderID, method string) (result *ConfirmResult, err error) {
	ctx, span := util.StartSpan(ctx, "CheckoutOrchestrator.ConfirmCheckout", tenantID)
	defer func() { util.EndSpan(span, err) }()

	if !co.payments.IsSupported(method) {
		return nil, apperr.Validation("unsupported payment method")
	}

	order, err := co.orderRepo.GetOrder(ctx, tenantID, orderID)
	if err != nil {
		return nil, err
	}
	if order.ConfirmedAt != nil {
		return confirmedResult(order), nil
	}
	if order.Status != models.OrderStatusPending {
		return nil, apperr.InvalidState("order is " + order.Status)
	}
	if order.PaymentStatus == models.PaymentStatusProcessing {
		if order.PaymentReference != nil {
			return co.finalizeAfterPayment(ctx, tenantID, orderID, *order.PaymentReference), nil
		}
		return nil, apperr.InvalidState("payment for this order is in progress")
	}

	order, err = co.orderRepo.ClaimPayment(ctx, tenantID, orderID, method)
	if err != nil {
		return nil, err
	}

	if order.DiscountCode != nil {
		if err := co.discounts.Redeem(ctx, tenantID, *order.DiscountCode, orderID, order.CustomerID); err != nil {
			co.failPayment(ctx, order, method, apperr.ReasonOf(err))
			util.CheckoutsFailedTotal.WithLabelValues("discount_rejected").Inc()
			return nil, err
		}
	}

	reference, err := co.payments.Authorize(ctx, tenantID, orderID, method, order.Total, order.Currency)
	if err != nil {
		co.releaseDiscount(ctx, order)
		co.failPayment(ctx, order, method, apperr.ReasonOf(err))
		util.CheckoutsFailedTotal.WithLabelValues("payment_failed").Inc()
		return nil, err
	}

	return co.finalizeAfterPayment(ctx, tenantID, orderID, reference), nil
}

// finalizeAfterPayment runs the post-payment writes detached from the caller's
// cancellation. When retries run out the work is queued for the finalize
// worker and the reconciler.
func (co *CheckoutOrchestrator) finalizeAfterPayment(ctx context.Context, tenantID, orderID, reference string) *ConfirmResult {
	ctx = context.WithoutCancel(ctx)

	attempt := 0
	var order *models.Order
	err := util.Retry(ctx, co.cfg.FinalizeRetries, finalizeRetryDelay, isRetryableFinalize, func() error {
		if attempt > 0 {
			util.FinalizeRetriesTotal.Inc()
		}
		attempt++
		var err error
		order, err = co.Finalize(ctx, tenantID, orderID, reference)
		return err
	})
	if err == nil {
		return confirmedResult(order)
	}

	co.logger.Error("Finalization deferred after authorized payment",
		append(util.OrderFields(tenantID, orderID), zap.Error(err))...)

	event := &models.FinalizeRequestedEvent{
		BaseEvent:        newBaseEvent(models.EventTypeFinalizeRequested, tenantID),
		OrderID:          orderID,
		PaymentReference: reference,
	}
	if pubErr := co.publisher.PublishFinalizeRequested(ctx, event); pubErr != nil {
		co.logger.Error("Failed to queue finalization, leaving it to the reconciler",
			zap.String("order_id", orderID), zap.Error(pubErr))
	}

	session := &CheckoutSession{OrderID: orderID, Status: models.OrderStatusPending, PaymentStatus: models.PaymentStatusProcessing}
	if current, getErr := co.orderRepo.GetOrder(ctx, tenantID, orderID); getErr == nil {
		session = sessionFromOrder(current)
	}
	return &ConfirmResult{Session: session, PaymentReference: reference, Finalized: false}
}

// Finalize applies every post-payment write for an authorized order: record
// the reference, confirm, convert the cart, append the order to the
// customer's history. Each step is idempotent, so Finalize may be repeated
// until it succeeds.
func (co *CheckoutOrchestrator) Finalize(ctx context.Context, tenantID, orderID, reference string) (order *models.Order, err error) {
	ctx, span := util.StartSpan(ctx, "CheckoutOrchestrator.Finalize", tenantID)
	defer func() { util.EndSpan(span, err) }()

	order, err = co.orderRepo.GetOrder(ctx, tenantID, orderID)
	if err != nil {
		return nil, err
	}

	if order.ConfirmedAt == nil {
		if order.PaymentReference == nil {
			if reference == "" {
				return nil, apperr.InvalidState("order has no payment reference")
			}
			if err := co.orderRepo.RecordAuthorization(ctx, tenantID, orderID, reference); err != nil {
				return nil, err
			}
		}

		method := ""
		if order.PaymentMethod != nil {
			method = *order.PaymentMethod
		}
		paymentStatus := models.PaymentStatusSucceeded
		if co.payments.SettlesOnDelivery(method) {
			paymentStatus = models.PaymentStatusPending
		}

		var changed bool
		order, changed, err = co.orderRepo.ConfirmOrder(ctx, tenantID, orderID, paymentStatus)
		if err != nil {
			return nil, err
		}
		if changed {
			util.CheckoutsConfirmedTotal.WithLabelValues(method).Inc()
			co.logger.Info("Order confirmed",
				append(util.OrderFields(tenantID, orderID),
					zap.Int64("order_number", order.OrderNumber),
					zap.String("payment_status", order.PaymentStatus))...)
			co.publishConfirmed(ctx, order)
		}
	}

	if err := co.carts.MarkConverted(ctx, tenantID, order.CartID, order.ID); err != nil {
		if !apperr.IsInvalidState(err) {
			return nil, err
		}
		co.logger.Error("Paid order could not convert its cart",
			append(util.OrderFields(tenantID, orderID),
				zap.String("cart_id", order.CartID), zap.Error(err))...)
	}

	summary := models.OrderSummary{
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		Total:       order.Total,
		Currency:    order.Currency,
		Status:      order.Status,
		PlacedAt:    order.CreatedAt,
	}
	if err := co.customers.AppendOrderSummary(ctx, tenantID, order.CustomerID, summary); err != nil {
		return nil, err
	}
	return order, nil
}

// Reconcile settles orders stuck with a processing payment for longer than
// grace. Authorized orders are finalized. Orders with no recorded reference
// have an unknown outcome and are failed so the shopper can retry.
func (co *CheckoutOrchestrator) Reconcile(ctx context.Context, grace time.Duration, limit int) (int, error) {
	stale, err := co.orderRepo.ListStalePaymentClaims(ctx, time.Now().Add(-grace), limit)
	if err != nil {
		return 0, err
	}

	settled := 0
	for i := range stale {
		order := &stale[i]
		if order.PaymentReference != nil {
			if _, err := co.Finalize(ctx, order.TenantID, order.ID, *order.PaymentReference); err != nil {
				co.logger.Error("Reconciler failed to finalize order",
					append(util.OrderFields(order.TenantID, order.ID), zap.Error(err))...)
				continue
			}
		} else {
			method := ""
			if order.PaymentMethod != nil {
				method = *order.PaymentMethod
			}
			co.releaseDiscount(ctx, order)
			co.failPayment(ctx, order, method, "payment outcome unknown")
		}
		settled++
	}
	return settled, nil
}

// VerifyDiscount previews code against the owner's active cart
func (co *CheckoutOrchestrator) VerifyDiscount(ctx context.Context, tenantID string, owner models.CartOwner, code string) (*DiscountResult, error) {
	cart, err := co.carts.GetActiveCart(ctx, tenantID, owner)
	if err != nil {
		return nil, err
	}
	return co.discounts.Validate(ctx, tenantID, code, DiscountInput{
		Subtotal:   cart.Subtotal(),
		Lines:      DiscountLinesFromCart(cart),
		CustomerID: owner.CustomerID,
	})
}

func (co *CheckoutOrchestrator) releaseDiscount(ctx context.Context, order *models.Order) {
	if order.DiscountCode == nil {
		return
	}
	if err := co.discounts.Release(ctx, order.TenantID, *order.DiscountCode, order.ID); err != nil {
		co.logger.Error("Failed to release discount redemption",
			append(util.OrderFields(order.TenantID, order.ID), zap.Error(err))...)
	}
}

func (co *CheckoutOrchestrator) failPayment(ctx context.Context, order *models.Order, method, reason string) {
	if err := co.orderRepo.FailPayment(ctx, order.TenantID, order.ID); err != nil {
		co.logger.Error("Failed to mark payment failed",
			append(util.OrderFields(order.TenantID, order.ID), zap.Error(err))...)
	}

	event := &models.PaymentFailedEvent{
		BaseEvent: newBaseEvent(models.EventTypePaymentFailed, order.TenantID),
		OrderID:   order.ID,
		Method:    method,
		Reason:    reason,
	}
	if err := co.publisher.PublishPaymentFailed(ctx, event); err != nil {
		co.logger.Error("Failed to publish PaymentFailed event", zap.String("order_id", order.ID), zap.Error(err))
	}
}

func (co *CheckoutOrchestrator) publishConfirmed(ctx context.Context, order *models.Order) {
	event := &models.OrderConfirmedEvent{
		BaseEvent:     newBaseEvent(models.EventTypeOrderConfirmed, order.TenantID),
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		CustomerID:    order.CustomerID,
		PaymentStatus: order.PaymentStatus,
	}
	if order.PaymentReference != nil {
		event.TxID = *order.PaymentReference
	}
	if err := co.publisher.PublishOrderConfirmed(ctx, event); err != nil {
		co.logger.Error("Failed to publish OrderConfirmed event", zap.String("order_id", order.ID), zap.Error(err))
	}
}

func confirmedResult(order *models.Order) *ConfirmResult {
	result := &ConfirmResult{Session: sessionFromOrder(order), Finalized: true}
	if order.PaymentReference != nil {
		result.PaymentReference = *order.PaymentReference
	}
	return result
}

func isRetryableFinalize(err error) bool {
	return !apperr.IsInvalidState(err) && !apperr.IsNotFound(err)
}
