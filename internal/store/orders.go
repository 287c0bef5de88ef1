package store

import (
	"context"
	"time"

	"storefront-commerce/internal/apperr"
	"storefront-commerce/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// CreatePendingOrder persists a pending order and its item snapshots in one
// transaction. The source cart is row-locked, earlier pending orders of the
// cart whose payment is not in flight are cancelled, and the order number is
// taken from the tenant's sequence row.
func (s *Store) CreatePendingOrder(ctx context.Context, order *models.Order) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := lockActiveCart(ctx, tx, order.TenantID, order.CartID); err != nil {
			return err
		}

		if err := lockPendingOrders(ctx, tx, order.CartID); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE orders SET status = 'cancelled', payment_status = 'cancelled', updated_at = NOW()
			WHERE cart_id = $1 AND status = 'pending' AND payment_status IN ('pending', 'failed')`,
			order.CartID); err != nil {
			return err
		}

		if err := tx.GetContext(ctx, &order.OrderNumber, `
			INSERT INTO tenant_order_sequences (tenant_id, last_number) VALUES ($1, 1)
			ON CONFLICT (tenant_id) DO UPDATE SET last_number = tenant_order_sequences.last_number + 1
			RETURNING last_number`,
			order.TenantID); err != nil {
			return err
		}

		query := `
			INSERT INTO orders (id, tenant_id, customer_id, cart_id, cart_version, order_number, status, payment_status,
				discount_code, subtotal, tax, shipping, discount, total, currency, shipping_address, billing_address)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
			RETURNING created_at, updated_at`

		err := tx.GetContext(ctx, order, query,
			order.ID, order.TenantID, order.CustomerID, order.CartID, order.CartVersion, order.OrderNumber,
			order.Status, order.PaymentStatus, order.DiscountCode,
			order.Subtotal, order.Tax, order.Shipping, order.Discount, order.Total,
			order.Currency, order.ShippingAddress, order.BillingAddress)
		if isUniqueViolation(err) {
			return apperr.Conflict("order number collision", err)
		}
		if err != nil {
			return err
		}

		for i := range order.Items {
			item := &order.Items[i]
			item.ID = uuid.New().String()
			item.OrderID = order.ID
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO order_items (id, order_id, product_id, variant_id, quantity, unit_price, line_total)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				item.ID, item.OrderID, item.ProductID, item.VariantID, item.Quantity, item.UnitPrice, item.LineTotal); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetOrder retrieves an order with its items
func (s *Store) GetOrder(ctx context.Context, tenantID, orderID string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1 AND tenant_id = $2", orderID, tenantID)
	if isNoRows(err) {
		return nil, apperr.NotFound("order")
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadOrderItems(ctx, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// ListCustomerOrders retrieves a customer's orders, newest first
func (s *Store) ListCustomerOrders(ctx context.Context, tenantID, customerID string) ([]models.Order, error) {
	orders := []models.Order{}
	err := s.db.SelectContext(ctx, &orders,
		"SELECT * FROM orders WHERE tenant_id = $1 AND customer_id = $2 ORDER BY created_at DESC",
		tenantID, customerID)
	return orders, err
}

// ClaimPayment moves a pending order's payment to processing. Only one caller
// can win the claim, so at most one authorization runs per order at a time.
// The source cart is row-locked for the claim and must still be active at the
// version the order was priced from.
func (s *Store) ClaimPayment(ctx context.Context, tenantID, orderID, method string) (*models.Order, error) {
	var order models.Order
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var cart struct {
			Status  string `db:"status"`
			Version int64  `db:"version"`
		}
		err := tx.GetContext(ctx, &cart, `
			SELECT c.status, c.version FROM carts c JOIN orders o ON o.cart_id = c.id
			WHERE o.id = $1 AND o.tenant_id = $2
			FOR UPDATE OF c`,
			orderID, tenantID)
		if isNoRows(err) {
			return apperr.NotFound("order")
		}
		if err != nil {
			return err
		}

		err = tx.GetContext(ctx, &order,
			"SELECT * FROM orders WHERE id = $1 AND tenant_id = $2 FOR UPDATE", orderID, tenantID)
		if err != nil {
			return err
		}
		if !claimable(&order) {
			return apperr.InvalidState("order is " + order.Status + " with payment " + order.PaymentStatus)
		}
		if cart.Status != models.CartStatusActive || cart.Version != order.CartVersion {
			return apperr.InvalidState("cart changed, re-initiate checkout")
		}

		return tx.GetContext(ctx, &order, `
			UPDATE orders SET payment_status = 'processing', payment_method = $2, payment_reference = NULL, updated_at = NOW()
			WHERE id = $1
			RETURNING *`,
			orderID, method)
	})
	if err != nil {
		return nil, err
	}
	if err := s.loadOrderItems(ctx, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

func claimable(o *models.Order) bool {
	return o.Status == models.OrderStatusPending &&
		(o.PaymentStatus == models.PaymentStatusPending || o.PaymentStatus == models.PaymentStatusFailed)
}

// RecordAuthorization stores the processor reference of an authorized payment
func (s *Store) RecordAuthorization(ctx context.Context, tenantID, orderID, reference string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET payment_reference = $3, updated_at = NOW()
		WHERE id = $1 AND tenant_id = $2 AND payment_status = 'processing'`,
		orderID, tenantID, reference)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.InvalidState("payment is not processing")
	}
	return nil
}

// FailPayment moves an in-flight payment to failed, leaving the order pending
func (s *Store) FailPayment(ctx context.Context, tenantID, orderID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE orders SET payment_status = 'failed', updated_at = NOW()
		WHERE id = $1 AND tenant_id = $2 AND status = 'pending' AND payment_status = 'processing'`,
		orderID, tenantID)
	return err
}

// ConfirmOrder confirms an authorized order. It reports false without error
// when the order was already confirmed.
func (s *Store) ConfirmOrder(ctx context.Context, tenantID, orderID, paymentStatus string) (*models.Order, bool, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, `
		UPDATE orders SET status = 'confirmed', payment_status = $3, confirmed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND tenant_id = $2 AND status = 'pending' AND payment_status = 'processing'
			AND payment_reference IS NOT NULL
		RETURNING *`,
		orderID, tenantID, paymentStatus)
	if isNoRows(err) {
		current, getErr := s.GetOrder(ctx, tenantID, orderID)
		if getErr != nil {
			return nil, false, getErr
		}
		if current.ConfirmedAt != nil {
			return current, false, nil
		}
		return nil, false, apperr.InvalidState("order is " + current.Status + " with payment " + current.PaymentStatus)
	}
	if err != nil {
		return nil, false, err
	}
	if err := s.loadOrderItems(ctx, &order); err != nil {
		return nil, false, err
	}
	return &order, true, nil
}

// TransitionOrder is a compare-and-set on (status, payment_status)
func (s *Store) TransitionOrder(ctx context.Context, tenantID, orderID, fromStatus, toStatus, fromPayment, toPayment string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, `
		UPDATE orders SET status = $4, payment_status = $6, updated_at = NOW()
		WHERE id = $1 AND tenant_id = $2 AND status = $3 AND payment_status = $5
		RETURNING *`,
		orderID, tenantID, fromStatus, toStatus, fromPayment, toPayment)
	if isNoRows(err) {
		return nil, apperr.Conflict("order changed concurrently", err)
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadOrderItems(ctx, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// ListStalePaymentClaims returns pending orders whose payment has been
// processing since before the given time
func (s *Store) ListStalePaymentClaims(ctx context.Context, before time.Time, limit int) ([]models.Order, error) {
	orders := []models.Order{}
	err := s.db.SelectContext(ctx, &orders, `
		SELECT * FROM orders
		WHERE status = 'pending' AND payment_status = 'processing' AND updated_at < $1
		ORDER BY updated_at LIMIT $2`,
		before, limit)
	return orders, err
}

func (s *Store) loadOrderItems(ctx context.Context, order *models.Order) error {
	order.Items = []models.OrderItem{}
	return s.db.SelectContext(ctx, &order.Items,
		"SELECT * FROM order_items WHERE order_id = $1 ORDER BY id", order.ID)
}
