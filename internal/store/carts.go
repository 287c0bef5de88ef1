package store

import (
	"context"
	"fmt"
	"time"

	"storefront-commerce/internal/apperr"
	"storefront-commerce/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// GetActiveCart retrieves the single active cart of an owner
func (s *Store) GetActiveCart(ctx context.Context, tenantID string, owner models.CartOwner) (*models.Cart, error) {
	column, value := ownerColumn(owner)

	var cart models.Cart
	err := s.db.GetContext(ctx, &cart,
		fmt.Sprintf("SELECT * FROM carts WHERE tenant_id = $1 AND %s = $2 AND status = 'active'", column),
		tenantID, value)
	if isNoRows(err) {
		return nil, apperr.NotFound("cart")
	}
	if err != nil {
		return nil, err
	}

	if cart.Items, err = loadCartItems(ctx, s.db, cart.ID); err != nil {
		return nil, err
	}
	return &cart, nil
}

// CreateCart inserts a new active cart. A concurrent insert for the same owner
// loses on the partial unique index and is reported as a conflict.
func (s *Store) CreateCart(ctx context.Context, cart *models.Cart) error {
	query := `
		INSERT INTO carts (id, tenant_id, customer_id, session_id, status, currency, version)
		VALUES ($1, $2, $3, $4, $5, $6, 1)
		RETURNING version, created_at, updated_at`

	err := s.db.GetContext(ctx, cart, query,
		cart.ID, cart.TenantID, cart.CustomerID, cart.SessionID, cart.Status, cart.Currency)
	if isUniqueViolation(err) {
		return apperr.Conflict("active cart already exists", err)
	}
	return err
}

// GetCart retrieves a cart with its items
func (s *Store) GetCart(ctx context.Context, tenantID, cartID string) (*models.Cart, error) {
	return getCart(ctx, s.db, tenantID, cartID)
}

// UpsertCartItem adds quantity to an existing (product, variant) line or appends a new one
func (s *Store) UpsertCartItem(ctx context.Context, tenantID, cartID string, item models.CartItem) (*models.Cart, error) {
	var cart *models.Cart
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := lockMutableCart(ctx, tx, tenantID, cartID); err != nil {
			return err
		}
		if err := upsertItem(ctx, tx, cartID, item); err != nil {
			return err
		}
		if err := touchCart(ctx, tx, cartID); err != nil {
			return err
		}

		var err error
		cart, err = getCart(ctx, tx, tenantID, cartID)
		return err
	})
	return cart, err
}

// SetCartItemQuantity overwrites a line's quantity; zero or less deletes the row
func (s *Store) SetCartItemQuantity(ctx context.Context, tenantID, cartID, productID, variantID string, qty int) (*models.Cart, error) {
	var cart *models.Cart
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := lockMutableCart(ctx, tx, tenantID, cartID); err != nil {
			return err
		}

		if qty <= 0 {
			if _, err := tx.ExecContext(ctx,
				"DELETE FROM cart_items WHERE cart_id = $1 AND product_id = $2 AND variant_id = $3",
				cartID, productID, variantID); err != nil {
				return err
			}
		} else {
			res, err := tx.ExecContext(ctx,
				"UPDATE cart_items SET quantity = $1 WHERE cart_id = $2 AND product_id = $3 AND variant_id = $4",
				qty, cartID, productID, variantID)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return apperr.NotFound("cart item")
			}
		}

		if err := touchCart(ctx, tx, cartID); err != nil {
			return err
		}

		var err error
		cart, err = getCart(ctx, tx, tenantID, cartID)
		return err
	})
	return cart, err
}

// MergeGuestCart unions the session's active cart into the customer's active
// cart, creating it with newCartID when absent, and converts the guest cart.
func (s *Store) MergeGuestCart(ctx context.Context, tenantID, sessionID, customerID, newCartID string) (*models.Cart, error) {
	var merged *models.Cart
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var guest models.Cart
		err := tx.GetContext(ctx, &guest,
			"SELECT * FROM carts WHERE tenant_id = $1 AND session_id = $2 AND status = 'active' FOR UPDATE",
			tenantID, sessionID)
		if isNoRows(err) {
			return apperr.NotFound("guest cart")
		}
		if err != nil {
			return err
		}

		var target models.Cart
		err = tx.GetContext(ctx, &target,
			"SELECT * FROM carts WHERE tenant_id = $1 AND customer_id = $2 AND status = 'active' FOR UPDATE",
			tenantID, customerID)
		switch {
		case isNoRows(err):
			target = models.Cart{
				ID:         newCartID,
				TenantID:   tenantID,
				CustomerID: &customerID,
				Status:     models.CartStatusActive,
				Currency:   guest.Currency,
			}
			_, err = tx.ExecContext(ctx,
				"INSERT INTO carts (id, tenant_id, customer_id, status, currency, version) VALUES ($1, $2, $3, $4, $5, 1)",
				target.ID, target.TenantID, target.CustomerID, target.Status, target.Currency)
			if isUniqueViolation(err) {
				return apperr.Conflict("customer cart created concurrently", err)
			}
			if err != nil {
				return err
			}
		case err != nil:
			return err
		}

		if target.Currency != guest.Currency {
			return apperr.Validation("guest cart currency differs from customer cart")
		}
		if err := lockPendingOrders(ctx, tx, guest.ID); err != nil {
			return err
		}
		if err := lockPendingOrders(ctx, tx, target.ID); err != nil {
			return err
		}

		items, err := loadCartItems(ctx, tx, guest.ID)
		if err != nil {
			return err
		}
		for _, item := range items {
			if err := upsertItem(ctx, tx, target.ID, item); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx,
			"UPDATE carts SET status = 'converted', version = version + 1, updated_at = NOW() WHERE id = $1",
			guest.ID); err != nil {
			return err
		}
		if err := touchCart(ctx, tx, target.ID); err != nil {
			return err
		}

		merged, err = getCart(ctx, tx, tenantID, target.ID)
		return err
	})
	return merged, err
}

// MarkCartConverted moves an active cart to converted on behalf of the order
// that paid for it. Repeating the call for the same order is a no-op; a cart
// converted by anything else is reported as InvalidState.
func (s *Store) MarkCartConverted(ctx context.Context, tenantID, cartID, orderID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE carts SET status = 'converted', converted_order_id = $3, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND tenant_id = $2 AND status = 'active'`,
		cartID, tenantID, orderID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	var current models.Cart
	err = s.db.GetContext(ctx, &current, "SELECT * FROM carts WHERE id = $1 AND tenant_id = $2", cartID, tenantID)
	if isNoRows(err) {
		return apperr.NotFound("cart")
	}
	if err != nil {
		return err
	}
	return convertedBy(&current, orderID)
}

// AbandonCart moves an active cart to abandoned
func (s *Store) AbandonCart(ctx context.Context, tenantID, cartID string) (*models.Cart, error) {
	var cart *models.Cart
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := lockMutableCart(ctx, tx, tenantID, cartID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE carts SET status = 'abandoned', version = version + 1, updated_at = NOW() WHERE id = $1",
			cartID); err != nil {
			return err
		}

		var err error
		cart, err = getCart(ctx, tx, tenantID, cartID)
		return err
	})
	return cart, err
}

// ListStaleCarts returns active carts untouched since idleSince
func (s *Store) ListStaleCarts(ctx context.Context, idleSince time.Time, limit int) ([]models.Cart, error) {
	var carts []models.Cart
	err := s.db.SelectContext(ctx, &carts,
		"SELECT * FROM carts WHERE status = 'active' AND updated_at < $1 ORDER BY updated_at LIMIT $2",
		idleSince, limit)
	return carts, err
}

// ExpireCart expires a cart only if nobody touched it since version was read
func (s *Store) ExpireCart(ctx context.Context, tenantID, cartID string, version int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE carts SET status = 'expired', version = version + 1, updated_at = NOW()
		WHERE id = $1 AND tenant_id = $2 AND status = 'active' AND version = $3
			AND NOT EXISTS (
				SELECT 1 FROM orders o
				WHERE o.cart_id = carts.id AND o.status = 'pending' AND o.payment_status = 'processing'
			)`,
		cartID, tenantID, version)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func ownerColumn(owner models.CartOwner) (string, string) {
	if owner.IsCustomer() {
		return "customer_id", owner.CustomerID
	}
	return "session_id", owner.SessionID
}

func getCart(ctx context.Context, q sqlx.QueryerContext, tenantID, cartID string) (*models.Cart, error) {
	var cart models.Cart
	err := sqlx.GetContext(ctx, q, &cart, "SELECT * FROM carts WHERE id = $1 AND tenant_id = $2", cartID, tenantID)
	if isNoRows(err) {
		return nil, apperr.NotFound("cart")
	}
	if err != nil {
		return nil, err
	}
	if cart.Items, err = loadCartItems(ctx, q, cart.ID); err != nil {
		return nil, err
	}
	return &cart, nil
}

func loadCartItems(ctx context.Context, q sqlx.QueryerContext, cartID string) ([]models.CartItem, error) {
	items := []models.CartItem{}
	err := sqlx.SelectContext(ctx, q, &items,
		"SELECT * FROM cart_items WHERE cart_id = $1 ORDER BY added_at, id", cartID)
	return items, err
}

// lockActiveCart row-locks the cart and rejects mutation of a terminal cart
func lockActiveCart(ctx context.Context, tx *sqlx.Tx, tenantID, cartID string) error {
	var status string
	err := tx.GetContext(ctx, &status,
		"SELECT status FROM carts WHERE id = $1 AND tenant_id = $2 FOR UPDATE", cartID, tenantID)
	if isNoRows(err) {
		return apperr.NotFound("cart")
	}
	if err != nil {
		return err
	}
	if status != models.CartStatusActive {
		return apperr.InvalidState(fmt.Sprintf("cart is %s", status))
	}
	return nil
}

// lockMutableCart is lockActiveCart that also refuses carts whose checkout
// payment is in flight
func lockMutableCart(ctx context.Context, tx *sqlx.Tx, tenantID, cartID string) error {
	if err := lockActiveCart(ctx, tx, tenantID, cartID); err != nil {
		return err
	}
	return lockPendingOrders(ctx, tx, cartID)
}

// lockPendingOrders row-locks the cart's pending orders and fails while one of
// them is being charged
func lockPendingOrders(ctx context.Context, tx *sqlx.Tx, cartID string) error {
	var paymentStatuses []string
	if err := tx.SelectContext(ctx, &paymentStatuses,
		"SELECT payment_status FROM orders WHERE cart_id = $1 AND status = 'pending' FOR UPDATE",
		cartID); err != nil {
		return err
	}
	for _, ps := range paymentStatuses {
		if ps == models.PaymentStatusProcessing {
			return apperr.InvalidState("payment for this cart is in progress")
		}
	}
	return nil
}

func convertedBy(cart *models.Cart, orderID string) error {
	if cart.Status != models.CartStatusConverted {
		return apperr.InvalidState(fmt.Sprintf("cart is %s", cart.Status))
	}
	if cart.ConvertedOrderID == nil || *cart.ConvertedOrderID != orderID {
		return apperr.InvalidState("cart was converted by another order")
	}
	return nil
}

func upsertItem(ctx context.Context, tx *sqlx.Tx, cartID string, item models.CartItem) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO cart_items (id, cart_id, product_id, variant_id, category_id, quantity, unit_price)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (cart_id, product_id, variant_id)
		DO UPDATE SET quantity = cart_items.quantity + EXCLUDED.quantity`,
		uuid.New().String(), cartID, item.ProductID, item.VariantID, item.CategoryID, item.Quantity, item.UnitPrice)
	return err
}

func touchCart(ctx context.Context, tx *sqlx.Tx, cartID string) error {
	_, err := tx.ExecContext(ctx,
		"UPDATE carts SET version = version + 1, updated_at = NOW() WHERE id = $1", cartID)
	return err
}
