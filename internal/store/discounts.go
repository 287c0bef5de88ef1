package store

import (
	"context"
	"strings"
	"time"

	"storefront-commerce/internal/apperr"
	"storefront-commerce/internal/models"

	"github.com/jmoiron/sqlx"
)

// GetDiscountByCode retrieves a tenant's discount by its case-insensitive code
func (s *Store) GetDiscountByCode(ctx context.Context, tenantID, code string) (*models.Discount, error) {
	var d models.Discount
	err := s.db.GetContext(ctx, &d,
		"SELECT * FROM discounts WHERE tenant_id = $1 AND UPPER(code) = $2",
		tenantID, strings.ToUpper(code))
	if isNoRows(err) {
		return nil, apperr.NotFound("discount")
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// CountCustomerRedemptions counts the orders a customer has redeemed a discount on
func (s *Store) CountCustomerRedemptions(ctx context.Context, discountID, customerID string) (int64, error) {
	var n int64
	err := s.db.GetContext(ctx, &n,
		"SELECT COUNT(*) FROM discount_redemptions WHERE discount_id = $1 AND customer_id = $2",
		discountID, customerID)
	return n, err
}

// Redeem consumes one use of a discount for an order. The discount row is
// locked for the duration, so the active flag, validity window, limit checks
// and the increment are evaluated atomically.
// Redeeming the same (discount, order) twice reports false without error.
func (s *Store) Redeem(ctx context.Context, tenantID string, r models.Redemption) (bool, error) {
	redeemed := false
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var d models.Discount
		err := tx.GetContext(ctx, &d,
			"SELECT * FROM discounts WHERE id = $1 AND tenant_id = $2 FOR UPDATE", r.DiscountID, tenantID)
		if isNoRows(err) {
			return apperr.NotFound("discount")
		}
		if err != nil {
			return err
		}

		var exists bool
		if err := tx.GetContext(ctx, &exists,
			"SELECT EXISTS(SELECT 1 FROM discount_redemptions WHERE discount_id = $1 AND order_id = $2)",
			r.DiscountID, r.OrderID); err != nil {
			return err
		}
		if exists {
			return nil
		}

		if reason := d.Unavailable(time.Now()); reason != "" {
			return apperr.Validation(reason)
		}
		if d.UsageLimit != nil && d.UsedCount >= *d.UsageLimit {
			return apperr.Validation(models.DiscountReasonUsageExhausted)
		}
		if d.PerCustomerLimit != nil {
			var used int64
			if err := tx.GetContext(ctx, &used,
				"SELECT COUNT(*) FROM discount_redemptions WHERE discount_id = $1 AND customer_id = $2",
				r.DiscountID, r.CustomerID); err != nil {
				return err
			}
			if used >= *d.PerCustomerLimit {
				return apperr.Validation(models.DiscountReasonCustomerExceeded)
			}
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO discount_redemptions (discount_id, order_id, customer_id) VALUES ($1, $2, $3)",
			r.DiscountID, r.OrderID, r.CustomerID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE discounts SET used_count = used_count + 1 WHERE id = $1", r.DiscountID); err != nil {
			return err
		}
		redeemed = true
		return nil
	})
	return redeemed, err
}

// ReleaseRedemption gives back the use consumed by an order. Releasing a
// redemption that does not exist is a no-op.
func (s *Store) ReleaseRedemption(ctx context.Context, tenantID, discountID, orderID string) (bool, error) {
	released := false
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM discount_redemptions r USING discounts d
			WHERE r.discount_id = d.id AND d.tenant_id = $1 AND r.discount_id = $2 AND r.order_id = $3`,
			tenantID, discountID, orderID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE discounts SET used_count = used_count - 1 WHERE id = $1 AND used_count > 0", discountID); err != nil {
			return err
		}
		released = true
		return nil
	})
	return released, err
}
