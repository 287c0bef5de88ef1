package store

import (
	"context"
	"strings"

	"storefront-commerce/internal/apperr"
	"storefront-commerce/internal/models"
)

// EnsureCustomer returns the record for (tenant, email), creating it when
// absent. A supplied user id is linked only if the record has none yet.
func (s *Store) EnsureCustomer(ctx context.Context, c *models.Customer) (*models.Customer, error) {
	var out models.Customer
	err := s.db.GetContext(ctx, &out, `
		INSERT INTO customers (id, tenant_id, email, user_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, email)
		DO UPDATE SET user_id = COALESCE(customers.user_id, EXCLUDED.user_id),
			version = customers.version + CASE WHEN customers.user_id IS NULL AND EXCLUDED.user_id IS NOT NULL THEN 1 ELSE 0 END,
			updated_at = NOW()
		RETURNING *`,
		c.ID, c.TenantID, strings.ToLower(c.Email), c.UserID)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetCustomer retrieves a customer record with its collections
func (s *Store) GetCustomer(ctx context.Context, tenantID, customerID string) (*models.Customer, error) {
	var c models.Customer
	err := s.db.GetContext(ctx, &c, "SELECT * FROM customers WHERE id = $1 AND tenant_id = $2", customerID, tenantID)
	if isNoRows(err) {
		return nil, apperr.NotFound("customer")
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// UpdateCustomerIfVersion writes the collections only if the row still has
// expectedVersion. It reports false when another writer got there first.
func (s *Store) UpdateCustomerIfVersion(ctx context.Context, c *models.Customer, expectedVersion int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE customers SET wishlist = $1, addresses = $2, orders = $3, user_id = $4,
			version = version + 1, updated_at = NOW()
		WHERE id = $5 AND tenant_id = $6 AND version = $7`,
		c.Wishlist, c.Addresses, c.Orders, c.UserID, c.ID, c.TenantID, expectedVersion)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		c.Version = expectedVersion + 1
	}
	return n == 1, nil
}
