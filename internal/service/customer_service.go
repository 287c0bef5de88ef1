package service

import (
	"context"
	"net/mail"
	"strings"
	"time"

	"storefront-commerce/internal/apperr"
	"storefront-commerce/internal/models"
	"storefront-commerce/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const customerWriteAttempts = 10

// CustomerService manages customer records. Every mutation is a function of
// the stored record applied with a version compare-and-swap, so concurrent
// edits from two tabs are both kept.
type CustomerService struct {
	repo   CustomerRepository
	now    func() time.Time
	logger *zap.Logger
}

// NewCustomerService creates a new customer service
func NewCustomerService(repo CustomerRepository) *CustomerService {
	return &CustomerService{
		repo:   repo,
		now:    time.Now,
		logger: util.GetLogger(),
	}
}

// EnsureCustomer returns the tenant's customer for email, creating it if needed
func (cs *CustomerService) EnsureCustomer(ctx context.Context, tenantID, email string, userID *string) (customer *models.Customer, err error) {
	ctx, span := util.StartSpan(ctx, "CustomerService.EnsureCustomer", tenantID)
	defer func() { util.EndSpan(span, err) }()

	email = strings.TrimSpace(email)
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, apperr.Validation("email is invalid")
	}
	if userID != nil && *userID == "" {
		userID = nil
	}

	return cs.repo.EnsureCustomer(ctx, &models.Customer{
		ID:       uuid.New().String(),
		TenantID: tenantID,
		Email:    email,
		UserID:   userID,
	})
}

// GetCustomer returns a customer record
func (cs *CustomerService) GetCustomer(ctx context.Context, tenantID, customerID string) (*models.Customer, error) {
	return cs.repo.GetCustomer(ctx, tenantID, customerID)
}

// Mutate applies fn to the current record and writes it back only if nobody
// else wrote in between. A lost race re-reads and re-applies fn.
func (cs *CustomerService) Mutate(ctx context.Context, tenantID, customerID string, fn models.CustomerMutation) (customer *models.Customer, err error) {
	ctx, span := util.StartSpan(ctx, "CustomerService.Mutate", tenantID)
	defer func() { util.EndSpan(span, err) }()

	for attempt := 0; attempt < customerWriteAttempts; attempt++ {
		customer, err = cs.repo.GetCustomer(ctx, tenantID, customerID)
		if err != nil {
			return nil, err
		}

		expected := customer.Version
		changed, err := fn(customer)
		if err != nil {
			return nil, err
		}
		if !changed {
			return customer, nil
		}

		ok, err := cs.repo.UpdateCustomerIfVersion(ctx, customer, expected)
		if err != nil {
			return nil, err
		}
		if ok {
			return customer, nil
		}

		util.CustomerWriteConflictsTotal.Inc()
		cs.logger.Debug("Customer record changed concurrently, retrying",
			zap.String("customer_id", customerID),
			zap.Int("attempt", attempt+1))
	}
	return nil, apperr.Conflict("customer record is busy", nil)
}

// AddToWishlist is a no-op when the product is already listed
func (cs *CustomerService) AddToWishlist(ctx context.Context, tenantID, customerID, productID string) (*models.Customer, error) {
	if productID == "" {
		return nil, apperr.Validation("product id is required")
	}
	return cs.Mutate(ctx, tenantID, customerID, func(c *models.Customer) (bool, error) {
		return c.AddToWishlist(productID, cs.now()), nil
	})
}

func (cs *CustomerService) RemoveFromWishlist(ctx context.Context, tenantID, customerID, productID string) (*models.Customer, error) {
	return cs.Mutate(ctx, tenantID, customerID, func(c *models.Customer) (bool, error) {
		return c.RemoveFromWishlist(productID), nil
	})
}

// UpsertAddress saves addr. Marking it default clears the flag on every other
// address in the same write.
func (cs *CustomerService) UpsertAddress(ctx context.Context, tenantID, customerID string, addr models.SavedAddress) (*models.Customer, models.SavedAddress, error) {
	if err := validateAddress(addr.Address); err != nil {
		return nil, models.SavedAddress{}, err
	}

	var saved models.SavedAddress
	customer, err := cs.Mutate(ctx, tenantID, customerID, func(c *models.Customer) (bool, error) {
		if addr.ID != "" && !hasAddress(c, addr.ID) {
			return false, apperr.NotFound("address")
		}
		saved = c.UpsertAddress(addr)
		return true, nil
	})
	if err != nil {
		return nil, models.SavedAddress{}, err
	}
	return customer, saved, nil
}

func (cs *CustomerService) RemoveAddress(ctx context.Context, tenantID, customerID, addressID string) (*models.Customer, error) {
	return cs.Mutate(ctx, tenantID, customerID, func(c *models.Customer) (bool, error) {
		return c.RemoveAddress(addressID), nil
	})
}

// AppendOrderSummary records a placed order on the customer's history.
// Appending the same order twice keeps a single entry. Guest orders whose
// customer id has no record are skipped.
func (cs *CustomerService) AppendOrderSummary(ctx context.Context, tenantID, customerID string, summary models.OrderSummary) error {
	_, err := cs.Mutate(ctx, tenantID, customerID, func(c *models.Customer) (bool, error) {
		return c.AppendOrderSummary(summary), nil
	})
	if apperr.IsNotFound(err) {
		cs.logger.Warn("No customer record for order history",
			zap.String("tenant_id", tenantID),
			zap.String("customer_id", customerID),
			zap.String("order_id", summary.OrderID))
		return nil
	}
	return err
}

func hasAddress(c *models.Customer, id string) bool {
	for _, a := range c.Addresses {
		if a.ID == id {
			return true
		}
	}
	return false
}

func validateAddress(a models.Address) error {
	switch {
	case strings.TrimSpace(a.Name) == "":
		return apperr.Validation("address name is required")
	case strings.TrimSpace(a.Line1) == "":
		return apperr.Validation("address line1 is required")
	case strings.TrimSpace(a.City) == "":
		return apperr.Validation("address city is required")
	case strings.TrimSpace(a.PostalCode) == "":
		return apperr.Validation("address postal_code is required")
	case strings.TrimSpace(a.Country) == "":
		return apperr.Validation("address country is required")
	}
	return nil
}
