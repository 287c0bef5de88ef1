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

const cartCreateAttempts = 3

// CartService owns the active-cart lifecycle
type CartService struct {
	repo    CartRepository
	catalog *CatalogClient
	logger  *zap.Logger
}

// NewCartService creates a new cart service
func NewCartService(repo CartRepository, catalog *CatalogClient) *CartService {
	return &CartService{
		repo:    repo,
		catalog: catalog,
		logger:  util.GetLogger(),
	}
}

// GetActiveCart returns the owner's active cart, or a not-found error
func (cs *CartService) GetActiveCart(ctx context.Context, tenantID string, owner models.CartOwner) (*models.Cart, error) {
	if !owner.Valid() {
		return nil, apperr.Validation("exactly one of customer or session is required")
	}
	return cs.repo.GetActiveCart(ctx, tenantID, owner)
}

// GetOrCreateActiveCart returns the single active cart for owner, creating one
// if absent. A lost insert race is resolved by re-reading the winner's cart.
func (cs *CartService) GetOrCreateActiveCart(ctx context.Context, tenantID string, owner models.CartOwner, currency string) (cart *models.Cart, err error) {
	ctx, span := util.StartSpan(ctx, "CartService.GetOrCreateActiveCart", tenantID)
	defer func() { util.EndSpan(span, err) }()

	if !owner.Valid() {
		return nil, apperr.Validation("exactly one of customer or session is required")
	}

	for attempt := 0; attempt < cartCreateAttempts; attempt++ {
		cart, err = cs.repo.GetActiveCart(ctx, tenantID, owner)
		if err == nil {
			return cart, nil
		}
		if !apperr.IsNotFound(err) {
			return nil, err
		}

		cart = &models.Cart{
			ID:       uuid.New().String(),
			TenantID: tenantID,
			Status:   models.CartStatusActive,
			Currency: currency,
			Items:    []models.CartItem{},
		}
		if owner.IsCustomer() {
			cart.CustomerID = &owner.CustomerID
		} else {
			cart.SessionID = &owner.SessionID
		}

		err = cs.repo.CreateCart(ctx, cart)
		if err == nil {
			util.CartsCreatedTotal.Inc()
			return cart, nil
		}
		if !apperr.IsConflict(err) {
			return nil, err
		}
		cs.logger.Debug("Active cart created concurrently, re-reading",
			zap.String("tenant_id", tenantID),
			zap.Int("attempt", attempt+1))
	}
	return nil, apperr.Conflict("could not settle on a single active cart", err)
}

// AddItem looks the product up in the catalog, snapshots its current price and
// adds qty to the owner's active cart
func (cs *CartService) AddItem(ctx context.Context, tenantID string, owner models.CartOwner, productID, variantID string, qty int) (*models.Cart, error) {
	if qty < 1 {
		return nil, apperr.Validation("quantity must be a positive integer")
	}

	entry, err := cs.catalog.Lookup(ctx, tenantID, productID, variantID)
	if err != nil {
		return nil, err
	}

	cart, err := cs.GetOrCreateActiveCart(ctx, tenantID, owner, entry.Currency)
	if err != nil {
		return nil, err
	}
	if cart.Currency != entry.Currency {
		return nil, apperr.Validation("product currency differs from cart currency")
	}

	return cs.UpsertItem(ctx, tenantID, cart.ID, models.CartItem{
		ProductID:  productID,
		VariantID:  variantID,
		CategoryID: entry.CategoryID,
		Quantity:   qty,
		UnitPrice:  entry.Price,
	})
}

// UpsertItem increments the quantity of an existing (product, variant) line or
// appends a new one. The unit price is captured now and never re-validated.
func (cs *CartService) UpsertItem(ctx context.Context, tenantID, cartID string, item models.CartItem) (cart *models.Cart, err error) {
	ctx, span := util.StartSpan(ctx, "CartService.UpsertItem", tenantID)
	defer func() { util.EndSpan(span, err) }()

	if item.ProductID == "" {
		return nil, apperr.Validation("product id is required")
	}
	if item.Quantity < 1 {
		return nil, apperr.Validation("quantity must be a positive integer")
	}
	if item.UnitPrice < 0 {
		return nil, apperr.Validation("unit price must not be negative")
	}
	return cs.repo.UpsertCartItem(ctx, tenantID, cartID, item)
}

// SetQuantity overwrites a line's quantity. Zero removes the line.
func (cs *CartService) SetQuantity(ctx context.Context, tenantID, cartID, productID, variantID string, qty int) (cart *models.Cart, err error) {
	ctx, span := util.StartSpan(ctx, "CartService.SetQuantity", tenantID)
	defer func() { util.EndSpan(span, err) }()

	if qty < 0 {
		return nil, apperr.Validation("quantity must not be negative")
	}
	return cs.repo.SetCartItemQuantity(ctx, tenantID, cartID, productID, variantID, qty)
}

// RemoveItem deletes a line
func (cs *CartService) RemoveItem(ctx context.Context, tenantID, cartID, productID, variantID string) (*models.Cart, error) {
	return cs.SetQuantity(ctx, tenantID, cartID, productID, variantID, 0)
}

// MergeGuestCartIntoCustomer moves a session's basket to a customer. Lines are
// unioned into the customer's active cart and the guest cart ends converted.
// Without a guest cart it returns the customer's active cart unchanged.
func (cs *CartService) MergeGuestCartIntoCustomer(ctx context.Context, tenantID, sessionID, customerID string) (cart *models.Cart, err error) {
	ctx, span := util.StartSpan(ctx, "CartService.MergeGuestCartIntoCustomer", tenantID)
	defer func() { util.EndSpan(span, err) }()

	if sessionID == "" || customerID == "" {
		return nil, apperr.Validation("session and customer are both required to merge")
	}

	for attempt := 0; attempt < cartCreateAttempts; attempt++ {
		cart, err = cs.repo.MergeGuestCart(ctx, tenantID, sessionID, customerID, uuid.New().String())
		switch {
		case err == nil:
			util.CartsMergedTotal.Inc()
			cs.logger.Info("Guest cart merged",
				zap.String("tenant_id", tenantID),
				zap.String("customer_id", customerID),
				zap.String("cart_id", cart.ID))
			return cart, nil
		case apperr.IsNotFound(err):
			return cs.repo.GetActiveCart(ctx, tenantID, models.CartOwner{CustomerID: customerID})
		case !apperr.IsConflict(err):
			return nil, err
		}
	}
	return nil, apperr.Conflict("could not merge guest cart", err)
}

// MarkConverted is the checkout-success transition out of active, recorded
// against the order that paid for the cart
func (cs *CartService) MarkConverted(ctx context.Context, tenantID, cartID, orderID string) error {
	return cs.repo.MarkCartConverted(ctx, tenantID, cartID, orderID)
}

// AbandonCart closes an active cart at its owner's request. The owner's next
// add opens a fresh cart.
func (cs *CartService) AbandonCart(ctx context.Context, tenantID, cartID string) (cart *models.Cart, err error) {
	ctx, span := util.StartSpan(ctx, "CartService.AbandonCart", tenantID)
	defer func() { util.EndSpan(span, err) }()

	cart, err = cs.repo.AbandonCart(ctx, tenantID, cartID)
	if err != nil {
		return nil, err
	}
	util.CartsAbandonedTotal.Inc()
	cs.logger.Info("Cart abandoned",
		zap.String("tenant_id", tenantID),
		zap.String("cart_id", cartID))
	return cart, nil
}

// ExpireStaleCarts expires active carts idle for longer than ttl. A cart that
// is touched between the scan and the update keeps its active status.
func (cs *CartService) ExpireStaleCarts(ctx context.Context, ttl time.Duration, limit int) (int, error) {
	carts, err := cs.repo.ListStaleCarts(ctx, time.Now().Add(-ttl), limit)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, cart := range carts {
		ok, err := cs.repo.ExpireCart(ctx, cart.TenantID, cart.ID, cart.Version)
		if err != nil {
			cs.logger.Error("Failed to expire cart", zap.String("cart_id", cart.ID), zap.Error(err))
			continue
		}
		if ok {
			expired++
			util.CartsExpiredTotal.Inc()
		}
	}
	return expired, nil
}
