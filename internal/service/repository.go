package service

import (
	"context"
	"time"

	"storefront-commerce/internal/models"
)

// CatalogRepository reads current catalog prices and stock flags
type CatalogRepository interface {
	GetCatalogEntry(ctx context.Context, tenantID, productID, variantID string) (*models.CatalogEntry, error)
}

// CartRepository persists carts. Mutations of a non-active cart, or of a cart
// whose checkout payment is in flight, fail with an invalid-state error.
type CartRepository interface {
	GetActiveCart(ctx context.Context, tenantID string, owner models.CartOwner) (*models.Cart, error)
	CreateCart(ctx context.Context, cart *models.Cart) error
	GetCart(ctx context.Context, tenantID, cartID string) (*models.Cart, error)
	UpsertCartItem(ctx context.Context, tenantID, cartID string, item models.CartItem) (*models.Cart, error)
	SetCartItemQuantity(ctx context.Context, tenantID, cartID, productID, variantID string, qty int) (*models.Cart, error)
	MergeGuestCart(ctx context.Context, tenantID, sessionID, customerID, newCartID string) (*models.Cart, error)
	MarkCartConverted(ctx context.Context, tenantID, cartID, orderID string) error
	AbandonCart(ctx context.Context, tenantID, cartID string) (*models.Cart, error)
	ListStaleCarts(ctx context.Context, idleSince time.Time, limit int) ([]models.Cart, error)
	ExpireCart(ctx context.Context, tenantID, cartID string, version int64) (bool, error)
}

// OrderRepository persists orders. Every status change is a guarded update.
type OrderRepository interface {
	CreatePendingOrder(ctx context.Context, order *models.Order) error
	GetOrder(ctx context.Context, tenantID, orderID string) (*models.Order, error)
	ListCustomerOrders(ctx context.Context, tenantID, customerID string) ([]models.Order, error)
	ClaimPayment(ctx context.Context, tenantID, orderID, method string) (*models.Order, error)
	RecordAuthorization(ctx context.Context, tenantID, orderID, reference string) error
	FailPayment(ctx context.Context, tenantID, orderID string) error
	ConfirmOrder(ctx context.Context, tenantID, orderID, paymentStatus string) (*models.Order, bool, error)
	TransitionOrder(ctx context.Context, tenantID, orderID, fromStatus, toStatus, fromPayment, toPayment string) (*models.Order, error)
	ListStalePaymentClaims(ctx context.Context, before time.Time, limit int) ([]models.Order, error)
}

// DiscountRepository reads discounts and performs atomic redemptions
type DiscountRepository interface {
	GetDiscountByCode(ctx context.Context, tenantID, code string) (*models.Discount, error)
	CountCustomerRedemptions(ctx context.Context, discountID, customerID string) (int64, error)
	Redeem(ctx context.Context, tenantID string, r models.Redemption) (bool, error)
	ReleaseRedemption(ctx context.Context, tenantID, discountID, orderID string) (bool, error)
}

// CustomerRepository persists customer records with optimistic versioning
type CustomerRepository interface {
	EnsureCustomer(ctx context.Context, c *models.Customer) (*models.Customer, error)
	GetCustomer(ctx context.Context, tenantID, customerID string) (*models.Customer, error)
	UpdateCustomerIfVersion(ctx context.Context, c *models.Customer, expectedVersion int64) (bool, error)
}

// Repository is everything the commerce core persists
type Repository interface {
	CatalogRepository
	CartRepository
	OrderRepository
	DiscountRepository
	CustomerRepository
	Ping(ctx context.Context) error
	Close() error
}

// EventPublisher publishes domain events
type EventPublisher interface {
	PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error
	PublishOrderConfirmed(ctx context.Context, event *models.OrderConfirmedEvent) error
	PublishOrderStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error
	PublishPaymentFailed(ctx context.Context, event *models.PaymentFailedEvent) error
	PublishFinalizeRequested(ctx context.Context, event *models.FinalizeRequestedEvent) error
}

// IdempotencyStore remembers the outcome of a request key for a while
type IdempotencyStore interface {
	ReserveIdempotencyKey(ctx context.Context, key string, ttl time.Duration) (bool, error)
	GetIdempotencyKey(ctx context.Context, key string) (string, bool, error)
	SetIdempotencyKey(ctx context.Context, key, value string, ttl time.Duration) error
	DeleteIdempotencyKey(ctx context.Context, key string) error
}
