// Package memory keeps the commerce tables in process memory. It honours the
// same atomicity contracts as the Postgres store: every exported method holds
// the store lock for its whole read-check-write.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"storefront-commerce/internal/apperr"
	"storefront-commerce/internal/models"

	"github.com/google/uuid"
)

type Store struct {
	mu          sync.Mutex
	now         func() time.Time
	products    map[string]models.CatalogEntry
	carts       map[string]*models.Cart
	orders      map[string]*models.Order
	sequences   map[string]int64
	customers   map[string]*models.Customer
	discounts   map[string]*models.Discount
	redemptions map[string]models.Redemption
}

// New creates an empty store
func New() *Store {
	return &Store{
		now:         time.Now,
		products:    map[string]models.CatalogEntry{},
		carts:       map[string]*models.Cart{},
		orders:      map[string]*models.Order{},
		sequences:   map[string]int64{},
		customers:   map[string]*models.Customer{},
		discounts:   map[string]*models.Discount{},
		redemptions: map[string]models.Redemption{},
	}
}

// SetClock overrides the time source
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) Ping(ctx context.Context) error { return nil }

func (s *Store) Close() error { return nil }

func productKey(tenantID, productID, variantID string) string {
	return tenantID + "/" + productID + "/" + variantID
}

func redemptionKey(discountID, orderID string) string {
	return discountID + "/" + orderID
}

// PutProduct inserts or replaces a catalog entry
func (s *Store) PutProduct(entry models.CatalogEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[productKey(entry.TenantID, entry.ProductID, entry.VariantID)] = entry
}

// PutDiscount inserts or replaces a discount. Codes are unique per tenant
// regardless of case, so a discount whose code matches an existing one
// replaces it.
func (s *Store) PutDiscount(d models.Discount) *models.Discount {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, existing := range s.discounts {
		if existing.TenantID == d.TenantID && strings.EqualFold(existing.Code, d.Code) {
			d.ID = id
		}
	}
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.ApplicableTo == "" {
		d.ApplicableTo = models.ApplicableToAll
	}
	d.CreatedAt = s.now()
	s.discounts[d.ID] = &d
	out := d
	return &out
}

func (s *Store) GetCatalogEntry(ctx context.Context, tenantID, productID, variantID string) (*models.CatalogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.products[productKey(tenantID, productID, variantID)]
	if !ok {
		return nil, apperr.NotFound("product")
	}
	return &entry, nil
}

// Carts

func (s *Store) GetActiveCart(ctx context.Context, tenantID string, owner models.CartOwner) (*models.Cart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.activeCart(tenantID, owner); c != nil {
		return cloneCart(c), nil
	}
	return nil, apperr.NotFound("cart")
}

func (s *Store) CreateCart(ctx context.Context, cart *models.Cart) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	owner := models.CartOwner{CustomerID: deref(cart.CustomerID), SessionID: deref(cart.SessionID)}
	if cart.Status == models.CartStatusActive && s.activeCart(cart.TenantID, owner) != nil {
		return apperr.Conflict("active cart already exists", nil)
	}

	now := s.now()
	cart.Version = 1
	cart.CreatedAt = now
	cart.UpdatedAt = now
	if cart.Items == nil {
		cart.Items = []models.CartItem{}
	}
	s.carts[cart.ID] = cloneCart(cart)
	return nil
}

func (s *Store) GetCart(ctx context.Context, tenantID, cartID string) (*models.Cart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.carts[cartID]
	if !ok || c.TenantID != tenantID {
		return nil, apperr.NotFound("cart")
	}
	return cloneCart(c), nil
}

func (s *Store) UpsertCartItem(ctx context.Context, tenantID, cartID string, item models.CartItem) (*models.Cart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.lockMutableCart(tenantID, cartID)
	if err != nil {
		return nil, err
	}
	s.upsertItem(c, item)
	s.touch(c)
	return cloneCart(c), nil
}

func (s *Store) SetCartItemQuantity(ctx context.Context, tenantID, cartID, productID, variantID string, qty int) (*models.Cart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.lockMutableCart(tenantID, cartID)
	if err != nil {
		return nil, err
	}

	idx := -1
	for i := range c.Items {
		if c.Items[i].SameLine(productID, variantID) {
			idx = i
			break
		}
	}
	switch {
	case qty <= 0:
		if idx >= 0 {
			c.Items = append(c.Items[:idx:idx], c.Items[idx+1:]...)
		}
	case idx < 0:
		return nil, apperr.NotFound("cart item")
	default:
		c.Items[idx].Quantity = qty
	}
	s.touch(c)
	return cloneCart(c), nil
}

func (s *Store) MergeGuestCart(ctx context.Context, tenantID, sessionID, customerID, newCartID string) (*models.Cart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	guest := s.activeCart(tenantID, models.CartOwner{SessionID: sessionID})
	if guest == nil {
		return nil, apperr.NotFound("guest cart")
	}
	target := s.activeCart(tenantID, models.CartOwner{CustomerID: customerID})
	if target != nil && target.Currency != guest.Currency {
		return nil, apperr.Validation("guest cart currency differs from customer cart")
	}
	if s.paymentInFlight(guest.ID) || (target != nil && s.paymentInFlight(target.ID)) {
		return nil, apperr.InvalidState("payment for this cart is in progress")
	}
	if target == nil {
		now := s.now()
		cid := customerID
		target = &models.Cart{
			ID:         newCartID,
			TenantID:   tenantID,
			CustomerID: &cid,
			Status:     models.CartStatusActive,
			Currency:   guest.Currency,
			Version:    1,
			Items:      []models.CartItem{},
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		s.carts[target.ID] = target
	}

	for _, item := range guest.Items {
		s.upsertItem(target, item)
	}
	guest.Status = models.CartStatusConverted
	s.touch(guest)
	s.touch(target)
	return cloneCart(target), nil
}

func (s *Store) MarkCartConverted(ctx context.Context, tenantID, cartID, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.carts[cartID]
	if !ok || c.TenantID != tenantID {
		return apperr.NotFound("cart")
	}
	switch c.Status {
	case models.CartStatusActive:
		id := orderID
		c.Status = models.CartStatusConverted
		c.ConvertedOrderID = &id
		s.touch(c)
		return nil
	case models.CartStatusConverted:
		if deref(c.ConvertedOrderID) != orderID {
			return apperr.InvalidState("cart was converted by another order")
		}
		return nil
	default:
		return apperr.InvalidState(fmt.Sprintf("cart is %s", c.Status))
	}
}

func (s *Store) AbandonCart(ctx context.Context, tenantID, cartID string) (*models.Cart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.lockMutableCart(tenantID, cartID)
	if err != nil {
		return nil, err
	}
	c.Status = models.CartStatusAbandoned
	s.touch(c)
	return cloneCart(c), nil
}

func (s *Store) ListStaleCarts(ctx context.Context, idleSince time.Time, limit int) ([]models.Cart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Cart
	for _, c := range s.carts {
		if c.IsActive() && c.UpdatedAt.Before(idleSince) {
			out = append(out, *cloneCart(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ExpireCart(ctx context.Context, tenantID, cartID string, version int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.carts[cartID]
	if !ok || c.TenantID != tenantID || !c.IsActive() || c.Version != version || s.paymentInFlight(c.ID) {
		return false, nil
	}
	c.Status = models.CartStatusExpired
	s.touch(c)
	return true, nil
}

func (s *Store) activeCart(tenantID string, owner models.CartOwner) *models.Cart {
	for _, c := range s.carts {
		if c.TenantID != tenantID || !c.IsActive() {
			continue
		}
		if owner.IsCustomer() && deref(c.CustomerID) == owner.CustomerID {
			return c
		}
		if !owner.IsCustomer() && owner.SessionID != "" && deref(c.SessionID) == owner.SessionID {
			return c
		}
	}
	return nil
}

func (s *Store) lockActiveCart(tenantID, cartID string) (*models.Cart, error) {
	c, ok := s.carts[cartID]
	if !ok || c.TenantID != tenantID {
		return nil, apperr.NotFound("cart")
	}
	if !c.IsActive() {
		return nil, apperr.InvalidState(fmt.Sprintf("cart is %s", c.Status))
	}
	return c, nil
}

// lockMutableCart also refuses carts whose checkout payment is in flight
func (s *Store) lockMutableCart(tenantID, cartID string) (*models.Cart, error) {
	c, err := s.lockActiveCart(tenantID, cartID)
	if err != nil {
		return nil, err
	}
	if s.paymentInFlight(cartID) {
		return nil, apperr.InvalidState("payment for this cart is in progress")
	}
	return c, nil
}

func (s *Store) paymentInFlight(cartID string) bool {
	for _, o := range s.orders {
		if o.CartID == cartID && o.Status == models.OrderStatusPending && o.PaymentStatus == models.PaymentStatusProcessing {
			return true
		}
	}
	return false
}

func (s *Store) upsertItem(c *models.Cart, item models.CartItem) {
	item.ID = uuid.New().String()
	item.CartID = c.ID
	item.AddedAt = s.now()
	c.Items = models.MergeItems(c.Items, []models.CartItem{item})
}

func (s *Store) touch(c *models.Cart) {
	c.Version++
	c.UpdatedAt = s.now()
}

// Orders

func (s *Store) CreatePendingOrder(ctx context.Context, order *models.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.lockMutableCart(order.TenantID, order.CartID); err != nil {
		return err
	}

	now := s.now()
	for _, o := range s.orders {
		if o.CartID == order.CartID && o.Status == models.OrderStatusPending &&
			(o.PaymentStatus == models.PaymentStatusPending || o.PaymentStatus == models.PaymentStatusFailed) {
			o.Status = models.OrderStatusCancelled
			o.PaymentStatus = models.PaymentStatusCancelled
			o.UpdatedAt = now
		}
	}

	s.sequences[order.TenantID]++
	order.OrderNumber = s.sequences[order.TenantID]
	for _, o := range s.orders {
		if o.TenantID == order.TenantID && o.OrderNumber == order.OrderNumber {
			return apperr.Conflict("order number collision", nil)
		}
	}

	order.CreatedAt = now
	order.UpdatedAt = now
	for i := range order.Items {
		order.Items[i].ID = uuid.New().String()
		order.Items[i].OrderID = order.ID
	}
	s.orders[order.ID] = cloneOrder(order)
	return nil
}

func (s *Store) GetOrder(ctx context.Context, tenantID, orderID string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, err := s.order(tenantID, orderID)
	if err != nil {
		return nil, err
	}
	return cloneOrder(o), nil
}

func (s *Store) ListCustomerOrders(ctx context.Context, tenantID, customerID string) ([]models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.Order{}
	for _, o := range s.orders {
		if o.TenantID == tenantID && o.CustomerID == customerID {
			out = append(out, *cloneOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderNumber > out[j].OrderNumber })
	return out, nil
}

func (s *Store) ClaimPayment(ctx context.Context, tenantID, orderID, method string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, err := s.order(tenantID, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status != models.OrderStatusPending ||
		(o.PaymentStatus != models.PaymentStatusPending && o.PaymentStatus != models.PaymentStatusFailed) {
		return nil, apperr.InvalidState("order is " + o.Status + " with payment " + o.PaymentStatus)
	}
	if c, ok := s.carts[o.CartID]; !ok || !c.IsActive() || c.Version != o.CartVersion {
		return nil, apperr.InvalidState("cart changed, re-initiate checkout")
	}
	m := method
	o.PaymentStatus = models.PaymentStatusProcessing
	o.PaymentMethod = &m
	o.PaymentReference = nil
	o.UpdatedAt = s.now()
	return cloneOrder(o), nil
}

func (s *Store) RecordAuthorization(ctx context.Context, tenantID, orderID, reference string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, err := s.order(tenantID, orderID)
	if err != nil {
		return err
	}
	if o.PaymentStatus != models.PaymentStatusProcessing {
		return apperr.InvalidState("payment is not processing")
	}
	ref := reference
	o.PaymentReference = &ref
	o.UpdatedAt = s.now()
	return nil
}

func (s *Store) FailPayment(ctx context.Context, tenantID, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, err := s.order(tenantID, orderID)
	if err != nil {
		return err
	}
	if o.Status == models.OrderStatusPending && o.PaymentStatus == models.PaymentStatusProcessing {
		o.PaymentStatus = models.PaymentStatusFailed
		o.UpdatedAt = s.now()
	}
	return nil
}

func (s *Store) ConfirmOrder(ctx context.Context, tenantID, orderID, paymentStatus string) (*models.Order, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, err := s.order(tenantID, orderID)
	if err != nil {
		return nil, false, err
	}
	if o.Status == models.OrderStatusPending && o.PaymentStatus == models.PaymentStatusProcessing && o.PaymentReference != nil {
		now := s.now()
		o.Status = models.OrderStatusConfirmed
		o.PaymentStatus = paymentStatus
		o.ConfirmedAt = &now
		o.UpdatedAt = now
		return cloneOrder(o), true, nil
	}
	if o.ConfirmedAt != nil {
		return cloneOrder(o), false, nil
	}
	return nil, false, apperr.InvalidState("order is " + o.Status + " with payment " + o.PaymentStatus)
}

func (s *Store) TransitionOrder(ctx context.Context, tenantID, orderID, fromStatus, toStatus, fromPayment, toPayment string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, err := s.order(tenantID, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status != fromStatus || o.PaymentStatus != fromPayment {
		return nil, apperr.Conflict("order changed concurrently", nil)
	}
	o.Status = toStatus
	o.PaymentStatus = toPayment
	o.UpdatedAt = s.now()
	return cloneOrder(o), nil
}

func (s *Store) ListStalePaymentClaims(ctx context.Context, before time.Time, limit int) ([]models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.Order{}
	for _, o := range s.orders {
		if o.Status == models.OrderStatusPending && o.PaymentStatus == models.PaymentStatusProcessing && o.UpdatedAt.Before(before) {
			out = append(out, *cloneOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) order(tenantID, orderID string) (*models.Order, error) {
	o, ok := s.orders[orderID]
	if !ok || o.TenantID != tenantID {
		return nil, apperr.NotFound("order")
	}
	return o, nil
}

// Discounts

func (s *Store) GetDiscountByCode(ctx context.Context, tenantID, code string) (*models.Discount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.discounts {
		if d.TenantID == tenantID && strings.EqualFold(d.Code, code) {
			out := *d
			return &out, nil
		}
	}
	return nil, apperr.NotFound("discount")
}

func (s *Store) CountCustomerRedemptions(ctx context.Context, discountID, customerID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.customerRedemptions(discountID, customerID), nil
}

func (s *Store) Redeem(ctx context.Context, tenantID string, r models.Redemption) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.discounts[r.DiscountID]
	if !ok || d.TenantID != tenantID {
		return false, apperr.NotFound("discount")
	}
	if _, exists := s.redemptions[redemptionKey(r.DiscountID, r.OrderID)]; exists {
		return false, nil
	}
	if reason := d.Unavailable(s.now()); reason != "" {
		return false, apperr.Validation(reason)
	}
	if d.UsageLimit != nil && d.UsedCount >= *d.UsageLimit {
		return false, apperr.Validation(models.DiscountReasonUsageExhausted)
	}
	if d.PerCustomerLimit != nil && s.customerRedemptions(r.DiscountID, r.CustomerID) >= *d.PerCustomerLimit {
		return false, apperr.Validation(models.DiscountReasonCustomerExceeded)
	}
	r.CreatedAt = s.now()
	s.redemptions[redemptionKey(r.DiscountID, r.OrderID)] = r
	d.UsedCount++
	return true, nil
}

func (s *Store) ReleaseRedemption(ctx context.Context, tenantID, discountID, orderID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.discounts[discountID]
	if !ok || d.TenantID != tenantID {
		return false, nil
	}
	key := redemptionKey(discountID, orderID)
	if _, exists := s.redemptions[key]; !exists {
		return false, nil
	}
	delete(s.redemptions, key)
	if d.UsedCount > 0 {
		d.UsedCount--
	}
	return true, nil
}

func (s *Store) customerRedemptions(discountID, customerID string) int64 {
	var n int64
	for _, r := range s.redemptions {
		if r.DiscountID == discountID && r.CustomerID == customerID {
			n++
		}
	}
	return n
}

// Customers

func (s *Store) EnsureCustomer(ctx context.Context, c *models.Customer) (*models.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	email := strings.ToLower(c.Email)
	for _, existing := range s.customers {
		if existing.TenantID == c.TenantID && existing.Email == email {
			if existing.UserID == nil && c.UserID != nil {
				uid := *c.UserID
				existing.UserID = &uid
				existing.Version++
				existing.UpdatedAt = s.now()
			}
			return cloneCustomer(existing), nil
		}
	}

	now := s.now()
	created := &models.Customer{
		ID:        c.ID,
		TenantID:  c.TenantID,
		Email:     email,
		UserID:    c.UserID,
		Wishlist:  models.JSONList[models.WishlistItem]{},
		Addresses: models.JSONList[models.SavedAddress]{},
		Orders:    models.JSONList[models.OrderSummary]{},
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.customers[created.ID] = created
	return cloneCustomer(created), nil
}

func (s *Store) GetCustomer(ctx context.Context, tenantID, customerID string) (*models.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.customers[customerID]
	if !ok || c.TenantID != tenantID {
		return nil, apperr.NotFound("customer")
	}
	return cloneCustomer(c), nil
}

func (s *Store) UpdateCustomerIfVersion(ctx context.Context, c *models.Customer, expectedVersion int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.customers[c.ID]
	if !ok || current.TenantID != c.TenantID || current.Version != expectedVersion {
		return false, nil
	}
	next := cloneCustomer(c)
	next.Email = current.Email
	next.CreatedAt = current.CreatedAt
	next.Version = expectedVersion + 1
	next.UpdatedAt = s.now()
	s.customers[c.ID] = next
	c.Version = next.Version
	return true, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func cloneCart(c *models.Cart) *models.Cart {
	out := *c
	out.Items = append([]models.CartItem{}, c.Items...)
	return &out
}

func cloneOrder(o *models.Order) *models.Order {
	out := *o
	out.Items = append([]models.OrderItem{}, o.Items...)
	return &out
}

func cloneCustomer(c *models.Customer) *models.Customer {
	out := *c
	out.Wishlist = append(models.JSONList[models.WishlistItem]{}, c.Wishlist...)
	out.Addresses = append(models.JSONList[models.SavedAddress]{}, c.Addresses...)
	out.Orders = append(models.JSONList[models.OrderSummary]{}, c.Orders...)
	return &out
}
