package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"storefront-commerce/internal/models"
	"storefront-commerce/internal/store/memory"

	"github.com/stretchr/testify/require"
)

const tenant = "tenant-1"

type recordingPublisher struct {
	mu            sync.Mutex
	created       []*models.OrderCreatedEvent
	confirmed     []*models.OrderConfirmedEvent
	statusChanged []*models.OrderStatusChangedEvent
	failed        []*models.PaymentFailedEvent
	finalize      []*models.FinalizeRequestedEvent
}

func (p *recordingPublisher) PublishOrderCreated(_ context.Context, e *models.OrderCreatedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.created = append(p.created, e)
	return nil
}

func (p *recordingPublisher) PublishOrderConfirmed(_ context.Context, e *models.OrderConfirmedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.confirmed = append(p.confirmed, e)
	return nil
}

func (p *recordingPublisher) PublishOrderStatusChanged(_ context.Context, e *models.OrderStatusChangedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statusChanged = append(p.statusChanged, e)
	return nil
}

func (p *recordingPublisher) PublishPaymentFailed(_ context.Context, e *models.PaymentFailedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failed = append(p.failed, e)
	return nil
}

func (p *recordingPublisher) PublishFinalizeRequested(_ context.Context, e *models.FinalizeRequestedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finalize = append(p.finalize, e)
	return nil
}

type memoryIdempotency struct {
	mu   sync.Mutex
	keys map[string]string
}

func newMemoryIdempotency() *memoryIdempotency {
	return &memoryIdempotency{keys: map[string]string{}}
}

func (m *memoryIdempotency) ReserveIdempotencyKey(_ context.Context, key string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[key]; ok {
		return false, nil
	}
	m.keys[key] = ""
	return true, nil
}

func (m *memoryIdempotency) GetIdempotencyKey(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.keys[key]
	return v, ok, nil
}

func (m *memoryIdempotency) SetIdempotencyKey(_ context.Context, key, value string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[key] = value
	return nil
}

func (m *memoryIdempotency) DeleteIdempotencyKey(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}

// stubProcessor answers authorizations with a fixed outcome
type stubProcessor struct {
	mu      sync.Mutex
	approve bool
	err     error
	delay   time.Duration
	calls   int
}

func (p *stubProcessor) Authorize(ctx context.Context, _ int64, _ string) (*AuthorizationResult, error) {
	p.mu.Lock()
	p.calls++
	n, approve, err, delay := p.calls, p.approve, p.err, p.delay
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if err != nil {
		return nil, err
	}
	if !approve {
		return &AuthorizationResult{Success: false, Reason: "declined"}, nil
	}
	return &AuthorizationResult{Success: true, Reference: fmt.Sprintf("REF-%d", n)}, nil
}

func (p *stubProcessor) SettlesOnDelivery() bool { return false }

func (p *stubProcessor) set(approve bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.approve = approve
}

func (p *stubProcessor) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// flakyCustomers fails every customer write while broken is set
type flakyCustomers struct {
	CustomerRepository
	mu     sync.Mutex
	broken bool
}

func (f *flakyCustomers) UpdateCustomerIfVersion(ctx context.Context, c *models.Customer, expected int64) (bool, error) {
	f.mu.Lock()
	broken := f.broken
	f.mu.Unlock()
	if broken {
		return false, errors.New("connection reset")
	}
	return f.CustomerRepository.UpdateCustomerIfVersion(ctx, c, expected)
}

func (f *flakyCustomers) setBroken(b bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broken = b
}

type fixture struct {
	store      *memory.Store
	publisher  *recordingPublisher
	card       *stubProcessor
	customerDB *flakyCustomers
	carts      *CartService
	customers  *CustomerService
	discounts  *DiscountService
	orders     *OrderService
	payments   *PaymentService
	checkout   *CheckoutOrchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st := memory.New()
	for _, p := range []models.CatalogEntry{
		{TenantID: tenant, ProductID: "p1", CategoryID: "shoes", Price: 5000, Currency: "USD", InStock: true},
		{TenantID: tenant, ProductID: "p2", CategoryID: "hats", Price: 2500, Currency: "USD", InStock: true},
		{TenantID: tenant, ProductID: "p2", VariantID: "red", CategoryID: "hats", Price: 2700, Currency: "USD", InStock: true},
		{TenantID: tenant, ProductID: "p3", Price: 1000, Currency: "USD", InStock: false},
		{TenantID: tenant, ProductID: "p4", Price: 1000, Currency: "USD", InStock: false, Backorder: true},
		{TenantID: tenant, ProductID: "p5", Price: 1000, Currency: "EUR", InStock: true},
	} {
		st.PutProduct(p)
	}

	f := &fixture{
		store:      st,
		publisher:  &recordingPublisher{},
		card:       &stubProcessor{approve: true},
		customerDB: &flakyCustomers{CustomerRepository: st},
	}
	f.carts = NewCartService(st, NewCatalogClient(st))
	f.customers = NewCustomerService(f.customerDB)
	f.discounts = NewDiscountService(st)
	f.orders = NewOrderService(st, st, f.discounts,
		FlatRateTax{RateBasisPoints: 1000}, FlatShipping{Amount: 500}, f.publisher, 3)
	f.payments = NewPaymentService(200*time.Millisecond, map[string]Processor{
		PaymentMethodCOD:  CODProcessor{},
		PaymentMethodCard: f.card,
	})
	f.checkout = NewCheckoutOrchestrator(f.orders, st, f.carts, f.discounts, f.customers, f.payments,
		f.publisher, newMemoryIdempotency(), CheckoutConfig{FinalizeRetries: 2})
	return f
}

func (f *fixture) newCustomer(t *testing.T, email string) string {
	t.Helper()
	c, err := f.customers.EnsureCustomer(context.Background(), tenant, email, nil)
	require.NoError(t, err)
	return c.ID
}

// customerCart returns the customer's active cart holding 2 x p1 (subtotal 10000)
func (f *fixture) customerCart(t *testing.T, customerID string) *models.Cart {
	t.Helper()
	cart, err := f.carts.AddItem(context.Background(), tenant, models.CartOwner{CustomerID: customerID}, "p1", "", 2)
	require.NoError(t, err)
	return cart
}

func (f *fixture) save10(limit *int64) *models.Discount {
	return f.store.PutDiscount(models.Discount{
		TenantID:   tenant,
		Code:       "SAVE10",
		Type:       models.DiscountTypePercentage,
		Value:      10,
		Active:     true,
		UsageLimit: limit,
	})
}

func (f *fixture) initiate(t *testing.T, customerID, cartID, code string) *CheckoutSession {
	t.Helper()
	session, err := f.checkout.InitiateCheckout(context.Background(), InitiateCheckoutRequest{
		CreatePendingOrderRequest: CreatePendingOrderRequest{
			TenantID:        tenant,
			CartID:          cartID,
			CustomerID:      customerID,
			ShippingAddress: testAddress(),
			SameAsShipping:  true,
			DiscountCode:    code,
		},
	})
	require.NoError(t, err)
	return session
}

func testAddress() models.Address {
	return models.Address{
		Name:       "Ada Lovelace",
		Line1:      "12 Analytical Way",
		City:       "London",
		PostalCode: "N1 9GU",
		Country:    "GB",
	}
}

func int64Ptr(v int64) *int64 { return &v }
