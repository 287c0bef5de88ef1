package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"storefront-commerce/internal/apperr"
	"storefront-commerce/internal/models"
	"storefront-commerce/internal/service"
	"storefront-commerce/internal/store/memory"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testTenant = "tenant-1"

func init() {
	gin.SetMode(gin.TestMode)
}

type nopPublisher struct{}

func (nopPublisher) PublishOrderCreated(context.Context, *models.OrderCreatedEvent) error { return nil }
func (nopPublisher) PublishOrderConfirmed(context.Context, *models.OrderConfirmedEvent) error {
	return nil
}
func (nopPublisher) PublishOrderStatusChanged(context.Context, *models.OrderStatusChangedEvent) error {
	return nil
}
func (nopPublisher) PublishPaymentFailed(context.Context, *models.PaymentFailedEvent) error {
	return nil
}
func (nopPublisher) PublishFinalizeRequested(context.Context, *models.FinalizeRequestedEvent) error {
	return nil
}

type decliningProcessor struct{}

func (decliningProcessor) Authorize(context.Context, int64, string) (*service.AuthorizationResult, error) {
	return &service.AuthorizationResult{Success: false, Reason: "insufficient funds"}, nil
}

func (decliningProcessor) SettlesOnDelivery() bool { return false }

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func newTestRouter(t *testing.T, ready ...Pinger) *gin.Engine {
	t.Helper()

	st := memory.New()
	st.PutProduct(models.CatalogEntry{TenantID: testTenant, ProductID: "p1", Price: 5000, Currency: "USD", InStock: true})
	st.PutDiscount(models.Discount{TenantID: testTenant, Code: "SAVE10", Type: models.DiscountTypePercentage, Value: 10, Active: true})

	carts := service.NewCartService(st, service.NewCatalogClient(st))
	customers := service.NewCustomerService(st)
	discounts := service.NewDiscountService(st)
	orders := service.NewOrderService(st, st, discounts, service.FlatRateTax{}, service.FlatShipping{}, nopPublisher{}, 3)
	payments := service.NewPaymentService(time.Second, map[string]service.Processor{
		service.PaymentMethodCOD:  service.CODProcessor{},
		service.PaymentMethodCard: decliningProcessor{},
	})
	checkout := service.NewCheckoutOrchestrator(orders, st, carts, discounts, customers, payments,
		nopPublisher{}, nil, service.CheckoutConfig{FinalizeRetries: 1})

	router := gin.New()
	NewHandler(carts, orders, checkout, customers, ready...).SetupRoutes(router)
	return router
}

func doRequest(router *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerTenant, testTenant)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func shippingAddress() gin.H {
	return gin.H{
		"name":        "Ada Lovelace",
		"line1":       "12 St James's Square",
		"city":        "London",
		"postal_code": "SW1Y 4JH",
		"country":     "GB",
	}
}

// signUp creates a customer with one p1 in their cart
func signUp(t *testing.T, router *gin.Engine) map[string]string {
	t.Helper()
	w := doRequest(router, http.MethodPost, "/api/v1/customers", gin.H{"email": "ada@example.com"}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var customer models.Customer
	decode(t, w, &customer)

	headers := map[string]string{headerCustomer: customer.ID}
	w = doRequest(router, http.MethodPost, "/api/v1/cart", gin.H{"product_id": "p1", "quantity": 1}, headers)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return headers
}

func TestHealthAndReadiness(t *testing.T) {
	router := newTestRouter(t, pingFunc(func(context.Context) error { return errors.New("db down") }))

	w := doRequest(router, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequest(router, http.MethodGet, "/ready", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestTenantHeaderRequired(t *testing.T) {
	router := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/cart", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGuestCartLifecycle(t *testing.T) {
	router := newTestRouter(t)
	guest := map[string]string{headerSession: "S1"}

	w := doRequest(router, http.MethodGet, "/api/v1/cart", nil, guest)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doRequest(router, http.MethodPost, "/api/v1/cart", gin.H{"product_id": "p1", "quantity": 2}, guest)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doRequest(router, http.MethodPost, "/api/v1/cart", gin.H{"product_id": "nope", "quantity": 1}, guest)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(router, http.MethodPost, "/api/v1/cart/merge", nil, map[string]string{headerSession: "S1", headerCustomer: "c1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var cart models.Cart
	decode(t, w, &cart)
	require.NotNil(t, cart.CustomerID)
	assert.Equal(t, "c1", *cart.CustomerID)
	require.Len(t, cart.Items, 1)
	assert.Equal(t, 2, cart.Items[0].Quantity)

	w = doRequest(router, http.MethodDelete, "/api/v1/cart/items/p1", nil, map[string]string{headerCustomer: "c1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decode(t, w, &cart)
	assert.Empty(t, cart.Items)
}

func TestCheckoutWithCashOnDelivery(t *testing.T) {
	router := newTestRouter(t)
	headers := signUp(t, router)

	w := doRequest(router, http.MethodPost, "/api/v1/checkout/verify-discount", gin.H{"code": "save10"}, headers)
	require.Equal(t, http.StatusOK, w.Code)
	var preview service.DiscountResult
	decode(t, w, &preview)
	assert.True(t, preview.Approved)
	assert.Equal(t, int64(500), preview.Amount)

	w = doRequest(router, http.MethodPost, "/api/v1/checkout", gin.H{
		"shipping_address": shippingAddress(),
		"same_as_shipping": true,
		"discount_code":    "SAVE10",
	}, headers)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var session service.CheckoutSession
	decode(t, w, &session)
	assert.Equal(t, int64(4500), session.Amounts.Total)

	w = doRequest(router, http.MethodPost, "/api/v1/checkout/confirm", gin.H{"order_id": session.OrderID, "payment_method": "cod"}, headers)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var result service.ConfirmResult
	decode(t, w, &result)
	assert.True(t, result.Finalized)
	assert.Equal(t, models.OrderStatusConfirmed, result.Session.Status)

	w = doRequest(router, http.MethodGet, "/api/v1/orders/"+session.OrderID, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var order models.Order
	decode(t, w, &order)
	assert.Equal(t, models.PaymentStatusPending, order.PaymentStatus)

	w = doRequest(router, http.MethodPatch, "/api/v1/orders/"+session.OrderID+"/status", gin.H{"status": "confirmed"}, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doRequest(router, http.MethodPatch, "/api/v1/orders/"+session.OrderID+"/status", gin.H{"status": "processing"}, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequest(router, http.MethodGet, "/api/v1/customers/"+headers[headerCustomer]+"/orders", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Orders []models.Order `json:"orders"`
	}
	decode(t, w, &list)
	assert.Len(t, list.Orders, 1)
}

func TestCheckoutErrorsMapToStatusCodes(t *testing.T) {
	router := newTestRouter(t)
	headers := signUp(t, router)

	w := doRequest(router, http.MethodPost, "/api/v1/checkout", gin.H{"shipping_address": shippingAddress(), "same_as_shipping": true}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code, "no customer")

	w = doRequest(router, http.MethodPost, "/api/v1/checkout", gin.H{
		"shipping_address": shippingAddress(),
		"same_as_shipping": true,
		"discount_code":    "BOGUS",
	}, headers)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(router, http.MethodPost, "/api/v1/checkout", gin.H{"shipping_address": shippingAddress(), "same_as_shipping": true}, headers)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var session service.CheckoutSession
	decode(t, w, &session)

	w = doRequest(router, http.MethodPost, "/api/v1/checkout/confirm", gin.H{"order_id": session.OrderID, "payment_method": "bitcoin"}, headers)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(router, http.MethodPost, "/api/v1/checkout/confirm", gin.H{"order_id": session.OrderID, "payment_method": "card"}, headers)
	assert.Equal(t, http.StatusPaymentRequired, w.Code)

	w = doRequest(router, http.MethodPost, "/api/v1/checkout/confirm", gin.H{"order_id": "missing", "payment_method": "cod"}, headers)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestConflictsAreReportedAsRetryable(t *testing.T) {
	h := &Handler{logger: zap.NewNop()}

	tests := []struct {
		name   string
		err    error
		status int
		reason string
	}{
		{"lost race", apperr.Conflict("order number collision", errors.New("duplicate key")), http.StatusServiceUnavailable, conflictMessage},
		{"checkout in flight", apperr.Conflict("checkout already in progress", nil), http.StatusServiceUnavailable, conflictMessage},
		{"terminal cart", apperr.InvalidState("cart is converted"), http.StatusConflict, "cart is converted"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(http.MethodPost, "/api/v1/checkout", nil)

			h.respondError(c, tt.err)

			assert.Equal(t, tt.status, w.Code)
			var body map[string]string
			decode(t, w, &body)
			assert.Equal(t, tt.reason, body["error"])
			if tt.status == http.StatusServiceUnavailable {
				assert.Equal(t, "1", w.Header().Get("Retry-After"))
			}
		})
	}
}

func TestAbandonCart(t *testing.T) {
	router := newTestRouter(t)
	guest := map[string]string{headerSession: "S1"}

	w := doRequest(router, http.MethodDelete, "/api/v1/cart", nil, guest)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doRequest(router, http.MethodPost, "/api/v1/cart", gin.H{"product_id": "p1", "quantity": 1}, guest)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var first models.Cart
	decode(t, w, &first)

	w = doRequest(router, http.MethodDelete, "/api/v1/cart", nil, guest)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var abandoned models.Cart
	decode(t, w, &abandoned)
	assert.Equal(t, first.ID, abandoned.ID)
	assert.Equal(t, models.CartStatusAbandoned, abandoned.Status)

	w = doRequest(router, http.MethodGet, "/api/v1/cart", nil, guest)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doRequest(router, http.MethodPost, "/api/v1/cart", gin.H{"product_id": "p1", "quantity": 1}, guest)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var next models.Cart
	decode(t, w, &next)
	assert.NotEqual(t, first.ID, next.ID)
}

func TestCartChangedAfterCheckoutMustBeReinitiated(t *testing.T) {
	router := newTestRouter(t)
	headers := signUp(t, router)

	w := doRequest(router, http.MethodPost, "/api/v1/checkout", gin.H{"shipping_address": shippingAddress(), "same_as_shipping": true}, headers)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var session service.CheckoutSession
	decode(t, w, &session)

	w = doRequest(router, http.MethodPost, "/api/v1/cart", gin.H{"product_id": "p1", "quantity": 1}, headers)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doRequest(router, http.MethodPost, "/api/v1/checkout/confirm", gin.H{"order_id": session.OrderID, "payment_method": "cod"}, headers)
	require.Equal(t, http.StatusConflict, w.Code, w.Body.String())
	var body map[string]string
	decode(t, w, &body)
	assert.Equal(t, "cart changed, re-initiate checkout", body["error"])

	w = doRequest(router, http.MethodPost, "/api/v1/checkout", gin.H{"shipping_address": shippingAddress(), "same_as_shipping": true}, headers)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	decode(t, w, &session)
	assert.Equal(t, int64(10000), session.Amounts.Subtotal)

	w = doRequest(router, http.MethodPost, "/api/v1/checkout/confirm", gin.H{"order_id": session.OrderID, "payment_method": "cod"}, headers)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestEmptyCartCheckoutIsRejected(t *testing.T) {
	router := newTestRouter(t)
	headers := signUp(t, router)

	w := doRequest(router, http.MethodPost, "/api/v1/cart", gin.H{"product_id": "p1", "quantity": 0, "set": true}, headers)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doRequest(router, http.MethodPost, "/api/v1/checkout", gin.H{"shipping_address": shippingAddress(), "same_as_shipping": true}, headers)
	require.Equal(t, http.StatusBadRequest, w.Code)
	var body map[string]string
	decode(t, w, &body)
	assert.Equal(t, "cart empty", body["error"])
}

func TestCustomerRecordEndpoints(t *testing.T) {
	router := newTestRouter(t)
	headers := signUp(t, router)
	base := "/api/v1/customers/" + headers[headerCustomer]

	w := doRequest(router, http.MethodPost, base+"/wishlist", gin.H{"product_id": "p1"}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(router, http.MethodPut, base+"/addresses", gin.H{"label": "home", "address": shippingAddress()}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var saved struct {
		Address models.SavedAddress `json:"address"`
	}
	decode(t, w, &saved)
	assert.True(t, saved.Address.IsDefault)

	w = doRequest(router, http.MethodDelete, base+"/addresses/"+saved.Address.ID, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(router, http.MethodDelete, base+"/wishlist/p1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(router, http.MethodGet, base, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var customer models.Customer
	decode(t, w, &customer)
	assert.Empty(t, customer.Wishlist)
	assert.Empty(t, customer.Addresses)

	w = doRequest(router, http.MethodGet, "/api/v1/customers/unknown", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
