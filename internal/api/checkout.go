package api

import (
	"net/http"

	"storefront-commerce/internal/apperr"
	"storefront-commerce/internal/models"
	"storefront-commerce/internal/service"

	"github.com/gin-gonic/gin"
)

type initiateCheckoutRequest struct {
	ShippingAddress models.Address  `json:"shipping_address"`
	BillingAddress  *models.Address `json:"billing_address"`
	SameAsShipping  bool            `json:"same_as_shipping"`
	DiscountCode    string          `json:"discount_code"`
}

type confirmCheckoutRequest struct {
	OrderID       string `json:"order_id" binding:"required"`
	PaymentMethod string `json:"payment_method" binding:"required"`
}

type verifyDiscountRequest struct {
	Code string `json:"code" binding:"required"`
}

// initiateCheckout turns the customer's active cart into a pending order
func (h *Handler) initiateCheckout(c *gin.Context) {
	var req initiateCheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	customerID := c.GetHeader(headerCustomer)
	if customerID == "" {
		h.respondError(c, apperr.Validation("checkout requires a signed-in customer"))
		return
	}

	ctx := c.Request.Context()
	tenantID := tenantOf(c)

	cart, err := h.carts.GetActiveCart(ctx, tenantID, models.CartOwner{CustomerID: customerID})
	if err != nil {
		h.respondError(c, err)
		return
	}

	session, err := h.checkout.InitiateCheckout(ctx, service.InitiateCheckoutRequest{
		CreatePendingOrderRequest: service.CreatePendingOrderRequest{
			TenantID:        tenantID,
			CartID:          cart.ID,
			CustomerID:      customerID,
			ShippingAddress: req.ShippingAddress,
			BillingAddress:  req.BillingAddress,
			SameAsShipping:  req.SameAsShipping,
			DiscountCode:    req.DiscountCode,
		},
		IdempotencyKey: c.GetHeader(headerIdempotency),
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, session)
}

// confirmCheckout charges the pending order and confirms it. A result that
// is not yet finalized is reported as accepted.
func (h *Handler) confirmCheckout(c *gin.Context) {
	var req confirmCheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	result, err := h.checkout.ConfirmCheckout(c.Request.Context(), tenantOf(c), req.OrderID, req.PaymentMethod)
	if err != nil {
		h.respondError(c, err)
		return
	}

	status := http.StatusOK
	if !result.Finalized {
		status = http.StatusAccepted
	}
	c.JSON(status, result)
}

// verifyDiscount previews a code against the caller's active cart
func (h *Handler) verifyDiscount(c *gin.Context) {
	var req verifyDiscountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	result, err := h.checkout.VerifyDiscount(c.Request.Context(), tenantOf(c), ownerOf(c), req.Code)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
