package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type cartItemRequest struct {
	ProductID string `json:"product_id" binding:"required"`
	VariantID string `json:"variant_id"`
	Quantity  int    `json:"quantity" binding:"min=0"`
	// Set replaces the line quantity instead of adding to it
	Set bool `json:"set"`
}

// getCart returns the caller's active cart
func (h *Handler) getCart(c *gin.Context) {
	cart, err := h.carts.GetActiveCart(c.Request.Context(), tenantOf(c), ownerOf(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cart)
}

// updateCart adds to or sets the quantity of a cart line
func (h *Handler) updateCart(c *gin.Context) {
	var req cartItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	ctx := c.Request.Context()
	tenantID, owner := tenantOf(c), ownerOf(c)

	if !req.Set {
		cart, err := h.carts.AddItem(ctx, tenantID, owner, req.ProductID, req.VariantID, req.Quantity)
		if err != nil {
			h.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, cart)
		return
	}

	cart, err := h.carts.GetActiveCart(ctx, tenantID, owner)
	if err != nil {
		h.respondError(c, err)
		return
	}
	cart, err = h.carts.SetQuantity(ctx, tenantID, cart.ID, req.ProductID, req.VariantID, req.Quantity)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cart)
}

// removeCartItem drops a line; ?variantId= selects a variant line
func (h *Handler) removeCartItem(c *gin.Context) {
	ctx := c.Request.Context()
	tenantID := tenantOf(c)

	cart, err := h.carts.GetActiveCart(ctx, tenantID, ownerOf(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	cart, err = h.carts.RemoveItem(ctx, tenantID, cart.ID, c.Param("productId"), c.Query("variantId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cart)
}

// abandonCart closes the caller's active cart
func (h *Handler) abandonCart(c *gin.Context) {
	ctx := c.Request.Context()
	tenantID := tenantOf(c)

	cart, err := h.carts.GetActiveCart(ctx, tenantID, ownerOf(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	cart, err = h.carts.AbandonCart(ctx, tenantID, cart.ID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cart)
}

// mergeCart folds the guest session's cart into the customer's cart. Both
// identity headers are required.
func (h *Handler) mergeCart(c *gin.Context) {
	cart, err := h.carts.MergeGuestCartIntoCustomer(c.Request.Context(), tenantOf(c),
		c.GetHeader(headerSession), c.GetHeader(headerCustomer))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cart)
}
