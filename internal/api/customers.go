package api

import (
	"net/http"

	"storefront-commerce/internal/models"

	"github.com/gin-gonic/gin"
)

type ensureCustomerRequest struct {
	Email  string  `json:"email" binding:"required"`
	UserID *string `json:"user_id"`
}

type wishlistRequest struct {
	ProductID string `json:"product_id" binding:"required"`
}

func (h *Handler) ensureCustomer(c *gin.Context) {
	var req ensureCustomerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	customer, err := h.customers.EnsureCustomer(c.Request.Context(), tenantOf(c), req.Email, req.UserID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, customer)
}

func (h *Handler) getCustomer(c *gin.Context) {
	customer, err := h.customers.GetCustomer(c.Request.Context(), tenantOf(c), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, customer)
}

func (h *Handler) addToWishlist(c *gin.Context) {
	var req wishlistRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	customer, err := h.customers.AddToWishlist(c.Request.Context(), tenantOf(c), c.Param("id"), req.ProductID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, customer)
}

func (h *Handler) removeFromWishlist(c *gin.Context) {
	customer, err := h.customers.RemoveFromWishlist(c.Request.Context(), tenantOf(c), c.Param("id"), c.Param("productId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, customer)
}

// upsertAddress adds an address, or replaces the one with a matching id
func (h *Handler) upsertAddress(c *gin.Context) {
	var req models.SavedAddress
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	customer, saved, err := h.customers.UpsertAddress(c.Request.Context(), tenantOf(c), c.Param("id"), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"customer": customer,
		"address":  saved,
	})
}

func (h *Handler) removeAddress(c *gin.Context) {
	customer, err := h.customers.RemoveAddress(c.Request.Context(), tenantOf(c), c.Param("id"), c.Param("addressId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, customer)
}

func (h *Handler) listCustomerOrders(c *gin.Context) {
	orders, err := h.orders.ListCustomerOrders(c.Request.Context(), tenantOf(c), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}
