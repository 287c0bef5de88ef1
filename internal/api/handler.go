package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"storefront-commerce/internal/apperr"
	"storefront-commerce/internal/models"
	"storefront-commerce/internal/service"
	"storefront-commerce/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	headerTenant      = "X-Tenant-ID"
	headerCustomer    = "X-Customer-ID"
	headerSession     = "X-Session-ID"
	headerIdempotency = "Idempotency-Key"

	ctxTenant = "tenant_id"
)

// Pinger reports whether a dependency is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	carts     *service.CartService
	orders    *service.OrderService
	checkout  *service.CheckoutOrchestrator
	customers *service.CustomerService
	ready     []Pinger
	logger    *zap.Logger
}

// NewHandler creates a new HTTP handler. Every dependency in ready must
// answer Ping for /ready to succeed.
func NewHandler(
	carts *service.CartService,
	orders *service.OrderService,
	checkout *service.CheckoutOrchestrator,
	customers *service.CustomerService,
	ready ...Pinger,
) *Handler {
	return &Handler{
		carts:     carts,
		orders:    orders,
		checkout:  checkout,
		customers: customers,
		ready:     ready,
		logger:    util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(h.requestLogger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1", requireTenant())
	{
		v1.GET("/cart", h.getCart)
		v1.POST("/cart", h.updateCart)
		v1.DELETE("/cart", h.abandonCart)
		v1.DELETE("/cart/items/:productId", h.removeCartItem)
		v1.POST("/cart/merge", h.mergeCart)

		v1.POST("/checkout", h.initiateCheckout)
		v1.POST("/checkout/confirm", h.confirmCheckout)
		v1.POST("/checkout/verify-discount", h.verifyDiscount)

		v1.GET("/orders/:id", h.getOrder)
		v1.PATCH("/orders/:id/status", h.updateOrderStatus)

		v1.POST("/customers", h.ensureCustomer)
		v1.GET("/customers/:id", h.getCustomer)
		v1.POST("/customers/:id/wishlist", h.addToWishlist)
		v1.DELETE("/customers/:id/wishlist/:productId", h.removeFromWishlist)
		v1.PUT("/customers/:id/addresses", h.upsertAddress)
		v1.DELETE("/customers/:id/addresses/:addressId", h.removeAddress)
		v1.GET("/customers/:id/orders", h.listCustomerOrders)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck reports ready once every dependency answers
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	for _, p := range h.ready {
		if err := p.Ping(ctx); err != nil {
			h.logger.Warn("Readiness check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "unavailable",
				"details": err.Error(),
			})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// requireTenant rejects requests that do not name a tenant
func requireTenant() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := c.GetHeader(headerTenant)
		if tenantID == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error": headerTenant + " header is required",
				"kind":  apperr.KindValidation,
			})
			return
		}
		c.Set(ctxTenant, tenantID)
		c.Next()
	}
}

func tenantOf(c *gin.Context) string {
	return c.GetString(ctxTenant)
}

// ownerOf prefers the authenticated customer over the guest session
func ownerOf(c *gin.Context) models.CartOwner {
	if id := c.GetHeader(headerCustomer); id != "" {
		return models.CartOwner{CustomerID: id}
	}
	return models.CartOwner{SessionID: c.GetHeader(headerSession)}
}

const conflictMessage = "the request collided with a concurrent update, please try again"

// respondError maps domain failures onto HTTP status codes
func (h *Handler) respondError(c *gin.Context, err error) {
	kind, ok := apperr.KindOf(err)
	if !ok {
		h.logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.String("tenant_id", tenantOf(c)),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	if kind == apperr.KindConflict {
		h.logger.Warn("Request lost a concurrent update",
			zap.String("path", c.FullPath()),
			zap.String("tenant_id", tenantOf(c)),
			zap.Error(err))
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": conflictMessage,
			"kind":  kind,
		})
		return
	}

	status := http.StatusInternalServerError
	switch kind {
	case apperr.KindValidation:
		status = http.StatusBadRequest
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindInvalidState:
		status = http.StatusConflict
	case apperr.KindPayment:
		status = http.StatusPaymentRequired
	}
	c.JSON(status, gin.H{
		"error": apperr.ReasonOf(err),
		"kind":  kind,
	})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "Invalid request body",
		"kind":    apperr.KindValidation,
		"details": err.Error(),
	})
}

// requestLogger logs one line per request
func (h *Handler) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		h.logger.Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.String("tenant_id", tenantOf(c)),
			zap.Duration("latency", time.Since(start)))
	}
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
