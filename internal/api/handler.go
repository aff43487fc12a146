package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"marketplace-service/internal/apperr"
	"marketplace-service/internal/gateway"
	"marketplace-service/internal/models"
	"marketplace-service/internal/service"
	"marketplace-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Identity headers set by the upstream gateway after authentication.
const (
	HeaderBuyerID  = "X-Buyer-ID"
	HeaderSellerID = "X-Seller-ID"
)

// Orders is the order workflow surface used by the HTTP layer.
type Orders interface {
	PlaceOrder(ctx context.Context, req *service.PlaceOrderRequest) (*models.OrderDetails, error)
	GetOrder(ctx context.Context, buyerID, orderID int64) (*models.OrderDetails, error)
	ListOrders(ctx context.Context, buyerID int64, limit int) ([]models.Order, error)
	CancelOrder(ctx context.Context, buyerID, orderID int64) (*models.Order, error)
	MarkAsShipped(ctx context.Context, sellerID, orderID int64, trackingNumber *string) (*models.Order, error)
	ListSellerOrders(ctx context.Context, sellerID int64, limit int) ([]*models.OrderDetails, error)
	AddToCart(ctx context.Context, buyerID, productID int64, qty int) (*models.CartItem, error)
	GetCart(ctx context.Context, buyerID int64) ([]models.CartItem, error)
	GetStock(ctx context.Context, productID int64) (int, error)
}

// Payments is the payment workflow surface used by the HTTP layer.
type Payments interface {
	InitiatePayment(ctx context.Context, buyerID, orderID int64) (*models.Payment, error)
	RetryPayment(ctx context.Context, buyerID, paymentID int64) (*models.Payment, error)
	GetPayment(ctx context.Context, buyerID, paymentID int64) (*models.Payment, error)
	HandleNotification(ctx context.Context, n gateway.Notification) (service.NotificationOutcome, error)
}

// Sweeper runs an on-demand expiry sweep.
type Sweeper interface {
	Sweep(ctx context.Context) (service.SweepResult, error)
}

// Pinger is a dependency checked by the readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	orders     Orders
	payments   Payments
	sweeper    Sweeper
	deps       map[string]Pinger
	production bool
	logger     *zap.Logger
}

// NewHandler creates a new HTTP handler. deps are pinged by /ready.
func NewHandler(orders Orders, payments Payments, sweeper Sweeper, deps map[string]Pinger, production bool) *Handler {
	return &Handler{
		orders:     orders,
		payments:   payments,
		sweeper:    sweeper,
		deps:       deps,
		production: production,
		logger:     util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.GET("/cart", h.getCart)
		v1.POST("/cart/items", h.addToCart)

		v1.POST("/orders", h.placeOrder)
		v1.GET("/orders", h.listOrders)
		v1.GET("/orders/:id", h.getOrder)
		v1.POST("/orders/:id/cancel", h.cancelOrder)
		v1.POST("/orders/:id/payment", h.initiatePayment)

		v1.GET("/seller/orders", h.listSellerOrders)
		v1.POST("/seller/orders/:id/ship", h.shipOrder)

		v1.GET("/payments/:id", h.getPayment)
		v1.POST("/payments/:id/retry", h.retryPayment)
		v1.POST("/webhooks/payments", h.paymentWebhook)

		v1.GET("/products/:id/stock", h.getStock)
		v1.POST("/internal/sweep", h.runSweep)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck reports not ready while any dependency fails its ping
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failing := gin.H{}
	for name, dep := range h.deps {
		if err := dep.Ping(ctx); err != nil {
			h.logger.Warn("Readiness check failed", zap.String("dependency", name), zap.Error(err))
			failing[name] = "unavailable"
		}
	}
	if len(failing) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":       "not_ready",
			"dependencies": failing,
			"time":         time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

type addToCartRequest struct {
	ProductID int64 `json:"product_id" binding:"required"`
	Quantity  int   `json:"quantity" binding:"required,min=1"`
}

func (h *Handler) getCart(c *gin.Context) {
	buyerID, ok := h.identity(c, HeaderBuyerID)
	if !ok {
		return
	}

	cart, err := h.orders.GetCart(c.Request.Context(), buyerID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": cart})
}

func (h *Handler) addToCart(c *gin.Context) {
	buyerID, ok := h.identity(c, HeaderBuyerID)
	if !ok {
		return
	}

	var req addToCartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperr.Validation("invalid request body: %v", err))
		return
	}

	item, err := h.orders.AddToCart(c.Request.Context(), buyerID, req.ProductID, req.Quantity)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, item)
}

// placeOrder checks out the buyer's cart
func (h *Handler) placeOrder(c *gin.Context) {
	buyerID, ok := h.identity(c, HeaderBuyerID)
	if !ok {
		return
	}

	var req service.PlaceOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperr.Validation("invalid request body: %v", err))
		return
	}
	req.BuyerID = buyerID
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}

	details, err := h.orders.PlaceOrder(c.Request.Context(), &req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, details)
}

func (h *Handler) listOrders(c *gin.Context) {
	buyerID, ok := h.identity(c, HeaderBuyerID)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	orders, err := h.orders.ListOrders(c.Request.Context(), buyerID, limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	buyerID, ok := h.identity(c, HeaderBuyerID)
	if !ok {
		return
	}
	orderID, ok := h.pathID(c)
	if !ok {
		return
	}

	details, err := h.orders.GetOrder(c.Request.Context(), buyerID, orderID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, details)
}

func (h *Handler) cancelOrder(c *gin.Context) {
	buyerID, ok := h.identity(c, HeaderBuyerID)
	if !ok {
		return
	}
	orderID, ok := h.pathID(c)
	if !ok {
		return
	}

	order, err := h.orders.CancelOrder(c.Request.Context(), buyerID, orderID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) initiatePayment(c *gin.Context) {
	buyerID, ok := h.identity(c, HeaderBuyerID)
	if !ok {
		return
	}
	orderID, ok := h.pathID(c)
	if !ok {
		return
	}

	payment, err := h.payments.InitiatePayment(c.Request.Context(), buyerID, orderID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, payment)
}

func (h *Handler) listSellerOrders(c *gin.Context) {
	sellerID, ok := h.identity(c, HeaderSellerID)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	orders, err := h.orders.ListSellerOrders(c.Request.Context(), sellerID, limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

type shipOrderRequest struct {
	TrackingNumber *string `json:"tracking_number"`
}

func (h *Handler) shipOrder(c *gin.Context) {
	sellerID, ok := h.identity(c, HeaderSellerID)
	if !ok {
		return
	}
	orderID, ok := h.pathID(c)
	if !ok {
		return
	}

	var req shipOrderRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.respondError(c, apperr.Validation("invalid request body: %v", err))
			return
		}
	}

	order, err := h.orders.MarkAsShipped(c.Request.Context(), sellerID, orderID, req.TrackingNumber)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) getPayment(c *gin.Context) {
	buyerID, ok := h.identity(c, HeaderBuyerID)
	if !ok {
		return
	}
	paymentID, ok := h.pathID(c)
	if !ok {
		return
	}

	payment, err := h.payments.GetPayment(c.Request.Context(), buyerID, paymentID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}

func (h *Handler) retryPayment(c *gin.Context) {
	buyerID, ok := h.identity(c, HeaderBuyerID)
	if !ok {
		return
	}
	paymentID, ok := h.pathID(c)
	if !ok {
		return
	}

	payment, err := h.payments.RetryPayment(c.Request.Context(), buyerID, paymentID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}

// paymentWebhook receives gateway notifications. A 404 makes the gateway
// redeliver, which covers a notification racing its own initiation.
func (h *Handler) paymentWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		h.respondError(c, apperr.Validation("unreadable body"))
		return
	}

	n, err := gateway.ParseNotification(body)
	if err != nil {
		h.respondError(c, apperr.Validation("%v", err))
		return
	}

	outcome, err := h.payments.HandleNotification(c.Request.Context(), n)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"outcome": outcome})
}

func (h *Handler) getStock(c *gin.Context) {
	productID, ok := h.pathID(c)
	if !ok {
		return
	}

	available, err := h.orders.GetStock(c.Request.Context(), productID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"product_id":         productID,
		"available_quantity": available,
	})
}

func (h *Handler) runSweep(c *gin.Context) {
	result, err := h.sweeper.Sweep(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) identity(c *gin.Context, header string) (int64, bool) {
	id, err := strconv.ParseInt(c.GetHeader(header), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "missing or invalid " + header + " header",
		})
		return 0, false
	}
	return id, true
}

func (h *Handler) pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		h.respondError(c, apperr.Validation("invalid id %q", c.Param("id")))
		return 0, false
	}
	return id, true
}

var kindStatus = map[apperr.Kind]int{
	apperr.KindValidation:             http.StatusBadRequest,
	apperr.KindProductUnavailable:     http.StatusConflict,
	apperr.KindInsufficientStock:      http.StatusConflict,
	apperr.KindNotFound:               http.StatusNotFound,
	apperr.KindInvalidStateTransition: http.StatusConflict,
	apperr.KindGateway:                http.StatusBadGateway,
	apperr.KindInternal:               http.StatusInternalServerError,
}

// respondError writes a classified error. Causes of internal failures are
// logged and only exposed outside production.
func (h *Handler) respondError(c *gin.Context, err error) {
	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		appErr = apperr.Internal(err)
	}

	status, ok := kindStatus[appErr.Kind]
	if !ok {
		status = http.StatusInternalServerError
	}

	body := gin.H{
		"error":   appErr.Kind,
		"message": appErr.Message,
	}
	if len(appErr.Details) > 0 {
		body["details"] = appErr.Details
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
		if !h.production && appErr.Err != nil {
			body["cause"] = appErr.Err.Error()
		}
	}

	c.AbortWithStatusJSON(status, body)
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
