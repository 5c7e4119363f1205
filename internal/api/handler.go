package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"checkout-service/internal/apperr"
	"checkout-service/internal/models"
	"checkout-service/internal/payment"
	"checkout-service/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxIdempotencyKeyLen = 255

type OrderAPI interface {
	PlaceOrder(ctx context.Context, req *service.PlaceOrderRequest) (*service.PlaceOrderResult, error)
	CreateOrderForCustomer(ctx context.Context, req *service.AdminOrderRequest) (*models.OrderAggregate, error)
	GetOrder(ctx context.Context, actor service.Actor, id int64) (*models.OrderAggregate, error)
	ListOrders(ctx context.Context, actor service.Actor, req service.ListOrdersRequest) (*service.OrderPage, error)
	Cancel(ctx context.Context, actor service.Actor, id int64) (*models.OrderAggregate, error)
	Confirm(ctx context.Context, id int64) (*models.OrderAggregate, error)
	Reject(ctx context.Context, id int64, reason string) (*models.OrderAggregate, error)
	UpdateStatus(ctx context.Context, id int64, req service.UpdateStatusRequest) (*models.OrderAggregate, error)
}

type CartAPI interface {
	GetCart(ctx context.Context, userID int64) (*service.CartSummary, error)
	SetItem(ctx context.Context, userID int64, req service.CartItemRequest) (*service.CartSummary, error)
	RemoveItem(ctx context.Context, userID, productID int64) (*service.CartSummary, error)
}

type PaymentAPI interface {
	CreatePaymentIntent(ctx context.Context, userID int64) (*payment.Authorization, error)
	HandleWebhook(ctx context.Context, payload []byte, signature string) error
}

// Pinger is a dependency checked by /ready.
type Pinger interface {
	Ping(ctx context.Context) error
}

type HandlerDeps struct {
	Orders    OrderAPI
	Carts     CartAPI
	Payments  PaymentAPI
	JWTSecret string
	Checks    map[string]Pinger
}

// Handler contains HTTP handlers
type Handler struct {
	orders   OrderAPI
	carts    CartAPI
	payments PaymentAPI
	secret   []byte
	checks   map[string]Pinger
}

func NewHandler(d HandlerDeps) *Handler {
	return &Handler{
		orders:   d.Orders,
		carts:    d.Carts,
		payments: d.Payments,
		secret:   []byte(d.JWTSecret),
		checks:   d.Checks,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(requestIDMiddleware())
	router.Use(prometheusMiddleware())
	router.Use(loggerMiddleware())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	v1.POST("/payments/webhook", h.paymentWebhook)

	authed := v1.Group("", authMiddleware(h.secret))
	{
		authed.POST("/orders", h.createOrder)
		authed.GET("/orders", h.listOrders)
		authed.GET("/orders/:id", h.getOrder)
		authed.PUT("/orders/:id/cancel", h.cancelOrder)

		authed.GET("/cart", h.getCart)
		authed.POST("/cart/items", h.setCartItem)
		authed.DELETE("/cart/items/:product_id", h.removeCartItem)

		authed.POST("/payments/intents", h.createPaymentIntent)
	}

	admin := authed.Group("/admin", requireAdmin())
	{
		admin.GET("/orders", h.listOrders)
		admin.POST("/orders", h.createOrderForCustomer)
		admin.POST("/orders/:id/confirm", h.confirmOrder)
		admin.POST("/orders/:id/reject", h.rejectOrder)
		admin.PUT("/orders/:id/status", h.updateOrderStatus)
	}
}

func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every dependency and reports 503 if any is down.
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status, code := "ready", http.StatusOK
	deps := make(gin.H, len(h.checks))
	for name, p := range h.checks {
		if err := p.Ping(ctx); err != nil {
			deps[name] = "down"
			status, code = "not ready", http.StatusServiceUnavailable
			continue
		}
		deps[name] = "up"
	}

	c.JSON(code, gin.H{
		"status":       status,
		"dependencies": deps,
		"time":         time.Now().Unix(),
	})
}

func (h *Handler) createOrder(c *gin.Context) {
	var req service.PlaceOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body", err)
		return
	}

	key := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if len(key) > maxIdempotencyKeyLen {
		badRequest(c, "Idempotency-Key is too long", nil)
		return
	}
	req.UserID = actorFrom(c).UserID
	req.IdempotencyKey = key

	res, err := h.orders.PlaceOrder(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, res.Order)
}

func (h *Handler) createOrderForCustomer(c *gin.Context) {
	var req service.AdminOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body", err)
		return
	}
	req.CreatedBy = actorFrom(c).UserID

	order, err := h.orders.CreateOrderForCustomer(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, order)
}

func (h *Handler) listOrders(c *gin.Context) {
	var req service.ListOrdersRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		badRequest(c, "invalid query parameters", err)
		return
	}

	actor := actorFrom(c)
	// the customer route never gets admin filters, even for admins
	if !strings.HasPrefix(c.FullPath(), "/api/v1/admin/") {
		actor.Admin = false
	}

	page, err := h.orders.ListOrders(c.Request.Context(), actor, req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *Handler) getOrder(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}

	order, err := h.orders.GetOrder(c.Request.Context(), actorFrom(c), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) cancelOrder(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}

	order, err := h.orders.Cancel(c.Request.Context(), actorFrom(c), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) confirmOrder(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}

	order, err := h.orders.Confirm(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

type rejectRequest struct {
	Reason string `json:"reason" binding:"required,max=500"`
}

func (h *Handler) rejectOrder(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}

	var req rejectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "reason is required", err)
		return
	}

	order, err := h.orders.Reject(c.Request.Context(), id, req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) updateOrderStatus(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}

	var req service.UpdateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body", err)
		return
	}

	order, err := h.orders.UpdateStatus(c.Request.Context(), id, req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) getCart(c *gin.Context) {
	cart, err := h.carts.GetCart(c.Request.Context(), actorFrom(c).UserID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cart)
}

func (h *Handler) setCartItem(c *gin.Context) {
	var req service.CartItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body", err)
		return
	}

	cart, err := h.carts.SetItem(c.Request.Context(), actorFrom(c).UserID, req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cart)
}

func (h *Handler) removeCartItem(c *gin.Context) {
	productID, ok := idParam(c, "product_id")
	if !ok {
		return
	}

	cart, err := h.carts.RemoveItem(c.Request.Context(), actorFrom(c).UserID, productID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cart)
}

func (h *Handler) createPaymentIntent(c *gin.Context) {
	auth, err := h.payments.CreatePaymentIntent(c.Request.Context(), actorFrom(c).UserID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, auth)
}

func (h *Handler) paymentWebhook(c *gin.Context) {
	payload, err := c.GetRawData()
	if err != nil {
		badRequest(c, "unreadable body", err)
		return
	}

	if err := h.payments.HandleWebhook(c.Request.Context(), payload, c.GetHeader("Stripe-Signature")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}

func idParam(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		writeError(c, apperr.Validation("invalid "+name).WithDetail("field", name))
		return 0, false
	}
	return id, true
}
