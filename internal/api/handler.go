package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"courier-service/internal/models"
	"courier-service/internal/service"
	"courier-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

// IdentityVerifier resolves the authenticated principal behind a request.
// The production deployment sits behind a gateway that authenticates and
// injects identity headers; tests and the websocket upgrade use the same
// contract.
type IdentityVerifier interface {
	Verify(r *http.Request) (models.Actor, error)
}

// HeaderIdentity trusts the X-User-ID and X-User-Role headers set by the
// edge gateway.
type HeaderIdentity struct{}

// Verify reads the identity headers, rejecting requests without them.
func (HeaderIdentity) Verify(r *http.Request) (models.Actor, error) {
	id := r.Header.Get("X-User-ID")
	role := r.Header.Get("X-User-Role")
	if id == "" || role == "" {
		return models.Actor{}, models.ErrUnauthorized
	}
	switch role {
	case models.RoleClient, models.RoleDriver, models.RoleAdmin:
	default:
		return models.Actor{}, models.ErrUnauthorized
	}
	return models.Actor{ID: id, Role: role}, nil
}

// Handler contains HTTP handlers
type Handler struct {
	orderService *service.OrderService
	reconciler   *service.Reconciler
	identity     IdentityVerifier
	ws           *WSHandler
}

// NewHandler creates a new HTTP handler
func NewHandler(orderService *service.OrderService, reconciler *service.Reconciler, identity IdentityVerifier, ws *WSHandler) *Handler {
	return &Handler{
		orderService: orderService,
		reconciler:   reconciler,
		identity:     identity,
		ws:           ws,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Gateway webhooks carry their own idempotency key, not a user identity.
	router.POST("/webhooks/payments/:gateway", h.paymentWebhook)

	v1 := router.Group("/api/v1")
	v1.Use(h.authMiddleware())
	{
		v1.POST("/orders", h.createOrder)
		v1.GET("/orders", h.listOrders)
		v1.GET("/pending-orders", h.listPendingOrders)
		v1.GET("/orders/:id", h.getOrder)
		v1.POST("/orders/:id/accept", h.acceptOrder)
		v1.POST("/orders/:id/transition", h.transitionOrder)
		v1.PATCH("/orders/:id/price", h.overridePrice)

		v1.POST("/orders/:id/payments", h.initiatePayment)
		v1.GET("/orders/:id/payments", h.listPayments)
		v1.POST("/payments/:id/verify", h.verifyPayment)
		v1.POST("/payments/:id/refunds", h.requestRefund)
		v1.POST("/refunds/:id/process", h.processRefund)
		v1.GET("/orders/:id/refunds", h.listRefunds)
	}

	router.GET("/ws", h.ws.Serve)
}

// authMiddleware resolves the actor and stores it on the request context.
func (h *Handler) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, err := h.identity.Verify(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Missing or invalid identity",
			})
			return
		}
		c.Set("actor", actor)
		c.Next()
	}
}

func currentActor(c *gin.Context) models.Actor {
	actor, _ := c.Get("actor")
	return actor.(models.Actor)
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// createOrder handles order creation
func (h *Handler) createOrder(c *gin.Context) {
	var req service.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	actor := currentActor(c)
	if actor.Role != models.RoleClient && actor.Role != models.RoleAdmin {
		c.JSON(http.StatusForbidden, gin.H{"error": "Only clients may create orders"})
		return
	}

	order, err := h.orderService.CreateOrder(c.Request.Context(), actor, &req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, order)
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	order, err := h.orderService.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, order)
}

// listOrders returns the caller's own orders.
func (h *Handler) listOrders(c *gin.Context) {
	actor := currentActor(c)

	var (
		orders []models.Order
		err    error
	)
	switch actor.Role {
	case models.RoleDriver:
		orders, err = h.orderService.ListOrdersForDriver(c.Request.Context(), actor.ID)
	default:
		orders, err = h.orderService.ListOrdersForClient(c.Request.Context(), actor.ID)
	}
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

// listPendingOrders returns unassigned orders for drivers to browse.
func (h *Handler) listPendingOrders(c *gin.Context) {
	actor := currentActor(c)
	if actor.Role != models.RoleDriver && actor.Role != models.RoleAdmin {
		c.JSON(http.StatusForbidden, gin.H{"error": "Only drivers may browse pending orders"})
		return
	}

	orders, err := h.orderService.ListPendingOrders(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

// acceptOrder assigns the order to the calling driver.
func (h *Handler) acceptOrder(c *gin.Context) {
	order, err := h.orderService.AcceptOrder(c.Request.Context(), c.Param("id"), currentActor(c))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, order)
}

type transitionRequest struct {
	Target string `json:"target" binding:"required"`
}

// transitionOrder moves the order to a new lifecycle state.
func (h *Handler) transitionOrder(c *gin.Context) {
	var req transitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	order, err := h.orderService.Transition(c.Request.Context(), c.Param("id"), currentActor(c), req.Target)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, order)
}

type priceOverrideRequest struct {
	Price string `json:"price" binding:"required"`
}

// overridePrice reprices an order, admin only.
func (h *Handler) overridePrice(c *gin.Context) {
	var req priceOverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	price, err := decimal.NewFromString(req.Price)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid price"})
		return
	}

	order, err := h.orderService.OverridePrice(c.Request.Context(), c.Param("id"), currentActor(c), price)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, order)
}

type initiatePaymentRequest struct {
	Gateway string `json:"gateway" binding:"required"`
	Amount  string `json:"amount" binding:"required"`
	Kind    string `json:"kind"`
}

// initiatePayment starts a gateway transaction for the order.
func (h *Handler) initiatePayment(c *gin.Context) {
	var req initiatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid amount"})
		return
	}

	actor := currentActor(c)
	payment, err := h.reconciler.InitiatePayment(c.Request.Context(), c.Param("id"), actor.ID, req.Kind, req.Gateway, amount)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, payment)
}

type webhookRequest struct {
	OrderID           string `json:"order_id" binding:"required"`
	ExternalReference string `json:"external_reference" binding:"required"`
	Amount            string `json:"amount" binding:"required"`
	Outcome           string `json:"outcome" binding:"required"`
}

// paymentWebhook ingests a gateway's asynchronous payment notification.
// Replayed deliveries are acknowledged without effect.
func (h *Handler) paymentWebhook(c *gin.Context) {
	var req webhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid amount"})
		return
	}

	var outcome service.Outcome
	switch req.Outcome {
	case string(service.OutcomeCompleted), string(service.OutcomeFailed):
		outcome = service.Outcome(req.Outcome)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid outcome"})
		return
	}

	order, err := h.reconciler.ApplyPaymentEvent(c.Request.Context(), service.PaymentEvent{
		OrderID:     req.OrderID,
		ExternalRef: req.ExternalReference,
		Gateway:     c.Param("gateway"),
		Amount:      amount,
	}, outcome)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order_id":      order.ID,
		"payment_state": order.PaymentStatus,
	})
}

// verifyPayment re-checks a payment against its gateway.
func (h *Handler) verifyPayment(c *gin.Context) {
	order, err := h.reconciler.VerifyPayment(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, order)
}

// listPayments returns an order's payment records.
func (h *Handler) listPayments(c *gin.Context) {
	payments, err := h.orderService.ListPayments(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"payments": payments})
}

type refundRequest struct {
	Amount string `json:"amount" binding:"required"`
	Reason string `json:"reason"`
}

// requestRefund records a pending refund against a payment, admin only.
func (h *Handler) requestRefund(c *gin.Context) {
	actor := currentActor(c)
	if actor.Role != models.RoleAdmin {
		c.JSON(http.StatusForbidden, gin.H{"error": "Only admins may issue refunds"})
		return
	}

	var req refundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid amount"})
		return
	}

	refund, err := h.reconciler.RequestRefund(c.Request.Context(), c.Param("id"), amount, req.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, refund)
}

// processRefund pushes a pending refund through its gateway, admin only.
func (h *Handler) processRefund(c *gin.Context) {
	actor := currentActor(c)
	if actor.Role != models.RoleAdmin {
		c.JSON(http.StatusForbidden, gin.H{"error": "Only admins may process refunds"})
		return
	}

	refund, err := h.reconciler.ProcessRefund(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, refund)
}

// listRefunds returns an order's refund records.
func (h *Handler) listRefunds(c *gin.Context) {
	refunds, err := h.orderService.ListRefunds(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"refunds": refunds})
}

// writeError maps domain errors onto HTTP statuses.
func (h *Handler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrOrderNotFound),
		errors.Is(err, models.ErrPaymentNotFound),
		errors.Is(err, models.ErrRefundNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, models.ErrIllegalTransition),
		errors.Is(err, models.ErrAlreadyAssigned),
		errors.Is(err, models.ErrPaymentIncomplete),
		errors.Is(err, models.ErrAmountMismatch):
		status = http.StatusConflict
	case errors.Is(err, models.ErrOverRefund):
		status = http.StatusUnprocessableEntity
	}

	c.JSON(status, gin.H{"error": err.Error()})
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
