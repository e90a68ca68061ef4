package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"deal-service/internal/apperr"
	"deal-service/internal/models"
	"deal-service/internal/service"
	"deal-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler contains HTTP handlers
type Handler struct {
	offers       *service.OfferService
	transactions *service.TransactionService
	idempotency  *IdempotencyGuard
}

// NewHandler creates a new HTTP handler
func NewHandler(offers *service.OfferService, transactions *service.TransactionService, idempotency *IdempotencyGuard) *Handler {
	return &Handler{
		offers:       offers,
		transactions: transactions,
		idempotency:  idempotency,
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

	v1 := router.Group("/api/v1")
	guarded := v1.Group("")
	guarded.Use(h.idempotency.Middleware())
	{
		guarded.POST("/offers", h.createOffer)
		guarded.POST("/offers/:id/review", h.reviewOffer)
		guarded.POST("/offers/:id/accept", h.acceptOffer)
		guarded.POST("/offers/:id/decline", h.declineOffer)
		guarded.POST("/offers/:id/withdraw", h.withdrawOffer)
		guarded.POST("/offers/:id/counter", h.counterOffer)

		guarded.POST("/transactions", h.createTransaction)
		guarded.POST("/transactions/:id/earnest", h.depositEarnest)
		guarded.POST("/transactions/:id/due-diligence", h.completeDueDiligence)
		guarded.POST("/transactions/:id/fund", h.fundTransaction)
		guarded.POST("/transactions/:id/close", h.closeTransaction)
		guarded.POST("/transactions/:id/status", h.updateTransactionStatus)
	}

	v1.GET("/offers/:id", h.getOffer)
	v1.GET("/assets/:id/offers", h.listOffersByAsset)
	v1.GET("/users/:id/offers", h.listOffersByBuyer)
	v1.GET("/transactions/:id", h.getTransaction)
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

// actorID extracts the authenticated party from the X-User-ID header set by
// the gateway.
func actorID(c *gin.Context) (uuid.UUID, bool) {
	raw := c.GetHeader("X-User-ID")
	if raw == "" {
		respondStatus(c, http.StatusUnauthorized, "AUTHENTICATION", "X-User-ID header is required")
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		respondStatus(c, http.StatusUnauthorized, "AUTHENTICATION", "X-User-ID header must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

func pathID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondStatus(c, http.StatusBadRequest, string(apperr.Validation), "id must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

func respondError(c *gin.Context, err error) {
	respondStatus(c, apperr.HTTPStatus(err), string(apperr.KindOf(err)), apperr.Message(err))
}

func respondStatus(c *gin.Context, status int, kind, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"error":   kind,
		"message": message,
	})
}

// createOffer handles offer creation
func (h *Handler) createOffer(c *gin.Context) {
	buyer, ok := actorID(c)
	if !ok {
		return
	}

	var req service.CreateOfferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondStatus(c, http.StatusBadRequest, string(apperr.Validation), err.Error())
		return
	}

	offer, err := h.offers.Create(c.Request.Context(), buyer, &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, offer)
}

// getOffer handles get offer by ID
func (h *Handler) getOffer(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	offer, err := h.offers.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, offer)
}

func (h *Handler) listOffersByAsset(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	offers, err := h.offers.ListByAsset(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offers": offers})
}

func (h *Handler) listOffersByBuyer(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	offers, err := h.offers.ListByBuyer(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offers": offers})
}

func (h *Handler) reviewOffer(c *gin.Context) {
	offerTransition(c, h.offers.Review)
}

func (h *Handler) acceptOffer(c *gin.Context) {
	offerTransition(c, h.offers.Accept)
}

func (h *Handler) withdrawOffer(c *gin.Context) {
	offerTransition(c, h.offers.Withdraw)
}

// offerTransition runs a body-less actor+id offer operation.
func offerTransition(c *gin.Context, op func(context.Context, uuid.UUID, uuid.UUID) (*models.Offer, error)) {
	actor, ok := actorID(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}

	offer, err := op(c.Request.Context(), actor, id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, offer)
}

func (h *Handler) declineOffer(c *gin.Context) {
	actor, ok := actorID(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}

	var body struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&body)

	offer, err := h.offers.Decline(c.Request.Context(), actor, id, body.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, offer)
}

func (h *Handler) counterOffer(c *gin.Context) {
	actor, ok := actorID(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}

	var req service.CreateOfferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondStatus(c, http.StatusBadRequest, string(apperr.Validation), err.Error())
		return
	}

	offer, err := h.offers.Counter(c.Request.Context(), actor, id, &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, offer)
}

// createTransaction opens a transaction from an accepted offer
func (h *Handler) createTransaction(c *gin.Context) {
	actor, ok := actorID(c)
	if !ok {
		return
	}

	var req service.CreateTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondStatus(c, http.StatusBadRequest, string(apperr.Validation), err.Error())
		return
	}

	txn, err := h.transactions.Create(c.Request.Context(), actor, &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, txn)
}

// getTransaction handles get transaction by ID
func (h *Handler) getTransaction(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	txn, err := h.transactions.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, txn)
}

func (h *Handler) depositEarnest(c *gin.Context) {
	actor, ok := actorID(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}

	var body struct {
		Amount int64 `json:"amount" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respondStatus(c, http.StatusBadRequest, string(apperr.Validation), err.Error())
		return
	}

	txn, err := h.transactions.DepositEarnest(c.Request.Context(), actor, id, body.Amount)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, txn)
}

func (h *Handler) completeDueDiligence(c *gin.Context) {
	actor, ok := actorID(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}

	txn, err := h.transactions.CompleteDueDiligence(c.Request.Context(), actor, id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, txn)
}

func (h *Handler) fundTransaction(c *gin.Context) {
	actor, ok := actorID(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}

	txn, err := h.transactions.Fund(c.Request.Context(), actor, id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, txn)
}

func (h *Handler) closeTransaction(c *gin.Context) {
	actor, ok := actorID(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}

	txn, err := h.transactions.Close(c.Request.Context(), actor, id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, txn)
}

func (h *Handler) updateTransactionStatus(c *gin.Context) {
	actor, ok := actorID(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}

	var body struct {
		Status string `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respondStatus(c, http.StatusBadRequest, string(apperr.Validation), err.Error())
		return
	}

	txn, err := h.transactions.UpdateStatus(c.Request.Context(), actor, id, body.Status)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, txn)
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
