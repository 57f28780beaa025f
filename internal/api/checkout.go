package api

import (
	"net/http"

	"tradein-service/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

func (h *Handler) getCreditNote(c *gin.Context) {
	note, err := h.credit.GetCreditNote(c.Request.Context(), actorFrom(c), c.Param("code"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, note)
}

type validateRequest struct {
	Code   string          `json:"code" binding:"required"`
	Amount decimal.Decimal `json:"amount"`
}

// validateCreditNote reports how much of a requested amount a code can cover
func (h *Handler) validateCreditNote(c *gin.Context) {
	var req validateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	v, err := h.credit.Validate(c.Request.Context(), req.Code, req.Amount)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (h *Handler) cancelCreditNote(c *gin.Context) {
	note, err := h.credit.CancelCreditNote(c.Request.Context(), actorFrom(c), c.Param("code"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, note)
}

func (h *Handler) openSession(c *gin.Context) {
	session, err := h.credit.OpenSession(c.Request.Context(), actorFrom(c).ID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, session)
}

func (h *Handler) getSession(c *gin.Context) {
	session, err := h.credit.GetSession(c.Request.Context(), actorFrom(c).ID, c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

type lockCreditRequest struct {
	Code   string          `json:"code" binding:"required"`
	Amount decimal.Decimal `json:"amount"`
}

// lockCredit reserves part of a credit note for the session
func (h *Handler) lockCredit(c *gin.Context) {
	var req lockCreditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	lock, err := h.credit.Lock(c.Request.Context(), actorFrom(c).ID, c.Param("id"), req.Code, req.Amount)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, lock)
}

type lockStockRequest struct {
	ProductID int64 `json:"product_id" binding:"required"`
	Quantity  int   `json:"quantity" binding:"required"`
}

func (h *Handler) lockStock(c *gin.Context) {
	var req lockStockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	lock, err := h.credit.LockStock(c.Request.Context(), actorFrom(c).ID, c.Param("id"), req.ProductID, req.Quantity)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, lock)
}

type orderRequest struct {
	OrderID string `json:"order_id" binding:"required"`
}

func (h *Handler) completeSession(c *gin.Context) {
	var req orderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	session, err := h.credit.CompleteSession(c.Request.Context(), actorFrom(c).ID, c.Param("id"), req.OrderID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (h *Handler) cancelSession(c *gin.Context) {
	session, err := h.credit.CancelSession(c.Request.Context(), actorFrom(c).ID, c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (h *Handler) releaseCreditLock(c *gin.Context) {
	lock, err := h.credit.Release(c.Request.Context(), actorFrom(c).ID, c.Param("lockId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, lock)
}

// consumeCreditLock redeems a lock against an order
func (h *Handler) consumeCreditLock(c *gin.Context) {
	var req orderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	res, err := h.credit.Consume(c.Request.Context(), actorFrom(c).ID, c.Param("lockId"), req.OrderID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// receiveWebhook is the ingress for collaborating systems. Handler failures
// are recorded and retried, so they are acknowledged with 202.
func (h *Handler) receiveWebhook(c *gin.Context) {
	var env models.WebhookEnvelope
	if err := c.ShouldBindJSON(&env); err != nil {
		badRequest(c, err)
		return
	}
	if env.EventID == "" {
		env.EventID = c.GetHeader("Idempotency-Key")
	}

	out, err := h.webhooks.Dispatch(c.Request.Context(), &env)
	if err != nil {
		h.respondError(c, err)
		return
	}

	status := http.StatusOK
	if !out.Succeeded() {
		status = http.StatusAccepted
	}
	c.JSON(status, out)
}

func (h *Handler) getWebhookEvent(c *gin.Context) {
	event, err := h.webhooks.GetEvent(c.Request.Context(), c.Param("eventId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, event)
}
