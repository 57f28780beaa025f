package api

import (
	"context"
	"net/http"

	"tradein-service/internal/models"
	"tradein-service/internal/service"

	"github.com/gin-gonic/gin"
)

// submitTradeIn handles trade-in submission by the calling customer
func (h *Handler) submitTradeIn(c *gin.Context) {
	var req service.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	req.OwnerID = actorFrom(c).ID

	tradeIn, err := h.tradeIns.Submit(c.Request.Context(), &req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, tradeIn)
}

func (h *Handler) getTradeIn(c *gin.Context) {
	tradeIn, err := h.tradeIns.Get(c.Request.Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tradeIn)
}

// acceptTradeIn accepts the current offer and returns the issued credit note
func (h *Handler) acceptTradeIn(c *gin.Context) {
	res, err := h.tradeIns.Accept(c.Request.Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) rejectTradeIn(c *gin.Context) {
	h.tradeInAction(c, h.tradeIns.Reject)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) cancelTradeIn(c *gin.Context) {
	var req cancelRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}

	tradeIn, err := h.tradeIns.Cancel(c.Request.Context(), actorFrom(c), c.Param("id"), req.Reason)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tradeIn)
}

// evaluateTradeIn records a manual grade and offer
func (h *Handler) evaluateTradeIn(c *gin.Context) {
	var req service.EvaluateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	tradeIn, err := h.tradeIns.ForceEvaluate(c.Request.Context(), actorFrom(c), c.Param("id"), &req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tradeIn)
}

func (h *Handler) sendOffer(c *gin.Context) {
	h.tradeInAction(c, h.tradeIns.SendOffer)
}

func (h *Handler) expireTradeIn(c *gin.Context) {
	h.tradeInAction(c, h.tradeIns.Expire)
}

func (h *Handler) requeueTradeIn(c *gin.Context) {
	h.tradeInAction(c, h.tradeIns.Requeue)
}

// tradeInAction runs a body-less trade-in operation for the caller.
func (h *Handler) tradeInAction(c *gin.Context, op func(context.Context, service.Actor, string) (*models.TradeIn, error)) {
	tradeIn, err := op(c.Request.Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tradeIn)
}
