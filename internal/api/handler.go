package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tradein-service/internal/apperrors"
	"tradein-service/internal/service"
	"tradein-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	headerUserID   = "X-User-ID"
	headerUserRole = "X-User-Role"
	actorKey       = "actor"
)

// ReadinessCheck reports whether a dependency is usable.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	tradeIns *service.TradeInService
	credit   *service.CreditService
	webhooks *service.WebhookService
	checks   []ReadinessCheck
	logger   *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(
	tradeIns *service.TradeInService,
	credit *service.CreditService,
	webhooks *service.WebhookService,
	checks ...ReadinessCheck,
) *Handler {
	return &Handler{
		tradeIns: tradeIns,
		credit:   credit,
		webhooks: webhooks,
		checks:   checks,
		logger:   util.ComponentLogger("api"),
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
	v1.POST("/webhooks", h.receiveWebhook)

	authed := v1.Group("", identify())
	{
		authed.POST("/tradeins", h.submitTradeIn)
		authed.GET("/tradeins/:id", h.getTradeIn)
		authed.POST("/tradeins/:id/accept", h.acceptTradeIn)
		authed.POST("/tradeins/:id/reject", h.rejectTradeIn)

		authed.GET("/credit-notes/:code", h.getCreditNote)
		authed.POST("/credit-notes/validate", h.validateCreditNote)

		authed.POST("/checkout/sessions", h.openSession)
		authed.GET("/checkout/sessions/:id", h.getSession)
		authed.POST("/checkout/sessions/:id/credit-locks", h.lockCredit)
		authed.POST("/checkout/sessions/:id/stock-locks", h.lockStock)
		authed.POST("/checkout/sessions/:id/complete", h.completeSession)
		authed.POST("/checkout/sessions/:id/cancel", h.cancelSession)
		authed.DELETE("/checkout/credit-locks/:lockId", h.releaseCreditLock)
		authed.POST("/checkout/credit-locks/:lockId/consume", h.consumeCreditLock)
	}

	admin := authed.Group("/admin", requireAdmin())
	{
		admin.POST("/tradeins/:id/evaluate", h.evaluateTradeIn)
		admin.POST("/tradeins/:id/send-offer", h.sendOffer)
		admin.POST("/tradeins/:id/expire", h.expireTradeIn)
		admin.POST("/tradeins/:id/requeue", h.requeueTradeIn)
		admin.POST("/tradeins/:id/cancel", h.cancelTradeIn)
		admin.POST("/credit-notes/:code/cancel", h.cancelCreditNote)
		admin.GET("/webhooks/:eventId", h.getWebhookEvent)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck runs every registered dependency check
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failures := gin.H{}
	for _, check := range h.checks {
		if err := check.Check(ctx); err != nil {
			failures[check.Name] = err.Error()
		}
	}
	if len(failures) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "unavailable",
			"failures": failures,
			"time":     time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// identify resolves the caller from the gateway-supplied identity headers.
func identify() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseInt(c.GetHeader(headerUserID), 10, 64)
		if err != nil || id <= 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "UNAUTHENTICATED",
				"message": "missing or invalid " + headerUserID + " header",
			})
			return
		}

		role := strings.ToLower(c.GetHeader(headerUserRole))
		switch role {
		case "":
			role = service.RoleCustomer
		case service.RoleCustomer, service.RoleAdmin:
		default:
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   string(apperrors.CodeForbidden),
				"message": "unknown role " + role,
			})
			return
		}

		c.Set(actorKey, service.Actor{ID: id, Role: role})
		c.Next()
	}
}

func requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !actorFrom(c).IsAdmin() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   string(apperrors.CodeForbidden),
				"message": "admin role required",
			})
			return
		}
		c.Next()
	}
}

func actorFrom(c *gin.Context) service.Actor {
	if v, ok := c.Get(actorKey); ok {
		if actor, ok := v.(service.Actor); ok {
			return actor
		}
	}
	return service.Actor{}
}

// respondError maps coded errors to their HTTP status; anything else is a 500.
func (h *Handler) respondError(c *gin.Context, err error) {
	if appErr := apperrors.As(err); appErr != nil {
		c.JSON(apperrors.HTTPStatus(appErr.Code()), gin.H{
			"error":   string(appErr.Code()),
			"message": appErr.Message(),
		})
		return
	}

	h.logger.Error("Request failed",
		zap.String("method", c.Request.Method),
		zap.String("path", c.FullPath()),
		zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   string(apperrors.CodeInternal),
		"message": "internal error",
	})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   string(apperrors.CodeValidation),
		"message": "Invalid request body",
		"details": err.Error(),
	})
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			path,
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			path,
			status,
		).Inc()
	}
}
