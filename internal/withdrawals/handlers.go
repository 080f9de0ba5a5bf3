package withdrawals

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/gigescrow/internal/apperr"
	"github.com/mbd888/gigescrow/internal/auth"
	"github.com/mbd888/gigescrow/internal/pagination"
	"github.com/mbd888/gigescrow/internal/validation"
)

// Handler provides HTTP endpoints for withdrawals.
type Handler struct {
	service *Service
}

// NewHandler creates a new withdrawal handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes mounts withdrawal routes on an authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/withdrawals", h.Request)
	r.GET("/withdrawals", h.List)
	r.GET("/withdrawals/:id", validation.IDParamMiddleware("wd_"), h.Get)
}

// Request handles POST /v1/withdrawals. The idempotency key comes from the
// Idempotency-Key header or the body.
func (h *Handler) Request(c *gin.Context) {
	var req RequestInput
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "Invalid request body")
		return
	}
	if key := c.GetHeader("Idempotency-Key"); key != "" {
		req.IdempotencyKey = key
	}
	if errs := validation.Validate(
		validation.ValidAmount("amount", req.Amount),
		validation.Required("idempotencyKey", req.IdempotencyKey),
		validation.MaxLength("idempotencyKey", req.IdempotencyKey, 255),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"details": errs.Error(),
			"fields":  errs,
		})
		return
	}

	w, err := h.service.Request(c.Request.Context(), auth.UserID(c), req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "withdrawal": w})
}

// List handles GET /v1/withdrawals
func (h *Handler) List(c *gin.Context) {
	limit := pagination.Limit(c.Query("limit"))
	page, err := h.service.List(c.Request.Context(), auth.UserID(c), c.Query("cursor"), limit)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"withdrawals": page.Withdrawals,
		"count":       len(page.Withdrawals),
		"nextCursor":  page.NextCursor,
		"hasMore":     page.HasMore,
	})
}

// Get handles GET /v1/withdrawals/:id
func (h *Handler) Get(c *gin.Context) {
	w, err := h.service.Get(c.Request.Context(), auth.UserID(c), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawal": w})
}
