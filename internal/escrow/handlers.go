package escrow

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/gigescrow/internal/apperr"
	"github.com/mbd888/gigescrow/internal/auth"
	"github.com/mbd888/gigescrow/internal/validation"
)

// Handler provides HTTP endpoints for escrow money moves.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes mounts escrow routes on an authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	byID := r.Group("/contracts/:id", validation.IDParamMiddleware("ctr_"))
	byID.POST("/fund", h.Fund)
	byID.POST("/release-escrow", h.Release)
	byID.POST("/escrow/refund", h.Refund)
	byID.POST("/complete", h.Complete)
	byID.GET("/escrow", h.View)
}

// Fund handles POST /v1/contracts/:id/fund. A charge that is still
// processing answers 202.
func (h *Handler) Fund(c *gin.Context) {
	var req FundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "paymentMethodId is required")
		return
	}
	if errs := validation.Validate(
		validation.MaxLength("paymentMethodId", req.PaymentMethodID, 255),
	); len(errs) > 0 {
		validationError(c, errs)
		return
	}

	res, err := h.service.Fund(c.Request.Context(), c.Param("id"), auth.UserID(c), req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	status := http.StatusOK
	if res.Pending {
		status = http.StatusAccepted
	}
	c.JSON(status, gin.H{"success": true, "contract": res.Contract, "payment": res.Payment, "pending": res.Pending})
}

// Release handles POST /v1/contracts/:id/release-escrow
func (h *Handler) Release(c *gin.Context) {
	var req ReleaseRequest
	if !bindOptional(c, &req) {
		return
	}
	if req.Amount != "" {
		if errs := validation.Validate(validation.ValidAmount("amount", req.Amount)); len(errs) > 0 {
			validationError(c, errs)
			return
		}
	}

	res, err := h.service.Release(c.Request.Context(), c.Param("id"), auth.UserID(c), req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "contract": res.Contract, "payment": res.Payment, "payout": res.Payout})
}

// Refund handles POST /v1/contracts/:id/escrow/refund
func (h *Handler) Refund(c *gin.Context) {
	var req RefundRequest
	if !bindOptional(c, &req) {
		return
	}
	rules := []func() *validation.ValidationError{
		validation.MaxLength("reason", req.Reason, 1000),
	}
	if req.Amount != "" {
		rules = append(rules, validation.ValidAmount("amount", req.Amount))
	}
	if errs := validation.Validate(rules...); len(errs) > 0 {
		validationError(c, errs)
		return
	}

	res, err := h.service.Refund(c.Request.Context(), c.Param("id"), auth.UserID(c), req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"contract": res.Contract,
		"payment":  res.Payment,
		"refunded": res.Refunded,
		"refundId": res.RefundID,
	})
}

// Complete handles POST /v1/contracts/:id/complete
func (h *Handler) Complete(c *gin.Context) {
	res, err := h.service.Complete(c.Request.Context(), c.Param("id"), auth.UserID(c))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":        true,
		"contract":       res.Contract,
		"payout":         res.Payout,
		"releasePending": res.ReleasePending,
	})
}

// View handles GET /v1/contracts/:id/escrow
func (h *Handler) View(c *gin.Context) {
	v, err := h.service.View(c.Request.Context(), c.Param("id"), auth.UserID(c))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": v})
}

// bindOptional binds a JSON body that may be absent.
func bindOptional(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil && !errors.Is(err, io.EOF) {
		apperr.BadRequest(c, "Invalid request body")
		return false
	}
	return true
}

func validationError(c *gin.Context, errs validation.ValidationErrors) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "validation_error",
		"details": errs.Error(),
		"fields":  errs,
	})
}
