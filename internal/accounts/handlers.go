package accounts

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/gigescrow/internal/apperr"
	"github.com/mbd888/gigescrow/internal/auth"
)

// Handler provides HTTP endpoints for connected accounts.
type Handler struct {
	service *Service
}

// NewHandler creates a new account handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes mounts the connect routes on an authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/connect/onboard", h.Onboard)
	r.GET("/connect/account", h.GetAccount)
	r.POST("/connect/refresh", h.Refresh)
	r.POST("/connect/kyc", h.StartKYC)
}

// Onboard handles POST /v1/connect/onboard
func (h *Handler) Onboard(c *gin.Context) {
	var req OnboardRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			apperr.BadRequest(c, "Invalid request body")
			return
		}
	}
	if req.Email == "" {
		if s, ok := auth.GetSession(c); ok {
			req.Email = s.Email
		}
	}

	res, err := h.service.Onboard(c.Request.Context(), auth.UserID(c), req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "account": res.Account, "url": res.URL})
}

// GetAccount handles GET /v1/connect/account
func (h *Handler) GetAccount(c *gin.Context) {
	acct, err := h.service.Get(c.Request.Context(), auth.UserID(c))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"account":             acct,
		"canPayout":           acct.CanPayout(),
		"canReceiveTransfers": acct.CanReceiveTransfers(),
	})
}

// Refresh handles POST /v1/connect/refresh
func (h *Handler) Refresh(c *gin.Context) {
	acct, err := h.service.Refresh(c.Request.Context(), auth.UserID(c))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "account": acct})
}

// StartKYC handles POST /v1/connect/kyc
func (h *Handler) StartKYC(c *gin.Context) {
	acct, vs, err := h.service.StartEnhancedKYC(c.Request.Context(), auth.UserID(c))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "account": acct, "verificationUrl": vs.URL})
}
