package balance

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/gigescrow/internal/apperr"
	"github.com/mbd888/gigescrow/internal/auth"
)

// Handler provides HTTP endpoints for balances.
type Handler struct {
	manager *Manager
}

// NewHandler creates a new balance handler.
func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

// RegisterRoutes mounts balance routes on an authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/balance", h.Get)
	r.GET("/balance/reconcile", h.Reconcile)
	r.POST("/balance/sync", auth.RequireAdmin(), h.Sync)
}

// Get handles GET /v1/balance
func (h *Handler) Get(c *gin.Context) {
	s, err := h.manager.GetBalanceSummary(c.Request.Context(), auth.UserID(c))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": s})
}

// Reconcile handles GET /v1/balance/reconcile. Admins may pass ?userId=
// to check someone else.
func (h *Handler) Reconcile(c *gin.Context) {
	userID := auth.UserID(c)
	if other := c.Query("userId"); other != "" && other != userID {
		if s, ok := auth.GetSession(c); !ok || !s.Admin {
			apperr.Respond(c, fmt.Errorf("reconciling another user requires admin: %w", apperr.ErrForbidden))
			return
		}
		userID = other
	}

	rep, err := h.manager.ReconcileUserBalance(c.Request.Context(), userID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balanced": rep.Balanced(), "report": rep})
}

// Sync handles POST /v1/balance/sync
func (h *Handler) Sync(c *gin.Context) {
	rep, err := h.manager.SyncAllExistingPayments(c.Request.Context())
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "sync": rep})
}
