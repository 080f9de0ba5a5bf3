package contracts

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/gigescrow/internal/apperr"
	"github.com/mbd888/gigescrow/internal/auth"
	"github.com/mbd888/gigescrow/internal/validation"
)

// Handler provides HTTP endpoints for the contract lifecycle.
type Handler struct {
	service *Service
}

// NewHandler creates a new contract handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes mounts contract routes on an authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/contracts", h.CreateContract)
	r.GET("/contracts", h.ListContracts)

	byID := r.Group("/contracts/:id", validation.IDParamMiddleware("ctr_"))
	byID.GET("", h.GetContract)
	byID.PATCH("", h.UpdateContract)
	byID.GET("/history", h.History)
	byID.GET("/deliverables", h.ListDeliverables)
	byID.POST("/send", h.SendForSignature)
	byID.POST("/sign", h.Sign)
	byID.POST("/deliverables", h.SubmitDeliverable)
	byID.POST("/request-revision", h.RequestRevision)
	byID.POST("/approve-deliverables", h.ApproveDeliverables)
	byID.POST("/cancel", h.Cancel)
	byID.POST("/dispute", h.Dispute)
}

// RegisterAdminRoutes mounts dispute resolution on an admin-only group.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/contracts/:id/resolve", validation.IDParamMiddleware("ctr_"), h.ResolveDispute)
}

// CreateContract handles POST /v1/contracts
func (h *Handler) CreateContract(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "Invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.MaxLength("title", req.Title, 200),
		validation.ValidAmount("totalAmount", req.TotalAmount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"details": errs.Error(),
			"fields":  errs,
		})
		return
	}

	contract, err := h.service.Create(c.Request.Context(), auth.UserID(c), req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "contract": contract})
}

// ListContracts handles GET /v1/contracts
func (h *Handler) ListContracts(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, 200)
		}
	}

	list, err := h.service.List(c.Request.Context(), auth.UserID(c), Status(c.Query("status")), limit)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"contracts": list, "count": len(list)})
}

// GetContract handles GET /v1/contracts/:id
func (h *Handler) GetContract(c *gin.Context) {
	contract, err := h.service.Get(c.Request.Context(), c.Param("id"), auth.UserID(c))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"contract": contract})
}

// UpdateContract handles PATCH /v1/contracts/:id
func (h *Handler) UpdateContract(c *gin.Context) {
	var req UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "Invalid request body")
		return
	}
	h.respond(c, func() (*Contract, error) {
		return h.service.Update(c.Request.Context(), c.Param("id"), auth.UserID(c), req)
	})
}

// History handles GET /v1/contracts/:id/history
func (h *Handler) History(c *gin.Context) {
	events, err := h.service.History(c.Request.Context(), c.Param("id"), auth.UserID(c), 100)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// ListDeliverables handles GET /v1/contracts/:id/deliverables
func (h *Handler) ListDeliverables(c *gin.Context) {
	list, err := h.service.Deliverables(c.Request.Context(), c.Param("id"), auth.UserID(c))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deliverables": list})
}

// SendForSignature handles POST /v1/contracts/:id/send
func (h *Handler) SendForSignature(c *gin.Context) {
	h.respond(c, func() (*Contract, error) {
		return h.service.SendForSignature(c.Request.Context(), c.Param("id"), auth.UserID(c))
	})
}

// Sign handles POST /v1/contracts/:id/sign
func (h *Handler) Sign(c *gin.Context) {
	h.respond(c, func() (*Contract, error) {
		return h.service.Sign(c.Request.Context(), c.Param("id"), auth.UserID(c))
	})
}

// SubmitDeliverable handles POST /v1/contracts/:id/deliverables
func (h *Handler) SubmitDeliverable(c *gin.Context) {
	var req DeliverableRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "Invalid request body")
		return
	}
	if errs := validation.Validate(validation.ValidURL("url", req.URL)); len(errs) > 0 {
		apperr.BadRequest(c, errs.Error())
		return
	}

	contract, d, err := h.service.SubmitDeliverable(c.Request.Context(), c.Param("id"), auth.UserID(c), req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "contract": contract, "deliverable": d})
}

// RequestRevision handles POST /v1/contracts/:id/request-revision
func (h *Handler) RequestRevision(c *gin.Context) {
	req := bindReason(c)
	h.respond(c, func() (*Contract, error) {
		return h.service.RequestRevision(c.Request.Context(), c.Param("id"), auth.UserID(c), req.Reason)
	})
}

// ApproveDeliverables handles POST /v1/contracts/:id/approve-deliverables
func (h *Handler) ApproveDeliverables(c *gin.Context) {
	h.respond(c, func() (*Contract, error) {
		return h.service.ApproveDeliverables(c.Request.Context(), c.Param("id"), auth.UserID(c))
	})
}

// Cancel handles POST /v1/contracts/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	req := bindReason(c)
	h.respond(c, func() (*Contract, error) {
		return h.service.Cancel(c.Request.Context(), c.Param("id"), auth.UserID(c), req.Reason)
	})
}

// Dispute handles POST /v1/contracts/:id/dispute
func (h *Handler) Dispute(c *gin.Context) {
	req := bindReason(c)
	h.respond(c, func() (*Contract, error) {
		return h.service.Dispute(c.Request.Context(), c.Param("id"), auth.UserID(c), req.Reason)
	})
}

// ResolveDispute handles POST /v1/admin/contracts/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "Invalid request body")
		return
	}
	h.respond(c, func() (*Contract, error) {
		return h.service.ResolveDispute(c.Request.Context(), c.Param("id"), auth.UserID(c), req)
	})
}

func (h *Handler) respond(c *gin.Context, fn func() (*Contract, error)) {
	contract, err := fn()
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "contract": contract})
}

// bindReason reads an optional {"reason": "..."} body.
func bindReason(c *gin.Context) ReasonRequest {
	var req ReasonRequest
	if c.Request.ContentLength != 0 {
		_ = c.ShouldBindJSON(&req)
	}
	return req
}
