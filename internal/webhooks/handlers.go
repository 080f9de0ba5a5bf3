package webhooks

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/gigescrow/internal/apperr"
	"github.com/mbd888/gigescrow/internal/logging"
	"github.com/mbd888/gigescrow/internal/metrics"
)

// maxPayloadBytes matches the platform's own limit on event size.
const maxPayloadBytes = 512 << 10

// SignatureHeader carries the platform's payload signature.
const SignatureHeader = "Stripe-Signature"

// Verifiers holds one verifier per endpoint namespace.
type Verifiers struct {
	Platform *Verifier
	Connect  *Verifier
	Identity *Verifier
}

// Handler receives platform events. Routes are unauthenticated; the
// signature is the authentication.
type Handler struct {
	reconciler *Reconciler
	verifiers  Verifiers
}

// NewHandler creates a new webhook handler.
func NewHandler(reconciler *Reconciler, verifiers Verifiers) *Handler {
	return &Handler{reconciler: reconciler, verifiers: verifiers}
}

// RegisterRoutes mounts the webhook endpoints.
func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.POST("/webhooks/stripe", h.receive(h.verifiers.Platform))
	r.POST("/webhooks/stripe/connect", h.receive(h.verifiers.Connect))
	r.POST("/webhooks/stripe/identity", h.receive(h.verifiers.Identity))
}

func (h *Handler) receive(v *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPayloadBytes+1))
		if err != nil || len(payload) > maxPayloadBytes {
			apperr.BadRequest(c, "Unreadable or oversized payload")
			return
		}

		event, err := v.Verify(payload, c.GetHeader(SignatureHeader))
		if err != nil {
			if errors.Is(err, apperr.ErrInvalidSignature) {
				metrics.WebhookEventsTotal.WithLabelValues("unknown", ResultInvalidSignature).Inc()
				logging.L(ctx).Warn("webhook signature rejected", "path", c.FullPath(), "error", err)
			}
			apperr.Respond(c, err)
			return
		}

		result, err := h.reconciler.HandleEvent(ctx, event)
		if err != nil {
			if errors.Is(err, apperr.ErrInvalidInput) {
				apperr.Respond(c, err)
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "webhook_failed",
				"details": "Event could not be applied; it will be redelivered",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{"received": true, "result": result})
	}
}
