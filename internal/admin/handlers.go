// Package admin provides admin-only endpoints for resolving stuck financial
// states: releases that completed contracts still owe.
package admin

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/gigescrow/internal/escrow"
	"github.com/mbd888/gigescrow/internal/logging"
)

// ReleaseQueue lists the release intents still pending.
type ReleaseQueue interface {
	PendingIntents(ctx context.Context, limit int) ([]*escrow.ReleaseIntent, error)
}

// ReleaseRunner retries one batch of pending releases.
type ReleaseRunner interface {
	RunOnce(ctx context.Context) (int, error)
}

// Handler provides admin HTTP endpoints.
type Handler struct {
	queue  ReleaseQueue
	runner ReleaseRunner
}

// NewHandler creates a new admin handler.
func NewHandler() *Handler {
	return &Handler{}
}

// WithReleaseQueue sets the source of pending release intents.
func (h *Handler) WithReleaseQueue(q ReleaseQueue) *Handler {
	h.queue = q
	return h
}

// WithReleaseRunner sets the worker used for on-demand retries.
func (h *Handler) WithReleaseRunner(r ReleaseRunner) *Handler {
	h.runner = r
	return h
}

// RegisterRoutes sets up admin routes on a group already restricted to
// admins.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/releases/pending", h.listPendingReleases)
	r.POST("/releases/retry", h.retryReleases)
}

// listPendingReleases returns release intents that have not succeeded yet.
func (h *Handler) listPendingReleases(c *gin.Context) {
	if h.queue == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "release queue not configured"})
		return
	}

	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}

	intents, err := h.queue.PendingIntents(c.Request.Context(), limit)
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to list release intents", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "details": "Failed to list release intents"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"intents": intents, "count": len(intents)})
}

// retryReleases runs the release worker once instead of waiting for its
// next tick.
func (h *Handler) retryReleases(c *gin.Context) {
	if h.runner == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "release worker not configured"})
		return
	}

	resolved, err := h.runner.RunOnce(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("on-demand release retry failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "details": "Release retry failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"resolved": resolved})
}
