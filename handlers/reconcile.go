package handlers

import (
	"net/http"

	"settlement-svc/reconcile"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ReconcileHandler exposes the manual-trigger hook. Reconciliation has no
// other request surface.
type ReconcileHandler struct {
	reconciler *reconcile.Reconciler
	logger     *zap.Logger
}

func NewReconcileHandler(r *reconcile.Reconciler, logger *zap.Logger) *ReconcileHandler {
	return &ReconcileHandler{reconciler: r, logger: logger}
}

func (h *ReconcileHandler) Trigger(c *gin.Context) {
	stats := h.reconciler.RunOnce(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"scanned":    stats.Scanned,
		"matched":    stats.Matched,
		"processed":  stats.Processed,
		"skipped":    stats.Skipped,
		"elapsed_ms": stats.Elapsed.Milliseconds(),
	})
}
