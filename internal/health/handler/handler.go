// Package handler serves the liveness and readiness endpoint for load balancers and orchestrators.
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Pinger checks database connectivity. *sql.DB implements it.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PolicyChecker checks that the admission policy engine can evaluate.
type PolicyChecker interface {
	HealthCheck(ctx context.Context) error
}

const checkTimeout = 2 * time.Second

// Handler reports serving status. Nil dependencies are skipped.
type Handler struct {
	db     Pinger
	policy PolicyChecker
	logger *zap.Logger
}

// NewHandler returns a health Handler.
func NewHandler(db Pinger, policy PolicyChecker, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{db: db, policy: policy, logger: logger}
}

// Register mounts GET /health on r.
func (h *Handler) Register(r gin.IRoutes) {
	r.GET("/health", h.health)
}

// health returns 200 {ok:true} when every dependency answers, else 503 naming the failing one.
// Error details are logged, not returned.
func (h *Handler) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), checkTimeout)
	defer cancel()

	if h.db != nil {
		if err := h.db.PingContext(ctx); err != nil {
			h.logger.Warn("health: database ping failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "error": "database_unavailable"})
			return
		}
	}
	if h.policy != nil {
		if err := h.policy.HealthCheck(ctx); err != nil {
			h.logger.Warn("health: policy engine check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "error": "policy_unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
