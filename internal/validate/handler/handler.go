// Package handler serves the game-server validate endpoint that consumes connect tokens.
package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	ctdomain "connect-gate/internal/connecttoken/domain"
	"connect-gate/internal/platform/ipaddr"
	"connect-gate/internal/security"
	userdomain "connect-gate/internal/user/domain"
)

// SecretHeader carries the shared game-server secret.
const SecretHeader = "X-Fivem-Secret"

// Consumer consumes a connect token matching the presented identifiers.
type Consumer interface {
	Consume(ctx context.Context, ids ctdomain.Identifiers, sourceIP string) (*ctdomain.ConnectToken, bool, error)
}

// Handler authenticates the game server and admits or refuses a joining player.
type Handler struct {
	tokens Consumer
	secret string
	logger *zap.Logger
}

// NewHandler returns a validate Handler. An empty secret rejects every request.
func NewHandler(tokens Consumer, secret string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{tokens: tokens, secret: secret, logger: logger}
}

// Register mounts POST /fivem/validate on g.
func (h *Handler) Register(g *gin.RouterGroup) {
	g.POST("/fivem/validate", h.requireSecret, h.validate)
}

func (h *Handler) requireSecret(c *gin.Context) {
	if !security.SecretEqual(c.GetHeader(SecretHeader), h.secret) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}

type validateRequest struct {
	License  *string `json:"license"`
	Steam    *string `json:"steam"`
	Rockstar *string `json:"rockstar"`
	IP       string  `json:"ip"`
}

func (h *Handler) validate(c *gin.Context) {
	var req validateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
		return
	}
	ids := userdomain.NormalizeIdentifiers(req.License, req.Steam, req.Rockstar)
	ip := ipaddr.Normalize(req.IP)
	if !ipaddr.IsIPv4(ip) {
		c.JSON(http.StatusBadRequest, gin.H{"error": ctdomain.ErrInvalidIP.Error()})
		return
	}

	_, ok, err := h.tokens.Consume(c.Request.Context(), ids, ip)
	if err != nil {
		h.logger.Error("consume connect token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
		return
	}
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": ctdomain.ErrNotFound.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
