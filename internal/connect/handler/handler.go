// Package handler serves the player-facing connect API: profile, identifier binding, and the
// connect flow that issues a token and opens the entry firewall for the caller.
package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	ctdomain "connect-gate/internal/connecttoken/domain"
	"connect-gate/internal/connecttoken/service"
	"connect-gate/internal/platform/ipaddr"
	"connect-gate/internal/policy/engine"
	"connect-gate/internal/server/middleware"
	userdomain "connect-gate/internal/user/domain"
	userrepo "connect-gate/internal/user/repository"
)

const (
	codeUnauthorized         = "unauthorized"
	codeInvalidJSON          = "invalid_json"
	codeServerError          = "server_error"
	codeEntryAllowlistFailed = "entry_allowlist_failed"
)

// TokenIssuer issues connect tokens and revokes them when the connect flow cannot finish.
type TokenIssuer interface {
	Create(ctx context.Context, owner service.Owner, sourceIP string) (*service.Issued, error)
	Revoke(ctx context.Context, record *ctdomain.ConnectToken, reason string) error
	Active(ctx context.Context, ownerID string) (expiresIn int, ok bool, err error)
}

// Allowlister opens the entry firewall for an address.
type Allowlister interface {
	Allow(ctx context.Context, ip string, ttl int) error
}

// Config holds the connect flow settings.
type Config struct {
	// Enabled and BlockReason are fed to the admission policy.
	Enabled     bool
	BlockReason string
	// AllowlistTTL is the firewall window requested per connect, in seconds.
	AllowlistTTL int
	PublicHost   string
	PublicPort   int
}

// Handler serves /me, /identifiers and /connect.
type Handler struct {
	users   userrepo.Repository
	tokens  TokenIssuer
	policy  engine.Evaluator
	gateway Allowlister
	cfg     Config
	logger  *zap.Logger
}

// NewHandler returns a connect Handler.
func NewHandler(users userrepo.Repository, tokens TokenIssuer, policy engine.Evaluator, gateway Allowlister, cfg Config, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{users: users, tokens: tokens, policy: policy, gateway: gateway, cfg: cfg, logger: logger}
}

// Register mounts the routes on g. session authenticates the caller; connectLimiter is applied to
// POST /connect only.
func (h *Handler) Register(g *gin.RouterGroup, session, connectLimiter gin.HandlerFunc) {
	g.GET("/me", session, h.me)
	g.POST("/identifiers", session, h.updateIdentifiers)
	g.POST("/connect", session, connectLimiter, h.connect)
}

type profileResponse struct {
	DiscordID string  `json:"discordId"`
	Username  string  `json:"username"`
	Avatar    *string `json:"avatar"`
	License   *string `json:"license"`
	Steam     *string `json:"steam"`
	Rockstar  *string `json:"rockstar"`
	// ConnectExpiresIn is set while an issued token is still waiting to be consumed.
	ConnectExpiresIn *int `json:"connectExpiresIn"`
}

func (h *Handler) me(c *gin.Context) {
	u, err := h.currentUser(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	resp := profileResponse{
		DiscordID: u.ID,
		Username:  u.Username,
		License:   u.Identifiers.License,
		Steam:     u.Identifiers.Steam,
		Rockstar:  u.Identifiers.Rockstar,
	}
	if u.Avatar != "" {
		resp.Avatar = &u.Avatar
	}
	expiresIn, ok, err := h.tokens.Active(c.Request.Context(), u.ID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if ok {
		resp.ConnectExpiresIn = &expiresIn
	}
	c.JSON(http.StatusOK, resp)
}

type identifiersRequest struct {
	License  *string `json:"license"`
	Steam    *string `json:"steam"`
	Rockstar *string `json:"rockstar"`
}

type identifiersResponse struct {
	OK       bool    `json:"ok"`
	License  *string `json:"license"`
	Steam    *string `json:"steam"`
	Rockstar *string `json:"rockstar"`
}

func (h *Handler) updateIdentifiers(c *gin.Context) {
	var req identifiersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": codeInvalidJSON})
		return
	}
	ids := userdomain.NormalizeIdentifiers(req.License, req.Steam, req.Rockstar)
	if ids.Empty() {
		h.writeError(c, ctdomain.ErrIdentifiersRequired)
		return
	}

	ctx := c.Request.Context()
	u, err := h.currentUser(ctx)
	if err != nil {
		h.writeError(c, err)
		return
	}
	updated, err := h.users.UpdateIdentifiers(ctx, u.ID, ids)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if updated == nil {
		h.writeError(c, errors.New("user disappeared during identifier update"))
		return
	}
	c.JSON(http.StatusOK, identifiersResponse{
		OK:       true,
		License:  updated.Identifiers.License,
		Steam:    updated.Identifiers.Steam,
		Rockstar: updated.Identifiers.Rockstar,
	})
}

type connectResponse struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ExpiresIn    int    `json:"expiresIn"`
	ConnectToken string `json:"connectToken"`
}

func (h *Handler) connect(c *gin.Context) {
	ctx := c.Request.Context()
	userID, ok := middleware.GetUserID(ctx)
	if !ok || userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": codeUnauthorized})
		return
	}
	ip := ipaddr.Normalize(c.ClientIP())

	decision, err := h.policy.EvaluateConnect(ctx, engine.Input{
		Enabled:     h.cfg.Enabled,
		BlockReason: h.cfg.BlockReason,
		IP:          ip,
		OwnerID:     userID,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	if !decision.Allow {
		c.JSON(http.StatusForbidden, gin.H{"error": decision.DenyReason})
		return
	}
	if !ipaddr.IsIPv4(ip) {
		h.writeError(c, ctdomain.ErrInvalidIP)
		return
	}

	u, err := h.users.GetByID(ctx, userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	owner := service.Owner{ID: userID}
	if u != nil {
		owner.Identifiers = u.Identifiers
	}
	issued, err := h.tokens.Create(ctx, owner, ip)
	if err != nil {
		h.writeError(c, err)
		return
	}

	if err := h.gateway.Allow(ctx, ip, h.cfg.AllowlistTTL); err != nil {
		h.logger.Warn("entry allowlist failed", zap.String("owner_id", userID), zap.Error(err))
		if rerr := h.tokens.Revoke(context.WithoutCancel(ctx), issued.Record, codeEntryAllowlistFailed); rerr != nil {
			h.logger.Error("revoke after allowlist failure", zap.String("token_id", issued.Record.ID), zap.Error(rerr))
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": codeEntryAllowlistFailed})
		return
	}

	c.JSON(http.StatusOK, connectResponse{
		Host:         h.cfg.PublicHost,
		Port:         h.cfg.PublicPort,
		ExpiresIn:    issued.ExpiresIn,
		ConnectToken: issued.Token,
	})
}

// currentUser loads the session's user, creating the row on first sight.
func (h *Handler) currentUser(ctx context.Context) (*userdomain.User, error) {
	userID, ok := middleware.GetUserID(ctx)
	if !ok || userID == "" {
		return nil, errUnauthenticated
	}
	u, err := h.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u != nil {
		return u, nil
	}
	username, _ := middleware.GetUsername(ctx)
	u = &userdomain.User{ID: userID, Username: username}
	if err := h.users.Upsert(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

var errUnauthenticated = errors.New(codeUnauthorized)

var errorStatus = []struct {
	err    error
	status int
}{
	{errUnauthenticated, http.StatusUnauthorized},
	{ctdomain.ErrIdentifiersRequired, http.StatusBadRequest},
	{ctdomain.ErrInvalidIP, http.StatusBadRequest},
	{ctdomain.ErrTokenAlreadyActive, http.StatusTooManyRequests},
	{ctdomain.ErrRateLimited, http.StatusTooManyRequests},
	{ctdomain.ErrCooldown, http.StatusTooManyRequests},
}

// writeError maps err to a status and {"error": code}. Unknown errors are logged and returned as server_error.
func (h *Handler) writeError(c *gin.Context, err error) {
	for _, e := range errorStatus {
		if errors.Is(err, e.err) {
			c.JSON(e.status, gin.H{"error": e.err.Error()})
			return
		}
	}
	h.logger.Error("connect api error", zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": codeServerError})
}
