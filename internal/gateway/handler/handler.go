// Package handler serves the entry allowlist gateway: one authenticated endpoint that opens a
// TTL-bounded firewall window for an address.
package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"connect-gate/internal/firewall"
	"connect-gate/internal/platform/ipaddr"
	"connect-gate/internal/security"
	telemetryotel "connect-gate/internal/telemetry/otel"
)

// MaxBodyBytes caps the request body; larger bodies are rejected as invalid_json.
const MaxBodyBytes = 2048

// EntryTokenHeader carries the shared secret.
const EntryTokenHeader = "X-Entry-Token"

// Error codes returned in {"error": code}.
const (
	codeNotFound       = "not_found"
	codeForbidden      = "forbidden"
	codeUnauthorized   = "unauthorized"
	codeInvalidJSON    = "invalid_json"
	codeInvalidIP      = "invalid_ip"
	codeInvalidTTL     = "invalid_ttl"
	codeMutationFailed = "firewall_mutation_failed"
)

// Applier mutates the allow-set.
type Applier interface {
	Apply(ctx context.Context, g firewall.Grant) error
}

// Handler authenticates allowlist requests and forwards them to the Applier.
type Handler struct {
	applier    Applier
	entryToken string
	allowed    map[string]struct{}
	metrics    *telemetryotel.Metrics
	logger     *zap.Logger
}

// NewHandler returns a Handler. An empty allowedSources list disables the source check.
func NewHandler(applier Applier, entryToken string, allowedSources []string, metrics *telemetryotel.Metrics, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	allowed := make(map[string]struct{}, len(allowedSources))
	for _, s := range allowedSources {
		allowed[ipaddr.Normalize(s)] = struct{}{}
	}
	return &Handler{applier: applier, entryToken: entryToken, allowed: allowed, metrics: metrics, logger: logger}
}

// Register mounts POST /allowlist and answers every other route or method with 404.
// The path must match exactly: no trailing-slash redirect, no case folding, no query string.
func (h *Handler) Register(r *gin.Engine) {
	r.RedirectTrailingSlash = false
	r.RedirectFixedPath = false
	r.POST("/allowlist", exactPath, h.requireSource, h.requireToken, h.allow)
	r.NoRoute(notFound)
	r.NoMethod(notFound)
}

func notFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": codeNotFound})
}

func exactPath(c *gin.Context) {
	if c.Request.URL.RawQuery != "" || c.Request.URL.ForceQuery {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": codeNotFound})
		return
	}
	c.Next()
}

// requireSource checks the TCP peer address. X-Forwarded-For is never consulted here.
func (h *Handler) requireSource(c *gin.Context) {
	if len(h.allowed) == 0 {
		c.Next()
		return
	}
	if _, ok := h.allowed[peerIP(c.Request)]; !ok {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": codeForbidden})
		return
	}
	c.Next()
}

func (h *Handler) requireToken(c *gin.Context) {
	if !security.SecretEqual(c.GetHeader(EntryTokenHeader), h.entryToken) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": codeUnauthorized})
		return
	}
	c.Next()
}

type allowRequest struct {
	IP  *string         `json:"ip"`
	TTL json.RawMessage `json:"ttl"`
}

func (h *Handler) allow(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, MaxBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": codeInvalidJSON})
		return
	}
	var req allowRequest
	if err := json.Unmarshal(body, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": codeInvalidJSON})
		return
	}
	if req.IP == nil || !ipaddr.IsIPv4(*req.IP) {
		c.JSON(http.StatusBadRequest, gin.H{"error": codeInvalidIP})
		return
	}
	ttl, ok := parseTTL(req.TTL)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": codeInvalidTTL})
		return
	}

	err = h.applier.Apply(c.Request.Context(), firewall.Grant{IP: *req.IP, TTL: ttl})
	h.metrics.FirewallMutation(c.Request.Context(), err == nil)
	if err != nil {
		h.logger.Error("allowlist mutation failed", zap.String("ip", *req.IP), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": codeMutationFailed})
		return
	}
	h.logger.Info("allowlist granted", zap.String("ip", *req.IP), zap.Int("ttl", ttl))
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// parseTTL accepts a positive integer given as a JSON number or a decimal string.
func parseTTL(raw json.RawMessage) (int, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, false
	}
	var s string
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false
		}
	} else {
		s = string(raw)
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func peerIP(r *http.Request) string {
	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return ipaddr.Normalize(host)
}
