// Package middleware holds gin middleware shared by the connect API routes.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"connect-gate/internal/security"
)

const bearerPrefix = "bearer "

// SessionValidator validates a session JWT. *security.TokenProvider implements it.
type SessionValidator interface {
	Validate(token string) (*security.SessionClaims, error)
}

// RequireSession returns middleware that validates the Bearer session token and stores the
// caller's identity in the request context. Missing or invalid tokens abort with 401 unauthorized.
func RequireSession(tokens SessionValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearer(c.GetHeader("Authorization"))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		claims, err := tokens.Validate(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		ctx := WithIdentity(c.Request.Context(), claims.Subject, claims.Username)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// extractBearer returns the Bearer token from an Authorization header value, or "" if missing or malformed.
func extractBearer(header string) string {
	v := strings.TrimSpace(header)
	if len(v) < len(bearerPrefix) {
		return ""
	}
	if !strings.EqualFold(v[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(v[len(bearerPrefix):])
}
