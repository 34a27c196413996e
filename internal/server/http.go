// Package server assembles the connect API's gin engine from its handlers and middleware.
package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	connecthandler "connect-gate/internal/connect/handler"
	healthhandler "connect-gate/internal/health/handler"
	"connect-gate/internal/logging"
	"connect-gate/internal/platform/ratelimit"
	"connect-gate/internal/server/middleware"
	validatehandler "connect-gate/internal/validate/handler"
)

// ConnectRouteWindow is the window of the per-IP limiter on POST /api/connect.
const ConnectRouteWindow = 60 * time.Second

// Deps holds the handlers and middleware dependencies for the HTTP API.
type Deps struct {
	// Connect serves /api/me, /api/identifiers and /api/connect. If nil, those routes are not mounted.
	Connect *connecthandler.Handler
	// Validate serves /api/fivem/validate. If nil, the route is not mounted.
	Validate *validatehandler.Handler
	// Health serves /health. If nil, the route is not mounted.
	Health *healthhandler.Handler
	// Sessions validates bearer session JWTs for the connect routes.
	Sessions middleware.SessionValidator
	// ConnectLimiter is the per-IP limiter on POST /api/connect.
	ConnectLimiter ratelimit.Limiter
	// CORSOrigins enables CORS for the listed browser origins. Empty disables CORS.
	CORSOrigins []string
	// TrustedProxies are the proxies whose X-Forwarded-For sets the client IP. Nil trusts none.
	TrustedProxies []string
	// ServiceName names the otelgin server spans.
	ServiceName string
	Logger      *zap.Logger
}

// NewRouter returns the connect API engine with every route in deps mounted.
//
// Routes:
//   - GET  /health              → internal/health/handler
//   - GET  /api/me              → internal/connect/handler
//   - POST /api/identifiers     → internal/connect/handler
//   - POST /api/connect         → internal/connect/handler
//   - POST /api/fivem/validate  → internal/validate/handler
func NewRouter(deps Deps) (*gin.Engine, error) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	serviceName := deps.ServiceName
	if serviceName == "" {
		serviceName = "connect-gate"
	}

	r := gin.New()
	if err := r.SetTrustedProxies(deps.TrustedProxies); err != nil {
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}
	r.Use(gin.Recovery(), otelgin.Middleware(serviceName), logging.RequestLogger(logger))
	if len(deps.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     deps.CORSOrigins,
			AllowMethods:     []string{http.MethodGet, http.MethodPost},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
			ExposeHeaders:    []string{"Content-Length", "RateLimit-Limit", "RateLimit-Remaining", "RateLimit-Reset"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	})

	if deps.Health != nil {
		deps.Health.Register(r)
	}
	api := r.Group("/api")
	if deps.Connect != nil {
		if deps.Sessions == nil || deps.ConnectLimiter == nil {
			return nil, fmt.Errorf("connect routes need Sessions and ConnectLimiter")
		}
		limiter := ratelimit.Middleware(deps.ConnectLimiter, "connect", logger)
		deps.Connect.Register(api, middleware.RequireSession(deps.Sessions), limiter)
	}
	if deps.Validate != nil {
		deps.Validate.Register(api)
	}
	return r, nil
}

// ConnectRouteLimit returns the per-IP cap on POST /api/connect for a per-owner rate.
func ConnectRouteLimit(ratePerMinute int) int {
	return max(5, ratePerMinute*5)
}
