// server runs the connect API: player profile and identifier binding, the connect flow that issues
// single-use tokens and opens the entry firewall, and the game-server validate endpoint.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"connect-gate/internal/config"
	connecthandler "connect-gate/internal/connect/handler"
	"connect-gate/internal/connecttoken/repository"
	"connect-gate/internal/connecttoken/service"
	"connect-gate/internal/db"
	"connect-gate/internal/gateway/client"
	healthhandler "connect-gate/internal/health/handler"
	"connect-gate/internal/logging"
	"connect-gate/internal/platform/ratelimit"
	"connect-gate/internal/policy/engine"
	"connect-gate/internal/security"
	"connect-gate/internal/server"
	"connect-gate/internal/telemetry"
	telemetryotel "connect-gate/internal/telemetry/otel"
	"connect-gate/internal/telemetry/producer"
	userrepo "connect-gate/internal/user/repository"
	validatehandler "connect-gate/internal/validate/handler"
)

const serviceName = "connect-gate"

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	ctx := context.Background()

	providers, err := telemetryotel.NewProviders(ctx, telemetryotel.Options{
		ServiceName: serviceName,
		Version:     version,
		Role:        telemetryotel.RoleAPI,
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
	})
	if err != nil {
		logger.Fatal("otel", zap.Error(err))
	}
	providers.SetGlobal()
	metrics, err := telemetryotel.NewMetrics(providers.MeterProvider)
	if err != nil {
		logger.Fatal("metrics", zap.Error(err))
	}

	database, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer database.Close()

	hasher, err := security.NewTokenHasher(cfg.TokenHashSecret)
	if err != nil {
		logger.Fatal("token hasher", zap.Error(err))
	}
	sessions, err := security.LoadVerifier(cfg.JWTPublicKey, cfg.JWTIssuer, cfg.JWTAudience)
	if err != nil {
		logger.Fatal("session verifier", zap.Error(err))
	}

	policySrc, err := engine.LoadPolicy(cfg.ConnectPolicyFile)
	if err != nil {
		logger.Fatal("admission policy", zap.Error(err))
	}
	policy, err := engine.NewOPAEvaluator(ctx, policySrc)
	if err != nil {
		logger.Fatal("admission policy", zap.Error(err))
	}

	limiter, closeLimiter := newConnectLimiter(ctx, cfg, logger)
	defer closeLimiter()

	kafkaProducer := producer.NewKafkaProducer(cfg.TelemetryKafkaBrokersList(), cfg.TelemetryKafkaTopic)
	defer func() { _ = kafkaProducer.Close() }()
	emitters := telemetry.MultiEmitter{telemetryotel.NewEventEmitter(providers.LoggerProvider)}
	if kafkaProducer != nil {
		emitters = append(emitters, kafkaProducer)
	}

	tokens := service.NewTokenService(
		repository.NewPostgresRepository(database),
		hasher,
		service.Config{
			TTL:           cfg.TokenTTL(),
			RatePerMinute: cfg.ConnectRatePerMin,
			Cooldown:      cfg.CooldownWindow(),
			StrictIP:      cfg.EnforceIPMatch,
			Retention:     cfg.Retention(),
		},
		service.WithEmitter(emitters),
		service.WithMetrics(metrics),
		service.WithLogger(logger),
		service.WithServiceName(serviceName),
	)
	purgeCtx, stopPurge := context.WithCancel(ctx)
	defer stopPurge()
	purger, err := tokens.StartPurge(purgeCtx, cfg.TokenPurgeSchedule)
	if err != nil {
		logger.Fatal("token purge", zap.Error(err))
	}

	gateway := client.New(cfg.EntryAllowlistURL, cfg.EntryAllowlistToken, cfg.EntryAllowlistMaxTTLSeconds, cfg.AllowlistTimeout())
	users := userrepo.NewPostgresRepository(database)

	gin.SetMode(gin.ReleaseMode)
	router, err := server.NewRouter(server.Deps{
		Connect: connecthandler.NewHandler(users, tokens, policy, gateway, connecthandler.Config{
			Enabled:      cfg.ConnectEnabled,
			BlockReason:  cfg.ConnectBlockReason,
			AllowlistTTL: cfg.EntryAllowlistTTLSeconds,
			PublicHost:   cfg.EntryPublicHost,
			PublicPort:   cfg.EntryPublicPort,
		}, logger),
		Validate:       validatehandler.NewHandler(tokens, cfg.FivemValidateSecret, logger),
		Health:         healthhandler.NewHandler(database, policy, logger),
		Sessions:       sessions,
		ConnectLimiter: limiter,
		CORSOrigins:    cfg.CORSOrigins(),
		TrustedProxies: cfg.TrustedProxies(),
		ServiceName:    serviceName,
		Logger:         logger,
	})
	if err != nil {
		logger.Fatal("router", zap.Error(err))
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.AllowlistTimeout() + 15*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("connect api listening",
			zap.String("addr", cfg.HTTPAddr),
			zap.Bool("connect_enabled", cfg.ConnectEnabled),
			zap.Bool("enforce_ip_match", cfg.EnforceIPMatch),
			zap.Bool("kafka_events", kafkaProducer != nil))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("serve", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down connect api...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", zap.Error(err))
	}
	<-purger.Stop().Done()
	// Let in-flight EmitAsync calls finish before closing their sinks.
	time.Sleep(telemetry.ShutdownDrainDuration)
	if err := providers.Shutdown(shutdownCtx); err != nil {
		logger.Warn("otel shutdown", zap.Error(err))
	}
	logger.Info("connect api stopped")
}

// newConnectLimiter returns the per-IP limiter for POST /api/connect: Redis when REDIS_ADDR is set,
// otherwise in-process. The returned func releases the Redis client.
func newConnectLimiter(ctx context.Context, cfg *config.Config, logger *zap.Logger) (ratelimit.Limiter, func()) {
	limit := server.ConnectRouteLimit(cfg.ConnectRatePerMin)
	if cfg.RedisAddr == "" {
		logger.Info("connect route limiter: in-memory", zap.Int("limit", limit))
		return ratelimit.NewMemoryLimiter(limit, server.ConnectRouteWindow), func() {}
	}
	rdb, err := ratelimit.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	logger.Info("connect route limiter: redis", zap.String("addr", cfg.RedisAddr), zap.Int("limit", limit))
	return ratelimit.NewRedisLimiter(rdb, limit, server.ConnectRouteWindow), func() { _ = rdb.Close() }
}
