// gateway runs the entry allowlist service on the firewall host. It accepts POST /allowlist from the
// connect API and refreshes or inserts the caller-supplied address in the nftables allow-set.
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
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"connect-gate/internal/config"
	"connect-gate/internal/firewall"
	gatewayhandler "connect-gate/internal/gateway/handler"
	"connect-gate/internal/logging"
	telemetryotel "connect-gate/internal/telemetry/otel"
)

const serviceName = "connect-gate-gateway"

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg, err := config.LoadGateway()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	providers, err := telemetryotel.NewProviders(context.Background(), telemetryotel.Options{
		ServiceName: serviceName,
		Version:     version,
		Role:        telemetryotel.RoleGateway,
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

	nft := firewall.NewNFTables(firewall.Config{
		Bin:     cfg.NFTBin,
		Family:  cfg.NFTFamily,
		Table:   cfg.NFTTable,
		Set:     cfg.NFTSet,
		MaxTTL:  cfg.MaxTTLSeconds,
		Timeout: cfg.Timeout(),
	}, firewall.ExecRunner{})

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), otelgin.Middleware(serviceName), logging.RequestLogger(logger))
	// The source allowlist must see the TCP peer, never a forwarded header.
	if err := r.SetTrustedProxies(nil); err != nil {
		logger.Fatal("trusted proxies", zap.Error(err))
	}
	gatewayhandler.NewHandler(nft, cfg.EntryToken, cfg.AllowedSourcesList(), metrics, logger).Register(r)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.Timeout()*2 + 5*time.Second,
	}

	go func() {
		logger.Info("entry gateway listening",
			zap.String("addr", cfg.Addr()),
			zap.String("set", cfg.NFTFamily+" "+cfg.NFTTable+" "+cfg.NFTSet),
			zap.Int("max_ttl", cfg.MaxTTLSeconds),
			zap.Int("allowed_sources", len(cfg.AllowedSourcesList())))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("serve", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down entry gateway...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("shutdown", zap.Error(err))
	}
	if err := providers.Shutdown(ctx); err != nil {
		logger.Warn("otel shutdown", zap.Error(err))
	}
	logger.Info("entry gateway stopped")
}
