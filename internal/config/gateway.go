package config

import (
	"errors"
	"net"
	"strconv"
	"time"
)

// GatewayConfig holds Entry Allowlist Gateway configuration. The gateway runs on the
// firewall host and shares nothing with the connect API except the entry token.
type GatewayConfig struct {
	// ListenHost is the interface the gateway binds to. Required so it is never exposed on 0.0.0.0 by accident.
	ListenHost string `mapstructure:"LISTEN_HOST"`
	// ListenPort is the gateway TCP port.
	ListenPort int `mapstructure:"LISTEN_PORT"`
	// EntryToken is the shared secret expected in X-Entry-Token. Required.
	EntryToken string `mapstructure:"ENTRY_TOKEN"`
	// AllowedSources is a comma-separated list of caller addresses; empty allows any caller.
	AllowedSources string `mapstructure:"ALLOWED_SOURCES"`

	// NFTBin is the nft executable.
	NFTBin string `mapstructure:"NFT_BIN"`
	// NFTFamily, NFTTable and NFTSet name the allow-set mutated by the gateway.
	NFTFamily string `mapstructure:"NFT_FAMILY"`
	NFTTable  string `mapstructure:"NFT_TABLE"`
	NFTSet    string `mapstructure:"NFT_SET"`
	// MaxTTLSeconds is the ceiling applied to every requested TTL.
	MaxTTLSeconds int `mapstructure:"MAX_TTL_SECONDS"`
	// NFTTimeout bounds one nft invocation (e.g. "5s").
	NFTTimeout string `mapstructure:"NFT_TIMEOUT"`

	// LogLevel is the zap level (debug, info, warn, error).
	LogLevel string `mapstructure:"LOG_LEVEL"`
	// OTLPEndpoint is the OTLP gRPC collector for gateway metrics; empty disables export.
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure bool   `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
}

// LoadGateway reads .env (if present) and the environment into a GatewayConfig.
// LISTEN_HOST and ENTRY_TOKEN are required; their absence is a fatal startup error.
func LoadGateway() (*GatewayConfig, error) {
	v := newViper()

	v.SetDefault("LISTEN_HOST", "")
	v.SetDefault("LISTEN_PORT", 9001)
	v.SetDefault("ENTRY_TOKEN", "")
	v.SetDefault("ALLOWED_SOURCES", "")
	v.SetDefault("NFT_BIN", "/usr/sbin/nft")
	v.SetDefault("NFT_FAMILY", "inet")
	v.SetDefault("NFT_TABLE", "filter")
	v.SetDefault("NFT_SET", "allow_udp_30120")
	v.SetDefault("MAX_TTL_SECONDS", 90)
	v.SetDefault("NFT_TIMEOUT", "5s")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)

	var cfg GatewayConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.ListenHost == "" || cfg.EntryToken == "" {
		return nil, errors.New("config: LISTEN_HOST and ENTRY_TOKEN must be set")
	}
	if cfg.ListenPort <= 0 || cfg.ListenPort > 65535 {
		return nil, errors.New("config: LISTEN_PORT must be between 1 and 65535")
	}
	if cfg.MaxTTLSeconds <= 0 {
		return nil, errors.New("config: MAX_TTL_SECONDS must be positive")
	}
	return &cfg, nil
}

// Addr returns the host:port the gateway listens on.
func (c *GatewayConfig) Addr() string {
	return net.JoinHostPort(c.ListenHost, strconv.Itoa(c.ListenPort))
}

// AllowedSourcesList returns the permitted caller addresses. Empty means any caller.
func (c *GatewayConfig) AllowedSourcesList() []string {
	if c == nil {
		return nil
	}
	return splitList(c.AllowedSources)
}

// Timeout parses NFTTimeout. Returns 5s if unset or invalid.
func (c *GatewayConfig) Timeout() time.Duration {
	return parseDurationOr(c.NFTTimeout, 5*time.Second)
}
