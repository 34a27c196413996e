// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds connect API configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the connect API listens on (e.g. :8080).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// DatabaseURL is the Postgres DSN.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// LogLevel is the zap level (debug, info, warn, error).
	LogLevel string `mapstructure:"LOG_LEVEL"`

	// TokenHashSecret keys the HMAC used to store connect tokens. Required.
	TokenHashSecret string `mapstructure:"TOKEN_HASH_SECRET"`
	// TokenTTLSeconds is the lifetime of an issued connect token.
	TokenTTLSeconds int `mapstructure:"TOKEN_TTL_SECONDS"`
	// ConnectRatePerMin caps tokens created per owner in a trailing 60s window.
	ConnectRatePerMin int `mapstructure:"CONNECT_RATE_PER_MIN"`
	// ConnectCooldownSeconds rejects a create when any token was created for the owner within this window. 0 disables it.
	ConnectCooldownSeconds int `mapstructure:"CONNECT_COOLDOWN_SECONDS"`
	// EnforceIPMatch requires the consuming address to equal the issuing address.
	EnforceIPMatch bool `mapstructure:"ENFORCE_IP_MATCH"`
	// ConnectEnabled is the connect kill switch fed to the admission policy.
	ConnectEnabled bool `mapstructure:"CONNECT_ENABLED"`
	// ConnectBlockReason is the error code returned while connect is disabled.
	ConnectBlockReason string `mapstructure:"CONNECT_BLOCK_REASON"`
	// ConnectPolicyFile optionally replaces the embedded admission Rego policy.
	ConnectPolicyFile string `mapstructure:"CONNECT_POLICY_FILE"`
	// TokenPurgeSchedule is the cron spec for deleting long-expired tokens.
	TokenPurgeSchedule string `mapstructure:"TOKEN_PURGE_SCHEDULE"`
	// TokenRetention is how long expired tokens are kept before purge (e.g. "24h").
	TokenRetention string `mapstructure:"TOKEN_RETENTION"`

	// FivemValidateSecret authenticates the game server on /api/fivem/validate. Required.
	FivemValidateSecret string `mapstructure:"FIVEM_VALIDATE_SECRET"`

	// JWTPublicKey is the PEM-encoded public key or path to file used to verify session JWTs. Required.
	JWTPublicKey string `mapstructure:"JWT_PUBLIC_KEY"`
	// JWTIssuer is the expected iss claim.
	JWTIssuer string `mapstructure:"JWT_ISSUER"`
	// JWTAudience is the expected aud claim.
	JWTAudience string `mapstructure:"JWT_AUDIENCE"`
	// JWTPrivateKey is only read by cmd/seed to sign a development session token.
	JWTPrivateKey string `mapstructure:"JWT_PRIVATE_KEY"`

	// EntryAllowlistURL is the gateway endpoint (e.g. http://10.0.0.2:9001/allowlist). Required.
	EntryAllowlistURL string `mapstructure:"ENTRY_ALLOWLIST_URL"`
	// EntryAllowlistToken is sent as X-Entry-Token. Required.
	EntryAllowlistToken string `mapstructure:"ENTRY_ALLOWLIST_TOKEN"`
	// EntryAllowlistTTLSeconds is the window requested from the gateway per connect.
	EntryAllowlistTTLSeconds int `mapstructure:"ENTRY_ALLOWLIST_TTL_SECONDS"`
	// EntryAllowlistMaxTTLSeconds is the client-side ceiling applied before calling the gateway.
	EntryAllowlistMaxTTLSeconds int `mapstructure:"ENTRY_ALLOWLIST_MAX_TTL_SECONDS"`
	// EntryAllowlistTimeout bounds one gateway call (e.g. "5s").
	EntryAllowlistTimeout string `mapstructure:"ENTRY_ALLOWLIST_TIMEOUT"`
	// EntryPublicHost and EntryPublicPort are returned to the client for the game connect.
	EntryPublicHost string `mapstructure:"ENTRY_PUBLIC_HOST"`
	EntryPublicPort int    `mapstructure:"ENTRY_PUBLIC_PORT"`

	// CORSOrigin is a comma-separated list of allowed browser origins; empty disables CORS.
	CORSOrigin string `mapstructure:"CORS_ORIGIN"`
	// TrustProxy is a comma-separated list of proxy CIDRs/IPs whose X-Forwarded-For is honoured.
	TrustProxy string `mapstructure:"TRUST_PROXY"`

	// Redis backs the per-IP route limiter. Empty address uses an in-process limiter.
	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`

	// OTLPEndpoint is the OTLP gRPC collector; empty disables export.
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// OTLPInsecure forces plaintext even for https endpoints.
	OTLPInsecure bool `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`

	// TelemetryKafkaBrokers is a comma-separated list of Kafka broker addresses (e.g. "localhost:9092").
	TelemetryKafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// TelemetryKafkaTopic is the Kafka topic for connect lifecycle events.
	TelemetryKafkaTopic string `mapstructure:"TELEMETRY_KAFKA_TOPIC"`
	// Worker-only: Loki URL for the event worker to push logs (e.g. http://localhost:3100).
	LokiURL string `mapstructure:"LOKI_URL"`
	// KafkaGroupID is the consumer group ID for the event worker.
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are missing.
func Load() (*Config, error) {
	cfg, err := LoadTooling()
	if err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadTooling builds Config without enforcing the connect API's required secrets.
// Used by cmd/migrate and cmd/worker, which each check only the fields they need.
func LoadTooling() (*Config, error) {
	v := newViper()

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("TOKEN_HASH_SECRET", "")
	v.SetDefault("TOKEN_TTL_SECONDS", 60)
	v.SetDefault("CONNECT_RATE_PER_MIN", 3)
	v.SetDefault("CONNECT_COOLDOWN_SECONDS", 20)
	v.SetDefault("ENFORCE_IP_MATCH", true)
	v.SetDefault("CONNECT_ENABLED", true)
	v.SetDefault("CONNECT_BLOCK_REASON", "connect_disabled")
	v.SetDefault("CONNECT_POLICY_FILE", "")
	v.SetDefault("TOKEN_PURGE_SCHEDULE", "@every 10m")
	v.SetDefault("TOKEN_RETENTION", "24h")
	v.SetDefault("FIVEM_VALIDATE_SECRET", "")
	v.SetDefault("JWT_PUBLIC_KEY", "")
	v.SetDefault("JWT_ISSUER", "connect-gate-auth")
	v.SetDefault("JWT_AUDIENCE", "connect-gate-api")
	v.SetDefault("JWT_PRIVATE_KEY", "")
	v.SetDefault("ENTRY_ALLOWLIST_URL", "")
	v.SetDefault("ENTRY_ALLOWLIST_TOKEN", "")
	v.SetDefault("ENTRY_ALLOWLIST_TTL_SECONDS", 90)
	v.SetDefault("ENTRY_ALLOWLIST_MAX_TTL_SECONDS", 90)
	v.SetDefault("ENTRY_ALLOWLIST_TIMEOUT", "5s")
	v.SetDefault("ENTRY_PUBLIC_HOST", "")
	v.SetDefault("ENTRY_PUBLIC_PORT", 30120)
	v.SetDefault("CORS_ORIGIN", "")
	v.SetDefault("TRUST_PROXY", "")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("TELEMETRY_KAFKA_TOPIC", "connect-gate-events")
	v.SetDefault("KAFKA_GROUP_ID", "connect-gate-event-worker")
	v.SetDefault("LOKI_URL", "")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.HTTPAddr == "" {
		return errors.New("config: HTTP_ADDR must be set")
	}
	if missing := missingKeys(map[string]string{
		"DATABASE_URL":          c.DatabaseURL,
		"TOKEN_HASH_SECRET":     c.TokenHashSecret,
		"FIVEM_VALIDATE_SECRET": c.FivemValidateSecret,
		"JWT_PUBLIC_KEY":        c.JWTPublicKey,
		"ENTRY_ALLOWLIST_URL":   c.EntryAllowlistURL,
		"ENTRY_ALLOWLIST_TOKEN": c.EntryAllowlistToken,
	}); len(missing) > 0 {
		return errors.New("config: missing required env: " + strings.Join(missing, ", "))
	}
	if c.TokenTTLSeconds <= 0 {
		return errors.New("config: TOKEN_TTL_SECONDS must be positive")
	}
	if c.ConnectRatePerMin <= 0 {
		return errors.New("config: CONNECT_RATE_PER_MIN must be positive")
	}
	if c.ConnectCooldownSeconds < 0 {
		return errors.New("config: CONNECT_COOLDOWN_SECONDS must not be negative")
	}
	if c.EntryAllowlistTTLSeconds <= 0 || c.EntryAllowlistMaxTTLSeconds <= 0 {
		return errors.New("config: ENTRY_ALLOWLIST_TTL_SECONDS and ENTRY_ALLOWLIST_MAX_TTL_SECONDS must be positive")
	}

	return nil
}

// TokenTTL returns TokenTTLSeconds as a time.Duration.
func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.TokenTTLSeconds) * time.Second
}

// CooldownWindow returns ConnectCooldownSeconds as a time.Duration.
func (c *Config) CooldownWindow() time.Duration {
	return time.Duration(c.ConnectCooldownSeconds) * time.Second
}

// AllowlistTimeout parses EntryAllowlistTimeout. Returns 5s if unset or invalid.
func (c *Config) AllowlistTimeout() time.Duration {
	return parseDurationOr(c.EntryAllowlistTimeout, 5*time.Second)
}

// Retention parses TokenRetention. Returns 24h if unset or invalid.
func (c *Config) Retention() time.Duration {
	return parseDurationOr(c.TokenRetention, 24*time.Hour)
}

// CORSOrigins returns the allowed browser origins from the comma-separated config.
func (c *Config) CORSOrigins() []string {
	if c == nil {
		return nil
	}
	return splitList(c.CORSOrigin)
}

// TrustedProxies returns the proxy list for gin. Nil means no proxy is trusted.
func (c *Config) TrustedProxies() []string {
	if c == nil {
		return nil
	}
	return splitList(c.TrustProxy)
}

// TelemetryKafkaBrokersList returns Kafka broker addresses from the comma-separated config.
// Used to decide if event export is enabled (non-empty list) and to create the producer.
func (c *Config) TelemetryKafkaBrokersList() []string {
	if c == nil {
		return nil
	}
	return splitList(c.TelemetryKafkaBrokers)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound
	v.AutomaticEnv()
	return v
}

func missingKeys(required map[string]string) []string {
	var out []string
	for _, key := range slices.Sorted(maps.Keys(required)) {
		if strings.TrimSpace(required[key]) == "" {
			out = append(out, key)
		}
	}
	return out
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
