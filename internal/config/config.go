// Package config handles YAML configuration loading with environment
// variable expansion, plus first-run database seeding.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"

	"github.com/modelrelay/relay/internal/pricing"
	"github.com/modelrelay/relay/internal/ratelimit"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server     ServerConfig    `yaml:"server"`
	Database   DatabaseConfig  `yaml:"database"`
	Redis      RedisConfig     `yaml:"redis"`
	Admin      AdminConfig     `yaml:"admin"`
	Catalog    CatalogConfig   `yaml:"catalog"`
	RateLimits RateLimitConfig `yaml:"rate_limits"`
	Pricing    PricingConfig   `yaml:"pricing"`
	Telemetry  TelemetryConfig `yaml:"telemetry"`
	Cache      CacheConfig     `yaml:"cache"`
	Failover   FailoverConfig  `yaml:"failover"`
	Providers  []ProviderEntry `yaml:"providers"`
	Users      []UserEntry     `yaml:"users"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// RedisConfig holds rate limit counter store settings. An empty Addr
// disables Redis-backed limiting (every request is allowed).
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// AdminConfig guards the admin endpoints.
type AdminConfig struct {
	APIKey string `yaml:"api_key"` // usually ${ADMIN_API_KEY}
}

// CatalogConfig controls the model catalog cache.
type CatalogConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// RateLimitConfig holds per-tier and per-user ceilings. Empty maps fall back
// to built-in tier defaults.
type RateLimitConfig struct {
	Tiers map[string]ratelimit.Limits `yaml:"tiers"`
	Users map[string]ratelimit.Limits `yaml:"users"`
}

// PricingConfig extends the built-in manual price table. Entries here win
// over the defaults on prefix ties.
type PricingConfig struct {
	Table []pricing.Entry `yaml:"table"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// CacheConfig controls the optional buffered-response cache. Disabled by
// default; identical requests always hit the upstream.
type CacheConfig struct {
	Enabled    bool          `yaml:"enabled"`
	MaxEntries int           `yaml:"max_entries"`
	TTL        time.Duration `yaml:"ttl"`
}

// FailoverConfig tunes the failover chain and circuit breaker.
type FailoverConfig struct {
	Order          []string `yaml:"order"` // empty uses the built-in order
	BreakerEnabled *bool    `yaml:"breaker_enabled"`
}

// BreakerOn reports whether the circuit breaker is enabled (default true).
func (f FailoverConfig) BreakerOn() bool {
	return f.BreakerEnabled == nil || *f.BreakerEnabled
}

// ProviderEntry is an upstream gateway definition. Preset gateways only need
// Name and APIKey; Vertex additionally needs Project and Location.
type ProviderEntry struct {
	Name       string            `yaml:"name"`
	BaseURL    string            `yaml:"base_url"` // overrides the preset URL
	APIKey     string            `yaml:"api_key"`  // usually ${PROVIDER_API_KEY}
	AuthHeader string            `yaml:"auth_header"`
	Headers    map[string]string `yaml:"headers"`
	Enabled    *bool             `yaml:"enabled"`
	TimeoutMs  int               `yaml:"timeout_ms"`

	// Vertex AI only.
	Project     string `yaml:"project"`
	Location    string `yaml:"location"`
	Credentials string `yaml:"credentials"` // raw or base64 service account JSON
}

// IsEnabled reports whether the provider is enabled (defaults to true when nil).
func (p ProviderEntry) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// UserEntry is a user seed in the config file.
type UserEntry struct {
	Name    string  `yaml:"name"`
	Key     string  `yaml:"key"` // plaintext, hashed on bootstrap
	Credits float64 `yaml:"credits"`
	Tier    string  `yaml:"tier"`
	Trial   bool    `yaml:"trial"`
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    300 * time.Second, // streams run long
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			DSN: "relay.db",
		},
		Catalog: CatalogConfig{
			TTL: time.Hour,
		},
		Cache: CacheConfig{
			MaxEntries: 1024,
			TTL:        5 * time.Minute,
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the gateway cannot run with.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	seen := map[string]struct{}{}
	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("providers[%d]: name is required", i)
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("providers[%d]: duplicate gateway %q", i, p.Name)
		}
		seen[p.Name] = struct{}{}
		if p.Name == "google-vertex" && p.IsEnabled() {
			if p.Project == "" || p.Location == "" {
				return fmt.Errorf("providers[%d]: google-vertex needs project and location", i)
			}
		}
	}
	for i, u := range c.Users {
		if u.Key == "" {
			return fmt.Errorf("users[%d]: key is required", i)
		}
		if u.Credits < 0 {
			return fmt.Errorf("users[%d]: credits must not be negative", i)
		}
	}
	return nil
}
