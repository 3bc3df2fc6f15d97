// ABOUTME: Configuration loading and parsing for netra-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete netra-gateway configuration
type Config struct {
	Environment string         `yaml:"environment"`
	Server      ServerConfig   `yaml:"server"`
	Store       StoreConfig    `yaml:"store"`
	Auth        AuthConfig     `yaml:"auth"`
	Registry    RegistryConfig `yaml:"registry"`
	Bridge      BridgeConfig   `yaml:"bridge"`
	Logging     LoggingConfig  `yaml:"logging"`
	Metrics     MetricsConfig  `yaml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr   string `yaml:"http_addr"`
	InstanceID string `yaml:"instance_id"`
}

// StoreConfig selects the backing key-value store
type StoreConfig struct {
	Backend string `yaml:"backend"` // "sqlite" or "memory"
	Path    string `yaml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret          string       `yaml:"jwt_secret"`
	RequiredPermission string       `yaml:"required_permission"`
	PublishPermission  string       `yaml:"publish_permission"`
	Bypass             BypassConfig `yaml:"bypass"`

	IdentityTimeout    time.Duration `yaml:"-"`
	IdentityTimeoutRaw string        `yaml:"identity_timeout"`
}

// BypassConfig enables the non-production test/demo handshake path.
// It is honored only outside production and only when complete.
type BypassConfig struct {
	Enabled bool   `yaml:"enabled"`
	UserID  string `yaml:"user_id"`
}

// Complete reports whether the bypass configuration is usable.
func (b BypassConfig) Complete() bool {
	return b.Enabled && b.UserID != ""
}

// RegistryConfig holds connection registry timing and circuit breaker settings
type RegistryConfig struct {
	SessionTTL       time.Duration `yaml:"-"`
	ActiveTTL        time.Duration `yaml:"-"`
	HeartbeatTimeout time.Duration `yaml:"-"`
	StoreTimeout     time.Duration `yaml:"-"`
	BreakerCooldown  time.Duration `yaml:"-"`

	HistoryLimit     int `yaml:"history_limit"`
	BreakerThreshold int `yaml:"breaker_threshold"`

	// Raw string values for YAML unmarshaling
	SessionTTLRaw       string `yaml:"session_ttl"`
	ActiveTTLRaw        string `yaml:"active_ttl"`
	HeartbeatTimeoutRaw string `yaml:"heartbeat_timeout"`
	StoreTimeoutRaw     string `yaml:"store_timeout"`
	BreakerCooldownRaw  string `yaml:"breaker_cooldown"`
}

// BridgeConfig holds event delivery settings
type BridgeConfig struct {
	MaxRetries    int     `yaml:"max_retries"`
	ThinkingRate  float64 `yaml:"thinking_rate"` // events per second per run, 0 disables limiting
	ThinkingBurst int     `yaml:"thinking_burst"`

	RetryDelay      time.Duration `yaml:"-"`
	TombstoneTTL    time.Duration `yaml:"-"`
	RetryDelayRaw   string        `yaml:"retry_delay"`
	TombstoneTTLRaw string        `yaml:"tombstone_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse builds a Config from raw YAML, applying the same expansion,
// duration parsing, defaults and validation as Load.
func Parse(data []byte) (*Config, error) {
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration usable for tests and local runs.
func Default() *Config {
	cfg := &Config{
		Environment: "development",
		Server:      ServerConfig{HTTPAddr: "127.0.0.1:8080"},
		Store:       StoreConfig{Backend: "memory"},
	}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-valued settings with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Store.Backend == "" {
		c.Store.Backend = "sqlite"
	}
	if c.Auth.RequiredPermission == "" {
		c.Auth.RequiredPermission = "realtime"
	}
	if c.Auth.PublishPermission == "" {
		c.Auth.PublishPermission = "events:publish"
	}
	if c.Auth.IdentityTimeout == 0 {
		c.Auth.IdentityTimeout = 3 * time.Second
	}

	r := &c.Registry
	if r.SessionTTL == 0 {
		r.SessionTTL = 15 * time.Minute
	}
	if r.HeartbeatTimeout == 0 {
		r.HeartbeatTimeout = 90 * time.Second
	}
	if r.ActiveTTL == 0 {
		r.ActiveTTL = 2 * r.HeartbeatTimeout
	}
	if r.StoreTimeout == 0 {
		r.StoreTimeout = 2 * time.Second
	}
	if r.BreakerCooldown == 0 {
		r.BreakerCooldown = 30 * time.Second
	}
	if r.BreakerThreshold == 0 {
		r.BreakerThreshold = 5
	}
	if r.HistoryLimit == 0 {
		r.HistoryLimit = 20
	}

	b := &c.Bridge
	if b.MaxRetries == 0 {
		b.MaxRetries = 2
	}
	if b.RetryDelay == 0 {
		b.RetryDelay = 50 * time.Millisecond
	}
	if b.TombstoneTTL == 0 {
		b.TombstoneTTL = 10 * time.Minute
	}
	if b.ThinkingRate > 0 && b.ThinkingBurst == 0 {
		b.ThinkingBurst = 1
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	switch c.Store.Backend {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("store.backend %q is not one of sqlite, memory", c.Store.Backend)
	}

	if c.Registry.BreakerThreshold < 0 {
		return fmt.Errorf("registry.breaker_threshold must be positive")
	}
	if c.Registry.HistoryLimit < 0 {
		return fmt.Errorf("registry.history_limit must be positive")
	}
	if c.Bridge.MaxRetries < 0 {
		return fmt.Errorf("bridge.max_retries must not be negative")
	}
	if c.Bridge.ThinkingRate < 0 {
		return fmt.Errorf("bridge.thinking_rate must not be negative")
	}

	if c.EnvironmentClass() == Production && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required in production")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"auth.identity_timeout", cfg.Auth.IdentityTimeoutRaw, &cfg.Auth.IdentityTimeout},
		{"registry.session_ttl", cfg.Registry.SessionTTLRaw, &cfg.Registry.SessionTTL},
		{"registry.active_ttl", cfg.Registry.ActiveTTLRaw, &cfg.Registry.ActiveTTL},
		{"registry.heartbeat_timeout", cfg.Registry.HeartbeatTimeoutRaw, &cfg.Registry.HeartbeatTimeout},
		{"registry.store_timeout", cfg.Registry.StoreTimeoutRaw, &cfg.Registry.StoreTimeout},
		{"registry.breaker_cooldown", cfg.Registry.BreakerCooldownRaw, &cfg.Registry.BreakerCooldown},
		{"bridge.retry_delay", cfg.Bridge.RetryDelayRaw, &cfg.Bridge.RetryDelay},
		{"bridge.tombstone_ttl", cfg.Bridge.TombstoneTTLRaw, &cfg.Bridge.TombstoneTTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("parsing %s %q: must not be negative", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}
