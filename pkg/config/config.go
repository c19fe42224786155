// Package config provides configuration structures and loading logic for the driver.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-driver/internal/governance"
	"github.com/polisai/polis-driver/pkg/auth"
	"github.com/polisai/polis-driver/pkg/bridge"
	"github.com/polisai/polis-driver/pkg/driver"
	"github.com/polisai/polis-driver/pkg/logging"
)

// Config holds the global configuration for the driver.
type Config struct {
	Server   ServerConfig                      `yaml:"server" json:"server"`
	Logging  logging.Config                    `yaml:"logging" json:"logging"`
	Driver   driver.WatermarkConfig            `yaml:"driver" json:"driver"`
	Services ServicesConfig                    `yaml:"services" json:"services"`
	Auth     AuthConfig                        `yaml:"auth" json:"auth"`
	Policy   PolicyConfig                      `yaml:"policy" json:"policy"`
	Engine   EngineConfig                      `yaml:"engine" json:"engine"`
	Commands []bridge.CommandSpec              `yaml:"commands" json:"commands"`
	Limits   map[string]governance.LimitConfig `yaml:"limits,omitempty" json:"limits,omitempty"`
	Metrics  MetricsConfig                     `yaml:"metrics" json:"metrics"`
	Tracing  TracingConfig                     `yaml:"tracing" json:"tracing"`
}

// ServerConfig holds configuration for the HTTP server.
type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr" json:"listen_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// ServicesConfig locates the identity services.
type ServicesConfig struct {
	Blackbox auth.ServiceConfig `yaml:"blackbox" json:"blackbox"`
	OAuth    auth.ServiceConfig `yaml:"oauth" json:"oauth"`
}

// AuthConfig controls request authentication.
type AuthConfig struct {
	Enabled      bool        `yaml:"enabled" json:"enabled"`
	ClientID     string      `yaml:"client_id" json:"client_id"`
	ClientSecret string      `yaml:"client_secret" json:"client_secret"`
	Cache        CacheConfig `yaml:"cache" json:"cache"`
}

// CacheConfig selects the token cache backend.
type CacheConfig struct {
	// Backend is "memory", "redis" or "none"
	Backend  string        `yaml:"backend" json:"backend"`
	TTL      time.Duration `yaml:"ttl" json:"ttl"`
	RedisURL string        `yaml:"redis_url" json:"redis_url"`
}

// PolicyConfig configures command authorization.
type PolicyConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	ModulePath string `yaml:"module_path" json:"module_path"`
	Query      string `yaml:"query" json:"query"`
}

// EngineConfig tunes the process engine.
type EngineConfig struct {
	KillTimeout time.Duration `yaml:"kill_timeout" json:"kill_timeout"`
	StderrTail  int           `yaml:"stderr_tail" json:"stderr_tail"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// TracingConfig controls the OTLP exporter.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	Endpoint    string `yaml:"endpoint" json:"endpoint"`
	ServiceName string `yaml:"service_name" json:"service_name"`
	Insecure    bool   `yaml:"insecure" json:"insecure"`
}

// Default returns the built-in configuration.
func Default() *Config {
	engine := bridge.DefaultEngineConfig()
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":8090",
			ShutdownTimeout: 30 * time.Second,
		},
		Logging: logging.Config{Level: "info"},
		Driver:  driver.DefaultWatermarkConfig(),
		Services: ServicesConfig{
			Blackbox: auth.DefaultBlackboxConfig(),
			OAuth:    auth.DefaultOAuthConfig(),
		},
		Auth: AuthConfig{
			Cache: CacheConfig{Backend: "memory", TTL: time.Minute},
		},
		Policy: PolicyConfig{Query: "data.polis.driver.allow"},
		Engine: EngineConfig{
			KillTimeout: engine.KillTimeout,
			StderrTail:  engine.StderrTail,
		},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
		Tracing: TracingConfig{ServiceName: "polis-driver"},
	}
}

// Load reads configuration from a file and applies environment variable
// overrides. Files ending in .jsonc or .json are read as JSON with comments,
// everything else as YAML. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by admin/operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := Parse(data, filepath.Ext(path), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Parse decodes data into cfg. JSON is a subset of YAML, so JSONC input is
// stripped of comments and trailing commas and then decoded by the YAML
// decoder, which keeps duration strings like "15s" working in both formats.
func Parse(data []byte, ext string, cfg *Config) error {
	switch strings.ToLower(ext) {
	case ".jsonc", ".json":
		data = jsonc.ToJSON(data)
	}
	return yaml.Unmarshal(data, cfg)
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("POLIS_DRIVER_LISTEN_ADDR"); val != "" {
		cfg.Server.ListenAddr = val
	}
	if val := os.Getenv("POLIS_DRIVER_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("POLIS_DRIVER_OAUTH_CLIENT_ID"); val != "" {
		cfg.Auth.ClientID = val
	}
	if val := os.Getenv("POLIS_DRIVER_OAUTH_CLIENT_SECRET"); val != "" {
		cfg.Auth.ClientSecret = val
	}
	if val := os.Getenv("POLIS_DRIVER_REDIS_URL"); val != "" {
		cfg.Auth.Cache.Backend = "redis"
		cfg.Auth.Cache.RedisURL = val
	}
	if val := os.Getenv("POLIS_DRIVER_OTLP_ENDPOINT"); val != "" {
		cfg.Tracing.Enabled = true
		cfg.Tracing.Endpoint = val
	}
	if val := os.Getenv("POLIS_DRIVER_OTLP_INSECURE"); val == "true" {
		cfg.Tracing.Insecure = true
	}
}

// BridgeConfig returns the process engine configuration.
func (c *Config) BridgeConfig() bridge.EngineConfig {
	return bridge.EngineConfig{
		Commands:    c.Commands,
		KillTimeout: c.Engine.KillTimeout,
		StderrTail:  c.Engine.StderrTail,
	}
}

// Validate performs validation of the entire configuration
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server configuration: listen_addr cannot be empty")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server configuration: shutdown_timeout must be positive")
	}

	if err := c.Driver.Validate(); err != nil {
		return fmt.Errorf("driver configuration: %w", err)
	}

	if err := c.Services.Blackbox.Validate(); err != nil {
		return fmt.Errorf("services.blackbox configuration: %w", err)
	}
	if err := c.Services.OAuth.Validate(); err != nil {
		return fmt.Errorf("services.oauth configuration: %w", err)
	}

	if err := c.Auth.Validate(); err != nil {
		return fmt.Errorf("auth configuration: %w", err)
	}

	if c.Policy.Enabled {
		if c.Policy.ModulePath == "" {
			return fmt.Errorf("policy configuration: module_path is required when policy is enabled")
		}
		if c.Policy.Query == "" {
			return fmt.Errorf("policy configuration: query is required when policy is enabled")
		}
	}

	if err := c.BridgeConfig().Validate(); err != nil {
		return fmt.Errorf("commands configuration: %w", err)
	}

	for key, limit := range c.Limits {
		if limit.RequestsPerSecond <= 0 {
			return fmt.Errorf("limits.%s: requests_per_second must be positive", key)
		}
		if limit.Burst < 0 {
			return fmt.Errorf("limits.%s: burst must not be negative", key)
		}
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics configuration: path must start with /")
	}

	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing configuration: endpoint is required when tracing is enabled")
	}

	return nil
}

// Validate checks the authentication settings.
func (a AuthConfig) Validate() error {
	switch a.Cache.Backend {
	case "", "none", "memory":
	case "redis":
		if a.Cache.RedisURL == "" {
			return fmt.Errorf("cache.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown cache backend %q", a.Cache.Backend)
	}
	if a.Cache.TTL < 0 {
		return fmt.Errorf("cache.ttl must not be negative")
	}
	return nil
}
