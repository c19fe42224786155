package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-driver/internal/governance"
)

func writeFile(t testing.TB, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const yamlConfig = `
server:
  listen_addr: ":9000"
  shutdown_timeout: 10s
logging:
  level: debug
  pretty: true
driver:
  low_watermark: 1024
  high_watermark: 4096
services:
  blackbox:
    host: bb.local
    port: 8080
    timeout: 2s
    nodelay: true
    retries: 3
auth:
  enabled: true
  client_id: cid
  cache:
    backend: memory
    ttl: 30s
commands:
  - name: read_table
    argv: ["yt-read", "--format", "json"]
    input_type: "null"
    output_type: tabular
    is_heavy: true
limits:
  read_table:
    requests_per_second: 5
    burst: 10
`

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "driver.yaml", yamlConfig)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.ListenAddr)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Pretty)
	assert.Equal(t, 1024, cfg.Driver.LowWatermark)
	assert.Equal(t, 4096, cfg.Driver.HighWatermark)

	assert.Equal(t, "bb.local", cfg.Services.Blackbox.Host)
	assert.Equal(t, 2*time.Second, cfg.Services.Blackbox.Timeout)
	assert.Equal(t, 3, cfg.Services.Blackbox.Retries)
	// Untouched sections keep their defaults.
	assert.Equal(t, Default().Services.OAuth, cfg.Services.OAuth)

	require.Len(t, cfg.Commands, 1)
	assert.Equal(t, []string{"yt-read", "--format", "json"}, cfg.Commands[0].Argv)
	assert.True(t, cfg.Commands[0].IsHeavy)
	assert.Equal(t, 5.0, cfg.Limits["read_table"].RequestsPerSecond)

	bc := cfg.BridgeConfig()
	assert.Equal(t, cfg.Commands, bc.Commands)
	assert.Equal(t, Default().Engine.StderrTail, bc.StderrTail)
}

func TestLoadJSONC(t *testing.T) {
	path := writeFile(t, t.TempDir(), "driver.jsonc", `{
  // listener
  "server": {"listen_addr": ":9100", "shutdown_timeout": "5s"},
  "services": {
    "oauth": {"host": "oauth.local", "port": 9443, "timeout": "1s", "retries": 2,},
  },
  /* block comment */
  "commands": [{"name": "echo", "argv": ["cat"]}],
}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.Server.ListenAddr)
	assert.Equal(t, 5*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "oauth.local", cfg.Services.OAuth.Host)
	assert.Equal(t, time.Second, cfg.Services.OAuth.Timeout)
	require.Len(t, cfg.Commands, 1)
	assert.Equal(t, "echo", cfg.Commands[0].Name)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("POLIS_DRIVER_LISTEN_ADDR", ":7000")
	t.Setenv("POLIS_DRIVER_LOG_LEVEL", "warn")
	t.Setenv("POLIS_DRIVER_OAUTH_CLIENT_SECRET", "s3cret")
	t.Setenv("POLIS_DRIVER_REDIS_URL", "redis://localhost:6379/0")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Server.ListenAddr)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "s3cret", cfg.Auth.ClientSecret)
	assert.Equal(t, "redis", cfg.Auth.Cache.Backend)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Auth.Cache.RedisURL)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "empty listen addr", mutate: func(c *Config) { c.Server.ListenAddr = "" }, wantErr: "listen_addr"},
		{name: "zero shutdown", mutate: func(c *Config) { c.Server.ShutdownTimeout = 0 }, wantErr: "shutdown_timeout"},
		{name: "bad watermarks", mutate: func(c *Config) { c.Driver.LowWatermark = c.Driver.HighWatermark }, wantErr: "driver configuration"},
		{name: "bad blackbox port", mutate: func(c *Config) { c.Services.Blackbox.Port = 0 }, wantErr: "services.blackbox"},
		{name: "bad oauth retries", mutate: func(c *Config) { c.Services.OAuth.Retries = 0 }, wantErr: "services.oauth"},
		{name: "unknown cache", mutate: func(c *Config) { c.Auth.Cache.Backend = "memcached" }, wantErr: "unknown cache backend"},
		{name: "redis without url", mutate: func(c *Config) { c.Auth.Cache.Backend = "redis" }, wantErr: "redis_url"},
		{name: "policy without module", mutate: func(c *Config) { c.Policy.Enabled = true }, wantErr: "module_path"},
		{name: "tracing without endpoint", mutate: func(c *Config) { c.Tracing.Enabled = true }, wantErr: "endpoint"},
		{name: "metrics path", mutate: func(c *Config) { c.Metrics.Path = "metrics" }, wantErr: "must start with /"},
		{
			name:    "bad limit",
			mutate:  func(c *Config) { c.Limits = map[string]governance.LimitConfig{"x": {RequestsPerSecond: 0}} },
			wantErr: "requests_per_second",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
