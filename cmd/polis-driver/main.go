// Package main is the entry point for the polis-driver binary.
// It serves registered commands over HTTP, streaming request and response
// bodies through child processes.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/polisai/polis-driver/internal/governance"
	"github.com/polisai/polis-driver/pkg/auth"
	"github.com/polisai/polis-driver/pkg/bridge"
	"github.com/polisai/polis-driver/pkg/config"
	"github.com/polisai/polis-driver/pkg/driver"
	"github.com/polisai/polis-driver/pkg/logging"
	"github.com/polisai/polis-driver/pkg/policy"
	"github.com/polisai/polis-driver/pkg/proxy"
	"github.com/polisai/polis-driver/pkg/telemetry"
)

const telemetryShutdownTimeout = 5 * time.Second

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// Load .env file if present
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for polis-driver
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "polis-driver",
		Short: "Streaming command driver for Polis",
		Long: `A proxy that authenticates HTTP requests and streams their bodies
through child processes with bounded buffering in both directions.

Example:
  polis-driver serve --config driver.yaml`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to configuration file (YAML or JSONC)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(newServeCmd(), newCommandsCmd(), newValidateCmd(), newVersionCmd())
	return rootCmd
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE:  runServe,
	}
	cmd.Flags().IntP("port", "p", 0, "Port to listen on (overrides config if non-zero)")
	cmd.Flags().Bool("pretty", false, "Enable pretty console logging")
	return cmd
}

func newCommandsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "commands",
		Short: "List the configured commands",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			asJSON, _ := cmd.Flags().GetBool("json")
			return printCommands(cmd.OutOrStdout(), cfg, asJSON)
		},
	}
	cmd.Flags().Bool("json", false, "Print descriptors as JSON")
	return cmd
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration OK: %d commands\n", len(cfg.Commands))
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "polis-driver", version)
		},
	}
}

// loadConfig loads the file named by --config and applies flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("failed to get config flag: %w", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	if port, err := cmd.Flags().GetInt("port"); err == nil && port > 0 {
		cfg.Server.ListenAddr = fmt.Sprintf(":%d", port)
	}
	if f := cmd.Flags().Lookup("pretty"); f != nil && f.Changed {
		cfg.Logging.Pretty = f.Value.String() == "true"
	}
	return cfg, nil
}

func printCommands(w io.Writer, cfg *config.Config, asJSON bool) error {
	descriptors := make([]driver.CommandDescriptor, 0, len(cfg.Commands))
	for _, spec := range cfg.Commands {
		descriptors = append(descriptors, spec.Descriptor())
	}

	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(descriptors)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tINPUT\tOUTPUT\tVOLATILE\tHEAVY")
	for _, d := range descriptors {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%t\n", d.Name, d.InputType, d.OutputType, d.IsVolatile, d.IsHeavy)
	}
	return tw.Flush()
}

// app holds the wired components of a running driver.
type app struct {
	server   *proxy.Server
	engine   *bridge.ProcessEngine
	limiter  *governance.CommandLimiter
	reloader *config.Reloader
	cache    auth.TokenCache
}

// buildApp wires every component described by cfg and registers their
// metrics with reg.
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, reg *prometheus.Registry) (*app, error) {
	engine, err := bridge.NewProcessEngine(cfg.BridgeConfig(),
		bridge.WithLogger(logger),
		bridge.WithMetrics(bridge.NewMetrics(reg)),
	)
	if err != nil {
		return nil, fmt.Errorf("process engine: %w", err)
	}

	d, err := driver.NewDriver(engine, cfg.Driver,
		driver.WithLogger(logger),
		driver.WithMetrics(driver.NewMetrics(reg)),
	)
	if err != nil {
		return nil, fmt.Errorf("driver: %w", err)
	}

	authMetrics := auth.NewMetrics(reg)
	clientOpts := []auth.ClientOption{auth.WithLogger(logger), auth.WithMetrics(authMetrics)}
	blackbox := auth.NewBlackbox(cfg.Services.Blackbox, clientOpts...)
	oauth := auth.NewOAuth(cfg.Services.OAuth, clientOpts...)
	limiter := governance.NewCommandLimiter(cfg.Limits, nil)

	a := &app{engine: engine, limiter: limiter}

	opts := []proxy.Option{
		proxy.WithLogger(logger),
		proxy.WithMetrics(proxy.NewMetrics(reg)),
		proxy.WithLimiter(limiter),
	}

	if cfg.Auth.Enabled {
		cache, err := newTokenCache(ctx, cfg.Auth.Cache, logger)
		if err != nil {
			return nil, err
		}
		a.cache = cache
		opts = append(opts, proxy.WithAuthenticator(auth.NewAuthenticator(blackbox, cache, cfg.Auth.Cache.TTL, logger, authMetrics)))
		if cfg.Auth.ClientID != "" {
			opts = append(opts, proxy.WithOAuth(oauth, cfg.Auth.ClientID, cfg.Auth.ClientSecret))
		}
	}

	if cfg.Policy.Enabled {
		authorizer, err := policy.LoadAuthorizer(ctx, cfg.Policy.ModulePath, cfg.Policy.Query, policy.Options{Logger: logger})
		if err != nil {
			a.closeCache(logger)
			return nil, fmt.Errorf("policy: %w", err)
		}
		opts = append(opts, proxy.WithAuthorizer(authorizer))
	}

	if cfg.Metrics.Enabled {
		opts = append(opts, proxy.WithMetricsEndpoint(cfg.Metrics.Path, reg))
	}

	a.server = proxy.NewServer(d, opts...)

	a.reloader = config.NewReloader(cfg, logger,
		func(c *config.Config) error {
			blackbox.Update(c.Services.Blackbox)
			oauth.Update(c.Services.OAuth)
			return nil
		},
		func(c *config.Config) error {
			limiter.Configure(c.Limits)
			return nil
		},
		func(c *config.Config) error {
			a.server.SetOAuthCredentials(c.Auth.ClientID, c.Auth.ClientSecret)
			return nil
		},
	)
	a.reloader.RegisterMetrics(reg)

	return a, nil
}

// newTokenCache creates the token cache selected by cfg. A nil cache
// disables caching.
func newTokenCache(ctx context.Context, cfg config.CacheConfig, logger *slog.Logger) (auth.TokenCache, error) {
	switch cfg.Backend {
	case "none":
		return nil, nil
	case "redis":
		cache, err := auth.NewRedisTokenCache(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		if err := cache.Ping(ctx); err != nil {
			// Lookups fail open to Blackbox, so an unreachable Redis is not fatal.
			logger.Warn("Redis token cache unreachable", "error", err)
		}
		return cache, nil
	default:
		return auth.NewMemoryTokenCache(nil), nil
	}
}

func (a *app) closeCache(logger *slog.Logger) {
	if a.cache == nil {
		return
	}
	if err := a.cache.Close(); err != nil {
		logger.Error("Failed to close token cache", "error", err)
	}
}

// runServe is the main entry point for the serve command
func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	configPath, _ := cmd.Flags().GetString("config")

	logger := logging.Setup(cfg.Logging)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracingCfg := telemetry.Config{ServiceName: cfg.Tracing.ServiceName, Insecure: cfg.Tracing.Insecure}
	if cfg.Tracing.Enabled {
		tracingCfg.Endpoint = cfg.Tracing.Endpoint
	}
	shutdownTelemetry, err := telemetry.SetupProvider(ctx, tracingCfg)
	if err != nil {
		return fmt.Errorf("telemetry initialization failed: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Error("Telemetry shutdown error", "error", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a, err := buildApp(ctx, cfg, logger, reg)
	if err != nil {
		logger.Error("Failed to initialize driver", "error", err)
		return err
	}
	defer a.closeCache(logger)

	if configPath != "" {
		watcher, err := config.NewWatcher(configPath, a.reloader.ReloadConfig, logger)
		if err != nil {
			return fmt.Errorf("config watcher: %w", err)
		}
		if err := watcher.Start(ctx); err != nil {
			return fmt.Errorf("config watcher: %w", err)
		}
		defer func() { _ = watcher.Stop() }()
	}

	logger.Info("Starting polis-driver",
		"version", version,
		"listen_addr", cfg.Server.ListenAddr,
		"commands", len(cfg.Commands),
		"auth", cfg.Auth.Enabled,
		"policy", cfg.Policy.Enabled,
	)

	serveErr := a.server.Start(ctx, cfg.Server.ListenAddr, cfg.Server.ShutdownTimeout)

	// Child processes of cancelled executions get the shutdown timeout to exit.
	waitCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := a.engine.Wait(waitCtx); err != nil {
		logger.Warn("Child processes still running at shutdown", "error", err)
	}

	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		logger.Error("Server error", "error", serveErr)
		return serveErr
	}
	logger.Info("Shutdown complete")
	return nil
}
