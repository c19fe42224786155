package config

import (
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Applier pushes the hot-reloadable parts of a configuration into a running
// component. It must leave the component unchanged when it returns an error.
type Applier func(*Config) error

// Reloader atomically swaps the live configuration when the file changes.
// Settings that only take effect at startup are reported but not applied.
type Reloader struct {
	mu          sync.RWMutex
	current     *Config
	appliers    []Applier
	logger      *slog.Logger
	reloads     *prometheus.CounterVec
	reloadCount int64
	lastReload  time.Time
}

// NewReloader creates a reloader starting from the active configuration.
func NewReloader(current *Config, logger *slog.Logger, appliers ...Applier) *Reloader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reloader{
		current:  current,
		appliers: appliers,
		logger:   logger,
	}
}

// RegisterMetrics registers the config_reloads_total counter.
func (r *Reloader) RegisterMetrics(reg prometheus.Registerer) {
	reloads := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "config_reloads_total",
			Help: "Total number of configuration reloads by status",
		},
		[]string{"status"},
	)
	if reg != nil {
		reg.MustRegister(reloads)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.reloads = reloads
}

// Current returns the active configuration.
func (r *Reloader) Current() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// ReloadConfig loads the file at path and applies it. When an applier fails,
// the appliers that already ran are given the previous configuration again.
func (r *Reloader) ReloadConfig(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	r.logger.Info("Starting configuration reload", "config_path", path)

	next, err := Load(path)
	if err != nil {
		r.record("validation_failed")
		return err
	}

	previous := r.current
	for i, apply := range r.appliers {
		if err := apply(next); err != nil {
			for _, undo := range r.appliers[:i] {
				if rbErr := undo(previous); rbErr != nil {
					r.logger.Error("Configuration rollback failed", "error", rbErr)
				}
			}
			r.record("application_failed")
			return fmt.Errorf("configuration application failed: %w", err)
		}
	}

	if changes := RestartRequiredChanges(previous, next); len(changes) > 0 {
		r.logger.Warn("Some configuration changes require a restart to take effect",
			"changes", changes)
	}

	r.current = next
	r.reloadCount++
	r.lastReload = time.Now()
	r.record("success")

	r.logger.Info("Configuration reload completed successfully",
		"duration", time.Since(start),
		"reload_count", r.reloadCount)
	return nil
}

func (r *Reloader) record(status string) {
	if r.reloads != nil {
		r.reloads.WithLabelValues(status).Inc()
	}
}

// GetReloadStats returns statistics about configuration reloads
func (r *Reloader) GetReloadStats() (int64, time.Time) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.reloadCount, r.lastReload
}

// RestartRequiredChanges lists the changed settings that are only read at
// startup: the listener, watermarks, the command table, the token cache,
// policy, metrics and tracing.
func RestartRequiredChanges(oldCfg, newCfg *Config) []string {
	var changes []string

	if oldCfg.Server.ListenAddr != newCfg.Server.ListenAddr {
		changes = append(changes, "server.listen_addr")
	}
	if oldCfg.Driver != newCfg.Driver {
		changes = append(changes, "driver")
	}
	if !reflect.DeepEqual(oldCfg.Commands, newCfg.Commands) {
		changes = append(changes, "commands")
	}
	if oldCfg.Engine != newCfg.Engine {
		changes = append(changes, "engine")
	}
	if oldCfg.Auth.Enabled != newCfg.Auth.Enabled || oldCfg.Auth.Cache != newCfg.Auth.Cache {
		changes = append(changes, "auth")
	}
	if oldCfg.Policy != newCfg.Policy {
		changes = append(changes, "policy")
	}
	if oldCfg.Metrics != newCfg.Metrics {
		changes = append(changes, "metrics")
	}
	if oldCfg.Tracing != newCfg.Tracing {
		changes = append(changes, "tracing")
	}

	return changes
}
