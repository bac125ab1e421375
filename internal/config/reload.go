// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/evergrid/evbus/internal/log"
)

// ConfigHolder holds configuration with atomic reloading capability.
// It provides thread-safe access to configuration and supports hot reloading
// from file or manual trigger.
type ConfigHolder struct {
	mu         sync.RWMutex
	current    Config
	loader     *Loader
	configPath string
	watcher    *fsnotify.Watcher
	logger     zerolog.Logger

	// Reload notifications
	reloadMu        sync.RWMutex
	reloadListeners []chan<- Config
}

// NewConfigHolder creates a new configuration holder with initial config.
func NewConfigHolder(initial Config, loader *Loader, configPath string) *ConfigHolder {
	return &ConfigHolder{
		current:         initial,
		loader:          loader,
		configPath:      configPath,
		logger:          log.WithComponent("config"),
		reloadListeners: make([]chan<- Config, 0),
	}
}

// Get returns the current configuration (thread-safe read).
func (h *ConfigHolder) Get() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// Reload reloads configuration from file and validates it.
// If validation fails, the old configuration is kept and an error is
// returned, so a reload either applies a fully valid config or nothing.
func (h *ConfigHolder) Reload(_ context.Context) error {
	h.logger.Info().Str("event", "config.reload_start").Msg("reloading configuration")

	newCfg, err := h.loader.Load()
	if err != nil {
		h.logger.Error().
			Err(err).
			Str("event", "config.reload_failed").
			Msg("failed to load new configuration")
		return fmt.Errorf("load config: %w", err)
	}

	if err := Validate(newCfg); err != nil {
		h.logger.Error().
			Err(err).
			Str("event", "config.validation_failed").
			Msg("new configuration failed validation")
		return fmt.Errorf("validate config: %w", err)
	}

	// Atomically swap configuration
	h.mu.Lock()
	oldCfg := h.current
	h.current = newCfg
	h.mu.Unlock()

	h.notifyListeners(newCfg)

	h.logChanges(oldCfg, newCfg)

	h.logger.Info().
		Str("event", "config.reload_success").
		Msg("configuration reloaded successfully")

	return nil
}

// StartWatcher starts watching the config file for changes.
// If configPath is empty, this is a no-op (config comes from ENV only).
func (h *ConfigHolder) StartWatcher(ctx context.Context) error {
	if h.configPath == "" {
		h.logger.Info().
			Str("event", "config.watcher_disabled").
			Msg("config file watcher disabled (using ENV-only configuration)")
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	h.watcher = watcher

	if err := watcher.Add(h.configPath); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch config file: %w", err)
	}

	h.logger.Info().
		Str("event", "config.watcher_started").
		Str("path", h.configPath).
		Msg("watching config file for changes")

	go h.watchLoop(ctx)

	return nil
}

// watchLoop is the main file watcher loop.
func (h *ConfigHolder) watchLoop(ctx context.Context) {
	// Debounce timer to avoid multiple reloads for rapid file changes
	var debounceTimer *time.Timer
	debounceDuration := 500 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			h.logger.Info().Str("event", "config.watcher_stopped").Msg("config watcher stopped")
			if h.watcher != nil {
				_ = h.watcher.Close()
			}
			return

		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}

			// Watch for Write and Create events (covers vim, nano, echo)
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				h.logger.Debug().
					Str("event", "config.file_changed").
					Str("op", event.Op.String()).
					Msg("config file changed")

				// Debounce: reset timer on each event
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(debounceDuration, func() {
					if err := h.Reload(ctx); err != nil {
						h.logger.Error().
							Err(err).
							Str("event", "config.auto_reload_failed").
							Msg("automatic config reload failed")
					}
				})
			}

		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.logger.Error().
				Err(err).
				Str("event", "config.watcher_error").
				Msg("config watcher error")
		}
	}
}

// Stop stops the config watcher (if running).
func (h *ConfigHolder) Stop() {
	if h.watcher != nil {
		_ = h.watcher.Close()
	}
}

// RegisterListener registers a channel to receive config reload notifications.
// The channel receives the new config whenever a reload succeeds.
// The caller is responsible for closing the channel.
func (h *ConfigHolder) RegisterListener(ch chan<- Config) {
	h.reloadMu.Lock()
	defer h.reloadMu.Unlock()
	h.reloadListeners = append(h.reloadListeners, ch)
}

// notifyListeners sends the new config to all registered listeners (non-blocking).
func (h *ConfigHolder) notifyListeners(newCfg Config) {
	h.reloadMu.RLock()
	defer h.reloadMu.RUnlock()

	for _, ch := range h.reloadListeners {
		select {
		case ch <- newCfg:
		default:
			// Skip if channel is full (non-blocking send)
			h.logger.Warn().
				Str("event", "config.listener_skip").
				Msg("skipped notifying listener (channel full)")
		}
	}
}

// logChanges logs the differences between old and new configuration.
func (h *ConfigHolder) logChanges(old, newCfg Config) {
	if old.Adapter != newCfg.Adapter {
		h.logger.Info().
			Str("old", old.Adapter).
			Str("new", newCfg.Adapter).
			Msg("config changed: Adapter")
	}
	if old.Source != newCfg.Source {
		h.logger.Info().
			Str("old", old.Source).
			Str("new", newCfg.Source).
			Msg("config changed: Source")
	}
	if old.LogLevel != newCfg.LogLevel {
		h.logger.Info().
			Str("old", old.LogLevel).
			Str("new", newCfg.LogLevel).
			Msg("config changed: LogLevel")
	}
	if old.ListenAddr != newCfg.ListenAddr {
		h.logger.Info().
			Str("old", old.ListenAddr).
			Str("new", newCfg.ListenAddr).
			Msg("config changed: ListenAddr")
	}
	if old.Redis.URL != newCfg.Redis.URL {
		h.logger.Info().
			Str("old", maskURL(old.Redis.URL)).
			Str("new", maskURL(newCfg.Redis.URL)).
			Msg("config changed: Redis.URL")
	}
	if old.AMQP.URL != newCfg.AMQP.URL {
		h.logger.Info().
			Str("old", maskURL(old.AMQP.URL)).
			Str("new", maskURL(newCfg.AMQP.URL)).
			Msg("config changed: AMQP.URL")
	}
}

// maskURL is a helper to mask sensitive URLs for logging. Broker URLs carry
// credentials, so nothing of the value is shown.
func maskURL(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	return "***redacted***"
}
