package config

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"adminchat/internal/models"
)

// ConfigWatcher polls the config file and hands reloaded configurations to
// registered callbacks. Only settings that are safe to change at runtime
// are acted on by the callers; everything else needs a restart.
type ConfigWatcher struct {
	configPath string
	interval   time.Duration
	logger     *logrus.Logger
	mu         sync.RWMutex
	config     *models.Config
	modTime    time.Time
	callbacks  []func(*models.Config)
}

func NewConfigWatcher(configPath string, initial *models.Config, logger *logrus.Logger) *ConfigWatcher {
	cw := &ConfigWatcher{
		configPath: configPath,
		interval:   5 * time.Second,
		logger:     logger,
		config:     initial,
	}
	if stat, err := os.Stat(configPath); err == nil {
		cw.modTime = stat.ModTime()
	}
	return cw
}

// Run checks the file every interval until ctx is done.
func (cw *ConfigWatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(cw.interval)
	defer ticker.Stop()

	cw.logger.WithField("path", cw.configPath).Debug("Configuration watcher started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cw.Check()
		}
	}
}

// Check reloads the configuration if the file changed since the last check.
// It reports whether a new configuration was applied.
func (cw *ConfigWatcher) Check() bool {
	stat, err := os.Stat(cw.configPath)
	if err != nil {
		cw.logger.WithError(err).Warn("Failed to stat configuration file")
		return false
	}

	cw.mu.Lock()
	changed := stat.ModTime().After(cw.modTime)
	if changed {
		cw.modTime = stat.ModTime()
	}
	cw.mu.Unlock()
	if !changed {
		return false
	}
	return cw.reload()
}

func (cw *ConfigWatcher) GetConfig() *models.Config {
	cw.mu.RLock()
	defer cw.mu.RUnlock()
	return cw.config
}

func (cw *ConfigWatcher) OnConfigChange(callback func(*models.Config)) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.callbacks = append(cw.callbacks, callback)
}

func (cw *ConfigWatcher) reload() bool {
	next, err := LoadConfig(cw.configPath)
	if err != nil {
		cw.logger.WithError(err).Error("Failed to reload configuration, keeping the previous one")
		return false
	}

	cw.mu.Lock()
	prev := cw.config
	cw.config = next
	callbacks := append(([]func(*models.Config))(nil), cw.callbacks...)
	cw.mu.Unlock()

	cw.logChanges(prev, next)
	for _, cb := range callbacks {
		cw.safeCall(cb, next)
	}
	return true
}

func (cw *ConfigWatcher) safeCall(cb func(*models.Config), cfg *models.Config) {
	defer func() {
		if r := recover(); r != nil {
			cw.logger.WithField("panic", r).Error("Config change callback panicked")
		}
	}()
	cb(cfg)
}

func (cw *ConfigWatcher) logChanges(prev, next *models.Config) {
	if prev == nil {
		return
	}
	if prev.LogLevel != next.LogLevel {
		cw.logger.WithFields(logrus.Fields{"old": prev.LogLevel, "new": next.LogLevel}).Info("Log level changed")
	}
	if prev.Notifications.PollIntervalSec != next.Notifications.PollIntervalSec {
		cw.logger.WithFields(logrus.Fields{
			"old": prev.Notifications.PollIntervalSec,
			"new": next.Notifications.PollIntervalSec,
		}).Info("Notification poll interval changed, applies after restart")
	}
	if prev.API.BaseURL != next.API.BaseURL || prev.Socket.URL != next.Socket.URL {
		cw.logger.Warn("Backend URLs changed, restart to reconnect")
	}
}
