package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"adminchat/internal/constants"
	"adminchat/internal/models"
	"adminchat/internal/security"
)

var (
	ErrMissingAPIURL      = models.ConfigError{Message: "missing admin API base URL"}
	ErrMissingSocketURL   = models.ConfigError{Message: "missing realtime socket URL"}
	ErrMissingDBPath      = models.ConfigError{Message: "missing database path"}
	ErrMissingCredentials = models.ConfigError{Message: "admin credentials required: set a token and admin id, or an email and password"}
	ErrMissingFirebaseURL = models.ConfigError{Message: "notifications enabled but firebase_url is missing"}
)

// LoadDotEnv loads KEY=value pairs from path into the environment without
// overriding variables that are already set. A missing file is fine.
func LoadDotEnv(path string) error {
	if err := security.ValidateFilePath(path); err != nil {
		return fmt.Errorf("invalid env file path: %w", err)
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

func LoadConfig(path string) (*models.Config, error) {
	if err := security.ValidateFilePath(path); err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	file, err := os.ReadFile(path) // #nosec G304 - Path validated by security.ValidateFilePath above
	if err != nil {
		return nil, err
	}

	var config models.Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, err
	}

	// env first so required values may come from the environment only
	applyEnvironmentOverrides(&config)
	applyDefaults(&config)

	if err := validate(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

func applyDefaults(c *models.Config) {
	setDefault(&c.API.TimeoutSec, constants.DefaultAPITimeoutSec)
	setDefault(&c.API.RetryCount, constants.DefaultAPIRetryCount)
	setDefault(&c.API.BreakerMaxFailures, constants.DefaultBreakerMaxFailures)
	setDefault(&c.API.BreakerOpenTimeoutSec, constants.DefaultBreakerOpenTimeoutSec)

	if c.Socket.URL == "" {
		c.Socket.URL = c.API.BaseURL
	}
	if c.Socket.Path == "" {
		c.Socket.Path = constants.DefaultSocketPath
	}
	setDefault(&c.Socket.ReconnectAttempts, constants.DefaultReconnectAttempts)
	setDefault(&c.Socket.ReconnectDelayMs, constants.DefaultReconnectDelayMs)
	setDefault(&c.Socket.MaxReconnectDelayMs, constants.DefaultMaxReconnectDelayMs)
	setDefault(&c.Socket.ConnectTimeoutMs, constants.DefaultConnectTimeoutMs)

	setDefault(&c.Chat.TextAckTimeoutSec, constants.DefaultTextAckTimeoutSec)
	setDefault(&c.Chat.ImageAckTimeoutSec, constants.DefaultImageAckTimeoutSec)
	setDefault(&c.Chat.DedupWindowMs, constants.DefaultDedupWindowMs)
	setDefault(&c.Chat.TypingIdleMs, constants.DefaultTypingIdleMs)
	setDefault(&c.Chat.TypingThrottleMs, constants.DefaultTypingThrottleMs)
	setDefault(&c.Chat.MaxImageBytes, constants.DefaultMaxImageBytes)

	setDefault(&c.Notifications.PollIntervalSec, constants.DefaultNotificationPollSec)
	setDefault(&c.Notifications.KeepDays, constants.DefaultNotificationKeepDays)

	setDefault(&c.Retry.InitialBackoffMs, constants.DefaultRetryBackoffMs)
	setDefault(&c.Retry.MaxBackoffMs, constants.DefaultMaxBackoffMs)
	setDefault(&c.Retry.MaxAttempts, constants.DefaultMaxAttempts)

	if c.Server.Host == "" {
		c.Server.Host = constants.DefaultServerHost
	}
	setDefault(&c.Server.Port, constants.DefaultServerPort)
	setDefault(&c.Server.ReadTimeoutSec, constants.DefaultServerReadTimeoutSec)
	setDefault(&c.Server.WriteTimeoutSec, constants.DefaultServerWriteTimeoutSec)
	setDefault(&c.Server.IdleTimeoutSec, constants.DefaultServerIdleTimeoutSec)

	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "adminchat"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func setDefault(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

func validate(c *models.Config) error {
	if c.API.BaseURL == "" {
		return ErrMissingAPIURL
	}
	if err := security.ValidateServiceURL(c.API.BaseURL); err != nil {
		return models.ConfigError{Message: fmt.Sprintf("api.base_url: %v", err)}
	}
	if c.Socket.URL == "" {
		return ErrMissingSocketURL
	}
	if err := security.ValidateServiceURL(c.Socket.URL, "http", "https", "ws", "wss"); err != nil {
		return models.ConfigError{Message: fmt.Sprintf("socket.url: %v", err)}
	}
	if c.Database.Path == "" {
		return ErrMissingDBPath
	}

	admin := c.Admin
	hasToken := admin.Token != "" && admin.AdminID != ""
	hasLogin := admin.Email != "" && admin.Password != ""
	if !hasToken && !hasLogin {
		return ErrMissingCredentials
	}

	if c.Notifications.Enabled {
		if c.Notifications.FirebaseURL == "" {
			return ErrMissingFirebaseURL
		}
		if err := security.ValidateServiceURL(c.Notifications.FirebaseURL, "https", "http"); err != nil {
			return models.ConfigError{Message: fmt.Sprintf("notifications.firebase_url: %v", err)}
		}
	}

	if c.Server.Port > 65535 {
		return models.ConfigError{Message: fmt.Sprintf("server.port out of range: %d", c.Server.Port)}
	}
	if c.Chat.DedupWindowMs > 60000 {
		return models.ConfigError{Message: "chat.dedup_window_ms must not exceed one minute"}
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return models.ConfigError{Message: fmt.Sprintf("log_level: %v", err)}
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return models.ConfigError{Message: "tracing.sample_rate must be between 0 and 1"}
	}
	return nil
}

func applyEnvironmentOverrides(c *models.Config) {
	overrideString(&c.API.BaseURL, "ADMINCHAT_API_URL")
	overrideString(&c.Socket.URL, "ADMINCHAT_SOCKET_URL")

	// SECURITY: credentials are only ever taken from the environment
	overrideString(&c.Admin.Token, "ADMINCHAT_TOKEN")
	c.Admin.Token = strings.TrimPrefix(c.Admin.Token, "Bearer ")
	overrideString(&c.Admin.AdminID, "ADMINCHAT_ADMIN_ID")
	overrideString(&c.Admin.Email, "ADMINCHAT_ADMIN_EMAIL")
	overrideString(&c.Admin.Password, "ADMINCHAT_ADMIN_PASSWORD")

	overrideString(&c.Notifications.FirebaseURL, "ADMINCHAT_FIREBASE_URL")
	overrideString(&c.Notifications.FirebaseAuth, "ADMINCHAT_FIREBASE_AUTH")
	overrideString(&c.Database.Path, "ADMINCHAT_DB_PATH")
	overrideString(&c.LogLevel, "ADMINCHAT_LOG_LEVEL")

	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}
}

func overrideString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
