package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"adminchat/internal/chat"
	"adminchat/internal/config"
	"adminchat/internal/constants"
	"adminchat/internal/database"
	apperrors "adminchat/internal/errors"
	"adminchat/internal/eventloop"
	"adminchat/internal/models"
	"adminchat/internal/notifications"
	"adminchat/internal/privacy"
	"adminchat/internal/retry"
	"adminchat/internal/tracing"
	"adminchat/pkg/adminapi"
	"adminchat/pkg/socketio"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	verbose    = flag.Bool("verbose", false, "Enable verbose logging (includes message bodies)")
	configPath = flag.String("config", "config.json", "Path to configuration file")
	envPath    = flag.String("env", ".env", "Optional file with environment overrides")
	version    = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("adminchat %s\nBuild Time: %s\nGit Commit: %s\n", Version, BuildTime, GitCommit)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logrus.Fatalf("Application error: %v", err)
	}
}

func run(ctx context.Context) error {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	if err := config.LoadDotEnv(*envPath); err != nil {
		return err
	}
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyLogLevel(logger, cfg.LogLevel)

	logger.WithFields(logrus.Fields{
		"version": Version,
		"build":   BuildTime,
		"commit":  GitCommit,
	}).Info("Starting adminchat")

	tracingManager := tracing.NewTracingManager(tracing.TracingConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: Version,
		Environment:    cfg.Tracing.Environment,
		OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
		SampleRate:     cfg.Tracing.SampleRate,
		Enabled:        cfg.Tracing.Enabled,
		UseStdout:      cfg.Tracing.UseStdout,
	}, logger)
	if err := tracingManager.Initialize(ctx); err != nil {
		logger.Warnf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		if err := tracingManager.Shutdown(context.Background()); err != nil {
			logger.Warnf("Failed to shutdown tracing: %v", err)
		}
	}()

	db, err := openDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	api := adminapi.NewClient(adminapi.Config{
		BaseURL:         cfg.API.BaseURL,
		Timeout:         time.Duration(cfg.API.TimeoutSec) * time.Second,
		RetryAttempts:   cfg.API.RetryCount,
		RetryDelay:      time.Duration(cfg.Retry.InitialBackoffMs) * time.Millisecond,
		BreakerFailures: uint32(cfg.API.BreakerMaxFailures),
		BreakerTimeout:  time.Duration(cfg.API.BreakerOpenTimeoutSec) * time.Second,
	}, nil, logger)

	token, adminID, err := authenticate(ctx, api, cfg.Admin, logger)
	if err != nil {
		return err
	}

	loop := eventloop.New(logger)
	loop.Start()
	defer loop.Stop()

	session := socketio.NewSession(socketio.Config{
		URL:               cfg.Socket.URL,
		Path:              cfg.Socket.Path,
		ReconnectAttempts: cfg.Socket.ReconnectAttempts,
		ReconnectDelay:    time.Duration(cfg.Socket.ReconnectDelayMs) * time.Millisecond,
		MaxReconnectDelay: time.Duration(cfg.Socket.MaxReconnectDelayMs) * time.Millisecond,
		ConnectTimeout:    time.Duration(cfg.Socket.ConnectTimeoutMs) * time.Millisecond,
		WriteTimeout:      time.Duration(constants.DefaultSocketWriteTimeoutSec) * time.Second,
	}, socketio.WebsocketDialer{}, loop, logger)

	client := chat.NewClient(chat.Options{
		Engine: chat.EngineConfig{
			AdminID:         adminID,
			TextAckTimeout:  time.Duration(cfg.Chat.TextAckTimeoutSec) * time.Second,
			ImageAckTimeout: time.Duration(cfg.Chat.ImageAckTimeoutSec) * time.Second,
			DedupWindow:     time.Duration(cfg.Chat.DedupWindowMs) * time.Millisecond,
			StrictTempIDs:   cfg.Chat.StrictTempIDs,
			MaxImageBytes:   cfg.Chat.MaxImageBytes,
			Verbose:         *verbose,
		},
		TypingIdle:     time.Duration(cfg.Chat.TypingIdleMs) * time.Millisecond,
		TypingThrottle: time.Duration(cfg.Chat.TypingThrottleMs) * time.Millisecond,
		HistoryTimeout: time.Duration(constants.DefaultHistoryFetchTimeoutSec) * time.Second,
	}, session, api, loop, logger)

	if err := client.Start(ctx, token); err != nil {
		if apperrors.Is(err, apperrors.ErrCodeAuthentication) {
			return fmt.Errorf("realtime session rejected credentials: %w", err)
		}
		// the next chat command reconnects
		logger.WithError(err).Warn("Realtime connection failed, will retry on demand")
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Close(closeCtx); err != nil {
			logger.WithError(err).Debug("Realtime session close")
		}
	}()

	var notifier NotificationService
	if cfg.Notifications.Enabled {
		svc, err := startNotifications(ctx, cfg, adminID, db, logger)
		if err != nil {
			return err
		}
		defer svc.Stop()
		notifier = svc
	}

	watcher := config.NewConfigWatcher(*configPath, cfg, logger)
	watcher.OnConfigChange(func(next *models.Config) {
		if !*verbose {
			applyLogLevel(logger, next.LogLevel)
		}
	})
	go watcher.Run(ctx)

	server := NewServer(ServerConfig{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		ReadTimeout:    time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout:   time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
		IdleTimeout:    time.Duration(cfg.Server.IdleTimeoutSec) * time.Second,
		CommandTimeout: time.Duration(constants.DefaultCommandTimeoutSec) * time.Second,
	}, client, api, notifier, logger)

	serverErrCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			serverErrCh <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case err := <-serverErrCh:
		logger.Error(err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(constants.DefaultGracefulShutdownSec)*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server gracefully: %w", err)
	}

	logger.Info("Shutdown completed")
	return nil
}

func applyLogLevel(logger *logrus.Logger, level string) {
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
		return
	}
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		logger.Warnf("Invalid log level %q, defaulting to info", level)
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)
}

// openDatabase opens the notification cache, retrying while another
// process still holds the file lock.
func openDatabase(ctx context.Context, cfg *models.Config, logger *logrus.Logger) (*database.Database, error) {
	backoff := retry.NewBackoff(retry.BackoffConfig{
		InitialDelay: time.Duration(cfg.Retry.InitialBackoffMs) * time.Millisecond,
		MaxDelay:     time.Duration(cfg.Retry.MaxBackoffMs) * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  constants.DefaultDatabaseRetryAttempts,
		Jitter:       true,
	})

	var db *database.Database
	err := backoff.RetryWithPredicate(ctx, func() error {
		var initErr error
		db, initErr = database.New(ctx, cfg.Database.Path, os.Getenv(constants.EnvEncryptionSecret), logger)
		if initErr != nil {
			logger.Warnf("Failed to initialize database: %v", initErr)
		}
		return initErr
	}, func(err error) bool {
		return !apperrors.Is(err, apperrors.ErrCodeInvalidConfig)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database after retries: %w", err)
	}
	return db, nil
}

// authenticate uses a configured token as is, or logs in with email and
// password to obtain one.
func authenticate(ctx context.Context, api *adminapi.Client, creds models.AdminCredentials, logger *logrus.Logger) (string, string, error) {
	if creds.Token != "" && creds.AdminID != "" {
		api.SetToken(creds.Token)
		api.SetAdminID(creds.AdminID)
		logger.WithFields(logrus.Fields{
			"admin_id": privacy.MaskUserID(creds.AdminID),
			"token":    privacy.MaskToken(api.Token()),
		}).Debug("Using configured admin token")
		return api.Token(), creds.AdminID, nil
	}

	loginCtx, cancel := context.WithTimeout(ctx, time.Duration(constants.DefaultAPITimeoutSec)*time.Second)
	defer cancel()
	result, err := api.Login(loginCtx, creds.Email, creds.Password)
	if err != nil {
		logger.WithField("email", privacy.MaskEmail(creds.Email)).Error("Admin login failed")
		return "", "", fmt.Errorf("admin login failed: %w", err)
	}
	return api.Token(), result.Admin.ID, nil
}

func startNotifications(ctx context.Context, cfg *models.Config, adminID string, store notifications.Store, logger *logrus.Logger) (*notifications.Service, error) {
	feed, err := notifications.NewFeed(cfg.Notifications.FirebaseURL, cfg.Notifications.FirebaseAuth, adminID,
		&http.Client{Timeout: time.Duration(constants.DefaultNotificationTimeoutSec) * time.Second})
	if err != nil {
		return nil, err
	}

	svc := notifications.NewService(feed, store, notifications.Config{
		PollInterval: time.Duration(cfg.Notifications.PollIntervalSec) * time.Second,
		Keep:         time.Duration(cfg.Notifications.KeepDays) * 24 * time.Hour,
		Retry: retry.BackoffConfig{
			InitialDelay: time.Duration(cfg.Retry.InitialBackoffMs) * time.Millisecond,
			MaxDelay:     time.Duration(cfg.Retry.MaxBackoffMs) * time.Millisecond,
			Multiplier:   2,
			MaxAttempts:  cfg.Retry.MaxAttempts,
			Jitter:       true,
		},
	}, logger)
	if err := svc.Start(ctx); err != nil {
		return nil, err
	}
	return svc, nil
}
