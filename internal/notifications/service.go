package notifications

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"adminchat/internal/constants"
	apperrors "adminchat/internal/errors"
	"adminchat/internal/metrics"
	"adminchat/internal/models"
	"adminchat/internal/privacy"
	"adminchat/internal/retry"
)

// Store is the local notification cache.
type Store interface {
	UpsertNotifications(ctx context.Context, items []models.Notification) ([]models.Notification, error)
	ListNotifications(ctx context.Context, limit int) ([]models.Notification, error)
	MarkNotificationRead(ctx context.Context, id string) error
	DeleteNotification(ctx context.Context, id string) error
	DeleteAllNotifications(ctx context.Context) (int64, error)
	UnreadCount(ctx context.Context) (int, error)
	PruneNotifications(ctx context.Context, keep time.Duration) (int64, error)
}

// Remote is the notification feed of one admin.
type Remote interface {
	Fetch(ctx context.Context) ([]models.Notification, int, error)
	MarkRead(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	DeleteAll(ctx context.Context) error
}

type Config struct {
	PollInterval time.Duration
	Timeout      time.Duration
	Keep         time.Duration
	Retry        retry.BackoffConfig
}

// Service mirrors the remote feed into the local cache on a fixed interval
// and applies admin actions to both.
type Service struct {
	remote  Remote
	store   Store
	cfg     Config
	backoff *retry.Backoff
	logger  *logrus.Logger
	errLog  *apperrors.Logger

	// OnNew, when set, receives notifications seen for the first time.
	OnNew func([]models.Notification)

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

func NewService(remote Remote, store Store, cfg Config, logger *logrus.Logger) *Service {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = constants.DefaultNotificationPollSec * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = constants.DefaultNotificationTimeoutSec * time.Second
	}
	if cfg.Keep <= 0 {
		cfg.Keep = constants.DefaultNotificationKeepDays * 24 * time.Hour
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.BackoffConfig{
			InitialDelay: time.Duration(constants.DefaultRetryBackoffMs) * time.Millisecond,
			MaxDelay:     time.Duration(constants.DefaultMaxBackoffMs) * time.Millisecond,
			Multiplier:   2,
			MaxAttempts:  3,
			Jitter:       true,
		}
	}
	return &Service{
		remote:  remote,
		store:   store,
		cfg:     cfg,
		backoff: retry.NewBackoff(cfg.Retry),
		logger:  logger,
		errLog:  apperrors.NewLogger(logger),
	}
}

// Start polls once immediately and then every PollInterval until Stop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("notification poller is already running")
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.wg.Add(1)
	go s.pollLoop(ctx)

	s.logger.WithField("interval", s.cfg.PollInterval.String()).Info("Notification poller started")
	return nil
}

func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.running = false
	s.logger.Info("Notification poller stopped")
}

func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Service) pollLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := s.Poll(ctx); err != nil && ctx.Err() == nil {
			// retried on the next tick; chat is unaffected
			s.errLog.LogRetryableError(err, "Notification poll failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Poll fetches the feed once, caches it and returns the new notifications.
func (s *Service) Poll(ctx context.Context) ([]models.Notification, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	start := time.Now()

	items, skipped, err := s.remote.Fetch(ctx)
	metrics.RecordTimer("notification_poll", time.Since(start), nil, "Notification feed poll duration")
	if err != nil {
		metrics.IncrementCounter("notification_poll_errors", map[string]string{"code": string(apperrors.GetCode(err))}, "Failed notification feed polls")
		return nil, err
	}
	if skipped > 0 {
		s.logger.WithField("count", skipped).Warn("Skipped malformed notifications")
	}

	fresh, err := s.store.UpsertNotifications(ctx, items)
	if err != nil {
		return nil, err
	}
	if len(fresh) > 0 {
		metrics.AddToCounter("notifications_received", float64(len(fresh)), nil, "Notifications seen for the first time")
		for _, n := range fresh {
			s.logger.WithFields(logrus.Fields{
				"notification_id": privacy.MaskMessageID(n.ID),
				"type":            n.Type,
			}).Info("New admin notification")
		}
		if s.OnNew != nil {
			s.OnNew(fresh)
		}
	}

	if pruned, err := s.store.PruneNotifications(ctx, s.cfg.Keep); err != nil {
		s.errLog.LogWarn(err, "Failed to prune notification cache")
	} else if pruned > 0 {
		s.logger.WithField("count", pruned).Debug("Pruned old notifications")
	}

	if unread, err := s.store.UnreadCount(ctx); err == nil {
		metrics.SetGauge("notifications_unread", float64(unread), nil, "Unread cached notifications")
	}
	return fresh, nil
}

func (s *Service) List(ctx context.Context, limit int) ([]models.Notification, error) {
	return s.store.ListNotifications(ctx, limit)
}

func (s *Service) UnreadCount(ctx context.Context) (int, error) {
	return s.store.UnreadCount(ctx)
}

// MarkRead marks id read remotely, then in the cache.
func (s *Service) MarkRead(ctx context.Context, id string) error {
	if id == "" {
		return apperrors.NewValidationError("id", "notification id is required")
	}
	if err := s.withRetry(ctx, func(ctx context.Context) error { return s.remote.MarkRead(ctx, id) }); err != nil {
		return err
	}
	return s.store.MarkNotificationRead(ctx, id)
}

// Delete removes id remotely, then from the cache. A notification the
// cache never saw is not an error once the remote delete succeeded.
func (s *Service) Delete(ctx context.Context, id string) error {
	if id == "" {
		return apperrors.NewValidationError("id", "notification id is required")
	}
	if err := s.withRetry(ctx, func(ctx context.Context) error { return s.remote.Delete(ctx, id) }); err != nil {
		return err
	}
	if err := s.store.DeleteNotification(ctx, id); err != nil && !apperrors.Is(err, apperrors.ErrCodeNotFound) {
		return err
	}
	return nil
}

func (s *Service) DeleteAll(ctx context.Context) (int64, error) {
	if err := s.withRetry(ctx, s.remote.DeleteAll); err != nil {
		return 0, err
	}
	return s.store.DeleteAllNotifications(ctx)
}

func (s *Service) withRetry(ctx context.Context, op func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	return s.backoff.RetryNotify(ctx, func() error { return op(ctx) }, apperrors.IsRetryable,
		func(attempt int, delay time.Duration, err error) {
			s.logger.WithFields(logrus.Fields{
				"attempt": attempt,
				"delay":   delay.String(),
			}).WithError(err).Debug("Retrying notification feed call")
		})
}
