package adminapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"adminchat/internal/constants"
	apperrors "adminchat/internal/errors"
	"adminchat/internal/metrics"
	"adminchat/internal/models"
	"adminchat/internal/privacy"
	"adminchat/internal/retry"
	"adminchat/internal/tracing"
	"adminchat/pkg/circuitbreaker"
)

const maxResponseBytes = 10 << 20

// Config for the admin REST client
type Config struct {
	BaseURL         string
	Timeout         time.Duration
	RetryAttempts   int
	RetryDelay      time.Duration
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// Client talks to the admin backend. It is safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *circuitbreaker.CircuitBreaker
	backoff *retry.Backoff
	logger  *logrus.Logger

	mu    sync.RWMutex
	token string
	admin string
}

func NewClient(cfg Config, httpClient *http.Client, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Duration(constants.DefaultAPITimeoutSec) * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = constants.DefaultAPIRetryCount
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 200 * time.Millisecond
	}

	breaker := circuitbreaker.New(circuitbreaker.Config{
		Name:        "admin-api",
		MaxFailures: cfg.BreakerFailures,
		OpenTimeout: cfg.BreakerTimeout,
		// client side errors say nothing about backend health
		IsFailure: apperrors.IsRetryable,
	}, logger)

	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		http:    httpClient,
		breaker: breaker,
		backoff: retry.NewBackoff(retry.BackoffConfig{
			InitialDelay: cfg.RetryDelay,
			MaxDelay:     5 * time.Second,
			Multiplier:   2,
			MaxAttempts:  cfg.RetryAttempts,
			Jitter:       true,
		}),
		logger: logger,
	}
}

// SetToken sets the bearer token sent with every request
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = strings.TrimPrefix(token, "Bearer ")
}

// SetAdminID sets the admin identity used to orient fetched history
func (c *Client) SetAdminID(adminID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.admin = adminID
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Breaker exposes the circuit breaker for health reporting
func (c *Client) Breaker() *circuitbreaker.CircuitBreaker {
	return c.breaker
}

// Login exchanges credentials for a token and stores it on the client.
func (c *Client) Login(ctx context.Context, email, password string) (LoginResult, error) {
	if email == "" || password == "" {
		return LoginResult{}, apperrors.NewValidationError("credentials", "email and password are required")
	}
	var res LoginResult
	if err := c.do(ctx, "login", http.MethodPost, "/api/admin/login", loginRequest{Email: email, Password: password}, &res); err != nil {
		return LoginResult{}, err
	}
	if res.Token == "" || res.Admin.ID == "" {
		return LoginResult{}, apperrors.NewAuthError("login response without token")
	}
	c.SetToken(res.Token)
	c.SetAdminID(res.Admin.ID)
	c.logger.WithField("admin_id", privacy.MaskUserID(res.Admin.ID)).Info("Admin signed in")
	return res, nil
}

// FetchHistory loads the conversation with counterpartID, oldest first.
// Records that cannot be interpreted are skipped.
func (c *Client) FetchHistory(ctx context.Context, counterpartID string) ([]models.Message, error) {
	if counterpartID == "" {
		return nil, apperrors.NewValidationError("counterpart", "counterpart id is required")
	}
	var wire []models.WireMessage
	if err := c.do(ctx, "fetch_history", http.MethodPost, "/api/admin/chat/"+url.PathEscape(counterpartID), struct{}{}, &wire); err != nil {
		return nil, err
	}

	adminID := c.adminID()
	out := make([]models.Message, 0, len(wire))
	for _, w := range wire {
		m, err := w.ToMessage(adminID)
		if err != nil {
			c.logger.WithError(err).WithField("counterpart_id", privacy.MaskUserID(counterpartID)).Debug("Skipping malformed history record")
			continue
		}
		if m.ConversationKey == "" {
			m.ConversationKey = counterpartID
		}
		out = append(out, m)
	}
	return out, nil
}

// MarkRead marks the counterpart's messages as read server side
func (c *Client) MarkRead(ctx context.Context, counterpartID string) error {
	if counterpartID == "" {
		return apperrors.NewValidationError("counterpart", "counterpart id is required")
	}
	return c.do(ctx, "mark_read", http.MethodPatch, "/api/admin/messages/"+url.PathEscape(counterpartID)+"/read", struct{}{}, nil)
}

// ListUsers searches the user directory
func (c *Client) ListUsers(ctx context.Context, q UserQuery) ([]User, error) {
	if q.SortBy == "" {
		q.SortBy = "lastActive"
		q.SortOrder = -1
	}
	var page userPage
	if err := c.do(ctx, "list_users", http.MethodPost, "/api/admin/users/all", q, &page); err != nil {
		return nil, err
	}
	return page.Users, nil
}

func (c *Client) GetDashboardStats(ctx context.Context) (DashboardStats, error) {
	var stats DashboardStats
	err := c.do(ctx, "dashboard_stats", http.MethodPost, "/api/admin/dashboard-stats", struct{}{}, &stats)
	return stats, err
}

func (c *Client) ListReports(ctx context.Context) ([]Report, error) {
	var reports []Report
	err := c.do(ctx, "list_reports", http.MethodPost, "/api/reports/admin/all", struct{}{}, &reports)
	return reports, err
}

// UpdateReportStatus moves a report to one of the Report* statuses
func (c *Client) UpdateReportStatus(ctx context.Context, reportID, status string) error {
	if reportID == "" {
		return apperrors.NewValidationError("report", "report id is required")
	}
	if !reportStatuses[status] {
		return apperrors.NewValidationError("status", fmt.Sprintf("unknown report status %q", status))
	}
	return c.do(ctx, "update_report", http.MethodPost, "/api/reports/admin/"+url.PathEscape(reportID), reportUpdate{Status: status}, nil)
}

func (c *Client) DeleteReport(ctx context.Context, reportID string) error {
	if reportID == "" {
		return apperrors.NewValidationError("report", "report id is required")
	}
	return c.do(ctx, "delete_report", http.MethodDelete, "/api/reports/admin/"+url.PathEscape(reportID), nil, nil)
}

// SetUserDisabled disables or re-enables a user account
func (c *Client) SetUserDisabled(ctx context.Context, userID string, disabled bool) error {
	if userID == "" {
		return apperrors.NewValidationError("user", "user id is required")
	}
	action := "enable"
	if disabled {
		action = "disable"
	}
	return c.do(ctx, action+"_user", http.MethodPost, "/api/admin/users/"+url.PathEscape(userID)+"/"+action, struct{}{}, nil)
}

func (c *Client) adminID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.admin
}

// do runs one API operation under a span, the circuit breaker and retry.
func (c *Client) do(ctx context.Context, op, method, path string, body, out interface{}) error {
	ctx, span := tracing.StartSpan(ctx, "adminapi."+op,
		attribute.String("http.method", method),
		attribute.String("http.route", path),
	)
	defer span.End()

	start := time.Now()
	attempts := 0
	err := c.backoff.RetryNotify(ctx,
		func() error {
			attempts++
			return c.breaker.Execute(ctx, func(ctx context.Context) error {
				return c.roundTrip(ctx, method, path, body, out)
			})
		},
		func(err error) bool {
			return apperrors.IsRetryable(err) && !circuitbreaker.IsCircuitBreakerError(err)
		},
		func(attempt int, delay time.Duration, err error) {
			c.logger.WithFields(logrus.Fields{
				"operation": op,
				"attempt":   attempt,
				"delay_ms":  delay.Milliseconds(),
			}).WithError(err).Warn("Retrying admin API call")
		},
	)

	status := "ok"
	if err != nil {
		status = string(apperrors.GetCode(err))
		if circuitbreaker.IsCircuitBreakerError(err) {
			err = apperrors.Wrap(err, apperrors.ErrCodeAdminAPI, "admin API unavailable").
				WithContext("operation", op).
				WithUserMessage("Admin service is temporarily unavailable")
			status = "breaker_open"
		}
		tracing.RecordError(ctx, err)
	}
	tracing.AddSpanAttributes(ctx, attribute.Int("adminapi.attempts", attempts))
	metrics.RecordTimer("admin_api_request", time.Since(start), map[string]string{"operation": op, "status": status}, "Admin API call latency")
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternalError, "failed to marshal request")
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternalError, "failed to create request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return apperrors.NewNetworkError(method+" "+path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return apperrors.NewNetworkError("read "+path, err)
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := env.Message
		if decodeErr != nil || msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return apperrors.NewAPIError(path, resp.StatusCode, errors.New(msg))
	}
	if decodeErr != nil {
		return apperrors.NewAPIError(path, resp.StatusCode, fmt.Errorf("invalid response: %w", decodeErr))
	}
	if env.Success != nil && !*env.Success {
		msg := env.Message
		if msg == "" {
			msg = "request failed"
		}
		return apperrors.NewAPIError(path, resp.StatusCode, errors.New(msg))
	}

	if out == nil {
		return nil
	}
	payload := env.Data
	if len(payload) == 0 {
		payload = env.Messages
	}
	if len(payload) == 0 {
		// bare responses such as login
		payload = raw
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return apperrors.NewAPIError(path, resp.StatusCode, fmt.Errorf("invalid response data: %w", err))
	}
	return nil
}
