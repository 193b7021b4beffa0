package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"adminchat/internal/chat"
	apperrors "adminchat/internal/errors"
	"adminchat/internal/metrics"
	"adminchat/internal/middleware"
	"adminchat/internal/models"
	"adminchat/internal/tracing"
	"adminchat/internal/versioning"
	"adminchat/pkg/adminapi"
)

const maxRequestBytes = 12 << 20

// ChatService is the part of chat.Client the control API drives
type ChatService interface {
	Select(ctx context.Context, counterpartID string) error
	Deselect(ctx context.Context) error
	SendText(ctx context.Context, text string) (string, error)
	SendImage(ctx context.Context, data, mimeType string) (string, error)
	Resend(ctx context.Context, tempID string) error
	Typing(ctx context.Context) error
	StopTyping(ctx context.Context) error
	Active(ctx context.Context) (models.ConversationView, bool, error)
	Unread(ctx context.Context) (map[string]int, error)
	Presence() []models.PresenceEntry
	Status() chat.SessionStatus
}

// AdminService is the admin REST backend
type AdminService interface {
	ListUsers(ctx context.Context, q adminapi.UserQuery) ([]adminapi.User, error)
	GetDashboardStats(ctx context.Context) (adminapi.DashboardStats, error)
	ListReports(ctx context.Context) ([]adminapi.Report, error)
	UpdateReportStatus(ctx context.Context, reportID, status string) error
	DeleteReport(ctx context.Context, reportID string) error
	SetUserDisabled(ctx context.Context, userID string, disabled bool) error
}

// NotificationService is the cached notification feed
type NotificationService interface {
	List(ctx context.Context, limit int) ([]models.Notification, error)
	UnreadCount(ctx context.Context) (int, error)
	MarkRead(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	DeleteAll(ctx context.Context) (int64, error)
}

type ServerConfig struct {
	Host           string
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	CommandTimeout time.Duration
}

type Server struct {
	cfg           ServerConfig
	router        *mux.Router
	logger        *logrus.Logger
	chat          ChatService
	admin         AdminService
	notifications NotificationService
	server        *http.Server
}

// NewServer wires the control API. notifications may be nil when the feed
// is disabled.
func NewServer(cfg ServerConfig, chat ChatService, admin AdminService, notifications NotificationService, logger *logrus.Logger) *Server {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 10 * time.Second
	}
	s := &Server{
		cfg:           cfg,
		router:        mux.NewRouter(),
		logger:        logger,
		chat:          chat,
		admin:         admin,
		notifications: notifications,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recover(s.logger), middleware.LoopbackOnly(s.logger), versioning.Middleware(s.logger),
		middleware.Observability(s.logger), middleware.MaxBody(maxRequestBytes))

	s.router.HandleFunc("/health", s.handleHealth()).Methods(http.MethodGet)
	s.router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/session", s.handleSession()).Methods(http.MethodGet)

	api.HandleFunc("/conversations/{id}/select", s.handleSelect()).Methods(http.MethodPost)
	api.HandleFunc("/conversations/active", s.handleActive()).Methods(http.MethodGet)
	api.HandleFunc("/conversations/active", s.handleDeselect()).Methods(http.MethodDelete)
	api.HandleFunc("/conversations/active/messages", s.handleSendText()).Methods(http.MethodPost)
	api.HandleFunc("/conversations/active/images", s.handleSendImage()).Methods(http.MethodPost)
	api.HandleFunc("/conversations/active/typing", s.handleTyping(true)).Methods(http.MethodPost)
	api.HandleFunc("/conversations/active/typing", s.handleTyping(false)).Methods(http.MethodDelete)
	api.HandleFunc("/messages/{tempId}/resend", s.handleResend()).Methods(http.MethodPost)
	api.HandleFunc("/presence", s.handlePresence()).Methods(http.MethodGet)
	api.HandleFunc("/unread", s.handleUnread()).Methods(http.MethodGet)

	api.HandleFunc("/notifications", s.handleNotifications()).Methods(http.MethodGet)
	api.HandleFunc("/notifications", s.handleDeleteNotifications()).Methods(http.MethodDelete)
	api.HandleFunc("/notifications/{id}/read", s.handleNotificationRead()).Methods(http.MethodPost)
	api.HandleFunc("/notifications/{id}", s.handleDeleteNotification()).Methods(http.MethodDelete)

	api.HandleFunc("/users", s.handleUsers()).Methods(http.MethodGet)
	api.HandleFunc("/users/{id}/disable", s.handleUserDisabled(true)).Methods(http.MethodPost)
	api.HandleFunc("/users/{id}/enable", s.handleUserDisabled(false)).Methods(http.MethodPost)
	api.HandleFunc("/stats", s.handleStats()).Methods(http.MethodGet)
	api.HandleFunc("/reports", s.handleReports()).Methods(http.MethodGet)
	api.HandleFunc("/reports/{id}", s.handleUpdateReport()).Methods(http.MethodPut)
	api.HandleFunc("/reports/{id}", s.handleDeleteReport()).Methods(http.MethodDelete)
}

func (s *Server) Start() error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
	}

	s.logger.WithField("addr", addr).Info("Starting control API")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) command(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.cfg.CommandTimeout)
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := s.chat.Status()
		code := http.StatusOK
		if status.State != "connected" {
			code = http.StatusServiceUnavailable
		}
		s.writeJSON(w, r, code, map[string]interface{}{
			"status":     status.State,
			"session":    status,
			"uptime_sec": int64(metrics.GetRegistry().Uptime().Seconds()),
		})
	}
}

func (s *Server) handleSession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, r, http.StatusOK, s.chat.Status())
	}
}

func (s *Server) handleSelect() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := s.command(r)
		defer cancel()
		if err := s.chat.Select(ctx, mux.Vars(r)["id"]); err != nil {
			s.writeChatError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func (s *Server) handleDeselect() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := s.command(r)
		defer cancel()
		if err := s.chat.Deselect(ctx); err != nil {
			s.writeChatError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleActive() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := s.command(r)
		defer cancel()
		view, ok, err := s.chat.Active(ctx)
		if err != nil {
			s.writeChatError(w, r, err)
			return
		}
		if !ok {
			s.writeError(w, r, apperrors.NewNotFoundError("active conversation", ""))
			return
		}
		s.writeJSON(w, r, http.StatusOK, view)
	}
}

type sendTextRequest struct {
	Text string `json:"text"`
}

type sendImageRequest struct {
	Data string `json:"data"`
	Mime string `json:"mime"`
}

type sendResponse struct {
	ClientTempID string `json:"clientTempId"`
}

func (s *Server) handleSendText() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req sendTextRequest
		if !s.decode(w, r, &req) {
			return
		}
		ctx, cancel := s.command(r)
		defer cancel()
		tempID, err := s.chat.SendText(ctx, req.Text)
		if err != nil {
			s.writeChatError(w, r, err)
			return
		}
		s.writeJSON(w, r, http.StatusAccepted, sendResponse{ClientTempID: tempID})
	}
}

func (s *Server) handleSendImage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req sendImageRequest
		if !s.decode(w, r, &req) {
			return
		}
		ctx, cancel := s.command(r)
		defer cancel()
		tempID, err := s.chat.SendImage(ctx, req.Data, req.Mime)
		if err != nil {
			s.writeChatError(w, r, err)
			return
		}
		s.writeJSON(w, r, http.StatusAccepted, sendResponse{ClientTempID: tempID})
	}
}

func (s *Server) handleResend() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := s.command(r)
		defer cancel()
		if err := s.chat.Resend(ctx, mux.Vars(r)["tempId"]); err != nil {
			s.writeChatError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func (s *Server) handleTyping(start bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := s.command(r)
		defer cancel()
		op := s.chat.StopTyping
		if start {
			op = s.chat.Typing
		}
		if err := op(ctx); err != nil {
			s.writeChatError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handlePresence() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, r, http.StatusOK, s.chat.Presence())
	}
}

func (s *Server) handleUnread() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := s.command(r)
		defer cancel()
		unread, err := s.chat.Unread(ctx)
		if err != nil {
			s.writeChatError(w, r, err)
			return
		}
		s.writeJSON(w, r, http.StatusOK, unread)
	}
}

func (s *Server) handleNotifications() http.HandlerFunc {
	return s.withNotifications(func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		items, err := s.notifications.List(r.Context(), limit)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		unread, err := s.notifications.UnreadCount(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if items == nil {
			items = []models.Notification{}
		}
		s.writeJSON(w, r, http.StatusOK, map[string]interface{}{
			"notifications": items,
			"unread":        unread,
		})
	})
}

func (s *Server) handleNotificationRead() http.HandlerFunc {
	return s.withNotifications(func(w http.ResponseWriter, r *http.Request) {
		if err := s.notifications.MarkRead(r.Context(), mux.Vars(r)["id"]); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

func (s *Server) handleDeleteNotification() http.HandlerFunc {
	return s.withNotifications(func(w http.ResponseWriter, r *http.Request) {
		if err := s.notifications.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

func (s *Server) handleDeleteNotifications() http.HandlerFunc {
	return s.withNotifications(func(w http.ResponseWriter, r *http.Request) {
		n, err := s.notifications.DeleteAll(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, r, http.StatusOK, map[string]int64{"deleted": n})
	})
}

func (s *Server) withNotifications(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.notifications == nil {
			s.writeJSON(w, r, http.StatusServiceUnavailable, map[string]string{"error": "notification feed is disabled"})
			return
		}
		h(w, r)
	}
}

func (s *Server) handleUsers() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		query := adminapi.UserQuery{Search: q.Get("search"), SortBy: q.Get("sortBy")}
		if order, err := strconv.Atoi(q.Get("sortOrder")); err == nil {
			query.SortOrder = order
		}
		users, err := s.admin.ListUsers(r.Context(), query)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, r, http.StatusOK, users)
	}
}

func (s *Server) handleUserDisabled(disabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.admin.SetUserDisabled(r.Context(), mux.Vars(r)["id"], disabled); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleStats() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := s.admin.GetDashboardStats(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, r, http.StatusOK, stats)
	}
}

func (s *Server) handleReports() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reports, err := s.admin.ListReports(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, r, http.StatusOK, reports)
	}
}

type reportStatusRequest struct {
	Status string `json:"status"`
}

func (s *Server) handleUpdateReport() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req reportStatusRequest
		if !s.decode(w, r, &req) {
			return
		}
		if err := s.admin.UpdateReportStatus(r.Context(), mux.Vars(r)["id"], req.Status); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleDeleteReport() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.admin.DeleteReport(r.Context(), mux.Vars(r)["id"]); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		s.writeError(w, r, apperrors.NewValidationError("body", fmt.Sprintf("invalid JSON: %v", err)))
		return false
	}
	return true
}

// writeChatError applies the chat surface rules: invalid input is silently
// refused and session-level failures mean the chat is unavailable.
func (s *Server) writeChatError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case apperrors.Is(err, apperrors.ErrCodeValidationFailed):
		s.logger.WithField(middleware.LogFieldRequestID, tracing.GetRequestID(r.Context())).
			WithError(err).Debug("Chat command refused")
		w.WriteHeader(http.StatusNoContent)
	case apperrors.IsSessionLevel(err):
		s.writeJSONError(w, r, http.StatusServiceUnavailable, err)
	default:
		s.writeError(w, r, err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperrors.HTTPStatusCode(err)
	if errors.Is(err, context.DeadlineExceeded) {
		err = apperrors.NewTimeoutError("control API command", s.cfg.CommandTimeout.String())
		code = http.StatusGatewayTimeout
	}
	s.writeJSONError(w, r, code, err)
}

func (s *Server) writeJSONError(w http.ResponseWriter, r *http.Request, code int, err error) {
	entry := s.logger.WithField(middleware.LogFieldRequestID, tracing.GetRequestID(r.Context())).WithError(err)
	if code >= http.StatusInternalServerError {
		entry.Error("Control API request failed")
	} else {
		entry.Debug("Control API request rejected")
	}
	s.writeJSON(w, r, code, apperrors.ToHTTPResponse(err))
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.WithField(middleware.LogFieldRequestID, tracing.GetRequestID(r.Context())).
			WithError(err).Warn("Failed to encode response")
	}
}
