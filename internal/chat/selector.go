package chat

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"adminchat/internal/constants"
	apperrors "adminchat/internal/errors"
	"adminchat/internal/metrics"
	"adminchat/internal/models"
)

// HistorySource is the REST collaborator behind conversation selection.
// *adminapi.Client implements it.
type HistorySource interface {
	FetchHistory(ctx context.Context, counterpartID string) ([]models.Message, error)
	MarkRead(ctx context.Context, counterpartID string) error
}

// Selector binds the engine to one counterpart at a time. Each selection
// bumps a generation; history responses from older generations are
// discarded when they reach the loop.
type Selector struct {
	adminID string
	engine  *Engine
	emitter Emitter
	typing  *TypingNotifier
	history HistorySource
	post    func(func()) bool
	timeout time.Duration
	logger  *logrus.Logger

	generation uint64
	cancel     context.CancelFunc
}

func NewSelector(adminID string, engine *Engine, emitter Emitter, typing *TypingNotifier, history HistorySource, post func(func()) bool, timeout time.Duration, logger *logrus.Logger) *Selector {
	if logger == nil {
		logger = logrus.New()
	}
	if timeout <= 0 {
		timeout = time.Duration(constants.DefaultHistoryFetchTimeoutSec) * time.Second
	}
	return &Selector{
		adminID: adminID,
		engine:  engine,
		emitter: emitter,
		typing:  typing,
		history: history,
		post:    post,
		timeout: timeout,
		logger:  logger,
	}
}

// Generation of the current selection
func (s *Selector) Generation() uint64 {
	return s.generation
}

// Select tears down the previous binding, binds counterpartID, joins its
// room and loads history off the loop.
func (s *Selector) Select(counterpartID string) error {
	if counterpartID == "" {
		return apperrors.NewValidationError("counterpart", "counterpart id is required")
	}

	s.leave()
	s.generation++
	gen := s.generation
	s.engine.Bind(counterpartID)

	fields := messageFields(counterpartID, "", "")
	if err := s.emitter.Emit(EventAdminJoinChat, roomPayload{AdminID: s.adminID, UserID: counterpartID}); err != nil {
		s.logger.WithFields(fields).WithError(err).Warn("Failed to join chat room")
	}
	if err := s.emitter.Emit(EventGetUserStatus, counterpartID); err != nil {
		s.logger.WithFields(fields).WithError(err).Debug("Failed to request user status")
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	s.cancel = cancel
	go s.fetch(ctx, gen, counterpartID)

	s.logger.WithFields(fields).WithField(LogFieldGeneration, gen).Info("Conversation selected")
	return nil
}

// Deselect leaves the room and drops the active log.
func (s *Selector) Deselect() {
	s.leave()
	s.generation++
	s.engine.Unbind()
}

// Rejoin re-enters the active room after a reconnect and repeats the read
// request for messages that arrived while offline.
func (s *Selector) Rejoin() {
	active := s.engine.Active()
	if active == nil {
		return
	}
	if err := s.emitter.Emit(EventAdminJoinChat, roomPayload{AdminID: s.adminID, UserID: active.CounterpartID}); err != nil {
		s.logger.WithFields(messageFields(active.CounterpartID, "", "")).WithError(err).Warn("Failed to rejoin chat room")
		return
	}
	// a pending history fetch marks read itself once it seeds
	if !active.loading && active.historyErr == nil {
		s.markRead(active.CounterpartID)
	}
}

// MarkRead issues the read request over the socket and, off the loop,
// over REST.
func (s *Selector) MarkRead() error {
	active := s.engine.Active()
	if active == nil {
		return apperrors.NewValidationError("counterpart", "no conversation selected")
	}
	s.markRead(active.CounterpartID)
	return nil
}

func (s *Selector) leave() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	active := s.engine.Active()
	if active == nil {
		return
	}
	if s.typing != nil {
		if err := s.typing.Stop(); err != nil {
			s.logger.WithError(err).Debug("Failed to stop typing")
		}
	}
	if err := s.emitter.Emit(EventAdminLeaveChat, roomPayload{AdminID: s.adminID, UserID: active.CounterpartID}); err != nil {
		s.logger.WithFields(messageFields(active.CounterpartID, "", "")).WithError(err).Warn("Failed to leave chat room")
	}
}

func (s *Selector) fetch(ctx context.Context, gen uint64, counterpartID string) {
	start := time.Now()
	msgs, err := s.history.FetchHistory(ctx, counterpartID)
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.RecordTimer("history_fetch", time.Since(start), map[string]string{"status": status}, "Conversation history fetch latency")

	if !s.post(func() { s.applyHistory(gen, counterpartID, msgs, err) }) {
		s.logger.WithFields(messageFields(counterpartID, "", "")).Debug("Event loop stopped, history dropped")
	}
}

func (s *Selector) applyHistory(gen uint64, counterpartID string, msgs []models.Message, err error) {
	fields := messageFields(counterpartID, "", "")
	if gen != s.generation {
		metrics.IncrementCounter("history_stale", nil, "History responses dropped after a newer selection")
		s.logger.WithFields(fields).WithField(LogFieldGeneration, gen).Debug("Stale history response dropped")
		return
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}

	if err != nil {
		s.engine.FailHistory(counterpartID, err)
		s.logger.WithFields(fields).WithError(err).Warn("Failed to load conversation history")
		return
	}

	s.engine.SeedHistory(counterpartID, msgs)
	s.markRead(counterpartID)
}

func (s *Selector) markRead(counterpartID string) {
	fields := messageFields(counterpartID, "", "")
	if err := s.engine.MarkRead(counterpartID); err != nil {
		s.logger.WithFields(fields).WithError(err).Warn("Failed to emit read request")
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if err := s.history.MarkRead(ctx, counterpartID); err != nil {
			s.logger.WithFields(fields).WithError(err).Warn("Failed to mark messages read")
		}
	}()
}
