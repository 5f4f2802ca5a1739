// Package chat implements rider/host message threads with delivery status and
// typing indicators.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/example/carpool/internal/logging"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/storage"
	"github.com/example/carpool/internal/watch"
)

var (
	ErrEmptyMessage  = errors.New("chat: message text is empty")
	ErrMissingThread = errors.New("chat: thread and sender are required")
	ErrInvalidStatus = errors.New("chat: unknown message status")
)

type Service struct {
	store  storage.MessageStore
	source watch.Source
	logger *slog.Logger
	now    func() time.Time
}

func New(store storage.MessageStore, source watch.Source, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		source: source,
		logger: logging.OrDefault(logger),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Send stores a message with status "sent" and returns its ID.
func (s *Service) Send(ctx context.Context, threadID, from, text string) (string, error) {
	if strings.TrimSpace(threadID) == "" || strings.TrimSpace(from) == "" {
		return "", ErrMissingThread
	}
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyMessage
	}
	m := &models.Message{
		ID:        ulid.Make().String(),
		ThreadID:  threadID,
		From:      from,
		Text:      text,
		Status:    models.MessageSent,
		CreatedAt: s.now(),
	}
	if err := s.store.AddMessage(ctx, m); err != nil {
		s.logger.Warn("send_message_failed", "thread_id", threadID, "error", err)
		return "", fmt.Errorf("send message: %w", err)
	}
	return m.ID, nil
}

// ThreadMessages returns the thread oldest first, or an empty list on failure.
func (s *Service) ThreadMessages(ctx context.Context, threadID string) []models.Message {
	msgs, err := s.store.ListThread(ctx, threadID)
	if err != nil {
		s.logger.Warn("thread_messages_failed", "thread_id", threadID, "error", err)
		return []models.Message{}
	}
	return msgs
}

func (s *Service) Subscribe(ctx context.Context, threadID string, fn func([]models.Message)) *watch.Subscription {
	return watch.Watch(ctx, s.source, watch.Match(storage.CollectionMessages, threadID),
		func(ctx context.Context) ([]models.Message, error) { return s.store.ListThread(ctx, threadID) },
		fn, s.logger)
}

// UpdateStatus is best-effort; failures are logged and reported as false.
func (s *Service) UpdateStatus(ctx context.Context, messageID string, status models.MessageStatus) bool {
	if !status.Valid() {
		s.logger.Warn("update_message_status_invalid", "message_id", messageID, "status", status)
		return false
	}
	if err := s.store.SetMessageStatus(ctx, messageID, status); err != nil {
		s.logger.Warn("update_message_status_failed", "message_id", messageID, "error", err)
		return false
	}
	return true
}

func (s *Service) SetTyping(ctx context.Context, threadID, userID string, typing bool) {
	t := models.Typing{ThreadID: threadID, UserID: userID, IsTyping: typing, UpdatedAt: s.now()}
	if err := s.store.SetTyping(ctx, t); err != nil {
		s.logger.Warn("set_typing_failed", "thread_id", threadID, "user_id", userID, "error", err)
	}
}

func (s *Service) SubscribeTyping(ctx context.Context, threadID string, fn func([]models.Typing)) *watch.Subscription {
	return watch.Watch(ctx, s.source, watch.Match(storage.CollectionTyping, threadID),
		func(ctx context.Context) ([]models.Typing, error) { return s.store.ListTyping(ctx, threadID) },
		fn, s.logger)
}

// MarkThreadRead marks every message not sent by userID as read and returns
// how many changed.
func (s *Service) MarkThreadRead(ctx context.Context, threadID, userID string) int {
	msgs, err := s.store.ListThread(ctx, threadID)
	if err != nil {
		s.logger.Warn("mark_thread_read_failed", "thread_id", threadID, "error", err)
		return 0
	}
	n := 0
	for _, m := range msgs {
		if m.From == userID || m.Status == models.MessageRead {
			continue
		}
		if err := s.store.SetMessageStatus(ctx, m.ID, models.MessageRead); err != nil {
			s.logger.Warn("mark_thread_read_failed", "thread_id", threadID, "message_id", m.ID, "error", err)
			continue
		}
		n++
	}
	return n
}
