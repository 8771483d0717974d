// Package queue implements the bounded per-chat FIFO of user prompts that
// arrive while a stream is active. Messages wait here until the injector
// hands them to the live provider session at a safe boundary.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/codeforge-ai/backend/internal/apperrors"
	"github.com/codeforge-ai/backend/internal/logger"
	"github.com/codeforge-ai/backend/internal/storage/pg"
)

// PermissionMode controls how the injected prompt may drive tools.
type PermissionMode string

const (
	PermissionPlan PermissionMode = "plan"
	PermissionAsk  PermissionMode = "ask"
	PermissionAuto PermissionMode = "auto"
)

// QueuedMessage is one pending prompt. Position is reconstructed from the
// list index on every read and never stored.
type QueuedMessage struct {
	ID             string          `json:"id"`
	Content        string          `json:"content"`
	ModelID        string          `json:"model_id"`
	PermissionMode PermissionMode  `json:"permission_mode"`
	ThinkingMode   string          `json:"thinking_mode,omitempty"`
	QueuedAt       time.Time       `json:"queued_at"`
	Attachments    pg.Attachments  `json:"attachments,omitempty"`
	Position       int             `json:"-"`
}

// listStore is the slice of the shared log the queue needs.
type listStore interface {
	QueueLen(ctx context.Context, chatID string) (int64, error)
	QueuePush(ctx context.Context, chatID, record string) error
	QueueRange(ctx context.Context, chatID string) ([]string, error)
	QueueSet(ctx context.Context, chatID string, index int64, record string) error
	QueueRemove(ctx context.Context, chatID, record string) error
	QueuePop(ctx context.Context, chatID string) (string, error)
}

// Service manages per-chat message queues.
type Service struct {
	store   listStore
	maxSize int
	logger  *logger.Logger
}

// NewService creates a queue service bounded at maxSize messages per chat.
func NewService(store listStore, maxSize int, log *logger.Logger) *Service {
	return &Service{store: store, maxSize: maxSize, logger: log.WithComponent("queue")}
}

// AddMessage appends a prompt to the chat's queue. It fails with ErrQueueFull
// when the queue is at capacity. The returned message's Position is the queue
// length before the push.
func (s *Service) AddMessage(ctx context.Context, chatID, content, modelID string,
	mode PermissionMode, thinkingMode string, attachments pg.Attachments) (*QueuedMessage, error) {

	length, err := s.store.QueueLen(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue length: %w", err)
	}
	if length >= int64(s.maxSize) {
		return nil, apperrors.ErrQueueFull
	}

	msg := &QueuedMessage{
		ID:             uuid.NewString(),
		Content:        content,
		ModelID:        modelID,
		PermissionMode: mode,
		ThinkingMode:   thinkingMode,
		QueuedAt:       time.Now().UTC(),
		Attachments:    attachments,
		Position:       int(length),
	}
	record, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal queued message: %w", err)
	}
	if err := s.store.QueuePush(ctx, chatID, string(record)); err != nil {
		return nil, fmt.Errorf("failed to push queued message: %w", err)
	}

	s.logger.WithContext(ctx).Debug("message queued", "chat_id", chatID, "position", msg.Position)
	return msg, nil
}

// GetQueue returns all pending messages in order with positions filled in.
func (s *Service) GetQueue(ctx context.Context, chatID string) ([]*QueuedMessage, error) {
	records, err := s.store.QueueRange(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue: %w", err)
	}
	msgs := make([]*QueuedMessage, 0, len(records))
	for i, record := range records {
		var msg QueuedMessage
		if err := json.Unmarshal([]byte(record), &msg); err != nil {
			s.logger.Warn("skipping malformed queue record", "chat_id", chatID, "index", i, "error", err)
			continue
		}
		msg.Position = i
		msgs = append(msgs, &msg)
	}
	return msgs, nil
}

// UpdateMessage replaces the content of a pending message.
func (s *Service) UpdateMessage(ctx context.Context, chatID, messageID, content string) (*QueuedMessage, error) {
	return s.rewrite(ctx, chatID, messageID, func(msg *QueuedMessage) {
		msg.Content = content
	})
}

// AppendToMessage concatenates more content onto a pending message with a
// newline and merges in any new attachments.
func (s *Service) AppendToMessage(ctx context.Context, chatID, messageID, content string, attachments pg.Attachments) (*QueuedMessage, error) {
	return s.rewrite(ctx, chatID, messageID, func(msg *QueuedMessage) {
		if content != "" {
			if msg.Content != "" {
				msg.Content += "\n" + content
			} else {
				msg.Content = content
			}
		}
		msg.Attachments = append(msg.Attachments, attachments...)
	})
}

func (s *Service) rewrite(ctx context.Context, chatID, messageID string, mutate func(*QueuedMessage)) (*QueuedMessage, error) {
	records, err := s.store.QueueRange(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue: %w", err)
	}
	for i, record := range records {
		var msg QueuedMessage
		if err := json.Unmarshal([]byte(record), &msg); err != nil {
			continue
		}
		if msg.ID != messageID {
			continue
		}
		mutate(&msg)
		updated, err := json.Marshal(&msg)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal queued message: %w", err)
		}
		if err := s.store.QueueSet(ctx, chatID, int64(i), string(updated)); err != nil {
			return nil, fmt.Errorf("failed to rewrite queued message: %w", err)
		}
		msg.Position = i
		return &msg, nil
	}
	return nil, fmt.Errorf("queued message %s not found", messageID)
}

// RemoveMessage deletes a pending message from the queue.
func (s *Service) RemoveMessage(ctx context.Context, chatID, messageID string) error {
	records, err := s.store.QueueRange(ctx, chatID)
	if err != nil {
		return fmt.Errorf("failed to read queue: %w", err)
	}
	for _, record := range records {
		var msg QueuedMessage
		if err := json.Unmarshal([]byte(record), &msg); err != nil {
			continue
		}
		if msg.ID != messageID {
			continue
		}
		if err := s.store.QueueRemove(ctx, chatID, record); err != nil {
			return fmt.Errorf("failed to remove queued message: %w", err)
		}
		return nil
	}
	return fmt.Errorf("queued message %s not found", messageID)
}

// PopNextMessage atomically removes and returns the head of the queue, or
// nil when the queue is empty.
func (s *Service) PopNextMessage(ctx context.Context, chatID string) (*QueuedMessage, error) {
	record, err := s.store.QueuePop(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to pop queued message: %w", err)
	}
	if record == "" {
		return nil, nil
	}
	var msg QueuedMessage
	if err := json.Unmarshal([]byte(record), &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal queued message: %w", err)
	}
	return &msg, nil
}

// HasMessages reports whether the chat has pending messages.
func (s *Service) HasMessages(ctx context.Context, chatID string) (bool, error) {
	length, err := s.store.QueueLen(ctx, chatID)
	if err != nil {
		return false, fmt.Errorf("failed to read queue length: %w", err)
	}
	return length > 0, nil
}
