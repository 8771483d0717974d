// Package chats serves paginated chat and message history. Pages are keyed
// by opaque cursors so callers never see the underlying (created_at, id)
// ordering.
package chats

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/codeforge-ai/backend/internal/cursor"
	"github.com/codeforge-ai/backend/internal/logger"
	"github.com/codeforge-ai/backend/internal/storage/pg"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// historyStore is the slice of the durable store the service uses.
type historyStore interface {
	ListChats(ctx context.Context, userID uuid.UUID, before *time.Time, beforeID *uuid.UUID, limit int) ([]*pg.Chat, error)
	ListMessages(ctx context.Context, chatID uuid.UUID, after *time.Time, afterID *uuid.UUID, limit int) ([]*pg.Message, error)
}

// Service lists chat history.
type Service struct {
	store  historyStore
	logger *logger.Logger
}

// NewService creates a history service.
func NewService(store historyStore, lg *logger.Logger) *Service {
	return &Service{store: store, logger: lg.WithComponent("chats")}
}

// ChatPage is one page of chats, newest first. NextCursor is empty on the
// last page.
type ChatPage struct {
	Chats      []*pg.Chat
	NextCursor string
}

// ListChats returns a page of the user's chats. An empty cursor starts from
// the newest chat.
func (s *Service) ListChats(ctx context.Context, userID uuid.UUID, pageCursor string, limit int) (*ChatPage, error) {
	limit = clampLimit(limit)

	var before *time.Time
	var beforeID *uuid.UUID
	if pageCursor != "" {
		at, id, err := cursor.Decode(pageCursor)
		if err != nil {
			return nil, err
		}
		before, beforeID = &at, &id
	}

	// One extra row decides whether a further page exists.
	rows, err := s.store.ListChats(ctx, userID, before, beforeID, limit+1)
	if err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}

	page := &ChatPage{Chats: rows}
	if len(rows) > limit {
		page.Chats = rows[:limit]
		last := page.Chats[limit-1]
		page.NextCursor = cursor.Encode(last.CreatedAt, last.ID)
	}
	return page, nil
}

// MessagePage is one page of messages in creation order. NextCursor is empty
// on the last page.
type MessagePage struct {
	Messages   []*pg.Message
	NextCursor string
}

// ListMessages returns a page of a chat's messages, oldest first.
func (s *Service) ListMessages(ctx context.Context, chatID uuid.UUID, pageCursor string, limit int) (*MessagePage, error) {
	limit = clampLimit(limit)

	var after *time.Time
	var afterID *uuid.UUID
	if pageCursor != "" {
		at, id, err := cursor.Decode(pageCursor)
		if err != nil {
			return nil, err
		}
		after, afterID = &at, &id
	}

	rows, err := s.store.ListMessages(ctx, chatID, after, afterID, limit+1)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	page := &MessagePage{Messages: rows}
	if len(rows) > limit {
		page.Messages = rows[:limit]
		last := page.Messages[limit-1]
		page.NextCursor = cursor.Encode(last.CreatedAt, last.ID)
	}
	return page, nil
}

func clampLimit(limit int) int {
	if limit < 1 {
		return defaultPageSize
	}
	if limit > maxPageSize {
		return maxPageSize
	}
	return limit
}
