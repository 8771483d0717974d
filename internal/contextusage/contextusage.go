// Package contextusage tracks how much of the model's context window a chat
// has consumed. Usage is fetched from the provider session, persisted on the
// chat, cached in the shared KV, and announced to stream consumers as a
// system event.
package contextusage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/codeforge-ai/backend/internal/agent"
	"github.com/codeforge-ai/backend/internal/logger"
	"github.com/codeforge-ai/backend/internal/storage/pg"
	"github.com/codeforge-ai/backend/internal/streaming"
)

// usageCache is the slice of the shared log the service reads and writes.
type usageCache interface {
	SetContextUsage(ctx context.Context, chatID, payload string, ttl time.Duration) error
	GetContextUsage(ctx context.Context, chatID string) (string, error)
	TaskActive(ctx context.Context, chatID string) (bool, error)
	IsRevoked(ctx context.Context, chatID string) (bool, error)
}

// usageStore persists usage on the chat row.
type usageStore interface {
	UpdateChatContextTokenUsage(ctx context.Context, chatID uuid.UUID, tokens int64) error
}

// Usage is the cached usage snapshot.
type Usage struct {
	ContextTokenUsage   int64   `json:"context_token_usage"`
	ContextWindowTokens int64   `json:"context_window_tokens"`
	PercentUsed         float64 `json:"percent_used"`
}

// Service refreshes and serves context token usage.
type Service struct {
	client       agent.Client
	cache        usageCache
	store        usageStore
	publisher    *streaming.Publisher
	cacheTTL     time.Duration
	pollInterval time.Duration
	windowTokens int64
	logger       *logger.Logger
}

// NewService creates a context-usage service.
func NewService(client agent.Client, cache usageCache, store usageStore, publisher *streaming.Publisher,
	cacheTTL, pollInterval time.Duration, windowTokens int64, lg *logger.Logger) *Service {

	return &Service{
		client:       client,
		cache:        cache,
		store:        store,
		publisher:    publisher,
		cacheTTL:     cacheTTL,
		pollInterval: pollInterval,
		windowTokens: windowTokens,
		logger:       lg.WithComponent("context_usage"),
	}
}

// Refresh fetches the current usage for a chat's session, persists and
// caches it, and publishes a system event with the snapshot. Failures are
// logged and swallowed; usage tracking never disturbs a live stream.
func (s *Service) Refresh(ctx context.Context, chat *pg.Chat) {
	log := s.logger.WithContext(ctx)
	if !chat.SandboxID.Valid || !chat.SessionID.Valid {
		return
	}

	tokens, err := s.client.SessionTokenUsage(ctx, chat.SandboxID.String, chat.SessionID.String)
	if err != nil {
		log.Warn("failed to fetch session token usage", "chat_id", chat.ID, "error", err)
		return
	}

	if err := s.store.UpdateChatContextTokenUsage(ctx, chat.ID, tokens); err != nil {
		log.Warn("failed to persist context token usage", "chat_id", chat.ID, "error", err)
	}

	usage := Usage{
		ContextTokenUsage:   tokens,
		ContextWindowTokens: s.windowTokens,
	}
	if s.windowTokens > 0 {
		usage.PercentUsed = float64(tokens) / float64(s.windowTokens) * 100
	}
	payload, err := json.Marshal(usage)
	if err != nil {
		log.Error("failed to marshal usage snapshot", "error", err)
		return
	}
	if err := s.cache.SetContextUsage(ctx, chat.ID.String(), string(payload), s.cacheTTL); err != nil {
		log.Warn("failed to cache context usage", "chat_id", chat.ID, "error", err)
	}

	s.publisher.PublishEvent(ctx, chat.ID.String(), &agent.StreamEvent{
		Type:  agent.EventSystem,
		Extra: map[string]json.RawMessage{"usage": payload},
	})
}

// Cached returns the cached usage snapshot for a chat, or nil when none is
// cached.
func (s *Service) Cached(ctx context.Context, chatID uuid.UUID) (*Usage, error) {
	raw, err := s.cache.GetContextUsage(ctx, chatID.String())
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, nil
	}
	var usage Usage
	if err := json.Unmarshal([]byte(raw), &usage); err != nil {
		return nil, err
	}
	return &usage, nil
}

// Poll refreshes usage on an interval for as long as the chat's stream is
// active. It returns when the stream ends, is revoked, or the context is
// cancelled.
func (s *Service) Poll(ctx context.Context, chat *pg.Chat) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		active, err := s.streamActive(ctx, chat.ID.String())
		if err != nil {
			s.logger.Warn("failed to check stream liveness", "chat_id", chat.ID, "error", err)
			continue
		}
		if !active {
			return
		}
		s.Refresh(ctx, chat)
	}
}

// streamActive reports whether the chat has a live, non-revoked stream.
func (s *Service) streamActive(ctx context.Context, chatID string) (bool, error) {
	active, err := s.cache.TaskActive(ctx, chatID)
	if err != nil || !active {
		return false, err
	}
	revoked, err := s.cache.IsRevoked(ctx, chatID)
	if err != nil {
		return false, err
	}
	return !revoked, nil
}
