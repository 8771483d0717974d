package streaming

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/codeforge-ai/backend/internal/agent"
	"github.com/codeforge-ai/backend/internal/logger"
	"github.com/codeforge-ai/backend/internal/metrics"
	"github.com/codeforge-ai/backend/internal/queue"
	"github.com/codeforge-ai/backend/internal/storage/pg"
)

// injectorStore is the slice of the durable store the injector writes to.
type injectorStore interface {
	CreateMessage(ctx context.Context, msg *pg.Message) (*pg.Message, error)
	GetChatByID(ctx context.Context, id uuid.UUID) (*pg.Chat, error)
}

// messageQueue is the slice of the queue service the injector pops from.
type messageQueue interface {
	PopNextMessage(ctx context.Context, chatID string) (*queue.QueuedMessage, error)
}

// Injector hands queued prompts to the live provider session. It is invited
// by the orchestrator after each top-level tool completion and injects at
// most one message per invitation.
type Injector struct {
	store     injectorStore
	queue     messageQueue
	publisher *Publisher
	logger    *logger.Logger
}

// NewInjector creates an Injector.
func NewInjector(store injectorStore, q messageQueue, publisher *Publisher, lg *logger.Logger) *Injector {
	return &Injector{store: store, queue: q, publisher: publisher, logger: lg.WithComponent("queue_injector")}
}

// injectionFrame is the line-delimited JSON frame written into the provider
// transport.
type injectionFrame struct {
	Type            string          `json:"type"`
	Message         injectionPrompt `json:"message"`
	ParentToolUseID *string         `json:"parent_tool_use_id"`
	SessionID       string          `json:"session_id,omitempty"`
}

type injectionPrompt struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TryInject pops the head of the chat's queue and injects it into the live
// session. Returns false when the queue is empty.
func (i *Injector) TryInject(ctx context.Context, chatID uuid.UUID, transport agent.Transport) (bool, error) {
	msg, err := i.queue.PopNextMessage(ctx, chatID.String())
	if err != nil {
		return false, fmt.Errorf("failed to pop queued message: %w", err)
	}
	if msg == nil {
		return false, nil
	}

	log := i.logger.WithContext(ctx)

	userMsg, err := i.store.CreateMessage(ctx, &pg.Message{
		ChatID:      chatID,
		Role:        pg.MessageRoleUser,
		Content:     msg.Content,
		ModelID:     sql.NullString{String: msg.ModelID, Valid: msg.ModelID != ""},
		Attachments: msg.Attachments,
	})
	if err != nil {
		return false, fmt.Errorf("failed to create injected user message: %w", err)
	}

	assistantMsg, err := i.store.CreateMessage(ctx, &pg.Message{
		ChatID:       chatID,
		Role:         pg.MessageRoleAssistant,
		ModelID:      sql.NullString{String: msg.ModelID, Valid: msg.ModelID != ""},
		StreamStatus: sql.NullString{String: string(pg.StreamStatusInProgress), Valid: true},
	})
	if err != nil {
		return false, fmt.Errorf("failed to create injected assistant message: %w", err)
	}

	i.publisher.PublishQueueInjected(ctx, chatID.String(), QueueInjectedPayload{
		QueuedMessageID:    msg.ID,
		UserMessageID:      userMsg.ID.String(),
		AssistantMessageID: assistantMsg.ID.String(),
		Content:            msg.Content,
		ModelID:            msg.ModelID,
		Attachments:        msg.Attachments,
	})

	// The session id may have been rewritten since the stream opened, so
	// read the current one.
	chat, err := i.store.GetChatByID(ctx, chatID)
	if err != nil {
		return false, fmt.Errorf("failed to load chat for injection: %w", err)
	}

	frame := injectionFrame{
		Type: "user",
		Message: injectionPrompt{
			Role:    "user",
			Content: wrapPrompt(msg.Content, msg.Attachments),
		},
	}
	if chat.SessionID.Valid {
		frame.SessionID = chat.SessionID.String
	}
	line, err := json.Marshal(frame)
	if err != nil {
		return false, fmt.Errorf("failed to marshal injection frame: %w", err)
	}
	if err := transport.WriteLine(ctx, string(line)+"\n"); err != nil {
		return false, fmt.Errorf("failed to write injection frame: %w", err)
	}

	metrics.QueueInjections.Inc()
	log.Info("queued message injected",
		"chat_id", chatID, "queued_message_id", msg.ID, "user_message_id", userMsg.ID)
	return true, nil
}

// wrapPrompt builds the injected prompt body. Attachments are listed by
// their sandbox paths ahead of the prompt.
func wrapPrompt(content string, attachments pg.Attachments) string {
	if len(attachments) == 0 {
		return "<user_prompt>" + content + "</user_prompt>"
	}
	lines := make([]string, 0, len(attachments))
	for _, a := range attachments {
		lines = append(lines, "- /home/user/"+path.Base(a.FilePath))
	}
	return "<user_attachments>\nUser uploaded the following files\n" + strings.Join(lines, "\n") +
		"\n</user_attachments>\n\n<user_prompt>" + content + "</user_prompt>"
}
