package streaming

import (
	"context"
	"encoding/json"

	"github.com/codeforge-ai/backend/internal/agent"
	"github.com/codeforge-ai/backend/internal/logger"
	"github.com/codeforge-ai/backend/internal/metrics"
	"github.com/codeforge-ai/backend/internal/sharedlog"
	"github.com/codeforge-ai/backend/internal/storage/pg"
)

// logAppender is the slice of the shared log the publisher writes to.
type logAppender interface {
	AppendEntry(ctx context.Context, chatID, kind, payload string) error
}

// Publisher types stream entries and appends them to the per-chat log.
// Append failures are logged and swallowed: the orchestrator's event buffer
// is the source of truth for persistence, the log is fan-out only.
type Publisher struct {
	log    logAppender
	logger *logger.Logger
}

// NewPublisher creates a Publisher over the shared log.
func NewPublisher(log logAppender, lg *logger.Logger) *Publisher {
	return &Publisher{log: log, logger: lg.WithComponent("stream_publisher")}
}

// QueueInjectedPayload is the payload of a queue_injected marker entry.
type QueueInjectedPayload struct {
	QueuedMessageID    string         `json:"queued_message_id"`
	UserMessageID      string         `json:"user_message_id"`
	AssistantMessageID string         `json:"assistant_message_id"`
	Content            string         `json:"content"`
	ModelID            string         `json:"model_id"`
	Attachments        pg.Attachments `json:"attachments,omitempty"`
}

// PublishEvent appends a provider event under kind content.
func (p *Publisher) PublishEvent(ctx context.Context, chatID string, event *agent.StreamEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.WithContext(ctx).Error("failed to marshal stream event", "chat_id", chatID, "error", err)
		return
	}
	p.append(ctx, chatID, sharedlog.KindContent, string(payload))
	metrics.EventsPublished.Inc()
}

// PublishQueueInjected appends the marker recording a queued-message
// injection.
func (p *Publisher) PublishQueueInjected(ctx context.Context, chatID string, payload QueueInjectedPayload) {
	b, err := json.Marshal(payload)
	if err != nil {
		p.logger.WithContext(ctx).Error("failed to marshal queue_injected payload", "chat_id", chatID, "error", err)
		return
	}
	p.append(ctx, chatID, sharedlog.KindQueueInjected, string(b))
}

// PublishComplete appends the terminal complete marker.
func (p *Publisher) PublishComplete(ctx context.Context, chatID string) {
	p.append(ctx, chatID, sharedlog.KindComplete, "")
}

// PublishError appends the terminal error marker.
func (p *Publisher) PublishError(ctx context.Context, chatID, message string) {
	payload, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		p.logger.WithContext(ctx).Error("failed to marshal error payload", "chat_id", chatID, "error", err)
		return
	}
	p.append(ctx, chatID, sharedlog.KindError, string(payload))
}

func (p *Publisher) append(ctx context.Context, chatID, kind, payload string) {
	if err := p.log.AppendEntry(ctx, chatID, kind, payload); err != nil {
		p.logger.WithContext(ctx).Warn("failed to append stream entry",
			"chat_id", chatID, "kind", kind, "error", err)
	}
}
