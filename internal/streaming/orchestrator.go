// Package streaming drives provider event streams: it fans events out to
// the per-chat shared log, reacts to cancellation, hands queued prompts to
// the live session at safe boundaries, and persists terminal state.
package streaming

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/codeforge-ai/backend/internal/agent"
	"github.com/codeforge-ai/backend/internal/apperrors"
	"github.com/codeforge-ai/backend/internal/logger"
	"github.com/codeforge-ai/backend/internal/metrics"
	"github.com/codeforge-ai/backend/internal/sandbox"
	"github.com/codeforge-ai/backend/internal/storage/pg"
)

// controlLog is the slice of the shared log the orchestrator manages
// directly: stream preparation, the task-liveness flag, and the revocation
// flag.
type controlLog interface {
	PrepareStream(ctx context.Context, chatID string) error
	SetTaskActive(ctx context.Context, chatID, handle string) error
	ClearRevoked(ctx context.Context, chatID string) error
	IsRevoked(ctx context.Context, chatID string) (bool, error)
	DeleteControlKeys(ctx context.Context, chatID string) error
}

// orchestratorStore is the slice of the durable store the orchestrator
// writes during and after a stream.
type orchestratorStore interface {
	FinalizeAssistantMessage(ctx context.Context, messageID uuid.UUID, content string, totalCostUSD sql.NullFloat64, status pg.StreamStatus) error
	SetMessageCheckpoint(ctx context.Context, messageID uuid.UUID, checkpointID string) error
	UpdateChatSessionID(ctx context.Context, chatID uuid.UUID, sessionID string) error
	UpdateMessageSessionID(ctx context.Context, messageID uuid.UUID, sessionID string) error
}

// UsageRefresher refreshes the cached context token usage for a chat. Wired
// when context-usage tracking is enabled.
type UsageRefresher interface {
	Refresh(ctx context.Context, chat *pg.Chat)
}

// Orchestrator coordinates one provider stream end to end.
type Orchestrator struct {
	client       agent.Client
	log          controlLog
	store        orchestratorStore
	publisher    *Publisher
	injector     *Injector
	sandboxes    sandbox.Service
	usage        UsageRefresher
	pollInterval time.Duration
	logger       *logger.Logger
}

// NewOrchestrator creates an Orchestrator. usage may be nil.
func NewOrchestrator(client agent.Client, log controlLog, store orchestratorStore,
	publisher *Publisher, injector *Injector, sandboxes sandbox.Service,
	usage UsageRefresher, pollInterval time.Duration, lg *logger.Logger) *Orchestrator {

	return &Orchestrator{
		client:       client,
		log:          log,
		store:        store,
		publisher:    publisher,
		injector:     injector,
		sandboxes:    sandboxes,
		usage:        usage,
		pollInterval: pollInterval,
		logger:       lg.WithComponent("stream_orchestrator"),
	}
}

// StreamInput carries everything needed to run one stream against a chat.
type StreamInput struct {
	Chat               *pg.Chat
	Prompt             string
	SystemPrompt       string
	CustomInstructions string
	ModelID            string
	PermissionMode     string
	SessionID          string
	AssistantMessageID uuid.UUID
	ThinkingMode       string
	Attachments        pg.Attachments
	IsCustomPrompt     bool
}

// Run drives a provider stream to completion. It always leaves the
// assistant message in exactly one terminal stream status and always tears
// down the chat's control keys.
//
// On cooperative cancellation it returns StreamCancelled carrying the
// serialized partial content; any other stream failure is returned after
// FAILED finalization. The returned string is the persisted content in
// every case.
func (o *Orchestrator) Run(ctx context.Context, input StreamInput) (string, error) {
	chatID := input.Chat.ID.String()
	ctx = logger.WithChatID(ctx, chatID)
	log := o.logger.WithContext(ctx)

	if err := o.log.PrepareStream(ctx, chatID); err != nil {
		return "", fmt.Errorf("failed to prepare stream: %w", err)
	}
	if err := o.log.SetTaskActive(ctx, chatID, input.AssistantMessageID.String()); err != nil {
		return "", fmt.Errorf("failed to set task key: %w", err)
	}
	if err := o.log.ClearRevoked(ctx, chatID); err != nil {
		return "", fmt.Errorf("failed to clear revocation flag: %w", err)
	}

	stream, err := o.client.OpenStream(ctx, agent.StreamRequest{
		ChatID:             chatID,
		Prompt:             input.Prompt,
		SystemPrompt:       input.SystemPrompt,
		CustomInstructions: input.CustomInstructions,
		ModelID:            input.ModelID,
		PermissionMode:     input.PermissionMode,
		SessionID:          input.SessionID,
		ThinkingMode:       input.ThinkingMode,
		Attachments:        input.Attachments,
		IsCustomPrompt:     input.IsCustomPrompt,
		OnSessionUpdate: func(sessionID string) {
			o.handleSessionUpdate(ctx, input, sessionID)
		},
	})
	if err != nil {
		openErr := fmt.Errorf("failed to open provider stream: %w", err)
		content := o.finalize(ctx, input, nil, nil, pg.StreamStatusFailed, openErr.Error())
		return content, openErr
	}
	metrics.StreamsStarted.Inc()
	log.Info("stream started", "model_id", input.ModelID)

	events, cancelled, streamErr := o.drain(ctx, input, stream)

	// A stream that finishes without emitting anything is a provider
	// failure, not a success.
	if streamErr == nil && !cancelled && len(events) == 0 {
		streamErr = apperrors.NewAgentError("stream completed without emitting events")
	}

	switch {
	case cancelled:
		content := o.finalize(ctx, input, stream, events, pg.StreamStatusInterrupted, "")
		log.Info("stream interrupted", "events", len(events))
		return content, &apperrors.StreamCancelled{FinalContent: content}
	case streamErr != nil:
		content := o.finalize(ctx, input, stream, events, pg.StreamStatusFailed, streamErr.Error())
		log.Error("stream failed", "events", len(events), "error", streamErr)
		return content, streamErr
	default:
		content := o.finalize(ctx, input, stream, events, pg.StreamStatusCompleted, "")
		log.Info("stream completed", "events", len(events))
		return content, nil
	}
}

// drain runs the main loop: it advances the provider iterator, buffers and
// publishes each event, and invites the injector after each top-level tool
// completion. It reports whether the loop was interrupted by revocation.
func (o *Orchestrator) drain(ctx context.Context, input StreamInput, stream agent.Stream) ([]*agent.StreamEvent, bool, error) {
	chatID := input.Chat.ID.String()
	log := o.logger.WithContext(ctx)

	mainCtx, interruptMain := context.WithCancel(ctx)
	defer interruptMain()
	watchCtx, stopWatcher := context.WithCancel(ctx)
	defer stopWatcher()

	state := &cancelState{}
	go watchRevocation(watchCtx, chatID, o.log, stream, state, interruptMain,
		o.pollInterval, o.logger.WithComponent("cancellation_watcher"))

	var events []*agent.StreamEvent
	for {
		event, err := stream.Next(mainCtx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return events, false, nil
			}
			// Distinguish revocation from provider failure: an
			// interrupt without the flag set is an ordinary failure.
			if mainCtx.Err() != nil && state.WasCancelled() {
				return events, true, nil
			}
			return events, false, err
		}

		clone := event.Clone()
		events = append(events, clone)
		o.publisher.PublishEvent(ctx, chatID, clone)

		if clone.TopLevelToolCompleted() {
			if _, err := o.injector.TryInject(ctx, input.Chat.ID, stream.Transport()); err != nil {
				log.Warn("queued message injection failed", "error", err)
			}
		}
	}
}

// finalize persists the terminal message state, publishes the terminal
// marker, checkpoints on success, and tears down the control keys. It runs
// on every exit path, including cancellation and failure to open the
// stream, so it must not inherit a cancelled context.
func (o *Orchestrator) finalize(ctx context.Context, input StreamInput, stream agent.Stream,
	events []*agent.StreamEvent, status pg.StreamStatus, errMsg string) string {

	ctx = context.WithoutCancel(ctx)
	chatID := input.Chat.ID.String()
	log := o.logger.WithContext(ctx)

	content, err := agent.MarshalEvents(events)
	if err != nil {
		log.Error("failed to serialize event buffer", "error", err)
		content = "[]"
	}

	var cost sql.NullFloat64
	if stream != nil {
		cost = sql.NullFloat64{Float64: stream.TotalCostUSD(), Valid: true}
	}
	if err := o.store.FinalizeAssistantMessage(ctx, input.AssistantMessageID, content, cost, status); err != nil {
		log.Error("failed to persist terminal message state", "status", status, "error", err)
	}

	if status == pg.StreamStatusFailed {
		o.publisher.PublishError(ctx, chatID, errMsg)
	} else {
		o.publisher.PublishComplete(ctx, chatID)
	}

	if status == pg.StreamStatusCompleted && input.Chat.SandboxID.Valid {
		checkpointID, err := o.sandboxes.CreateCheckpoint(ctx, input.Chat.SandboxID.String)
		if err != nil {
			log.Warn("sandbox checkpoint failed", "sandbox_id", input.Chat.SandboxID.String, "error", err)
		} else if checkpointID != "" {
			if err := o.store.SetMessageCheckpoint(ctx, input.AssistantMessageID, checkpointID); err != nil {
				log.Warn("failed to store checkpoint id", "checkpoint_id", checkpointID, "error", err)
			}
		}
	}

	if err := o.log.DeleteControlKeys(ctx, chatID); err != nil {
		log.Warn("failed to delete control keys", "error", err)
	}
	if stream != nil {
		if err := stream.Close(); err != nil {
			log.Warn("failed to close provider stream", "error", err)
		}
	}

	metrics.StreamsFinished.WithLabelValues(string(status)).Inc()
	return content
}

// handleSessionUpdate rewrites the provider session handle on the chat and
// the assistant message, and kicks a context-usage refresh once a sandbox is
// attached. Failures are logged and swallowed; a session rewrite must never
// kill a live stream.
func (o *Orchestrator) handleSessionUpdate(ctx context.Context, input StreamInput, sessionID string) {
	log := o.logger.WithContext(ctx)
	if sessionID == "" {
		return
	}
	if err := o.store.UpdateChatSessionID(ctx, input.Chat.ID, sessionID); err != nil {
		log.Warn("failed to update chat session id", "error", err)
	}
	if err := o.store.UpdateMessageSessionID(ctx, input.AssistantMessageID, sessionID); err != nil {
		log.Warn("failed to update message session id", "error", err)
	}
	input.Chat.SessionID = sql.NullString{String: sessionID, Valid: true}

	if o.usage != nil && input.Chat.SandboxID.Valid {
		// The refresh goroutine gets its own copy; input.Chat keeps being
		// written by later session updates on the stream goroutine.
		snapshot := *input.Chat
		go o.usage.Refresh(context.WithoutCancel(ctx), &snapshot)
	}
}
