package agent

import (
	"context"

	"github.com/codeforge-ai/backend/internal/storage/pg"
)

// StreamRequest carries everything the provider needs to open a stream.
// OnSessionUpdate fires when the provider issues a fresh session id
// mid-stream; the orchestrator uses it to rewrite the chat and assistant
// message session handles.
type StreamRequest struct {
	ChatID             string
	Prompt             string
	SystemPrompt       string
	CustomInstructions string
	ModelID            string
	PermissionMode     string
	SessionID          string
	ThinkingMode       string
	Attachments        pg.Attachments
	IsCustomPrompt     bool
	OnSessionUpdate    func(sessionID string)
}

// Transport is the write side of a live provider session. Injected prompts
// are written as single newline-terminated JSON frames.
type Transport interface {
	WriteLine(ctx context.Context, line string) error
}

// Stream is one live provider stream. Next returns io.EOF when the provider
// has emitted its final event. CancelActiveStream asks the provider to stop;
// it is safe to call from a goroutine other than the one draining Next.
type Stream interface {
	Next(ctx context.Context) (*StreamEvent, error)
	CancelActiveStream(ctx context.Context) error
	TotalCostUSD() float64
	Transport() Transport
	Close() error
}

// Client opens provider streams and answers session-level queries.
type Client interface {
	OpenStream(ctx context.Context, req StreamRequest) (Stream, error)
	SessionTokenUsage(ctx context.Context, sandboxID, sessionID string) (int64, error)
}
