// Package gateway is the HTTP client for the agent gateway, the external
// service that hosts sandboxes and runs the provider agent inside them. It
// implements both the provider stream surface and the sandbox surface, so one
// configured base URL serves both concerns.
//
// Streams are newline-delimited JSON: the open call returns a chunked
// response whose body carries one event per line, and injected prompts are
// written back through a per-stream input endpoint.
package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/codeforge-ai/backend/internal/agent"
	"github.com/codeforge-ai/backend/internal/logger"
	"github.com/codeforge-ai/backend/internal/storage/pg"
)

// streamIDHeader carries the gateway-assigned stream id on the open response.
const streamIDHeader = "X-Stream-Id"

// Client talks to the agent gateway. It satisfies the provider client and the
// sandbox service surfaces.
type Client struct {
	baseURL string
	// unary has a request timeout; streaming must not, a live stream can
	// outlast any fixed deadline.
	unary     *http.Client
	streaming *http.Client
	logger    *logger.Logger
}

// NewClient creates a gateway client.
func NewClient(baseURL string, timeout time.Duration, lg *logger.Logger) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		unary:     &http.Client{Timeout: timeout},
		streaming: &http.Client{},
		logger:    lg.WithComponent("gateway"),
	}
}

type openStreamRequest struct {
	ChatID             string         `json:"chat_id"`
	Prompt             string         `json:"prompt"`
	SystemPrompt       string         `json:"system_prompt,omitempty"`
	CustomInstructions string         `json:"custom_instructions,omitempty"`
	ModelID            string         `json:"model_id"`
	PermissionMode     string         `json:"permission_mode,omitempty"`
	SessionID          string         `json:"session_id,omitempty"`
	ThinkingMode       string         `json:"thinking_mode,omitempty"`
	Attachments        pg.Attachments `json:"attachments,omitempty"`
	IsCustomPrompt     bool           `json:"is_custom_prompt,omitempty"`
}

// OpenStream starts a provider stream for the chat and returns the live
// event stream.
func (c *Client) OpenStream(ctx context.Context, req agent.StreamRequest) (agent.Stream, error) {
	body, err := json.Marshal(openStreamRequest{
		ChatID:             req.ChatID,
		Prompt:             req.Prompt,
		SystemPrompt:       req.SystemPrompt,
		CustomInstructions: req.CustomInstructions,
		ModelID:            req.ModelID,
		PermissionMode:     req.PermissionMode,
		SessionID:          req.SessionID,
		ThinkingMode:       req.ThinkingMode,
		Attachments:        req.Attachments,
		IsCustomPrompt:     req.IsCustomPrompt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal stream request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/streams", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build stream request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.streaming.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, fmt.Errorf("failed to open stream: %s: %s", resp.Status, readErrorBody(resp.Body))
	}

	streamID := resp.Header.Get(streamIDHeader)
	if streamID == "" {
		resp.Body.Close()
		return nil, fmt.Errorf("stream response missing %s header", streamIDHeader)
	}

	return &httpStream{
		id:              streamID,
		client:          c,
		body:            resp.Body,
		reader:          bufio.NewReader(resp.Body),
		onSessionUpdate: req.OnSessionUpdate,
	}, nil
}

// SessionTokenUsage returns the total tokens held in the session's context
// window.
func (c *Client) SessionTokenUsage(ctx context.Context, sandboxID, sessionID string) (int64, error) {
	var out struct {
		TotalTokens int64 `json:"total_tokens"`
	}
	path := fmt.Sprintf("/v1/sandboxes/%s/sessions/%s/usage", sandboxID, sessionID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return 0, fmt.Errorf("failed to fetch session usage: %w", err)
	}
	return out.TotalTokens, nil
}

// CreateSandbox provisions a sandbox and returns its handle.
func (c *Client) CreateSandbox(ctx context.Context, userID, provider string) (string, error) {
	in := map[string]string{"user_id": userID, "provider": provider}
	var out struct {
		SandboxID string `json:"sandbox_id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/sandboxes", in, &out); err != nil {
		return "", fmt.Errorf("failed to create sandbox: %w", err)
	}
	return out.SandboxID, nil
}

// InitializeSandbox pushes the user's settings into a fresh sandbox.
func (c *Client) InitializeSandbox(ctx context.Context, sandboxID string, settings *pg.UserSettings) error {
	in := map[string]string{"custom_providers": settings.CustomProviders}
	path := fmt.Sprintf("/v1/sandboxes/%s/initialize", sandboxID)
	if err := c.doJSON(ctx, http.MethodPost, path, in, nil); err != nil {
		return fmt.Errorf("failed to initialize sandbox: %w", err)
	}
	return nil
}

// CreateCheckpoint snapshots the sandbox and returns the checkpoint id.
func (c *Client) CreateCheckpoint(ctx context.Context, sandboxID string) (string, error) {
	var out struct {
		CheckpointID string `json:"checkpoint_id"`
	}
	path := fmt.Sprintf("/v1/sandboxes/%s/checkpoints", sandboxID)
	if err := c.doJSON(ctx, http.MethodPost, path, nil, &out); err != nil {
		return "", fmt.Errorf("failed to create checkpoint: %w", err)
	}
	return out.CheckpointID, nil
}

// Cleanup releases the sandbox.
func (c *Client) Cleanup(ctx context.Context, sandboxID string) error {
	if err := c.doJSON(ctx, http.MethodDelete, "/v1/sandboxes/"+sandboxID, nil, nil); err != nil {
		return fmt.Errorf("failed to clean up sandbox: %w", err)
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.unary.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, readErrorBody(resp.Body))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func readErrorBody(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 1024))
	return strings.TrimSpace(string(data))
}

// httpStream is one live NDJSON stream from the gateway.
type httpStream struct {
	id              string
	client          *Client
	body            io.ReadCloser
	reader          *bufio.Reader
	onSessionUpdate func(string)
	lastSessionID   string

	mu      sync.Mutex
	costUSD float64
}

// Next returns the next event, or io.EOF when the stream is done. The open
// request carries the caller's context, so cancelling it aborts the read.
func (s *httpStream) Next(ctx context.Context) (*agent.StreamEvent, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		line, err := s.reader.ReadBytes('\n')
		if len(line) == 0 && err != nil {
			if err == io.EOF {
				return nil, io.EOF
			}
			// The transport surfaces context cancellation as a read error on
			// the body.
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("failed to read stream: %w", err)
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		var ev agent.StreamEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, fmt.Errorf("failed to decode stream event: %w", err)
		}

		if ev.SessionID != "" && ev.SessionID != s.lastSessionID {
			s.lastSessionID = ev.SessionID
			if s.onSessionUpdate != nil {
				s.onSessionUpdate(ev.SessionID)
			}
		}
		if raw, ok := ev.Extra["total_cost_usd"]; ok {
			var cost float64
			if json.Unmarshal(raw, &cost) == nil {
				s.mu.Lock()
				s.costUSD = cost
				s.mu.Unlock()
			}
		}
		return &ev, nil
	}
}

// CancelActiveStream asks the gateway to stop the stream. The cancel uses a
// fresh context so it still goes out after the draining context is torn down.
func (s *httpStream) CancelActiveStream(ctx context.Context) error {
	path := fmt.Sprintf("/v1/streams/%s/cancel", s.id)
	if err := s.client.doJSON(ctx, http.MethodPost, path, nil, nil); err != nil {
		return fmt.Errorf("failed to cancel stream: %w", err)
	}
	return nil
}

// TotalCostUSD returns the latest cost reported by the provider.
func (s *httpStream) TotalCostUSD() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.costUSD
}

// Transport returns the write side for injected prompts.
func (s *httpStream) Transport() agent.Transport {
	return &streamTransport{client: s.client, streamID: s.id}
}

// Close releases the response body.
func (s *httpStream) Close() error {
	return s.body.Close()
}

// streamTransport writes injection frames into a live stream.
type streamTransport struct {
	client   *Client
	streamID string
}

func (t *streamTransport) WriteLine(ctx context.Context, line string) error {
	path := fmt.Sprintf("/v1/streams/%s/input", t.streamID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.client.baseURL+path, strings.NewReader(line))
	if err != nil {
		return fmt.Errorf("failed to build input request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-ndjson")

	resp, err := t.client.unary.Do(req)
	if err != nil {
		return fmt.Errorf("failed to write stream input: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("failed to write stream input: %s: %s", resp.Status, readErrorBody(resp.Body))
	}
	return nil
}
