package streaming

import (
	"context"
	"fmt"

	"github.com/codeforge-ai/backend/internal/logger"
	"github.com/codeforge-ai/backend/internal/sharedlog"
)

// streamControl is the slice of the shared log the controller uses.
type streamControl interface {
	TaskActive(ctx context.Context, chatID string) (bool, error)
	RequestRevocation(ctx context.Context, chatID string) error
	Entries(ctx context.Context, chatID string) ([]sharedlog.Entry, error)
}

// Controller is the consumer-facing side of a live stream: stop requests and
// catch-up reads for clients that reconnect mid-stream.
type Controller struct {
	log    streamControl
	logger *logger.Logger
}

// NewController creates a Controller.
func NewController(log streamControl, lg *logger.Logger) *Controller {
	return &Controller{log: log, logger: lg.WithComponent("stream_control")}
}

// RequestStop asks the chat's live stream to cancel. The request is
// cooperative: the watcher picks the flag up on its next poll. Returns false
// when the chat has no live stream to stop.
func (c *Controller) RequestStop(ctx context.Context, chatID string) (bool, error) {
	active, err := c.log.TaskActive(ctx, chatID)
	if err != nil {
		return false, fmt.Errorf("failed to check stream liveness: %w", err)
	}
	if !active {
		return false, nil
	}
	if err := c.log.RequestRevocation(ctx, chatID); err != nil {
		return false, fmt.Errorf("failed to request stream stop: %w", err)
	}
	c.logger.WithContext(ctx).Info("stream stop requested", "chat_id", chatID)
	return true, nil
}

// CatchUp returns everything the chat's stream holds so far, oldest first,
// so a reconnecting client can replay missed events before tailing live ones.
func (c *Controller) CatchUp(ctx context.Context, chatID string) ([]sharedlog.Entry, error) {
	entries, err := c.log.Entries(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to read stream entries: %w", err)
	}
	return entries, nil
}

// StreamActive reports whether the chat has a live stream.
func (c *Controller) StreamActive(ctx context.Context, chatID string) (bool, error) {
	return c.log.TaskActive(ctx, chatID)
}
