package logger

import (
	"context"
)

// WithUserID adds a user ID to the context.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ContextKeyUserID, userID)
}

// WithChatID adds a chat ID to the context.
func WithChatID(ctx context.Context, chatID string) context.Context {
	return context.WithValue(ctx, ContextKeyChatID, chatID)
}

// WithTaskID adds a scheduled task ID to the context.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, ContextKeyTaskID, taskID)
}
