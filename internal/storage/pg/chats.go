package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const chatColumns = `id, user_id, title, sandbox_id, sandbox_provider, session_id, context_token_usage, created_at, updated_at`

func scanChat(row interface{ Scan(...interface{}) error }) (*Chat, error) {
	var c Chat
	err := row.Scan(&c.ID, &c.UserID, &c.Title, &c.SandboxID, &c.SandboxProvider,
		&c.SessionID, &c.ContextTokenUsage, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateChat inserts a new chat for a user.
func (s *Store) CreateChat(ctx context.Context, chat *Chat) (*Chat, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO chats (user_id, title, sandbox_id, sandbox_provider, session_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+chatColumns,
		chat.UserID, chat.Title, chat.SandboxID, chat.SandboxProvider, chat.SessionID)
	created, err := scanChat(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat: %w", err)
	}
	return created, nil
}

// GetChatByID loads a chat.
func (s *Store) GetChatByID(ctx context.Context, id uuid.UUID) (*Chat, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+chatColumns+` FROM chats WHERE id = $1`, id)
	chat, err := scanChat(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get chat: %w", err)
	}
	return chat, nil
}

// ListChats returns a page of the user's chats, newest first, starting after
// the cursor position (created_at, id) when provided.
func (s *Store) ListChats(ctx context.Context, userID uuid.UUID, before *time.Time, beforeID *uuid.UUID, limit int) ([]*Chat, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if before != nil && beforeID != nil {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+chatColumns+` FROM chats
			WHERE user_id = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4`, userID, *before, *beforeID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+chatColumns+` FROM chats
			WHERE user_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`, userID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}
	defer rows.Close()

	var chats []*Chat
	for rows.Next() {
		chat, err := scanChat(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan chat: %w", err)
		}
		chats = append(chats, chat)
	}
	return chats, rows.Err()
}

// UpdateChatSessionID rewrites the provider-issued session handle on a chat.
func (s *Store) UpdateChatSessionID(ctx context.Context, chatID uuid.UUID, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE chats SET session_id = $2, updated_at = now() WHERE id = $1`, chatID, sessionID)
	if err != nil {
		return fmt.Errorf("failed to update chat session id: %w", err)
	}
	return nil
}

// UpdateChatContextTokenUsage stores the latest context token usage on a chat.
func (s *Store) UpdateChatContextTokenUsage(ctx context.Context, chatID uuid.UUID, tokens int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE chats SET context_token_usage = $2, updated_at = now() WHERE id = $1`, chatID, tokens)
	if err != nil {
		return fmt.Errorf("failed to update chat context token usage: %w", err)
	}
	return nil
}

const messageColumns = `id, chat_id, role, content, model_id, stream_status, total_cost_usd, session_id, checkpoint_id, attachments, created_at, updated_at`

func scanMessage(row interface{ Scan(...interface{}) error }) (*Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.ChatID, &m.Role, &m.Content, &m.ModelID, &m.StreamStatus,
		&m.TotalCostUSD, &m.SessionID, &m.CheckpointID, &m.Attachments, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// CreateMessage inserts a message into a chat.
func (s *Store) CreateMessage(ctx context.Context, msg *Message) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO messages (chat_id, role, content, model_id, stream_status, session_id, attachments)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+messageColumns,
		msg.ChatID, msg.Role, msg.Content, msg.ModelID, msg.StreamStatus, msg.SessionID, msg.Attachments)
	created, err := scanMessage(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}
	return created, nil
}

// GetMessageByID loads a message.
func (s *Store) GetMessageByID(ctx context.Context, id uuid.UUID) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	msg, err := scanMessage(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return msg, nil
}

// ListMessages returns a page of a chat's messages in creation order,
// starting after the cursor position when provided.
func (s *Store) ListMessages(ctx context.Context, chatID uuid.UUID, after *time.Time, afterID *uuid.UUID, limit int) ([]*Message, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if after != nil && afterID != nil {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+messageColumns+` FROM messages
			WHERE chat_id = $1 AND (created_at, id) > ($2, $3)
			ORDER BY created_at, id
			LIMIT $4`, chatID, *after, *afterID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+messageColumns+` FROM messages
			WHERE chat_id = $1
			ORDER BY created_at, id
			LIMIT $2`, chatID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// UpdateMessageSessionID rewrites the provider session handle on a message.
func (s *Store) UpdateMessageSessionID(ctx context.Context, messageID uuid.UUID, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET session_id = $2, updated_at = now() WHERE id = $1`, messageID, sessionID)
	if err != nil {
		return fmt.Errorf("failed to update message session id: %w", err)
	}
	return nil
}

// FinalizeAssistantMessage writes the terminal state of an assistant message.
// The guard keeps a terminal stream_status from being overwritten, so the
// transition out of in_progress happens at most once.
func (s *Store) FinalizeAssistantMessage(ctx context.Context, messageID uuid.UUID, content string, totalCostUSD sql.NullFloat64, status StreamStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET content = $2, total_cost_usd = $3, stream_status = $4, updated_at = now()
		WHERE id = $1 AND (stream_status IS NULL OR stream_status = 'in_progress')`,
		messageID, content, totalCostUSD, status)
	if err != nil {
		return fmt.Errorf("failed to finalize assistant message: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("message %s already finalized", messageID)
	}
	return nil
}

// SetMessageCheckpoint stores the sandbox checkpoint ID on a message.
func (s *Store) SetMessageCheckpoint(ctx context.Context, messageID uuid.UUID, checkpointID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET checkpoint_id = $2, updated_at = now() WHERE id = $1`, messageID, checkpointID)
	if err != nil {
		return fmt.Errorf("failed to set message checkpoint: %w", err)
	}
	return nil
}
