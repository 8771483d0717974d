package pg

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageRole is the author of a chat message.
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
)

// StreamStatus is the lifecycle state of an assistant message. A message
// transitions in_progress to exactly one terminal state and is never
// downgraded back.
type StreamStatus string

const (
	StreamStatusInProgress  StreamStatus = "in_progress"
	StreamStatusCompleted   StreamStatus = "completed"
	StreamStatusInterrupted StreamStatus = "interrupted"
	StreamStatusFailed      StreamStatus = "failed"
)

// IsTerminal reports whether the status is a final state.
func (s StreamStatus) IsTerminal() bool {
	return s == StreamStatusCompleted || s == StreamStatusInterrupted || s == StreamStatusFailed
}

// RecurrenceType is the schedule shape of a scheduled task.
type RecurrenceType string

const (
	RecurrenceOnce    RecurrenceType = "ONCE"
	RecurrenceDaily   RecurrenceType = "DAILY"
	RecurrenceWeekly  RecurrenceType = "WEEKLY"
	RecurrenceMonthly RecurrenceType = "MONTHLY"
)

// TaskStatus is the lifecycle state of a scheduled task.
type TaskStatus string

const (
	TaskStatusActive    TaskStatus = "ACTIVE"
	TaskStatusPaused    TaskStatus = "PAUSED"
	TaskStatusPending   TaskStatus = "PENDING"
	TaskStatusCompleted TaskStatus = "COMPLETED"
)

// ExecutionStatus is the lifecycle state of a single task execution.
type ExecutionStatus string

const (
	ExecutionStatusRunning ExecutionStatus = "RUNNING"
	ExecutionStatusSuccess ExecutionStatus = "SUCCESS"
	ExecutionStatusFailed  ExecutionStatus = "FAILED"
)

// User is an account identity.
type User struct {
	ID        uuid.UUID
	Email     string
	Username  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// UserSettings holds per-user configuration. CustomProviders is the decrypted
// JSON catalog of provider records; the encrypted form never leaves this
// package.
type UserSettings struct {
	ID                 uuid.UUID
	UserID             uuid.UUID
	CustomProviders    string
	SandboxProvider    string
	AutoGenerateTitles bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// RefreshToken is a hashed session refresh token. Expired rows are swept by
// the daily cleanup job.
type RefreshToken struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	TokenHash string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Chat is a conversation owned by a user.
type Chat struct {
	ID                uuid.UUID
	UserID            uuid.UUID
	Title             string
	SandboxID         sql.NullString
	SandboxProvider   sql.NullString
	SessionID         sql.NullString
	ContextTokenUsage sql.NullInt64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Attachment is a file reference carried on a message or queued prompt.
type Attachment struct {
	ID       string `json:"id"`
	FileName string `json:"file_name"`
	FilePath string `json:"file_path"`
	MimeType string `json:"mime_type,omitempty"`
}

// Attachments is a JSONB column of attachments.
type Attachments []Attachment

func (a Attachments) Value() (driver.Value, error) {
	if a == nil {
		return "[]", nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal attachments: %w", err)
	}
	return string(b), nil
}

func (a *Attachments) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*a = nil
		return nil
	case []byte:
		return json.Unmarshal(v, a)
	case string:
		return json.Unmarshal([]byte(v), a)
	default:
		return fmt.Errorf("unsupported attachments source type %T", src)
	}
}

// Message is a chat message. Assistant content is a JSON-serialized list of
// stream events; user content is plain text.
type Message struct {
	ID           uuid.UUID
	ChatID       uuid.UUID
	Role         MessageRole
	Content      string
	ModelID      sql.NullString
	StreamStatus sql.NullString
	TotalCostUSD sql.NullFloat64
	SessionID    sql.NullString
	CheckpointID sql.NullString
	Attachments  Attachments
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ScheduledTask is a user-defined recurring task.
type ScheduledTask struct {
	ID             uuid.UUID
	UserID         uuid.UUID
	TaskName       string
	PromptMessage  string
	ModelID        string
	RecurrenceType RecurrenceType
	ScheduledTime  string
	ScheduledDay   sql.NullInt32
	Status         TaskStatus
	Enabled        bool
	NextExecution  sql.NullTime
	ExecutionCount int
	FailureCount   int
	LastExecution  sql.NullTime
	LastError      sql.NullString
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TaskExecution records one fire of a scheduled task.
type TaskExecution struct {
	ID           uuid.UUID
	TaskID       uuid.UUID
	ExecutedAt   time.Time
	CompletedAt  sql.NullTime
	Status       ExecutionStatus
	ErrorMessage sql.NullString
	ChatID       uuid.NullUUID
	MessageID    uuid.NullUUID
	DurationMs   sql.NullInt64
	CreatedAt    time.Time
}
