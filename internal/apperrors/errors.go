// Package apperrors defines the domain error kinds shared across the
// streaming and scheduling services. Callers branch on these with errors.As
// or errors.Is; everything else is wrapped with fmt.Errorf("%w").
package apperrors

import "errors"

// UserError indicates missing or invalid user state, such as a user
// without settings.
type UserError struct {
	Message string
}

func (e *UserError) Error() string { return e.Message }

// NewUserError creates a UserError with the given message.
func NewUserError(message string) *UserError {
	return &UserError{Message: message}
}

// SchedulerError indicates an invalid recurrence rule, a missing task, or a
// violated scheduling invariant (e.g. the per-user active-task cap).
type SchedulerError struct {
	Message string
}

func (e *SchedulerError) Error() string { return e.Message }

// NewSchedulerError creates a SchedulerError with the given message.
func NewSchedulerError(message string) *SchedulerError {
	return &SchedulerError{Message: message}
}

// APIKeyValidationError indicates a provider or model misconfiguration
// detected before a stream is started.
type APIKeyValidationError struct {
	Message string
}

func (e *APIKeyValidationError) Error() string { return e.Message }

// NewAPIKeyValidationError creates an APIKeyValidationError.
func NewAPIKeyValidationError(message string) *APIKeyValidationError {
	return &APIKeyValidationError{Message: message}
}

// AgentError indicates a provider failure, an empty stream, or an
// unexpected event shape.
type AgentError struct {
	Message string
}

func (e *AgentError) Error() string { return e.Message }

// NewAgentError creates an AgentError.
func NewAgentError(message string) *AgentError {
	return &AgentError{Message: message}
}

// StreamCancelled signals cooperative interruption of a stream. It is raised
// after finalization and carries the serialized partial content so the
// dispatch layer can report it without re-reading the store. It marks an
// intentional stop, not a failure.
type StreamCancelled struct {
	FinalContent string
}

func (e *StreamCancelled) Error() string { return "stream cancelled" }

// ErrInvalidCursor is returned for malformed pagination cursors.
var ErrInvalidCursor = errors.New("invalid cursor format")

// ErrQueueFull is returned when a per-chat queue is at capacity.
var ErrQueueFull = errors.New("queue is full")
