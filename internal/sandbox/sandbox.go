// Package sandbox defines the surface of the external code-execution
// substrate. Implementations live outside this codebase.
package sandbox

import (
	"context"

	"github.com/codeforge-ai/backend/internal/storage/pg"
)

// Service provisions and checkpoints sandboxes for streaming sessions.
type Service interface {
	// CreateSandbox provisions a sandbox with the given provider and returns
	// its handle.
	CreateSandbox(ctx context.Context, userID, provider string) (string, error)
	// InitializeSandbox prepares a fresh sandbox with the user's settings.
	InitializeSandbox(ctx context.Context, sandboxID string, settings *pg.UserSettings) error
	// CreateCheckpoint snapshots the sandbox and returns an opaque
	// checkpoint id that can restore its state later.
	CreateCheckpoint(ctx context.Context, sandboxID string) (string, error)
	// Cleanup releases the sandbox.
	Cleanup(ctx context.Context, sandboxID string) error
}
