package streaming

import (
	"context"
	"sync"
	"time"

	"github.com/codeforge-ai/backend/internal/agent"
	"github.com/codeforge-ai/backend/internal/logger"
)

// revocationChecker is the slice of the shared log the watcher polls.
type revocationChecker interface {
	IsRevoked(ctx context.Context, chatID string) (bool, error)
}

// cancelState is the flag pair shared between the watcher and the main loop.
// wasCancelled tells the main loop that an interrupt came from revocation
// rather than a provider failure; cancelRequested latches the provider
// cancel call so it happens at most once.
type cancelState struct {
	mu              sync.Mutex
	wasCancelled    bool
	cancelRequested bool
}

func (s *cancelState) markCancelled() {
	s.mu.Lock()
	s.wasCancelled = true
	s.mu.Unlock()
}

func (s *cancelState) WasCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wasCancelled
}

// requestCancel reports whether this caller won the latch and should issue
// the provider cancel.
func (s *cancelState) requestCancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelRequested {
		return false
	}
	s.cancelRequested = true
	return true
}

// watchRevocation polls the chat's revocation flag until the watcher context
// is cancelled. On revocation it marks the state cancelled, asks the
// provider to cancel exactly once, and unblocks the main loop by cancelling
// its context. The watcher exits quietly when the orchestrator shuts it
// down.
func watchRevocation(ctx context.Context, chatID string, checker revocationChecker,
	stream agent.Stream, state *cancelState, interruptMain context.CancelFunc,
	interval time.Duration, lg *logger.Logger) {

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		revoked, err := checker.IsRevoked(ctx, chatID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			lg.Warn("failed to poll revocation flag", "chat_id", chatID, "error", err)
			continue
		}
		if !revoked {
			continue
		}

		lg.Info("revocation detected", "chat_id", chatID)
		state.markCancelled()
		if state.requestCancel() {
			if err := stream.CancelActiveStream(ctx); err != nil {
				lg.Warn("provider cancel failed", "chat_id", chatID, "error", err)
			}
		}
		interruptMain()
		return
	}
}
