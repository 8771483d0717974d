package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/codeforge-ai/backend/internal/apperrors"
	"github.com/codeforge-ai/backend/internal/logger"
	"github.com/codeforge-ai/backend/internal/metrics"
	"github.com/codeforge-ai/backend/internal/provider"
	"github.com/codeforge-ai/backend/internal/sandbox"
	"github.com/codeforge-ai/backend/internal/storage/pg"
	"github.com/codeforge-ai/backend/internal/streaming"
)

// dedupeWindow is the back-scan that rejects a second dispatch of the same
// task. Duplicate dispatches inside this window are dropped, which is the
// at-most-one-concurrent-execution guarantee.
const dedupeWindow = 2 * time.Minute

// runnerStore is the slice of the durable store the runner uses.
type runnerStore interface {
	ClaimDueTasks(ctx context.Context, now time.Time, limit int,
		advance func(*pg.ScheduledTask) (sql.NullTime, pg.TaskStatus)) ([]*pg.ScheduledTask, error)
	GetScheduledTaskByID(ctx context.Context, id uuid.UUID) (*pg.ScheduledTask, error)
	GetUserSettings(ctx context.Context, userID uuid.UUID) (*pg.UserSettings, error)
	CreateChat(ctx context.Context, chat *pg.Chat) (*pg.Chat, error)
	CreateMessage(ctx context.Context, msg *pg.Message) (*pg.Message, error)
	CreateTaskExecution(ctx context.Context, exec *pg.TaskExecution) (*pg.TaskExecution, error)
	LinkExecutionChat(ctx context.Context, execID, chatID, messageID uuid.UUID) error
	CompleteTaskExecution(ctx context.Context, execID uuid.UUID, status pg.ExecutionStatus,
		errorMessage sql.NullString, completedAt time.Time, durationMs int64) error
	HasRecentExecution(ctx context.Context, taskID uuid.UUID, since time.Time) (bool, error)
	RecordTaskSuccess(ctx context.Context, taskID uuid.UUID, executedAt time.Time, next sql.NullTime) error
	RecordTaskFailure(ctx context.Context, taskID uuid.UUID, errorMessage string, next sql.NullTime) error
	DeleteExpiredRefreshTokens(ctx context.Context, now time.Time) (int64, error)
}

// streamRunner is the orchestrator surface the runner drives.
type streamRunner interface {
	Run(ctx context.Context, input streaming.StreamInput) (string, error)
}

// taskDispatcher hands claimed task ids to the execution queue.
type taskDispatcher interface {
	EnqueueTask(ctx context.Context, taskID uuid.UUID) error
}

// Runner fires scheduled tasks: the periodic due check claims and dispatches
// them, and RunScheduledTask executes one task end to end.
type Runner struct {
	store      runnerStore
	sandboxes  sandbox.Service
	streams    streamRunner
	dispatcher taskDispatcher
	batchLimit int
	logger     *logger.Logger
	now        func() time.Time
}

// NewRunner creates a Runner.
func NewRunner(store runnerStore, sandboxes sandbox.Service, streams streamRunner,
	dispatcher taskDispatcher, batchLimit int, lg *logger.Logger) *Runner {

	return &Runner{
		store:      store,
		sandboxes:  sandboxes,
		streams:    streams,
		dispatcher: dispatcher,
		batchLimit: batchLimit,
		logger:     lg.WithComponent("scheduler_runner"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// CheckDue claims due tasks, advances their schedules under the claiming
// transaction, and dispatches each claimed task id to the execution queue.
// Runs every minute.
func (r *Runner) CheckDue(ctx context.Context) error {
	now := r.now()
	claimed, err := r.store.ClaimDueTasks(ctx, now, r.batchLimit, func(task *pg.ScheduledTask) (sql.NullTime, pg.TaskStatus) {
		next, ok, err := NextFire(task.RecurrenceType, task.ScheduledTime, task.ScheduledDay, now, false)
		if err != nil || !ok {
			// No further fire: the task goes PENDING until its execution
			// completes and marks it COMPLETED.
			return sql.NullTime{}, pg.TaskStatusPending
		}
		return sql.NullTime{Time: next, Valid: true}, pg.TaskStatusActive
	})
	if err != nil {
		return fmt.Errorf("failed to claim due tasks: %w", err)
	}
	if len(claimed) == 0 {
		return nil
	}

	metrics.DueTasksClaimed.Add(float64(len(claimed)))
	r.logger.Info("due tasks claimed", "count", len(claimed))

	for _, task := range claimed {
		if err := r.dispatcher.EnqueueTask(ctx, task.ID); err != nil {
			r.logger.Error("failed to dispatch task", "task_id", task.ID, "error", err)
		}
	}
	return nil
}

// RunScheduledTask executes one scheduled task: dedupe, execution row,
// API-key validation, sandbox and chat setup, stream, bookkeeping. Setup and
// stream failures are recorded on the execution and the task; they never
// stop future fires.
func (r *Runner) RunScheduledTask(ctx context.Context, taskID uuid.UUID) error {
	start := r.now()
	ctx = logger.WithTaskID(ctx, taskID.String())
	log := r.logger.WithContext(ctx)

	task, err := r.store.GetScheduledTaskByID(ctx, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		// The task was deleted between dispatch and execution. The attempt
		// still leaves a FAILED execution row behind.
		log.Error("task not found for execution")
		if _, execErr := r.store.CreateTaskExecution(ctx, &pg.TaskExecution{
			TaskID:       taskID,
			ExecutedAt:   start,
			CompletedAt:  sql.NullTime{Time: start, Valid: true},
			Status:       pg.ExecutionStatusFailed,
			ErrorMessage: sql.NullString{String: fmt.Sprintf("task %s not found", taskID), Valid: true},
		}); execErr != nil {
			log.Error("failed to record missing-task execution", "error", execErr)
		}
		metrics.TaskExecutions.WithLabelValues(string(pg.ExecutionStatusFailed)).Inc()
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load task %s: %w", taskID, err)
	}
	ctx = logger.WithUserID(ctx, task.UserID.String())
	log = r.logger.WithContext(ctx)

	recent, err := r.store.HasRecentExecution(ctx, taskID, start.Add(-dedupeWindow))
	if err != nil {
		return fmt.Errorf("failed to check recent executions: %w", err)
	}
	if recent {
		log.Warn("duplicate dispatch dropped", "window", dedupeWindow)
		return nil
	}

	exec, err := r.store.CreateTaskExecution(ctx, &pg.TaskExecution{
		TaskID:     taskID,
		ExecutedAt: start,
		Status:     pg.ExecutionStatusRunning,
	})
	if err != nil {
		return fmt.Errorf("failed to create task execution: %w", err)
	}

	if runErr := r.execute(ctx, task, exec, start); runErr != nil {
		r.recordFailure(ctx, task, exec, start, runErr)
		return runErr
	}
	r.recordSuccess(ctx, task, exec, start)
	return nil
}

// execute performs setup and drives the stream for one execution.
func (r *Runner) execute(ctx context.Context, task *pg.ScheduledTask, exec *pg.TaskExecution, start time.Time) error {
	settings, err := r.store.GetUserSettings(ctx, task.UserID)
	if errors.Is(err, sql.ErrNoRows) {
		return apperrors.NewUserError(fmt.Sprintf("user %s has no settings", task.UserID))
	}
	if err != nil {
		return fmt.Errorf("failed to load user settings: %w", err)
	}

	providers, err := provider.ParseCatalog(settings.CustomProviders)
	if err != nil {
		return fmt.Errorf("failed to parse provider catalog: %w", err)
	}
	if err := provider.ValidateModelAPIKeys(providers, task.ModelID); err != nil {
		return err
	}

	sandboxID, err := r.sandboxes.CreateSandbox(ctx, task.UserID.String(), settings.SandboxProvider)
	if err != nil {
		return fmt.Errorf("failed to create sandbox: %w", err)
	}
	if err := r.sandboxes.InitializeSandbox(ctx, sandboxID, settings); err != nil {
		return fmt.Errorf("failed to initialize sandbox: %w", err)
	}

	chat, err := r.store.CreateChat(ctx, &pg.Chat{
		UserID:          task.UserID,
		Title:           task.TaskName,
		SandboxID:       sql.NullString{String: sandboxID, Valid: true},
		SandboxProvider: sql.NullString{String: settings.SandboxProvider, Valid: settings.SandboxProvider != ""},
	})
	if err != nil {
		return fmt.Errorf("failed to create chat: %w", err)
	}

	if _, err := r.store.CreateMessage(ctx, &pg.Message{
		ChatID:  chat.ID,
		Role:    pg.MessageRoleUser,
		Content: task.PromptMessage,
		ModelID: sql.NullString{String: task.ModelID, Valid: true},
	}); err != nil {
		return fmt.Errorf("failed to create user message: %w", err)
	}
	assistantMsg, err := r.store.CreateMessage(ctx, &pg.Message{
		ChatID:       chat.ID,
		Role:         pg.MessageRoleAssistant,
		ModelID:      sql.NullString{String: task.ModelID, Valid: true},
		StreamStatus: sql.NullString{String: string(pg.StreamStatusInProgress), Valid: true},
	})
	if err != nil {
		return fmt.Errorf("failed to create assistant message: %w", err)
	}

	if err := r.store.LinkExecutionChat(ctx, exec.ID, chat.ID, assistantMsg.ID); err != nil {
		return fmt.Errorf("failed to link execution chat: %w", err)
	}

	_, err = r.streams.Run(ctx, streaming.StreamInput{
		Chat:               chat,
		Prompt:             task.PromptMessage,
		ModelID:            task.ModelID,
		PermissionMode:     "auto",
		AssistantMessageID: assistantMsg.ID,
		IsCustomPrompt:     true,
	})
	// A cancelled stream is an intentional stop, not an execution failure.
	var cancelled *apperrors.StreamCancelled
	if errors.As(err, &cancelled) {
		return nil
	}
	return err
}

func (r *Runner) recordSuccess(ctx context.Context, task *pg.ScheduledTask, exec *pg.TaskExecution, start time.Time) {
	log := r.logger.WithContext(ctx)
	end := r.now()

	if err := r.store.CompleteTaskExecution(ctx, exec.ID, pg.ExecutionStatusSuccess,
		sql.NullString{}, end, end.Sub(start).Milliseconds()); err != nil {
		log.Error("failed to complete task execution", "error", err)
	}

	next := r.nextAfterExecution(task, start)
	if err := r.store.RecordTaskSuccess(ctx, task.ID, start, next); err != nil {
		log.Error("failed to record task success", "error", err)
	}

	metrics.TaskExecutions.WithLabelValues(string(pg.ExecutionStatusSuccess)).Inc()
	log.Info("scheduled task executed", "duration_ms", end.Sub(start).Milliseconds(), "next_execution", next.Time)
}

func (r *Runner) recordFailure(ctx context.Context, task *pg.ScheduledTask, exec *pg.TaskExecution, start time.Time, runErr error) {
	log := r.logger.WithContext(ctx)
	end := r.now()

	if err := r.store.CompleteTaskExecution(ctx, exec.ID, pg.ExecutionStatusFailed,
		sql.NullString{String: runErr.Error(), Valid: true}, end, end.Sub(start).Milliseconds()); err != nil {
		log.Error("failed to complete task execution", "error", err)
	}

	// The schedule advances even on failure so one bad run does not stall
	// the task.
	next := r.nextAfterExecution(task, start)
	if err := r.store.RecordTaskFailure(ctx, task.ID, runErr.Error(), next); err != nil {
		log.Error("failed to record task failure", "error", err)
	}

	metrics.TaskExecutions.WithLabelValues(string(pg.ExecutionStatusFailed)).Inc()
	log.Error("scheduled task failed", "error", runErr)
}

func (r *Runner) nextAfterExecution(task *pg.ScheduledTask, start time.Time) sql.NullTime {
	next, ok, err := NextFire(task.RecurrenceType, task.ScheduledTime, task.ScheduledDay, start, false)
	if err != nil || !ok {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: next, Valid: true}
}

// CleanupExpiredTokens sweeps expired refresh tokens. Runs daily.
func (r *Runner) CleanupExpiredTokens(ctx context.Context) error {
	deleted, err := r.store.DeleteExpiredRefreshTokens(ctx, r.now())
	if err != nil {
		return fmt.Errorf("failed to clean up refresh tokens: %w", err)
	}
	if deleted > 0 {
		r.logger.Info("expired refresh tokens removed", "count", deleted)
	}
	return nil
}
