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
	"github.com/codeforge-ai/backend/internal/storage/pg"
)

// MaxActiveTasksPerUser caps how many enabled ACTIVE/PENDING tasks one user
// may hold.
const MaxActiveTasksPerUser = 10

// taskStore is the slice of the durable store the service uses.
type taskStore interface {
	CreateScheduledTask(ctx context.Context, task *pg.ScheduledTask) (*pg.ScheduledTask, error)
	GetScheduledTask(ctx context.Context, id, userID uuid.UUID) (*pg.ScheduledTask, error)
	ListScheduledTasks(ctx context.Context, userID uuid.UUID) ([]*pg.ScheduledTask, error)
	UpdateScheduledTask(ctx context.Context, task *pg.ScheduledTask) error
	DeleteScheduledTask(ctx context.Context, id, userID uuid.UUID) (bool, error)
	CountActiveEnabledTasks(ctx context.Context, userID uuid.UUID, exclude uuid.NullUUID) (int, error)
	ListTaskExecutions(ctx context.Context, taskID uuid.UUID, offset, limit int) ([]*pg.TaskExecution, error)
	CountTaskExecutions(ctx context.Context, taskID uuid.UUID) (int, error)
}

// Service owns scheduled-task CRUD and the invariants around it. Every
// operation is scoped to the calling user; a task owned by someone else
// behaves as if it does not exist.
type Service struct {
	store  taskStore
	logger *logger.Logger
	now    func() time.Time
}

// NewService creates a scheduler service.
func NewService(store taskStore, lg *logger.Logger) *Service {
	return &Service{store: store, logger: lg.WithComponent("scheduler"), now: func() time.Time { return time.Now().UTC() }}
}

// CreateTaskInput carries the fields of a new task.
type CreateTaskInput struct {
	UserID         uuid.UUID
	TaskName       string
	PromptMessage  string
	ModelID        string
	RecurrenceType pg.RecurrenceType
	ScheduledTime  string
	ScheduledDay   sql.NullInt32
}

// CreateTask validates the rule, enforces the per-user cap, computes the
// first fire time, and persists the task ACTIVE and enabled.
func (s *Service) CreateTask(ctx context.Context, input CreateTaskInput) (*pg.ScheduledTask, error) {
	if err := ValidateRecurrence(input.RecurrenceType, input.ScheduledTime, input.ScheduledDay); err != nil {
		return nil, err
	}

	active, err := s.store.CountActiveEnabledTasks(ctx, input.UserID, uuid.NullUUID{})
	if err != nil {
		return nil, fmt.Errorf("failed to count active tasks: %w", err)
	}
	if active >= MaxActiveTasksPerUser {
		return nil, apperrors.NewSchedulerError(
			fmt.Sprintf("active task limit reached (%d)", MaxActiveTasksPerUser))
	}

	next, ok, err := NextFire(input.RecurrenceType, input.ScheduledTime, input.ScheduledDay, s.now(), true)
	if err != nil {
		return nil, err
	}

	task := &pg.ScheduledTask{
		UserID:         input.UserID,
		TaskName:       input.TaskName,
		PromptMessage:  input.PromptMessage,
		ModelID:        input.ModelID,
		RecurrenceType: input.RecurrenceType,
		ScheduledTime:  input.ScheduledTime,
		ScheduledDay:   input.ScheduledDay,
		Status:         pg.TaskStatusActive,
		Enabled:        true,
		NextExecution:  sql.NullTime{Time: next, Valid: ok},
	}
	created, err := s.store.CreateScheduledTask(ctx, task)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduled task: %w", err)
	}

	s.logger.WithContext(ctx).Info("scheduled task created",
		"task_id", created.ID, "recurrence", DescribeRecurrence(created.RecurrenceType, created.ScheduledTime, created.ScheduledDay))
	return created, nil
}

// GetTasks returns all of the user's tasks.
func (s *Service) GetTasks(ctx context.Context, userID uuid.UUID) ([]*pg.ScheduledTask, error) {
	return s.store.ListScheduledTasks(ctx, userID)
}

// GetTask returns one task owned by the user.
func (s *Service) GetTask(ctx context.Context, taskID, userID uuid.UUID) (*pg.ScheduledTask, error) {
	task, err := s.store.GetScheduledTask(ctx, taskID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewSchedulerError("task not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get scheduled task: %w", err)
	}
	return task, nil
}

// UpdateTaskInput carries a partial update; nil fields are left unchanged.
type UpdateTaskInput struct {
	TaskName       *string
	PromptMessage  *string
	ModelID        *string
	RecurrenceType *pg.RecurrenceType
	ScheduledTime  *string
	ScheduledDay   *sql.NullInt32
	Enabled        *bool
}

// UpdateTask applies a partial update. Changing any scheduling field
// revalidates the rule and recomputes next_execution. Re-enabling a task
// re-checks the per-user cap (excluding the task itself), re-enters ACTIVE,
// and clears last_error; disabling pauses it and leaves history intact.
func (s *Service) UpdateTask(ctx context.Context, taskID, userID uuid.UUID, input UpdateTaskInput) (*pg.ScheduledTask, error) {
	task, err := s.GetTask(ctx, taskID, userID)
	if err != nil {
		return nil, err
	}

	schedulingChanged := false
	if input.TaskName != nil {
		task.TaskName = *input.TaskName
	}
	if input.PromptMessage != nil {
		task.PromptMessage = *input.PromptMessage
	}
	if input.ModelID != nil {
		task.ModelID = *input.ModelID
	}
	if input.RecurrenceType != nil && *input.RecurrenceType != task.RecurrenceType {
		task.RecurrenceType = *input.RecurrenceType
		schedulingChanged = true
	}
	if input.ScheduledTime != nil && *input.ScheduledTime != task.ScheduledTime {
		task.ScheduledTime = *input.ScheduledTime
		schedulingChanged = true
	}
	if input.ScheduledDay != nil && *input.ScheduledDay != task.ScheduledDay {
		task.ScheduledDay = *input.ScheduledDay
		schedulingChanged = true
	}

	if schedulingChanged {
		if err := ValidateRecurrence(task.RecurrenceType, task.ScheduledTime, task.ScheduledDay); err != nil {
			return nil, err
		}
	}

	if input.Enabled != nil && *input.Enabled != task.Enabled {
		if *input.Enabled {
			active, err := s.store.CountActiveEnabledTasks(ctx, userID, uuid.NullUUID{UUID: taskID, Valid: true})
			if err != nil {
				return nil, fmt.Errorf("failed to count active tasks: %w", err)
			}
			if active >= MaxActiveTasksPerUser {
				return nil, apperrors.NewSchedulerError(
					fmt.Sprintf("active task limit reached (%d)", MaxActiveTasksPerUser))
			}
			task.Enabled = true
			task.Status = pg.TaskStatusActive
			task.LastError = sql.NullString{}
			if !task.NextExecution.Valid || schedulingChanged {
				next, ok, err := NextFire(task.RecurrenceType, task.ScheduledTime, task.ScheduledDay, s.now(), true)
				if err != nil {
					return nil, err
				}
				task.NextExecution = sql.NullTime{Time: next, Valid: ok}
			}
		} else {
			task.Enabled = false
			task.Status = pg.TaskStatusPaused
		}
	} else if schedulingChanged && task.Enabled {
		next, ok, err := NextFire(task.RecurrenceType, task.ScheduledTime, task.ScheduledDay, s.now(), true)
		if err != nil {
			return nil, err
		}
		task.NextExecution = sql.NullTime{Time: next, Valid: ok}
	}

	if err := s.store.UpdateScheduledTask(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to update scheduled task: %w", err)
	}
	return task, nil
}

// DeleteTask removes a task owned by the user.
func (s *Service) DeleteTask(ctx context.Context, taskID, userID uuid.UUID) error {
	deleted, err := s.store.DeleteScheduledTask(ctx, taskID, userID)
	if err != nil {
		return fmt.Errorf("failed to delete scheduled task: %w", err)
	}
	if !deleted {
		return apperrors.NewSchedulerError("task not found")
	}
	return nil
}

// ToggleTask flips a task's enabled flag. Enabling always recomputes
// next_execution and re-checks the cap.
func (s *Service) ToggleTask(ctx context.Context, taskID, userID uuid.UUID) (*pg.ScheduledTask, error) {
	task, err := s.GetTask(ctx, taskID, userID)
	if err != nil {
		return nil, err
	}

	if task.Enabled {
		task.Enabled = false
		task.Status = pg.TaskStatusPaused
	} else {
		active, err := s.store.CountActiveEnabledTasks(ctx, userID, uuid.NullUUID{UUID: taskID, Valid: true})
		if err != nil {
			return nil, fmt.Errorf("failed to count active tasks: %w", err)
		}
		if active >= MaxActiveTasksPerUser {
			return nil, apperrors.NewSchedulerError(
				fmt.Sprintf("active task limit reached (%d)", MaxActiveTasksPerUser))
		}
		next, ok, err := NextFire(task.RecurrenceType, task.ScheduledTime, task.ScheduledDay, s.now(), true)
		if err != nil {
			return nil, err
		}
		task.Enabled = true
		task.Status = pg.TaskStatusActive
		task.LastError = sql.NullString{}
		task.NextExecution = sql.NullTime{Time: next, Valid: ok}
	}

	if err := s.store.UpdateScheduledTask(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to update scheduled task: %w", err)
	}
	return task, nil
}

// ExecutionHistory is one page of a task's executions.
type ExecutionHistory struct {
	Executions []*pg.TaskExecution
	Total      int
	Page       int
	PerPage    int
}

// GetExecutionHistory returns a page of executions, newest first.
func (s *Service) GetExecutionHistory(ctx context.Context, taskID, userID uuid.UUID, page, perPage int) (*ExecutionHistory, error) {
	if _, err := s.GetTask(ctx, taskID, userID); err != nil {
		return nil, err
	}
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 20
	}

	execs, err := s.store.ListTaskExecutions(ctx, taskID, (page-1)*perPage, perPage)
	if err != nil {
		return nil, fmt.Errorf("failed to list task executions: %w", err)
	}
	total, err := s.store.CountTaskExecutions(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to count task executions: %w", err)
	}
	return &ExecutionHistory{Executions: execs, Total: total, Page: page, PerPage: perPage}, nil
}
