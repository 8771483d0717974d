package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/codeforge-ai/backend/internal/apperrors"
	"github.com/codeforge-ai/backend/internal/logger"
	"github.com/codeforge-ai/backend/internal/storage/pg"
)

// fakeTaskStore is an in-memory task store.
type fakeTaskStore struct {
	tasks      map[uuid.UUID]*pg.ScheduledTask
	executions map[uuid.UUID][]*pg.TaskExecution
}

func newFakeTaskStore() *fakeTaskStore {
	return &fakeTaskStore{
		tasks:      make(map[uuid.UUID]*pg.ScheduledTask),
		executions: make(map[uuid.UUID][]*pg.TaskExecution),
	}
}

func (f *fakeTaskStore) CreateScheduledTask(_ context.Context, task *pg.ScheduledTask) (*pg.ScheduledTask, error) {
	stored := *task
	stored.ID = uuid.New()
	stored.CreatedAt = time.Now().UTC()
	f.tasks[stored.ID] = &stored
	dup := stored
	return &dup, nil
}

func (f *fakeTaskStore) GetScheduledTask(_ context.Context, id, userID uuid.UUID) (*pg.ScheduledTask, error) {
	task, ok := f.tasks[id]
	if !ok || task.UserID != userID {
		return nil, sql.ErrNoRows
	}
	dup := *task
	return &dup, nil
}

func (f *fakeTaskStore) ListScheduledTasks(_ context.Context, userID uuid.UUID) ([]*pg.ScheduledTask, error) {
	var tasks []*pg.ScheduledTask
	for _, task := range f.tasks {
		if task.UserID == userID {
			dup := *task
			tasks = append(tasks, &dup)
		}
	}
	return tasks, nil
}

func (f *fakeTaskStore) UpdateScheduledTask(_ context.Context, task *pg.ScheduledTask) error {
	if _, ok := f.tasks[task.ID]; !ok {
		return sql.ErrNoRows
	}
	dup := *task
	f.tasks[task.ID] = &dup
	return nil
}

func (f *fakeTaskStore) DeleteScheduledTask(_ context.Context, id, userID uuid.UUID) (bool, error) {
	task, ok := f.tasks[id]
	if !ok || task.UserID != userID {
		return false, nil
	}
	delete(f.tasks, id)
	return true, nil
}

func (f *fakeTaskStore) CountActiveEnabledTasks(_ context.Context, userID uuid.UUID, exclude uuid.NullUUID) (int, error) {
	count := 0
	for _, task := range f.tasks {
		if task.UserID != userID || !task.Enabled {
			continue
		}
		if task.Status != pg.TaskStatusActive && task.Status != pg.TaskStatusPending {
			continue
		}
		if exclude.Valid && task.ID == exclude.UUID {
			continue
		}
		count++
	}
	return count, nil
}

func (f *fakeTaskStore) ListTaskExecutions(_ context.Context, taskID uuid.UUID, offset, limit int) ([]*pg.TaskExecution, error) {
	execs := f.executions[taskID]
	if offset >= len(execs) {
		return nil, nil
	}
	end := offset + limit
	if end > len(execs) {
		end = len(execs)
	}
	return execs[offset:end], nil
}

func (f *fakeTaskStore) CountTaskExecutions(_ context.Context, taskID uuid.UUID) (int, error) {
	return len(f.executions[taskID]), nil
}

func serviceLogger() *logger.Logger {
	return logger.New(logger.Config{Level: slog.LevelError, Format: "text"})
}

func dailyInput(userID uuid.UUID) CreateTaskInput {
	return CreateTaskInput{
		UserID:         userID,
		TaskName:       "morning report",
		PromptMessage:  "summarize yesterday",
		ModelID:        "model-a",
		RecurrenceType: pg.RecurrenceDaily,
		ScheduledTime:  "09:00:00",
	}
}

func TestCreateTaskComputesNextExecution(t *testing.T) {
	store := newFakeTaskStore()
	svc := NewService(store, serviceLogger())
	svc.now = func() time.Time { return utc(2026, 3, 10, 8, 0, 0) }

	task, err := svc.CreateTask(context.Background(), dailyInput(uuid.New()))
	if err != nil {
		t.Fatalf("CreateTask returned error: %v", err)
	}
	if task.Status != pg.TaskStatusActive || !task.Enabled {
		t.Errorf("new task status/enabled = %s/%v, want ACTIVE/true", task.Status, task.Enabled)
	}
	if !task.NextExecution.Valid || !task.NextExecution.Time.Equal(utc(2026, 3, 10, 9, 0, 0)) {
		t.Errorf("next_execution = %v, want 2026-03-10T09:00:00Z", task.NextExecution)
	}
}

func TestCreateTaskRejectsInvalidRecurrence(t *testing.T) {
	svc := NewService(newFakeTaskStore(), serviceLogger())
	input := dailyInput(uuid.New())
	input.RecurrenceType = pg.RecurrenceWeekly // no scheduled_day

	_, err := svc.CreateTask(context.Background(), input)
	var schedErr *apperrors.SchedulerError
	if !errors.As(err, &schedErr) {
		t.Fatalf("error = %v, want SchedulerError", err)
	}
}

func TestPerUserActiveTaskCap(t *testing.T) {
	store := newFakeTaskStore()
	svc := NewService(store, serviceLogger())
	userID := uuid.New()
	ctx := context.Background()

	for i := 0; i < MaxActiveTasksPerUser; i++ {
		if _, err := svc.CreateTask(ctx, dailyInput(userID)); err != nil {
			t.Fatalf("CreateTask %d returned error: %v", i, err)
		}
	}

	// The 11th enabled task is refused.
	_, err := svc.CreateTask(ctx, dailyInput(userID))
	var schedErr *apperrors.SchedulerError
	if !errors.As(err, &schedErr) {
		t.Fatalf("11th create error = %v, want SchedulerError", err)
	}

	// Another user is unaffected.
	if _, err := svc.CreateTask(ctx, dailyInput(uuid.New())); err != nil {
		t.Errorf("other user's create returned error: %v", err)
	}
}

func TestToggleReEnableRespectsCap(t *testing.T) {
	store := newFakeTaskStore()
	svc := NewService(store, serviceLogger())
	userID := uuid.New()
	ctx := context.Background()

	first, err := svc.CreateTask(ctx, dailyInput(userID))
	if err != nil {
		t.Fatalf("CreateTask returned error: %v", err)
	}
	// Disable it, then fill the cap with other tasks.
	if _, err := svc.ToggleTask(ctx, first.ID, userID); err != nil {
		t.Fatalf("ToggleTask returned error: %v", err)
	}
	for i := 0; i < MaxActiveTasksPerUser; i++ {
		if _, err := svc.CreateTask(ctx, dailyInput(userID)); err != nil {
			t.Fatalf("CreateTask %d returned error: %v", i, err)
		}
	}

	_, err = svc.ToggleTask(ctx, first.ID, userID)
	var schedErr *apperrors.SchedulerError
	if !errors.As(err, &schedErr) {
		t.Fatalf("re-enable at cap error = %v, want SchedulerError", err)
	}
}

func TestToggleTaskTransitions(t *testing.T) {
	store := newFakeTaskStore()
	svc := NewService(store, serviceLogger())
	svc.now = func() time.Time { return utc(2026, 3, 10, 8, 0, 0) }
	userID := uuid.New()
	ctx := context.Background()

	task, err := svc.CreateTask(ctx, dailyInput(userID))
	if err != nil {
		t.Fatalf("CreateTask returned error: %v", err)
	}

	paused, err := svc.ToggleTask(ctx, task.ID, userID)
	if err != nil {
		t.Fatalf("ToggleTask returned error: %v", err)
	}
	if paused.Enabled || paused.Status != pg.TaskStatusPaused {
		t.Errorf("after disable: enabled=%v status=%s, want false/PAUSED", paused.Enabled, paused.Status)
	}

	// Simulate a stale failure and a cleared schedule before re-enabling.
	stored := store.tasks[task.ID]
	stored.LastError = sql.NullString{String: "previous failure", Valid: true}
	stored.NextExecution = sql.NullTime{}

	enabled, err := svc.ToggleTask(ctx, task.ID, userID)
	if err != nil {
		t.Fatalf("ToggleTask returned error: %v", err)
	}
	if !enabled.Enabled || enabled.Status != pg.TaskStatusActive {
		t.Errorf("after enable: enabled=%v status=%s, want true/ACTIVE", enabled.Enabled, enabled.Status)
	}
	if enabled.LastError.Valid {
		t.Errorf("last_error not cleared on enable: %v", enabled.LastError)
	}
	if !enabled.NextExecution.Valid {
		t.Error("next_execution not recomputed on enable")
	}
}

func TestUpdateTaskSchedulingChangeRecomputes(t *testing.T) {
	store := newFakeTaskStore()
	svc := NewService(store, serviceLogger())
	svc.now = func() time.Time { return utc(2026, 3, 11, 9, 0, 0) } // Wednesday
	userID := uuid.New()
	ctx := context.Background()

	task, err := svc.CreateTask(ctx, dailyInput(userID))
	if err != nil {
		t.Fatalf("CreateTask returned error: %v", err)
	}

	weekly := pg.RecurrenceWeekly
	newDay := sql.NullInt32{Int32: 2, Valid: true}
	newTime := "08:00"
	updated, err := svc.UpdateTask(ctx, task.ID, userID, UpdateTaskInput{
		RecurrenceType: &weekly,
		ScheduledTime:  &newTime,
		ScheduledDay:   &newDay,
	})
	if err != nil {
		t.Fatalf("UpdateTask returned error: %v", err)
	}
	if want := utc(2026, 3, 18, 8, 0, 0); !updated.NextExecution.Time.Equal(want) {
		t.Errorf("next_execution = %v, want %v", updated.NextExecution.Time, want)
	}

	// Invalid scheduling change is refused.
	badDay := sql.NullInt32{Int32: 9, Valid: true}
	_, err = svc.UpdateTask(ctx, task.ID, userID, UpdateTaskInput{ScheduledDay: &badDay})
	var schedErr *apperrors.SchedulerError
	if !errors.As(err, &schedErr) {
		t.Errorf("invalid day update error = %v, want SchedulerError", err)
	}
}

func TestOwnershipMismatchIsNotFound(t *testing.T) {
	store := newFakeTaskStore()
	svc := NewService(store, serviceLogger())
	ctx := context.Background()

	task, err := svc.CreateTask(ctx, dailyInput(uuid.New()))
	if err != nil {
		t.Fatalf("CreateTask returned error: %v", err)
	}

	stranger := uuid.New()
	if _, err := svc.GetTask(ctx, task.ID, stranger); err == nil {
		t.Error("GetTask by non-owner should fail")
	}
	if err := svc.DeleteTask(ctx, task.ID, stranger); err == nil {
		t.Error("DeleteTask by non-owner should fail")
	}
	if _, err := svc.ToggleTask(ctx, task.ID, stranger); err == nil {
		t.Error("ToggleTask by non-owner should fail")
	}
	// The task is untouched.
	if _, ok := store.tasks[task.ID]; !ok {
		t.Error("task was deleted by a non-owner")
	}
}

func TestGetExecutionHistoryPagination(t *testing.T) {
	store := newFakeTaskStore()
	svc := NewService(store, serviceLogger())
	userID := uuid.New()
	ctx := context.Background()

	task, err := svc.CreateTask(ctx, dailyInput(userID))
	if err != nil {
		t.Fatalf("CreateTask returned error: %v", err)
	}
	for i := 0; i < 5; i++ {
		store.executions[task.ID] = append(store.executions[task.ID], &pg.TaskExecution{
			ID: uuid.New(), TaskID: task.ID, Status: pg.ExecutionStatusSuccess,
		})
	}

	page, err := svc.GetExecutionHistory(ctx, task.ID, userID, 2, 2)
	if err != nil {
		t.Fatalf("GetExecutionHistory returned error: %v", err)
	}
	if len(page.Executions) != 2 || page.Total != 5 {
		t.Errorf("page = %d items of %d total, want 2 of 5", len(page.Executions), page.Total)
	}
}
