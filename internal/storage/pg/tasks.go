package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const taskColumns = `id, user_id, task_name, prompt_message, model_id, recurrence_type, scheduled_time,
	scheduled_day, status, enabled, next_execution, execution_count, failure_count, last_execution,
	last_error, created_at, updated_at`

func scanTask(row interface{ Scan(...interface{}) error }) (*ScheduledTask, error) {
	var t ScheduledTask
	err := row.Scan(&t.ID, &t.UserID, &t.TaskName, &t.PromptMessage, &t.ModelID, &t.RecurrenceType,
		&t.ScheduledTime, &t.ScheduledDay, &t.Status, &t.Enabled, &t.NextExecution, &t.ExecutionCount,
		&t.FailureCount, &t.LastExecution, &t.LastError, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateScheduledTask inserts a new task.
func (s *Store) CreateScheduledTask(ctx context.Context, task *ScheduledTask) (*ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO scheduled_tasks
			(user_id, task_name, prompt_message, model_id, recurrence_type, scheduled_time,
			 scheduled_day, status, enabled, next_execution)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING `+taskColumns,
		task.UserID, task.TaskName, task.PromptMessage, task.ModelID, task.RecurrenceType,
		task.ScheduledTime, task.ScheduledDay, task.Status, task.Enabled, task.NextExecution)
	created, err := scanTask(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduled task: %w", err)
	}
	return created, nil
}

// GetScheduledTask loads a task scoped to its owner. A task owned by another
// user scans as sql.ErrNoRows, which callers surface as not-found.
func (s *Store) GetScheduledTask(ctx context.Context, id, userID uuid.UUID) (*ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM scheduled_tasks WHERE id = $1 AND user_id = $2`, id, userID)
	return scanTask(row)
}

// GetScheduledTaskByID loads a task without an ownership filter. Used by the
// runner, which executes on behalf of the owner.
func (s *Store) GetScheduledTaskByID(ctx context.Context, id uuid.UUID) (*ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks WHERE id = $1`, id)
	return scanTask(row)
}

// ListScheduledTasks returns all of a user's tasks, newest first.
func (s *Store) ListScheduledTasks(ctx context.Context, userID uuid.UUID) ([]*ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM scheduled_tasks WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list scheduled tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*ScheduledTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan scheduled task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// UpdateScheduledTask writes back every mutable field of a task.
func (s *Store) UpdateScheduledTask(ctx context.Context, task *ScheduledTask) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_tasks SET
			task_name = $2, prompt_message = $3, model_id = $4, recurrence_type = $5,
			scheduled_time = $6, scheduled_day = $7, status = $8, enabled = $9,
			next_execution = $10, last_error = $11, updated_at = now()
		WHERE id = $1`,
		task.ID, task.TaskName, task.PromptMessage, task.ModelID, task.RecurrenceType,
		task.ScheduledTime, task.ScheduledDay, task.Status, task.Enabled,
		task.NextExecution, task.LastError)
	if err != nil {
		return fmt.Errorf("failed to update scheduled task: %w", err)
	}
	return nil
}

// DeleteScheduledTask removes a task owned by the user and reports whether a
// row was deleted.
func (s *Store) DeleteScheduledTask(ctx context.Context, id, userID uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM scheduled_tasks WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return false, fmt.Errorf("failed to delete scheduled task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return affected > 0, nil
}

// CountActiveEnabledTasks counts the user's tasks that count toward the
// active cap, optionally excluding one task (used when re-enabling it).
func (s *Store) CountActiveEnabledTasks(ctx context.Context, userID uuid.UUID, exclude uuid.NullUUID) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM scheduled_tasks
		WHERE user_id = $1 AND enabled AND status IN ('ACTIVE', 'PENDING')
			AND ($2::uuid IS NULL OR id <> $2)`, userID, exclude).
		Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active tasks: %w", err)
	}
	return count, nil
}

// ClaimDueTasks selects up to limit due tasks under a transaction, advances
// each one with the supplied function before commit, and returns the claimed
// rows as they were at selection time. The advance callback returns the new
// next_execution and status for the task; a null next_execution marks a
// one-shot task PENDING until its execution completes.
func (s *Store) ClaimDueTasks(ctx context.Context, now time.Time, limit int,
	advance func(*ScheduledTask) (sql.NullTime, TaskStatus)) ([]*ScheduledTask, error) {

	var claimed []*ScheduledTask
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT `+taskColumns+` FROM scheduled_tasks
			WHERE enabled AND status = 'ACTIVE' AND next_execution IS NOT NULL AND next_execution <= $1
			ORDER BY next_execution
			LIMIT $2
			FOR UPDATE SKIP LOCKED`, now, limit)
		if err != nil {
			return fmt.Errorf("failed to select due tasks: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			task, err := scanTask(rows)
			if err != nil {
				return fmt.Errorf("failed to scan due task: %w", err)
			}
			claimed = append(claimed, task)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for _, task := range claimed {
			next, status := advance(task)
			if _, err := tx.ExecContext(ctx, `
				UPDATE scheduled_tasks SET next_execution = $2, status = $3, updated_at = now()
				WHERE id = $1`, task.ID, next, status); err != nil {
				return fmt.Errorf("failed to advance task %s: %w", task.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		claimed = nil
	}
	return claimed, err
}

// terminalTaskState derives the post-execution enabled flag and status from
// the computed next fire. A null next fire means the task has no further
// occurrence: disabled and COMPLETED, on success and failure alike.
func terminalTaskState(next sql.NullTime) (bool, TaskStatus) {
	if !next.Valid {
		return false, TaskStatusCompleted
	}
	return true, TaskStatusActive
}

// RecordTaskSuccess applies the post-execution bookkeeping of a successful
// run. A null next execution disables the task and marks it COMPLETED.
func (s *Store) RecordTaskSuccess(ctx context.Context, taskID uuid.UUID, executedAt time.Time, next sql.NullTime) error {
	enabled, status := terminalTaskState(next)
	_, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_tasks SET
			execution_count = execution_count + 1,
			last_execution = $2,
			last_error = NULL,
			next_execution = $3,
			enabled = $4,
			status = $5,
			updated_at = now()
		WHERE id = $1`, taskID, executedAt, next, enabled, status)
	if err != nil {
		return fmt.Errorf("failed to record task success: %w", err)
	}
	return nil
}

// RecordTaskFailure applies the post-execution bookkeeping of a failed run.
// The schedule still advances so a failure does not stall future fires, and
// a null next execution disables the task and marks it COMPLETED just like
// the success path.
func (s *Store) RecordTaskFailure(ctx context.Context, taskID uuid.UUID, errorMessage string, next sql.NullTime) error {
	enabled, status := terminalTaskState(next)
	_, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_tasks SET
			failure_count = failure_count + 1,
			last_error = $2,
			next_execution = $3,
			enabled = $4,
			status = $5,
			updated_at = now()
		WHERE id = $1`, taskID, errorMessage, next, enabled, status)
	if err != nil {
		return fmt.Errorf("failed to record task failure: %w", err)
	}
	return nil
}

// CreateTaskExecution inserts an execution row.
func (s *Store) CreateTaskExecution(ctx context.Context, exec *TaskExecution) (*TaskExecution, error) {
	var created TaskExecution
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO task_executions (task_id, executed_at, status, error_message, completed_at, chat_id, message_id, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, task_id, executed_at, completed_at, status, error_message, chat_id, message_id, duration_ms, created_at`,
		exec.TaskID, exec.ExecutedAt, exec.Status, exec.ErrorMessage, exec.CompletedAt,
		exec.ChatID, exec.MessageID, exec.DurationMs).
		Scan(&created.ID, &created.TaskID, &created.ExecutedAt, &created.CompletedAt, &created.Status,
			&created.ErrorMessage, &created.ChatID, &created.MessageID, &created.DurationMs, &created.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create task execution: %w", err)
	}
	return &created, nil
}

// LinkExecutionChat attaches the chat and assistant message created for an
// execution.
func (s *Store) LinkExecutionChat(ctx context.Context, execID, chatID, messageID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE task_executions SET chat_id = $2, message_id = $3 WHERE id = $1`,
		execID, chatID, messageID)
	if err != nil {
		return fmt.Errorf("failed to link execution chat: %w", err)
	}
	return nil
}

// CompleteTaskExecution writes the terminal state of an execution.
func (s *Store) CompleteTaskExecution(ctx context.Context, execID uuid.UUID, status ExecutionStatus,
	errorMessage sql.NullString, completedAt time.Time, durationMs int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE task_executions SET status = $2, error_message = $3, completed_at = $4, duration_ms = $5
		WHERE id = $1`, execID, status, errorMessage, completedAt, durationMs)
	if err != nil {
		return fmt.Errorf("failed to complete task execution: %w", err)
	}
	return nil
}

// HasRecentExecution reports whether the task already has an execution at or
// after since in RUNNING or SUCCESS. This back-scan is the dedupe guard
// against double dispatch.
func (s *Store) HasRecentExecution(ctx context.Context, taskID uuid.UUID, since time.Time) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM task_executions
			WHERE task_id = $1 AND executed_at >= $2 AND status IN ('RUNNING', 'SUCCESS')
		)`, taskID, since).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check recent executions: %w", err)
	}
	return exists, nil
}

// ListTaskExecutions returns a page of a task's executions, newest first.
func (s *Store) ListTaskExecutions(ctx context.Context, taskID uuid.UUID, offset, limit int) ([]*TaskExecution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, executed_at, completed_at, status, error_message, chat_id, message_id, duration_ms, created_at
		FROM task_executions
		WHERE task_id = $1
		ORDER BY executed_at DESC
		OFFSET $2 LIMIT $3`, taskID, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list task executions: %w", err)
	}
	defer rows.Close()

	var execs []*TaskExecution
	for rows.Next() {
		var e TaskExecution
		if err := rows.Scan(&e.ID, &e.TaskID, &e.ExecutedAt, &e.CompletedAt, &e.Status,
			&e.ErrorMessage, &e.ChatID, &e.MessageID, &e.DurationMs, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan task execution: %w", err)
		}
		execs = append(execs, &e)
	}
	return execs, rows.Err()
}

// CountTaskExecutions returns the total number of executions for a task.
func (s *Store) CountTaskExecutions(ctx context.Context, taskID uuid.UUID) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM task_executions WHERE task_id = $1`, taskID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count task executions: %w", err)
	}
	return count, nil
}
