package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kiai/internal/model"
)

const taskColumns = `task_id, user_id, rtmp_url, system_prompt, user_prompt, status,
	started_at, stopped_at, stop_reason, last_callback_time`

// CreateTask inserts a new active task. Returns model.ErrDuplicateTask if the ID exists.
func (db *DB) CreateTask(ctx context.Context, task model.StreamTask) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO stream_tasks (task_id, user_id, rtmp_url, system_prompt, user_prompt, status, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		task.TaskID, task.UserID, task.RTMPURL, task.SystemPrompt, task.UserPrompt,
		string(model.TaskStatusActive), task.StartedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("storage: create task %s: %w", task.TaskID, model.ErrDuplicateTask)
		}
		return fmt.Errorf("storage: create task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by its provider-assigned ID.
func (db *DB) GetTask(ctx context.Context, taskID string) (model.StreamTask, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM stream_tasks WHERE task_id = $1`, taskID)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.StreamTask{}, fmt.Errorf("storage: task %s: %w", taskID, ErrNotFound)
		}
		return model.StreamTask{}, fmt.Errorf("storage: get task: %w", err)
	}
	return t, nil
}

// ListActiveTasks returns all active tasks, newest first.
func (db *DB) ListActiveTasks(ctx context.Context) ([]model.StreamTask, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM stream_tasks WHERE status = 'active' ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("storage: list active tasks: %w", err)
	}
	defer rows.Close()

	var tasks []model.StreamTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// TouchTask stamps last_callback_time on an active task.
func (db *DB) TouchTask(ctx context.Context, taskID string, at time.Time) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE stream_tasks SET last_callback_time = $1
		 WHERE task_id = $2 AND status = 'active'`, at, taskID)
	if err != nil {
		return false, fmt.Errorf("storage: touch task: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// TransitionTask moves an active task to a terminal status. The status
// predicate makes the check-then-set atomic: of two concurrent transitions
// exactly one observes RowsAffected == 1.
func (db *DB) TransitionTask(ctx context.Context, taskID string, to model.TaskStatus, reason model.StopReason, at time.Time) (bool, error) {
	if !to.Terminal() {
		return false, fmt.Errorf("storage: transition task %s: target %q is not terminal", taskID, to)
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE stream_tasks SET status = $1, stopped_at = $2, stop_reason = $3
		 WHERE task_id = $4 AND status = 'active'`,
		string(to), at, string(reason), taskID)
	if err != nil {
		return false, fmt.Errorf("storage: transition task: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func scanTask(row pgx.Row) (model.StreamTask, error) {
	var t model.StreamTask
	var reason *string
	if err := row.Scan(
		&t.TaskID, &t.UserID, &t.RTMPURL, &t.SystemPrompt, &t.UserPrompt, &t.Status,
		&t.StartedAt, &t.StoppedAt, &reason, &t.LastCallbackTime,
	); err != nil {
		return model.StreamTask{}, err
	}
	if reason != nil {
		t.StopReason = model.StopReason(*reason)
	}
	return t, nil
}
