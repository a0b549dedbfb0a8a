package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ashita-ai/kiai/internal/model"
	"github.com/ashita-ai/kiai/internal/storage"
)

const taskColumns = `task_id, user_id, rtmp_url, system_prompt, user_prompt, status,
	started_at, stopped_at, stop_reason, last_callback_time`

// CreateTask inserts a new active task.
func (s *Store) CreateTask(ctx context.Context, task model.StreamTask) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO stream_tasks (task_id, user_id, rtmp_url, system_prompt, user_prompt, status, started_at)
		 VALUES (?, ?, ?, ?, ?, 'active', ?)
		 ON CONFLICT (task_id) DO NOTHING`,
		task.TaskID, task.UserID, task.RTMPURL, task.SystemPrompt, task.UserPrompt, toMicros(task.StartedAt))
	if err != nil {
		return fmt.Errorf("sqlite: create task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: create task: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("sqlite: create task %s: %w", task.TaskID, model.ErrDuplicateTask)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, taskID string) (model.StreamTask, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM stream_tasks WHERE task_id = ?`, taskID)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.StreamTask{}, fmt.Errorf("sqlite: task %s: %w", taskID, storage.ErrNotFound)
		}
		return model.StreamTask{}, fmt.Errorf("sqlite: get task: %w", err)
	}
	return t, nil
}

// ListActiveTasks returns active tasks, newest first.
func (s *Store) ListActiveTasks(ctx context.Context) ([]model.StreamTask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM stream_tasks WHERE status = 'active' ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list active tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []model.StreamTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// TouchTask stamps last_callback_time on an active task.
func (s *Store) TouchTask(ctx context.Context, taskID string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE stream_tasks SET last_callback_time = ? WHERE task_id = ? AND status = 'active'`,
		toMicros(at), taskID)
	if err != nil {
		return false, fmt.Errorf("sqlite: touch task: %w", err)
	}
	return affectedOne(res)
}

// TransitionTask moves an active task to a terminal status.
func (s *Store) TransitionTask(ctx context.Context, taskID string, to model.TaskStatus, reason model.StopReason, at time.Time) (bool, error) {
	if !to.Terminal() {
		return false, fmt.Errorf("sqlite: transition task %s: target %q is not terminal", taskID, to)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE stream_tasks SET status = ?, stopped_at = ?, stop_reason = ?
		 WHERE task_id = ? AND status = 'active'`,
		string(to), toMicros(at), string(reason), taskID)
	if err != nil {
		return false, fmt.Errorf("sqlite: transition task: %w", err)
	}
	return affectedOne(res)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (model.StreamTask, error) {
	var (
		t                   model.StreamTask
		startedAt           int64
		stoppedAt, lastCall sql.NullInt64
		reason              sql.NullString
	)
	if err := row.Scan(&t.TaskID, &t.UserID, &t.RTMPURL, &t.SystemPrompt, &t.UserPrompt, &t.Status,
		&startedAt, &stoppedAt, &reason, &lastCall); err != nil {
		return model.StreamTask{}, err
	}
	t.StartedAt = fromMicros(startedAt)
	t.StoppedAt = timePtr(stoppedAt)
	t.LastCallbackTime = timePtr(lastCall)
	if reason.Valid {
		t.StopReason = model.StopReason(reason.String)
	}
	return t, nil
}

func affectedOne(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite: rows affected: %w", err)
	}
	return n == 1, nil
}
