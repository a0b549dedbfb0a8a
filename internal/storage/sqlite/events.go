package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ashita-ai/kiai/internal/model"
	"github.com/ashita-ai/kiai/internal/storage"
)

const eventColumns = `id, task_id, text, provider_timestamp, status, processed, received_at`

// AppendEvent inserts a ledger entry and, when enqueue is set, its
// gamification job in the same transaction.
func (s *Store) AppendEvent(ctx context.Context, ev model.StreamEvent, enqueue bool) (model.StreamEvent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.StreamEvent{}, fmt.Errorf("sqlite: begin append event: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var status sql.NullInt64
	if ev.Status != nil {
		status = sql.NullInt64{Int64: int64(*ev.Status), Valid: true}
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO stream_events (task_id, text, provider_timestamp, status, processed, received_at)
		 VALUES (?, ?, ?, ?, 0, ?)`,
		ev.TaskID, ev.Text, ev.Timestamp, status, toMicros(ev.ReceivedAt))
	if err != nil {
		return model.StreamEvent{}, fmt.Errorf("sqlite: insert event: %w", err)
	}
	if ev.ID, err = res.LastInsertId(); err != nil {
		return model.StreamEvent{}, fmt.Errorf("sqlite: event id: %w", err)
	}
	ev.Processed = false

	if enqueue {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO gamification_jobs (event_id, created_at) VALUES (?, ?)`,
			ev.ID, toMicros(ev.ReceivedAt),
		); err != nil {
			return model.StreamEvent{}, fmt.Errorf("sqlite: enqueue gamification job: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return model.StreamEvent{}, fmt.Errorf("sqlite: commit append event: %w", err)
	}
	return ev, nil
}

// GetEvent retrieves one ledger entry.
func (s *Store) GetEvent(ctx context.Context, id int64) (model.StreamEvent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM stream_events WHERE id = ?`, id)
	ev, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.StreamEvent{}, fmt.Errorf("sqlite: event %d: %w", id, storage.ErrNotFound)
		}
		return model.StreamEvent{}, fmt.Errorf("sqlite: get event: %w", err)
	}
	return ev, nil
}

// ListEventsByTask returns a task's events, newest first.
func (s *Store) ListEventsByTask(ctx context.Context, taskID string, limit int) ([]model.StreamEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM stream_events WHERE task_id = ?
		 ORDER BY received_at DESC, id DESC LIMIT ?`,
		taskID, storage.ClampLimit(limit, storage.DefaultEventLimit))
	if err != nil {
		return nil, fmt.Errorf("sqlite: list events by task: %w", err)
	}
	return collectEvents(rows)
}

// ListRecentEvents returns the most recent events across all tasks.
func (s *Store) ListRecentEvents(ctx context.Context, limit int) ([]model.StreamEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM stream_events
		 ORDER BY received_at DESC, id DESC LIMIT ?`,
		storage.ClampLimit(limit, storage.DefaultEventLimit))
	if err != nil {
		return nil, fmt.Errorf("sqlite: list recent events: %w", err)
	}
	return collectEvents(rows)
}

func scanEvent(row scanner) (model.StreamEvent, error) {
	var (
		ev         model.StreamEvent
		status     sql.NullInt64
		receivedAt int64
	)
	if err := row.Scan(&ev.ID, &ev.TaskID, &ev.Text, &ev.Timestamp, &status, &ev.Processed, &receivedAt); err != nil {
		return model.StreamEvent{}, err
	}
	if status.Valid {
		v := int(status.Int64)
		ev.Status = &v
	}
	ev.ReceivedAt = fromMicros(receivedAt)
	return ev, nil
}

func collectEvents(rows *sql.Rows) ([]model.StreamEvent, error) {
	defer func() { _ = rows.Close() }()
	var events []model.StreamEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
