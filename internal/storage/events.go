package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kiai/internal/model"
)

const eventColumns = `id, task_id, text, provider_timestamp, status, processed, received_at`

// AppendEvent inserts a ledger entry and, when enqueue is set, its
// gamification job, in one transaction. A notification is published on
// ChannelEvents after the insert; listeners see it only once the transaction commits.
func (db *DB) AppendEvent(ctx context.Context, ev model.StreamEvent, enqueue bool) (model.StreamEvent, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.StreamEvent{}, fmt.Errorf("storage: begin append event: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	err = tx.QueryRow(ctx,
		`INSERT INTO stream_events (task_id, text, provider_timestamp, status, processed, received_at)
		 VALUES ($1, $2, $3, $4, false, $5)
		 RETURNING id`,
		ev.TaskID, ev.Text, ev.Timestamp, ev.Status, ev.ReceivedAt,
	).Scan(&ev.ID)
	if err != nil {
		return model.StreamEvent{}, fmt.Errorf("storage: insert event: %w", err)
	}
	ev.Processed = false

	if enqueue {
		if _, err := tx.Exec(ctx,
			`INSERT INTO gamification_jobs (event_id) VALUES ($1)`, ev.ID,
		); err != nil {
			return model.StreamEvent{}, fmt.Errorf("storage: enqueue gamification job: %w", err)
		}
	}

	ref := map[string]any{"id": ev.ID, "task_id": ev.TaskID, "truncated": true}
	if err := notifyTx(ctx, tx, ChannelEvents, ev, ref); err != nil {
		return model.StreamEvent{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return model.StreamEvent{}, fmt.Errorf("storage: commit append event: %w", err)
	}
	return ev, nil
}

// GetEvent retrieves one ledger entry.
func (db *DB) GetEvent(ctx context.Context, id int64) (model.StreamEvent, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM stream_events WHERE id = $1`, id)
	ev, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.StreamEvent{}, fmt.Errorf("storage: event %d: %w", id, ErrNotFound)
		}
		return model.StreamEvent{}, fmt.Errorf("storage: get event: %w", err)
	}
	return ev, nil
}

// ListEventsByTask returns a task's events, newest first.
func (db *DB) ListEventsByTask(ctx context.Context, taskID string, limit int) ([]model.StreamEvent, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM stream_events WHERE task_id = $1
		 ORDER BY received_at DESC, id DESC
		 LIMIT $2`, taskID, ClampLimit(limit, DefaultEventLimit))
	if err != nil {
		return nil, fmt.Errorf("storage: list events by task: %w", err)
	}
	return collectEvents(rows)
}

// ListRecentEvents returns the most recent events across all tasks.
func (db *DB) ListRecentEvents(ctx context.Context, limit int) ([]model.StreamEvent, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM stream_events
		 ORDER BY received_at DESC, id DESC
		 LIMIT $1`, ClampLimit(limit, DefaultEventLimit))
	if err != nil {
		return nil, fmt.Errorf("storage: list recent events: %w", err)
	}
	return collectEvents(rows)
}

func scanEvent(row pgx.Row) (model.StreamEvent, error) {
	var e model.StreamEvent
	err := row.Scan(&e.ID, &e.TaskID, &e.Text, &e.Timestamp, &e.Status, &e.Processed, &e.ReceivedAt)
	return e, err
}

func collectEvents(rows pgx.Rows) ([]model.StreamEvent, error) {
	defer rows.Close()
	var events []model.StreamEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
