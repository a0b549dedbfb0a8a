package sqlite

import (
	"context"
	"fmt"
)

// schema mirrors migrations/001_initial.sql. Guard triggers enforce the same
// monotone-status and append-only rules.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS stream_tasks (
		task_id            TEXT PRIMARY KEY,
		user_id            TEXT NOT NULL DEFAULT '',
		rtmp_url           TEXT NOT NULL,
		system_prompt      TEXT NOT NULL DEFAULT '',
		user_prompt        TEXT NOT NULL DEFAULT '',
		status             TEXT NOT NULL DEFAULT 'active'
		                   CHECK (status IN ('active', 'stopped', 'error')),
		started_at         INTEGER NOT NULL,
		stopped_at         INTEGER,
		stop_reason        TEXT CHECK (stop_reason IN ('manual', 'rtmp_stopped', 'api_error', 'unknown')),
		last_callback_time INTEGER,
		CHECK ((status = 'active') = (stopped_at IS NULL)),
		CHECK ((status = 'active') = (stop_reason IS NULL))
	)`,
	`CREATE INDEX IF NOT EXISTS idx_stream_tasks_status ON stream_tasks (status, started_at DESC)`,
	`CREATE TRIGGER IF NOT EXISTS trg_stream_tasks_guard_terminal
		BEFORE UPDATE ON stream_tasks
		WHEN OLD.status <> 'active'
		BEGIN SELECT RAISE(ABORT, 'stream task is terminal'); END`,

	`CREATE TABLE IF NOT EXISTS stream_events (
		id                 INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id            TEXT NOT NULL,
		text               TEXT NOT NULL DEFAULT '',
		provider_timestamp TEXT NOT NULL DEFAULT '',
		status             INTEGER,
		processed          INTEGER NOT NULL DEFAULT 0,
		received_at        INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_stream_events_task ON stream_events (task_id, received_at DESC, id DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_stream_events_received ON stream_events (received_at DESC, id DESC)`,
	`CREATE TRIGGER IF NOT EXISTS trg_stream_events_guard_immutable
		BEFORE UPDATE ON stream_events
		WHEN (OLD.processed = 1 AND NEW.processed = 0)
		  OR NEW.task_id IS NOT OLD.task_id
		  OR NEW.text IS NOT OLD.text
		  OR NEW.provider_timestamp IS NOT OLD.provider_timestamp
		  OR NEW.status IS NOT OLD.status
		  OR NEW.received_at IS NOT OLD.received_at
		BEGIN SELECT RAISE(ABORT, 'stream event is immutable'); END`,

	`CREATE TABLE IF NOT EXISTS game_stats (
		user_id        TEXT PRIMARY KEY,
		hp             INTEGER NOT NULL DEFAULT 100 CHECK (hp BETWEEN 0 AND 100),
		exercise_count INTEGER NOT NULL DEFAULT 0 CHECK (exercise_count >= 0),
		last_activity  INTEGER
	)`,

	`CREATE TABLE IF NOT EXISTS coach_messages (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id    TEXT NOT NULL,
		event_id   INTEGER REFERENCES stream_events (id),
		message    TEXT NOT NULL,
		type       TEXT NOT NULL CHECK (type IN ('motivational', 'progress', 'warning', 'celebration')),
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_coach_messages_user ON coach_messages (user_id, created_at DESC, id DESC)`,

	`CREATE TABLE IF NOT EXISTS gamification_jobs (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id     INTEGER NOT NULL UNIQUE REFERENCES stream_events (id),
		attempts     INTEGER NOT NULL DEFAULT 0,
		last_error   TEXT,
		locked_until INTEGER,
		created_at   INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_gamification_jobs_pending ON gamification_jobs (attempts, created_at)`,
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite: migrate: %w", err)
		}
	}
	return nil
}
