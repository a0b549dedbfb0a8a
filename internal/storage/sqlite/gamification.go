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

// RecordGamification applies an exercise effect and marks the event processed
// in one transaction. A nil effect only marks the event.
func (s *Store) RecordGamification(ctx context.Context, eventID int64, effect *model.ExerciseEffect, at time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("sqlite: begin gamification: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var processed bool
	if err := tx.QueryRowContext(ctx,
		`SELECT processed FROM stream_events WHERE id = ?`, eventID,
	).Scan(&processed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("sqlite: event %d: %w", eventID, storage.ErrNotFound)
		}
		return false, fmt.Errorf("sqlite: read event: %w", err)
	}
	if processed {
		return false, nil
	}

	if effect != nil {
		delta := clampDelta(effect.HPDelta)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO game_stats (user_id, hp, exercise_count, last_activity)
			 VALUES (?, MAX(?, MIN(?, ? + ?)), ?, ?)
			 ON CONFLICT (user_id) DO UPDATE SET
			     hp = MAX(?, MIN(?, game_stats.hp + ?)),
			     exercise_count = game_stats.exercise_count + excluded.exercise_count,
			     last_activity = excluded.last_activity`,
			effect.UserID, model.MinHP, model.MaxHP, model.InitialHP, delta, effect.Reps, toMicros(at),
			model.MinHP, model.MaxHP, delta,
		); err != nil {
			return false, fmt.Errorf("sqlite: upsert game stats: %w", err)
		}

		if effect.Message.Message != "" {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO coach_messages (user_id, event_id, message, type, created_at)
				 VALUES (?, ?, ?, ?, ?)`,
				effect.UserID, eventID, effect.Message.Message, string(effect.Message.Type), toMicros(at),
			); err != nil {
				return false, fmt.Errorf("sqlite: insert coach message: %w", err)
			}
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE stream_events SET processed = 1 WHERE id = ?`, eventID,
	); err != nil {
		return false, fmt.Errorf("sqlite: mark event processed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("sqlite: commit gamification: %w", err)
	}
	return true, nil
}

// GetGameStats returns the score record for a user.
func (s *Store) GetGameStats(ctx context.Context, userID string) (model.GameStats, error) {
	var (
		st   model.GameStats
		last sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, hp, exercise_count, last_activity FROM game_stats WHERE user_id = ?`, userID,
	).Scan(&st.UserID, &st.HP, &st.ExerciseCount, &last)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.GameStats{}, fmt.Errorf("sqlite: game stats %s: %w", userID, storage.ErrNotFound)
		}
		return model.GameStats{}, fmt.Errorf("sqlite: get game stats: %w", err)
	}
	st.LastActivity = timePtr(last)
	return st, nil
}

// ListCoachMessages returns a user's coach messages, newest first.
func (s *Store) ListCoachMessages(ctx context.Context, userID string, limit int) ([]model.CoachMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, COALESCE(event_id, 0), message, type, created_at
		 FROM coach_messages WHERE user_id = ?
		 ORDER BY created_at DESC, id DESC LIMIT ?`,
		userID, storage.ClampLimit(limit, storage.DefaultMessageLimit))
	if err != nil {
		return nil, fmt.Errorf("sqlite: list coach messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []model.CoachMessage
	for rows.Next() {
		var (
			m       model.CoachMessage
			created int64
		)
		if err := rows.Scan(&m.ID, &m.UserID, &m.EventID, &m.Message, &m.Type, &created); err != nil {
			return nil, fmt.Errorf("sqlite: scan coach message: %w", err)
		}
		m.Timestamp = fromMicros(created)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func clampDelta(d int64) int64 {
	const span = model.MaxHP - model.MinHP
	return max(-span, min(span, d))
}
