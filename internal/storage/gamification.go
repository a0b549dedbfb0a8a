package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kiai/internal/model"
)

// RecordGamification applies an exercise effect and marks the event processed
// in one transaction. The event row is locked first so two workers racing on
// the same event serialize; the loser sees processed = true and returns false.
func (db *DB) RecordGamification(ctx context.Context, eventID int64, effect *model.ExerciseEffect, at time.Time) (bool, error) {
	var applied bool
	err := WithRetry(ctx, 3, 10*time.Millisecond, func() error {
		var err error
		applied, err = db.recordGamification(ctx, eventID, effect, at)
		return err
	})
	return applied, err
}

func (db *DB) recordGamification(ctx context.Context, eventID int64, effect *model.ExerciseEffect, at time.Time) (bool, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("storage: begin gamification: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var processed bool
	err = tx.QueryRow(ctx,
		`SELECT processed FROM stream_events WHERE id = $1 FOR UPDATE`, eventID,
	).Scan(&processed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, fmt.Errorf("storage: event %d: %w", eventID, ErrNotFound)
		}
		return false, fmt.Errorf("storage: lock event: %w", err)
	}
	if processed {
		return false, nil
	}

	var msg *model.CoachMessage
	if effect != nil {
		// Both branches clamp: a fresh row starts at InitialHP.
		if _, err := tx.Exec(ctx,
			`INSERT INTO game_stats (user_id, hp, exercise_count, last_activity)
			 VALUES ($1, GREATEST($2::int, LEAST($3::int, $4::int + $5::int)), $6, $7)
			 ON CONFLICT (user_id) DO UPDATE SET
			     hp = GREATEST($2::int, LEAST($3::int, game_stats.hp + $5::int)),
			     exercise_count = game_stats.exercise_count + EXCLUDED.exercise_count,
			     last_activity = EXCLUDED.last_activity`,
			effect.UserID, model.MinHP, model.MaxHP, model.InitialHP, clampDelta(effect.HPDelta),
			effect.Reps, at,
		); err != nil {
			return false, fmt.Errorf("storage: upsert game stats: %w", err)
		}

		if effect.Message.Message != "" {
			m := effect.Message
			m.UserID = effect.UserID
			m.EventID = eventID
			m.Timestamp = at
			if err := tx.QueryRow(ctx,
				`INSERT INTO coach_messages (user_id, event_id, message, type, created_at)
				 VALUES ($1, $2, $3, $4, $5)
				 RETURNING id`,
				m.UserID, m.EventID, m.Message, string(m.Type), m.Timestamp,
			).Scan(&m.ID); err != nil {
				return false, fmt.Errorf("storage: insert coach message: %w", err)
			}
			msg = &m
		}
	}

	if _, err := tx.Exec(ctx,
		`UPDATE stream_events SET processed = true WHERE id = $1`, eventID,
	); err != nil {
		return false, fmt.Errorf("storage: mark event processed: %w", err)
	}

	if msg != nil {
		ref := map[string]any{"id": msg.ID, "user_id": msg.UserID, "truncated": true}
		if err := notifyTx(ctx, tx, ChannelCoach, msg, ref); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("storage: commit gamification: %w", err)
	}
	return true, nil
}

// GetGameStats returns the score record for a user. ErrNotFound when the
// user has never scored.
func (db *DB) GetGameStats(ctx context.Context, userID string) (model.GameStats, error) {
	var s model.GameStats
	err := db.pool.QueryRow(ctx,
		`SELECT user_id, hp, exercise_count, last_activity FROM game_stats WHERE user_id = $1`, userID,
	).Scan(&s.UserID, &s.HP, &s.ExerciseCount, &s.LastActivity)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.GameStats{}, fmt.Errorf("storage: game stats %s: %w", userID, ErrNotFound)
		}
		return model.GameStats{}, fmt.Errorf("storage: get game stats: %w", err)
	}
	return s, nil
}

// ListCoachMessages returns a user's coach messages, newest first.
func (db *DB) ListCoachMessages(ctx context.Context, userID string, limit int) ([]model.CoachMessage, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, user_id, COALESCE(event_id, 0), message, type, created_at
		 FROM coach_messages WHERE user_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2`, userID, ClampLimit(limit, DefaultMessageLimit))
	if err != nil {
		return nil, fmt.Errorf("storage: list coach messages: %w", err)
	}
	defer rows.Close()

	var msgs []model.CoachMessage
	for rows.Next() {
		var m model.CoachMessage
		if err := rows.Scan(&m.ID, &m.UserID, &m.EventID, &m.Message, &m.Type, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("storage: scan coach message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// clampDelta bounds an HP delta to the representable HP range so the
// arithmetic in SQL cannot overflow int4.
func clampDelta(d int64) int64 {
	const span = model.MaxHP - model.MinHP
	if d > span {
		return span
	}
	if d < -span {
		return -span
	}
	return d
}
