package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ashita-ai/kiai/internal/storage"
)

// ClaimJobs leases up to batchSize pending jobs. The single connection makes
// select-then-lease atomic without row locks.
func (s *Store) ClaimJobs(ctx context.Context, batchSize int, lease time.Duration) ([]storage.Job, error) {
	now := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin claim jobs: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, event_id, attempts FROM gamification_jobs
		 WHERE (locked_until IS NULL OR locked_until < ?) AND attempts < ?
		 ORDER BY created_at ASC, id ASC LIMIT ?`,
		toMicros(now), storage.MaxJobAttempts, batchSize)
	if err != nil {
		return nil, fmt.Errorf("sqlite: select jobs: %w", err)
	}
	var jobs []storage.Job
	for rows.Next() {
		var j storage.Job
		if err := rows.Scan(&j.ID, &j.EventID, &j.Attempts); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("sqlite: scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate jobs: %w", err)
	}
	if len(jobs) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	in, args := inClause(ids)
	args = append([]any{toMicros(now.Add(lease))}, args...)
	if _, err := tx.ExecContext(ctx,
		`UPDATE gamification_jobs SET locked_until = ? WHERE id IN (`+in+`)`, args...,
	); err != nil {
		return nil, fmt.Errorf("sqlite: lease jobs: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: commit claim jobs: %w", err)
	}
	return jobs, nil
}

// CompleteJobs deletes finished jobs.
func (s *Store) CompleteJobs(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	in, args := inClause(ids)
	if _, err := s.db.ExecContext(ctx, `DELETE FROM gamification_jobs WHERE id IN (`+in+`)`, args...); err != nil {
		return fmt.Errorf("sqlite: complete jobs: %w", err)
	}
	return nil
}

// FailJobs records a failed attempt per job and reschedules it with backoff.
func (s *Store) FailJobs(ctx context.Context, ids []int64, errMsg string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin fail jobs: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()
	for _, id := range ids {
		var attempts int
		if err := tx.QueryRowContext(ctx, `SELECT attempts FROM gamification_jobs WHERE id = ?`, id).Scan(&attempts); err != nil {
			continue // completed or cleaned up concurrently
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE gamification_jobs SET attempts = attempts + 1, last_error = ?, locked_until = ? WHERE id = ?`,
			errMsg, toMicros(now.Add(storage.JobBackoff(attempts))), id,
		); err != nil {
			return fmt.Errorf("sqlite: fail job %d: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit fail jobs: %w", err)
	}
	return nil
}

// PendingJobs counts jobs still eligible for delivery.
func (s *Store) PendingJobs(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM gamification_jobs WHERE attempts < ?`, storage.MaxJobAttempts,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: count pending jobs: %w", err)
	}
	return n, nil
}

// CleanupDeadJobs removes dead-lettered jobs older than olderThan.
func (s *Store) CleanupDeadJobs(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM gamification_jobs WHERE attempts >= ? AND created_at < ?`,
		storage.MaxJobAttempts, toMicros(time.Now().Add(-olderThan)))
	if err != nil {
		return 0, fmt.Errorf("sqlite: cleanup dead jobs: %w", err)
	}
	return res.RowsAffected()
}

func inClause(ids []int64) (string, []any) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return strings.TrimSuffix(strings.Repeat("?,", len(ids)), ","), args
}
