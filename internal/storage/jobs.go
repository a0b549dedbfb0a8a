package storage

import (
	"context"
	"fmt"
	"time"
)

// ClaimJobs leases up to batchSize pending gamification jobs. Rows locked by
// a concurrent claimer are skipped; a claimed row stays invisible until its
// lease expires, so a crashed worker's jobs are re-delivered by the next poll.
func (db *DB) ClaimJobs(ctx context.Context, batchSize int, lease time.Duration) ([]Job, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: begin claim jobs: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	rows, err := tx.Query(ctx,
		`SELECT id, event_id, attempts FROM gamification_jobs
		 WHERE (locked_until IS NULL OR locked_until < now())
		   AND attempts < $1
		 ORDER BY created_at ASC, id ASC
		 LIMIT $2
		 FOR UPDATE SKIP LOCKED`, MaxJobAttempts, batchSize)
	if err != nil {
		return nil, fmt.Errorf("storage: select jobs: %w", err)
	}
	var jobs []Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.ID, &j.EventID, &j.Attempts); err != nil {
			rows.Close()
			return nil, fmt.Errorf("storage: scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate jobs: %w", err)
	}
	if len(jobs) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	if _, err := tx.Exec(ctx,
		`UPDATE gamification_jobs SET locked_until = now() + $1::interval WHERE id = ANY($2)`,
		fmt.Sprintf("%d milliseconds", lease.Milliseconds()), ids,
	); err != nil {
		return nil, fmt.Errorf("storage: lease jobs: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("storage: commit claim jobs: %w", err)
	}
	return jobs, nil
}

// CompleteJobs deletes finished jobs.
func (db *DB) CompleteJobs(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := db.pool.Exec(ctx, `DELETE FROM gamification_jobs WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("storage: complete jobs: %w", err)
	}
	return nil
}

// FailJobs records a failed attempt and pushes the lease out by the
// exponential backoff for the new attempt count.
func (db *DB) FailJobs(ctx context.Context, ids []int64, errMsg string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := db.pool.Exec(ctx,
		`UPDATE gamification_jobs SET
		     attempts = attempts + 1,
		     last_error = $1,
		     locked_until = now() + make_interval(secs => LEAST($2::int, power(2, LEAST(attempts + 1, 9))::int))
		 WHERE id = ANY($3)`,
		errMsg, int(MaxJobBackoff/time.Second), ids)
	if err != nil {
		return fmt.Errorf("storage: fail jobs: %w", err)
	}
	return nil
}

// PendingJobs counts jobs that are still eligible for delivery.
func (db *DB) PendingJobs(ctx context.Context) (int64, error) {
	var n int64
	err := db.pool.QueryRow(ctx,
		`SELECT count(*) FROM gamification_jobs WHERE attempts < $1`, MaxJobAttempts,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count pending jobs: %w", err)
	}
	return n, nil
}

// CleanupDeadJobs removes dead-lettered jobs older than olderThan.
func (db *DB) CleanupDeadJobs(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM gamification_jobs WHERE attempts >= $1 AND created_at < $2`,
		MaxJobAttempts, time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("storage: cleanup dead jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}
