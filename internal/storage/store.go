package storage

import (
	"context"
	"time"

	"github.com/ashita-ai/kiai/internal/model"
)

// Store is the persistence contract shared by the Postgres and SQLite backends.
// Implementations must be safe for concurrent use. Task transitions and game
// stats updates are atomic at the storage layer; callers never see a
// read-modify-write race.
type Store interface {
	// Tasks.
	CreateTask(ctx context.Context, task model.StreamTask) error
	GetTask(ctx context.Context, taskID string) (model.StreamTask, error)
	ListActiveTasks(ctx context.Context) ([]model.StreamTask, error)
	// TouchTask stamps last_callback_time on an active task. Returns false when
	// the task is absent or terminal.
	TouchTask(ctx context.Context, taskID string, at time.Time) (bool, error)
	// TransitionTask moves an active task to a terminal status. Returns false
	// when the task is absent or already terminal.
	TransitionTask(ctx context.Context, taskID string, to model.TaskStatus, reason model.StopReason, at time.Time) (bool, error)

	// Event ledger.
	// AppendEvent records a callback. When enqueue is true a gamification job
	// for the new event is committed in the same transaction.
	AppendEvent(ctx context.Context, ev model.StreamEvent, enqueue bool) (model.StreamEvent, error)
	GetEvent(ctx context.Context, id int64) (model.StreamEvent, error)
	ListEventsByTask(ctx context.Context, taskID string, limit int) ([]model.StreamEvent, error)
	ListRecentEvents(ctx context.Context, limit int) ([]model.StreamEvent, error)

	// Gamification.
	// RecordGamification applies effect (nil means "evaluated, nothing to
	// score") and marks the event processed, all in one transaction. The
	// processed flag is written last. Returns false without side effects when
	// the event was already processed.
	RecordGamification(ctx context.Context, eventID int64, effect *model.ExerciseEffect, at time.Time) (bool, error)
	GetGameStats(ctx context.Context, userID string) (model.GameStats, error)
	ListCoachMessages(ctx context.Context, userID string, limit int) ([]model.CoachMessage, error)

	// Gamification job queue.
	ClaimJobs(ctx context.Context, batchSize int, lease time.Duration) ([]Job, error)
	CompleteJobs(ctx context.Context, ids []int64) error
	FailJobs(ctx context.Context, ids []int64, errMsg string) error
	PendingJobs(ctx context.Context) (int64, error)
	CleanupDeadJobs(ctx context.Context, olderThan time.Duration) (int64, error)

	Ping(ctx context.Context) error
	Backend() string
}

// Job is one pending gamification work item.
type Job struct {
	ID       int64
	EventID  int64
	Attempts int
}

// MaxJobAttempts is the number of failed attempts after which a job is
// dead-lettered and no longer claimed.
const MaxJobAttempts = 10

// MaxJobBackoff caps the exponential retry delay of a failed job.
const MaxJobBackoff = 300 * time.Second

// JobBackoff returns the lease applied to a job after its nth failure.
func JobBackoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts >= 9 {
		return MaxJobBackoff
	}
	d := time.Duration(1<<uint(attempts+1)) * time.Second
	if d > MaxJobBackoff {
		return MaxJobBackoff
	}
	return d
}

// Default list limits, matching the presentation layer's defaults.
const (
	DefaultEventLimit   = 50
	DefaultMessageLimit = 10
	MaxListLimit        = 1000
)

// ClampLimit bounds a caller-supplied list limit to [1, MaxListLimit],
// substituting def for non-positive values.
func ClampLimit(limit, def int) int {
	if limit <= 0 {
		return def
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}
