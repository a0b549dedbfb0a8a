// Package registry owns StreamTask records and their state machine.
//
// A task is created active and leaves that state at most once, to stopped or
// error. Every write goes through a conditional storage update
// (WHERE status = 'active'), so concurrent stops and callback transitions on
// the same task resolve to exactly one winner without application locks.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashita-ai/kiai/internal/model"
	"github.com/ashita-ai/kiai/internal/storage"
)

// Registry is the only writer of stream tasks.
type Registry struct {
	store  storage.Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Registry over store.
func New(store storage.Store, logger *slog.Logger) *Registry {
	return &Registry{store: store, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// CreateInput holds the parameters of a newly started session.
type CreateInput struct {
	TaskID       string
	UserID       string
	RTMPURL      string
	SystemPrompt string
	UserPrompt   string
}

// Create inserts a new active task. Task IDs are issued by the provider and
// expected to be unique; a repeat returns model.ErrDuplicateTask.
func (r *Registry) Create(ctx context.Context, in CreateInput) (model.StreamTask, error) {
	if in.TaskID == "" {
		return model.StreamTask{}, &model.ValidationError{Field: "task_id", Message: "is required"}
	}
	task := model.StreamTask{
		TaskID:       in.TaskID,
		UserID:       in.UserID,
		RTMPURL:      in.RTMPURL,
		SystemPrompt: in.SystemPrompt,
		UserPrompt:   in.UserPrompt,
		Status:       model.TaskStatusActive,
		StartedAt:    r.now(),
	}
	if err := r.store.CreateTask(ctx, task); err != nil {
		return model.StreamTask{}, fmt.Errorf("registry: create: %w", err)
	}
	r.logger.Info("registry: task created", "task_id", task.TaskID, "user_id", task.UserID)
	return task, nil
}

// Stop moves an active task to stopped with the given reason. Stopping a
// terminal task is a no-op returning false; an unknown task returns
// model.ErrTaskNotFound.
func (r *Registry) Stop(ctx context.Context, taskID string, reason model.StopReason) (bool, error) {
	if !reason.Valid() {
		return false, &model.ValidationError{Field: "reason", Message: fmt.Sprintf("unknown stop reason %q", reason)}
	}
	ok, err := r.store.TransitionTask(ctx, taskID, model.TaskStatusStopped, reason, r.now())
	if err != nil {
		return false, fmt.Errorf("registry: stop %s: %w", taskID, err)
	}
	if ok {
		r.logger.Info("registry: task stopped", "task_id", taskID, "reason", reason)
		return true, nil
	}
	if _, err := r.Get(ctx, taskID); err != nil {
		return false, err
	}
	return false, nil
}

// ApplyCallbackTransition stamps liveness on an active task and then moves it
// to the terminal status a classified callback implies. It reports whether
// the transition happened; a task that was already terminal yields false.
func (r *Registry) ApplyCallbackTransition(ctx context.Context, taskID string, to model.TaskStatus, reason model.StopReason) (bool, error) {
	if !to.Terminal() {
		return false, &model.ValidationError{Field: "status", Message: fmt.Sprintf("%q is not a terminal status", to)}
	}
	now := r.now()
	touched, err := r.store.TouchTask(ctx, taskID, now)
	if err != nil {
		return false, fmt.Errorf("registry: touch %s: %w", taskID, err)
	}
	if !touched {
		// Absent or terminal; distinguish for the caller.
		if _, err := r.Get(ctx, taskID); err != nil {
			return false, err
		}
		return false, nil
	}
	ok, err := r.store.TransitionTask(ctx, taskID, to, reason, now)
	if err != nil {
		return false, fmt.Errorf("registry: transition %s: %w", taskID, err)
	}
	if ok {
		r.logger.Info("registry: task transitioned", "task_id", taskID, "status", to, "reason", reason)
	}
	return ok, nil
}

// Touch stamps last_callback_time on an active task. Terminal tasks are left
// untouched (false); unknown tasks return model.ErrTaskNotFound.
func (r *Registry) Touch(ctx context.Context, taskID string) (bool, error) {
	touched, err := r.store.TouchTask(ctx, taskID, r.now())
	if err != nil {
		return false, fmt.Errorf("registry: touch %s: %w", taskID, err)
	}
	if touched {
		return true, nil
	}
	if _, err := r.Get(ctx, taskID); err != nil {
		return false, err
	}
	return false, nil
}

// Active lists active tasks, newest first.
func (r *Registry) Active(ctx context.Context) ([]model.StreamTask, error) {
	tasks, err := r.store.ListActiveTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("registry: list active: %w", err)
	}
	return tasks, nil
}

// Get returns one task or model.ErrTaskNotFound.
func (r *Registry) Get(ctx context.Context, taskID string) (model.StreamTask, error) {
	task, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.StreamTask{}, fmt.Errorf("registry: task %s: %w", taskID, model.ErrTaskNotFound)
		}
		return model.StreamTask{}, fmt.Errorf("registry: get %s: %w", taskID, err)
	}
	return task, nil
}
