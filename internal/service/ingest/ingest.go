// Package ingest records provider callbacks and derives their side effects.
//
// Every callback becomes a ledger event first, whatever its content. The
// status code is then classified, the owning task is stamped or transitioned,
// and success-class events are queued for gamification in the same
// transaction as the ledger write. The caller never waits on gamification.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/kiai/internal/classify"
	"github.com/ashita-ai/kiai/internal/model"
	"github.com/ashita-ai/kiai/internal/storage"
	"github.com/ashita-ai/kiai/internal/telemetry"
)

// Registry is the slice of the task registry the pipeline drives.
type Registry interface {
	ApplyCallbackTransition(ctx context.Context, taskID string, to model.TaskStatus, reason model.StopReason) (bool, error)
	Touch(ctx context.Context, taskID string) (bool, error)
}

// Scheduler is woken after a gamification job is queued.
type Scheduler interface {
	Notify()
}

// Callback is one inbound provider notification. Empty TaskID and nil
// Status mean the payload omitted them.
type Callback struct {
	TaskID    string
	Status    *int
	Text      string
	Timestamp string
}

// Validate reports the first missing required field.
func (c Callback) Validate() error {
	if c.TaskID == "" {
		return &model.ValidationError{Field: "task_id", Message: "is required"}
	}
	if c.Status == nil {
		return &model.ValidationError{Field: "status", Message: "is required"}
	}
	return nil
}

// Result describes what ingesting one callback did.
type Result struct {
	Event          model.StreamEvent
	Classification classify.Result
	Transitioned   bool
	Scheduled      bool
}

// Pipeline is the callback ingestion pipeline. Safe for concurrent use.
type Pipeline struct {
	store     storage.Store
	registry  Registry
	scheduler Scheduler
	logger    *slog.Logger
	now       func() time.Time
	tracer    trace.Tracer

	callbacks metric.Int64Counter
}

// New creates a Pipeline. scheduler may be nil; queued jobs are then picked
// up by the worker's next poll.
func New(store storage.Store, registry Registry, scheduler Scheduler, logger *slog.Logger) *Pipeline {
	callbacks, _ := telemetry.Meter("kiai/ingest").Int64Counter("kiai.callbacks",
		metric.WithDescription("Provider callbacks received, by class"),
	)
	return &Pipeline{
		store:     store,
		registry:  registry,
		scheduler: scheduler,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		tracer:    otel.Tracer("kiai/ingest"),
		callbacks: callbacks,
	}
}

// Ingest records cb and applies its classification. Only a failed ledger
// write is returned as an error; registry failures are logged, since the
// event is already durable by then.
func (p *Pipeline) Ingest(ctx context.Context, cb Callback) (Result, error) {
	ctx, span := p.tracer.Start(ctx, "ingest.Callback", trace.WithAttributes(attribute.String("task_id", cb.TaskID)))
	defer span.End()

	now := p.now()
	if err := cb.Validate(); err != nil {
		p.logger.Warn("ingest: malformed callback recorded with defaults", "task_id", cb.TaskID, "error", err)
	}
	if cb.Timestamp == "" {
		cb.Timestamp = now.Format(time.RFC3339)
	}

	res := classify.ClassifyOptional(cb.Status)
	span.SetAttributes(attribute.String("class", string(res.Class)))
	p.callbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("class", string(res.Class))))

	ev, err := p.store.AppendEvent(ctx, model.StreamEvent{
		TaskID:     cb.TaskID,
		Text:       cb.Text,
		Timestamp:  cb.Timestamp,
		Status:     cb.Status,
		ReceivedAt: now,
	}, res.Schedules())
	if err != nil {
		span.RecordError(err)
		return Result{}, fmt.Errorf("ingest: record event: %w", err)
	}
	out := Result{Event: ev, Classification: res, Scheduled: res.Schedules()}

	if cb.TaskID != "" {
		out.Transitioned = p.applyToTask(ctx, cb.TaskID, res)
	}

	switch res.Class {
	case classify.ClassUnknown:
		p.logger.Warn("ingest: unknown callback status", "task_id", cb.TaskID, "status", res.String(), "event_id", ev.ID)
	case classify.ClassUpstreamError:
		p.logger.Warn("ingest: provider reported error", "task_id", cb.TaskID, "event_id", ev.ID, "error", res.Err())
	}

	if out.Scheduled && p.scheduler != nil {
		p.scheduler.Notify()
	}
	return out, nil
}

func (p *Pipeline) applyToTask(ctx context.Context, taskID string, res classify.Result) bool {
	var (
		transitioned bool
		err          error
	)
	if res.Transitions() {
		transitioned, err = p.registry.ApplyCallbackTransition(ctx, taskID, res.Transition, res.StopReason)
	} else {
		_, err = p.registry.Touch(ctx, taskID)
	}
	switch {
	case err == nil:
	case errors.Is(err, model.ErrTaskNotFound):
		p.logger.Debug("ingest: callback for unknown task", "task_id", taskID, "class", res.Class)
	default:
		p.logger.Error("ingest: apply callback to task", "task_id", taskID, "class", res.Class, "error", err)
	}
	return transitioned
}
