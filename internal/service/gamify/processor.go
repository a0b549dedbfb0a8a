// Package gamify turns exercise observations into score and coach-message
// side effects, exactly once per event.
//
// Processor evaluates one event; Worker drains the durable job queue that
// the ingestion pipeline fills and feeds each job to the Processor. Delivery
// is at-least-once. The event's processed flag, written last inside the same
// transaction as the score update, makes the effect at-most-once.
package gamify

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

	"github.com/ashita-ai/kiai/internal/model"
	"github.com/ashita-ai/kiai/internal/storage"
	"github.com/ashita-ai/kiai/internal/telemetry"
)

// Outcome describes what Process did with an event.
type Outcome string

const (
	OutcomeScored           Outcome = "scored"
	OutcomeNoMatch          Outcome = "no_match"
	OutcomeUnowned          Outcome = "unowned"
	OutcomeAlreadyProcessed Outcome = "already_processed"
	OutcomeSkipped          Outcome = "skipped"
)

// TaskLookup resolves the task an event belongs to. Satisfied by
// *registry.Registry.
type TaskLookup interface {
	Get(ctx context.Context, taskID string) (model.StreamTask, error)
}

// Processor evaluates ledger events for exercise activity.
type Processor struct {
	store       storage.Store
	tasks       TaskLookup
	defaultUser string
	logger      *slog.Logger
	now         func() time.Time
	tracer      trace.Tracer

	outcomes metric.Int64Counter
	reps     metric.Int64Counter
}

// NewProcessor creates a Processor. Events of tasks without an owner are
// credited to defaultUser.
func NewProcessor(store storage.Store, tasks TaskLookup, defaultUser string, logger *slog.Logger) *Processor {
	meter := telemetry.Meter("kiai/gamify")
	outcomes, _ := meter.Int64Counter("kiai.gamification.outcomes",
		metric.WithDescription("Gamification evaluations by outcome"),
	)
	reps, _ := meter.Int64Counter("kiai.gamification.reps",
		metric.WithDescription("Exercise repetitions credited"),
	)
	return &Processor{
		store:       store,
		tasks:       tasks,
		defaultUser: defaultUser,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
		tracer:      otel.Tracer("kiai/gamify"),
		outcomes:    outcomes,
		reps:        reps,
	}
}

// Process evaluates one event. It is safe to call any number of times for
// the same event: after the first successful call every later call returns
// OutcomeAlreadyProcessed. On error the event stays unprocessed.
func (p *Processor) Process(ctx context.Context, eventID int64) (Outcome, error) {
	ctx, span := p.tracer.Start(ctx, "gamify.Process", trace.WithAttributes(attribute.Int64("event_id", eventID)))
	defer span.End()

	outcome, err := p.process(ctx, eventID)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	span.SetAttributes(attribute.String("outcome", string(outcome)))
	p.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(outcome))))
	return outcome, nil
}

func (p *Processor) process(ctx context.Context, eventID int64) (Outcome, error) {
	ev, err := p.store.GetEvent(ctx, eventID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			p.logger.Debug("gamify: event not found", "event_id", eventID)
			return OutcomeSkipped, nil
		}
		return "", fmt.Errorf("gamify: load event %d: %w", eventID, err)
	}
	if ev.Processed {
		return OutcomeAlreadyProcessed, nil
	}

	outcome := OutcomeNoMatch
	var effect *model.ExerciseEffect
	if det, ok := Detect(ev.Text); ok {
		userID, found, err := p.owner(ctx, ev.TaskID)
		if err != nil {
			return "", err
		}
		if found {
			outcome = OutcomeScored
			effect = &model.ExerciseEffect{
				UserID:  userID,
				Reps:    det.Reps,
				HPDelta: det.HPDelta(),
				Message: model.CoachMessage{Message: det.Message(), Type: model.MessageMotivational},
			}
		} else {
			outcome = OutcomeUnowned
			p.logger.Info("gamify: exercise on unknown task not scored", "event_id", eventID, "task_id", ev.TaskID)
		}
	}

	applied, err := p.store.RecordGamification(ctx, eventID, effect, p.now())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return OutcomeSkipped, nil
		}
		return "", fmt.Errorf("gamify: record event %d: %w", eventID, err)
	}
	if !applied {
		// Lost a race with another consumer of the same event.
		return OutcomeAlreadyProcessed, nil
	}

	if effect != nil {
		p.reps.Add(ctx, effect.Reps)
		p.logger.Info("gamify: exercise scored",
			"event_id", eventID, "user_id", effect.UserID, "reps", effect.Reps)
	}
	return outcome, nil
}

// owner resolves the user an event's task belongs to. found is false when
// the task does not exist.
func (p *Processor) owner(ctx context.Context, taskID string) (userID string, found bool, err error) {
	task, err := p.tasks.Get(ctx, taskID)
	if err != nil {
		if errors.Is(err, model.ErrTaskNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("gamify: resolve owner of %s: %w", taskID, err)
	}
	if task.UserID == "" {
		return p.defaultUser, true, nil
	}
	return task.UserID, true, nil
}
