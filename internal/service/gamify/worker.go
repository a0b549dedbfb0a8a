package gamify

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kiai/internal/storage"
	"github.com/ashita-ai/kiai/internal/telemetry"
)

// DeadJobRetention is how long dead-lettered jobs are kept for inspection.
const DeadJobRetention = 7 * 24 * time.Hour

// jobLease must exceed the per-batch timeout so a second worker cannot pick
// up a job whose lease expired while the first is still processing it.
const (
	batchTimeout = 30 * time.Second
	jobLease     = 60 * time.Second
)

// EventProcessor is the per-event step the Worker drives.
type EventProcessor interface {
	Process(ctx context.Context, eventID int64) (Outcome, error)
}

// Worker drains the gamification job queue. It polls on a fixed interval,
// which also re-delivers jobs whose lease expired after a crash, and can be
// woken early with Notify.
type Worker struct {
	store        storage.Store
	processor    EventProcessor
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int

	started     atomic.Bool
	cancelLoop  context.CancelFunc
	done        chan struct{}
	once        sync.Once
	wake        chan struct{}
	lastCleanup atomic.Int64 // unix nanos of the last dead-job sweep
	drainCh     chan context.Context // carries the drain context to pollLoop for the final poll
}

// NewWorker creates a queue worker.
func NewWorker(store storage.Store, processor EventProcessor, logger *slog.Logger, pollInterval time.Duration, batchSize int) *Worker {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Worker{
		store:        store,
		processor:    processor,
		logger:       logger,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		done:         make(chan struct{}),
		wake:         make(chan struct{}, 1),
		drainCh:      make(chan context.Context, 1),
	}
}

// Notify asks the worker to poll now. It never blocks; wake-ups coalesce.
func (w *Worker) Notify() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Start begins the background poll loop. It is safe to call only once;
// subsequent calls are no-ops and log a warning.
func (w *Worker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		w.logger.Warn("gamify worker: Start called more than once, ignoring")
		return
	}
	w.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancelLoop = cancel
	go w.pollLoop(loopCtx)
}

// Drain stops the poll loop after one final batch and blocks until it exits
// or ctx expires.
func (w *Worker) Drain(ctx context.Context) {
	select {
	case w.drainCh <- ctx:
	default:
	}
	if w.cancelLoop != nil {
		w.cancelLoop()
	}
	if !w.started.Load() {
		return
	}
	select {
	case <-w.done:
	case <-ctx.Done():
		w.logger.Warn("gamify worker: drain timed out")
	}
}

func (w *Worker) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			var drainCtx context.Context
			select {
			case drainCtx = <-w.drainCh:
			default:
			}
			if drainCtx != nil {
				w.RunOnce(drainCtx)
			} else {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				w.RunOnce(fallbackCtx)
				cancel()
			}
			w.once.Do(func() { close(w.done) })
			return
		case <-ticker.C:
		case <-w.wake:
		}
		batchCtx, cancel := context.WithTimeout(ctx, batchTimeout)
		w.RunOnce(batchCtx)
		cancel()
	}
}

// RunOnce claims and processes one batch of jobs, returning how many were
// completed. Safe to call while the poll loop is running.
func (w *Worker) RunOnce(ctx context.Context) int {
	jobs, err := w.store.ClaimJobs(ctx, w.batchSize, jobLease)
	if err != nil {
		w.logger.Error("gamify worker: claim jobs", "error", err)
		return 0
	}

	completed := make([]int64, 0, len(jobs))
	for _, job := range jobs {
		outcome, err := w.processor.Process(ctx, job.EventID)
		if err != nil {
			w.fail(ctx, job, err)
			continue
		}
		w.logger.Debug("gamify worker: job done", "job_id", job.ID, "event_id", job.EventID, "outcome", outcome)
		completed = append(completed, job.ID)
	}
	if err := w.store.CompleteJobs(ctx, completed); err != nil {
		// The jobs are redelivered after their lease; Process is idempotent.
		w.logger.Error("gamify worker: complete jobs", "error", err, "count", len(completed))
		return 0
	}

	now := time.Now().UnixNano()
	last := w.lastCleanup.Load()
	if now-last > int64(time.Hour) && w.lastCleanup.CompareAndSwap(last, now) {
		w.cleanupDeadJobs(ctx)
	}
	return len(completed)
}

func (w *Worker) fail(ctx context.Context, job storage.Job, cause error) {
	w.logger.Warn("gamify worker: job failed", "job_id", job.ID, "event_id", job.EventID,
		"attempts", job.Attempts+1, "error", cause)
	if err := w.store.FailJobs(ctx, []int64{job.ID}, cause.Error()); err != nil {
		w.logger.Error("gamify worker: record failure", "job_id", job.ID, "error", err)
	}
	if job.Attempts+1 >= storage.MaxJobAttempts {
		w.logger.Warn("gamify worker: dead-letter job",
			"job_id", job.ID,
			"event_id", job.EventID,
			"attempts", job.Attempts+1,
		)
	}
}

func (w *Worker) cleanupDeadJobs(ctx context.Context) {
	n, err := w.store.CleanupDeadJobs(ctx, DeadJobRetention)
	if err != nil {
		w.logger.Error("gamify worker: cleanup dead jobs", "error", err)
		return
	}
	if n > 0 {
		w.logger.Info("gamify worker: cleaned dead jobs", "deleted", n)
	}
}

func (w *Worker) registerMetrics() {
	meter := telemetry.Meter("kiai/gamify")

	_, _ = meter.Int64ObservableGauge("kiai.gamification.queue_depth",
		metric.WithDescription("Number of pending gamification jobs"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			n, err := w.store.PendingJobs(ctx)
			if err != nil {
				return nil // skip this observation
			}
			o.Observe(n)
			return nil
		}),
	)
}
