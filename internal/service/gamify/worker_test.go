package gamify_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/kiai/internal/service/gamify"
	"github.com/ashita-ai/kiai/internal/testutil"
)

func TestWorkerRunOnceProcessesQueue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.task(t, "t1", "gus")
	ev1 := f.event(t, "t1", "12 squats")
	ev2 := f.event(t, "t1", "nothing to see")

	w := gamify.NewWorker(f.store, f.processor, testutil.TestLogger(), time.Hour, 10)
	assert.Equal(t, 2, w.RunOnce(ctx))

	for _, id := range []int64{ev1.ID, ev2.ID} {
		got, err := f.store.GetEvent(ctx, id)
		require.NoError(t, err)
		assert.True(t, got.Processed)
	}
	pending, err := f.store.PendingJobs(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
	assert.Zero(t, w.RunOnce(ctx))
}

type flakyProcessor struct {
	calls atomic.Int32
	inner gamify.EventProcessor
}

func (p *flakyProcessor) Process(ctx context.Context, id int64) (gamify.Outcome, error) {
	if p.calls.Add(1) == 1 {
		return "", errors.New("transient")
	}
	return p.inner.Process(ctx, id)
}

func TestWorkerFailedJobStaysQueued(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.task(t, "t1", "hal")
	ev := f.event(t, "t1", "9 punches")

	w := gamify.NewWorker(f.store, &flakyProcessor{inner: f.processor}, testutil.TestLogger(), time.Hour, 10)
	assert.Zero(t, w.RunOnce(ctx))

	pending, err := f.store.PendingJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)

	got, err := f.store.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.False(t, got.Processed)

	// The job is backed off, so an immediate poll does not see it.
	assert.Zero(t, w.RunOnce(ctx))
}

func TestWorkerNotifyWakesLoop(t *testing.T) {
	f := newFixture(t)
	f.task(t, "t1", "ivy")

	w := gamify.NewWorker(f.store, f.processor, testutil.TestLogger(), time.Hour, 10)
	w.Start(context.Background())

	ev := f.event(t, "t1", "7 jumps")
	w.Notify()
	w.Notify() // coalesces, never blocks

	require.Eventually(t, func() bool {
		got, err := f.store.GetEvent(context.Background(), ev.ID)
		return err == nil && got.Processed
	}, 5*time.Second, 10*time.Millisecond)

	drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	w.Drain(drainCtx)
}

func TestWorkerDrainProcessesRemaining(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.task(t, "t1", "jay")

	w := gamify.NewWorker(f.store, f.processor, testutil.TestLogger(), time.Hour, 10)
	w.Start(ctx)
	ev := f.event(t, "t1", "2 sit-ups")

	drainCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	w.Drain(drainCtx)

	got, err := f.store.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.True(t, got.Processed, "the final drain poll picks up queued work")
}

func TestWorkerRunOnceConcurrentWithLoop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.task(t, "t1", "jo")
	for range 20 {
		f.event(t, "t1", "3 kicks")
	}

	w := gamify.NewWorker(f.store, f.processor, testutil.TestLogger(), time.Millisecond, 2)
	w.Start(ctx)

	var done atomic.Int64
	var g errgroup.Group
	for range 4 {
		g.Go(func() error {
			for range 5 {
				done.Add(int64(w.RunOnce(ctx)))
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	drainCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	w.Drain(drainCtx)

	pending, err := f.store.PendingJobs(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)

	stats, err := f.store.GetGameStats(ctx, "jo")
	require.NoError(t, err)
	assert.Equal(t, int64(60), stats.ExerciseCount, "each event scored exactly once")
}

func TestWorkerDetachedFromCancelledParentRunsUntilDrain(t *testing.T) {
	f := newFixture(t)
	f.task(t, "t1", "kim")

	parent, cancelParent := context.WithCancel(context.Background())
	w := gamify.NewWorker(f.store, f.processor, testutil.TestLogger(), time.Hour, 10)
	w.Start(context.WithoutCancel(parent))
	cancelParent()

	// Callbacks still arriving during HTTP shutdown are picked up.
	ev := f.event(t, "t1", "4 squats")
	w.Notify()
	require.Eventually(t, func() bool {
		got, err := f.store.GetEvent(context.Background(), ev.ID)
		return err == nil && got.Processed
	}, 5*time.Second, 10*time.Millisecond)

	drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	w.Drain(drainCtx)
}
