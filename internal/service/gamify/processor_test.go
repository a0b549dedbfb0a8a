package gamify_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/kiai/internal/model"
	"github.com/ashita-ai/kiai/internal/service/gamify"
	"github.com/ashita-ai/kiai/internal/service/registry"
	"github.com/ashita-ai/kiai/internal/storage"
	"github.com/ashita-ai/kiai/internal/testutil"
)

const defaultUser = "default"

type fixture struct {
	store     storage.Store
	registry  *registry.Registry
	processor *gamify.Processor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := testutil.NewSQLiteStore(t)
	reg := registry.New(st, testutil.TestLogger())
	return &fixture{
		store:     st,
		registry:  reg,
		processor: gamify.NewProcessor(st, reg, defaultUser, testutil.TestLogger()),
	}
}

func (f *fixture) task(t *testing.T, id, user string) {
	t.Helper()
	_, err := f.registry.Create(context.Background(), registry.CreateInput{TaskID: id, UserID: user, RTMPURL: "rtmp://x"})
	require.NoError(t, err)
}

func (f *fixture) event(t *testing.T, taskID, text string) model.StreamEvent {
	t.Helper()
	status := 0
	ev, err := f.store.AppendEvent(context.Background(), model.StreamEvent{
		TaskID: taskID, Text: text, Status: &status, ReceivedAt: time.Now().UTC(),
	}, true)
	require.NoError(t, err)
	return ev
}

func TestProcessScoresExercise(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.task(t, "t1", "alice")
	ev := f.event(t, "t1", "20 pushups done")

	outcome, err := f.processor.Process(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, gamify.OutcomeScored, outcome)

	stats, err := f.store.GetGameStats(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(20), stats.ExerciseCount)
	assert.Equal(t, model.MaxHP, stats.HP)
	require.NotNil(t, stats.LastActivity)

	msgs, err := f.store.ListCoachMessages(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.MessageMotivational, msgs[0].Type)
	assert.Contains(t, msgs[0].Message, "20 more reps")

	got, err := f.store.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.True(t, got.Processed)
}

func TestProcessIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.task(t, "t1", "bob")
	ev := f.event(t, "t1", "5 squats")

	first, err := f.processor.Process(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, gamify.OutcomeScored, first)
	statsOnce, err := f.store.GetGameStats(ctx, "bob")
	require.NoError(t, err)

	second, err := f.processor.Process(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, gamify.OutcomeAlreadyProcessed, second)

	statsTwice, err := f.store.GetGameStats(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, statsOnce, statsTwice)
	msgs, err := f.store.ListCoachMessages(ctx, "bob", 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestProcessNoKeywordStillMarksProcessed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.task(t, "t1", "carol")
	ev := f.event(t, "t1", "a person waves at the camera")

	outcome, err := f.processor.Process(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, gamify.OutcomeNoMatch, outcome)

	got, err := f.store.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.True(t, got.Processed)

	_, err = f.store.GetGameStats(ctx, "carol")
	require.ErrorIs(t, err, storage.ErrNotFound, "stats are created lazily on first detection")
}

func TestProcessUnownedTaskIsEvaluatedNotScored(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ev := f.event(t, "ghost", "10 jumps")

	outcome, err := f.processor.Process(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, gamify.OutcomeUnowned, outcome)

	got, err := f.store.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.True(t, got.Processed)
	_, err = f.store.GetGameStats(ctx, defaultUser)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestProcessFallsBackToDefaultUser(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.task(t, "t1", "")
	ev := f.event(t, "t1", "kick")

	_, err := f.processor.Process(ctx, ev.ID)
	require.NoError(t, err)
	stats, err := f.store.GetGameStats(ctx, defaultUser)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.ExerciseCount)
}

func TestProcessMissingEvent(t *testing.T) {
	f := newFixture(t)
	outcome, err := f.processor.Process(context.Background(), 424242)
	require.NoError(t, err)
	assert.Equal(t, gamify.OutcomeSkipped, outcome)
}

func TestProcessScoresStoppedTask(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.task(t, "t1", "dave")
	ev := f.event(t, "t1", "3 reps")
	_, err := f.registry.Stop(ctx, "t1", model.StopReasonManual)
	require.NoError(t, err)

	outcome, err := f.processor.Process(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, gamify.OutcomeScored, outcome, "stopping a task does not cancel pending evaluation")
}

// failingStore fails the transactional write, as a storage outage would.
type failingStore struct {
	storage.Store
}

func (failingStore) RecordGamification(context.Context, int64, *model.ExerciseEffect, time.Time) (bool, error) {
	return false, errors.New("connection reset")
}

func TestProcessFailureLeavesEventUnprocessed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.task(t, "t1", "erin")
	ev := f.event(t, "t1", "8 squats")

	broken := gamify.NewProcessor(failingStore{f.store}, f.registry, defaultUser, testutil.TestLogger())
	_, err := broken.Process(ctx, ev.ID)
	require.Error(t, err)

	got, err := f.store.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.False(t, got.Processed, "a failed evaluation stays retryable")

	outcome, err := f.processor.Process(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, gamify.OutcomeScored, outcome)
	stats, err := f.store.GetGameStats(ctx, "erin")
	require.NoError(t, err)
	assert.Equal(t, int64(8), stats.ExerciseCount)
}

func TestHPClampedAt100(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.task(t, "t1", "fay")

	for _, text := range []string{"1 rep", "50 reps", "2 reps"} {
		ev := f.event(t, "t1", text)
		_, err := f.processor.Process(ctx, ev.ID)
		require.NoError(t, err)
	}
	stats, err := f.store.GetGameStats(ctx, "fay")
	require.NoError(t, err)
	assert.Equal(t, model.MaxHP, stats.HP)
	assert.Equal(t, int64(53), stats.ExerciseCount)
}

func TestConcurrentProcessingFirstSeenUser(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.task(t, "t1", "newcomer")
	a := f.event(t, "t1", "4 squats")
	b := f.event(t, "t1", "6 squats")

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range []int64{a.ID, b.ID, a.ID, b.ID} {
		g.Go(func() error {
			_, err := f.processor.Process(gctx, id)
			return err
		})
	}
	require.NoError(t, g.Wait())

	stats, err := f.store.GetGameStats(ctx, "newcomer")
	require.NoError(t, err)
	assert.Equal(t, int64(10), stats.ExerciseCount, "each event counted exactly once")
	msgs, err := f.store.ListCoachMessages(ctx, "newcomer", 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}
