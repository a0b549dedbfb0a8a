package storage_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/kiai/internal/model"
	"github.com/ashita-ai/kiai/internal/storage"
	"github.com/ashita-ai/kiai/internal/testutil"
	"github.com/ashita-ai/kiai/migrations"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	ctx := context.Background()

	tc := testutil.MustStartPostgres()
	db, err := tc.NewTestDB(ctx, testutil.TestLogger())
	if err != nil {
		tc.Terminate()
		panic(err)
	}
	testDB = db

	code := m.Run()

	testDB.Close(ctx)
	tc.Terminate()
	os.Exit(code)
}

func newTask(t *testing.T, userID string) model.StreamTask {
	t.Helper()
	task := model.StreamTask{
		TaskID:       "task-" + uuid.NewString(),
		UserID:       userID,
		RTMPURL:      "rtmp://example.test/live/" + t.Name(),
		SystemPrompt: "You are a fitness coach.",
		UserPrompt:   "Count the reps.",
		StartedAt:    time.Now().UTC().Truncate(time.Microsecond),
	}
	require.NoError(t, testDB.CreateTask(context.Background(), task))
	return task
}

func intPtr(v int) *int { return &v }

func TestMigrationsAreIdempotent(t *testing.T) {
	require.NoError(t, testDB.RunMigrations(context.Background(), migrations.FS))
}

func TestCreateAndGetTask(t *testing.T) {
	ctx := context.Background()
	task := newTask(t, "alice")

	got, err := testDB.GetTask(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, task.TaskID, got.TaskID)
	assert.Equal(t, "alice", got.UserID)
	assert.Equal(t, model.TaskStatusActive, got.Status)
	assert.Nil(t, got.StoppedAt)
	assert.Empty(t, got.StopReason)
	assert.Nil(t, got.LastCallbackTime)
}

func TestCreateTaskDuplicate(t *testing.T) {
	task := newTask(t, "")
	err := testDB.CreateTask(context.Background(), task)
	require.ErrorIs(t, err, model.ErrDuplicateTask)
}

func TestGetTaskNotFound(t *testing.T) {
	_, err := testDB.GetTask(context.Background(), "missing-"+uuid.NewString())
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTransitionTaskOnce(t *testing.T) {
	ctx := context.Background()
	task := newTask(t, "")
	now := time.Now().UTC()

	ok, err := testDB.TransitionTask(ctx, task.TaskID, model.TaskStatusStopped, model.StopReasonRTMPStopped, now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = testDB.TransitionTask(ctx, task.TaskID, model.TaskStatusError, model.StopReasonAPIError, now.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, ok, "terminal tasks never transition again")

	got, err := testDB.GetTask(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusStopped, got.Status)
	assert.Equal(t, model.StopReasonRTMPStopped, got.StopReason)
	require.NotNil(t, got.StoppedAt)

	touched, err := testDB.TouchTask(ctx, task.TaskID, now.Add(2*time.Second))
	require.NoError(t, err)
	assert.False(t, touched)
}

func TestTransitionTaskRejectsActiveTarget(t *testing.T) {
	task := newTask(t, "")
	_, err := testDB.TransitionTask(context.Background(), task.TaskID, model.TaskStatusActive, model.StopReasonUnknown, time.Now())
	require.Error(t, err)
}

func TestTerminalGuardTrigger(t *testing.T) {
	ctx := context.Background()
	task := newTask(t, "")
	_, err := testDB.TransitionTask(ctx, task.TaskID, model.TaskStatusError, model.StopReasonAPIError, time.Now())
	require.NoError(t, err)

	_, err = testDB.Pool().Exec(ctx, `UPDATE stream_tasks SET status = 'active', stopped_at = NULL, stop_reason = NULL WHERE task_id = $1`, task.TaskID)
	require.Error(t, err, "the database refuses to revive a terminal task")
}

func TestConcurrentTransitionsExactlyOneWins(t *testing.T) {
	ctx := context.Background()
	task := newTask(t, "")

	var wins atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	for i := range 8 {
		to, reason := model.TaskStatusStopped, model.StopReasonManual
		if i%2 == 1 {
			to, reason = model.TaskStatusError, model.StopReasonAPIError
		}
		g.Go(func() error {
			ok, err := testDB.TransitionTask(gctx, task.TaskID, to, reason, time.Now())
			if ok {
				wins.Add(1)
			}
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), wins.Load())
}

func TestListActiveTasks(t *testing.T) {
	ctx := context.Background()
	a := newTask(t, "")
	b := newTask(t, "")
	_, err := testDB.TransitionTask(ctx, b.TaskID, model.TaskStatusStopped, model.StopReasonManual, time.Now())
	require.NoError(t, err)

	active, err := testDB.ListActiveTasks(ctx)
	require.NoError(t, err)
	ids := make(map[string]bool, len(active))
	for _, task := range active {
		assert.Equal(t, model.TaskStatusActive, task.Status)
		ids[task.TaskID] = true
	}
	assert.True(t, ids[a.TaskID])
	assert.False(t, ids[b.TaskID])
}

func TestAppendEventEnqueuesJob(t *testing.T) {
	ctx := context.Background()
	task := newTask(t, "")
	before, err := testDB.PendingJobs(ctx)
	require.NoError(t, err)

	ev, err := testDB.AppendEvent(ctx, model.StreamEvent{
		TaskID: task.TaskID, Text: "10 squats", Timestamp: "1700000000", Status: intPtr(0),
		ReceivedAt: time.Now().UTC(),
	}, true)
	require.NoError(t, err)
	assert.Positive(t, ev.ID)
	assert.False(t, ev.Processed)

	after, err := testDB.PendingJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, before+1, after)

	got, err := testDB.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, "10 squats", got.Text)
	assert.Equal(t, "1700000000", got.Timestamp)
	require.NotNil(t, got.Status)
	assert.Equal(t, 0, *got.Status)
}

func TestAppendEventWithoutStatus(t *testing.T) {
	ctx := context.Background()
	ev, err := testDB.AppendEvent(ctx, model.StreamEvent{TaskID: "", ReceivedAt: time.Now().UTC()}, false)
	require.NoError(t, err)

	got, err := testDB.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Status)
}

func TestEventsAreImmutable(t *testing.T) {
	ctx := context.Background()
	ev, err := testDB.AppendEvent(ctx, model.StreamEvent{TaskID: "x", Text: "hi", Status: intPtr(0), ReceivedAt: time.Now().UTC()}, false)
	require.NoError(t, err)

	_, err = testDB.Pool().Exec(ctx, `UPDATE stream_events SET text = 'edited' WHERE id = $1`, ev.ID)
	require.Error(t, err)
}

func TestListEventsByTaskNewestFirst(t *testing.T) {
	ctx := context.Background()
	task := newTask(t, "")
	base := time.Now().UTC()
	for i := range 5 {
		_, err := testDB.AppendEvent(ctx, model.StreamEvent{
			TaskID: task.TaskID, Text: string(rune('a' + i)), Status: intPtr(0),
			ReceivedAt: base.Add(time.Duration(i) * time.Second),
		}, false)
		require.NoError(t, err)
	}

	events, err := testDB.ListEventsByTask(ctx, task.TaskID, 3)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "e", events[0].Text)
	assert.Equal(t, "d", events[1].Text)
	assert.Equal(t, "c", events[2].Text)

	recent, err := testDB.ListRecentEvents(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
}

func TestRecordGamificationAppliesOnce(t *testing.T) {
	ctx := context.Background()
	user := "user-" + uuid.NewString()
	ev, err := testDB.AppendEvent(ctx, model.StreamEvent{TaskID: "t", Text: "10 squats", Status: intPtr(0), ReceivedAt: time.Now().UTC()}, true)
	require.NoError(t, err)

	effect := &model.ExerciseEffect{
		UserID: user, Reps: 10, HPDelta: 20,
		Message: model.CoachMessage{Message: "Great work!", Type: model.MessageMotivational},
	}
	applied, err := testDB.RecordGamification(ctx, ev.ID, effect, time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = testDB.RecordGamification(ctx, ev.ID, effect, time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, applied)

	stats, err := testDB.GetGameStats(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, model.MaxHP, stats.HP)
	assert.Equal(t, int64(10), stats.ExerciseCount)
	assert.NotNil(t, stats.LastActivity)

	msgs, err := testDB.ListCoachMessages(ctx, user, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, ev.ID, msgs[0].EventID)

	got, err := testDB.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.True(t, got.Processed)
}

func TestRecordGamificationNilEffect(t *testing.T) {
	ctx := context.Background()
	ev, err := testDB.AppendEvent(ctx, model.StreamEvent{TaskID: "t", Text: "hello", Status: intPtr(0), ReceivedAt: time.Now().UTC()}, true)
	require.NoError(t, err)

	applied, err := testDB.RecordGamification(ctx, ev.ID, nil, time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, applied)

	got, err := testDB.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.True(t, got.Processed)
}

func TestRecordGamificationMissingEvent(t *testing.T) {
	_, err := testDB.RecordGamification(context.Background(), -1, nil, time.Now())
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestConcurrentGamificationSameUser(t *testing.T) {
	ctx := context.Background()
	user := "race-" + uuid.NewString()

	var ids []int64
	for range 2 {
		ev, err := testDB.AppendEvent(ctx, model.StreamEvent{TaskID: "t", Text: "5 reps", Status: intPtr(0), ReceivedAt: time.Now().UTC()}, false)
		require.NoError(t, err)
		ids = append(ids, ev.ID)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			_, err := testDB.RecordGamification(gctx, id, &model.ExerciseEffect{UserID: user, Reps: 5, HPDelta: 10}, time.Now().UTC())
			return err
		})
	}
	require.NoError(t, g.Wait())

	stats, err := testDB.GetGameStats(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, int64(10), stats.ExerciseCount, "no lost update")
	assert.Equal(t, model.MaxHP, stats.HP)
}

func TestGetGameStatsNotFound(t *testing.T) {
	_, err := testDB.GetGameStats(context.Background(), "nobody-"+uuid.NewString())
	require.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestJobLifecycle(t *testing.T) {
	ctx := context.Background()
	ev, err := testDB.AppendEvent(ctx, model.StreamEvent{TaskID: "t", Text: "jump", Status: intPtr(0), ReceivedAt: time.Now().UTC()}, true)
	require.NoError(t, err)

	jobs, err := testDB.ClaimJobs(ctx, 1000, time.Minute)
	require.NoError(t, err)
	var mine *storage.Job
	for i := range jobs {
		if jobs[i].EventID == ev.ID {
			mine = &jobs[i]
		}
	}
	require.NotNil(t, mine, "job for the new event is claimable")

	again, err := testDB.ClaimJobs(ctx, 1000, time.Minute)
	require.NoError(t, err)
	for _, j := range again {
		assert.NotEqual(t, mine.ID, j.ID, "leased jobs are not re-claimed")
	}

	require.NoError(t, testDB.FailJobs(ctx, []int64{mine.ID}, "boom"))
	var attempts int
	require.NoError(t, testDB.Pool().QueryRow(ctx, `SELECT attempts FROM gamification_jobs WHERE id = $1`, mine.ID).Scan(&attempts))
	assert.Equal(t, 1, attempts)

	require.NoError(t, testDB.CompleteJobs(ctx, []int64{mine.ID}))
	var n int
	require.NoError(t, testDB.Pool().QueryRow(ctx, `SELECT count(*) FROM gamification_jobs WHERE id = $1`, mine.ID).Scan(&n))
	assert.Zero(t, n)
}

func TestCleanupDeadJobs(t *testing.T) {
	ctx := context.Background()
	ev, err := testDB.AppendEvent(ctx, model.StreamEvent{TaskID: "t", Text: "kick", Status: intPtr(0), ReceivedAt: time.Now().UTC()}, true)
	require.NoError(t, err)
	_, err = testDB.Pool().Exec(ctx,
		`UPDATE gamification_jobs SET attempts = $1, created_at = now() - interval '8 days' WHERE event_id = $2`,
		storage.MaxJobAttempts, ev.ID)
	require.NoError(t, err)

	n, err := testDB.CleanupDeadJobs(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))
}

func TestNotifyRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.True(t, testDB.HasNotifyConn())
	require.NoError(t, testDB.Listen(ctx, storage.ChannelCoach))
	require.NoError(t, testDB.Notify(ctx, storage.ChannelCoach, `{"ping":true}`))

	channel, payload, err := testDB.WaitForNotification(ctx)
	require.NoError(t, err)
	assert.Equal(t, storage.ChannelCoach, channel)
	assert.JSONEq(t, `{"ping":true}`, payload)
}

func TestAppendEventOversizedTextStillNotifies(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, testDB.Listen(ctx, storage.ChannelEvents))

	taskID := "notify-" + uuid.NewString()
	ev, err := testDB.AppendEvent(ctx, model.StreamEvent{
		TaskID: taskID, Text: strings.Repeat("long observation ", 1000), ReceivedAt: time.Now().UTC(),
	}, false)
	require.NoError(t, err, "a payload over the pg_notify limit must not fail the ledger write")

	for {
		channel, payload, err := testDB.WaitForNotification(ctx)
		require.NoError(t, err)
		if channel != storage.ChannelEvents || !strings.Contains(payload, taskID) {
			continue
		}
		assert.Contains(t, payload, `"truncated":true`)
		assert.Contains(t, payload, fmt.Sprintf(`"id":%d`, ev.ID))
		return
	}
}
