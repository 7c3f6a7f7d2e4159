package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestScenario_S1_SpawnClaimComplete covers spec.md §8 S1.
func TestScenario_S1_SpawnClaimComplete(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.CreateQueue(ctx, "q"))

	spawned, err := e.SpawnTask(ctx, "q", "hello", []byte(`{"n":1}`), SpawnOptions{})
	require.NoError(t, err)
	require.True(t, spawned.Created)
	require.Equal(t, 1, spawned.Attempt)

	claimed, err := e.ClaimTask(ctx, "q", "w1", 60, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, spawned.TaskID, claimed[0].TaskID)

	require.NoError(t, e.CompleteRun(ctx, "q", claimed[0].RunID, []byte(`{"ok":true}`)))

	task, err := e.GetTask(ctx, "q", spawned.TaskID)
	require.NoError(t, err)
	require.Equal(t, TaskCompleted, task.State)
	require.JSONEq(t, `{"ok":true}`, string(task.CompletedPayload))
}

// TestScenario_S2_CheckpointSurvivesRetry covers spec.md §8 S2.
func TestScenario_S2_CheckpointSurvivesRetry(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.CreateQueue(ctx, "q"))

	spawned, err := e.SpawnTask(ctx, "q", "job", []byte(`{}`), SpawnOptions{MaxAttempts: 2})
	require.NoError(t, err)

	claimed, err := e.ClaimTask(ctx, "q", "w1", 60, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, e.SetTaskCheckpointState(ctx, "q", spawned.TaskID, "step1", []byte(`7`), claimed[0].RunID, 0))
	require.NoError(t, e.FailRun(ctx, "q", claimed[0].RunID, []byte(`"boom"`), nil))

	retried, err := e.ClaimTask(ctx, "q", "w1", 60, 1)
	require.NoError(t, err)
	require.Len(t, retried, 1)
	require.Equal(t, 2, retried[0].Attempt)

	states, err := e.GetTaskCheckpointStates(ctx, "q", spawned.TaskID)
	require.NoError(t, err)
	require.Len(t, states, 1)
	require.Equal(t, "step1", states[0].CheckpointName)
	require.JSONEq(t, "7", string(states[0].State))
}

// TestScenario_S3_EventBeforeAwait covers spec.md §8 S3.
func TestScenario_S3_EventBeforeAwait(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.CreateQueue(ctx, "q"))

	require.NoError(t, e.EmitEvent(ctx, "q", "ready", []byte(`{"v":42}`)))

	spawned, err := e.SpawnTask(ctx, "q", "job", []byte(`{}`), SpawnOptions{})
	require.NoError(t, err)

	res, err := e.AwaitEvent(ctx, "q", spawned.TaskID, spawned.RunID, "wait1", "ready", nil)
	require.NoError(t, err)
	require.False(t, res.ShouldSuspend)
	require.JSONEq(t, `{"v":42}`, string(res.Payload))

	n, err := e.CleanupEvents(ctx, "q", 0, 1000)
	require.NoError(t, err)
	require.Equal(t, 0, n, "the event was already consumed, not merely expired")
}

// TestScenario_S4_BroadcastEmitToThreeWaiters covers spec.md §8 S4.
func TestScenario_S4_BroadcastEmitToThreeWaiters(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.CreateQueue(ctx, "q"))

	var taskIDs, runIDs []string
	for i := 0; i < 3; i++ {
		spawned, err := e.SpawnTask(ctx, "q", "job", []byte(`{}`), SpawnOptions{})
		require.NoError(t, err)
		taskIDs = append(taskIDs, spawned.TaskID)
		runIDs = append(runIDs, spawned.RunID)

		res, err := e.AwaitEvent(ctx, "q", spawned.TaskID, spawned.RunID, "w", "go", nil)
		require.NoError(t, err)
		require.True(t, res.ShouldSuspend)
	}

	require.NoError(t, e.EmitEvent(ctx, "q", "go", []byte(`{"x":1}`)))

	for i := range taskIDs {
		task, err := e.GetTask(ctx, "q", taskIDs[i])
		require.NoError(t, err)
		require.Equal(t, TaskPending, task.State)
	}

	claimed, err := e.ClaimTask(ctx, "q", "w1", 60, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 3)
	for _, c := range claimed {
		require.Equal(t, "go", c.WakeEvent)
		require.JSONEq(t, `{"x":1}`, string(c.EventPayload))
	}
}

// TestScenario_S5_Timeout covers spec.md §8 S5.
func TestScenario_S5_Timeout(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.CreateQueue(ctx, "q"))
	setFakeNow(t, e, 1000)

	spawned, err := e.SpawnTask(ctx, "q", "job", []byte(`{}`), SpawnOptions{})
	require.NoError(t, err)

	timeout := 10.0
	res, err := e.AwaitEvent(ctx, "q", spawned.TaskID, spawned.RunID, "w", "never", &timeout)
	require.NoError(t, err)
	require.True(t, res.ShouldSuspend)

	setFakeNow(t, e, 12000)
	claimed, err := e.ClaimTask(ctx, "q", "w1", 60, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, "never", claimed[0].WakeEvent)
	require.Nil(t, claimed[0].EventPayload)
}

// TestScenario_S6_LeaseTheft covers spec.md §8 S6.
func TestScenario_S6_LeaseTheft(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.CreateQueue(ctx, "q"))
	setFakeNow(t, e, 0)

	spawned, err := e.SpawnTask(ctx, "q", "job", []byte(`{}`), SpawnOptions{})
	require.NoError(t, err)

	claimed1, err := e.ClaimTask(ctx, "q", "w1", 60, 1)
	require.NoError(t, err)
	require.Len(t, claimed1, 1)
	require.Equal(t, 1, claimed1[0].Attempt)

	setFakeNow(t, e, 61_000)
	claimed2, err := e.ClaimTask(ctx, "q", "w2", 60, 1)
	require.NoError(t, err)
	require.Len(t, claimed2, 1)
	require.Equal(t, 2, claimed2[0].Attempt)

	task, err := e.GetTask(ctx, "q", spawned.TaskID)
	require.NoError(t, err)
	require.Equal(t, 2, task.Attempts)
}

// TestScenario_S7_CancellationFencesWrites covers spec.md §8 S7.
func TestScenario_S7_CancellationFencesWrites(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.CreateQueue(ctx, "q"))

	spawned, err := e.SpawnTask(ctx, "q", "job", []byte(`{}`), SpawnOptions{})
	require.NoError(t, err)

	claimed, err := e.ClaimTask(ctx, "q", "w1", 60, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, e.CancelTask(ctx, "q", spawned.TaskID))

	err = e.SetTaskCheckpointState(ctx, "q", spawned.TaskID, "s", []byte(`1`), claimed[0].RunID, 0)
	require.Error(t, err)
	var ce *CancelledError
	require.ErrorAs(t, err, &ce)

	err = e.ExtendClaim(ctx, "q", claimed[0].RunID, 10)
	require.ErrorAs(t, err, &ce)

	_, err = e.AwaitEvent(ctx, "q", spawned.TaskID, claimed[0].RunID, "s", "e", nil)
	require.ErrorAs(t, err, &ce)

	task, err := e.GetTask(ctx, "q", spawned.TaskID)
	require.NoError(t, err)
	require.Equal(t, TaskCancelled, task.State)
	require.NotNil(t, task.CancelledAt)
}

// TestScenario_S8_ExponentialBackoffHonorsMax covers spec.md §8 S8.
func TestScenario_S8_ExponentialBackoffHonorsMax(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.CreateQueue(ctx, "q"))
	setFakeNow(t, e, 0)

	opts := SpawnOptions{
		MaxAttempts:   5,
		RetryStrategy: &RetryStrategy{Kind: RetryExponential, BaseSeconds: 10, Factor: 2, MaxSeconds: 30},
	}
	spawned, err := e.SpawnTask(ctx, "q", "job", []byte(`{}`), opts)
	require.NoError(t, err)

	expectedWakeAt := []int64{10_000, 30_000, 60_000, 90_000}
	now := int64(0)
	runID := spawned.RunID
	for _, wakeAt := range expectedWakeAt {
		setFakeNow(t, e, now)
		claimed, err := e.ClaimTask(ctx, "q", "w1", 60, 1)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		require.NoError(t, e.FailRun(ctx, "q", claimed[0].RunID, []byte(`"x"`), nil))

		var availableAt int64
		row := e.db.QueryRowContext(ctx,
			`SELECT available_at FROM absurd_runs WHERE queue_name = 'q' AND task_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`,
			spawned.TaskID,
		)
		require.NoError(t, row.Scan(&availableAt))
		require.Equal(t, wakeAt, availableAt)

		now = wakeAt
		runID = claimed[0].RunID
	}
	_ = runID

	task, err := e.GetTask(ctx, "q", spawned.TaskID)
	require.NoError(t, err)
	require.Equal(t, TaskSleeping, task.State)
}
