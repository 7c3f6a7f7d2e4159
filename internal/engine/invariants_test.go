package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSpawn_IdempotencyKeyReturnsSameIdentifiers(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.CreateQueue(ctx, "q"))

	opts := SpawnOptions{IdempotencyKey: "order-123"}
	first, err := e.SpawnTask(ctx, "q", "job", []byte(`{}`), opts)
	require.NoError(t, err)
	require.True(t, first.Created)

	second, err := e.SpawnTask(ctx, "q", "job", []byte(`{"ignored":true}`), opts)
	require.NoError(t, err)
	require.False(t, second.Created)
	require.Equal(t, first.TaskID, second.TaskID)
	require.Equal(t, first.RunID, second.RunID)
}

func TestSpawn_UnknownQueueRejected(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.SpawnTask(context.Background(), "ghost", "job", []byte(`{}`), SpawnOptions{})
	require.Error(t, err)
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestCancel_IsIdempotentAndPreservesFirstTimestamp(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.CreateQueue(ctx, "q"))
	setFakeNow(t, e, 1000)

	spawned, err := e.SpawnTask(ctx, "q", "job", []byte(`{}`), SpawnOptions{})
	require.NoError(t, err)

	require.NoError(t, e.CancelTask(ctx, "q", spawned.TaskID))
	task, err := e.GetTask(ctx, "q", spawned.TaskID)
	require.NoError(t, err)
	require.NotNil(t, task.CancelledAt)
	firstStamp := *task.CancelledAt

	setFakeNow(t, e, 99999)
	require.NoError(t, e.CancelTask(ctx, "q", spawned.TaskID), "cancel on an already-terminal task is a no-op")

	task, err = e.GetTask(ctx, "q", spawned.TaskID)
	require.NoError(t, err)
	require.Equal(t, firstStamp, *task.CancelledAt)
}

func TestCancel_UnknownTaskNotFound(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.CreateQueue(ctx, "q"))

	err := e.CancelTask(ctx, "q", "ghost-task")
	require.Error(t, err)
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestCheckpoint_ConflictFromNonLiveRun(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.CreateQueue(ctx, "q"))

	spawned, err := e.SpawnTask(ctx, "q", "job", []byte(`{}`), SpawnOptions{MaxAttempts: 3})
	require.NoError(t, err)

	claimed1, err := e.ClaimTask(ctx, "q", "w1", 60, 1)
	require.NoError(t, err)
	staleRunID := claimed1[0].RunID

	require.NoError(t, e.SetTaskCheckpointState(ctx, "q", spawned.TaskID, "step", []byte(`1`), staleRunID, 0))

	// Failing the first run schedules a retry as a new run; reclaiming an
	// expired lease would keep the same run id.
	require.NoError(t, e.FailRun(ctx, "q", staleRunID, []byte(`"boom"`), nil))
	claimed2, err := e.ClaimTask(ctx, "q", "w2", 60, 1)
	require.NoError(t, err)
	liveRunID := claimed2[0].RunID
	require.NotEqual(t, staleRunID, liveRunID)

	// The live run may overwrite a checkpoint owned by a prior (now
	// non-live) run.
	require.NoError(t, e.SetTaskCheckpointState(ctx, "q", spawned.TaskID, "step", []byte(`2`), liveRunID, 0))

	// A write claiming to be from the stale run, after the live run has
	// taken ownership, is fenced.
	err = e.SetTaskCheckpointState(ctx, "q", spawned.TaskID, "step", []byte(`3`), staleRunID, 0)
	require.Error(t, err)
	var conflict *CheckpointConflictError
	require.ErrorAs(t, err, &conflict)
}

func TestCheckpoint_ExtendClaimOnWrite(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.CreateQueue(ctx, "q"))
	setFakeNow(t, e, 0)

	spawned, err := e.SpawnTask(ctx, "q", "job", []byte(`{}`), SpawnOptions{})
	require.NoError(t, err)
	claimed, err := e.ClaimTask(ctx, "q", "w1", 10, 1)
	require.NoError(t, err)

	require.NoError(t, e.SetTaskCheckpointState(ctx, "q", spawned.TaskID, "step", []byte(`1`), claimed[0].RunID, 120))

	var claimExpiresAt int64
	row := e.db.QueryRowContext(ctx, `SELECT claim_expires_at FROM absurd_runs WHERE queue_name = 'q' AND run_id = ?`, claimed[0].RunID)
	require.NoError(t, row.Scan(&claimExpiresAt))
	require.Equal(t, int64(120_000), claimExpiresAt)
}

func TestAwaitEvent_ImmediateTimeoutWritesNullCheckpoint(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.CreateQueue(ctx, "q"))

	spawned, err := e.SpawnTask(ctx, "q", "job", []byte(`{}`), SpawnOptions{})
	require.NoError(t, err)

	zero := 0.0
	res, err := e.AwaitEvent(ctx, "q", spawned.TaskID, spawned.RunID, "w", "never", &zero)
	require.NoError(t, err)
	require.False(t, res.ShouldSuspend)
	require.Nil(t, res.Payload)

	var count int
	row := e.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM absurd_waits WHERE queue_name = 'q' AND task_id = ?`, spawned.TaskID)
	require.NoError(t, row.Scan(&count))
	require.Equal(t, 0, count)
}

func TestCleanup_TasksRespectsTTLAndLimit(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.CreateQueue(ctx, "q"))
	setFakeNow(t, e, 0)

	for i := 0; i < 3; i++ {
		spawned, err := e.SpawnTask(ctx, "q", "job", []byte(`{}`), SpawnOptions{})
		require.NoError(t, err)
		claimed, err := e.ClaimTask(ctx, "q", "w1", 60, 1)
		require.NoError(t, err)
		require.NoError(t, e.CompleteRun(ctx, "q", claimed[0].RunID, []byte(`{}`)))
		_ = spawned
	}

	setFakeNow(t, e, 10_000)
	n, err := e.CleanupTasks(ctx, "q", 100, 1000)
	require.NoError(t, err)
	require.Equal(t, 0, n, "tasks are not yet older than their TTL")

	setFakeNow(t, e, 1_000_000)
	n, err = e.CleanupTasks(ctx, "q", 10, 2)
	require.NoError(t, err)
	require.Equal(t, 2, n, "limit bounds the sweep")

	n, err = e.CleanupTasks(ctx, "q", 10, 2)
	require.NoError(t, err)
	require.Equal(t, 1, n, "remaining terminal task cleaned on the next sweep")
}

func TestClaim_CancelsTaskThatExceededMaxDelayBeforeEverStarting(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.CreateQueue(ctx, "q"))
	setFakeNow(t, e, 0)

	spawned, err := e.SpawnTask(ctx, "q", "job", []byte(`{}`), SpawnOptions{
		Cancellation: &CancellationPolicy{MaxDelaySeconds: 5},
	})
	require.NoError(t, err)

	setFakeNow(t, e, 5_000)
	claimed, err := e.ClaimTask(ctx, "q", "w1", 60, 1)
	require.NoError(t, err)
	require.Empty(t, claimed, "a task that never started within max_delay_s is cancelled, not claimed")

	task, err := e.GetTask(ctx, "q", spawned.TaskID)
	require.NoError(t, err)
	require.Equal(t, TaskCancelled, task.State)
	require.NotNil(t, task.CancelledAt)
}

func TestClaim_CancelsTaskThatExceededMaxDurationWithoutAnyFailure(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.CreateQueue(ctx, "q"))
	setFakeNow(t, e, 0)

	// initial_delay pushes the run's available_at past max_duration_s
	// with no intervening fail_run to apply the policy, so claim_task
	// itself must catch it.
	spawned, err := e.SpawnTask(ctx, "q", "job", []byte(`{}`), SpawnOptions{
		InitialDelaySec: 20,
		Cancellation:    &CancellationPolicy{MaxDurationSeconds: 10},
	})
	require.NoError(t, err)

	setFakeNow(t, e, 20_000)
	claimed, err := e.ClaimTask(ctx, "q", "w1", 60, 1)
	require.NoError(t, err)
	require.Empty(t, claimed, "a task past max_duration_s is cancelled instead of started")

	task, err := e.GetTask(ctx, "q", spawned.TaskID)
	require.NoError(t, err)
	require.Equal(t, TaskCancelled, task.State)
}

func TestClaim_WithinCancellationBoundsStillClaims(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.CreateQueue(ctx, "q"))
	setFakeNow(t, e, 0)

	spawned, err := e.SpawnTask(ctx, "q", "job", []byte(`{}`), SpawnOptions{
		Cancellation: &CancellationPolicy{MaxDelaySeconds: 50, MaxDurationSeconds: 100},
	})
	require.NoError(t, err)

	setFakeNow(t, e, 5_000)
	claimed, err := e.ClaimTask(ctx, "q", "w1", 60, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, spawned.TaskID, claimed[0].TaskID)
}
