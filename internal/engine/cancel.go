package engine

import (
	"context"
	"database/sql"
)

// CancelTask idempotently forces a task into the cancelled state and
// fences future writes against it (spec.md §4.8).
func (e *Engine) CancelTask(ctx context.Context, queue, taskID string) error {
	if queue == "" || taskID == "" {
		return invalidf("queue and task_id are required")
	}
	return e.withTx(ctx, func(tx *sql.Tx) error {
		task, err := loadTaskForUpdate(ctx, tx, queue, taskID)
		if err != nil {
			return err
		}
		if taskIsTerminal(task.State) {
			return nil
		}
		ts, err := now(ctx, tx)
		if err != nil {
			return err
		}
		return cancelTaskTx(ctx, tx, queue, taskID, ts)
	})
}

// cancelTaskTx is shared by CancelTask and the cancellation-policy
// checks in FailRun/ScheduleRun (spec.md §4.10).
func cancelTaskTx(ctx context.Context, tx *sql.Tx, queue, taskID string, ts int64) error {
	row := tx.QueryRowContext(ctx,
		`SELECT state, cancelled_at FROM absurd_tasks WHERE queue_name = ? AND task_id = ?`,
		queue, taskID,
	)
	var prevState string
	var cancelledAt sql.NullInt64
	if err := row.Scan(&prevState, &cancelledAt); err != nil {
		if err == sql.ErrNoRows {
			return &NotFoundError{Kind: "task", ID: taskID}
		}
		return err
	}

	// cancelled_at is set once and never overwritten (spec.md §4.8).
	stamp := ts
	if cancelledAt.Valid {
		stamp = cancelledAt.Int64
	}

	_, err := tx.ExecContext(ctx,
		`UPDATE absurd_tasks SET state = ?, cancelled_at = ? WHERE queue_name = ? AND task_id = ?`,
		string(TaskCancelled), stamp, queue, taskID,
	)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE absurd_runs SET state = ?, claimed_by = NULL
		WHERE queue_name = ? AND task_id = ? AND state NOT IN ('completed', 'failed', 'cancelled')`,
		string(RunCancelled), queue, taskID,
	)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `DELETE FROM absurd_waits WHERE queue_name = ? AND task_id = ?`, queue, taskID)
	if err != nil {
		return err
	}

	return recordTransition(ctx, tx, queue, taskID, prevState, string(TaskCancelled), "cancelled", ts)
}

// enforceCancellationOnClaim evaluates both halves of task.Cancellation
// against a task about to be claimed (spec.md §4.10):
//
//   - max_duration_s bounds total time since enqueue_at, regardless of
//     task state — the same check FailRun and ScheduleRun make before
//     starting or resuming an attempt.
//   - max_delay_s only applies while the task has never been claimed
//     ("if a task is still pending and now() - enqueue_at >=
//     max_delay_s*1000, cancel on next interaction"): giving up on a
//     task that never got picked up in time.
//
// It cancels and reports true if either bound is exceeded, so the
// caller skips the claim instead of starting a new attempt.
func enforceCancellationOnClaim(ctx context.Context, tx *sql.Tx, queue, taskID string, task Task, ts int64) (bool, error) {
	pol := task.Cancellation
	if pol == nil {
		return false, nil
	}

	age := ts - task.EnqueueAt
	if pol.MaxDurationSeconds > 0 && age >= int64(pol.MaxDurationSeconds*1000) {
		return true, cancelTaskTx(ctx, tx, queue, taskID, ts)
	}
	if task.State == TaskPending && pol.MaxDelaySeconds > 0 && age >= int64(pol.MaxDelaySeconds*1000) {
		return true, cancelTaskTx(ctx, tx, queue, taskID, ts)
	}
	return false, nil
}
