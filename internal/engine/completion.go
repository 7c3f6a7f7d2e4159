package engine

import (
	"context"
	"database/sql"
	"encoding/json"
)

// CompleteRun terminates a run successfully (spec.md §4.7).
func (e *Engine) CompleteRun(ctx context.Context, queue, runID string, resultJSON json.RawMessage) error {
	if queue == "" || runID == "" {
		return invalidf("queue and run_id are required")
	}
	return e.withTx(ctx, func(tx *sql.Tx) error {
		taskID, err := taskIDForRun(ctx, tx, queue, runID)
		if err != nil {
			return err
		}
		task, err := loadTaskForUpdate(ctx, tx, queue, taskID)
		if err != nil {
			return err
		}
		if taskIsTerminal(task.State) {
			return &CancelledError{TaskID: taskID}
		}

		ts, err := now(ctx, tx)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE absurd_runs
			SET state = ?, completed_at = ?, result = ?, claimed_by = NULL
			WHERE queue_name = ? AND run_id = ?`,
			string(RunCompleted), ts, nullableBytes(resultJSON), queue, runID,
		)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE absurd_tasks SET state = ?, completed_payload = ? WHERE queue_name = ? AND task_id = ?`,
			string(TaskCompleted), nullableBytes(resultJSON), queue, taskID,
		)
		if err != nil {
			return err
		}
		return recordTransition(ctx, tx, queue, taskID, string(task.State), string(TaskCompleted), "completed", ts)
	})
}

// FailRun terminates a run unsuccessfully, scheduling a retry or
// finalizing the task as failed/cancelled (spec.md §4.7, §4.10).
func (e *Engine) FailRun(ctx context.Context, queue, runID string, reasonJSON json.RawMessage, retryAfterSeconds *float64) error {
	if queue == "" || runID == "" {
		return invalidf("queue and run_id are required")
	}
	return e.withTx(ctx, func(tx *sql.Tx) error {
		taskID, err := taskIDForRun(ctx, tx, queue, runID)
		if err != nil {
			return err
		}
		task, err := loadTaskForUpdate(ctx, tx, queue, taskID)
		if err != nil {
			return err
		}

		ts, err := now(ctx, tx)
		if err != nil {
			return err
		}

		if task.State == TaskCancelled {
			_, err = tx.ExecContext(ctx,
				`UPDATE absurd_runs SET state = ?, failed_at = ?, failure_reason = ?, claimed_by = NULL WHERE queue_name = ? AND run_id = ?`,
				string(RunCancelled), ts, nullableBytes(reasonJSON), queue, runID,
			)
			return err
		}
		if taskIsTerminal(task.State) {
			return &CancelledError{TaskID: taskID}
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE absurd_runs
			SET state = ?, failed_at = ?, failure_reason = ?, claimed_by = NULL
			WHERE queue_name = ? AND run_id = ?`,
			string(RunFailed), ts, nullableBytes(reasonJSON), queue, runID,
		)
		if err != nil {
			return err
		}

		if task.MaxAttempts > 0 && task.Attempts >= task.MaxAttempts {
			_, err = tx.ExecContext(ctx,
				`UPDATE absurd_tasks SET state = ? WHERE queue_name = ? AND task_id = ?`,
				string(TaskFailed), queue, taskID,
			)
			if err != nil {
				return err
			}
			return recordTransition(ctx, tx, queue, taskID, string(task.State), string(TaskFailed), "max_attempts_exhausted", ts)
		}

		var delaySeconds float64
		if retryAfterSeconds != nil {
			delaySeconds = *retryAfterSeconds
		} else {
			delaySeconds = nextDelaySeconds(task.RetryStrategy, task.Attempts)
		}

		if task.Cancellation != nil && task.Cancellation.MaxDurationSeconds > 0 {
			if ts+int64(delaySeconds*1000)-task.EnqueueAt >= int64(task.Cancellation.MaxDurationSeconds*1000) {
				return cancelTaskTx(ctx, tx, queue, taskID, ts)
			}
		}

		runID2, err := newSortableID()
		if err != nil {
			return err
		}
		availableAt := ts + int64(delaySeconds*1000)
		nextState := TaskPending
		runState := RunPending
		if delaySeconds > 0 {
			nextState = TaskSleeping
			runState = RunSleeping
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO absurd_runs (queue_name, run_id, task_id, attempt, state, available_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			queue, runID2, taskID, task.Attempts+1, string(runState), availableAt, ts,
		)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE absurd_tasks SET state = ? WHERE queue_name = ? AND task_id = ?`,
			string(nextState), queue, taskID,
		)
		if err != nil {
			return err
		}
		return recordTransition(ctx, tx, queue, taskID, string(task.State), string(nextState), "retry_scheduled", ts)
	})
}

// ScheduleRun puts a run to sleep until wakeAtMillis without consuming
// an attempt (spec.md §4.7).
func (e *Engine) ScheduleRun(ctx context.Context, queue, runID string, wakeAtMillis int64) error {
	if queue == "" || runID == "" {
		return invalidf("queue and run_id are required")
	}
	return e.withTx(ctx, func(tx *sql.Tx) error {
		taskID, err := taskIDForRun(ctx, tx, queue, runID)
		if err != nil {
			return err
		}
		task, err := loadTaskForUpdate(ctx, tx, queue, taskID)
		if err != nil {
			return err
		}
		if taskIsTerminal(task.State) {
			return &CancelledError{TaskID: taskID}
		}

		ts, err := now(ctx, tx)
		if err != nil {
			return err
		}

		if task.Cancellation != nil && task.Cancellation.MaxDurationSeconds > 0 {
			if wakeAtMillis-task.EnqueueAt >= int64(task.Cancellation.MaxDurationSeconds*1000) {
				return cancelTaskTx(ctx, tx, queue, taskID, ts)
			}
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE absurd_runs SET state = ?, available_at = ?, claimed_by = NULL, claim_expires_at = NULL
			WHERE queue_name = ? AND run_id = ?`,
			string(RunSleeping), wakeAtMillis, queue, runID,
		)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE absurd_tasks SET state = ? WHERE queue_name = ? AND task_id = ?`,
			string(TaskSleeping), queue, taskID,
		)
		if err != nil {
			return err
		}
		return recordTransition(ctx, tx, queue, taskID, string(task.State), string(TaskSleeping), "scheduled", ts)
	})
}
