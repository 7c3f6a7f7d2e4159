package engine

import (
	"context"
	"database/sql"
	"encoding/json"
)

// SpawnResult is spawn_task's return projection (spec.md §4.3).
type SpawnResult struct {
	TaskID  string
	RunID   string
	Attempt int
	Created bool
}

// SpawnTask enqueues a new task, or returns the existing live run for an
// already-used idempotency key (spec.md §4.3).
func (e *Engine) SpawnTask(ctx context.Context, queue, taskName string, params json.RawMessage, opts SpawnOptions) (SpawnResult, error) {
	if queue == "" {
		return SpawnResult{}, invalidf("queue name is required")
	}
	if taskName == "" {
		return SpawnResult{}, invalidf("task name is required")
	}
	if !json.Valid(params) {
		return SpawnResult{}, invalidf("params must be valid JSON")
	}

	var result SpawnResult
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		exists, err := queueExists(ctx, tx, queue)
		if err != nil {
			return err
		}
		if !exists {
			return &NotFoundError{Kind: "queue", ID: queue}
		}

		if opts.IdempotencyKey != "" {
			existing, found, err := findByIdempotencyKey(ctx, tx, queue, opts.IdempotencyKey)
			if err != nil {
				return err
			}
			if found {
				run, err := liveRunForTask(ctx, tx, queue, existing.TaskID)
				if err != nil {
					return err
				}
				result = SpawnResult{TaskID: existing.TaskID, RunID: run.RunID, Attempt: run.Attempt, Created: false}
				return nil
			}
		}

		taskID, err := newSortableID()
		if err != nil {
			return err
		}
		runID, err := newSortableID()
		if err != nil {
			return err
		}

		ts, err := now(ctx, tx)
		if err != nil {
			return err
		}

		maxAttempts := opts.MaxAttempts
		if maxAttempts == 0 {
			maxAttempts = DefaultMaxAttempts
		}

		var retryJSON, cancelJSON []byte
		if opts.RetryStrategy != nil {
			retryJSON, err = json.Marshal(opts.RetryStrategy)
			if err != nil {
				return err
			}
		}
		if opts.Cancellation != nil {
			cancelJSON, err = json.Marshal(opts.Cancellation)
			if err != nil {
				return err
			}
		}

		var idempotencyKey any
		if opts.IdempotencyKey != "" {
			idempotencyKey = opts.IdempotencyKey
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO absurd_tasks (
				queue_name, task_id, task_name, params, headers, retry_strategy,
				max_attempts, cancellation, idempotency_key, enqueue_at,
				state, attempts
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
			queue, taskID, taskName, string(params), nullableJSON(opts.Headers), nullableBytes(retryJSON),
			maxAttempts, nullableBytes(cancelJSON), idempotencyKey, ts,
			string(TaskPending),
		)
		if err != nil {
			return err
		}

		availableAt := ts
		if opts.InitialDelaySec > 0 {
			availableAt = ts + int64(opts.InitialDelaySec*1000)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO absurd_runs (
				queue_name, run_id, task_id, attempt, state, available_at, created_at
			) VALUES (?, ?, ?, 1, ?, ?, ?)`,
			queue, runID, taskID, string(RunPending), availableAt, ts,
		)
		if err != nil {
			return err
		}

		if err := recordTransition(ctx, tx, queue, taskID, "", string(TaskPending), "spawned", ts); err != nil {
			return err
		}

		result = SpawnResult{TaskID: taskID, RunID: runID, Attempt: 1, Created: true}
		return nil
	})
	return result, err
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

type taskIdentity struct {
	TaskID string
}

func findByIdempotencyKey(ctx context.Context, tx *sql.Tx, queue, key string) (taskIdentity, bool, error) {
	var taskID string
	err := tx.QueryRowContext(ctx,
		`SELECT task_id FROM absurd_tasks WHERE queue_name = ? AND idempotency_key = ?`,
		queue, key,
	).Scan(&taskID)
	if err == sql.ErrNoRows {
		return taskIdentity{}, false, nil
	}
	if err != nil {
		return taskIdentity{}, false, err
	}
	return taskIdentity{TaskID: taskID}, true, nil
}

// liveRunForTask returns the single non-terminal run for a task
// (spec.md §3 invariant 1).
func liveRunForTask(ctx context.Context, tx *sql.Tx, queue, taskID string) (Run, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT run_id, attempt, state
		FROM absurd_runs
		WHERE queue_name = ? AND task_id = ?
		  AND state NOT IN ('completed', 'failed', 'cancelled')
		ORDER BY created_at DESC
		LIMIT 1`,
		queue, taskID,
	)
	var run Run
	var state string
	if err := row.Scan(&run.RunID, &run.Attempt, &state); err != nil {
		if err == sql.ErrNoRows {
			// Every run for this task is terminal; fall back to the most
			// recent one so callers of an idempotent re-spawn still get a
			// stable identifier to report.
			row = tx.QueryRowContext(ctx, `
				SELECT run_id, attempt, state
				FROM absurd_runs
				WHERE queue_name = ? AND task_id = ?
				ORDER BY created_at DESC
				LIMIT 1`,
				queue, taskID,
			)
			if err := row.Scan(&run.RunID, &run.Attempt, &state); err != nil {
				return Run{}, err
			}
			run.State = RunState(state)
			return run, nil
		}
		return Run{}, err
	}
	run.State = RunState(state)
	return run, nil
}

func recordTransition(ctx context.Context, tx *sql.Tx, queue, taskID, from, to, reason string, ts int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO absurd_task_transitions (queue_name, task_id, from_state, to_state, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		queue, taskID, from, to, reason, ts,
	)
	return err
}
