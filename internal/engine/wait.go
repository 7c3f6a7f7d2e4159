package engine

import (
	"context"
	"database/sql"
	"encoding/json"
)

// AwaitResult is await_event's return projection (spec.md §4.6).
type AwaitResult struct {
	ShouldSuspend bool            `json:"should_suspend"`
	Payload       json.RawMessage `json:"payload"`
}

// AwaitEvent registers or resolves a run's interest in a named event
// (spec.md §4.6).
func (e *Engine) AwaitEvent(ctx context.Context, queue, taskID, runID, stepName, eventName string, timeoutSeconds *float64) (AwaitResult, error) {
	if queue == "" || taskID == "" || runID == "" || stepName == "" || eventName == "" {
		return AwaitResult{}, invalidf("queue, task_id, run_id, step_name and event_name are required")
	}

	var result AwaitResult
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		task, err := loadTaskForUpdate(ctx, tx, queue, taskID)
		if err != nil {
			return err
		}
		if taskIsTerminal(task.State) {
			return &CancelledError{TaskID: taskID}
		}

		var existing int
		err = tx.QueryRowContext(ctx,
			`SELECT 1 FROM absurd_waits WHERE queue_name = ? AND task_id = ? AND step_name = ?`,
			queue, taskID, stepName,
		).Scan(&existing)
		if err != nil && err != sql.ErrNoRows {
			return err
		}
		if err == nil {
			// A live unmatched wait for this step already exists: this is
			// re-entry, not a fresh registration. Matched waits are
			// resolved by the caller reading the checkpoint cache, never
			// by reaching this branch.
			result = AwaitResult{ShouldSuspend: true}
			return nil
		}

		ts, err := now(ctx, tx)
		if err != nil {
			return err
		}

		eventPayload, found, err := consumeOldestEvent(ctx, tx, queue, eventName)
		if err != nil {
			return err
		}
		if found {
			if err := upsertCheckpointTx(ctx, tx, queue, taskID, stepName, eventPayload, runID, ts); err != nil {
				return err
			}
			result = AwaitResult{ShouldSuspend: false, Payload: eventPayload}
			return nil
		}

		if timeoutSeconds != nil && *timeoutSeconds == 0 {
			if err := upsertCheckpointTx(ctx, tx, queue, taskID, stepName, nil, runID, ts); err != nil {
				return err
			}
			result = AwaitResult{ShouldSuspend: false, Payload: nil}
			return nil
		}

		var expiresAt any
		availableAt := farFutureMillis()
		if timeoutSeconds != nil {
			exp := ts + int64(*timeoutSeconds*1000)
			expiresAt = exp
			availableAt = exp
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO absurd_waits (queue_name, task_id, run_id, step_name, event_name, expires_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			queue, taskID, runID, stepName, eventName, expiresAt, ts,
		)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE absurd_runs
			SET state = ?, wake_event = ?, available_at = ?, claimed_by = NULL, claim_expires_at = NULL
			WHERE queue_name = ? AND run_id = ?`,
			string(RunSleeping), eventName, availableAt, queue, runID,
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
		if err := recordTransition(ctx, tx, queue, taskID, string(task.State), string(TaskSleeping), "await_event", ts); err != nil {
			return err
		}

		result = AwaitResult{ShouldSuspend: true}
		return nil
	})
	return result, err
}

// EmitEvent posts an event, waking every run currently awaiting it, or
// caching it for future consumption if none are waiting (spec.md §4.6).
func (e *Engine) EmitEvent(ctx context.Context, queue, eventName string, payload json.RawMessage) error {
	if queue == "" || eventName == "" {
		return invalidf("queue and event_name are required")
	}
	return e.withTx(ctx, func(tx *sql.Tx) error {
		ts, err := now(ctx, tx)
		if err != nil {
			return err
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT task_id, run_id, step_name
			FROM absurd_waits
			WHERE queue_name = ? AND event_name = ?
			ORDER BY created_at ASC, rowid ASC`,
			queue, eventName,
		)
		if err != nil {
			return err
		}
		type waiter struct{ taskID, runID, stepName string }
		var waiters []waiter
		for rows.Next() {
			var w waiter
			if err := rows.Scan(&w.taskID, &w.runID, &w.stepName); err != nil {
				rows.Close()
				return err
			}
			waiters = append(waiters, w)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		rows.Close()

		if len(waiters) == 0 {
			eventID, err := newSortableID()
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO absurd_events (queue_name, event_id, event_name, payload, created_at)
				VALUES (?, ?, ?, ?, ?)`,
				queue, eventID, eventName, nullableBytes(payload), ts,
			)
			return err
		}

		for _, w := range waiters {
			_, err = tx.ExecContext(ctx,
				`DELETE FROM absurd_waits WHERE queue_name = ? AND task_id = ? AND step_name = ?`,
				queue, w.taskID, w.stepName,
			)
			if err != nil {
				return err
			}
			if err := upsertCheckpointTx(ctx, tx, queue, w.taskID, w.stepName, payload, w.runID, ts); err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, `
				UPDATE absurd_runs
				SET state = ?, claimed_by = NULL, available_at = ?, wake_event = ?, event_payload = ?
				WHERE queue_name = ? AND run_id = ?`,
				string(RunPending), ts, eventName, nullableBytes(payload), queue, w.runID,
			)
			if err != nil {
				return err
			}
			task, err := loadTaskForUpdate(ctx, tx, queue, w.taskID)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx,
				`UPDATE absurd_tasks SET state = ? WHERE queue_name = ? AND task_id = ?`,
				string(TaskPending), queue, w.taskID,
			)
			if err != nil {
				return err
			}
			if err := recordTransition(ctx, tx, queue, w.taskID, string(task.State), string(TaskPending), "event_matched", ts); err != nil {
				return err
			}
		}
		return nil
	})
}

func consumeOldestEvent(ctx context.Context, tx *sql.Tx, queue, eventName string) (payload json.RawMessage, found bool, err error) {
	var eventID string
	var payloadStr sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT event_id, payload FROM absurd_events
		WHERE queue_name = ? AND event_name = ?
		ORDER BY created_at ASC, rowid ASC
		LIMIT 1`,
		queue, eventName,
	).Scan(&eventID, &payloadStr)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	_, err = tx.ExecContext(ctx, `DELETE FROM absurd_events WHERE queue_name = ? AND event_id = ?`, queue, eventID)
	if err != nil {
		return nil, false, err
	}
	if payloadStr.Valid {
		payload = json.RawMessage(payloadStr.String)
	}
	return payload, true, nil
}

func upsertCheckpointTx(ctx context.Context, tx *sql.Tx, queue, taskID, checkpointName string, state json.RawMessage, ownerRunID string, ts int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO absurd_checkpoints (queue_name, task_id, checkpoint_name, state, owner_run_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (queue_name, task_id, checkpoint_name)
		DO UPDATE SET state = excluded.state, owner_run_id = excluded.owner_run_id, updated_at = excluded.updated_at`,
		queue, taskID, checkpointName, nullableBytes(state), ownerRunID, ts,
	)
	return err
}
