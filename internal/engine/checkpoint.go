package engine

import (
	"context"
	"database/sql"
	"encoding/json"
)

// GetTaskCheckpointStates returns every checkpoint recorded for a task,
// used to warm a per-run cache at the start of execution (spec.md §4.5).
func (e *Engine) GetTaskCheckpointStates(ctx context.Context, queue, taskID string) ([]Checkpoint, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT checkpoint_name, state, owner_run_id, updated_at
		FROM absurd_checkpoints
		WHERE queue_name = ? AND task_id = ?
		ORDER BY checkpoint_name ASC`,
		queue, taskID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		cp := Checkpoint{QueueName: queue, TaskID: taskID}
		var state sql.NullString
		if err := rows.Scan(&cp.CheckpointName, &state, &cp.OwnerRunID, &cp.UpdatedAt); err != nil {
			return nil, err
		}
		if state.Valid {
			cp.State = json.RawMessage(state.String)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// GetTaskCheckpointState returns a single named checkpoint, if present
// (spec.md §4.5).
func (e *Engine) GetTaskCheckpointState(ctx context.Context, queue, taskID, checkpointName string) (Checkpoint, bool, error) {
	row := e.db.QueryRowContext(ctx, `
		SELECT checkpoint_name, state, owner_run_id, updated_at
		FROM absurd_checkpoints
		WHERE queue_name = ? AND task_id = ? AND checkpoint_name = ?`,
		queue, taskID, checkpointName,
	)
	cp := Checkpoint{QueueName: queue, TaskID: taskID}
	var state sql.NullString
	err := row.Scan(&cp.CheckpointName, &state, &cp.OwnerRunID, &cp.UpdatedAt)
	if err == sql.ErrNoRows {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, err
	}
	if state.Valid {
		cp.State = json.RawMessage(state.String)
	}
	return cp, true, nil
}

// SetTaskCheckpointState upserts a named checkpoint for a task, fencing
// writes from stale runs (spec.md §4.5).
func (e *Engine) SetTaskCheckpointState(ctx context.Context, queue, taskID, checkpointName string, stateJSON json.RawMessage, ownerRunID string, extendClaimBySeconds int) error {
	if queue == "" || taskID == "" || checkpointName == "" || ownerRunID == "" {
		return invalidf("queue, task_id, checkpoint_name and owner_run_id are required")
	}
	return e.withTx(ctx, func(tx *sql.Tx) error {
		task, err := loadTaskForUpdate(ctx, tx, queue, taskID)
		if err != nil {
			return err
		}
		if taskIsTerminal(task.State) {
			return &CancelledError{TaskID: taskID}
		}

		var existingOwner sql.NullString
		err = tx.QueryRowContext(ctx,
			`SELECT owner_run_id FROM absurd_checkpoints WHERE queue_name = ? AND task_id = ? AND checkpoint_name = ?`,
			queue, taskID, checkpointName,
		).Scan(&existingOwner)
		if err != nil && err != sql.ErrNoRows {
			return err
		}
		if err == nil && existingOwner.Valid && existingOwner.String != ownerRunID {
			live, err := liveRunForTask(ctx, tx, queue, taskID)
			if err != nil {
				return err
			}
			if live.RunID != ownerRunID {
				return &CheckpointConflictError{TaskID: taskID, CheckpointName: checkpointName, OwnerRunID: existingOwner.String}
			}
		}

		ts, err := now(ctx, tx)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO absurd_checkpoints (queue_name, task_id, checkpoint_name, state, owner_run_id, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (queue_name, task_id, checkpoint_name)
			DO UPDATE SET state = excluded.state, owner_run_id = excluded.owner_run_id, updated_at = excluded.updated_at`,
			queue, taskID, checkpointName, nullableBytes(stateJSON), ownerRunID, ts,
		)
		if err != nil {
			return err
		}

		if extendClaimBySeconds > 0 {
			if err := extendClaimTx(ctx, tx, queue, ownerRunID, extendClaimBySeconds); err != nil {
				return err
			}
		}
		return nil
	})
}
