package engine

import (
	"context"
	"database/sql"
)

// ClaimTask atomically selects up to batchSize runnable runs in queue and
// moves them to running, handing each to worker for lease_seconds
// (spec.md §4.4).
func (e *Engine) ClaimTask(ctx context.Context, queue, workerID string, leaseSeconds int, batchSize int) ([]ClaimedTask, error) {
	if queue == "" {
		return nil, invalidf("queue name is required")
	}
	if workerID == "" {
		return nil, invalidf("worker id is required")
	}
	if leaseSeconds <= 0 {
		return nil, invalidf("lease_seconds must be positive")
	}
	if batchSize <= 0 {
		return nil, invalidf("batch_size must be positive")
	}

	var claimed []ClaimedTask
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		ts, err := now(ctx, tx)
		if err != nil {
			return err
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT run_id, task_id, claimed_by, started_at
			FROM absurd_runs
			WHERE queue_name = ?
			  AND available_at <= ?
			  AND (claimed_by IS NULL OR claim_expires_at <= ?)
			  AND state NOT IN ('completed', 'failed', 'cancelled')
			ORDER BY available_at ASC, created_at ASC
			LIMIT ?`,
			queue, ts, ts, batchSize,
		)
		if err != nil {
			return err
		}
		type candidate struct {
			runID, taskID string
			prevClaimedBy sql.NullString
			startedAt     sql.NullInt64
		}
		var candidates []candidate
		for rows.Next() {
			var c candidate
			if err := rows.Scan(&c.runID, &c.taskID, &c.prevClaimedBy, &c.startedAt); err != nil {
				rows.Close()
				return err
			}
			candidates = append(candidates, c)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		rows.Close()

		claimExpiresAt := ts + int64(leaseSeconds)*1000

		for _, c := range candidates {
			task, err := loadTaskForUpdate(ctx, tx, queue, c.taskID)
			if err != nil {
				return err
			}

			// Raced with cancel_task or a prior claim in this same batch
			// already finalized the task: skip, leave unclaimed.
			if taskIsTerminal(task.State) {
				continue
			}

			// Cancellation policy is evaluated before starting a new
			// attempt, at every check-point: claim, schedule, fail
			// (spec.md §4.10). A task that overstayed either bound is
			// cancelled here instead of claimed.
			if cancelled, err := enforceCancellationOnClaim(ctx, tx, queue, c.taskID, task, ts); err != nil {
				return err
			} else if cancelled {
				continue
			}

			// A fresh claim (the run never started) or a stolen (expired)
			// lease counts as a new attempt (spec.md §4.4 step 2).
			// Resuming a run that slept or waited, and so holds no claim,
			// does not.
			newAttempts := task.Attempts
			if !c.startedAt.Valid || c.prevClaimedBy.Valid {
				newAttempts++
				if task.MaxAttempts > 0 && newAttempts > task.MaxAttempts {
					if err := finalizeTaskFailed(ctx, tx, queue, c.taskID, ts); err != nil {
						return err
					}
					continue
				}
			}

			var wakeEvent sql.NullString
			var eventPayload sql.NullString
			row := tx.QueryRowContext(ctx, `SELECT wake_event, event_payload FROM absurd_runs WHERE queue_name = ? AND run_id = ?`, queue, c.runID)
			if err := row.Scan(&wakeEvent, &eventPayload); err != nil {
				return err
			}

			var startedAt any
			if task.FirstStartedAt == nil {
				startedAt = ts
			}

			_, err = tx.ExecContext(ctx, `
				UPDATE absurd_runs
				SET claimed_by = ?, claim_expires_at = ?, started_at = COALESCE(started_at, ?),
				    state = ?, attempt = ?, wake_event = NULL, event_payload = NULL
				WHERE queue_name = ? AND run_id = ?`,
				workerID, claimExpiresAt, ts,
				string(RunRunning), newAttempts,
				queue, c.runID,
			)
			if err != nil {
				return err
			}

			_, err = tx.ExecContext(ctx, `
				UPDATE absurd_tasks
				SET state = ?, attempts = ?, first_started_at = COALESCE(first_started_at, ?), last_attempt_run = ?
				WHERE queue_name = ? AND task_id = ?`,
				string(TaskRunning), newAttempts, startedAt, c.runID,
				queue, c.taskID,
			)
			if err != nil {
				return err
			}

			if err := recordTransition(ctx, tx, queue, c.taskID, string(task.State), string(TaskRunning), "claimed", ts); err != nil {
				return err
			}

			var retryStrategy *RetryStrategy
			if task.RetryStrategy != nil {
				retryStrategy = task.RetryStrategy
			}

			ct := ClaimedTask{
				RunID:         c.runID,
				TaskID:        c.taskID,
				TaskName:      task.TaskName,
				Attempt:       newAttempts,
				Params:        task.Params,
				RetryStrategy: retryStrategy,
				MaxAttempts:   task.MaxAttempts,
				Headers:       task.Headers,
			}
			if wakeEvent.Valid {
				ct.WakeEvent = wakeEvent.String
			}
			if eventPayload.Valid {
				ct.EventPayload = []byte(eventPayload.String)
			}
			claimed = append(claimed, ct)
		}
		return nil
	})
	return claimed, err
}

// ExtendClaim extends the owning worker's lease on run_id (spec.md §4.4).
// It does not check which worker holds the claim: any caller that names
// run_id extends it, including a worker whose own lease has expired and
// been taken over by another worker.
func (e *Engine) ExtendClaim(ctx context.Context, queue, runID string, extendSeconds int) error {
	if queue == "" || runID == "" {
		return invalidf("queue and run_id are required")
	}
	if extendSeconds <= 0 {
		return invalidf("extend_seconds must be positive")
	}
	return e.withTx(ctx, func(tx *sql.Tx) error {
		return extendClaimTx(ctx, tx, queue, runID, extendSeconds)
	})
}

// extendClaimTx is shared with set_task_checkpoint_state's
// extend_claim_by_seconds option (spec.md §4.5).
func extendClaimTx(ctx context.Context, tx *sql.Tx, queue, runID string, extendSeconds int) error {
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
	_, err = tx.ExecContext(ctx,
		`UPDATE absurd_runs SET claim_expires_at = ? WHERE queue_name = ? AND run_id = ?`,
		ts+int64(extendSeconds)*1000, queue, runID,
	)
	return err
}

func taskIDForRun(ctx context.Context, tx *sql.Tx, queue, runID string) (string, error) {
	var taskID string
	err := tx.QueryRowContext(ctx,
		`SELECT task_id FROM absurd_runs WHERE queue_name = ? AND run_id = ?`,
		queue, runID,
	).Scan(&taskID)
	if err == sql.ErrNoRows {
		return "", &NotFoundError{Kind: "run", ID: runID}
	}
	if err != nil {
		return "", err
	}
	return taskID, nil
}

// finalizeTaskFailed is the belt-and-braces check in spec.md §4.4: a
// claim that would exceed max_attempts finds the task already failed.
func finalizeTaskFailed(ctx context.Context, tx *sql.Tx, queue, taskID string, ts int64) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE absurd_tasks SET state = ? WHERE queue_name = ? AND task_id = ? AND state != ?`,
		string(TaskFailed), queue, taskID, string(TaskFailed),
	)
	if err != nil {
		return err
	}
	return recordTransition(ctx, tx, queue, taskID, string(TaskRunning), string(TaskFailed), "max_attempts_exceeded_on_claim", ts)
}
