package engine

import (
	"context"
	"database/sql"
	"encoding/json"
)

// loadTaskForUpdate reads a task row within tx, for callers that are
// about to mutate it (claim, checkpoint, cancel, completion paths all
// re-check cancellation against this row per spec.md §4.8).
func loadTaskForUpdate(ctx context.Context, tx *sql.Tx, queue, taskID string) (Task, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT task_id, task_name, params, headers, retry_strategy, max_attempts,
		       cancellation, idempotency_key, enqueue_at, first_started_at,
		       state, attempts, last_attempt_run, completed_payload, cancelled_at
		FROM absurd_tasks
		WHERE queue_name = ? AND task_id = ?`,
		queue, taskID,
	)
	task, err := scanTask(row, queue)
	if err == sql.ErrNoRows {
		return Task{}, &NotFoundError{Kind: "task", ID: taskID}
	}
	return task, err
}

// GetTask reads a task outside of any particular transaction.
func (e *Engine) GetTask(ctx context.Context, queue, taskID string) (Task, error) {
	row := e.db.QueryRowContext(ctx, `
		SELECT task_id, task_name, params, headers, retry_strategy, max_attempts,
		       cancellation, idempotency_key, enqueue_at, first_started_at,
		       state, attempts, last_attempt_run, completed_payload, cancelled_at
		FROM absurd_tasks
		WHERE queue_name = ? AND task_id = ?`,
		queue, taskID,
	)
	task, err := scanTask(row, queue)
	if err == sql.ErrNoRows {
		return Task{}, &NotFoundError{Kind: "task", ID: taskID}
	}
	return task, err
}

func scanTask(row *sql.Row, queue string) (Task, error) {
	var (
		t                                     Task
		headers, retryStrategy, cancellation  sql.NullString
		idempotencyKey, lastAttemptRun        sql.NullString
		firstStartedAt, cancelledAt           sql.NullInt64
		completedPayload                      sql.NullString
	)
	t.QueueName = queue
	if err := row.Scan(
		&t.TaskID, &t.TaskName, &t.Params, &headers, &retryStrategy, &t.MaxAttempts,
		&cancellation, &idempotencyKey, &t.EnqueueAt, &firstStartedAt,
		&t.State, &t.Attempts, &lastAttemptRun, &completedPayload, &cancelledAt,
	); err != nil {
		return Task{}, err
	}
	if headers.Valid {
		t.Headers = json.RawMessage(headers.String)
	}
	if retryStrategy.Valid {
		var rs RetryStrategy
		if err := json.Unmarshal([]byte(retryStrategy.String), &rs); err != nil {
			return Task{}, err
		}
		t.RetryStrategy = &rs
	}
	if cancellation.Valid {
		var cp CancellationPolicy
		if err := json.Unmarshal([]byte(cancellation.String), &cp); err != nil {
			return Task{}, err
		}
		t.Cancellation = &cp
	}
	if idempotencyKey.Valid {
		t.IdempotencyKey = idempotencyKey.String
	}
	if lastAttemptRun.Valid {
		t.LastAttemptRun = lastAttemptRun.String
	}
	if completedPayload.Valid {
		t.CompletedPayload = json.RawMessage(completedPayload.String)
	}
	if firstStartedAt.Valid {
		v := firstStartedAt.Int64
		t.FirstStartedAt = &v
	}
	if cancelledAt.Valid {
		v := cancelledAt.Int64
		t.CancelledAt = &v
	}
	return t, nil
}
