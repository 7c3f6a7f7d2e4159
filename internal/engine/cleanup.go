package engine

import (
	"context"
	"database/sql"
)

// CleanupTasks deletes at most limit terminal tasks older than ttlSeconds,
// cascading to their runs and checkpoints (spec.md §4.11).
func (e *Engine) CleanupTasks(ctx context.Context, queue string, ttlSeconds int, limit int) (int, error) {
	if queue == "" {
		return 0, invalidf("queue name is required")
	}
	if limit <= 0 {
		return 0, invalidf("limit must be positive")
	}

	var deleted int
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		ts, err := now(ctx, tx)
		if err != nil {
			return err
		}
		cutoff := ts - int64(ttlSeconds)*1000

		rows, err := tx.QueryContext(ctx, `
			SELECT t.task_id FROM absurd_tasks t
			WHERE t.queue_name = ?
			  AND t.state IN ('completed', 'failed', 'cancelled')
			  AND MAX(
				COALESCE(t.cancelled_at, 0),
				COALESCE((SELECT MAX(r.completed_at) FROM absurd_runs r WHERE r.queue_name = t.queue_name AND r.task_id = t.task_id), 0),
				COALESCE((SELECT MAX(r.failed_at) FROM absurd_runs r WHERE r.queue_name = t.queue_name AND r.task_id = t.task_id), 0)
			  ) <= ?
			LIMIT ?`,
			queue, cutoff, limit,
		)
		if err != nil {
			return err
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		rows.Close()

		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `DELETE FROM absurd_tasks WHERE queue_name = ? AND task_id = ?`, queue, id); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// CleanupEvents deletes at most limit undelivered events older than
// ttlSeconds (spec.md §4.11).
func (e *Engine) CleanupEvents(ctx context.Context, queue string, ttlSeconds int, limit int) (int, error) {
	if queue == "" {
		return 0, invalidf("queue name is required")
	}
	if limit <= 0 {
		return 0, invalidf("limit must be positive")
	}

	var deleted int64
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		ts, err := now(ctx, tx)
		if err != nil {
			return err
		}
		cutoff := ts - int64(ttlSeconds)*1000

		res, err := tx.ExecContext(ctx, `
			DELETE FROM absurd_events
			WHERE rowid IN (
				SELECT rowid FROM absurd_events
				WHERE queue_name = ? AND created_at <= ?
				LIMIT ?
			)`,
			queue, cutoff, limit,
		)
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		return err
	})
	return int(deleted), err
}
