package engine

import (
	"context"
	"database/sql"
)

// CreateQueue idempotently registers a queue (spec.md §4.2).
func (e *Engine) CreateQueue(ctx context.Context, queue string) error {
	if queue == "" {
		return invalidf("queue name is required")
	}
	return e.withTx(ctx, func(tx *sql.Tx) error {
		ts, err := now(ctx, tx)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO absurd_queues (queue_name, created_at) VALUES (?, ?)`,
			queue, ts,
		)
		return err
	})
}

// DropQueue deletes a queue and, by cascade, every row in every
// dependent table for that queue (spec.md §4.2). It is a no-op if the
// queue does not exist, unless strict is true.
func (e *Engine) DropQueue(ctx context.Context, queue string, strict bool) error {
	if queue == "" {
		return invalidf("queue name is required")
	}
	return e.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM absurd_queues WHERE queue_name = ?`, queue)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 && strict {
			return &NotFoundError{Kind: "queue", ID: queue}
		}
		return nil
	})
}

// ListQueues returns every registered queue, oldest first (spec.md §4.2).
func (e *Engine) ListQueues(ctx context.Context) ([]string, error) {
	rows, err := e.db.QueryContext(ctx, `SELECT queue_name FROM absurd_queues ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// queueExists is used internally by calls that must reject an unknown
// queue (spec.md §4.3 "Validates queue exists").
func queueExists(ctx context.Context, q querier, queue string) (bool, error) {
	var exists int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM absurd_queues WHERE queue_name = ?`, queue).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
