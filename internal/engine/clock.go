package engine

import (
	"context"
	"database/sql"
	"time"
)

// now returns the engine's current time in epoch milliseconds. It reads
// the durable override from absurd_settings first; if unset, it falls
// back to wall-clock time. Every other component calls this instead of
// time.Now directly (spec.md §4.1).
func now(ctx context.Context, q querier) (int64, error) {
	var ms sql.NullInt64
	err := q.QueryRowContext(ctx, `SELECT fake_now_ms FROM absurd_settings WHERE id = 1`).Scan(&ms)
	if err != nil {
		if err == sql.ErrNoRows {
			return time.Now().UnixMilli(), nil
		}
		return 0, err
	}
	if ms.Valid {
		return ms.Int64, nil
	}
	return time.Now().UnixMilli(), nil
}

// SetFakeNow overrides now() with a fixed value, or clears the override
// when millis is nil. The override is stored in the database, so it is
// visible to every connection and survives process restarts, which is
// what lets tests advance time deterministically across worker
// processes (spec.md §4.1).
func (e *Engine) SetFakeNow(ctx context.Context, millis *int64) error {
	return e.withTx(ctx, func(tx *sql.Tx) error {
		if millis == nil {
			_, err := tx.ExecContext(ctx, `UPDATE absurd_settings SET fake_now_ms = NULL WHERE id = 1`)
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE absurd_settings SET fake_now_ms = ? WHERE id = 1`, *millis)
		return err
	})
}

// Now exposes the engine's current time to callers (e.g. cmd/absurdctl)
// without requiring them to open their own transaction.
func (e *Engine) Now(ctx context.Context) (int64, error) {
	return now(ctx, e.db)
}
