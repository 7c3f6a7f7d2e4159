package engine

import (
	"context"
	"database/sql"
)

// migration is one versioned DDL step. Migrations are applied in order
// and recorded in absurd_migrations so ApplyMigrations is idempotent
// across restarts (spec.md §2.1, §6 "absurd_apply_migrations").
type migration struct {
	version int
	stmts   []string
}

var migrations = []migration{
	{
		version: 1,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS absurd_migrations (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				introduced_version INTEGER NOT NULL UNIQUE,
				applied_at INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS absurd_settings (
				id INTEGER PRIMARY KEY CHECK (id = 1),
				fake_now_ms INTEGER
			)`,
			`INSERT OR IGNORE INTO absurd_settings (id, fake_now_ms) VALUES (1, NULL)`,
			`CREATE TABLE IF NOT EXISTS absurd_queues (
				queue_name TEXT PRIMARY KEY,
				created_at INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS absurd_tasks (
				queue_name TEXT NOT NULL REFERENCES absurd_queues(queue_name) ON DELETE CASCADE,
				task_id TEXT NOT NULL,
				task_name TEXT NOT NULL,
				params TEXT NOT NULL,
				headers TEXT,
				retry_strategy TEXT,
				max_attempts INTEGER,
				cancellation TEXT,
				idempotency_key TEXT,
				enqueue_at INTEGER NOT NULL,
				first_started_at INTEGER,
				state TEXT NOT NULL,
				attempts INTEGER NOT NULL DEFAULT 0,
				last_attempt_run TEXT,
				completed_payload TEXT,
				cancelled_at INTEGER,
				PRIMARY KEY (queue_name, task_id)
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS absurd_tasks_idempotency
				ON absurd_tasks (queue_name, idempotency_key)
				WHERE idempotency_key IS NOT NULL`,
			`CREATE INDEX IF NOT EXISTS absurd_tasks_state
				ON absurd_tasks (queue_name, state)`,
			`CREATE TABLE IF NOT EXISTS absurd_runs (
				queue_name TEXT NOT NULL REFERENCES absurd_queues(queue_name) ON DELETE CASCADE,
				run_id TEXT NOT NULL,
				task_id TEXT NOT NULL,
				attempt INTEGER NOT NULL,
				state TEXT NOT NULL,
				claimed_by TEXT,
				claim_expires_at INTEGER,
				available_at INTEGER NOT NULL,
				wake_event TEXT,
				event_payload TEXT,
				started_at INTEGER,
				completed_at INTEGER,
				failed_at INTEGER,
				result TEXT,
				failure_reason TEXT,
				created_at INTEGER NOT NULL,
				PRIMARY KEY (queue_name, run_id),
				FOREIGN KEY (queue_name, task_id) REFERENCES absurd_tasks(queue_name, task_id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS absurd_runs_task
				ON absurd_runs (queue_name, task_id)`,
			// Partial index over the claimable frontier, in the spirit of
			// the libsqlq reference's "idx_unclaimed ON queue (id) WHERE
			// claimed = 0": claim_task's hot path only ever looks at
			// runs that are not currently (validly) claimed.
			`CREATE INDEX IF NOT EXISTS absurd_runs_claimable
				ON absurd_runs (queue_name, available_at, created_at)
				WHERE state IN ('pending', 'sleeping')`,
			`CREATE TABLE IF NOT EXISTS absurd_checkpoints (
				queue_name TEXT NOT NULL REFERENCES absurd_queues(queue_name) ON DELETE CASCADE,
				task_id TEXT NOT NULL,
				checkpoint_name TEXT NOT NULL,
				state TEXT,
				owner_run_id TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'set',
				updated_at INTEGER NOT NULL,
				PRIMARY KEY (queue_name, task_id, checkpoint_name),
				FOREIGN KEY (queue_name, task_id) REFERENCES absurd_tasks(queue_name, task_id) ON DELETE CASCADE
			)`,
			`CREATE TABLE IF NOT EXISTS absurd_waits (
				queue_name TEXT NOT NULL REFERENCES absurd_queues(queue_name) ON DELETE CASCADE,
				task_id TEXT NOT NULL,
				run_id TEXT NOT NULL,
				step_name TEXT NOT NULL,
				event_name TEXT NOT NULL,
				expires_at INTEGER,
				created_at INTEGER NOT NULL,
				PRIMARY KEY (queue_name, task_id, step_name),
				FOREIGN KEY (queue_name, task_id) REFERENCES absurd_tasks(queue_name, task_id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS absurd_waits_event
				ON absurd_waits (queue_name, event_name, created_at)`,
			`CREATE TABLE IF NOT EXISTS absurd_events (
				queue_name TEXT NOT NULL REFERENCES absurd_queues(queue_name) ON DELETE CASCADE,
				event_id TEXT NOT NULL,
				event_name TEXT NOT NULL,
				payload TEXT,
				created_at INTEGER NOT NULL,
				PRIMARY KEY (queue_name, event_id)
			)`,
			`CREATE INDEX IF NOT EXISTS absurd_events_name
				ON absurd_events (queue_name, event_name, created_at)`,
			// Supplemented audit trail (SPEC_FULL.md §3), not present in
			// spec.md's distilled data model but additive: no Non-goal
			// excludes it and it is exercised by every state-changing call.
			`CREATE TABLE IF NOT EXISTS absurd_task_transitions (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				queue_name TEXT NOT NULL,
				task_id TEXT NOT NULL,
				from_state TEXT NOT NULL,
				to_state TEXT NOT NULL,
				reason TEXT,
				created_at INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS absurd_task_transitions_task
				ON absurd_task_transitions (queue_name, task_id, created_at)`,
		},
	},
}

// ApplyMigrations applies every migration not yet recorded in
// absurd_migrations and returns the count applied
// (spec.md §6 "absurd_apply_migrations").
func (e *Engine) ApplyMigrations(ctx context.Context) (int, error) {
	applied := 0
	for _, m := range migrations {
		var ok bool
		err := e.withTx(ctx, func(tx *sql.Tx) error {
			// The ledger table itself must exist before we can check it;
			// CREATE TABLE IF NOT EXISTS makes this safe to run every time.
			if _, err := tx.ExecContext(ctx, migrations[0].stmts[0]); err != nil {
				return err
			}
			var count int
			err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM absurd_migrations WHERE introduced_version = ?`, m.version,
			).Scan(&count)
			if err != nil {
				return err
			}
			if count > 0 {
				ok = false
				return nil
			}
			for _, stmt := range m.stmts {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return err
				}
			}
			ts, err := now(ctx, tx)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx,
				`INSERT INTO absurd_migrations (introduced_version, applied_at) VALUES (?, ?)`,
				m.version, ts,
			)
			if err != nil {
				return err
			}
			ok = true
			return nil
		})
		if err != nil {
			return applied, err
		}
		if ok {
			applied++
		}
	}
	return applied, nil
}
