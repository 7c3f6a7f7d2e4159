// Package sqlfunc registers the engine's operations as callable SQLite
// scalar functions (absurd_*), so a consumer that only speaks SQL —
// not Go — can drive the state machine.
//
// mattn/go-sqlite3's RegisterFunc is per-connection, but the engine
// itself already serializes every call through its own single-writer
// *sql.DB (engine.Open sets SetMaxOpenConns(1), and every method is one
// BEGIN IMMEDIATE transaction). Rather than re-implement transactions
// against the raw driver-level sqlite3.SQLiteConn, Register opens one
// shared *engine.Engine against the target file and binds every
// connection's absurd_* functions to it; SQLite's own locking then
// serializes access between the two file handles exactly as it would
// between two separate worker processes (spec.md §5).
package sqlfunc

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"absurd/internal/engine"
	"absurd/internal/shared/logging"
)

// DriverName is the name under which Register installs the augmented
// sqlite3 driver. Callers open connections with
// sql.Open(sqlfunc.DriverName, dsn) instead of "sqlite3" directly.
const DriverName = "sqlite3-absurd"

var registered bool

// Register installs DriverName once per process, binding every
// absurd_* SQL function to an Engine opened against path. It is safe
// to call more than once; subsequent calls are no-ops.
func Register(path string, logger logging.Logger) error {
	if registered {
		return nil
	}

	e, err := engine.Open(path, engine.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("sqlfunc: open engine: %w", err)
	}

	sql.Register(DriverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			return bind(conn, e)
		},
	})
	registered = true
	return nil
}

// bind registers every absurd_* scalar function on conn, each one
// delegating to e (spec.md §6).
func bind(conn *sqlite3.SQLiteConn, e *engine.Engine) error {
	ctx := context.Background()

	register := func(name string, fn any) error {
		return conn.RegisterFunc(name, fn, false)
	}

	if err := register("absurd_apply_migrations", func() (int64, error) {
		n, err := e.ApplyMigrations(ctx)
		return int64(n), err
	}); err != nil {
		return err
	}

	if err := register("absurd_set_fake_now", func(ms *int64) (string, error) {
		return "ok", e.SetFakeNow(ctx, ms)
	}); err != nil {
		return err
	}

	if err := register("absurd_create_queue", func(name string) (string, error) {
		return "ok", e.CreateQueue(ctx, name)
	}); err != nil {
		return err
	}

	if err := register("absurd_drop_queue", func(name string) (string, error) {
		return "ok", e.DropQueue(ctx, name, false)
	}); err != nil {
		return err
	}

	if err := register("absurd_list_queues", func() (string, error) {
		names, err := e.ListQueues(ctx)
		if err != nil {
			return "", err
		}
		return encodeJSON(names)
	}); err != nil {
		return err
	}

	if err := register("absurd_spawn_task", func(queue, name, paramsJSON, optionsJSON string) (string, error) {
		var opts engine.SpawnOptions
		if optionsJSON != "" {
			if err := json.Unmarshal([]byte(optionsJSON), &opts); err != nil {
				return "", fmt.Errorf("sqlfunc: decode options: %w", err)
			}
		}
		res, err := e.SpawnTask(ctx, queue, name, json.RawMessage(paramsJSON), opts)
		if err != nil {
			return "", err
		}
		return encodeJSON(res)
	}); err != nil {
		return err
	}

	if err := register("absurd_claim_task", func(queue, workerID string, leaseSeconds, count int64) (string, error) {
		claimed, err := e.ClaimTask(ctx, queue, workerID, int(leaseSeconds), int(count))
		if err != nil {
			return "", err
		}
		return encodeJSON(claimed)
	}); err != nil {
		return err
	}

	if err := register("absurd_complete_run", func(queue, runID, resultJSON string) (string, error) {
		return "ok", e.CompleteRun(ctx, queue, runID, json.RawMessage(resultJSON))
	}); err != nil {
		return err
	}

	if err := register("absurd_fail_run", func(queue, runID, reasonJSON string, retryAfterSeconds *float64) (string, error) {
		return "ok", e.FailRun(ctx, queue, runID, json.RawMessage(reasonJSON), retryAfterSeconds)
	}); err != nil {
		return err
	}

	if err := register("absurd_schedule_run", func(queue, runID string, wakeAtMs int64) (string, error) {
		return "ok", e.ScheduleRun(ctx, queue, runID, wakeAtMs)
	}); err != nil {
		return err
	}

	if err := register("absurd_extend_claim", func(queue, runID string, extendSeconds int64) (string, error) {
		return "ok", e.ExtendClaim(ctx, queue, runID, int(extendSeconds))
	}); err != nil {
		return err
	}

	if err := register("absurd_cancel_task", func(queue, taskID string) (string, error) {
		return "ok", e.CancelTask(ctx, queue, taskID)
	}); err != nil {
		return err
	}

	if err := register("absurd_set_task_checkpoint_state", func(queue, taskID, checkpointName, stateJSON, ownerRunID string, extendSeconds int64) (string, error) {
		return "ok", e.SetTaskCheckpointState(ctx, queue, taskID, checkpointName, json.RawMessage(stateJSON), ownerRunID, int(extendSeconds))
	}); err != nil {
		return err
	}

	if err := register("absurd_get_task_checkpoint_state", func(queue, taskID, checkpointName string) (string, error) {
		cp, found, err := e.GetTaskCheckpointState(ctx, queue, taskID, checkpointName)
		if err != nil {
			return "", err
		}
		if !found {
			return "null", nil
		}
		return encodeJSON(cp)
	}); err != nil {
		return err
	}

	if err := register("absurd_get_task_checkpoint_states", func(queue, taskID, runID string) (string, error) {
		states, err := e.GetTaskCheckpointStates(ctx, queue, taskID)
		if err != nil {
			return "", err
		}
		return encodeJSON(states)
	}); err != nil {
		return err
	}

	if err := register("absurd_await_event", func(queue, taskID, runID, stepName, eventName string, timeoutSeconds *float64) (string, error) {
		res, err := e.AwaitEvent(ctx, queue, taskID, runID, stepName, eventName, timeoutSeconds)
		if err != nil {
			return "", err
		}
		return encodeJSON(res)
	}); err != nil {
		return err
	}

	if err := register("absurd_emit_event", func(queue, eventName, payloadJSON string) (string, error) {
		return "ok", e.EmitEvent(ctx, queue, eventName, json.RawMessage(payloadJSON))
	}); err != nil {
		return err
	}

	if err := register("absurd_cleanup_tasks", func(queue string, ttlSeconds, limit int64) (int64, error) {
		n, err := e.CleanupTasks(ctx, queue, int(ttlSeconds), int(limit))
		return int64(n), err
	}); err != nil {
		return err
	}

	if err := register("absurd_cleanup_events", func(queue string, ttlSeconds, limit int64) (int64, error) {
		n, err := e.CleanupEvents(ctx, queue, int(ttlSeconds), int(limit))
		return int64(n), err
	}); err != nil {
		return err
	}

	return nil
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
