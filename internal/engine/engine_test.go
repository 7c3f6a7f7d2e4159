package engine

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// newTestEngine opens a fresh temp-file SQLite database, applies
// migrations, and registers t.Cleanup to close it (spec.md §8 "against
// a temp-file SQLite database per test").
func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	path := filepath.Join(t.TempDir(), "absurd.db")
	e, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	ctx := context.Background()
	_, err = e.ApplyMigrations(ctx)
	require.NoError(t, err)
	return e
}

func setFakeNow(t *testing.T, e *Engine, millis int64) {
	t.Helper()
	m := millis
	require.NoError(t, e.SetFakeNow(context.Background(), &m))
}

func TestApplyMigrations_Idempotent(t *testing.T) {
	e := newTestEngine(t)
	n, err := e.ApplyMigrations(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, n, "re-applying migrations should be a no-op")
}

func TestClock_DefaultsToWallClock(t *testing.T) {
	e := newTestEngine(t)
	ts, err := e.Now(context.Background())
	require.NoError(t, err)
	require.Greater(t, ts, int64(0))
}

func TestClock_FakeNowOverrides(t *testing.T) {
	e := newTestEngine(t)
	setFakeNow(t, e, 123456)
	ts, err := e.Now(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(123456), ts)

	require.NoError(t, e.SetFakeNow(context.Background(), nil))
	ts2, err := e.Now(context.Background())
	require.NoError(t, err)
	require.NotEqual(t, int64(123456), ts2)
}
