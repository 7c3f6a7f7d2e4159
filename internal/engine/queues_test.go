package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestQueues_CreateListDrop(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.CreateQueue(ctx, "q1"))
	require.NoError(t, e.CreateQueue(ctx, "q1"), "create is idempotent")
	require.NoError(t, e.CreateQueue(ctx, "q2"))

	names, err := e.ListQueues(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"q1", "q2"}, names)

	require.NoError(t, e.DropQueue(ctx, "q1", true))
	names, err = e.ListQueues(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"q2"}, names)
}

func TestQueues_DropMissing(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.DropQueue(ctx, "ghost", false), "default is no-op on absent queue")

	err := e.DropQueue(ctx, "ghost", true)
	require.Error(t, err)
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestQueues_DropCascades(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.CreateQueue(ctx, "q"))

	res, err := e.SpawnTask(ctx, "q", "job", []byte(`{}`), SpawnOptions{})
	require.NoError(t, err)

	require.NoError(t, e.DropQueue(ctx, "q", true))

	_, err = e.GetTask(ctx, "q", res.TaskID)
	require.Error(t, err)
}
