package checkpointstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tablesync/tablesync/pkg/rowvalue"
	"github.com/tablesync/tablesync/pkg/synerr"
)

func ts(s string) rowvalue.Value {
	v, err := rowvalue.FromDriver(rowvalue.KindTimestamp, s)
	if err != nil {
		panic(err)
	}
	return v
}

func pk(s string) rowvalue.Value {
	v, _ := rowvalue.FromDriver(rowvalue.KindString, s)
	return v
}

func TestStartRunThenGet(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	cp, err := store.StartRun(ctx, "users", "run-1", 100)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, cp.Status)
	assert.Equal(t, "run-1", cp.RunID)

	got, err := store.Get(ctx, "users")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
}

func TestStartRunConflictsWithDifferentRunID(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_, err := store.StartRun(ctx, "users", "run-1", 100)
	require.NoError(t, err)

	_, err = store.StartRun(ctx, "users", "run-2", 100)
	var conflict *synerr.CheckpointConflictError
	require.ErrorAs(t, err, &conflict)
}

func TestAdvanceRejectsNonIncreasingCursor(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_, err := store.StartRun(ctx, "users", "run-1", 0)
	require.NoError(t, err)

	require.NoError(t, store.Advance(ctx, "users", ts("2026-01-01T00:00:10Z"), pk("5"), 10))

	err = store.Advance(ctx, "users", ts("2026-01-01T00:00:10Z"), pk("5"), 1)
	var conflict *synerr.CheckpointConflictError
	require.ErrorAs(t, err, &conflict)

	err = store.Advance(ctx, "users", ts("2026-01-01T00:00:05Z"), pk("9"), 1)
	require.ErrorAs(t, err, &conflict)
}

func TestAdvanceAcceptsStrictlyIncreasingCursor(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_, err := store.StartRun(ctx, "users", "run-1", 0)
	require.NoError(t, err)

	require.NoError(t, store.Advance(ctx, "users", ts("2026-01-01T00:00:10Z"), pk("5"), 10))
	require.NoError(t, store.Advance(ctx, "users", ts("2026-01-01T00:00:10Z"), pk("9"), 2))
	require.NoError(t, store.Advance(ctx, "users", ts("2026-01-01T00:00:11Z"), pk("1"), 3))

	cp, err := store.Get(ctx, "users")
	require.NoError(t, err)
	assert.EqualValues(t, 15, cp.LastOffset)
	assert.EqualValues(t, 15, cp.RecordsSynced)
}

func TestCompleteRunResetsOffsetButNotRecordsSynced(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_, err := store.StartRun(ctx, "users", "run-1", 0)
	require.NoError(t, err)
	require.NoError(t, store.Advance(ctx, "users", ts("2026-01-01T00:00:10Z"), pk("5"), 10))

	require.NoError(t, store.CompleteRun(ctx, "users", ts("2026-01-01T00:00:10Z")))

	cp, err := store.Get(ctx, "users")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, cp.Status)
	assert.EqualValues(t, 0, cp.LastOffset)
	assert.EqualValues(t, 10, cp.RecordsSynced)
}

func TestRecordsSyncedAccumulatesAcrossRuns(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.StartRun(ctx, "users", "run-1", 3)
	require.NoError(t, err)
	require.NoError(t, store.Advance(ctx, "users", ts("2026-01-01T00:00:01Z"), pk("1"), 1))
	require.NoError(t, store.Advance(ctx, "users", ts("2026-01-01T00:00:02Z"), pk("2"), 1))
	require.NoError(t, store.Advance(ctx, "users", ts("2026-01-01T00:00:03Z"), pk("3"), 1))
	require.NoError(t, store.CompleteRun(ctx, "users", ts("2026-01-01T00:00:03Z")))

	cp, err := store.Get(ctx, "users")
	require.NoError(t, err)
	assert.EqualValues(t, 3, cp.RecordsSynced)
	assert.EqualValues(t, 0, cp.LastOffset)

	_, err = store.StartRun(ctx, "users", "run-2", 1)
	require.NoError(t, err)
	require.NoError(t, store.Advance(ctx, "users", ts("2026-01-01T00:00:04Z"), pk("4"), 1))
	require.NoError(t, store.CompleteRun(ctx, "users", ts("2026-01-01T00:00:04Z")))

	cp, err = store.Get(ctx, "users")
	require.NoError(t, err)
	assert.EqualValues(t, 4, cp.RecordsSynced, "records synced is a lifetime counter, not reset per run")
}

func TestFailRunPreservesCursor(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_, err := store.StartRun(ctx, "users", "run-1", 0)
	require.NoError(t, err)
	require.NoError(t, store.Advance(ctx, "users", ts("2026-01-01T00:00:10Z"), pk("5"), 10))

	require.NoError(t, store.FailRun(ctx, "users", "transient: connection refused"))

	cp, err := store.Get(ctx, "users")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, cp.Status)
	assert.Equal(t, "transient: connection refused", cp.ErrorMessage)
	assert.False(t, cp.LastTs.IsNull())
}

func TestResetDeletesRow(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_, err := store.StartRun(ctx, "users", "run-1", 0)
	require.NoError(t, err)

	require.NoError(t, store.Reset(ctx, "users"))

	cp, err := store.Get(ctx, "users")
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestListRunningReturnsOnlyRunning(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_, err := store.StartRun(ctx, "users", "run-1", 0)
	require.NoError(t, err)
	_, err = store.StartRun(ctx, "orders", "run-2", 0)
	require.NoError(t, err)
	require.NoError(t, store.CompleteRun(ctx, "orders", rowvalue.Null(rowvalue.KindTimestamp)))

	running, err := store.ListRunning(ctx)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "users", running[0].Table)
}
