package orchestrator

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tablesync/tablesync/pkg/checkpointstore"
	"github.com/tablesync/tablesync/pkg/config"
	"github.com/tablesync/tablesync/pkg/failurestore"
	"github.com/tablesync/tablesync/pkg/rowvalue"
	"github.com/tablesync/tablesync/pkg/source"
	"github.com/tablesync/tablesync/pkg/synerr"
	"github.com/tablesync/tablesync/pkg/target"
)

// TestMain guards against leaked per-table worker goroutines (orchestrator.go's
// go func(i int, rt TableRuntime) loop) the way the teacher's package tests do.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
	os.Exit(m.Run())
}

// stubExtractor hands out every configured row in a single batch and
// satisfies both the Extractor and BatchSource interfaces, letting tests
// drive the Orchestrator without a live MySQL connection.
type stubExtractor struct {
	rows   []rowvalue.Row
	served bool
}

func (s *stubExtractor) ChangesSince(cursor source.Cursor, batchSize int) BatchSource {
	return &stubBatchSource{rows: s.rows}
}

func (s *stubExtractor) CountSince(ctx context.Context, cursorTs rowvalue.Value) (int64, error) {
	return int64(len(s.rows)), nil
}

func (s *stubExtractor) SnapshotAllIDs(ctx context.Context) (map[string]struct{}, error) {
	ids := map[string]struct{}{}
	for _, r := range s.rows {
		id, _ := r["id"].AsString()
		ids[id] = struct{}{}
	}
	return ids, nil
}

// stubBatchSource serves its rows as one batch then signals exhaustion
// with an empty batch, matching source.BatchIterator's short-batch-ends
// convention.
type stubBatchSource struct {
	rows []rowvalue.Row
	done bool
}

func (s *stubBatchSource) Next(ctx context.Context) ([]rowvalue.Row, error) {
	if s.done {
		return nil, nil
	}
	s.done = true
	return s.rows, nil
}

// slowBatchSource blocks until its context is done, letting tests exercise
// Orchestrator.SetBatchTimeout without a real clock-bound sleep.
type slowBatchSource struct{}

func (s *slowBatchSource) Next(ctx context.Context) ([]rowvalue.Row, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type slowExtractor struct{ stubExtractor }

func (s *slowExtractor) ChangesSince(cursor source.Cursor, batchSize int) BatchSource {
	return &slowBatchSource{}
}

// fakeLoader records every batch handed to it and can be configured to
// reject specific rows to exercise the load-failure path.
type fakeLoader struct {
	rejectIDs map[string]bool
	loaded    []rowvalue.Row
	deleted   []string
	existing  map[string]struct{}
}

func (f *fakeLoader) LoadBatch(ctx context.Context, rows []rowvalue.Row, mode target.Mode) (target.Result, error) {
	var res target.Result
	for _, r := range rows {
		id, _ := r["id"].AsString()
		if f.rejectIDs[id] {
			res.Failed = append(res.Failed, target.FailedLoad{Row: r, Err: simpleErr("constraint violation")})
			continue
		}
		f.loaded = append(f.loaded, r)
		res.Updated++
	}
	return res, nil
}

func (f *fakeLoader) Delete(ctx context.Context, ids []string, softDelete bool) (int64, error) {
	f.deleted = append(f.deleted, ids...)
	return int64(len(ids)), nil
}

func (f *fakeLoader) ExistingIDs(ctx context.Context) (map[string]struct{}, error) {
	return f.existing, nil
}

type simpleErr string

func (e simpleErr) Error() string { return string(e) }

func mappingFor(table string) config.TableMapping {
	return config.TableMapping{
		SourceTable:     table,
		TargetTable:     table,
		PrimaryKey:      "id",
		TimestampColumn: "updated_at",
		FieldMappings: []config.FieldMapping{
			{Source: config.StringOrList{"id"}, Target: config.StringOrList{"id"}, Type: rowvalue.KindString},
		},
	}
}

func mkRow(id string, tsStr string) rowvalue.Row {
	tsVal, _ := rowvalue.FromDriver(rowvalue.KindTimestamp, tsStr)
	return rowvalue.Row{
		"id":         {Kind: rowvalue.KindString, Raw: id},
		"updated_at": tsVal,
	}
}

func TestRunTableLoadsAllRowsAndAdvancesCheckpoint(t *testing.T) {
	ctx := context.Background()
	checkpoints := checkpointstore.NewMemoryStore()
	failures := failurestore.NewMemoryStore()
	orch := New(checkpoints, failures, 2, 10)

	loader := &fakeLoader{rejectIDs: map[string]bool{}}
	ex := &stubExtractor{
		rows: []rowvalue.Row{
			mkRow("1", "2026-01-01T00:00:01Z"),
			mkRow("2", "2026-01-01T00:00:02Z"),
			mkRow("3", "2026-01-01T00:00:03Z"),
		},
	}

	rt := TableRuntime{Mapping: mappingFor("users"), Extractor: ex, Loader: loader}
	res := orch.RunTable(ctx, "run-1", rt, ModeFull)

	require.NoError(t, res.Err)
	assert.Equal(t, "completed", res.Status)
	assert.Equal(t, 3, res.Counters.Extracted)
	assert.Equal(t, 3, res.Counters.Loaded)
	assert.Len(t, loader.loaded, 3)

	cp, err := checkpoints.Get(ctx, "users")
	require.NoError(t, err)
	assert.Equal(t, checkpointstore.StatusCompleted, cp.Status)
}

func TestRunTableRoutesLoadFailuresToFailureStore(t *testing.T) {
	ctx := context.Background()
	checkpoints := checkpointstore.NewMemoryStore()
	failures := failurestore.NewMemoryStore()
	orch := New(checkpoints, failures, 1, 10)

	loader := &fakeLoader{rejectIDs: map[string]bool{"2": true}}
	ex := &stubExtractor{
		rows: []rowvalue.Row{
			mkRow("1", "2026-01-01T00:00:01Z"),
			mkRow("2", "2026-01-01T00:00:02Z"),
		},
	}

	rt := TableRuntime{Mapping: mappingFor("users"), Extractor: ex, Loader: loader}
	res := orch.RunTable(ctx, "run-1", rt, ModeFull)

	require.NoError(t, res.Err)
	assert.Equal(t, 1, res.Counters.Loaded)
	assert.Equal(t, 1, res.Counters.Failed)

	stats, err := failures.Statistics(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.ByStage[failurestore.StageLoad])

	recs, err := failures.List(ctx, failurestore.ListFilter{Table: "users"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "2", recs[0].SourceRecordID)

	// Checkpoint still advances past the poison row: checkpoint tracks
	// processing, not success (spec decision under test).
	cp, err := checkpoints.Get(ctx, "users")
	require.NoError(t, err)
	assert.Equal(t, checkpointstore.StatusCompleted, cp.Status)
}

func TestRunTableBatchTimeoutReclassifiesAsTransient(t *testing.T) {
	ctx := context.Background()
	checkpoints := checkpointstore.NewMemoryStore()
	failures := failurestore.NewMemoryStore()
	orch := New(checkpoints, failures, 1, 10)
	orch.SetBatchTimeout(10 * time.Millisecond)

	ex := &slowExtractor{stubExtractor{rows: []rowvalue.Row{mkRow("1", "2026-01-01T00:00:01Z")}}}
	rt := TableRuntime{Mapping: mappingFor("users"), Extractor: ex, Loader: &fakeLoader{rejectIDs: map[string]bool{}}}

	res := orch.RunTable(ctx, "run-1", rt, ModeFull)

	require.Error(t, res.Err)
	assert.True(t, synerr.Transient(res.Err), "expected a TransientError, got %T: %v", res.Err, res.Err)
	assert.Equal(t, "failed", res.Status)
}

func TestRunTableHardDeleteDetectionIsOptIn(t *testing.T) {
	ctx := context.Background()
	checkpoints := checkpointstore.NewMemoryStore()
	failures := failurestore.NewMemoryStore()
	orch := New(checkpoints, failures, 1, 10)

	mapping := mappingFor("users")
	mapping.HardDeleteDetection = true

	loader := &fakeLoader{rejectIDs: map[string]bool{}, existing: map[string]struct{}{"1": {}, "9": {}}}
	ex := &stubExtractor{rows: []rowvalue.Row{mkRow("1", "2026-01-01T00:00:01Z")}}

	rt := TableRuntime{Mapping: mapping, Extractor: ex, Loader: loader}
	res := orch.RunTable(ctx, "run-1", rt, ModeFull)

	require.NoError(t, res.Err)
	assert.Equal(t, 1, res.Counters.Deleted)
	assert.Equal(t, []string{"9"}, loader.deleted)
}

func TestRetryFailedResolvesOnSuccess(t *testing.T) {
	ctx := context.Background()
	checkpoints := checkpointstore.NewMemoryStore()
	failures := failurestore.NewMemoryStore()
	orch := New(checkpoints, failures, 1, 10)

	loader := &fakeLoader{rejectIDs: map[string]bool{"2": true}}
	ex := &stubExtractor{rows: []rowvalue.Row{
		mkRow("1", "2026-01-01T00:00:01Z"),
		mkRow("2", "2026-01-01T00:00:02Z"),
	}}
	mapping := mappingFor("users")
	rt := TableRuntime{Mapping: mapping, Extractor: ex, Loader: loader}
	res := orch.RunTable(ctx, "run-1", rt, ModeFull)
	require.NoError(t, res.Err)
	require.Equal(t, 1, res.Counters.Failed)

	recs, err := failures.List(ctx, failurestore.ListFilter{Table: "users"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	failedID := recs[0].ID

	loader.rejectIDs = map[string]bool{}
	report, err := orch.RetryFailed(ctx, []TableRuntime{rt}, []int64{failedID})
	require.NoError(t, err)
	require.Len(t, report.Tables, 1)
	assert.Equal(t, "completed", report.Tables[0].Status)
	assert.Equal(t, 1, report.Tables[0].Counters.Loaded)

	rec, err := failures.Get(ctx, failedID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, failurestore.StatusResolved, rec.Status)
}

func TestRetryFailedIncrementsRetryCountWhenStillRejected(t *testing.T) {
	ctx := context.Background()
	checkpoints := checkpointstore.NewMemoryStore()
	failures := failurestore.NewMemoryStore()
	orch := New(checkpoints, failures, 1, 10)

	loader := &fakeLoader{rejectIDs: map[string]bool{"2": true}}
	ex := &stubExtractor{rows: []rowvalue.Row{
		mkRow("1", "2026-01-01T00:00:01Z"),
		mkRow("2", "2026-01-01T00:00:02Z"),
	}}
	mapping := mappingFor("users")
	rt := TableRuntime{Mapping: mapping, Extractor: ex, Loader: loader}
	res := orch.RunTable(ctx, "run-1", rt, ModeFull)
	require.NoError(t, res.Err)
	require.Equal(t, 1, res.Counters.Failed)

	recs, err := failures.List(ctx, failurestore.ListFilter{Table: "users"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	failedID := recs[0].ID

	report, err := orch.RetryFailed(ctx, []TableRuntime{rt}, []int64{failedID})
	require.NoError(t, err)
	require.Len(t, report.Tables, 1)
	assert.Equal(t, "partial_failure", report.Tables[0].Status)
	assert.Equal(t, 1, report.Tables[0].Counters.Failed)

	rec, err := failures.Get(ctx, failedID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, failurestore.StatusRetrying, rec.Status)
	assert.Equal(t, 1, rec.RetryCount)
}
