// Package orchestrator implements the Pipeline Orchestrator (spec §4.7):
// the per-table control loop that drives Extract -> Transform -> Validate
// -> Load to completion, advances the Checkpoint Store by the last
// extracted row, and records rejections in the Failure Store. The
// control-flow shape — atomic state tracking, a status-reporting
// goroutine, checkpoint-before-proceeding ordering, one RunReport per
// invocation — is grounded on the teacher's migration.Runner.Run /
// setCurrentState / dumpStatus.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/siddontang/loggers"
	"github.com/sirupsen/logrus"

	"github.com/tablesync/tablesync/pkg/checkpointstore"
	"github.com/tablesync/tablesync/pkg/config"
	"github.com/tablesync/tablesync/pkg/failurestore"
	"github.com/tablesync/tablesync/pkg/metrics"
	"github.com/tablesync/tablesync/pkg/rowvalue"
	"github.com/tablesync/tablesync/pkg/source"
	"github.com/tablesync/tablesync/pkg/synerr"
	"github.com/tablesync/tablesync/pkg/target"
	"github.com/tablesync/tablesync/pkg/transform"
	"github.com/tablesync/tablesync/pkg/validate"
)

type tableState int32

const (
	stateIdle tableState = iota
	stateExtracting
	stateLoading
	stateCompleting
	stateFailed
)

func (s tableState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateExtracting:
		return "extracting"
	case stateLoading:
		return "loading"
	case stateCompleting:
		return "completing"
	case stateFailed:
		return "failed"
	}
	return "unknown"
}

var statusInterval = 30 * time.Second

// RunMode selects how the starting cursor for a table run is chosen
// (spec §4.7 step 1).
type RunMode int

const (
	// ModeIncremental resumes a completed checkpoint, or a running one
	// left behind by a crash.
	ModeIncremental RunMode = iota
	// ModeFull ignores any existing checkpoint and starts at (∅, ∅).
	ModeFull
)

// TableCounters accumulates spec §3 RunReport's per-table counters.
type TableCounters struct {
	Extracted  int
	Transformed int
	Validated  int
	Loaded     int
	Failed     int
	Deleted    int
}

// TableResult is one table's contribution to a RunReport.
type TableResult struct {
	Table    string
	Counters TableCounters
	Duration time.Duration
	Status   string
	Err      error
}

// RunReport is the ephemeral summary returned by one Orchestrator
// invocation (spec §3 RunReport).
type RunReport struct {
	RunID     string
	Tables    []TableResult
	StartedAt time.Time
	EndedAt   time.Time
	Status    string
}

// BatchSource is the narrow iterator contract an Extractor's
// ChangesSince must return; *source.BatchIterator satisfies it.
type BatchSource interface {
	Next(ctx context.Context) ([]rowvalue.Row, error)
}

// Extractor is the subset of pkg/source's Extractor the Orchestrator
// depends on, narrowed to an interface so tests can substitute a fake.
type Extractor interface {
	ChangesSince(cursor source.Cursor, batchSize int) BatchSource
	CountSince(ctx context.Context, cursorTs rowvalue.Value) (int64, error)
	SnapshotAllIDs(ctx context.Context) (map[string]struct{}, error)
}

// Loader is the subset of pkg/target's Loader the Orchestrator depends on.
type Loader interface {
	LoadBatch(ctx context.Context, rows []rowvalue.Row, mode target.Mode) (target.Result, error)
	Delete(ctx context.Context, ids []string, softDelete bool) (int64, error)
	ExistingIDs(ctx context.Context) (map[string]struct{}, error)
}

// ExtractorAdapter wraps the concrete *source.Extractor so it satisfies
// the Extractor interface above, whose ChangesSince is narrowed to
// return the BatchSource interface instead of the concrete iterator
// type (needed so tests can substitute a fake iterator).
type ExtractorAdapter struct {
	*source.Extractor
}

func (a ExtractorAdapter) ChangesSince(cursor source.Cursor, batchSize int) BatchSource {
	return a.Extractor.ChangesSince(cursor, batchSize)
}

// TableRuntime bundles one table's wired dependencies: the mapping plus
// the extractor/loader built against it.
type TableRuntime struct {
	Mapping   config.TableMapping
	Extractor Extractor
	Loader    Loader
}

// Orchestrator drives the sync pipeline across a set of tables (spec
// §4.7).
type Orchestrator struct {
	checkpoints  checkpointstore.Store
	failures     failurestore.Store
	maxWorkers   int
	batchSize    int
	batchTimeout time.Duration
	logger       loggers.Advanced
	metricsSink  metrics.Sink

	mu     sync.Mutex
	states map[string]tableState
}

// New builds an Orchestrator. maxWorkers bounds table-level parallelism
// (spec §9 Open Question 2: tables-only parallelism, no intra-table
// splitting).
func New(checkpoints checkpointstore.Store, failures failurestore.Store, maxWorkers, batchSize int) *Orchestrator {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	return &Orchestrator{
		checkpoints: checkpoints,
		failures:    failures,
		maxWorkers:  maxWorkers,
		batchSize:   batchSize,
		logger:      logrus.New(),
		metricsSink: metrics.NoopSink{},
		states:      map[string]tableState{},
	}
}

// SetLogger overrides the default logrus logger, mirroring the teacher's
// Runner.SetLogger seam.
func (o *Orchestrator) SetLogger(logger loggers.Advanced) { o.logger = logger }

// SetBatchTimeout bounds each extract-transform-load-checkpoint cycle by a
// wall-clock deadline, turning a stuck database call into a synerr
// transient/timeout error rather than a hang. Zero disables the bound.
func (o *Orchestrator) SetBatchTimeout(d time.Duration) { o.batchTimeout = d }

// SetMetricsSink overrides the default NoopSink, mirroring the teacher's
// Runner.SetMetricsSink seam.
func (o *Orchestrator) SetMetricsSink(sink metrics.Sink) { o.metricsSink = sink }

func (o *Orchestrator) setState(table string, s tableState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states[table] = s
}

// CurrentState reports a table's in-flight state, for the CLI's status
// command.
func (o *Orchestrator) CurrentState(table string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.states[table].String()
}

// Run executes one pass over every table runtime, honoring maxWorkers as
// a bound on concurrent table workers. One table's failure never cancels
// another (spec §4.7 per-run procedure).
func (o *Orchestrator) Run(ctx context.Context, tables []TableRuntime, mode RunMode) (*RunReport, error) {
	runID := uuid.NewString()
	report := &RunReport{RunID: runID, StartedAt: time.Now()}

	statusCtx, stopStatus := context.WithCancel(ctx)
	defer stopStatus()
	go o.dumpStatus(statusCtx, runID)

	sem := make(chan struct{}, o.maxWorkers)
	results := make([]TableResult, len(tables))
	var wg sync.WaitGroup

	for i, rt := range tables {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, rt TableRuntime) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = o.runTable(ctx, runID, rt, mode)
		}(i, rt)
	}
	wg.Wait()

	report.Tables = results
	report.EndedAt = time.Now()
	report.Status = "completed"
	for _, r := range results {
		if r.Err != nil {
			report.Status = "partial_failure"
		}
	}
	return report, nil
}

// RunTable runs exactly one table's incremental procedure and, if
// mapping.HardDeleteDetection is set, follows it with an explicit
// deletion-by-diff pass (spec §9 Open Question 1: an opt-in extra step,
// never run automatically).
func (o *Orchestrator) RunTable(ctx context.Context, runID string, rt TableRuntime, mode RunMode) TableResult {
	return o.runTable(ctx, runID, rt, mode)
}

// RetryFailed replays specific rejected records back through whichever of
// transform -> validate -> load the record didn't reach the first time,
// matching the Python failure handler's retry path (original_source's
// FailureHandler.retry_record). Records for a table not present in
// tables, or already retried successfully, are skipped; unknown ids are
// ignored. On success a record is marked resolved; on failure its retry
// count is incremented and its status is set to retrying.
func (o *Orchestrator) RetryFailed(ctx context.Context, tables []TableRuntime, ids []int64) (*RunReport, error) {
	runID := uuid.NewString()
	report := &RunReport{RunID: runID, StartedAt: time.Now(), Status: "completed"}

	byTable := make(map[string]TableRuntime, len(tables))
	for _, rt := range tables {
		byTable[rt.Mapping.TargetTable] = rt
	}

	counters := map[string]*TableCounters{}
	counterFor := func(table string) *TableCounters {
		c, ok := counters[table]
		if !ok {
			c = &TableCounters{}
			counters[table] = c
		}
		return c
	}

	for _, id := range ids {
		rec, err := o.failures.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("loading failed record %d: %w", id, err)
		}
		if rec == nil || rec.Status == failurestore.StatusResolved {
			continue
		}
		rt, ok := byTable[rec.TableName]
		if !ok {
			o.logger.Errorf("retry %d: table %s not in this run's table set", id, rec.TableName)
			continue
		}
		if o.retryOne(ctx, rt, rec) {
			counterFor(rec.TableName).Loaded++
		} else {
			counterFor(rec.TableName).Failed++
		}
	}

	for table, c := range counters {
		status := "completed"
		if c.Failed > 0 {
			status = "partial_failure"
			report.Status = "partial_failure"
		}
		report.Tables = append(report.Tables, TableResult{Table: table, Counters: *c, Status: status})
	}
	report.EndedAt = time.Now()
	return report, nil
}

// retryOne replays a single failed record through the pipeline stages it
// hasn't yet passed, reporting whether the retry succeeded.
func (o *Orchestrator) retryOne(ctx context.Context, rt TableRuntime, rec *failurestore.FailedRecord) bool {
	row, alreadyTransformed, err := decodeFailedRow(rt.Mapping, rec)
	if err != nil {
		o.logger.Errorf("retry %d: decoding stored row for %s: %v", rec.ID, rec.TableName, err)
		o.incrementRetry(ctx, rec.ID)
		return false
	}

	if !alreadyTransformed {
		out, terr := transform.New(rt.Mapping).TransformRow(row)
		if terr != nil {
			o.incrementRetry(ctx, rec.ID)
			return false
		}
		row = out
	}

	if rec.Stage != failurestore.StageLoad {
		if res := validate.New(rt.Mapping).ValidateRow(row); res.Rejected() {
			o.incrementRetry(ctx, rec.ID)
			return false
		}
	}

	loadRes, lerr := rt.Loader.LoadBatch(ctx, []rowvalue.Row{row}, target.ModeUpsert)
	if lerr != nil || loadRes.Loaded() == 0 {
		o.incrementRetry(ctx, rec.ID)
		return false
	}
	if err := o.failures.MarkResolved(ctx, rec.ID); err != nil {
		o.logger.Errorf("retry %d: marking resolved: %v", rec.ID, err)
	}
	return true
}

func (o *Orchestrator) incrementRetry(ctx context.Context, id int64) {
	if _, err := o.failures.IncrementRetry(ctx, id); err != nil {
		o.logger.Errorf("retry %d: incrementing retry count: %v", id, err)
	}
}

// decodeFailedRow rebuilds the rowvalue.Row a FailedRecord was rejected
// with, reporting whether it already passed the transform stage. A
// transform-stage failure stores the raw source row (SourceData, structural
// kinds only on the primary key/timestamp/soft-delete columns, every other
// column string); a validate- or load-stage failure stores the already
// transformed row (SourceData for validate, TransformedData for load,
// both keyed by target column names and typed per field mapping).
func decodeFailedRow(mapping config.TableMapping, rec *failurestore.FailedRecord) (rowvalue.Row, bool, error) {
	if rec.Stage == failurestore.StageTransform {
		row, err := decodeRow(rec.SourceData, sourceKinds(mapping))
		return row, false, err
	}
	data := rec.SourceData
	if rec.Stage == failurestore.StageLoad {
		data = rec.TransformedData
	}
	row, err := decodeRow(data, targetKinds(mapping))
	return row, true, err
}

func decodeRow(data map[string]any, kindByCol map[string]rowvalue.Kind) (rowvalue.Row, error) {
	row := make(rowvalue.Row, len(data))
	for col, raw := range data {
		kind, ok := kindByCol[col]
		if !ok {
			kind = rowvalue.KindString
		}
		v, err := rowvalue.FromDriver(kind, raw)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", col, err)
		}
		row[col] = v
	}
	return row, nil
}

// sourceKinds mirrors pkg/source's declaredKind: the primary key carries
// its declared mapping type, the timestamp and soft-delete columns carry
// their structural kind, everything else is string.
func sourceKinds(mapping config.TableMapping) map[string]rowvalue.Kind {
	kinds := map[string]rowvalue.Kind{
		mapping.TimestampColumn: rowvalue.KindTimestamp,
		mapping.PrimaryKey:      primaryKeyKind(mapping),
	}
	if mapping.SoftDeleteColumn != "" {
		kinds[mapping.SoftDeleteColumn] = rowvalue.KindTimestamp
	}
	return kinds
}

// primaryKeyKind duplicates pkg/source's unexported helper of the same
// name: the primary key's declared type, looked up from the field mapping
// that names it as its sole source.
func primaryKeyKind(mapping config.TableMapping) rowvalue.Kind {
	for _, fm := range mapping.FieldMappings {
		if len(fm.Source) == 1 && fm.Source.Single() == mapping.PrimaryKey {
			return fm.Type
		}
	}
	return rowvalue.KindString
}

// targetKinds maps every transformed column name to its field mapping's
// declared type.
func targetKinds(mapping config.TableMapping) map[string]rowvalue.Kind {
	kinds := make(map[string]rowvalue.Kind, len(mapping.FieldMappings))
	for _, fm := range mapping.FieldMappings {
		for _, t := range fm.Target {
			kinds[t] = fm.Type
		}
	}
	return kinds
}

// batchContext derives a per-batch context bounded by batchTimeout, or
// returns ctx unchanged (with a no-op cancel) when no timeout is set.
func (o *Orchestrator) batchContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.batchTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, o.batchTimeout)
}

func (o *Orchestrator) runTable(ctx context.Context, runID string, rt TableRuntime, mode RunMode) TableResult {
	table := rt.Mapping.TargetTable
	start := time.Now()
	o.setState(table, stateExtracting)
	defer o.setState(table, stateIdle)

	result := TableResult{Table: table}

	cursor, err := o.startingCursor(ctx, table, mode)
	if err != nil {
		result.Err = err
		result.Status = "failed"
		o.failRun(ctx, table, err)
		return result
	}

	totalEstimate, _ := rt.Extractor.CountSince(ctx, cursor.Timestamp)
	if _, err := o.checkpoints.StartRun(ctx, table, runID, totalEstimate); err != nil {
		result.Err = err
		result.Status = "failed"
		return result
	}

	transformer := transform.New(rt.Mapping)
	validator := validate.New(rt.Mapping)
	it := rt.Extractor.ChangesSince(cursor, o.batchSize)
	pkTarget := primaryKeyTarget(rt.Mapping)

	var lastCursor source.Cursor = cursor
	for {
		select {
		case <-ctx.Done():
			result.Err = &synerr.CancelledError{Table: table}
			result.Status = "cancelled"
			o.failRun(ctx, table, result.Err)
			return result
		default:
		}

		batchCtx, cancel := o.batchContext(ctx)

		batch, err := it.Next(batchCtx)
		if err != nil {
			cancel()
			result.Err = synerr.FromTimeout(ctx, batchCtx, err)
			result.Status = "failed"
			o.failRun(ctx, table, result.Err)
			return result
		}
		if len(batch) == 0 {
			cancel()
			break
		}
		result.Counters.Extracted += len(batch)

		o.setState(table, stateLoading)
		trOk, trFail := transformer.TransformBatch(batch)
		result.Counters.Transformed += len(trOk)
		o.appendFailures(batchCtx, runID, table, rt.Mapping.PrimaryKey, failurestore.StageTransform, trFail)

		vOk, vFail := validator.ValidateBatch(trOk)
		result.Counters.Validated += len(vOk)
		o.appendValidationFailures(batchCtx, runID, table, pkTarget, vFail)

		loadRes, err := rt.Loader.LoadBatch(batchCtx, vOk, target.ModeUpsert)
		if err != nil {
			cancel()
			result.Err = synerr.FromTimeout(ctx, batchCtx, err)
			result.Status = "failed"
			o.failRun(ctx, table, result.Err)
			return result
		}
		result.Counters.Loaded += int(loadRes.Loaded())
		result.Counters.Failed += len(trFail) + len(vFail) + len(loadRes.Failed)
		o.appendLoadFailures(batchCtx, runID, table, pkTarget, loadRes.Failed)

		last := batch[len(batch)-1]
		newCursor := source.Cursor{
			Timestamp:  last[rt.Mapping.TimestampColumn],
			PrimaryKey: last[rt.Mapping.PrimaryKey],
		}
		if err := o.checkpoints.Advance(batchCtx, table, newCursor.Timestamp, newCursor.PrimaryKey, int64(loadRes.Loaded())); err != nil {
			cancel()
			result.Err = synerr.FromTimeout(ctx, batchCtx, err)
			result.Status = "failed"
			o.failRun(ctx, table, result.Err)
			return result
		}
		cancel()
		lastCursor = newCursor
		o.metricsSink.BatchProcessed(table, len(batch), int(loadRes.Loaded()), len(trFail)+len(vFail)+len(loadRes.Failed))
		o.metricsSink.CheckpointAdvanced(table)
		o.setState(table, stateExtracting)
	}

	o.setState(table, stateCompleting)
	if err := o.checkpoints.CompleteRun(ctx, table, lastCursor.Timestamp); err != nil {
		result.Err = err
		result.Status = "failed"
		return result
	}
	result.Status = "completed"
	result.Duration = time.Since(start)
	o.metricsSink.RunCompleted(table, result.Status, result.Duration)

	if rt.Mapping.HardDeleteDetection {
		deleted, err := o.detectHardDeletes(ctx, rt)
		if err != nil {
			o.logger.Errorf("hard-delete detection failed for %s: %v", table, err)
		} else {
			result.Counters.Deleted = deleted
		}
	}
	return result
}

// dumpStatus periodically logs every table's in-flight state, mirroring
// the teacher's Runner.dumpStatus goroutine.
func (o *Orchestrator) dumpStatus(ctx context.Context, runID string) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.mu.Lock()
			snapshot := make(map[string]string, len(o.states))
			for table, s := range o.states {
				snapshot[table] = s.String()
			}
			o.mu.Unlock()
			o.logger.Infof("run %s status: %v", runID, snapshot)
		}
	}
}

func (o *Orchestrator) startingCursor(ctx context.Context, table string, mode RunMode) (source.Cursor, error) {
	if mode == ModeFull {
		return source.Zero, nil
	}
	cp, err := o.checkpoints.Get(ctx, table)
	if err != nil {
		return source.Cursor{}, err
	}
	if cp == nil {
		return source.Zero, nil
	}
	// Resume of a running checkpoint (crash recovery) and a normal
	// incremental run both continue from the stored cursor (spec §4.7
	// step 1): the difference is only in which status preceded it.
	return source.Cursor{Timestamp: cp.LastTs, PrimaryKey: cp.LastPk}, nil
}

func (o *Orchestrator) failRun(ctx context.Context, table string, err error) {
	if ferr := o.checkpoints.FailRun(ctx, table, err.Error()); ferr != nil {
		o.logger.Errorf("failed to record failRun for %s: %v", table, ferr)
	}
}

func (o *Orchestrator) appendFailures(ctx context.Context, runID, table, pkCol string, stage failurestore.Stage, failed []transform.FailedRow) {
	for _, f := range failed {
		o.metricsSink.FailureRecorded(table, string(stage))
		rec := &failurestore.FailedRecord{
			RunID:          runID,
			TableName:      table,
			SourceRecordID: sourceRecordID(f.Row, pkCol),
			ErrorKind:      "TransformError",
			ErrorMessage:   f.Err.Error(),
			Stage:          stage,
			SourceData:     rowToMap(f.Row),
		}
		if _, err := o.failures.Append(ctx, rec); err != nil {
			o.logger.Errorf("failed to append transform failure for %s: %v", table, err)
		}
	}
}

func (o *Orchestrator) appendValidationFailures(ctx context.Context, runID, table, pkCol string, invalid []validate.Invalid) {
	for _, inv := range invalid {
		o.metricsSink.FailureRecorded(table, string(failurestore.StageValidate))
		rec := &failurestore.FailedRecord{
			RunID:          runID,
			TableName:      table,
			SourceRecordID: sourceRecordID(inv.Row, pkCol),
			ErrorKind:      "ValidationError",
			ErrorMessage:   validationSummary(inv.Result),
			Stage:          failurestore.StageValidate,
			SourceData:     rowToMap(inv.Row),
		}
		if _, err := o.failures.Append(ctx, rec); err != nil {
			o.logger.Errorf("failed to append validation failure for %s: %v", table, err)
		}
	}
}

func (o *Orchestrator) appendLoadFailures(ctx context.Context, runID, table, pkCol string, failed []target.FailedLoad) {
	for _, f := range failed {
		o.metricsSink.FailureRecorded(table, string(failurestore.StageLoad))
		rec := &failurestore.FailedRecord{
			RunID:           runID,
			TableName:       table,
			SourceRecordID:  sourceRecordID(f.Row, pkCol),
			ErrorKind:       "ConstraintError",
			ErrorMessage:    f.Err.Error(),
			Stage:           failurestore.StageLoad,
			TransformedData: rowToMap(f.Row),
		}
		if _, err := o.failures.Append(ctx, rec); err != nil {
			o.logger.Errorf("failed to append load failure for %s: %v", table, err)
		}
	}
}

// primaryKeyTarget returns the transformed row's column name for the
// primary key: the Target of the field mapping that names the primary key
// as its sole Source, or the primary key's own name when it passes
// through untransformed (e.g. it is only ever read via the source row).
func primaryKeyTarget(mapping config.TableMapping) string {
	for _, fm := range mapping.FieldMappings {
		if len(fm.Source) == 1 && fm.Source.Single() == mapping.PrimaryKey {
			return fm.Target.Single()
		}
	}
	return mapping.PrimaryKey
}

// sourceRecordID reads the row's primary key column as a FailedRecord's
// identifying key, falling back to a generated uuid when the column is
// missing or null (spec's FailedRecord.sourceRecordId fallback, for rows
// rejected before their primary key field was itself assigned).
func sourceRecordID(row rowvalue.Row, pkCol string) string {
	if v, ok := row[pkCol]; ok {
		if s, ok := v.AsString(); ok && s != "" {
			return s
		}
	}
	return uuid.NewString()
}

func validationSummary(res validate.Result) string {
	if len(res.Errors) == 0 {
		return "validation rejected"
	}
	return res.Errors[0].Error()
}

func rowToMap(row rowvalue.Row) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		out[k] = v.Raw
	}
	return out
}

// detectHardDeletes compares the source's full id set against the
// target's and removes target rows absent from source. It is invoked
// only from here, as an explicit post-incremental-pass step, never from
// the Scheduler directly (spec §9 Open Question 1 decision).
func (o *Orchestrator) detectHardDeletes(ctx context.Context, rt TableRuntime) (int, error) {
	sourceIDs, err := rt.Extractor.SnapshotAllIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("snapshot source ids: %w", err)
	}
	targetIDs, err := rt.Loader.ExistingIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("snapshot target ids: %w", err)
	}
	var toDelete []string
	for id := range targetIDs {
		if _, ok := sourceIDs[id]; !ok {
			toDelete = append(toDelete, id)
		}
	}
	if len(toDelete) == 0 {
		return 0, nil
	}
	n, err := rt.Loader.Delete(ctx, toDelete, rt.Mapping.SoftDeleteColumn != "")
	return int(n), err
}
