// Package checkpointstore implements the Checkpoint Store (spec §4.1): the
// durable, crash-safe per-table cursor that lets the Orchestrator resume an
// interrupted run at exactly the row after the last one it processed. The
// row shape is modeled on original_source's TableCheckpoint
// (last_sync_timestamp/last_synced_id/records_synced), widened to carry the
// composite (timestamp, primary key) cursor this engine pages by, and the
// running/completed/failed status machine the teacher's migration.Runner
// tracks in memory but here must survive a process restart.
package checkpointstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/tablesync/tablesync/pkg/rowvalue"
	"github.com/tablesync/tablesync/pkg/synerr"
)

// Status is the closed set of lifecycle states a Checkpoint passes through.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Checkpoint is the durable per-table cursor row (spec §3 Checkpoint).
// LastOffset is reserved for in-run resume inside a single large batch
// window and is reset to zero at the start and end of every run;
// RecordsSynced is the lifetime cumulative counter of rows this table has
// ever had loaded, never reset.
type Checkpoint struct {
	Table         string
	LastTs        rowvalue.Value
	LastPk        rowvalue.Value
	LastOffset    int64
	RecordsSynced int64
	Status        Status
	RunID         string
	StartedAt     time.Time
	UpdatedAt     time.Time
	ErrorMessage  string
}

// Store is the Checkpoint Store contract (spec §4.1). Implementations must
// make every mutating call crash-safe before it returns, and must
// serialize concurrent writers of different tables at least at row
// granularity.
type Store interface {
	Get(ctx context.Context, table string) (*Checkpoint, error)
	StartRun(ctx context.Context, table, runID string, totalEstimate int64) (*Checkpoint, error)
	Advance(ctx context.Context, table string, lastTs, lastPk rowvalue.Value, loadedCount int64) error
	CompleteRun(ctx context.Context, table string, finalTs rowvalue.Value) error
	FailRun(ctx context.Context, table, errMsg string) error
	Reset(ctx context.Context, table string) error
	ListRunning(ctx context.Context) ([]*Checkpoint, error)
}

// PostgresStore is the production Store, a single table in the target
// database (spec §4.1: "a small table in the target database" is an
// explicitly acceptable implementation).
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an already-open target connection. Schema
// creation is handled by internal/migrations, not here.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const selectCheckpointSQL = `
SELECT table_name, last_ts, last_pk, last_offset, records_synced, status, run_id, started_at, updated_at, error_message
FROM tablesync_checkpoints WHERE table_name = $1`

func (s *PostgresStore) Get(ctx context.Context, table string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, selectCheckpointSQL, table)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return cp, err
}

func scanCheckpoint(row *sql.Row) (*Checkpoint, error) {
	var cp Checkpoint
	var lastTs, lastPk sql.NullString
	var status, runID, errMsg sql.NullString
	var startedAt, updatedAt sql.NullTime
	if err := row.Scan(&cp.Table, &lastTs, &lastPk, &cp.LastOffset, &cp.RecordsSynced, &status, &runID, &startedAt, &updatedAt, &errMsg); err != nil {
		return nil, err
	}
	cp.Status = Status(status.String)
	cp.RunID = runID.String
	cp.StartedAt = startedAt.Time
	cp.UpdatedAt = updatedAt.Time
	cp.ErrorMessage = errMsg.String
	if lastTs.Valid {
		cp.LastTs, _ = rowvalue.FromDriver(rowvalue.KindTimestamp, lastTs.String)
	} else {
		cp.LastTs = rowvalue.Null(rowvalue.KindTimestamp)
	}
	if lastPk.Valid {
		cp.LastPk, _ = rowvalue.FromDriver(rowvalue.KindString, lastPk.String)
	} else {
		cp.LastPk = rowvalue.Null(rowvalue.KindString)
	}
	return &cp, nil
}

// StartRun sets status=running, failing with CheckpointConflictError if the
// row is already running under a different runId (spec §4.1).
// totalEstimate is the Extractor's row-count estimate for the upcoming run
// (spec §4.3 auxiliary operation, used for progress reporting only) and is
// not itself persisted: last_offset is reserved for in-run resume and
// starts every run at zero, distinct from the lifetime records_synced
// counter accumulated by Advance.
func (s *PostgresStore) StartRun(ctx context.Context, table, runID string, totalEstimate int64) (*Checkpoint, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck

	var existingStatus, existingRunID sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT status, run_id FROM tablesync_checkpoints WHERE table_name = $1 FOR UPDATE`, table).
		Scan(&existingStatus, &existingRunID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx, `
			INSERT INTO tablesync_checkpoints (table_name, last_offset, status, run_id, started_at, updated_at)
			VALUES ($1, 0, $2, $3, now(), now())`,
			table, StatusRunning, runID)
	case err != nil:
		return nil, err
	case existingStatus.String == string(StatusRunning) && existingRunID.String != runID:
		return nil, &synerr.CheckpointConflictError{
			Table:  table,
			Reason: "checkpoint already running under runId " + existingRunID.String,
		}
	default:
		_, err = tx.ExecContext(ctx, `
			UPDATE tablesync_checkpoints SET status = $2, run_id = $3, started_at = now(), updated_at = now(), last_offset = 0
			WHERE table_name = $1`,
			table, StatusRunning, runID)
	}
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.Get(ctx, table)
}

// Advance atomically moves the cursor forward, rejecting any call whose
// (lastTs, lastPk) does not strictly exceed the stored cursor (spec §4.1
// monotonicity guard, spec §8 property 1).
func (s *PostgresStore) Advance(ctx context.Context, table string, lastTs, lastPk rowvalue.Value, loadedCount int64) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	var curTs, curPk sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT last_ts, last_pk FROM tablesync_checkpoints WHERE table_name = $1 FOR UPDATE`, table).
		Scan(&curTs, &curPk)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if curTs.Valid {
		stored := Checkpoint{}
		stored.LastTs, _ = rowvalue.FromDriver(rowvalue.KindTimestamp, curTs.String)
		if curPk.Valid {
			// Decode using lastPk's own Kind, not a hardcoded KindString: the
			// column stores every primary key as text, but the monotonicity
			// guard below must compare like-for-like with the caller's typed
			// cursor or an integer primary key orders lexicographically
			// instead of numerically.
			stored.LastPk, _ = rowvalue.FromDriver(lastPk.Kind, curPk.String)
		}
		if !isStrictlyGreater(lastTs, lastPk, stored.LastTs, stored.LastPk) {
			return &synerr.CheckpointConflictError{
				Table:  table,
				Reason: "advance cursor did not strictly exceed stored cursor: monotonicity violation",
			}
		}
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE tablesync_checkpoints
		SET last_ts = $2, last_pk = $3, last_offset = last_offset + $4, records_synced = records_synced + $4, updated_at = now()
		WHERE table_name = $1`,
		table, lastTs.Raw, stringOrNil(lastPk), loadedCount)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func stringOrNil(v rowvalue.Value) any {
	if v.IsNull() {
		return nil
	}
	s, _ := v.AsString()
	return s
}

// isStrictlyGreater reports whether (ts, pk) sorts strictly after
// (stTs, stPk) under (timestamp ASC, primaryKey ASC) — the same ordering
// the Extractor pages by.
func isStrictlyGreater(ts, pk, stTs, stPk rowvalue.Value) bool {
	if cmp := rowvalue.Compare(ts, stTs); cmp != 0 {
		return cmp > 0
	}
	return rowvalue.Compare(pk, stPk) > 0
}

// CompleteRun marks the table's checkpoint completed and resets the
// per-run offset counter (spec §4.1).
func (s *PostgresStore) CompleteRun(ctx context.Context, table string, finalTs rowvalue.Value) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tablesync_checkpoints SET status = $2, last_offset = 0, updated_at = now()
		WHERE table_name = $1`,
		table, StatusCompleted)
	return err
}

// FailRun marks the table's checkpoint failed, preserving the cursor as
// the resume point (spec §4.1).
func (s *PostgresStore) FailRun(ctx context.Context, table, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tablesync_checkpoints SET status = $2, error_message = $3, updated_at = now()
		WHERE table_name = $1`,
		table, StatusFailed, errMsg)
	return err
}

// Reset deletes the checkpoint row, forcing the next run to be a full sync
// (spec §4.1).
func (s *PostgresStore) Reset(ctx context.Context, table string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tablesync_checkpoints WHERE table_name = $1`, table)
	return err
}

// ListRunning returns every checkpoint left in status=running, used at
// startup to detect a crashed prior run (spec §4.1).
func (s *PostgresStore) ListRunning(ctx context.Context) ([]*Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT table_name, last_ts, last_pk, last_offset, records_synced, status, run_id, started_at, updated_at, error_message
		FROM tablesync_checkpoints WHERE status = $1`, StatusRunning)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Checkpoint
	for rows.Next() {
		var cp Checkpoint
		var lastTs, lastPk, status, runID, errMsg sql.NullString
		var startedAt, updatedAt sql.NullTime
		if err := rows.Scan(&cp.Table, &lastTs, &lastPk, &cp.LastOffset, &cp.RecordsSynced, &status, &runID, &startedAt, &updatedAt, &errMsg); err != nil {
			return nil, err
		}
		cp.Status = Status(status.String)
		cp.RunID = runID.String
		cp.StartedAt = startedAt.Time
		cp.UpdatedAt = updatedAt.Time
		cp.ErrorMessage = errMsg.String
		if lastTs.Valid {
			cp.LastTs, _ = rowvalue.FromDriver(rowvalue.KindTimestamp, lastTs.String)
		}
		if lastPk.Valid {
			cp.LastPk, _ = rowvalue.FromDriver(rowvalue.KindString, lastPk.String)
		}
		out = append(out, &cp)
	}
	return out, rows.Err()
}
