// Package target implements the Loader (spec §4.6): writes validated rows
// into the PostgreSQL target inside a single transaction, falling back to
// row-by-row replay to isolate a poison row without losing the rest of the
// batch. The retry-then-rollback-then-per-row shape is grounded on the
// teacher's pkg/dbconn.RetryableTransaction, generalized from a MySQL-only
// error-number switch to the driver-agnostic synerr.TransientError the
// Extractor/Loader both produce; the upsert/delete operation surface
// matches original_source's Loader (src/core/loader.py:
// _execute_upsert/delete_records/get_existing_ids).
package target

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/tablesync/tablesync/pkg/config"
	"github.com/tablesync/tablesync/pkg/dbconn"
	"github.com/tablesync/tablesync/pkg/rowvalue"
	"github.com/tablesync/tablesync/pkg/synerr"
)

// Mode is the closed set of write operations loadBatch supports (spec
// §4.6).
type Mode string

const (
	ModeInsert Mode = "insert"
	ModeUpsert Mode = "upsert"
	ModeUpdate Mode = "update"
)

// FailedLoad pairs a rejected row with the error that rejected it.
type FailedLoad struct {
	Row rowvalue.Row
	Err error
}

// Result is the outcome of one loadBatch call (spec §4.6).
type Result struct {
	Inserted int
	Updated  int
	Failed   []FailedLoad
}

// Loaded returns the count of rows that made it into the target,
// regardless of whether as an insert or an update — this is the value the
// Orchestrator threads into Checkpoint.advance's loadedCount.
func (r Result) Loaded() int64 { return int64(r.Inserted + r.Updated) }

// Loader writes rows into one target table.
type Loader struct {
	db      *sql.DB
	mapping config.TableMapping
	dbCfg   *dbconn.Config
	columns []string
}

// New builds a Loader for one table mapping. columns is the set of target
// columns every row is expected to carry (the union of all fieldMappings'
// targets, plus the primary key).
func New(db *sql.DB, mapping config.TableMapping) *Loader {
	return &Loader{
		db:      db,
		mapping: mapping,
		dbCfg:   dbconn.NewConfig(),
		columns: targetColumns(mapping),
	}
}

func targetColumns(mapping config.TableMapping) []string {
	seen := map[string]bool{mapping.PrimaryKey: true}
	cols := []string{mapping.PrimaryKey}
	for _, fm := range mapping.FieldMappings {
		for _, c := range fm.Target {
			if !seen[c] {
				seen[c] = true
				cols = append(cols, c)
			}
		}
	}
	return cols
}

// LoadBatch implements spec §4.6's failure policy: attempt the whole batch
// as one transaction; on a transient error, retry with bounded exponential
// backoff; on any other error, roll back and replay the batch row by row
// so a single poison row never blocks the rest.
func (l *Loader) LoadBatch(ctx context.Context, rows []rowvalue.Row, mode Mode) (Result, error) {
	if len(rows) == 0 {
		return Result{}, nil
	}

	var result Result
	err := dbconn.RetryableExec(ctx, l.dbCfg, func(ctx context.Context) error {
		res, err := l.loadTransaction(ctx, rows, mode)
		if err == nil {
			result = res
			return nil
		}
		if synerr.Transient(err) {
			return err // let RetryableExec back off and retry the whole batch
		}
		return err // non-transient: surfaces below for row-by-row fallback
	})
	if err == nil {
		return result, nil
	}
	if synerr.Transient(err) {
		return Result{}, err // exhausted retries on a connectivity-class failure: fatal for this batch
	}

	// Non-transient (constraint violation, bad data): isolate the poison
	// row by replaying one row at a time under individual transactions
	// (spec §4.6 failure policy step 3).
	return l.loadRowByRow(ctx, rows, mode)
}

func (l *Loader) loadTransaction(ctx context.Context, rows []rowvalue.Row, mode Mode) (Result, error) {
	tx, err := l.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return Result{}, classify(err)
	}
	defer tx.Rollback() //nolint:errcheck

	affected, err := l.execBatch(ctx, tx, rows, mode)
	if err != nil {
		return Result{}, classify(err)
	}
	if err := tx.Commit(); err != nil {
		return Result{}, classify(err)
	}
	if mode == ModeInsert {
		return Result{Inserted: affected}, nil
	}
	return Result{Updated: affected}, nil
}

func (l *Loader) loadRowByRow(ctx context.Context, rows []rowvalue.Row, mode Mode) (Result, error) {
	var result Result
	for _, row := range rows {
		res, err := l.loadTransaction(ctx, []rowvalue.Row{row}, mode)
		if err != nil {
			result.Failed = append(result.Failed, FailedLoad{Row: row, Err: &synerr.ConstraintError{Cause: err}})
			continue
		}
		result.Inserted += res.Inserted
		result.Updated += res.Updated
	}
	return result, nil
}

func (l *Loader) execBatch(ctx context.Context, tx *sql.Tx, rows []rowvalue.Row, mode Mode) (int, error) {
	switch mode {
	case ModeInsert:
		return l.execInsert(ctx, tx, rows, false)
	case ModeUpsert:
		return l.execInsert(ctx, tx, rows, true)
	case ModeUpdate:
		return l.execUpdate(ctx, tx, rows)
	default:
		return 0, &synerr.ConfigError{Reason: fmt.Sprintf("unknown load mode %q", mode)}
	}
}

// execInsert builds a single multi-row INSERT, with an
// ON CONFLICT (primaryKey) DO UPDATE clause when upsert is true (spec
// §4.6: "on conflict, all non-PK target columns are overwritten").
func (l *Loader) execInsert(ctx context.Context, tx *sql.Tx, rows []rowvalue.Row, upsert bool) (int, error) {
	cols := l.columns
	var placeholders []string
	var args []any
	n := 1
	for _, row := range rows {
		var rowPlaceholders []string
		for _, col := range cols {
			rowPlaceholders = append(rowPlaceholders, fmt.Sprintf("$%d", n))
			args = append(args, row[col].Raw)
			n++
		}
		placeholders = append(placeholders, "("+strings.Join(rowPlaceholders, ", ")+")")
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s",
		quote(l.mapping.TargetTable), quoteAll(cols), strings.Join(placeholders, ", "))
	if upsert {
		query += fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s", quote(l.mapping.PrimaryKey), updateAssignments(cols, l.mapping.PrimaryKey))
	} else {
		query += fmt.Sprintf(" ON CONFLICT (%s) DO NOTHING", quote(l.mapping.PrimaryKey))
	}

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	return int(affected), err
}

func (l *Loader) execUpdate(ctx context.Context, tx *sql.Tx, rows []rowvalue.Row) (int, error) {
	var total int64
	for _, row := range rows {
		var setClauses []string
		var args []any
		n := 1
		for _, col := range l.columns {
			if col == l.mapping.PrimaryKey {
				continue
			}
			setClauses = append(setClauses, fmt.Sprintf("%s = $%d", quote(col), n))
			args = append(args, row[col].Raw)
			n++
		}
		args = append(args, row[l.mapping.PrimaryKey].Raw)
		query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = $%d",
			quote(l.mapping.TargetTable), strings.Join(setClauses, ", "), quote(l.mapping.PrimaryKey), n)
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return int(total), err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return int(total), err
		}
		total += affected
	}
	return int(total), nil
}

func updateAssignments(cols []string, primaryKey string) string {
	var assignments []string
	for _, col := range cols {
		if col == primaryKey {
			continue
		}
		assignments = append(assignments, fmt.Sprintf("%s = EXCLUDED.%s", quote(col), quote(col)))
	}
	return strings.Join(assignments, ", ")
}

// Delete removes or soft-deletes rows by primary key (spec §4.6 auxiliary
// operation). Idempotent with respect to already-absent ids.
func (l *Loader) Delete(ctx context.Context, ids []string, softDelete bool) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var count int64
	err := dbconn.RetryableExec(ctx, l.dbCfg, func(ctx context.Context) error {
		var query string
		var args []any
		if softDelete && l.mapping.SoftDeleteColumn != "" {
			query = fmt.Sprintf("UPDATE %s SET %s = $1 WHERE %s = ANY($2)",
				quote(l.mapping.TargetTable), quote(l.mapping.SoftDeleteColumn), quote(l.mapping.PrimaryKey))
			args = []any{time.Now(), pq.Array(ids)}
		} else {
			query = fmt.Sprintf("DELETE FROM %s WHERE %s = ANY($1)", quote(l.mapping.TargetTable), quote(l.mapping.PrimaryKey))
			args = []any{pq.Array(ids)}
		}
		res, err := l.db.ExecContext(ctx, query, args...)
		if err != nil {
			return classify(err)
		}
		count, err = res.RowsAffected()
		return classify(err)
	})
	return count, err
}

// ExistingIDs returns every primary key currently present in the target
// table (spec §4.6 auxiliary operation; Loader half of hard-delete-by-diff,
// spec §9 Open Question 1).
func (l *Loader) ExistingIDs(ctx context.Context) (map[string]struct{}, error) {
	ids := map[string]struct{}{}
	err := dbconn.RetryableExec(ctx, l.dbCfg, func(ctx context.Context) error {
		ids = map[string]struct{}{}
		rows, err := l.db.QueryContext(ctx, fmt.Sprintf("SELECT %s FROM %s", quote(l.mapping.PrimaryKey), quote(l.mapping.TargetTable)))
		if err != nil {
			return classify(err)
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return classify(err)
			}
			ids[id] = struct{}{}
		}
		return classify(rows.Err())
	})
	return ids, err
}

func quote(ident string) string { return `"` + ident + `"` }

func quoteAll(idents []string) string {
	out := make([]string, len(idents))
	for i, s := range idents {
		out[i] = quote(s)
	}
	return strings.Join(out, ", ")
}

// retryablePQCode is the Postgres SQLSTATE set this engine treats as
// connectivity/contention transient, mirroring the teacher's
// canRetryError MySQL error-number switch but keyed on SQLSTATE since
// lib/pq reports errors that way.
var retryablePQCode = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"53300": true, // too_many_connections
	"57P03": true, // cannot_connect_now
	"08006": true, // connection_failure
	"08003": true, // connection_does_not_exist
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && retryablePQCode[string(pqErr.Code)] {
		return &synerr.TransientError{Op: "postgres exec", Cause: err}
	}
	return err
}
