// Package source implements the Extractor (spec §4.3): a lazy, finite,
// restartable sequence of batches of changed rows, ordered and paged by a
// composite (timestamp, primary key) cursor. The composite-cursor
// comparison logic is grounded on the teacher's chunkerComposite
// watermark tracking (pkg/table/chunker*.go), generalized from chunking a
// full-table copy to paging an incremental change stream.
package source

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/siddontang/loggers"

	"github.com/tablesync/tablesync/pkg/config"
	"github.com/tablesync/tablesync/pkg/dbconn"
	"github.com/tablesync/tablesync/pkg/rowvalue"
	"github.com/tablesync/tablesync/pkg/synerr"
)

// Cursor is the composite (timestamp, primary key) position used to order
// and resume extraction (spec glossary: "composite cursor").
type Cursor struct {
	Timestamp  rowvalue.Value
	PrimaryKey rowvalue.Value
}

// Zero is the absent cursor: a full-table scan (spec §4.3).
var Zero = Cursor{}

// HasValue reports whether the cursor names a position, or is absent.
func (c Cursor) HasValue() bool { return !c.Timestamp.IsNull() }

// Less reports whether c sorts strictly before other under
// (timestamp ASC, primaryKey ASC).
func (c Cursor) Less(other Cursor) bool {
	if cmp := rowvalue.Compare(c.Timestamp, other.Timestamp); cmp != 0 {
		return cmp < 0
	}
	return rowvalue.Compare(c.PrimaryKey, other.PrimaryKey) < 0
}

// Equal reports whether c and other name the same position.
func (c Cursor) Equal(other Cursor) bool {
	return rowvalue.Compare(c.Timestamp, other.Timestamp) == 0 &&
		rowvalue.Compare(c.PrimaryKey, other.PrimaryKey) == 0
}

// Extractor reads changed rows from the MySQL source table named by a
// TableMapping.
type Extractor struct {
	db      *sql.DB
	mapping config.TableMapping
	dbCfg   *dbconn.Config
	logger  loggers.Advanced
	columns []string
	pkKind  rowvalue.Kind
}

// New builds an Extractor for one table mapping. columns lists every
// source column that must be read (the union of all fieldMappings'
// sources plus the primary key, timestamp, and soft-delete columns).
func New(db *sql.DB, mapping config.TableMapping, logger loggers.Advanced) *Extractor {
	return &Extractor{
		db:      db,
		mapping: mapping,
		dbCfg:   dbconn.NewConfig(),
		logger:  logger,
		columns: sourceColumns(mapping),
		pkKind:  primaryKeyKind(mapping),
	}
}

// primaryKeyKind looks up the declared type of the primary key column from
// the field mapping that names it as its sole source, defaulting to
// KindString when the primary key isn't directly mapped (e.g. it is only
// ever consumed through a composite transform). The cursor's in-memory
// ordering (Cursor.Less, the Next monotonicity guard) must agree with this
// kind, since the SQL query orders an integer column numerically.
func primaryKeyKind(mapping config.TableMapping) rowvalue.Kind {
	for _, fm := range mapping.FieldMappings {
		if len(fm.Source) == 1 && fm.Source.Single() == mapping.PrimaryKey {
			return fm.Type
		}
	}
	return rowvalue.KindString
}

func sourceColumns(mapping config.TableMapping) []string {
	seen := map[string]bool{mapping.PrimaryKey: true, mapping.TimestampColumn: true}
	cols := []string{mapping.PrimaryKey, mapping.TimestampColumn}
	if mapping.SoftDeleteColumn != "" && !seen[mapping.SoftDeleteColumn] {
		seen[mapping.SoftDeleteColumn] = true
		cols = append(cols, mapping.SoftDeleteColumn)
	}
	for _, fm := range mapping.FieldMappings {
		for _, c := range fm.Source {
			if !seen[c] {
				seen[c] = true
				cols = append(cols, c)
			}
		}
	}
	return cols
}

// BatchIterator is the restartable, lazy sequence of batches described by
// spec §4.3. Consumers may stop iterating at any point and resume later
// from the cursor of the last consumed row.
type BatchIterator struct {
	ex        *Extractor
	cursor    Cursor
	batchSize int
	done      bool
}

// ChangesSince returns a lazy iterator over batches of rows strictly after
// cursor, in (timestamp ASC, primaryKey ASC) order (spec §4.3). When
// cursor is Zero the predicate is vacuously true: a full-table scan.
func (e *Extractor) ChangesSince(cursor Cursor, batchSize int) *BatchIterator {
	return &BatchIterator{ex: e, cursor: e.normalizeCursor(cursor), batchSize: batchSize}
}

// normalizeCursor recoerces an externally supplied cursor's primary key
// into this extractor's declared kind. A cursor resumed from the
// Checkpoint Store is always decoded as KindString (the store persists it
// as text); without this it would be compared against freshly scanned
// rows' typed primary keys by falling back to a lexicographic string
// comparison instead of the numeric order the SQL query actually uses.
func (e *Extractor) normalizeCursor(c Cursor) Cursor {
	if c.PrimaryKey.Kind == e.pkKind {
		return c
	}
	pk, err := rowvalue.FromDriver(e.pkKind, c.PrimaryKey.Raw)
	if err != nil {
		return c
	}
	return Cursor{Timestamp: c.Timestamp, PrimaryKey: pk}
}

// Done reports whether the iterator has reached a short/empty batch.
func (it *BatchIterator) Done() bool { return it.done }

// Cursor returns the composite cursor of the last row returned by Next.
func (it *BatchIterator) Cursor() Cursor { return it.cursor }

// Next fetches the next batch. An empty or short batch (shorter than
// batchSize) ends the sequence; subsequent calls return an empty batch.
func (it *BatchIterator) Next(ctx context.Context) ([]rowvalue.Row, error) {
	if it.done {
		return nil, nil
	}
	rows, err := it.ex.fetchBatch(ctx, it.cursor, it.batchSize)
	if err != nil {
		return nil, err
	}
	if len(rows) > 0 {
		last := rows[len(rows)-1]
		newCursor := Cursor{
			Timestamp:  last[it.ex.mapping.TimestampColumn],
			PrimaryKey: last[it.ex.mapping.PrimaryKey],
		}
		if !it.cursor.Less(newCursor) && it.cursor.HasValue() {
			return nil, &synerr.SourceIntegrityError{
				Table:  it.ex.mapping.SourceTable,
				Reason: fmt.Sprintf("cursor did not advance past %v; duplicate (timestamp, primaryKey) pair", it.cursor),
			}
		}
		it.cursor = newCursor
	}
	if len(rows) < it.batchSize {
		it.done = true
	}
	return rows, nil
}

// fetchBatch runs the composite-cursor predicate query of spec §4.3.
func (e *Extractor) fetchBatch(ctx context.Context, cursor Cursor, batchSize int) ([]rowvalue.Row, error) {
	query, args := e.selectQuery(cursor, batchSize)

	var rows []rowvalue.Row
	err := dbconn.RetryableExec(ctx, e.dbCfg, func(ctx context.Context) error {
		rows = nil
		result, qerr := e.db.QueryContext(ctx, query, args...)
		if qerr != nil {
			return classify(qerr)
		}
		defer result.Close()
		parsed, perr := e.scanRows(result)
		if perr != nil {
			return classify(perr)
		}
		rows = parsed
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := detectDuplicateTies(rows, e.mapping); err != nil {
		return nil, err
	}
	return rows, nil
}

// detectDuplicateTies guards against a malformed source table where two
// rows in the same batch share an identical (timestamp, primaryKey) pair
// (spec §4.3 edge case: "the source has duplicate ... pairs").
func detectDuplicateTies(rows []rowvalue.Row, mapping config.TableMapping) error {
	seen := map[string]bool{}
	for _, r := range rows {
		ts, _ := r[mapping.TimestampColumn].AsString()
		pk, _ := r[mapping.PrimaryKey].AsString()
		key := ts + "\x00" + pk
		if seen[key] {
			return &synerr.SourceIntegrityError{
				Table:  mapping.SourceTable,
				Reason: fmt.Sprintf("duplicate (timestamp=%s, primaryKey=%s) pair", ts, pk),
			}
		}
		seen[key] = true
	}
	return nil
}

func (e *Extractor) selectQuery(cursor Cursor, batchSize int) (string, []any) {
	cols := quoteAll(e.columns)
	q := fmt.Sprintf("SELECT %s FROM %s", strings.Join(cols, ", "), quote(e.mapping.SourceTable))
	var args []any
	if cursor.HasValue() {
		q += fmt.Sprintf(" WHERE %s > ? OR (%s = ? AND %s > ?)",
			quote(e.mapping.TimestampColumn), quote(e.mapping.TimestampColumn), quote(e.mapping.PrimaryKey))
		args = append(args, cursor.Timestamp.Raw, cursor.Timestamp.Raw, cursor.PrimaryKey.Raw)
	}
	q += fmt.Sprintf(" ORDER BY %s ASC, %s ASC LIMIT ?", quote(e.mapping.TimestampColumn), quote(e.mapping.PrimaryKey))
	args = append(args, batchSize)
	return q, args
}

// CountSince returns a best-effort estimate of rows newer than cursorTs
// (spec §4.3 auxiliary operation, used for progress reporting only).
func (e *Extractor) CountSince(ctx context.Context, cursorTs rowvalue.Value) (int64, error) {
	q := fmt.Sprintf("SELECT COUNT(*) FROM %s", quote(e.mapping.SourceTable))
	var args []any
	if !cursorTs.IsNull() {
		q += fmt.Sprintf(" WHERE %s > ?", quote(e.mapping.TimestampColumn))
		args = append(args, cursorTs.Raw)
	}
	var count int64
	err := dbconn.RetryableExec(ctx, e.dbCfg, func(ctx context.Context) error {
		row := e.db.QueryRowContext(ctx, q, args...)
		return classify(row.Scan(&count))
	})
	return count, err
}

// LatestTimestamp returns the maximum timestampColumn value currently on
// the source, or a null Value if the table is empty.
func (e *Extractor) LatestTimestamp(ctx context.Context) (rowvalue.Value, error) {
	q := fmt.Sprintf("SELECT MAX(%s) FROM %s", quote(e.mapping.TimestampColumn), quote(e.mapping.SourceTable))
	var raw sql.NullString
	err := dbconn.RetryableExec(ctx, e.dbCfg, func(ctx context.Context) error {
		row := e.db.QueryRowContext(ctx, q)
		return classify(row.Scan(&raw))
	})
	if err != nil {
		return rowvalue.Value{}, err
	}
	if !raw.Valid {
		return rowvalue.Null(rowvalue.KindTimestamp), nil
	}
	return rowvalue.FromDriver(rowvalue.KindTimestamp, raw.String)
}

// SnapshotAllIDs returns the full set of primary keys currently on the
// source. It is the Extractor half of optional hard-delete-by-diff
// detection (spec §4.3 auxiliary operation; spec §9 Open Question 1 — an
// orchestrator extension, not invoked from the base sync loop).
func (e *Extractor) SnapshotAllIDs(ctx context.Context) (map[string]struct{}, error) {
	q := fmt.Sprintf("SELECT %s FROM %s", quote(e.mapping.PrimaryKey), quote(e.mapping.SourceTable))
	ids := map[string]struct{}{}
	err := dbconn.RetryableExec(ctx, e.dbCfg, func(ctx context.Context) error {
		ids = map[string]struct{}{}
		rows, qerr := e.db.QueryContext(ctx, q)
		if qerr != nil {
			return classify(qerr)
		}
		defer rows.Close()
		for rows.Next() {
			var raw any
			if err := rows.Scan(&raw); err != nil {
				return classify(err)
			}
			v, err := rowvalue.FromDriver(rowvalue.KindString, raw)
			if err != nil {
				return err
			}
			s, _ := v.AsString()
			ids[s] = struct{}{}
		}
		return classify(rows.Err())
	})
	return ids, err
}

func (e *Extractor) scanRows(result *sql.Rows) ([]rowvalue.Row, error) {
	colTypes, err := result.ColumnTypes()
	if err != nil {
		return nil, err
	}
	kindByCol := make([]rowvalue.Kind, len(colTypes))
	for i, name := range e.columns {
		kindByCol[i] = e.declaredKind(name)
	}

	var rows []rowvalue.Row
	for result.Next() {
		raws := make([]any, len(e.columns))
		ptrs := make([]any, len(e.columns))
		for i := range raws {
			ptrs[i] = &raws[i]
		}
		if err := result.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(rowvalue.Row, len(e.columns))
		for i, col := range e.columns {
			v, err := rowvalue.FromDriver(kindByCol[i], raws[i])
			if err != nil {
				// A malformed pk/timestamp value is a source-integrity
				// problem, not a per-row transform error: the cursor
				// depends on it being well-formed.
				return nil, &synerr.SourceIntegrityError{
					Table:  e.mapping.SourceTable,
					Reason: fmt.Sprintf("column %s: %v", col, err),
				}
			}
			row[col] = v
		}
		rows = append(rows, row)
	}
	return rows, result.Err()
}

// declaredKind returns the Kind the Transformer will expect this source
// column to carry. The timestamp and soft-delete columns are forced to
// their structural kind; the primary key carries its declared mapping
// type so numeric cursor comparisons agree with the SQL ORDER BY; every
// other column defaults to string and is coerced downstream by the
// Transformer according to the field mapping's declared type.
func (e *Extractor) declaredKind(col string) rowvalue.Kind {
	switch col {
	case e.mapping.TimestampColumn:
		return rowvalue.KindTimestamp
	case e.mapping.PrimaryKey:
		return e.pkKind
	case e.mapping.SoftDeleteColumn:
		return rowvalue.KindTimestamp
	default:
		return rowvalue.KindString
	}
}

func quote(ident string) string  { return "`" + ident + "`" }
func quoteAll(idents []string) []string {
	out := make([]string, len(idents))
	for i, s := range idents {
		out[i] = quote(s)
	}
	return out
}

// retryableErrNumber is the teacher's canRetryError error-number set
// (pkg/dbconn/dbconn.go): lock wait timeout, deadlock, connection loss,
// read-only failover, and query-killed-by-DBA.
var retryableErrNumber = map[uint16]bool{
	1205: true, // ER_LOCK_WAIT_TIMEOUT
	1213: true, // ER_LOCK_DEADLOCK
	2003: true, // CR_CONN_HOST_ERROR
	2013: true, // CR_SERVER_LOST
	1290: true, // ER_OPTION_PREVENTS_STATEMENT (read-only)
	1836: true, // ER_QUERY_KILLED (reused for query interrupted)
}

// classify wraps a MySQL driver error as a synerr.TransientError when it
// matches the teacher's retryable error-number set, else passes it through
// unchanged so the Orchestrator treats it as fatal (spec §7: "all other
// errors propagate unmodified").
func classify(err error) error {
	if err == nil {
		return nil
	}
	var merr *mysql.MySQLError
	if errorsAsMySQL(err, &merr) && retryableErrNumber[merr.Number] {
		return &synerr.TransientError{Op: "mysql query", Cause: err}
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) {
		return &synerr.TransientError{Op: "mysql query", Cause: err}
	}
	return err
}

func errorsAsMySQL(err error, target **mysql.MySQLError) bool {
	return errors.As(err, target)
}
