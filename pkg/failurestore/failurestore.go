// Package failurestore implements the Failure Store (spec §4.2): the
// append-mostly record of every row that was rejected at some pipeline
// stage, preserved for manual remediation. The record shape and its
// resolve/ignore/retry lifecycle are grounded on original_source's
// FailureHandler/FailedRecord (src/failure/handler.py), translated from a
// SQLite table into a Postgres table in the target database alongside the
// Checkpoint Store.
package failurestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Stage names the pipeline stage that rejected a record.
type Stage string

const (
	StageTransform Stage = "transform"
	StageValidate  Stage = "validate"
	StageLoad      Stage = "load"
)

// Status is the closed set of lifecycle states a FailedRecord passes
// through after it is created (spec §3: "mutated only by explicit operator
// action").
type Status string

const (
	StatusPending  Status = "pending"
	StatusResolved Status = "resolved"
	StatusIgnored  Status = "ignored"
	StatusRetrying Status = "retrying"
)

// FailedRecord is one rejected row (spec §3 FailedRecord).
type FailedRecord struct {
	ID               int64
	RunID            string
	TableName        string
	SourceRecordID   string
	Stage            Stage
	ErrorKind        string
	ErrorMessage     string
	SourceData       map[string]any
	TransformedData  map[string]any
	RetryCount       int
	Status           Status
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ListFilter narrows List/Count to a subset of records (spec §4.2 list
// operation).
type ListFilter struct {
	Table  string
	Status Status
	Stage  Stage
	Limit  int
	Offset int
}

// Statistics aggregates the Failure Store's current contents (spec §4.2
// statistics operation), mirroring the original's get_statistics grouping
// by status, by table, and by stage. Total and ByStatus count every record;
// ByTable and ByStage count pending records only.
type Statistics struct {
	Total    int64
	ByStatus map[Status]int64
	ByTable  map[string]int64
	ByStage  map[Stage]int64
}

// Store is the Failure Store contract (spec §4.2).
type Store interface {
	Append(ctx context.Context, rec *FailedRecord) (int64, error)
	AppendBatch(ctx context.Context, recs []*FailedRecord) error
	Get(ctx context.Context, id int64) (*FailedRecord, error)
	List(ctx context.Context, filter ListFilter) ([]*FailedRecord, error)
	Count(ctx context.Context, filter ListFilter) (int64, error)
	MarkResolved(ctx context.Context, id int64) error
	MarkIgnored(ctx context.Context, id int64) error
	IncrementRetry(ctx context.Context, id int64) (int, error)
	Statistics(ctx context.Context) (Statistics, error)
	ExistingIDs(ctx context.Context, table string) (map[string]struct{}, error)
}

// PostgresStore is the production Store: a table in the target database.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an already-open target connection.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, rec *FailedRecord) (int64, error) {
	srcJSON, err := json.Marshal(rec.SourceData)
	if err != nil {
		return 0, err
	}
	trJSON, err := json.Marshal(rec.TransformedData)
	if err != nil {
		return 0, err
	}
	var id int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO tablesync_failed_records (
			run_id, table_name, source_record_id, stage, error_kind, error_message,
			source_data, transformed_data, retry_count, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, now(), now())
		RETURNING id`,
		rec.RunID, rec.TableName, rec.SourceRecordID, rec.Stage, rec.ErrorKind, rec.ErrorMessage,
		srcJSON, trJSON, StatusPending,
	).Scan(&id)
	return id, err
}

// AppendBatch persists every record; per spec §4.2 this is "grouped for
// throughput" and is not required to be all-or-nothing, so one record's
// failure does not stop the rest.
func (s *PostgresStore) AppendBatch(ctx context.Context, recs []*FailedRecord) error {
	var firstErr error
	for _, rec := range recs {
		if _, err := s.Append(ctx, rec); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Get fetches one record by id, returning (nil, nil) when it does not
// exist — used by RetryFailed to load the stored row before replaying it.
func (s *PostgresStore) Get(ctx context.Context, id int64) (*FailedRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, run_id, table_name, source_record_id, stage, error_kind, error_message,
			source_data, transformed_data, retry_count, status, created_at, updated_at
		FROM tablesync_failed_records WHERE id = $1`, id)
	rec := &FailedRecord{}
	var srcJSON, trJSON []byte
	err := row.Scan(&rec.ID, &rec.RunID, &rec.TableName, &rec.SourceRecordID, &rec.Stage,
		&rec.ErrorKind, &rec.ErrorMessage, &srcJSON, &trJSON, &rec.RetryCount, &rec.Status,
		&rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal(srcJSON, &rec.SourceData)
	_ = json.Unmarshal(trJSON, &rec.TransformedData)
	return rec, nil
}

func (s *PostgresStore) List(ctx context.Context, filter ListFilter) ([]*FailedRecord, error) {
	query, args := buildFilteredQuery(`
		SELECT id, run_id, table_name, source_record_id, stage, error_kind, error_message,
			source_data, transformed_data, retry_count, status, created_at, updated_at
		FROM tablesync_failed_records`, filter)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*FailedRecord
	for rows.Next() {
		rec := &FailedRecord{}
		var srcJSON, trJSON []byte
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.TableName, &rec.SourceRecordID, &rec.Stage,
			&rec.ErrorKind, &rec.ErrorMessage, &srcJSON, &trJSON, &rec.RetryCount, &rec.Status,
			&rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(srcJSON, &rec.SourceData)
		_ = json.Unmarshal(trJSON, &rec.TransformedData)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Count(ctx context.Context, filter ListFilter) (int64, error) {
	filter.Limit, filter.Offset = 0, 0
	query, args := buildFilteredQuery(`SELECT COUNT(*) FROM tablesync_failed_records`, filter)
	var count int64
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&count)
	return count, err
}

func buildFilteredQuery(base string, filter ListFilter) (string, []any) {
	var conditions []string
	var args []any
	n := 1
	if filter.Table != "" {
		conditions = append(conditions, fmt.Sprintf("table_name = $%d", n))
		args = append(args, filter.Table)
		n++
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", n))
		args = append(args, filter.Status)
		n++
	}
	if filter.Stage != "" {
		conditions = append(conditions, fmt.Sprintf("stage = $%d", n))
		args = append(args, filter.Stage)
		n++
	}
	query := base
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", n)
		args = append(args, filter.Limit)
		n++
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", n)
		args = append(args, filter.Offset)
	}
	return query, args
}

func (s *PostgresStore) MarkResolved(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE tablesync_failed_records SET status = $2, updated_at = now() WHERE id = $1`, id, StatusResolved)
	return err
}

func (s *PostgresStore) MarkIgnored(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE tablesync_failed_records SET status = $2, updated_at = now() WHERE id = $1`, id, StatusIgnored)
	return err
}

func (s *PostgresStore) IncrementRetry(ctx context.Context, id int64) (int, error) {
	var retryCount int
	err := s.db.QueryRowContext(ctx, `
		UPDATE tablesync_failed_records
		SET retry_count = retry_count + 1, status = $2, updated_at = now()
		WHERE id = $1
		RETURNING retry_count`, id, StatusRetrying).Scan(&retryCount)
	return retryCount, err
}

func (s *PostgresStore) Statistics(ctx context.Context) (Statistics, error) {
	stats := Statistics{ByStatus: map[Status]int64{}, ByTable: map[string]int64{}, ByStage: map[Stage]int64{}}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tablesync_failed_records GROUP BY status`)
	if err != nil {
		return stats, err
	}
	for rows.Next() {
		var status Status
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return stats, err
		}
		stats.ByStatus[status] = n
		stats.Total += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return stats, err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT table_name, COUNT(*) FROM tablesync_failed_records WHERE status = $1 GROUP BY table_name`, StatusPending)
	if err != nil {
		return stats, err
	}
	for rows.Next() {
		var table string
		var n int64
		if err := rows.Scan(&table, &n); err != nil {
			rows.Close()
			return stats, err
		}
		stats.ByTable[table] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return stats, err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT stage, COUNT(*) FROM tablesync_failed_records WHERE status = $1 GROUP BY stage`, StatusPending)
	if err != nil {
		return stats, err
	}
	defer rows.Close()
	for rows.Next() {
		var stage Stage
		var n int64
		if err := rows.Scan(&stage, &n); err != nil {
			return stats, err
		}
		stats.ByStage[stage] = n
	}
	return stats, rows.Err()
}

// ExistingIDs returns the set of source record ids recorded in the Failure
// Store for table, whatever their status (spec §4.2 auxiliary operation).
func (s *PostgresStore) ExistingIDs(ctx context.Context, table string) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT source_record_id FROM tablesync_failed_records WHERE table_name = $1`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := map[string]struct{}{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

// Purge deletes terminal (resolved/ignored) records older than olderThan,
// or every record older than olderThan when terminalOnly is false. It
// implements the retention helper named in spec §4.2's commentary on
// FailedRecord lifecycle ("a retention policy outside the core may prune
// terminal rows older than N days") without wiring it into any scheduled
// entry point — an operator or an external cron job calls it explicitly.
func (s *PostgresStore) Purge(ctx context.Context, olderThan time.Time, terminalOnly bool) (int64, error) {
	query := `DELETE FROM tablesync_failed_records WHERE created_at < $1`
	args := []any{olderThan}
	if terminalOnly {
		query += ` AND status IN ($2, $3)`
		args = append(args, StatusResolved, StatusIgnored)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
