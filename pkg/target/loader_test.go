package target

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tablesync/tablesync/pkg/config"
	"github.com/tablesync/tablesync/pkg/rowvalue"
)

func testMapping() config.TableMapping {
	return config.TableMapping{
		SourceTable:      "users",
		TargetTable:      "users",
		PrimaryKey:       "id",
		TimestampColumn:  "updated_at",
		SoftDeleteColumn: "deleted_at",
		FieldMappings: []config.FieldMapping{
			{Source: config.StringOrList{"id"}, Target: config.StringOrList{"id"}, Type: rowvalue.KindString},
			{Source: config.StringOrList{"name"}, Target: config.StringOrList{"name"}, Type: rowvalue.KindString},
		},
	}
}

func row(id, name string) rowvalue.Row {
	return rowvalue.Row{
		"id":   {Kind: rowvalue.KindString, Raw: id},
		"name": {Kind: rowvalue.KindString, Raw: name},
	}
}

func TestLoadBatchUpsertCommitsSingleTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	l := New(db, testMapping())
	result, err := l.LoadBatch(context.Background(), []rowvalue.Row{row("1", "a"), row("2", "b")}, ModeUpsert)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Updated)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadBatchFallsBackRowByRowOnConstraintViolation(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO").WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key"})
	mock.ExpectRollback()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO").WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key"})
	mock.ExpectRollback()

	l := New(db, testMapping())
	result, err := l.LoadBatch(context.Background(), []rowvalue.Row{row("1", "a"), row("2", "b")}, ModeUpsert)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Updated)
	require.Len(t, result.Failed, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteSoftDeleteSetsColumn(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("UPDATE").WillReturnResult(sqlmock.NewResult(0, 2))

	l := New(db, testMapping())
	count, err := l.Delete(context.Background(), []string{"1", "2"}, true)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteHardDeleteRemovesRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("DELETE FROM").WillReturnResult(sqlmock.NewResult(0, 1))

	l := New(db, testMapping())
	count, err := l.Delete(context.Background(), []string{"1"}, false)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
	require.NoError(t, mock.ExpectationsWereMet())
}
