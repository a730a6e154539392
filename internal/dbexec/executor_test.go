package dbexec

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func TestCall_ReadRunsWithoutTransaction(t *testing.T) {
	db, mock := newMock(t)
	rows := sqlmock.NewRows([]string{"id_sector", "nombre"}).
		AddRow(1, []byte("Norte")).
		AddRow(2, "Sur")
	mock.ExpectQuery("CALL `sp_sectores_leer`()").WillReturnRows(rows)

	res, err := NewExecutor(db, time.Second).Call(context.Background(), "sp_sectores_leer", []any{}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ResultSets)
	require.Len(t, res.Rows, 2)
	assert.Equal(t, "Norte", res.Rows[0]["nombre"])
	assert.Equal(t, "Sur", res.Rows[1]["nombre"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCall_PassesArgsPositionally(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectQuery("CALL `sp_reportes_plazas_leer_por_id`(?, ?)").
		WithArgs(3, 7).
		WillReturnRows(sqlmock.NewRows([]string{"id_reporte", "id_plaza"}).AddRow(3, 7))

	res, err := NewExecutor(db, 0).Call(context.Background(), "sp_reportes_plazas_leer_por_id", []any{3, 7}, false)
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCall_NullArgs(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery("CALL `sp_sectores_insertar`(?, ?)").
		WithArgs(nil, "x").
		WillReturnRows(sqlmock.NewRows(nil))
	mock.ExpectCommit()

	res, err := NewExecutor(db, 0).Call(context.Background(), "sp_sectores_insertar", []any{nil, "x"}, true)
	require.NoError(t, err)
	assert.NotNil(t, res.Rows)
	assert.Empty(t, res.Rows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCall_FlattensMultipleResultSets(t *testing.T) {
	db, mock := newMock(t)
	first := sqlmock.NewRows([]string{"a"}).AddRow(1)
	second := sqlmock.NewRows([]string{"b"}).AddRow(2).AddRow(3)
	mock.ExpectQuery("CALL `sp_camaras_leer`()").WillReturnRows(first, second)

	res, err := NewExecutor(db, 0).Call(context.Background(), "sp_camaras_leer", nil, false)
	require.NoError(t, err)
	assert.Equal(t, 2, res.ResultSets)
	assert.Equal(t, []map[string]any{
		{"a": int64(1)},
		{"b": int64(2)},
		{"b": int64(3)},
	}, res.Rows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCall_MutationCommits(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery("CALL `sp_sectores_eliminar`(?)").
		WithArgs(5).
		WillReturnRows(sqlmock.NewRows([]string{"filas_afectadas"}).AddRow(1))
	mock.ExpectCommit()

	res, err := NewExecutor(db, 0).Call(context.Background(), "sp_sectores_eliminar", []any{5}, true)
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCall_MutationRollsBackOnError(t *testing.T) {
	db, mock := newMock(t)
	boom := errors.New("duplicate entry")
	mock.ExpectBegin()
	mock.ExpectQuery("CALL `sp_sectores_insertar`(?, ?)").
		WithArgs("Norte", nil).
		WillReturnError(boom)
	mock.ExpectRollback()

	_, err := NewExecutor(db, 0).Call(context.Background(), "sp_sectores_insertar", []any{"Norte", nil}, true)
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCall_MutationRollsBackOnRowError(t *testing.T) {
	db, mock := newMock(t)
	rowErr := errors.New("row failure")
	mock.ExpectBegin()
	mock.ExpectQuery("CALL `sp_sectores_actualizar`(?, ?, ?)").
		WillReturnRows(sqlmock.NewRows([]string{"x"}).AddRow(1).RowError(0, rowErr))
	mock.ExpectRollback()

	_, err := NewExecutor(db, 0).Call(context.Background(), "sp_sectores_actualizar", []any{1, "a", "b"}, true)
	assert.ErrorIs(t, err, rowErr)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCall_BeginFailure(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectBegin().WillReturnError(sql.ErrConnDone)

	_, err := NewExecutor(db, 0).Call(context.Background(), "sp_sectores_eliminar", []any{1}, true)
	assert.ErrorIs(t, err, sql.ErrConnDone)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCall_CommitFailure(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery("CALL `sp_sectores_eliminar`(?)").WillReturnRows(sqlmock.NewRows(nil))
	mock.ExpectCommit().WillReturnError(sql.ErrTxDone)

	_, err := NewExecutor(db, 0).Call(context.Background(), "sp_sectores_eliminar", []any{1}, true)
	assert.ErrorIs(t, err, sql.ErrTxDone)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCall_NilDB(t *testing.T) {
	_, err := NewExecutor(nil, 0).Call(context.Background(), "sp_x_leer", nil, false)
	assert.ErrorIs(t, err, sql.ErrConnDone)
}

func TestConvertValue(t *testing.T) {
	assert.Nil(t, convertValue(nil))
	assert.Equal(t, "abc", convertValue([]byte("abc")))
	assert.Equal(t, int64(4), convertValue(int64(4)))
}
