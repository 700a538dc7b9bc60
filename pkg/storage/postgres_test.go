package storage

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore_PutIfAbsent_Conflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO records`).
		WithArgs(TableDetections, "d1", []byte(`{}`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	s := NewPostgresStore(db)
	created, err := s.PutIfAbsent(context.Background(), TableDetections, Record{Key: "d1", Body: []byte(`{}`)})
	require.NoError(t, err)
	assert.False(t, created, "existing row means the first writer already won")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PutIfAbsent_Created(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO records`).
		WithArgs(TableDetections, "d1", []byte(`{}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO record_attrs`).
		WithArgs(TableDetections, "d1", "service", "api").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	s := NewPostgresStore(db)
	created, err := s.PutIfAbsent(context.Background(), TableDetections, Record{
		Key: "d1", Body: []byte(`{}`), Attrs: map[string]string{"service": "api"},
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateVersioned_Conflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE records`).
		WithArgs([]byte(`{}`), TableIncidents, "i1", int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT COUNT`).
		WithArgs(TableIncidents, "i1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectRollback()

	s := NewPostgresStore(db)
	err = s.UpdateVersioned(context.Background(), TableIncidents, "i1", 3, []byte(`{}`), nil)
	assert.ErrorIs(t, err, ErrVersionConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Get_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT body, version FROM records`).
		WithArgs(TableIncidents, "missing").
		WillReturnRows(sqlmock.NewRows([]string{"body", "version"}))

	s := NewPostgresStore(db)
	_, err = s.Get(context.Background(), TableIncidents, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
