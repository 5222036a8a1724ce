package storage

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockBackend(t *testing.T, dialect Dialect) (*SQLBackend, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS kv").WillReturnResult(sqlmock.NewResult(0, 0))
	b, err := NewSQLBackend(context.Background(), db, dialect)
	require.NoError(t, err)
	return b, mock
}

func TestSQLBackend_PostgresPlaceholders(t *testing.T) {
	b, mock := newMockBackend(t, DialectPostgres)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO kv (k, v) VALUES ($1, $2) ON CONFLICT (k) DO UPDATE SET v = excluded.v`)).
		WithArgs([]byte("k"), []byte("v")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM kv WHERE k = $1`)).
		WithArgs([]byte("old")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := b.Update(ctx, func(tx Tx) error {
		if err := tx.Put(ctx, []byte("k"), []byte("v")); err != nil {
			return err
		}
		return tx.Delete(ctx, []byte("old"))
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLBackend_GetMissing(t *testing.T) {
	b, mock := newMockBackend(t, DialectSQLite)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT v FROM kv WHERE k = ?`)).
		WithArgs([]byte("missing")).
		WillReturnRows(sqlmock.NewRows([]string{"v"}))
	mock.ExpectRollback()

	err := b.View(ctx, func(tx Tx) error {
		_, ok, err := tx.Get(ctx, []byte("missing"))
		assert.False(t, ok)
		return err
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLBackend_ScanRange(t *testing.T) {
	b, mock := newMockBackend(t, DialectSQLite)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT k, v FROM kv WHERE k >= ? AND k < ? ORDER BY k`)).
		WithArgs([]byte("q/"), []byte("q0")).
		WillReturnRows(sqlmock.NewRows([]string{"k", "v"}).
			AddRow([]byte("q/1"), []byte("a")).
			AddRow([]byte("q/2"), []byte("b")))
	mock.ExpectRollback()

	var got []string
	err := b.View(ctx, func(tx Tx) error {
		return tx.Scan(ctx, []byte("q/"), func(k, v []byte) error {
			got = append(got, string(k)+"="+string(v))
			return nil
		})
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"q/1=a", "q/2=b"}, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLBackend_RollbackOnError(t *testing.T) {
	b, mock := newMockBackend(t, DialectSQLite)
	ctx := context.Background()
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := b.Update(ctx, func(Tx) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLBackend_UnknownDialect(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	_, err = NewSQLBackend(context.Background(), db, Dialect("oracle"))
	assert.Error(t, err)
}
