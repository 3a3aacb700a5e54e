package pgtx

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithTx_CommitsAndShares(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE a").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE b").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = WithTx(context.Background(), db, func(ctx context.Context) error {
		assert.True(t, InTx(ctx))
		if _, err := Conn(ctx, db).ExecContext(ctx, "UPDATE a"); err != nil {
			return err
		}
		// nested call joins the outer transaction
		return WithTx(ctx, db, func(ctx context.Context) error {
			_, err := Conn(ctx, db).ExecContext(ctx, "UPDATE b")
			return err
		})
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	err = WithTx(context.Background(), db, func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, IsUniqueViolation(&pq.Error{Code: "23505"}))
	assert.False(t, IsUniqueViolation(&pq.Error{Code: "23503"}))
	assert.False(t, IsUniqueViolation(errors.New("x")))
}

func TestNullHelpers(t *testing.T) {
	assert.False(t, NullString("").Valid)
	assert.True(t, NullString("x").Valid)
	assert.False(t, NullTime(nil).Valid)
	now := time.Now()
	assert.Equal(t, now, *TimePtr(NullTime(&now)))
	assert.Nil(t, TimePtr(NullTime(nil)))
}
