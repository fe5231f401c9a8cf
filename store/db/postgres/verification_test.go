package postgres

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/deskops/store"
)

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return &DB{db: db}, mock
}

const selectVerification = `SELECT email, code, expires_at FROM telegram.verification_codes WHERE chat_user_id = $1 FOR UPDATE`

func TestConsumeVerificationMatch(t *testing.T) {
	d, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(selectVerification)).
		WithArgs(int32(7)).
		WillReturnRows(sqlmock.NewRows([]string{"email", "code", "expires_at"}).
			AddRow("alice@a.com", "482915", time.Now().Add(4*time.Minute)))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM telegram.verification_codes WHERE chat_user_id = $1`)).
		WithArgs(int32(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	email, err := d.ConsumeVerification(context.Background(), 7, "482915")
	require.NoError(t, err)
	assert.Equal(t, "alice@a.com", email)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConsumeVerificationWrongCodeKeepsRow(t *testing.T) {
	d, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(selectVerification)).
		WithArgs(int32(7)).
		WillReturnRows(sqlmock.NewRows([]string{"email", "code", "expires_at"}).
			AddRow("alice@a.com", "482915", time.Now().Add(4*time.Minute)))
	mock.ExpectRollback()

	_, err := d.ConsumeVerification(context.Background(), 7, "000000")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConsumeVerificationExpiredDeletesRow(t *testing.T) {
	d, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(selectVerification)).
		WithArgs(int32(7)).
		WillReturnRows(sqlmock.NewRows([]string{"email", "code", "expires_at"}).
			AddRow("alice@a.com", "482915", time.Now().Add(-time.Minute)))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM telegram.verification_codes WHERE chat_user_id = $1`)).
		WithArgs(int32(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	// Even with the right code, an expired row is consumed but not honored.
	_, err := d.ConsumeVerification(context.Background(), 7, "482915")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConsumeVerificationMissing(t *testing.T) {
	d, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(selectVerification)).
		WithArgs(int32(7)).
		WillReturnRows(sqlmock.NewRows([]string{"email", "code", "expires_at"}))
	mock.ExpectRollback()

	_, err := d.ConsumeVerification(context.Background(), 7, "482915")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
