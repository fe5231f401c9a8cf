package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/deskops/store"
)

func TestRecordServerEventUpWithDuration(t *testing.T) {
	d, mock := newMockDB(t)

	at := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	duration := int64(150)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO monitoring\.server_events`).
		WithArgs(int32(3), "UP", at, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO monitoring\.server_metrics`).
		WithArgs(int32(3), duration, at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO monitoring\.daily_stats`).
		WithArgs(int32(3), at, duration).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := d.RecordServerEvent(context.Background(), &store.RecordServerEvent{
		ServerID:        3,
		Kind:            store.ServerEventUp,
		At:              at,
		DurationSeconds: &duration,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordServerEventDownSkipsCounters(t *testing.T) {
	d, mock := newMockDB(t)

	at := time.Date(2026, 8, 24, 12, 1, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO monitoring\.server_events`).
		WithArgs(int32(3), "DOWN", at, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO monitoring\.server_metrics`).
		WithArgs(int32(3), "DOWN", at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := d.RecordServerEvent(context.Background(), &store.RecordServerEvent{
		ServerID: 3,
		Kind:     store.ServerEventDown,
		At:       at,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordServerEventRollsBackOnFailure(t *testing.T) {
	d, mock := newMockDB(t)

	at := time.Now()
	duration := int64(30)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO monitoring\.server_events`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO monitoring\.server_metrics`).
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err := d.RecordServerEvent(context.Background(), &store.RecordServerEvent{
		ServerID:        3,
		Kind:            store.ServerEventUp,
		At:              at,
		DurationSeconds: &duration,
	})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
