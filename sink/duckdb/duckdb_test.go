package duckdb

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unusual-whales/feedtap/sink"
	"github.com/unusual-whales/feedtap/types"
)

func newMockSink(t *testing.T) (*Sink, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s, err := New(db, "feed_records")
	require.NoError(t, err)
	return s, mock
}

func TestNewRejectsInvalidTableName(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	_, err = New(db, "feed records")
	assert.Error(t, err)

	_, err = New(db, "feed_records")
	assert.NoError(t, err)
}

func TestSetupCreatesTable(t *testing.T) {
	sink, mock := newMockSink(t)

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS feed_records")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, sink.Setup(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPersistInsertsBatch(t *testing.T) {
	sink, mock := newMockSink(t)

	received := time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)
	batch := []types.Record{
		{Channel: "gex:SPY", Payload: json.RawMessage(`{"gamma":1}`), ReceivedAt: received},
		{Channel: "gex:QQQ", Payload: json.RawMessage(`{"gamma":2}`), ReceivedAt: received},
	}

	mock.ExpectExec(regexp.QuoteMeta(
		"INSERT INTO feed_records (record_id, buffer_key, channel, payload, received_at) VALUES "+
			"(?,?,?,?,?),(?,?,?,?,?) ON CONFLICT (record_id) DO NOTHING")).
		WithArgs(
			sink.RecordID("greeks", batch[0]), "greeks", "gex:SPY", `{"gamma":1}`, received,
			sink.RecordID("greeks", batch[1]), "greeks", "gex:QQQ", `{"gamma":2}`, received,
		).
		WillReturnResult(sqlmock.NewResult(0, 2))

	require.NoError(t, sink.Persist(context.Background(), "greeks", batch))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPersistEmptyBatchIsNoop(t *testing.T) {
	sink, mock := newMockSink(t)

	require.NoError(t, sink.Persist(context.Background(), "greeks", nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPersistReportsInsertFailure(t *testing.T) {
	sink, mock := newMockSink(t)

	mock.ExpectExec("INSERT INTO feed_records").WillReturnError(assert.AnError)

	err := sink.Persist(context.Background(), "greeks", []types.Record{
		{Channel: "gex:SPY", Payload: json.RawMessage(`{}`), ReceivedAt: time.Now()},
	})
	assert.Error(t, err)
}
