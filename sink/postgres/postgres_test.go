package postgres

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

func newMockSink(t *testing.T, table string) (*Sink, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s, err := New(db, table)
	require.NoError(t, err)
	return s, mock
}

func TestNewRejectsInvalidTableName(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	for _, table := range []string{"", "flow alerts", "alerts;drop", "1alerts", "a.b"} {
		_, err := New(db, table)
		assert.Error(t, err, "table %q should be rejected", table)
	}

	_, err = New(db, "flow_alerts")
	assert.NoError(t, err)
}

func TestNewRequiresDB(t *testing.T) {
	_, err := New(nil, "flow_alerts")
	assert.Error(t, err)
}

func TestSetupCreatesTable(t *testing.T) {
	sink, mock := newMockSink(t, "feed_records")

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS feed_records")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, sink.Setup(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPersistInsertsBatch(t *testing.T) {
	s, mock := newMockSink(t, "feed_records")

	received := time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)
	batch := []types.Record{
		{Channel: "flow-alerts", Payload: json.RawMessage(`{"ticker":"TSLA"}`), ReceivedAt: received},
		{Channel: "flow-alerts", Payload: json.RawMessage(`{"ticker":"NVDA"}`), ReceivedAt: received.Add(time.Second)},
	}

	mock.ExpectExec(regexp.QuoteMeta(
		"INSERT INTO feed_records (record_id, buffer_key, channel, payload, received_at) VALUES "+
			"($1,$2,$3,$4,$5),($6,$7,$8,$9,$10) ON CONFLICT (record_id) DO NOTHING")).
		WithArgs(
			sink.RecordID("flow_alerts", batch[0]), "flow_alerts", "flow-alerts", []byte(`{"ticker":"TSLA"}`), received,
			sink.RecordID("flow_alerts", batch[1]), "flow_alerts", "flow-alerts", []byte(`{"ticker":"NVDA"}`), received.Add(time.Second),
		).
		WillReturnResult(sqlmock.NewResult(0, 2))

	require.NoError(t, s.Persist(context.Background(), "flow_alerts", batch))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPersistEmptyBatchIsNoop(t *testing.T) {
	sink, mock := newMockSink(t, "feed_records")

	require.NoError(t, sink.Persist(context.Background(), "flow_alerts", nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPersistReportsInsertFailure(t *testing.T) {
	sink, mock := newMockSink(t, "feed_records")

	mock.ExpectExec("INSERT INTO feed_records").
		WillReturnError(assert.AnError)

	err := sink.Persist(context.Background(), "flow_alerts", []types.Record{
		{Channel: "flow-alerts", Payload: json.RawMessage(`{}`), ReceivedAt: time.Now()},
	})
	assert.Error(t, err)
}

func TestRecordIDDeterministic(t *testing.T) {
	received := time.Date(2025, 3, 14, 9, 30, 0, 123456000, time.UTC)
	rec := types.Record{Channel: "flow-alerts", Payload: json.RawMessage(`{"id":1}`), ReceivedAt: received}

	assert.Equal(t, sink.RecordID("flow_alerts", rec), sink.RecordID("flow_alerts", rec))
	assert.NotEqual(t, sink.RecordID("flow_alerts", rec), sink.RecordID("option_trades", rec))

	other := rec
	other.Payload = json.RawMessage(`{"id":2}`)
	assert.NotEqual(t, sink.RecordID("flow_alerts", rec), sink.RecordID("flow_alerts", other))
}

func TestCloseReleasesConnection(t *testing.T) {
	sink, mock := newMockSink(t, "feed_records")
	mock.ExpectClose()

	require.NoError(t, sink.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}
