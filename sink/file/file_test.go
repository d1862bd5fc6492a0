package file

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unusual-whales/feedtap/types"
)

func newTestSink(t *testing.T) (*Sink, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := New(Config{Directory: dir, FilePrefix: "demo"}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Setup(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s, dir
}

func TestPersist_LineFormat(t *testing.T) {
	s, dir := newTestSink(t)

	received := time.Date(2025, 3, 14, 9, 30, 0, 123456000, time.UTC)
	batch := []types.Record{
		{Channel: "flow-alerts", Payload: json.RawMessage(`{"ticker":"TSLA"}`), ReceivedAt: received},
	}

	require.NoError(t, s.Persist(context.Background(), "flow_alerts", batch))

	data, err := os.ReadFile(filepath.Join(dir, "demo_flow_alerts.txt"))
	require.NoError(t, err)
	assert.Equal(t, "2025-03-14 09:30:00.123456|flow-alerts|{\"ticker\":\"TSLA\"}\n", string(data))
}

func TestPersist_OneFilePerKey(t *testing.T) {
	s, dir := newTestSink(t)
	ctx := context.Background()

	require.NoError(t, s.Persist(ctx, "greeks", []types.Record{
		{Channel: "gex:SPY", Payload: json.RawMessage(`{"gamma":1}`), ReceivedAt: time.Now()},
	}))
	require.NoError(t, s.Persist(ctx, "flow_alerts", []types.Record{
		{Channel: "flow-alerts", Payload: json.RawMessage(`{"id":"a"}`), ReceivedAt: time.Now()},
	}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"demo_greeks.txt", "demo_flow_alerts.txt"}, names)
}

func TestPersist_AppendsAcrossFlushes(t *testing.T) {
	s, dir := newTestSink(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Persist(ctx, "greeks", []types.Record{
			{Channel: "gex:SPY", Payload: json.RawMessage(`{"n":1}`), ReceivedAt: time.Now()},
		}))
	}

	data, err := os.ReadFile(filepath.Join(dir, "demo_greeks.txt"))
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(string(data), "\n"))
}

func TestPersist_EmptyBatchNoop(t *testing.T) {
	s, dir := newTestSink(t)

	require.NoError(t, s.Persist(context.Background(), "greeks", nil))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestNew_RequiresDirectory(t *testing.T) {
	_, err := New(Config{}, nil)
	assert.Error(t, err)
}

func TestClose_Idempotent(t *testing.T) {
	s, _ := newTestSink(t)

	require.NoError(t, s.Persist(context.Background(), "greeks", []types.Record{
		{Channel: "gex:SPY", Payload: json.RawMessage(`{}`), ReceivedAt: time.Now()},
	}))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}
