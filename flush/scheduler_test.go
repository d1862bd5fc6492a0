package flush

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unusual-whales/feedtap/bufferset"
	"github.com/unusual-whales/feedtap/errors"
	"github.com/unusual-whales/feedtap/types"
)

// recordingSink captures persisted batches and can fail a scripted number
// of Persist calls first.
type recordingSink struct {
	mu        sync.Mutex
	setups    int
	setupErrs []error
	closes    int
	failFirst int
	calls     int
	batches   map[types.Key][][]types.Record
}

func newRecordingSink() *recordingSink {
	return &recordingSink{batches: make(map[types.Key][][]types.Record)}
}

func (r *recordingSink) Name() string { return "recording" }

func (r *recordingSink) Setup(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setups++
	if r.setups <= len(r.setupErrs) {
		return r.setupErrs[r.setups-1]
	}
	return nil
}

func (r *recordingSink) setupCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setups
}

func (r *recordingSink) Persist(_ context.Context, key types.Key, batch []types.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.calls <= r.failFirst {
		return errors.WrapTransient(errors.ErrPersistFailed, "Sink", "Persist", "scripted failure")
	}
	copied := append([]types.Record(nil), batch...)
	r.batches[key] = append(r.batches[key], copied)
	return nil
}

func (r *recordingSink) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closes++
	return nil
}

func (r *recordingSink) batchesFor(key types.Key) [][]types.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]types.Record, len(r.batches[key]))
	copy(out, r.batches[key])
	return out
}

func (r *recordingSink) totalRecords(key types.Key) int {
	n := 0
	for _, b := range r.batchesFor(key) {
		n += len(b)
	}
	return n
}

func record(seq int) types.Record {
	payload, _ := json.Marshal(map[string]int{"seq": seq})
	return types.Record{Channel: "flow-alerts", Payload: payload, ReceivedAt: time.Now()}
}

func assertSequence(t *testing.T, batches [][]types.Record, want int) {
	t.Helper()
	seq := 0
	for _, batch := range batches {
		for _, rec := range batch {
			var payload struct {
				Seq int `json:"seq"`
			}
			require.NoError(t, json.Unmarshal(rec.Payload, &payload))
			assert.Equal(t, seq, payload.Seq, "records must flush in arrival order")
			seq++
		}
	}
	assert.Equal(t, want, seq)
}

func TestIntervalFlush(t *testing.T) {
	buffers, err := bufferset.New()
	require.NoError(t, err)
	snk := newRecordingSink()
	mock := clock.NewMock()

	sched, err := New(Config{Interval: time.Second}, buffers, snk, WithClock(mock))
	require.NoError(t, err)

	require.NoError(t, sched.Start(context.Background()))
	defer sched.Stop(2 * time.Second)

	for i := 0; i < 3; i++ {
		buffers.Append("flow_alerts", record(i))
	}

	// Let the flush loop arm its ticker before advancing.
	time.Sleep(50 * time.Millisecond)
	mock.Add(time.Second)

	require.Eventually(t, func() bool {
		return snk.totalRecords("flow_alerts") == 3
	}, 2*time.Second, 10*time.Millisecond)
	assertSequence(t, snk.batchesFor("flow_alerts"), 3)
	assert.Equal(t, 0, buffers.Total())
}

func TestThresholdFlushWithoutTick(t *testing.T) {
	buffers, err := bufferset.New(bufferset.WithSizeThreshold(3))
	require.NoError(t, err)
	snk := newRecordingSink()
	mock := clock.NewMock()

	sched, err := New(Config{Interval: time.Hour}, buffers, snk, WithClock(mock))
	require.NoError(t, err)

	require.NoError(t, sched.Start(context.Background()))
	defer sched.Stop(2 * time.Second)

	time.Sleep(50 * time.Millisecond)
	for i := 0; i < 3; i++ {
		buffers.Append("flow_alerts", record(i))
	}

	// The clock never advances; only the size threshold can trigger this.
	require.Eventually(t, func() bool {
		return snk.totalRecords("flow_alerts") == 3
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFailedPersistRequeuesAndRetriesInOrder(t *testing.T) {
	buffers, err := bufferset.New()
	require.NoError(t, err)
	snk := newRecordingSink()
	snk.failFirst = 1
	mock := clock.NewMock()

	sched, err := New(Config{Interval: time.Second}, buffers, snk, WithClock(mock))
	require.NoError(t, err)

	require.NoError(t, sched.Start(context.Background()))
	defer sched.Stop(2 * time.Second)

	for i := 0; i < 3; i++ {
		buffers.Append("flow_alerts", record(i))
	}

	time.Sleep(50 * time.Millisecond)
	mock.Add(time.Second)

	// First cycle fails and requeues.
	require.Eventually(t, func() bool {
		return buffers.Len("flow_alerts") == 3
	}, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, snk.totalRecords("flow_alerts"))

	// New records arriving while the sink was down go behind the
	// requeued batch.
	buffers.Append("flow_alerts", record(3))
	buffers.Append("flow_alerts", record(4))

	time.Sleep(50 * time.Millisecond)
	mock.Add(time.Second)

	require.Eventually(t, func() bool {
		return snk.totalRecords("flow_alerts") == 5
	}, 2*time.Second, 10*time.Millisecond)
	assertSequence(t, snk.batchesFor("flow_alerts"), 5)
}

func TestStopRunsFinalFlush(t *testing.T) {
	buffers, err := bufferset.New()
	require.NoError(t, err)
	snk := newRecordingSink()
	mock := clock.NewMock()

	sched, err := New(Config{Interval: time.Hour}, buffers, snk, WithClock(mock))
	require.NoError(t, err)

	require.NoError(t, sched.Start(context.Background()))

	for i := 0; i < 4; i++ {
		buffers.Append("flow_alerts", record(i))
	}
	buffers.Append("greeks", record(0))

	require.NoError(t, sched.Stop(2*time.Second))

	assert.Equal(t, 4, snk.totalRecords("flow_alerts"))
	assert.Equal(t, 1, snk.totalRecords("greeks"))
	assert.Equal(t, 1, snk.closes)
	assert.Equal(t, 0, buffers.Total())
}

func TestInitializeSetsUpSink(t *testing.T) {
	buffers, err := bufferset.New()
	require.NoError(t, err)
	snk := newRecordingSink()

	sched, err := New(Config{}, buffers, snk)
	require.NoError(t, err)

	require.NoError(t, sched.Initialize())
	assert.Equal(t, 1, snk.setupCount())
}

func TestInitializeRetriesTransientSetupFailure(t *testing.T) {
	buffers, err := bufferset.New()
	require.NoError(t, err)
	snk := newRecordingSink()
	snk.setupErrs = []error{
		errors.WrapTransient(errors.ErrPersistFailed, "Sink", "Setup", "database not ready"),
	}

	sched, err := New(Config{}, buffers, snk)
	require.NoError(t, err)

	require.NoError(t, sched.Initialize())
	assert.Equal(t, 2, snk.setupCount())
}

func TestInitializeDoesNotRetryFatalSetupFailure(t *testing.T) {
	buffers, err := bufferset.New()
	require.NoError(t, err)
	snk := newRecordingSink()
	snk.setupErrs = []error{
		errors.WrapFatal(errors.ErrInvalidConfig, "Sink", "Setup", "bad table name"),
	}

	sched, err := New(Config{}, buffers, snk)
	require.NoError(t, err)

	err = sched.Initialize()
	require.Error(t, err)
	assert.Equal(t, 1, snk.setupCount())
}

func TestKeysFlushIndependently(t *testing.T) {
	buffers, err := bufferset.New()
	require.NoError(t, err)
	snk := newRecordingSink()
	mock := clock.NewMock()

	sched, err := New(Config{Interval: time.Second}, buffers, snk, WithClock(mock))
	require.NoError(t, err)

	require.NoError(t, sched.Start(context.Background()))
	defer sched.Stop(2 * time.Second)

	for i := 0; i < 2; i++ {
		buffers.Append("flow_alerts", record(i))
	}
	for i := 0; i < 3; i++ {
		buffers.Append("greeks", record(i))
	}
	buffers.Append(types.UnknownKey, record(0))

	time.Sleep(50 * time.Millisecond)
	mock.Add(time.Second)

	require.Eventually(t, func() bool {
		return snk.totalRecords("flow_alerts") == 2 &&
			snk.totalRecords("greeks") == 3 &&
			snk.totalRecords(types.UnknownKey) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStartTwiceFails(t *testing.T) {
	buffers, err := bufferset.New()
	require.NoError(t, err)

	sched, err := New(Config{}, buffers, newRecordingSink())
	require.NoError(t, err)

	require.NoError(t, sched.Start(context.Background()))
	defer sched.Stop(2 * time.Second)

	assert.Error(t, sched.Start(context.Background()))
}
