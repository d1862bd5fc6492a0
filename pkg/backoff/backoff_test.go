package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicy_BaseFor_NoDelayOnFirstAttempt(t *testing.T) {
	p := Default()
	assert.Equal(t, time.Duration(0), p.BaseFor(0))
	assert.Equal(t, time.Duration(0), p.Delay(0))
}

func TestPolicy_BaseFor_ExponentialGrowth(t *testing.T) {
	p := Policy{BaseDelay: 5 * time.Second, MaxDelay: 60 * time.Second, MaxAttempts: 5}

	assert.Equal(t, 5*time.Second, p.BaseFor(1))
	assert.Equal(t, 10*time.Second, p.BaseFor(2))
	assert.Equal(t, 20*time.Second, p.BaseFor(3))
	assert.Equal(t, 40*time.Second, p.BaseFor(4))
	// 80s exceeds the cap
	assert.Equal(t, 60*time.Second, p.BaseFor(5))
	assert.Equal(t, 60*time.Second, p.BaseFor(6))
}

func TestPolicy_BaseFor_MonotonicAndCapped(t *testing.T) {
	p := Default()

	prev := time.Duration(0)
	for attempt := 1; attempt <= 20; attempt++ {
		d := p.BaseFor(attempt)
		assert.GreaterOrEqual(t, d, prev, "delay must be non-decreasing at attempt %d", attempt)
		assert.LessOrEqual(t, d, p.MaxDelay, "delay must never exceed cap at attempt %d", attempt)
		prev = d
	}
}

func TestPolicy_Delay_JitterWithinTenPercent(t *testing.T) {
	p := Policy{BaseDelay: 5 * time.Second, MaxDelay: 60 * time.Second}

	for i := 0; i < 100; i++ {
		base := p.BaseFor(1)
		d := p.Delay(1)
		assert.GreaterOrEqual(t, d, base)
		assert.Less(t, d, base+time.Duration(float64(base)*jitterFraction)+time.Millisecond)
	}
}

func TestPolicy_Exhausted(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: time.Minute, MaxAttempts: 5}

	assert.False(t, p.Exhausted(0))
	assert.False(t, p.Exhausted(5))
	assert.True(t, p.Exhausted(6))

	unlimited := Policy{BaseDelay: time.Second, MaxDelay: time.Minute}
	assert.False(t, unlimited.Exhausted(1000))
}

func TestPolicy_Wait_CancelledDuringBackoff(t *testing.T) {
	p := Policy{BaseDelay: 10 * time.Second, MaxDelay: time.Minute}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := p.Wait(ctx, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second, "cancelled wait must return promptly")
}

func TestPolicy_Wait_ElapsesForRetry(t *testing.T) {
	p := Policy{BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second}

	start := time.Now()
	require.NoError(t, p.Wait(context.Background(), 1))
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestDo_SucceedsAfterRetries(t *testing.T) {
	p := Policy{BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, MaxAttempts: 5}

	attempts := 0
	err := Do(context.Background(), p, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDo_StopsOnNonRetryable(t *testing.T) {
	p := Policy{BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, MaxAttempts: 5}

	attempts := 0
	fatal := errors.New("bad config")
	err := Do(context.Background(), p, func() error {
		attempts++
		return NonRetryable(fatal)
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, attempts)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	p := Policy{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, MaxAttempts: 2}

	attempts := 0
	boom := errors.New("boom")
	err := Do(context.Background(), p, func() error {
		attempts++
		return boom
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	// initial call plus MaxAttempts retries
	assert.Equal(t, 3, attempts)
}
