package reconnect

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBaseDelayGrowsUntilCapped(t *testing.T) {
	m := New(Config{MinDelay: time.Second, MaxDelay: 60 * time.Second, Factor: 2, Jitter: 0.2, MaxAttempts: 8})

	want := []time.Duration{1, 2, 4, 8, 16, 32, 60, 60, 60}
	prev := time.Duration(0)
	for i, w := range want {
		d := m.BaseDelay(i + 1)
		assert.Equal(t, w*time.Second, d, "attempt %d", i+1)
		assert.GreaterOrEqual(t, d, prev)
		prev = d
	}
	assert.Equal(t, 60*time.Second, m.BaseDelay(500))
}

func TestNextDelayStaysInJitterBand(t *testing.T) {
	m := New(Config{MinDelay: time.Second, MaxDelay: 60 * time.Second, Factor: 2, Jitter: 0.2, MaxAttempts: 8})
	for attempts := 1; attempts <= 10; attempts++ {
		base := float64(m.BaseDelay(attempts))
		for i := 0; i < 200; i++ {
			d := float64(m.NextDelay(attempts))
			require.GreaterOrEqual(t, d, base*0.8)
			require.LessOrEqual(t, d, base*1.2)
		}
	}
}

func TestStateMachineStopsAfterMaxAttempts(t *testing.T) {
	m := New(Config{MinDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, MaxAttempts: 3})
	now := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	boom := errors.New("dial tcp: connection refused")
	for i := 1; i <= 3; i++ {
		require.True(t, m.ShouldReconnect(1))
		st := m.MarkDisconnected(1, boom)
		assert.Equal(t, i, st.Attempts)
		assert.Equal(t, boom.Error(), st.LastError)
		assert.True(t, st.NextRetryAt.After(now))
	}
	assert.False(t, m.ShouldReconnect(1))
	assert.True(t, m.ShouldReconnect(2), "other slots unaffected")
	assert.Equal(t, []int{1}, m.Exhausted())

	m.Reset(1)
	assert.True(t, m.ShouldReconnect(1))

	m.MarkDisconnected(1, boom)
	m.MarkConnected(1)
	st := m.State(1)
	assert.Zero(t, st.Attempts)
	assert.Empty(t, st.LastError)
	assert.Equal(t, now, st.LastConnectedAt)
}

func TestWaitRespectsRetryTimeAndContext(t *testing.T) {
	m := New(Config{MinDelay: 30 * time.Millisecond, MaxDelay: time.Second, Jitter: 0.1})
	m.MarkDisconnected(4, errors.New("eof"))

	start := time.Now()
	require.NoError(t, m.Wait(context.Background(), 4))
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)

	m.MarkDisconnected(4, errors.New("eof"))
	m.MarkDisconnected(4, errors.New("eof"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, m.Wait(ctx, 4), context.Canceled)
}

func TestMinIntervalGuardSpacesAttempts(t *testing.T) {
	m := New(Config{MinDelay: time.Millisecond, MaxDelay: time.Millisecond, MinInterval: 100 * time.Millisecond})
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, m.Wait(ctx, 1))
	require.NoError(t, m.Wait(ctx, 2))
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}
