package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketdata-engine/go/pkg/shared"
)

func TestWaitSpacesCallsBeyondPerSecondLimit(t *testing.T) {
	const n = 3
	l := New(map[string]shared.Budget{"data": {PerSecond: n}})
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < n; i++ {
		require.NoError(t, l.Wait(ctx, "data"))
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	require.NoError(t, l.Wait(ctx, "data"))
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
}

func TestWaitHonoursContext(t *testing.T) {
	l := New(map[string]shared.Budget{"quote": {PerSecond: 1}})
	require.NoError(t, l.Wait(context.Background(), "quote"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx, "quote")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBlockFailsFastAndExpires(t *testing.T) {
	now := time.Date(2026, 10, 15, 9, 15, 0, 0, time.UTC)
	l := New(map[string]shared.Budget{"expiry": {PerSecond: 10}})
	l.now = func() time.Time { return now }

	l.Block("expiry", 120*time.Second)
	assert.True(t, l.IsBlocked("expiry"))
	assert.False(t, l.IsBlocked("data"))

	err := l.Wait(context.Background(), "expiry")
	assert.True(t, errors.Is(err, shared.ErrBlocked))
	assert.False(t, l.Allow("expiry"))

	// a shorter throttle must not cut an auth cooldown short
	l.Block("expiry", 900*time.Second)
	l.Block("expiry", 10*time.Second)
	now = now.Add(200 * time.Second)
	assert.True(t, l.IsBlocked("expiry"))

	now = now.Add(701 * time.Second)
	assert.False(t, l.IsBlocked("expiry"))
	assert.True(t, l.Allow("expiry"))
}

func TestNestedWindowsAllBind(t *testing.T) {
	now := time.Date(2026, 10, 15, 9, 15, 0, 0, time.UTC)
	l := New(map[string]shared.Budget{"data": {PerSecond: 5, PerMinute: 7}})
	l.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow("data"))
	}
	assert.False(t, l.Allow("data"), "per-second window full")

	now = now.Add(1100 * time.Millisecond)
	assert.True(t, l.Allow("data"))
	assert.True(t, l.Allow("data"))
	assert.False(t, l.Allow("data"), "per-minute window full")
	assert.Equal(t, []int{2, 7}, l.Usage("data"))

	now = now.Add(time.Minute)
	assert.True(t, l.Allow("data"))
	assert.Equal(t, []int{1, 1}, l.Usage("data"))
}

func TestUnknownCategoryIsUnthrottled(t *testing.T) {
	l := New(nil)
	for i := 0; i < 100; i++ {
		require.True(t, l.Allow("misc"))
	}
	l.Block("misc", time.Minute)
	assert.True(t, l.IsBlocked("misc"))
	l.Unblock("misc")
	assert.False(t, l.IsBlocked("misc"))
}
