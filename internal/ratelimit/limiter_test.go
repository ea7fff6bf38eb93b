package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLimiter(t *testing.T) {
	l := NewLimiter(10.0, 5, "ipfs.io")

	require.NotNil(t, l)
	require.NotNil(t, l.limiter)
	assert.Equal(t, "ipfs.io", l.gateway)

	assert.InDelta(t, 10.0, float64(l.limiter.Limit()), 0.001)
	assert.Equal(t, 5, l.limiter.Burst())
}

func TestLimiter_WaitImmediateWithinBurst(t *testing.T) {
	l := NewLimiter(100.0, 3, "ipfs.io")

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Wait(context.Background()))
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond, "burst tokens should not wait")
}

func TestLimiter_WaitBlocksWhenExhausted(t *testing.T) {
	l := NewLimiter(20.0, 1, "ipfs.io")

	require.NoError(t, l.Wait(context.Background()))

	// Second call must wait roughly one token interval (50ms at 20 rps).
	start := time.Now()
	require.NoError(t, l.Wait(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestLimiter_WaitContextCancelled(t *testing.T) {
	l := NewLimiter(1.0, 1, "ipfs.io")

	require.NoError(t, l.Wait(context.Background()))

	// Now cancel the context before the next token becomes available.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := l.Wait(ctx)
	require.Error(t, err, "should return error when context is cancelled")
}

func TestNewLimiter_UnlimitedWhenRPSZero(t *testing.T) {
	l := NewLimiter(0, 0, "ipfs.io")

	start := time.Now()
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Wait(context.Background()))
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}
