package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGate(t *testing.T, budget Budget) (*RedisGate, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisGate(client, budget), mr
}

func TestRedisGateAllowsWithinBudget(t *testing.T) {
	gate, _ := newTestGate(t, Budget{RequestsPerSecond: 5, RequestsPerMinute: 100})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		allowed, _, err := gate.tryAcquire(ctx, "acct-1")
		require.NoError(t, err)
		assert.True(t, allowed, "request %d should be allowed", i+1)
	}
}

func TestRedisGateDeniesOverSecondBudget(t *testing.T) {
	gate, _ := newTestGate(t, Budget{RequestsPerSecond: 2, RequestsPerMinute: 100})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, _, err := gate.tryAcquire(ctx, "acct-1")
		require.NoError(t, err)
		require.True(t, allowed)
	}

	allowed, wait, err := gate.tryAcquire(ctx, "acct-1")
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, time.Second, wait)
}

func TestRedisGateIsolatesAccounts(t *testing.T) {
	gate, _ := newTestGate(t, Budget{RequestsPerSecond: 1, RequestsPerMinute: 100})
	ctx := context.Background()

	allowed, _, err := gate.tryAcquire(ctx, "acct-1")
	require.NoError(t, err)
	require.True(t, allowed)

	// A different account key has its own counters.
	allowed, _, err = gate.tryAcquire(ctx, "acct-2")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestRedisGateWaitAllowsOnRedisFailure(t *testing.T) {
	gate, mr := newTestGate(t, Budget{RequestsPerSecond: 1, RequestsPerMinute: 10})
	mr.Close()

	// Redis being down must not block the pipeline.
	err := gate.Wait(context.Background(), "acct-1")
	assert.NoError(t, err)
}

func TestLocalGateSpacesRequests(t *testing.T) {
	gate := NewLocalGate(50 * time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, gate.Wait(ctx, "acct-1"))
	require.NoError(t, gate.Wait(ctx, "acct-1"))
	require.NoError(t, gate.Wait(ctx, "acct-1"))

	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestLocalGateRespectsContextCancel(t *testing.T) {
	gate := NewLocalGate(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.NoError(t, gate.Wait(ctx, "acct-1"))
	err := gate.Wait(ctx, "acct-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
