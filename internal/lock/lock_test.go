package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGuard(t *testing.T) (Guard, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return Guard{Client: client, TTL: time.Hour}, mr
}

func TestAcquireRelease(t *testing.T) {
	g, _ := newGuard(t)
	ctx := context.Background()

	require.NoError(t, g.Acquire(ctx, 7, 2025, 6, "group-a"))

	locked, err := g.IsLocked(ctx, 7, 2025, 6)
	require.NoError(t, err)
	assert.True(t, locked)

	holder, err := g.Holder(ctx, 7, 2025, 6)
	require.NoError(t, err)
	assert.Equal(t, "group-a", holder)

	// Second acquire for the same period conflicts.
	assert.ErrorIs(t, g.Acquire(ctx, 7, 2025, 6, "group-b"), ErrHeld)

	// A different period is independent.
	require.NoError(t, g.Acquire(ctx, 7, 2025, 7, "group-c"))

	require.NoError(t, g.Release(ctx, 7, 2025, 6))
	locked, err = g.IsLocked(ctx, 7, 2025, 6)
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestReleaseIdempotent(t *testing.T) {
	g, _ := newGuard(t)
	ctx := context.Background()

	require.NoError(t, g.Release(ctx, 1, 2025, 1))
	require.NoError(t, g.Acquire(ctx, 1, 2025, 1, "g"))
	require.NoError(t, g.Release(ctx, 1, 2025, 1))
	require.NoError(t, g.Release(ctx, 1, 2025, 1))
}

func TestTTLExpiry(t *testing.T) {
	g, mr := newGuard(t)
	ctx := context.Background()

	require.NoError(t, g.Acquire(ctx, 2, 2025, 3, "g"))
	mr.FastForward(2 * time.Hour)

	locked, err := g.IsLocked(ctx, 2, 2025, 3)
	require.NoError(t, err)
	assert.False(t, locked)

	// The period is reusable after expiry.
	require.NoError(t, g.Acquire(ctx, 2, 2025, 3, "g2"))
}

func TestConcurrentAcquireExactlyOneWins(t *testing.T) {
	g, _ := newGuard(t)
	ctx := context.Background()

	const attempts = 16
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = g.Acquire(ctx, 9, 2025, 6, "g")
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, ErrHeld)
		}
	}
	assert.Equal(t, 1, wins)
}
