package limiter

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFixedWindowCountsAndResets(t *testing.T) {
	ctx := context.Background()
	current := time.Unix(1_000_025, 0) // 25s into a 60s window

	fw := NewFixedWindow(newTestStore(t), 2, time.Minute)
	fw.Clock = func() time.Time { return current }

	for i := 0; i < 2; i++ {
		res, err := fw.Allow(ctx, "endpoint:/api/search")
		require.NoError(t, err)
		require.True(t, res.Allowed)
		require.Equal(t, 2, res.Limit)
		require.Equal(t, 1-i, res.Remaining)
		require.Equal(t, 55*time.Second, res.Reset)
	}

	res, err := fw.Allow(ctx, "endpoint:/api/search")
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.Equal(t, 0, res.Remaining)
	require.Equal(t, 55*time.Second, res.RetryAfter)

	// Crossing into the next window restores the full budget.
	current = time.Unix(1_000_080, 0)
	res, err = fw.Allow(ctx, "endpoint:/api/search")
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.Equal(t, 1, res.Remaining)
	require.Equal(t, time.Minute, res.Reset)
}

func TestFixedWindowBoundaryAdmitsDoubleBudget(t *testing.T) {
	ctx := context.Background()
	current := time.Unix(1_000_079, 0)

	fw := NewFixedWindow(newTestStore(t), 2, time.Minute)
	fw.Clock = func() time.Time { return current }

	// The known fixed window tradeoff: a full budget right before the
	// boundary plus a full budget right after both pass.
	for i := 0; i < 2; i++ {
		res, err := fw.Allow(ctx, "endpoint:/api/search")
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}

	current = time.Unix(1_000_080, 0)
	for i := 0; i < 2; i++ {
		res, err := fw.Allow(ctx, "endpoint:/api/search")
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}
}

func TestFixedWindowKeysIndependent(t *testing.T) {
	ctx := context.Background()
	current := time.Unix(1_000_025, 0)

	fw := NewFixedWindow(newTestStore(t), 1, time.Minute)
	fw.Clock = func() time.Time { return current }

	res, err := fw.Allow(ctx, "endpoint:/api/search")
	require.NoError(t, err)
	require.True(t, res.Allowed)

	res, err = fw.Allow(ctx, "endpoint:/api/search")
	require.NoError(t, err)
	require.False(t, res.Allowed)

	res, err = fw.Allow(ctx, "endpoint:/api/upload")
	require.NoError(t, err)
	require.True(t, res.Allowed)
}

func TestFixedWindowConcurrentAdmitsExactlyLimit(t *testing.T) {
	ctx := context.Background()
	current := time.Unix(1_000_025, 0)

	fw := NewFixedWindow(newTestStore(t), 10, time.Minute)
	fw.Clock = func() time.Time { return current }

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := fw.Allow(ctx, "endpoint:/api/search")
			require.NoError(t, err)
			if res.Allowed {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	require.EqualValues(t, 10, admitted.Load())
}
