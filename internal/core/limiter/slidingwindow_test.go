package limiter

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSlidingWindowExactness(t *testing.T) {
	ctx := context.Background()
	current := time.Unix(1000, 0)

	sw := NewSlidingWindow(newTestStore(t), 2, 3*time.Second)
	sw.Clock = func() time.Time { return current }

	res, err := sw.Allow(ctx, "ip:10.0.0.1")
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.Equal(t, 2, res.Limit)
	require.Equal(t, 1, res.Remaining)

	current = time.Unix(1001, 0)
	res, err = sw.Allow(ctx, "ip:10.0.0.1")
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.Equal(t, 0, res.Remaining)
	// The oldest event expires two seconds from now.
	require.Equal(t, 2*time.Second, res.Reset)

	current = time.Unix(1002, 0)
	res, err = sw.Allow(ctx, "ip:10.0.0.1")
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.Equal(t, 0, res.Remaining)
	require.Equal(t, time.Second, res.RetryAfter)

	// Retrying once the advertised wait elapses succeeds: the event from
	// t=1000 has aged out of the trailing window.
	current = time.Unix(1003, 0)
	res, err = sw.Allow(ctx, "ip:10.0.0.1")
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.Equal(t, 0, res.Remaining)
}

func TestSlidingWindowForgetsIdleKeys(t *testing.T) {
	ctx := context.Background()
	current := time.Unix(1000, 0)

	sw := NewSlidingWindow(newTestStore(t), 2, 3*time.Second)
	sw.Clock = func() time.Time { return current }

	for i := 0; i < 2; i++ {
		res, err := sw.Allow(ctx, "ip:10.0.0.1")
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}

	// Well past the window every prior event is gone and the full budget
	// is back.
	current = time.Unix(1010, 0)
	res, err := sw.Allow(ctx, "ip:10.0.0.1")
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.Equal(t, 1, res.Remaining)
	require.Equal(t, 3*time.Second, res.Reset)
}

func TestSlidingWindowKeysIndependent(t *testing.T) {
	ctx := context.Background()
	current := time.Unix(1000, 0)

	sw := NewSlidingWindow(newTestStore(t), 1, time.Minute)
	sw.Clock = func() time.Time { return current }

	res, err := sw.Allow(ctx, "ip:10.0.0.1")
	require.NoError(t, err)
	require.True(t, res.Allowed)

	res, err = sw.Allow(ctx, "ip:10.0.0.1")
	require.NoError(t, err)
	require.False(t, res.Allowed)

	res, err = sw.Allow(ctx, "ip:10.0.0.2")
	require.NoError(t, err)
	require.True(t, res.Allowed)
}

func TestSlidingWindowConcurrentAdmitsExactlyLimit(t *testing.T) {
	ctx := context.Background()
	current := time.Unix(1000, 0)

	sw := NewSlidingWindow(newTestStore(t), 10, time.Minute)
	sw.Clock = func() time.Time { return current }

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := sw.Allow(ctx, "ip:10.0.0.1")
			require.NoError(t, err)
			if res.Allowed {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	require.EqualValues(t, 10, admitted.Load())
}
