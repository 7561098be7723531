package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gatewarden/gatewarden/internal/config"
	"github.com/gatewarden/gatewarden/internal/core"
)

func TestMemoryBucketRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(config.StoreConfig{})

	state, err := s.GetBucket(ctx, "user:alice")
	require.NoError(t, err)
	require.Nil(t, state)

	refill := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.PutBucket(ctx, "user:alice", &core.BucketState{Tokens: 3.5, LastRefill: refill}))

	state, err = s.GetBucket(ctx, "user:alice")
	require.NoError(t, err)
	require.NotNil(t, state)
	require.Equal(t, 3.5, state.Tokens)
	require.Equal(t, refill, state.LastRefill)

	// The returned state is a copy, not a live reference.
	state.Tokens = 0
	again, err := s.GetBucket(ctx, "user:alice")
	require.NoError(t, err)
	require.Equal(t, 3.5, again.Tokens)
}

func TestMemoryAppendWindowEvent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(config.StoreConfig{})

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	windowStart := base.Add(-3 * time.Second)

	first, err := s.AppendWindowEvent(ctx, "ip:10.0.0.1", base, windowStart, 2)
	require.NoError(t, err)
	require.True(t, first.Admitted)
	require.Equal(t, 1, first.Count)
	require.Equal(t, base, first.Oldest)

	second, err := s.AppendWindowEvent(ctx, "ip:10.0.0.1", base.Add(time.Second), windowStart.Add(time.Second), 2)
	require.NoError(t, err)
	require.True(t, second.Admitted)
	require.Equal(t, 2, second.Count)
	require.Equal(t, base, second.Oldest)

	third, err := s.AppendWindowEvent(ctx, "ip:10.0.0.1", base.Add(2*time.Second), windowStart.Add(2*time.Second), 2)
	require.NoError(t, err)
	require.False(t, third.Admitted)
	require.Equal(t, 2, third.Count)

	// Once the first event falls out of the window, capacity frees up.
	fourth, err := s.AppendWindowEvent(ctx, "ip:10.0.0.1", base.Add(3*time.Second), base, 2)
	require.NoError(t, err)
	require.True(t, fourth.Admitted)
	require.Equal(t, 2, fourth.Count)
	require.Equal(t, base.Add(time.Second), fourth.Oldest)
}

func TestMemoryAppendWindowEventBoundary(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(config.StoreConfig{})

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	_, err := s.AppendWindowEvent(ctx, "ip:10.0.0.1", base, base.Add(-time.Second), 5)
	require.NoError(t, err)

	// An event exactly at the window start has aged out.
	result, err := s.AppendWindowEvent(ctx, "ip:10.0.0.1", base.Add(time.Second), base, 5)
	require.NoError(t, err)
	require.Equal(t, 1, result.Count)
	require.Equal(t, base.Add(time.Second), result.Oldest)
}

func TestMemoryIncrCounter(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(config.StoreConfig{})

	count, err := s.IncrCounter(ctx, "endpoint:/api/search:user:alice", 100, time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	count, err = s.IncrCounter(ctx, "endpoint:/api/search:user:alice", 100, time.Minute)
	require.NoError(t, err)
	require.Equal(t, 2, count)

	// A new window index resets the count.
	count, err = s.IncrCounter(ctx, "endpoint:/api/search:user:alice", 101, time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestMemoryIdleEviction(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(config.StoreConfig{IdleTTL: time.Minute})

	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.Clock = func() time.Time { return current }

	require.NoError(t, s.PutBucket(ctx, "user:alice", &core.BucketState{Tokens: 1, LastRefill: current}))
	_, err := s.IncrCounter(ctx, "endpoint:/api/search:user:alice", 1, time.Minute)
	require.NoError(t, err)

	current = current.Add(2 * time.Minute)

	// Lazy eviction: idle state reads as absent.
	state, err := s.GetBucket(ctx, "user:alice")
	require.NoError(t, err)
	require.Nil(t, state)

	// The sweeper drops idle entries outright.
	s.sweep()
	require.Empty(t, s.counters)
	require.Empty(t, s.buckets)
}

func TestMemoryListCountReset(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(config.StoreConfig{})

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.PutBucket(ctx, "user:alice", &core.BucketState{Tokens: 2, LastRefill: now}))
	require.NoError(t, s.PutBucket(ctx, "user:bob", &core.BucketState{Tokens: 5, LastRefill: now}))
	_, err := s.AppendWindowEvent(ctx, "ip:10.0.0.1", now, now.Add(-time.Minute), 100)
	require.NoError(t, err)
	_, err = s.IncrCounter(ctx, "endpoint:/api/search:user:alice", 7, time.Minute)
	require.NoError(t, err)

	_, err = s.ListStates(ctx, StateQuery{})
	require.Error(t, err)

	all, err := s.ListStates(ctx, StateQuery{All: true})
	require.NoError(t, err)
	require.Len(t, all, 4)
	// Buckets sort before counters and windows.
	require.Equal(t, StateBucket, all[0].Kind)
	require.Equal(t, "user:alice", all[0].Key)

	users, err := s.ListStates(ctx, StateQuery{Prefix: "user:"})
	require.NoError(t, err)
	require.Len(t, users, 2)

	count, err := s.CountStates(ctx, StateQuery{All: true})
	require.NoError(t, err)
	require.Equal(t, 4, count)

	removed, err := s.ResetStates(ctx, StateQuery{Key: "user:alice"})
	require.NoError(t, err)
	require.Equal(t, int64(1), removed)

	removed, err = s.ResetStates(ctx, StateQuery{All: true})
	require.NoError(t, err)
	require.Equal(t, int64(3), removed)

	count, err = s.CountStates(ctx, StateQuery{All: true})
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestMemorySweeperLifecycle(t *testing.T) {
	s := NewMemoryStore(config.StoreConfig{IdleTTL: time.Minute, SweepInterval: time.Millisecond})
	require.NoError(t, s.Close())
	// Close is idempotent.
	require.NoError(t, s.Close())
}
