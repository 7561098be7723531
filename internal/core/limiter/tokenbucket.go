package limiter

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/gatewarden/gatewarden/internal/core"
	"github.com/gatewarden/gatewarden/internal/core/store"
)

const shardCount = 256

// paddedMutex wraps a sync.Mutex with padding so each mutex occupies its own
// 64-byte cache line. sync.Mutex is 8 bytes on 64-bit systems.
type paddedMutex struct {
	sync.Mutex
	_ [56]byte
}

// TokenBucket admits requests by consuming tokens that refill at a steady
// rate. Refill is computed lazily from the time since the last update, so
// idle keys cost nothing; the token count is clamped at capacity, so idle
// time never banks more than one burst.
//
// Stores implementing store.AtomicBucket run the refill-and-take server-side,
// so cross-process writers cannot lose updates. For the rest, bucket state is
// a read-modify-write sequence which the sharded mutexes serialize per key
// within this process.
type TokenBucket struct {
	// Clock is overridable for tests.
	Clock func() time.Time

	store        store.Store
	capacity     float64
	refillPerSec float64

	locks [shardCount]paddedMutex
}

// NewTokenBucket sizes a bucket at requests per window. A positive burst
// overrides the capacity while leaving the refill rate unchanged. Callers
// pass rule values validated at policy compile time: requests and window
// are positive.
func NewTokenBucket(s store.Store, requests int, window time.Duration, burst int) *TokenBucket {
	capacity := requests
	if burst > 0 {
		capacity = burst
	}

	return &TokenBucket{
		store:        s,
		capacity:     float64(capacity),
		refillPerSec: float64(requests) / window.Seconds(),
	}
}

// Allow admits a request consuming one token.
func (tb *TokenBucket) Allow(ctx context.Context, key string) (Result, error) {
	return tb.AllowN(ctx, key, 1)
}

// AllowN admits a request consuming n tokens. A demand larger than the
// bucket capacity is never admitted, no matter how long the key stays idle.
func (tb *TokenBucket) AllowN(ctx context.Context, key string, n int) (Result, error) {
	now := tb.now()
	demand := float64(n)

	if atomic, ok := tb.store.(store.AtomicBucket); ok {
		grant, err := atomic.TakeTokens(ctx, key, store.TokenRequest{
			Capacity:     tb.capacity,
			RefillPerSec: tb.refillPerSec,
			Demand:       demand,
			Now:          now,
		})
		if err != nil {
			return Result{}, err
		}
		return tb.buildResult(grant.Allowed, grant.Tokens, demand), nil
	}

	mu := tb.lock(key)
	mu.Lock()
	defer mu.Unlock()

	state, err := tb.store.GetBucket(ctx, key)
	if err != nil {
		return Result{}, err
	}
	if state == nil {
		// A new key starts with a full bucket.
		state = &core.BucketState{Tokens: tb.capacity, LastRefill: now}
	}

	if elapsed := now.Sub(state.LastRefill); elapsed > 0 {
		state.Tokens += elapsed.Seconds() * tb.refillPerSec
		if state.Tokens > tb.capacity {
			state.Tokens = tb.capacity
		}
	}
	state.LastRefill = now

	allowed := false
	if n > 0 && demand <= state.Tokens {
		state.Tokens -= demand
		allowed = true
	} else if n <= 0 {
		allowed = true
	}

	if err := tb.store.PutBucket(ctx, key, state); err != nil {
		return Result{}, err
	}

	return tb.buildResult(allowed, state.Tokens, demand), nil
}

func (tb *TokenBucket) buildResult(allowed bool, tokens, demand float64) Result {
	result := Result{Limit: int(tb.capacity), Allowed: allowed}
	result.Remaining = int(math.Floor(tokens))
	if allowed {
		result.Reset = tb.durationFor(tb.capacity - tokens)
	} else if demand <= tb.capacity {
		// Denied: report when this demand becomes satisfiable.
		result.RetryAfter = tb.durationFor(demand - tokens)
		result.Reset = result.RetryAfter
	}
	return result
}

// durationFor converts a token deficit into refill time.
func (tb *TokenBucket) durationFor(tokens float64) time.Duration {
	if tokens <= 0 || tb.refillPerSec <= 0 {
		return 0
	}
	return time.Duration(tokens / tb.refillPerSec * float64(time.Second))
}

func (tb *TokenBucket) lock(key string) *sync.Mutex {
	return &tb.locks[fnv32a(key)%shardCount].Mutex
}

func (tb *TokenBucket) now() time.Time {
	if tb != nil && tb.Clock != nil {
		return tb.Clock()
	}
	return time.Now().UTC()
}

// fnv32a hashes the key without allocating; hash/fnv would force a []byte
// conversion per call.
func fnv32a(s string) uint32 {
	const offset32 = 2166136261
	const prime32 = 16777619
	h := uint32(offset32)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}
