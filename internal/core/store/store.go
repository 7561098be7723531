// Package store persists rate limit state. Three backends share one
// interface: an in-process map for single-node deployments, an embedded
// libsql database when state must survive restarts, and Redis when several
// instances enforce one budget.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gatewarden/gatewarden/internal/config"
	"github.com/gatewarden/gatewarden/internal/core"
)

const (
	driverMemory = "memory"
	driverLibsql = "libsql"
	driverRedis  = "redis"
)

// WindowResult reports the outcome of a sliding window append.
type WindowResult struct {
	// Count is the number of events inside the window after the call,
	// including the new event when it was admitted.
	Count int

	// Admitted reports whether the new event was recorded.
	Admitted bool

	// Oldest is the oldest event still inside the window. Zero when the
	// window is empty.
	Oldest time.Time
}

// Store is the persistence contract the limiters run against. Backends keep
// three independent state spaces keyed by limit key: token buckets, sliding
// window event logs, and fixed window counters.
//
// AppendWindowEvent and IncrCounter are compound operations so that each
// backend can run them atomically: pruning, counting, and the conditional
// append happen inside one mutex hold, one transaction, or one script.
// Bucket reads and writes are split because the refill arithmetic lives in
// the limiter; callers serialize per-key read-modify-write sequences.
// Backends shared across processes additionally implement AtomicBucket so
// the refill-and-take runs server-side instead.
type Store interface {
	// GetBucket returns the stored bucket state, or nil when the key has
	// no state yet.
	GetBucket(ctx context.Context, key string) (*core.BucketState, error)

	// PutBucket persists bucket state for a key.
	PutBucket(ctx context.Context, key string, state *core.BucketState) error

	// AppendWindowEvent drops events at or before windowStart, then
	// records a new event at the given instant unless the window already
	// holds limit events.
	AppendWindowEvent(ctx context.Context, key string, at time.Time, windowStart time.Time, limit int) (WindowResult, error)

	// IncrCounter increments the counter for a key inside the given fixed
	// window. A stored counter from an earlier window is reset before the
	// increment. Returns the count after the increment.
	IncrCounter(ctx context.Context, key string, windowIndex int64, window time.Duration) (int, error)

	// ListStates returns stored state matching the query.
	ListStates(ctx context.Context, q StateQuery) ([]StateEntry, error)

	// CountStates returns the number of stored entries matching the query.
	CountStates(ctx context.Context, q StateQuery) (int, error)

	// ResetStates deletes stored state matching the query and returns the
	// number of entries removed.
	ResetStates(ctx context.Context, q StateQuery) (int64, error)

	// CheckHealth verifies the backend is reachable.
	CheckHealth(ctx context.Context) error

	// Driver returns the backend driver name.
	Driver() string

	// Close releases backend resources.
	Close() error
}

// TokenRequest carries the bucket parameters for a server-side take.
type TokenRequest struct {
	Capacity     float64
	RefillPerSec float64
	Demand       float64
	Now          time.Time
}

// TokenGrant is the outcome of an atomic take. Tokens is the balance after
// the take, whether or not the demand was admitted.
type TokenGrant struct {
	Allowed bool
	Tokens  float64
}

// AtomicBucket is implemented by backends that can refill and take tokens in
// one atomic operation against shared state. Limiters prefer this path when
// available; an in-process mutex cannot serialize writers in other processes.
type AtomicBucket interface {
	TakeTokens(ctx context.Context, key string, req TokenRequest) (TokenGrant, error)
}

// Open initializes a store backend using the provided configuration.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	driver := strings.TrimSpace(cfg.Driver)
	if driver == "" {
		driver = driverMemory
	}

	if ctx == nil {
		ctx = context.Background()
	}

	switch driver {
	case driverMemory:
		return NewMemoryStore(cfg), nil
	case driverLibsql:
		return openLibsql(ctx, cfg)
	case driverRedis:
		return openRedis(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", driver)
	}
}
