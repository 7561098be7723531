package limiter

import (
	"context"
	"time"

	"github.com/gatewarden/gatewarden/internal/core/store"
)

// SlidingWindow admits requests by counting timestamps inside a trailing
// window. The count is exact: every admitted request is recorded, events at
// or before now minus the window are dropped before counting, and pruning
// always precedes the admission check. Storage cost is bounded by the
// request budget per key.
//
// Prune, count, and append run as one atomic store operation, so concurrent
// callers on the same key cannot overshoot the budget.
type SlidingWindow struct {
	// Clock is overridable for tests.
	Clock func() time.Time

	store  store.Store
	limit  int
	window time.Duration
}

// NewSlidingWindow sizes a window at requests per window duration. Callers
// pass rule values validated at policy compile time.
func NewSlidingWindow(s store.Store, requests int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{store: s, limit: requests, window: window}
}

// Allow admits a request if fewer than the budget of events remain inside
// the trailing window, recording the request's timestamp when admitted.
func (sw *SlidingWindow) Allow(ctx context.Context, key string) (Result, error) {
	now := sw.now()

	outcome, err := sw.store.AppendWindowEvent(ctx, key, now, now.Add(-sw.window), sw.limit)
	if err != nil {
		return Result{}, err
	}

	result := Result{
		Allowed: outcome.Admitted,
		Limit:   sw.limit,
	}
	if remaining := sw.limit - outcome.Count; remaining > 0 {
		result.Remaining = remaining
	}

	if !outcome.Oldest.IsZero() {
		reset := outcome.Oldest.Add(sw.window).Sub(now)
		if reset < 0 {
			reset = 0
		}
		result.Reset = reset
		if !result.Allowed {
			result.RetryAfter = reset
		}
	}

	return result, nil
}

func (sw *SlidingWindow) now() time.Time {
	if sw != nil && sw.Clock != nil {
		return sw.Clock()
	}
	return time.Now().UTC()
}
