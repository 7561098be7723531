package limiter

import (
	"context"
	"time"

	"github.com/gatewarden/gatewarden/internal/core"
	"github.com/gatewarden/gatewarden/internal/core/store"
)

// FixedWindow counts requests inside aligned windows of fixed length.
// All requests sharing floor(unix/window) land in the same counter, which
// resets when the index advances. Cheaper than a sliding window but allows
// up to 2x the limit across a boundary.
type FixedWindow struct {
	// Clock overrides time.Now when set.
	Clock func() time.Time

	store  store.Store
	limit  int
	window time.Duration
}

// NewFixedWindow returns a fixed window limiter admitting up to requests
// per window.
func NewFixedWindow(s store.Store, requests int, window time.Duration) *FixedWindow {
	return &FixedWindow{store: s, limit: requests, window: window}
}

// Allow records one request for key and reports whether it fit inside the
// current window. The counter increment is atomic in the store, so
// concurrent callers never admit more than the limit per window.
func (fw *FixedWindow) Allow(ctx context.Context, key string) (Result, error) {
	now := fw.now()
	index := core.WindowIndexAt(now, fw.window)

	count, err := fw.store.IncrCounter(ctx, key, index, fw.window)
	if err != nil {
		return Result{}, err
	}

	result := Result{
		Allowed: count <= fw.limit,
		Limit:   fw.limit,
	}
	if remaining := fw.limit - count; remaining > 0 {
		result.Remaining = remaining
	}

	windowSeconds := int64(fw.window / time.Second)
	if windowSeconds > 0 {
		end := time.Unix((index+1)*windowSeconds, 0)
		if until := end.Sub(now); until > 0 {
			result.Reset = until
		}
	}
	if !result.Allowed {
		result.RetryAfter = result.Reset
	}
	return result, nil
}

func (fw *FixedWindow) now() time.Time {
	if fw.Clock != nil {
		return fw.Clock()
	}
	return time.Now()
}
