// Package limiter implements the three admission algorithms: token bucket,
// sliding window, and fixed window. Each limiter is built once per policy
// rule and evaluates any number of keys against the shared store, so the set
// of limiter instances is bounded by the policy table, not by traffic.
package limiter

import (
	"context"
	"time"
)

// Result describes one admission decision.
type Result struct {
	// Allowed reports whether the request was admitted.
	Allowed bool

	// Limit is the rule's request budget.
	Limit int

	// Remaining is the budget left after this decision, never negative.
	Remaining int

	// Reset is how long until the budget is fully restored.
	Reset time.Duration

	// RetryAfter is how long a denied caller should wait before retrying.
	// Zero when the request was admitted.
	RetryAfter time.Duration
}

// Limiter decides admission for one configured rule.
type Limiter interface {
	Allow(ctx context.Context, key string) (Result, error)
}
