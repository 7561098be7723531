package engine

import (
	"context"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/gatewarden/gatewarden/internal/core"
	"github.com/gatewarden/gatewarden/internal/core/limiter"
	"github.com/gatewarden/gatewarden/internal/core/policy"
	"github.com/gatewarden/gatewarden/internal/core/store"
	"github.com/gatewarden/gatewarden/internal/metrics"
)

// RateLimiter evaluates admission across the ip, user, and endpoint
// dimensions. Limiter instances are built once from the compiled policy,
// so the instance maps stay bounded by the policy tables no matter how
// many distinct keys show up in traffic.
type RateLimiter struct {
	// Clock overrides time.Now for every limiter this engine owns.
	Clock  func() time.Time
	Logger *logging.Logger

	store     store.Store
	policy    *policy.Policy
	ip        *limiter.SlidingWindow
	tiers     map[string]*limiter.TokenBucket
	endpoints map[string]limiter.Limiter
}

// NewRateLimiter builds the engine for a compiled policy backed by s.
func NewRateLimiter(s store.Store, p *policy.Policy, logger *logging.Logger) *RateLimiter {
	r := &RateLimiter{
		Logger:    logger,
		store:     s,
		policy:    p,
		tiers:     make(map[string]*limiter.TokenBucket),
		endpoints: make(map[string]limiter.Limiter),
	}
	clock := r.now

	if p.IP != nil {
		sw := limiter.NewSlidingWindow(s, p.IP.Requests, p.IP.Window)
		sw.Clock = clock
		r.ip = sw
	}

	for name, tier := range p.Tiers() {
		if tier.Unlimited {
			continue
		}
		// rpm buckets refill at rpm/60 tokens per second.
		tb := limiter.NewTokenBucket(s, tier.PerMinute, time.Minute, 0)
		tb.Clock = clock
		r.tiers[name] = tb
	}

	for _, rule := range p.Endpoints() {
		r.endpoints[rule.Pattern] = r.buildEndpointLimiter(rule, clock)
	}

	return r
}

func (r *RateLimiter) buildEndpointLimiter(rule policy.EndpointRule, clock func() time.Time) limiter.Limiter {
	switch rule.Algorithm {
	case policy.AlgorithmTokenBucket:
		tb := limiter.NewTokenBucket(r.store, rule.Requests, rule.Window, rule.Burst)
		tb.Clock = clock
		return tb
	case policy.AlgorithmFixedWindow:
		fw := limiter.NewFixedWindow(r.store, rule.Requests, rule.Window)
		fw.Clock = clock
		return fw
	default:
		sw := limiter.NewSlidingWindow(r.store, rule.Requests, rule.Window)
		sw.Clock = clock
		return sw
	}
}

// Check evaluates every applicable dimension for the descriptor, in order:
// ip, then user, then endpoint. The first denial short-circuits and becomes
// the decision reason.
func (r *RateLimiter) Check(ctx context.Context, d Descriptor) Decision {
	if ctx == nil {
		ctx = context.Background()
	}

	out := Decision{Allowed: true}

	out.merge(r.CheckIP(ctx, d.IP))
	if !out.Allowed {
		return out
	}

	out.merge(r.CheckUser(ctx, d.UserID, d.Tier))
	if !out.Allowed {
		return out
	}

	out.merge(r.CheckEndpoint(ctx, d.Endpoint))
	return out
}

// CheckIP applies the per-IP sliding window.
func (r *RateLimiter) CheckIP(ctx context.Context, ip string) Decision {
	if r == nil || r.ip == nil || strings.TrimSpace(ip) == "" {
		return Decision{Allowed: true}
	}

	key := core.IPKey(strings.TrimSpace(ip))
	res, err := r.ip.Allow(ctx, key)
	if err != nil {
		return r.storeFailure(DimensionIP, key, err)
	}
	return r.verdict(DimensionIP, key, res)
}

// CheckUser applies the tier token bucket for an authenticated user.
// Unknown tier names downgrade to the default tier; unlimited tiers pass
// without a verdict.
func (r *RateLimiter) CheckUser(ctx context.Context, userID, tier string) Decision {
	if r == nil || strings.TrimSpace(userID) == "" {
		return Decision{Allowed: true}
	}

	name := strings.TrimSpace(tier)
	if name == "" {
		name = r.policy.DefaultTier
	}
	limit, ok := r.policy.Tier(name)
	if !ok {
		name = r.policy.DefaultTier
		limit, ok = r.policy.Tier(name)
	}
	if !ok || limit.Unlimited {
		return Decision{Allowed: true}
	}

	bucket := r.tiers[name]
	if bucket == nil {
		return Decision{Allowed: true}
	}

	key := core.UserKey(strings.TrimSpace(userID))
	res, err := bucket.Allow(ctx, key)
	if err != nil {
		return r.storeFailure(DimensionUser, key, err)
	}
	return r.verdict(DimensionUser, key, res)
}

// CheckEndpoint applies the endpoint rule matching path. State is keyed by
// the rule pattern, so one budget is shared by every caller hitting the
// rule; per-caller budgets belong to the ip and user dimensions.
func (r *RateLimiter) CheckEndpoint(ctx context.Context, path string) Decision {
	if r == nil {
		return Decision{Allowed: true}
	}

	rule, ok := r.policy.ResolveEndpoint(path)
	if !ok {
		return Decision{Allowed: true}
	}
	lim := r.endpoints[rule.Pattern]
	if lim == nil {
		return Decision{Allowed: true}
	}

	key := core.EndpointKey(rule.Pattern)
	res, err := lim.Allow(ctx, key)
	if err != nil {
		return r.storeFailure(DimensionEndpoint, key, err)
	}
	return r.verdict(DimensionEndpoint, key, res)
}

func (r *RateLimiter) verdict(dim Dimension, key string, res limiter.Result) Decision {
	metrics.RecordDecision(string(dim), res.Allowed)

	d := Decision{
		Allowed:  res.Allowed,
		Verdicts: []Verdict{{Dimension: dim, Key: key, Result: res}},
	}
	if !res.Allowed {
		denied := d.Verdicts[0]
		d.Denied = &denied
	}
	return d
}

// storeFailure turns a storage error into a decision. With fail_open the
// request passes and the failure is only logged; with fail_closed it is
// denied on the failing dimension.
func (r *RateLimiter) storeFailure(dim Dimension, key string, err error) Decision {
	metrics.RecordStoreFailure(string(dim))

	failOpen := r.policy == nil || r.policy.FailOpen
	if r.Logger != nil {
		r.Logger.Error("Rate limit storage check failed",
			zap.String("dimension", string(dim)),
			zap.String("key", key),
			zap.Bool("fail_open", failOpen),
			zap.Error(err))
	}

	if failOpen {
		return Decision{Allowed: true}
	}
	denied := Verdict{Dimension: dim, Key: key}
	return Decision{Denied: &denied, Verdicts: []Verdict{denied}}
}

func (r *RateLimiter) now() time.Time {
	if r != nil && r.Clock != nil {
		return r.Clock()
	}
	return time.Now().UTC()
}
