// Package policy holds the static admission policy tables: per-tier request
// budgets and per-endpoint rate rules. Tables are compiled once at process
// start, validated strictly, and read-only afterwards.
package policy

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	// UnlimitedSentinel marks a tier with no request budget.
	UnlimitedSentinel = "unlimited"

	// DefaultIPRate is applied per client IP when the config does not
	// override it.
	DefaultIPRate = "100 per minute"

	// DefaultTier is assumed for requests without tier information.
	DefaultTier = "free"
)

// Config is the raw policy configuration as it arrives from the config file
// or environment. Compile turns it into a Policy or fails with a load-time
// error.
type Config struct {
	// FailOpen controls the storage failure stance. Nil defaults to true:
	// availability of the protected service beats strict enforcement.
	FailOpen *bool `mapstructure:"fail_open" json:"fail_open,omitempty"`

	// DefaultTier is used when the request descriptor carries no tier.
	DefaultTier string `mapstructure:"default_tier" json:"default_tier,omitempty"`

	// ExemptPaths bypass admission control entirely (health probes, metrics).
	ExemptPaths []string `mapstructure:"exempt_paths" json:"exempt_paths,omitempty"`

	IP IPConfig `mapstructure:"ip" json:"ip"`

	// Tiers maps tier name to a per-minute request budget. Values are an
	// integer or the string "unlimited".
	Tiers map[string]any `mapstructure:"tiers" json:"tiers,omitempty"`

	Endpoints []EndpointConfig `mapstructure:"endpoints" json:"endpoints,omitempty"`
}

// IPConfig configures the per-IP sliding window check.
type IPConfig struct {
	Enabled *bool  `mapstructure:"enabled" json:"enabled,omitempty"`
	Rate    string `mapstructure:"rate" json:"rate,omitempty"`
}

// EndpointConfig configures one endpoint rule.
type EndpointConfig struct {
	Pattern   string `mapstructure:"pattern" json:"pattern"`
	Rate      string `mapstructure:"rate" json:"rate"`
	Algorithm string `mapstructure:"algorithm" json:"algorithm,omitempty"`
	Burst     int    `mapstructure:"burst" json:"burst,omitempty"`
}

// TierLimit is a compiled tier budget.
type TierLimit struct {
	Unlimited bool `json:"unlimited,omitempty"`
	PerMinute int  `json:"per_minute,omitempty"`
}

// IPRule is the compiled per-IP sliding window rule.
type IPRule struct {
	Requests int           `json:"requests"`
	Window   time.Duration `json:"window"`
}

// EndpointRule is a compiled endpoint rule. Burst is zero unless the rule
// overrides the token bucket capacity.
type EndpointRule struct {
	Pattern   string        `json:"pattern"`
	Algorithm Algorithm     `json:"algorithm"`
	Requests  int           `json:"requests"`
	Window    time.Duration `json:"window"`
	Burst     int           `json:"burst,omitempty"`
}

// Wildcard reports whether the rule pattern is a prefix wildcard.
func (r *EndpointRule) Wildcard() bool {
	return strings.HasSuffix(r.Pattern, "*")
}

func (r *EndpointRule) prefix() string {
	return strings.TrimSuffix(r.Pattern, "*")
}

// Policy is the compiled, immutable admission policy.
type Policy struct {
	FailOpen    bool
	DefaultTier string

	IP *IPRule

	tiers     map[string]TierLimit
	exact     map[string]*EndpointRule
	wildcards []*EndpointRule
	exempt    map[string]struct{}
}

// Compile validates the raw configuration and produces the policy tables.
// Every malformed rate string, unknown algorithm, bad tier value, or
// conflicting pattern is surfaced here rather than at request time.
func Compile(cfg Config) (*Policy, error) {
	p := &Policy{
		FailOpen:    true,
		DefaultTier: DefaultTier,
		tiers:       make(map[string]TierLimit, len(cfg.Tiers)),
		exact:       make(map[string]*EndpointRule),
		exempt:      make(map[string]struct{}, len(cfg.ExemptPaths)),
	}

	if cfg.FailOpen != nil {
		p.FailOpen = *cfg.FailOpen
	}
	if tier := strings.TrimSpace(cfg.DefaultTier); tier != "" {
		p.DefaultTier = tier
	}
	for _, path := range cfg.ExemptPaths {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		p.exempt[path] = struct{}{}
	}

	if err := p.compileIP(cfg.IP); err != nil {
		return nil, err
	}
	if err := p.compileTiers(cfg.Tiers); err != nil {
		return nil, err
	}
	if err := p.compileEndpoints(cfg.Endpoints); err != nil {
		return nil, err
	}

	return p, nil
}

func (p *Policy) compileIP(cfg IPConfig) error {
	enabled := true
	if cfg.Enabled != nil {
		enabled = *cfg.Enabled
	}
	if !enabled {
		return nil
	}

	rate := strings.TrimSpace(cfg.Rate)
	if rate == "" {
		rate = DefaultIPRate
	}
	count, window, err := ParseRate(rate)
	if err != nil {
		return fmt.Errorf("ip policy: %w", err)
	}

	p.IP = &IPRule{Requests: count, Window: window}
	return nil
}

func (p *Policy) compileTiers(tiers map[string]any) error {
	for name, raw := range tiers {
		name = strings.TrimSpace(name)
		if name == "" {
			return fmt.Errorf("tier with empty name")
		}

		limit, err := parseTierValue(raw)
		if err != nil {
			return fmt.Errorf("tier %q: %w", name, err)
		}
		p.tiers[name] = limit
	}
	return nil
}

func parseTierValue(raw any) (TierLimit, error) {
	switch value := raw.(type) {
	case string:
		trimmed := strings.TrimSpace(value)
		if strings.EqualFold(trimmed, UnlimitedSentinel) {
			return TierLimit{Unlimited: true}, nil
		}
		n, err := strconv.Atoi(trimmed)
		if err != nil {
			return TierLimit{}, fmt.Errorf("expected requests per minute or %q, got %q", UnlimitedSentinel, value)
		}
		return tierFromInt(n)
	case int:
		return tierFromInt(value)
	case int64:
		return tierFromInt(int(value))
	case float64:
		if value != float64(int(value)) {
			return TierLimit{}, fmt.Errorf("requests per minute must be an integer, got %v", value)
		}
		return tierFromInt(int(value))
	default:
		return TierLimit{}, fmt.Errorf("expected requests per minute or %q, got %T", UnlimitedSentinel, raw)
	}
}

func tierFromInt(n int) (TierLimit, error) {
	if n <= 0 {
		return TierLimit{}, fmt.Errorf("requests per minute must be positive, got %d", n)
	}
	return TierLimit{PerMinute: n}, nil
}

func (p *Policy) compileEndpoints(endpoints []EndpointConfig) error {
	for i, cfg := range endpoints {
		pattern := strings.TrimSpace(cfg.Pattern)
		if pattern == "" {
			return fmt.Errorf("endpoint %d: pattern is required", i)
		}

		count, window, err := ParseRate(cfg.Rate)
		if err != nil {
			return fmt.Errorf("endpoint %q: %w", pattern, err)
		}

		algorithm, err := ParseAlgorithm(cfg.Algorithm)
		if err != nil {
			return fmt.Errorf("endpoint %q: %w", pattern, err)
		}

		if cfg.Burst < 0 {
			return fmt.Errorf("endpoint %q: burst must not be negative", pattern)
		}
		if cfg.Burst > 0 && algorithm != AlgorithmTokenBucket {
			return fmt.Errorf("endpoint %q: burst applies to token_bucket only", pattern)
		}

		rule := &EndpointRule{
			Pattern:   pattern,
			Algorithm: algorithm,
			Requests:  count,
			Window:    window,
			Burst:     cfg.Burst,
		}

		if rule.Wildcard() {
			p.wildcards = append(p.wildcards, rule)
			continue
		}
		if _, exists := p.exact[pattern]; exists {
			return fmt.Errorf("endpoint %q: duplicate pattern", pattern)
		}
		p.exact[pattern] = rule
	}

	// Longest prefix first so the most specific wildcard wins.
	sort.SliceStable(p.wildcards, func(i, j int) bool {
		return len(p.wildcards[i].prefix()) > len(p.wildcards[j].prefix())
	})

	return nil
}

// Tier returns the compiled budget for a tier name.
func (p *Policy) Tier(name string) (TierLimit, bool) {
	limit, ok := p.tiers[name]
	return limit, ok
}

// ResolveEndpoint selects the rule for an endpoint: an exact pattern match
// wins, otherwise the wildcard with the longest matching prefix.
func (p *Policy) ResolveEndpoint(endpoint string) (*EndpointRule, bool) {
	if rule, ok := p.exact[endpoint]; ok {
		return rule, true
	}
	for _, rule := range p.wildcards {
		if strings.HasPrefix(endpoint, rule.prefix()) {
			return rule, true
		}
	}
	return nil, false
}

// Exempt reports whether a path bypasses admission control.
func (p *Policy) Exempt(path string) bool {
	_, ok := p.exempt[path]
	return ok
}

// Tiers returns a copy of the tier table for inspection surfaces.
func (p *Policy) Tiers() map[string]TierLimit {
	out := make(map[string]TierLimit, len(p.tiers))
	for name, limit := range p.tiers {
		out[name] = limit
	}
	return out
}

// Endpoints returns the endpoint rules, exact rules first, for inspection
// surfaces.
func (p *Policy) Endpoints() []EndpointRule {
	out := make([]EndpointRule, 0, len(p.exact)+len(p.wildcards))
	exact := make([]string, 0, len(p.exact))
	for pattern := range p.exact {
		exact = append(exact, pattern)
	}
	sort.Strings(exact)
	for _, pattern := range exact {
		out = append(out, *p.exact[pattern])
	}
	for _, rule := range p.wildcards {
		out = append(out, *rule)
	}
	return out
}
