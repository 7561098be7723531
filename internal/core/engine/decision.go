package engine

import (
	"math"
	"strconv"
	"time"

	"github.com/gatewarden/gatewarden/internal/core/limiter"
)

// Rate limit response headers.
const (
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
	HeaderRetryAfter         = "Retry-After"
)

// Descriptor identifies one request across the dimensions the engine
// evaluates. Zero-value fields skip their dimension.
type Descriptor struct {
	IP       string `json:"ip,omitempty"`
	UserID   string `json:"user_id,omitempty"`
	Tier     string `json:"tier,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
}

// Dimension names one admission dimension.
type Dimension string

const (
	DimensionIP       Dimension = "ip"
	DimensionUser     Dimension = "user"
	DimensionEndpoint Dimension = "endpoint"
)

// Verdict is the outcome of a single dimension check.
type Verdict struct {
	Dimension Dimension
	Key       string
	Result    limiter.Result
}

// Decision aggregates the verdicts for one request. Checks run in order
// (ip, then user, then endpoint) and stop at the first denial, so Verdicts
// holds only the dimensions that were evaluated.
type Decision struct {
	Allowed  bool
	Denied   *Verdict
	Verdicts []Verdict
}

func (d *Decision) merge(part Decision) {
	d.Verdicts = append(d.Verdicts, part.Verdicts...)
	if part.Allowed || !d.Allowed {
		return
	}
	d.Allowed = false
	if part.Denied != nil {
		denied := *part.Denied
		d.Denied = &denied
	}
}

// Reason names the denied dimension, or "none" for an allowed decision.
func (d *Decision) Reason() string {
	if d == nil || d.Denied == nil {
		return "none"
	}
	return string(d.Denied.Dimension)
}

// Headers renders the rate limit response headers from the most restrictive
// applicable verdict. Values are stringified non-negative integers; Reset
// is in seconds. Empty when no limited dimension applied.
func (d *Decision) Headers() map[string]string {
	v := d.MostRestrictive()
	if v == nil {
		return nil
	}

	headers := map[string]string{
		HeaderRateLimitLimit:     strconv.Itoa(v.Result.Limit),
		HeaderRateLimitRemaining: strconv.Itoa(v.Result.Remaining),
		HeaderRateLimitReset:     strconv.FormatInt(ceilSeconds(v.Result.Reset), 10),
	}
	if !d.Allowed {
		if retry := ceilSeconds(v.Result.RetryAfter); retry > 0 {
			headers[HeaderRetryAfter] = strconv.FormatInt(retry, 10)
		}
	}
	return headers
}

func ceilSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(math.Ceil(d.Seconds()))
}

// MostRestrictive selects the verdict whose budget is closest to
// exhaustion, preferring the denied one. Nil when no limited dimension
// applied to the request.
func (d *Decision) MostRestrictive() *Verdict {
	if d == nil {
		return nil
	}
	if d.Denied != nil {
		return d.Denied
	}

	var pick *Verdict
	for i := range d.Verdicts {
		v := &d.Verdicts[i]
		if pick == nil ||
			v.Result.Remaining < pick.Result.Remaining ||
			(v.Result.Remaining == pick.Result.Remaining && v.Result.Limit < pick.Result.Limit) {
			pick = v
		}
	}
	return pick
}
