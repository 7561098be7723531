package middleware

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/fulmenhq/gofulmen/errors"

	"github.com/gatewarden/gatewarden/internal/core/engine"
	"github.com/gatewarden/gatewarden/internal/core/policy"
)

// Identity headers populated by the authentication layer in front of this
// service.
const (
	UserIDHeader   = "X-User-ID"
	UserTierHeader = "X-User-Tier"
)

// Admission returns the middleware enforcing admission control: the cheap
// per-IP DoS gate first, then the policy engine across the ip, user, and
// endpoint dimensions. Exempt paths pass straight through. Responses carry
// rate limit headers reflecting the most restrictive applicable verdict;
// the headers are informational and never flip an allowed request.
func Admission(eng *engine.RateLimiter, detector *engine.DoSDetector, pol *policy.Policy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			path := r.URL.Path
			if pol != nil && pol.Exempt(path) {
				next.ServeHTTP(w, r)
				return
			}

			ip := clientIP(r)
			if !detector.Allow(ip) {
				envelope := errors.NewErrorEnvelope("DOS_DETECTED", "DoS attack detected").
					WithCorrelationID(GetRequestID(r.Context()))
				writeErrorResponse(w, envelope, http.StatusTooManyRequests)
				return
			}

			decision := eng.Check(r.Context(), engine.Descriptor{
				IP:       ip,
				UserID:   r.Header.Get(UserIDHeader),
				Tier:     r.Header.Get(UserTierHeader),
				Endpoint: path,
			})

			for name, value := range decision.Headers() {
				w.Header().Set(name, value)
			}

			if !decision.Allowed {
				envelope := errors.NewErrorEnvelope("RATE_LIMITED",
					fmt.Sprintf("Rate limit exceeded (%s)", decision.Reason())).
					WithCorrelationID(GetRequestID(r.Context()))
				writeErrorResponse(w, envelope, http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientIP extracts the bare address. RealIP runs earlier in the chain, so
// RemoteAddr already reflects forwarding headers when present.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}
