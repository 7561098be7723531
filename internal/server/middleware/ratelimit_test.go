package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gatewarden/gatewarden/internal/config"
	"github.com/gatewarden/gatewarden/internal/core/engine"
	"github.com/gatewarden/gatewarden/internal/core/policy"
	"github.com/gatewarden/gatewarden/internal/core/store"
)

func newAdmissionHandler(t *testing.T, cfg policy.Config, detector *engine.DoSDetector) http.Handler {
	t.Helper()

	pol, err := policy.Compile(cfg)
	require.NoError(t, err)

	s := store.NewMemoryStore(config.StoreConfig{})
	t.Cleanup(func() {
		_ = s.Close()
	})
	eng := engine.NewRateLimiter(s, pol, nil)

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return Admission(eng, detector, pol)(next)
}

func doRequest(handler http.Handler, path, ip string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = ip + ":34512"
	for name, value := range headers {
		req.Header.Set(name, value)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeErrorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()

	var body ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body.Error.Code
}

func TestAdmissionAllowsAndSetsHeaders(t *testing.T) {
	handler := newAdmissionHandler(t, policy.Config{
		IP: policy.IPConfig{Rate: "5 per minute"},
	}, nil)

	rec := doRequest(handler, "/api/search", "10.0.0.1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "5", rec.Header().Get("X-RateLimit-Limit"))
	require.Equal(t, "4", rec.Header().Get("X-RateLimit-Remaining"))
	require.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))
}

func TestAdmissionHeadersAtBudgetBoundary(t *testing.T) {
	handler := newAdmissionHandler(t, policy.Config{
		IP: policy.IPConfig{Rate: "2 per minute"},
	}, nil)

	rec := doRequest(handler, "/api/search", "10.0.0.9", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "1", rec.Header().Get("X-RateLimit-Remaining"))

	// The last admitted request already reports an exhausted budget.
	rec = doRequest(handler, "/api/search", "10.0.0.9", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	rec = doRequest(handler, "/api/search", "10.0.0.9", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	reset, err := strconv.Atoi(rec.Header().Get("X-RateLimit-Reset"))
	require.NoError(t, err)
	require.Positive(t, reset)
	require.LessOrEqual(t, reset, 60)
}

func TestAdmissionDeniesOverLimit(t *testing.T) {
	handler := newAdmissionHandler(t, policy.Config{
		IP: policy.IPConfig{Rate: "1 per minute"},
	}, nil)

	rec := doRequest(handler, "/api/search", "10.0.0.2", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(handler, "/api/search", "10.0.0.2", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "RATE_LIMITED", decodeErrorCode(t, rec))
	require.NotEmpty(t, rec.Header().Get("Retry-After"))

	// A different address has its own budget.
	rec = doRequest(handler, "/api/search", "10.0.0.3", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAdmissionExemptPathBypasses(t *testing.T) {
	handler := newAdmissionHandler(t, policy.Config{
		IP:          policy.IPConfig{Rate: "1 per minute"},
		ExemptPaths: []string{"/health"},
	}, nil)

	for i := 0; i < 5; i++ {
		rec := doRequest(handler, "/health", "10.0.0.4", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		require.Empty(t, rec.Header().Get("X-RateLimit-Limit"))
	}
}

func TestAdmissionUserTierFromHeaders(t *testing.T) {
	handler := newAdmissionHandler(t, policy.Config{
		IP:    policy.IPConfig{Enabled: func(v bool) *bool { return &v }(false)},
		Tiers: map[string]any{"free": 1},
	}, nil)

	headers := map[string]string{
		UserIDHeader:   "alice",
		UserTierHeader: "free",
	}

	rec := doRequest(handler, "/api/x", "10.0.0.5", headers)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(handler, "/api/x", "10.0.0.5", headers)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "RATE_LIMITED", decodeErrorCode(t, rec))
}

func TestAdmissionDoSGateBlocksFloods(t *testing.T) {
	detector, err := engine.NewDoSDetector(config.DoSConfig{
		Enabled: true,
		Rate:    "1 per minute",
		Burst:   1,
	}, nil)
	require.NoError(t, err)

	handler := newAdmissionHandler(t, policy.Config{
		IP: policy.IPConfig{Rate: "100 per minute"},
	}, detector)

	rec := doRequest(handler, "/api/x", "10.0.0.6", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(handler, "/api/x", "10.0.0.6", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "DOS_DETECTED", decodeErrorCode(t, rec))
}
