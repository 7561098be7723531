package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gatewarden/gatewarden/internal/config"
	"github.com/gatewarden/gatewarden/internal/core/engine"
	"github.com/gatewarden/gatewarden/internal/core/policy"
	"github.com/gatewarden/gatewarden/internal/core/store"
)

func newCheckHandler(t *testing.T, cfg policy.Config) *CheckHandler {
	t.Helper()

	pol, err := policy.Compile(cfg)
	if err != nil {
		t.Fatalf("failed to compile policy: %v", err)
	}

	s := store.NewMemoryStore(config.StoreConfig{})
	t.Cleanup(func() {
		_ = s.Close()
	})

	return &CheckHandler{Engine: engine.NewRateLimiter(s, pol, nil)}
}

func postCheck(t *testing.T, handler *CheckHandler, body string) (*httptest.ResponseRecorder, CheckResponse) {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/v1/check", strings.NewReader(body))
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	var resp CheckResponse
	if rec.Code == http.StatusOK {
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
	}
	return rec, resp
}

func TestCheckHandlerAllows(t *testing.T) {
	handler := newCheckHandler(t, policy.Config{
		IP: policy.IPConfig{Rate: "5 per minute"},
	})

	rec, resp := postCheck(t, handler, `{"ip":"10.0.0.1"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if !resp.Allowed {
		t.Fatalf("expected allowed decision, got %+v", resp)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected advisory status 200, got %d", resp.StatusCode)
	}
	if resp.Headers["X-RateLimit-Limit"] != "5" {
		t.Fatalf("expected limit header 5, got %q", resp.Headers["X-RateLimit-Limit"])
	}
}

func TestCheckHandlerDeniesWith200(t *testing.T) {
	handler := newCheckHandler(t, policy.Config{
		IP: policy.IPConfig{Rate: "1 per minute"},
	})

	rec, resp := postCheck(t, handler, `{"ip":"10.0.0.2"}`)
	if rec.Code != http.StatusOK || !resp.Allowed {
		t.Fatalf("first request should be allowed, got code=%d resp=%+v", rec.Code, resp)
	}

	// The decision endpoint itself answers 200 even on a deny; the caller
	// applies the advisory status.
	rec, resp = postCheck(t, handler, `{"ip":"10.0.0.2"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if resp.Allowed {
		t.Fatalf("expected denied decision, got %+v", resp)
	}
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected advisory status 429, got %d", resp.StatusCode)
	}
	if resp.Reason != "ip" {
		t.Fatalf("expected reason ip, got %q", resp.Reason)
	}
	if !strings.Contains(resp.Message, "Rate limit exceeded") {
		t.Fatalf("unexpected message: %q", resp.Message)
	}
	if resp.Headers["Retry-After"] == "" {
		t.Fatalf("expected Retry-After header in denied decision")
	}
}

func TestCheckHandlerRejectsMalformedBody(t *testing.T) {
	handler := newCheckHandler(t, policy.Config{})

	req := httptest.NewRequest(http.MethodPost, "/v1/check", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rec.Code)
	}
}

func TestPolicyHandlerReportsTables(t *testing.T) {
	pol, err := policy.Compile(policy.Config{
		IP:    policy.IPConfig{Rate: "100 per minute"},
		Tiers: map[string]any{"free": 60, "enterprise": "unlimited"},
		Endpoints: []policy.EndpointConfig{
			{Pattern: "/api/auth/login", Rate: "5 per 5 minutes", Algorithm: "token_bucket"},
		},
	})
	if err != nil {
		t.Fatalf("failed to compile policy: %v", err)
	}

	handler := &PolicyHandler{Policy: pol}

	req := httptest.NewRequest(http.MethodGet, "/v1/policy", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var resp PolicyResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if resp.IP == nil || resp.IP.Requests != 100 {
		t.Fatalf("expected ip rule with 100 requests, got %+v", resp.IP)
	}
	if resp.Tiers["enterprise"] != policy.UnlimitedSentinel {
		t.Fatalf("expected enterprise tier to be unlimited, got %v", resp.Tiers["enterprise"])
	}
	if len(resp.Endpoints) != 1 || resp.Endpoints[0].Pattern != "/api/auth/login" {
		t.Fatalf("unexpected endpoint rules: %+v", resp.Endpoints)
	}
}
