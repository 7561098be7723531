package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gatewarden/gatewarden/internal/core/policy"
	apperrors "github.com/gatewarden/gatewarden/internal/errors"
)

// PolicyResponse is the inspection view of the compiled policy tables.
type PolicyResponse struct {
	FailOpen    bool               `json:"fail_open"`
	DefaultTier string             `json:"default_tier"`
	IP          *IPRuleView        `json:"ip,omitempty"`
	Tiers       map[string]any     `json:"tiers,omitempty"`
	Endpoints   []EndpointRuleView `json:"endpoints,omitempty"`
}

// IPRuleView renders the per-IP rule with a human-readable window.
type IPRuleView struct {
	Requests int    `json:"requests"`
	Window   string `json:"window"`
}

// EndpointRuleView renders one endpoint rule with a human-readable window.
type EndpointRuleView struct {
	Pattern   string `json:"pattern"`
	Algorithm string `json:"algorithm"`
	Requests  int    `json:"requests"`
	Window    string `json:"window"`
	Burst     int    `json:"burst,omitempty"`
}

// PolicyHandler reports the compiled policy tables.
type PolicyHandler struct {
	Policy *policy.Policy
}

func (h *PolicyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Policy == nil {
		respondWithError(w, r, apperrors.NewInternalError("policy tables are not loaded"))
		return
	}

	response := PolicyResponse{
		FailOpen:    h.Policy.FailOpen,
		DefaultTier: h.Policy.DefaultTier,
		Tiers:       make(map[string]any),
	}

	if h.Policy.IP != nil {
		response.IP = &IPRuleView{
			Requests: h.Policy.IP.Requests,
			Window:   h.Policy.IP.Window.String(),
		}
	}

	for name, limit := range h.Policy.Tiers() {
		if limit.Unlimited {
			response.Tiers[name] = policy.UnlimitedSentinel
		} else {
			response.Tiers[name] = limit.PerMinute
		}
	}

	for _, rule := range h.Policy.Endpoints() {
		response.Endpoints = append(response.Endpoints, EndpointRuleView{
			Pattern:   rule.Pattern,
			Algorithm: rule.Algorithm.String(),
			Requests:  rule.Requests,
			Window:    rule.Window.String(),
			Burst:     rule.Burst,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(response)
}
