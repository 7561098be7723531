package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gatewarden/gatewarden/internal/core/engine"
	apperrors "github.com/gatewarden/gatewarden/internal/errors"
)

// CheckResponse is the decision object returned to sidecar callers. The
// caller applies StatusCode and Headers to its own response; the decision
// endpoint itself always answers 200.
type CheckResponse struct {
	Allowed    bool              `json:"allowed"`
	StatusCode int               `json:"status_code"`
	Message    string            `json:"message"`
	Reason     string            `json:"reason"`
	Headers    map[string]string `json:"headers,omitempty"`
}

// CheckHandler evaluates request descriptors against the admission engine
// for ext-authz style deployments.
type CheckHandler struct {
	Engine *engine.RateLimiter
}

func (h *CheckHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var desc engine.Descriptor
	if err := json.NewDecoder(r.Body).Decode(&desc); err != nil {
		respondWithError(w, r, apperrors.NewInvalidInputError("request body must be a JSON request descriptor"))
		return
	}

	decision := h.Engine.Check(r.Context(), desc)

	response := CheckResponse{
		Allowed:    decision.Allowed,
		StatusCode: http.StatusOK,
		Message:    "OK",
		Reason:     decision.Reason(),
		Headers:    decision.Headers(),
	}
	if !decision.Allowed {
		response.StatusCode = http.StatusTooManyRequests
		response.Message = fmt.Sprintf("Rate limit exceeded (%s)", decision.Reason())
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(response)
}
