package admin

import (
	"net/http"
	"time"

	"github.com/arboric/arboric/internal/domain/policy"
)

// policiesResponse is the JSON response for GET /admin/api/policies.
type policiesResponse struct {
	Version  string              `json:"version"`
	LoadedAt time.Time           `json:"loaded_at"`
	Count    int                 `json:"count"`
	Policies []policy.Definition `json:"policies"`
}

// handleListPolicies returns the active policy set in evaluation order.
func (h *AdminAPIHandler) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	if h.policyService == nil {
		h.respondError(w, http.StatusServiceUnavailable, "policy service not configured")
		return
	}
	set := h.policyService.Current()
	h.respondJSON(w, http.StatusOK, policiesResponse{
		Version:  set.Version(),
		LoadedAt: h.policyService.LoadedAt().UTC(),
		Count:    set.Len(),
		Policies: set.Definitions(),
	})
}

// handleReloadPolicies rebuilds the set from configuration. A set that does
// not compile leaves the active one in place and is reported as 422.
func (h *AdminAPIHandler) handleReloadPolicies(w http.ResponseWriter, r *http.Request) {
	if h.reload == nil {
		h.respondError(w, http.StatusServiceUnavailable, "policy reload not configured")
		return
	}
	res, err := h.reload(r)
	if err != nil {
		h.respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	h.respondJSON(w, http.StatusOK, res)
}
