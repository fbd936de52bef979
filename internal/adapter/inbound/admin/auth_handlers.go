package admin

import (
	"net/http"
)

// authStatusResponse is the JSON response for GET /admin/api/auth/status.
type authStatusResponse struct {
	AuthRequired  bool `json:"auth_required"`
	KeyConfigured bool `json:"key_configured"`
	Localhost     bool `json:"localhost"`
}

// handleAuthStatus tells a client what it needs to present.
// GET /admin/api/auth/status
//
//   - auth_required: false only for loopback clients when no key is configured
//   - key_configured: an API key hash is set
//   - localhost: the request originates from a loopback address
func (h *AdminAPIHandler) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	local := isLocalhost(r)
	keyed := h.apiKeyHash != ""
	h.respondJSON(w, http.StatusOK, authStatusResponse{
		AuthRequired:  keyed || !local,
		KeyConfigured: keyed,
		Localhost:     local,
	})
}
