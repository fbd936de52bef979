// Package admin provides the JSON admin API: policy inspection and reload,
// dry-run evaluation, recent audit records and system information.
package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/arboric/arboric/internal/domain/audit"
	"github.com/arboric/arboric/internal/service"
)

const maxRequestBody = 1 << 20

// ReloadFunc rebuilds the policy set. It is shared with the SIGHUP handler
// so both paths record the same metrics.
type ReloadFunc func(r *http.Request) (service.ReloadResult, error)

// AdminAPIHandler provides JSON API endpoints under /admin/api/.
type AdminAPIHandler struct {
	policyService *service.PolicyService
	reload        ReloadFunc
	auditService  *service.AuditService
	auditReader   audit.Querier
	apiKeyHash    string
	rateLimit     int
	buildInfo     *BuildInfo
	logger        *slog.Logger
	startTime     time.Time
}

// AdminAPIOption configures an AdminAPIHandler dependency.
type AdminAPIOption func(*AdminAPIHandler)

// WithPolicyService sets the policy service that answers list and evaluate.
func WithPolicyService(s *service.PolicyService) AdminAPIOption {
	return func(h *AdminAPIHandler) { h.policyService = s }
}

// WithReload overrides how POST /admin/api/policies/reload rebuilds the set.
// The default calls PolicyService.Reload.
func WithReload(fn ReloadFunc) AdminAPIOption {
	return func(h *AdminAPIHandler) { h.reload = fn }
}

// WithAuditService sets the audit service whose queue state is reported.
func WithAuditService(s *service.AuditService) AdminAPIOption {
	return func(h *AdminAPIHandler) { h.auditService = s }
}

// WithAuditReader sets the source of recent audit records.
func WithAuditReader(r audit.Querier) AdminAPIOption {
	return func(h *AdminAPIHandler) { h.auditReader = r }
}

// WithAPIKeyHash requires callers to present the key matching this argon2id
// hash. Without it only loopback clients are served.
func WithAPIKeyHash(hash string) AdminAPIOption {
	return func(h *AdminAPIHandler) { h.apiKeyHash = hash }
}

// WithRateLimit sets the per-minute request budget for non-loopback clients.
func WithRateLimit(perMinute int) AdminAPIOption {
	return func(h *AdminAPIHandler) {
		if perMinute > 0 {
			h.rateLimit = perMinute
		}
	}
}

// WithAPILogger sets the logger.
func WithAPILogger(l *slog.Logger) AdminAPIOption {
	return func(h *AdminAPIHandler) { h.logger = l }
}

// WithBuildInfo sets the build version information.
func WithBuildInfo(info *BuildInfo) AdminAPIOption {
	return func(h *AdminAPIHandler) { h.buildInfo = info }
}

// WithStartTime sets the server start time for uptime calculation.
func WithStartTime(t time.Time) AdminAPIOption {
	return func(h *AdminAPIHandler) { h.startTime = t }
}

// NewAdminAPIHandler creates a new AdminAPIHandler with the given options.
func NewAdminAPIHandler(opts ...AdminAPIOption) *AdminAPIHandler {
	h := &AdminAPIHandler{
		logger:    slog.Default(),
		startTime: time.Now().UTC(),
		rateLimit: 60,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.reload == nil && h.policyService != nil {
		h.reload = func(r *http.Request) (service.ReloadResult, error) {
			return h.policyService.Reload(r.Context())
		}
	}
	return h
}

// Routes returns an http.Handler with all admin API routes registered.
// The auth status endpoint is public; everything else goes through
// adminAuthMiddleware.
func (h *AdminAPIHandler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /admin/api/auth/status", h.handleAuthStatus)

	protectedMux := http.NewServeMux()
	protectedMux.HandleFunc("GET /admin/api/policies", h.handleListPolicies)
	protectedMux.HandleFunc("POST /admin/api/policies/reload", h.handleReloadPolicies)
	protectedMux.HandleFunc("POST /admin/api/evaluate", h.handleEvaluate)
	protectedMux.HandleFunc("GET /admin/api/audit", h.handleQueryAudit)
	protectedMux.HandleFunc("GET /admin/api/system", h.handleSystemInfo)

	mux.Handle("/admin/api/", h.adminAuthMiddleware(protectedMux))

	rateLimited := apiRateLimitMiddleware(h.rateLimit, time.Minute, mux)
	return securityHeadersMiddleware(rateLimited)
}

// --- JSON helper methods ---

// respondJSON writes a JSON response with the given status code and data.
func (h *AdminAPIHandler) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode JSON response", "error", err)
	}
}

// respondError writes a JSON error response with the given status code and message.
func (h *AdminAPIHandler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}

// readJSON decodes a size-limited request body into v, rejecting unknown fields.
func (h *AdminAPIHandler) readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
