package admin

import (
	"net/http"
	"runtime"
	"time"
)

// BuildInfo holds build-time version information.
// Injected via WithBuildInfo option to avoid import cycles with cmd package.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

// SystemInfoResponse is the JSON response for GET /admin/api/system.
type SystemInfoResponse struct {
	Version       string `json:"version"`
	Commit        string `json:"commit"`
	BuildDate     string `json:"build_date"`
	GoVersion     string `json:"go_version"`
	OS            string `json:"os"`
	Arch          string `json:"arch"`
	Uptime        string `json:"uptime"`
	UptimeSec     int64  `json:"uptime_seconds"`
	Policies      int    `json:"policies"`
	PolicyVersion string `json:"policy_version,omitempty"`
	AuditQueue    int    `json:"audit_queue"`
	AuditCapacity int    `json:"audit_capacity"`
	AuditDrops    int64  `json:"audit_drops"`
}

// handleSystemInfo returns build and runtime information together with the
// policy and audit state.
func (h *AdminAPIHandler) handleSystemInfo(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(h.startTime)

	resp := SystemInfoResponse{
		Version:   "dev",
		Commit:    "none",
		BuildDate: "unknown",
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		Uptime:    uptime.Truncate(time.Second).String(),
		UptimeSec: int64(uptime.Seconds()),
	}
	if h.buildInfo != nil {
		resp.Version = h.buildInfo.Version
		resp.Commit = h.buildInfo.Commit
		resp.BuildDate = h.buildInfo.BuildDate
	}
	if h.policyService != nil {
		set := h.policyService.Current()
		resp.Policies = set.Len()
		resp.PolicyVersion = set.Version()
	}
	if h.auditService != nil {
		resp.AuditQueue = h.auditService.ChannelDepth()
		resp.AuditCapacity = h.auditService.ChannelCapacity()
		resp.AuditDrops = h.auditService.DroppedRecords()
	}

	h.respondJSON(w, http.StatusOK, resp)
}
