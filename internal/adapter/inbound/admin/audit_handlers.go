package admin

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/arboric/arboric/internal/domain/audit"
)

const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
)

// AuditQueryResponse is the JSON response for GET /admin/api/audit.
type AuditQueryResponse struct {
	Records []audit.Record `json:"records"`
	Count   int            `json:"count"`
}

func (h *AdminAPIHandler) handleQueryAudit(w http.ResponseWriter, r *http.Request) {
	if h.auditReader == nil {
		h.respondError(w, http.StatusServiceUnavailable, "audit reader not configured")
		return
	}
	filter, err := parseAuditFilter(r)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	records := h.auditReader.Query(filter)
	if records == nil {
		records = []audit.Record{}
	}
	h.respondJSON(w, http.StatusOK, AuditQueryResponse{
		Records: records,
		Count:   len(records),
	})
}

func parseAuditFilter(r *http.Request) (audit.Filter, error) {
	q := r.URL.Query()
	filter := audit.Filter{
		Subject: q.Get("subject"),
		Field:   q.Get("field"),
		Limit:   defaultAuditLimit,
	}
	if outcome := q.Get("outcome"); outcome != "" {
		if outcome != audit.OutcomeForwarded && outcome != audit.OutcomeRejected {
			return filter, fmt.Errorf("invalid outcome filter: must be %q or %q", audit.OutcomeForwarded, audit.OutcomeRejected)
		}
		filter.Outcome = outcome
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return filter, fmt.Errorf("invalid since time: %w", err)
		}
		filter.Since = t
	}
	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 1 {
			return filter, fmt.Errorf("invalid limit: must be a positive integer")
		}
		filter.Limit = min(limit, maxAuditLimit)
	}
	return filter, nil
}
