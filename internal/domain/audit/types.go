// Package audit defines the audit record emitted for every completed request.
package audit

import (
	"time"

	"github.com/arboric/arboric/internal/domain/policy"
)

// Outcome values recorded for a request.
const (
	// OutcomeForwarded means the request reached the backend.
	OutcomeForwarded = "forwarded"
	// OutcomeRejected means the proxy answered without contacting the backend.
	OutcomeRejected = "rejected"
)

// FieldRecord is the decision recorded for one root field.
type FieldRecord struct {
	// Name is the root field name.
	Name string `json:"name"`
	// Decision is "allowed", "denied" or "no_match".
	Decision string `json:"decision"`
	// PolicyIndex is the authoritative policy position, -1 when none matched.
	PolicyIndex int `json:"policy_index"`
	// Pattern is the pattern that decided the field.
	Pattern string `json:"pattern,omitempty"`
	// Count is how many times the field was selected in the document.
	Count int `json:"count"`
}

// Record summarizes one request handled by the pipeline.
type Record struct {
	// Timestamp is when the request was received (UTC).
	Timestamp time.Time `json:"timestamp"`
	// RequestID correlates the record with log lines.
	RequestID string `json:"request_id,omitempty"`
	// Operation is "query" or "mutation", empty when parsing never succeeded.
	Operation string `json:"operation,omitempty"`
	// OperationName is the selected GraphQL operation name.
	OperationName string `json:"operation_name,omitempty"`
	// Fields lists every root field with its decision.
	Fields []FieldRecord `json:"fields,omitempty"`
	// Subject is the "sub" claim, empty for anonymous callers.
	Subject string `json:"subject,omitempty"`
	// ClientIP is the caller address, X-Forwarded-For first.
	ClientIP string `json:"client_ip,omitempty"`
	// Status is the HTTP status returned to the client.
	Status int `json:"status"`
	// Outcome is OutcomeForwarded or OutcomeRejected.
	Outcome string `json:"outcome"`
	// Reason explains a rejection.
	Reason string `json:"reason,omitempty"`
	// LatencyMicros is the time spent handling the request.
	LatencyMicros int64 `json:"latency_us"`
	// PolicyVersion is the fingerprint of the policy set used for the decision.
	PolicyVersion string `json:"policy_version,omitempty"`
}

// Allowed reports whether every recorded field was allowed.
func (r Record) Allowed() bool {
	if len(r.Fields) == 0 {
		return false
	}
	for _, f := range r.Fields {
		if f.Decision != policy.Allowed.String() {
			return false
		}
	}
	return true
}

// FieldsFromDecision converts an evaluator decision into field records.
// counts may be nil.
func FieldsFromDecision(d policy.Decision, counts map[string]int) []FieldRecord {
	out := make([]FieldRecord, 0, len(d.Fields))
	for _, f := range d.Fields {
		n := counts[f.Field]
		if n == 0 {
			n = 1
		}
		out = append(out, FieldRecord{
			Name:        f.Field,
			Decision:    f.Outcome.String(),
			PolicyIndex: f.PolicyIndex,
			Pattern:     f.Pattern,
			Count:       n,
		})
	}
	return out
}
