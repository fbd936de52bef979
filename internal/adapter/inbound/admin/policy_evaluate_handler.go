package admin

import (
	"errors"
	"net/http"

	"github.com/arboric/arboric/internal/domain/claims"
	"github.com/arboric/arboric/internal/domain/graphql"
	"github.com/arboric/arboric/internal/domain/policy"
)

// EvaluateRequest is the body of POST /admin/api/evaluate.
// Claims stand in for a verified token; an empty object is anonymous.
type EvaluateRequest struct {
	Claims      map[string]any `json:"claims"`
	ContentType string         `json:"content_type"`
	Query       string         `json:"query"`
}

// FieldResult is the decision for one root field.
type FieldResult struct {
	Field       string `json:"field"`
	Decision    string `json:"decision"`
	PolicyIndex int    `json:"policy_index"`
	PolicyName  string `json:"policy_name,omitempty"`
	Pattern     string `json:"pattern,omitempty"`
}

// EvaluateResponse reports what the gateway would do with the request.
type EvaluateResponse struct {
	Allowed       bool          `json:"allowed"`
	Status        int           `json:"status"`
	Operation     string        `json:"operation"`
	OperationName string        `json:"operation_name,omitempty"`
	Fields        []FieldResult `json:"fields"`
	PolicyVersion string        `json:"policy_version"`
}

// NewEvaluateResponse converts a decision into its API form.
func NewEvaluateResponse(req *graphql.Request, d policy.Decision, set *policy.Set) EvaluateResponse {
	resp := EvaluateResponse{
		Allowed:       d.Allowed,
		Status:        http.StatusOK,
		Operation:     req.Operation.String(),
		OperationName: req.OperationName,
		Fields:        make([]FieldResult, 0, len(d.Fields)),
		PolicyVersion: set.Version(),
	}
	if !d.Allowed {
		resp.Status = http.StatusForbidden
	}
	for _, f := range d.Fields {
		resp.Fields = append(resp.Fields, FieldResult{
			Field:       f.Field,
			Decision:    f.Outcome.String(),
			PolicyIndex: f.PolicyIndex,
			PolicyName:  f.PolicyName,
			Pattern:     f.Pattern,
		})
	}
	return resp
}

// handleEvaluate runs the parser and evaluator on a request without
// forwarding it. Parse failures are 400, like the gateway.
func (h *AdminAPIHandler) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	if h.policyService == nil {
		h.respondError(w, http.StatusServiceUnavailable, "policy service not configured")
		return
	}

	var req EvaluateRequest
	if err := h.readJSON(w, r, &req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.respondError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		h.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	contentType := req.ContentType
	if contentType == "" {
		contentType = graphql.ContentTypeGraphQL
	}
	gql, err := graphql.Parse(contentType, []byte(req.Query))
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	c := claims.Anonymous()
	if len(req.Claims) > 0 {
		c = claims.New(req.Claims)
	}
	decision, set := h.policyService.Evaluate(c, gql)
	h.respondJSON(w, http.StatusOK, NewEvaluateResponse(gql, decision, set))
}
