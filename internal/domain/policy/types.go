// Package policy contains the ABAC model: claim conditions, GraphQL field
// patterns, ordered policies and the first-match evaluator.
package policy

import (
	"github.com/arboric/arboric/internal/domain/claims"
	"github.com/arboric/arboric/internal/domain/graphql"
)

// Policy is one ordered rule. Its patterns apply only when every condition
// in When holds; an empty When applies to every caller, anonymous included.
type Policy struct {
	// Name is a human-readable label used in logs and audit records.
	Name string
	// When lists the conditions that must all hold.
	When []Condition
	// Allow lists the patterns this policy grants.
	Allow []Pattern
	// Deny lists the patterns this policy refuses. Deny is checked before Allow.
	Deny []Pattern
}

// Applies reports whether every condition holds for the given claims.
func (p *Policy) Applies(c claims.Claims) bool {
	for i := range p.When {
		if !p.When[i].Matches(c) {
			return false
		}
	}
	return true
}

// Outcome is the per-field result of evaluation.
type Outcome int

const (
	// NoMatch means no applicable policy listed a matching pattern.
	NoMatch Outcome = iota
	// Allowed means the authoritative policy matched an allow pattern.
	Allowed
	// Denied means the authoritative policy matched a deny pattern.
	Denied
)

func (o Outcome) String() string {
	switch o {
	case Allowed:
		return "allowed"
	case Denied:
		return "denied"
	default:
		return "no_match"
	}
}

// MarshalText encodes the outcome by name.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// FieldDecision records how a single root field was decided.
type FieldDecision struct {
	// Field is the root field name.
	Field string `json:"field"`
	// Outcome is the decision for this field.
	Outcome Outcome `json:"decision"`
	// PolicyIndex is the position of the authoritative policy, -1 on NoMatch.
	PolicyIndex int `json:"policy_index"`
	// PolicyName is the name of the authoritative policy.
	PolicyName string `json:"policy,omitempty"`
	// Pattern is the pattern that matched, as written in configuration.
	Pattern string `json:"pattern,omitempty"`
}

// Allowed reports whether the field may be executed.
func (d FieldDecision) Allowed() bool {
	return d.Outcome == Allowed
}

// Decision is the aggregate result for one request.
type Decision struct {
	// Operation is the evaluated operation kind.
	Operation graphql.Operation `json:"operation"`
	// Fields holds one entry per requested field, in request order.
	Fields []FieldDecision `json:"fields"`
	// Allowed is true only when every field is Allowed.
	Allowed bool `json:"allowed"`
}

// Denials returns the fields that prevented the request, in request order.
func (d Decision) Denials() []FieldDecision {
	var out []FieldDecision
	for _, f := range d.Fields {
		if !f.Allowed() {
			out = append(out, f)
		}
	}
	return out
}
