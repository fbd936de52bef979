package policy

import (
	"github.com/arboric/arboric/internal/domain/claims"
	"github.com/arboric/arboric/internal/domain/graphql"
)

// Evaluate decides every field of req against the ordered policies.
//
// For each field, policies are visited in order. The first policy whose
// conditions hold and whose deny or allow list matches the field is
// authoritative; deny is checked before allow. A field no applicable policy
// matches is NoMatch, which denies the request. The request is allowed only
// when every field is Allowed, so an empty policy list denies everything.
func Evaluate(policies []Policy, c claims.Claims, req *graphql.Request) Decision {
	d := Decision{
		Operation: req.Operation,
		Fields:    make([]FieldDecision, 0, len(req.Fields)),
		Allowed:   len(req.Fields) > 0,
	}

	// Conditions depend only on the claims, so each policy is tested at most once.
	applies := make([]int8, len(policies))
	holds := func(i int) bool {
		if applies[i] == 0 {
			applies[i] = -1
			if policies[i].Applies(c) {
				applies[i] = 1
			}
		}
		return applies[i] == 1
	}

	for _, field := range req.Fields {
		fd := decideField(policies, holds, req.Operation, field)
		if fd.Outcome != Allowed {
			d.Allowed = false
		}
		d.Fields = append(d.Fields, fd)
	}
	return d
}

// EvaluateField decides a single (operation, field) pair.
func EvaluateField(policies []Policy, c claims.Claims, op graphql.Operation, field string) FieldDecision {
	return decideField(policies, func(i int) bool { return policies[i].Applies(c) }, op, field)
}

func decideField(policies []Policy, holds func(int) bool, op graphql.Operation, field string) FieldDecision {
	for i := range policies {
		if !holds(i) {
			continue
		}
		p := &policies[i]
		for _, pat := range p.Deny {
			if pat.Matches(op, field) {
				return FieldDecision{Field: field, Outcome: Denied, PolicyIndex: i, PolicyName: p.Name, Pattern: pat.Raw}
			}
		}
		for _, pat := range p.Allow {
			if pat.Matches(op, field) {
				return FieldDecision{Field: field, Outcome: Allowed, PolicyIndex: i, PolicyName: p.Name, Pattern: pat.Raw}
			}
		}
	}
	return FieldDecision{Field: field, Outcome: NoMatch, PolicyIndex: -1}
}
