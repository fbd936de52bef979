package policy

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/arboric/arboric/internal/domain/claims"
	"github.com/arboric/arboric/internal/domain/graphql"
	"github.com/cespare/xxhash/v2"
)

// ErrInvalidCondition is returned by Compile for a condition that names no
// check, or more than one.
var ErrInvalidCondition = errors.New("invalid condition")

// Definition is the configuration form of a Policy.
type Definition struct {
	Name  string                `yaml:"name,omitempty" json:"name,omitempty"`
	When  []ConditionDefinition `yaml:"when,omitempty" json:"when,omitempty"`
	Allow []string              `yaml:"allow,omitempty" json:"allow,omitempty"`
	Deny  []string              `yaml:"deny,omitempty" json:"deny,omitempty"`
}

// ConditionDefinition is the configuration form of a Condition. Exactly one
// of ClaimIsPresent, Claim with Equals or Includes, or Expr must be set.
type ConditionDefinition struct {
	ClaimIsPresent string  `yaml:"claim_is_present,omitempty" json:"claim_is_present,omitempty"`
	Claim          string  `yaml:"claim,omitempty" json:"claim,omitempty"`
	Equals         *string `yaml:"equals,omitempty" json:"equals,omitempty"`
	Includes       *string `yaml:"includes,omitempty" json:"includes,omitempty"`
	Expr           string  `yaml:"expr,omitempty" json:"expr,omitempty"`
}

// AllowAny is the permissive definition used when nothing else is configured in dev mode.
func AllowAny() Definition {
	return Definition{Name: "allow-any", Allow: []string{"*"}}
}

// Set is an immutable, compiled, ordered policy list.
// A *Set is safe for concurrent use and is replaced as a whole on reload.
type Set struct {
	policies    []Policy
	definitions []Definition
	fingerprint uint64
}

// Compile builds a Set from definitions, keeping their order.
// compiler may be nil when no definition uses expr conditions.
func Compile(defs []Definition, compiler ExprCompiler) (*Set, error) {
	s := &Set{
		policies:    make([]Policy, 0, len(defs)),
		definitions: make([]Definition, len(defs)),
	}
	copy(s.definitions, defs)

	h := xxhash.New()
	for i, def := range defs {
		p, err := compileOne(def, compiler)
		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", label(i, def.Name), err)
		}
		s.policies = append(s.policies, p)
		writeCanonical(h, def)
	}
	s.fingerprint = h.Sum64()
	return s, nil
}

// Empty returns a Set with no policies. It denies every field.
func Empty() *Set {
	return &Set{fingerprint: xxhash.Sum64(nil)}
}

// Len returns the number of policies.
func (s *Set) Len() int {
	return len(s.policies)
}

// Policies returns the compiled policies in evaluation order. Callers must not modify them.
func (s *Set) Policies() []Policy {
	return s.policies
}

// Definitions returns a copy of the definitions the set was compiled from.
func (s *Set) Definitions() []Definition {
	out := make([]Definition, len(s.definitions))
	copy(out, s.definitions)
	return out
}

// Fingerprint identifies the policy content. Equal definitions give equal fingerprints.
func (s *Set) Fingerprint() uint64 {
	return s.fingerprint
}

// Version is the fingerprint in hex, as reported in audit records.
func (s *Set) Version() string {
	return strconv.FormatUint(s.fingerprint, 16)
}

// Evaluate decides req for the given claims.
func (s *Set) Evaluate(c claims.Claims, req *graphql.Request) Decision {
	return Evaluate(s.policies, c, req)
}

func compileOne(def Definition, compiler ExprCompiler) (Policy, error) {
	p := Policy{Name: def.Name}

	for j, cd := range def.When {
		cond, err := compileCondition(cd, compiler)
		if err != nil {
			return Policy{}, fmt.Errorf("when[%d]: %w", j, err)
		}
		p.When = append(p.When, cond)
	}
	for j, raw := range def.Allow {
		pat, err := ParsePattern(raw)
		if err != nil {
			return Policy{}, fmt.Errorf("allow[%d]: %w", j, err)
		}
		p.Allow = append(p.Allow, pat)
	}
	for j, raw := range def.Deny {
		pat, err := ParsePattern(raw)
		if err != nil {
			return Policy{}, fmt.Errorf("deny[%d]: %w", j, err)
		}
		p.Deny = append(p.Deny, pat)
	}
	return p, nil
}

func compileCondition(cd ConditionDefinition, compiler ExprCompiler) (Condition, error) {
	forms := 0
	if cd.ClaimIsPresent != "" {
		forms++
	}
	if cd.Claim != "" || cd.Equals != nil || cd.Includes != nil {
		forms++
	}
	if cd.Expr != "" {
		forms++
	}
	if forms != 1 {
		return Condition{}, fmt.Errorf("%w: exactly one of claim_is_present, claim or expr is required", ErrInvalidCondition)
	}

	switch {
	case cd.ClaimIsPresent != "":
		return Present(cd.ClaimIsPresent), nil
	case cd.Expr != "":
		if compiler == nil {
			return Condition{}, fmt.Errorf("%w: expr conditions are not supported", ErrInvalidCondition)
		}
		pred, err := compiler.Compile(cd.Expr)
		if err != nil {
			return Condition{}, fmt.Errorf("%w: %v", ErrInvalidCondition, err)
		}
		return Condition{Kind: Expression, Expr: cd.Expr, Predicate: pred}, nil
	}

	if cd.Claim == "" {
		return Condition{}, fmt.Errorf("%w: claim name is required", ErrInvalidCondition)
	}
	switch {
	case cd.Equals != nil && cd.Includes != nil:
		return Condition{}, fmt.Errorf("%w: claim %q sets both equals and includes", ErrInvalidCondition, cd.Claim)
	case cd.Equals != nil:
		return Equals(cd.Claim, *cd.Equals), nil
	case cd.Includes != nil:
		return Includes(cd.Claim, *cd.Includes), nil
	default:
		return Condition{}, fmt.Errorf("%w: claim %q needs equals or includes", ErrInvalidCondition, cd.Claim)
	}
}

// writeCanonical feeds an unambiguous encoding of def into h.
func writeCanonical(h *xxhash.Digest, def Definition) {
	field := func(tag, v string) {
		_, _ = h.WriteString(tag)
		_, _ = h.WriteString(strconv.Itoa(len(v)))
		_, _ = h.WriteString(":")
		_, _ = h.WriteString(v)
	}
	field("P", def.Name)
	for _, c := range def.When {
		field("p", c.ClaimIsPresent)
		field("c", c.Claim)
		if c.Equals != nil {
			field("e", *c.Equals)
		}
		if c.Includes != nil {
			field("i", *c.Includes)
		}
		field("x", c.Expr)
	}
	for _, a := range def.Allow {
		field("a", a)
	}
	for _, d := range def.Deny {
		field("d", d)
	}
}

func label(i int, name string) string {
	if name == "" {
		return "#" + strconv.Itoa(i)
	}
	return fmt.Sprintf("#%d (%s)", i, name)
}
