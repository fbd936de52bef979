package policy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/arboric/arboric/internal/domain/graphql"
)

// ErrInvalidPattern is returned by ParsePattern for strings outside the pattern DSL.
var ErrInvalidPattern = errors.New("invalid pattern")

// Scope is the set of operations a pattern applies to.
type Scope int

const (
	// ScopeQuery matches query operations. Patterns without a prefix use it.
	ScopeQuery Scope = iota
	// ScopeMutation matches mutation operations.
	ScopeMutation
	// ScopeAny matches every operation. Only the bare "*" pattern has it.
	ScopeAny
)

func (s Scope) String() string {
	switch s {
	case ScopeMutation:
		return "mutation"
	case ScopeAny:
		return "any"
	default:
		return "query"
	}
}

func (s Scope) includes(op graphql.Operation) bool {
	switch s {
	case ScopeAny:
		return true
	case ScopeMutation:
		return op == graphql.Mutation
	default:
		return op == graphql.Query
	}
}

// Pattern identifies a set of (operation, field) pairs.
//
//	foo            query field foo
//	query:foo      query field foo
//	mutation:foo   mutation field foo
//	query:*        any query field
//	mutation:*     any mutation field
//	__*            query fields starting with "__"
//	*              any field of any operation
type Pattern struct {
	// Raw is the pattern as written.
	Raw string
	// Scope is the operation scope, explicit or implied.
	Scope Scope
	// Field is the literal field name, or the prefix when Wildcard is set.
	Field string
	// Wildcard marks a trailing "*": Field is then a prefix, possibly empty.
	Wildcard bool
}

// ParsePattern parses one entry of an allow or deny list.
func ParsePattern(s string) (Pattern, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return Pattern{}, fmt.Errorf("%w: empty", ErrInvalidPattern)
	}
	if raw == "*" {
		return Pattern{Raw: raw, Scope: ScopeAny, Wildcard: true}, nil
	}

	p := Pattern{Raw: raw, Scope: ScopeQuery}
	seg := raw
	if prefix, rest, ok := strings.Cut(raw, ":"); ok {
		switch prefix {
		case "query":
			p.Scope = ScopeQuery
		case "mutation":
			p.Scope = ScopeMutation
		default:
			return Pattern{}, fmt.Errorf("%w: unknown operation %q in %q", ErrInvalidPattern, prefix, raw)
		}
		seg = rest
	}

	if seg == "" {
		return Pattern{}, fmt.Errorf("%w: missing field in %q", ErrInvalidPattern, raw)
	}
	if strings.HasSuffix(seg, "*") {
		p.Wildcard = true
		seg = strings.TrimSuffix(seg, "*")
	}
	if !validFieldPrefix(seg) {
		return Pattern{}, fmt.Errorf("%w: %q is not a field name", ErrInvalidPattern, raw)
	}
	if seg == "" && !p.Wildcard {
		return Pattern{}, fmt.Errorf("%w: missing field in %q", ErrInvalidPattern, raw)
	}
	p.Field = seg
	return p, nil
}

// MustParsePattern is like ParsePattern but panics on error. For tests and constants.
func MustParsePattern(s string) Pattern {
	p, err := ParsePattern(s)
	if err != nil {
		panic(err)
	}
	return p
}

// Matches reports whether the pattern selects field under op.
func (p Pattern) Matches(op graphql.Operation, field string) bool {
	if !p.Scope.includes(op) {
		return false
	}
	if p.Wildcard {
		return strings.HasPrefix(field, p.Field)
	}
	return field == p.Field
}

func (p Pattern) String() string {
	return p.Raw
}

// validFieldPrefix accepts GraphQL name characters, including the empty string.
func validFieldPrefix(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '_', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
