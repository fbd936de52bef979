package policy

import (
	"fmt"

	"github.com/arboric/arboric/internal/domain/claims"
)

// ConditionKind selects how a Condition inspects the claims.
type ConditionKind int

const (
	// ClaimIsPresent holds when the claim exists, whatever its value.
	ClaimIsPresent ConditionKind = iota
	// ClaimEquals holds when the claim's string form equals Value exactly.
	ClaimEquals
	// ClaimIncludes holds when Value is an element of the claim's list form.
	ClaimIncludes
	// Expression holds when a compiled boolean expression over the claims is true.
	Expression
)

func (k ConditionKind) String() string {
	switch k {
	case ClaimIsPresent:
		return "claim_is_present"
	case ClaimEquals:
		return "equals"
	case ClaimIncludes:
		return "includes"
	case Expression:
		return "expr"
	default:
		return fmt.Sprintf("ConditionKind(%d)", int(k))
	}
}

// Predicate is a compiled expression condition.
type Predicate interface {
	Eval(c claims.Claims) (bool, error)
}

// ExprCompiler compiles expression conditions at load time.
type ExprCompiler interface {
	Compile(expr string) (Predicate, error)
}

// Condition is a claim predicate in a policy's When list.
type Condition struct {
	Kind  ConditionKind
	Claim string
	Value string
	// Expr is the source of an Expression condition; Predicate is its compiled form.
	Expr      string
	Predicate Predicate
}

// Present builds a ClaimIsPresent condition.
func Present(claim string) Condition {
	return Condition{Kind: ClaimIsPresent, Claim: claim}
}

// Equals builds a ClaimEquals condition.
func Equals(claim, value string) Condition {
	return Condition{Kind: ClaimEquals, Claim: claim, Value: value}
}

// Includes builds a ClaimIncludes condition.
func Includes(claim, value string) Condition {
	return Condition{Kind: ClaimIncludes, Claim: claim, Value: value}
}

// Matches evaluates the condition. Expression errors count as false.
func (c Condition) Matches(cl claims.Claims) bool {
	switch c.Kind {
	case ClaimIsPresent:
		return cl.Has(c.Claim)
	case ClaimEquals:
		return cl.Equals(c.Claim, c.Value)
	case ClaimIncludes:
		return cl.Includes(c.Claim, c.Value)
	case Expression:
		if c.Predicate == nil {
			return false
		}
		ok, err := c.Predicate.Eval(cl)
		return err == nil && ok
	default:
		return false
	}
}

func (c Condition) String() string {
	switch c.Kind {
	case ClaimIsPresent:
		return "claim_is_present(" + c.Claim + ")"
	case ClaimEquals:
		return "claim(" + c.Claim + ") equals " + c.Value
	case ClaimIncludes:
		return "claim(" + c.Claim + ") includes " + c.Value
	case Expression:
		return "expr(" + c.Expr + ")"
	default:
		return c.Kind.String()
	}
}
