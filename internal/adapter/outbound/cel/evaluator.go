// Package cel compiles CEL expressions into claim predicates for policy conditions.
package cel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/ext"

	"github.com/arboric/arboric/internal/domain/claims"
	"github.com/arboric/arboric/internal/domain/policy"
)

// maxExpressionLength is the maximum allowed length for CEL expressions.
const maxExpressionLength = 1024

// maxCostBudget is the CEL runtime cost limit.
const maxCostBudget = 100_000

// maxNestingDepth is the maximum allowed parenthesis/bracket nesting depth.
const maxNestingDepth = 50

// evalTimeout bounds a single evaluation on the request path.
const evalTimeout = 50 * time.Millisecond

// interruptCheckFreq is how often (in comprehension iterations) context cancellation is checked.
const interruptCheckFreq = 100

// Evaluator compiles condition expressions. Expressions see three variables:
//
//	claims     map(string, dyn)  all verified claims
//	subject    string            the "sub" claim, empty when absent
//	anonymous  bool              true when no token was presented
type Evaluator struct {
	env *cel.Env
}

// NewClaimsEnvironment creates the CEL environment for condition expressions.
func NewClaimsEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		ext.Strings(),
		ext.Sets(),
		cel.Variable("claims", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("subject", cel.StringType),
		cel.Variable("anonymous", cel.BoolType),
	)
}

// NewEvaluator creates a new CEL evaluator with the claims environment.
func NewEvaluator() (*Evaluator, error) {
	env, err := NewClaimsEnvironment()
	if err != nil {
		return nil, fmt.Errorf("failed to create claims environment: %w", err)
	}
	return &Evaluator{env: env}, nil
}

// Compile validates expr and returns it as a policy predicate.
func (e *Evaluator) Compile(expr string) (policy.Predicate, error) {
	if err := validateExpression(expr); err != nil {
		return nil, err
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compilation failed: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("expression must return bool, got %s", ast.OutputType())
	}

	prg, err := e.env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(maxCostBudget),
		cel.InterruptCheckFrequency(interruptCheckFreq),
	)
	if err != nil {
		return nil, fmt.Errorf("program creation failed: %w", err)
	}
	return &predicate{expr: expr, prg: prg}, nil
}

type predicate struct {
	expr string
	prg  cel.Program
}

// Eval runs the program against c. A missing key in claims is an evaluation error.
func (p *predicate) Eval(c claims.Claims) (bool, error) {
	subject, _ := c.Subject()
	activation := map[string]any{
		"claims":    c.Map(),
		"subject":   subject,
		"anonymous": c.IsAnonymous(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), evalTimeout)
	defer cancel()

	result, _, err := p.prg.ContextEval(ctx, activation)
	if err != nil {
		return false, fmt.Errorf("evaluation failed: %w", err)
	}

	b, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression did not return a boolean, got %T", result.Value())
	}
	return b, nil
}

func (p *predicate) String() string {
	return p.expr
}

func validateExpression(expr string) error {
	if expr == "" {
		return errors.New("expression is empty")
	}
	if len(expr) > maxExpressionLength {
		return fmt.Errorf("expression too long: %d characters (max %d)", len(expr), maxExpressionLength)
	}
	return validateNesting(expr)
}

// validateNesting checks that the expression does not exceed the maximum allowed
// nesting depth for parentheses, brackets, and braces.
func validateNesting(expr string) error {
	var depth, maxDepth int
	for _, ch := range expr {
		switch ch {
		case '(', '[', '{':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case ')', ']', '}':
			depth--
		}
	}
	if maxDepth > maxNestingDepth {
		return fmt.Errorf("expression nesting too deep: %d levels (max %d)", maxDepth, maxNestingDepth)
	}
	return nil
}

var _ policy.ExprCompiler = (*Evaluator)(nil)
