// Package cel implements the claims-matcher half of access-rule evaluation
// using Common Expression Language, keeping the CEL runtime dependency out
// of the pure internal/domain/accessrule package.
package cel

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
)

// claimsMatchExpr encodes the claims-matcher semantics: every required
// (k, v) pair must be present in claims, matching either by equality or,
// when the claim value is a list, by membership.
const claimsMatchExpr = `
required.all(k,
  k in claims &&
  (claims[k] == required[k] || (type(claims[k]) == list && required[k] in claims[k]))
)`

// Evaluator implements internal/domain/accessrule.ClaimEvaluator with a
// single precompiled CEL program shared across every claims-matcher rule.
type Evaluator struct {
	program cel.Program
}

func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("claims", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("required", cel.MapType(cel.StringType, cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("cel: new env: %w", err)
	}
	ast, issues := env.Compile(claimsMatchExpr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("cel: compile: %w", issues.Err())
	}
	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("cel: program: %w", err)
	}
	return &Evaluator{program: program}, nil
}

// Matches evaluates the precompiled program against claims and required.
func (e *Evaluator) Matches(_ context.Context, claims map[string]any, required map[string]string) (bool, error) {
	if claims == nil {
		claims = map[string]any{}
	}
	out, _, err := e.program.Eval(map[string]any{
		"claims":   claims,
		"required": required,
	})
	if err != nil {
		return false, fmt.Errorf("cel: eval: %w", err)
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("cel: program did not return a bool")
	}
	return result, nil
}
