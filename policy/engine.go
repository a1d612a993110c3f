// Package policy evaluates gate policy with OPA. Pipeline specs may
// declare a gate with mode POLICY; the rego policy then decides, per gate
// and run context, whether the gate is hard, soft, or skipped entirely.
package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
)

// Decisions a gate policy may return. Anything unrecognized is treated as
// "hard" (fail safe).
const (
	DecisionHard = "hard"
	DecisionSoft = "soft"
	DecisionSkip = "skip"
)

// Engine is the OPA gate policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.gate_policy.decision"),
		rego.Module("gate_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// Evaluate decides how a policy-mode gate behaves. Input carries keys:
// gate_name, stage_name, pipeline, payload.
func (e *Engine) Evaluate(ctx context.Context, input interface{}) (string, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", fmt.Errorf("failed to evaluate gate policy: %w", err)
	}

	// An ambiguous or silent policy means hard: blocking on a human is the
	// safe default for an approval gate.
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return DecisionHard, nil
	}

	val := results[0].Expressions[0].Value
	s, ok := val.(string)
	if !ok {
		return DecisionHard, nil
	}
	switch s {
	case DecisionHard, DecisionSoft, DecisionSkip:
		return s, nil
	}
	return DecisionHard, nil
}

// DefaultPolicy is the default gate policy content: publishing always needs
// a human; everything else may auto-approve after its timeout.
const DefaultPolicy = `
package gate_policy

default decision = "soft"

decision = "hard" {
	input.stage_name == "publishing"
}

decision = "hard" {
	input.gate_name == "publish-approval"
}
`
