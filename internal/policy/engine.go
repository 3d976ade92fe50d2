// Package policy evaluates whether a session action is permitted before it
// reaches the event log. Policies are Rego; deployments can swap the default
// for their own rules (price bounds, role restrictions, abort-on-error).
package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/v1/rego"
)

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine prepares a policy engine from the given Rego module.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.session_policy.decision"),
		rego.Module("session_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// Input describes one action for evaluation.
type Input struct {
	SessionKind string  `json:"session_kind"`
	Action      string  `json:"action"` // send_offer, accept, reject
	Role        string  `json:"role"`
	ContextID   string  `json:"context_id"`
	Round       int     `json:"round"`
	Price       float64 `json:"price,omitempty"`
}

// Evaluate returns the policy decision ("allow" or "block") and an optional
// reason. A policy that matches nothing defaults to allow.
func (e *Engine) Evaluate(ctx context.Context, input Input) (string, string, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", "", fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return "allow", "default", nil
	}

	val := results[0].Expressions[0].Value
	if s, ok := val.(string); ok {
		return s, "", nil
	}
	if obj, ok := val.(map[string]interface{}); ok {
		decision, _ := obj["decision"].(string)
		reason, _ := obj["reason"].(string)
		if decision != "" {
			return decision, reason, nil
		}
	}

	return "allow", "unexpected return type", nil
}

// DefaultPolicy allows everything except offers without a positive price.
const DefaultPolicy = `
package session_policy

default decision := "allow"

decision := "block" if {
	input.action == "send_offer"
	input.price <= 0
}
`
