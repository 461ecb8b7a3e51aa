// Package policy evaluates the local client-admission policy. This is the
// loopback trust model: a policy hook over (client type, token), not a
// remote identity check.
package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
)

// Decision values returned by the policy.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// Engine is the OPA policy engine for client authentication.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a policy engine from rego policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.ari_auth.decision"),
		rego.Module("ari_auth.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// AuthInput is the policy input for one authentication attempt.
type AuthInput struct {
	ClientType string `json:"client_type"`
	Token      string `json:"token"`
	AdminToken string `json:"admin_token"`
}

// Evaluate returns the policy decision for an authentication attempt.
// An absent or malformed decision counts as deny.
func (e *Engine) Evaluate(ctx context.Context, input AuthInput) (string, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return DecisionDeny, nil
	}
	if s, ok := results[0].Expressions[0].Value.(string); ok {
		return s, nil
	}
	return DecisionDeny, nil
}

// DefaultPolicy admits any non-admin client presenting a token, and admin
// clients only when their token matches the configured admin token.
const DefaultPolicy = `
package ari_auth

import rego.v1

default decision := "deny"

decision := "allow" if {
	input.client_type != "admin"
	input.token != ""
}

decision := "allow" if {
	input.client_type == "admin"
	input.admin_token != ""
	input.token == input.admin_token
}
`
