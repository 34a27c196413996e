package engine

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
)

const admissionQuery = "data.connectgate.admission"

// defaultRegoPolicy allows connects while input.connect.enabled is true and otherwise denies
// with the configured block reason.
//
//go:embed admission.rego
var defaultRegoPolicy string

// ErrNoDecision is returned when the policy does not define data.connectgate.admission.
var ErrNoDecision = errors.New("policy returned no admission decision")

// OPAEvaluator evaluates the connect admission policy using OPA Rego.
// The policy is compiled once at construction; evaluation is safe for concurrent use.
type OPAEvaluator struct {
	query rego.PreparedEvalQuery
}

// NewOPAEvaluator compiles policy (Rego source) and prepares the admission query.
// An empty policy uses the embedded default.
func NewOPAEvaluator(ctx context.Context, policy string) (*OPAEvaluator, error) {
	if policy == "" {
		policy = defaultRegoPolicy
	}
	compiler, err := ast.CompileModules(map[string]string{"admission.rego": policy})
	if err != nil {
		return nil, fmt.Errorf("compile admission policy: %w", err)
	}
	pq, err := rego.New(
		rego.Query(admissionQuery),
		rego.Compiler(compiler),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare admission policy: %w", err)
	}
	return &OPAEvaluator{query: pq}, nil
}

// LoadPolicy returns the Rego source at path, or "" (the embedded default) when path is empty.
func LoadPolicy(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read policy file: %w", err)
	}
	return string(b), nil
}

// EvaluateConnect evaluates the admission policy for in.
func (e *OPAEvaluator) EvaluateConnect(ctx context.Context, in Input) (Decision, error) {
	rs, err := e.query.Eval(ctx, rego.EvalInput(buildInput(in)))
	if err != nil {
		return Decision{}, fmt.Errorf("eval admission policy: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return Decision{}, ErrNoDecision
	}
	doc, ok := rs[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return Decision{}, ErrNoDecision
	}

	out := Decision{}
	if v, ok := doc["allow"].(bool); ok {
		out.Allow = v
	}
	if out.Allow {
		return out, nil
	}
	if v, ok := doc["deny_reason"].(string); ok && v != "" {
		out.DenyReason = v
	} else {
		out.DenyReason = DefaultDenyReason
	}
	return out, nil
}

// HealthCheck evaluates the active policy with a minimal enabled input.
// Does not touch the database. Returns nil on success.
func (e *OPAEvaluator) HealthCheck(ctx context.Context) error {
	_, err := e.EvaluateConnect(ctx, Input{Enabled: true})
	return err
}

func buildInput(in Input) map[string]interface{} {
	return map[string]interface{}{
		"connect": map[string]interface{}{
			"enabled":      in.Enabled,
			"block_reason": in.BlockReason,
		},
		"request": map[string]interface{}{
			"ip":       in.IP,
			"owner_id": in.OwnerID,
		},
	}
}
