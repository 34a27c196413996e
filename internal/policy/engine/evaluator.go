package engine

import "context"

// DefaultDenyReason is returned when a policy denies without naming a reason.
const DefaultDenyReason = "connect_disabled"

// Input is the admission request passed to the policy as input.
type Input struct {
	// Enabled is the operator kill switch (CONNECT_ENABLED).
	Enabled bool
	// BlockReason is the error code the operator wants surfaced while connect is disabled.
	BlockReason string
	IP          string
	OwnerID     string
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allow      bool
	DenyReason string
}

// Evaluator decides whether a connect attempt may proceed to token issuance.
type Evaluator interface {
	// EvaluateConnect returns the admission decision for in. An error means no decision could be
	// reached; callers must treat it as a failure, not as allow.
	EvaluateConnect(ctx context.Context, in Input) (Decision, error)
	// HealthCheck verifies the policy engine can evaluate the active policy.
	HealthCheck(ctx context.Context) error
}
