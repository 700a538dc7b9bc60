// Package promote gates candidates into incidents through a versioned,
// fail-closed decision policy. Evaluation is a deterministic function of its
// inputs; all timing comes from an injected currentTime.
package promote

import (
	"time"

	"github.com/opx-platform/opx-core/pkg/canonical"
	"github.com/opx-platform/opx-core/pkg/contracts"
)

// Request asks for a promotion decision on a candidate. PolicyVersion is
// always pinned; "latest" resolution is forbidden on this path.
type Request struct {
	CandidateID   string              `json:"candidateId"`
	PolicyID      string              `json:"policyId"`
	PolicyVersion string              `json:"policyVersion"`
	Authority     contracts.Authority `json:"authority"`
	// Context carries caller-supplied request context that participates in
	// the decision identity. The authority never does.
	Context map[string]any `json:"context,omitempty"`
}

// ContextHash derives the request context hash that enters the decision ID.
// The authority is deliberately excluded so identical requests from
// different authorities converge.
func (r Request) ContextHash() (string, error) {
	return canonical.Hash(map[string]any{
		"candidateId":   r.CandidateID,
		"policyId":      r.PolicyID,
		"policyVersion": r.PolicyVersion,
		"context":       r.Context,
	})
}

// Inputs is the full evaluation context handed to the policy stage.
type Inputs struct {
	Candidate         contracts.Candidate
	Authority         contracts.Authority
	CurrentTime       time.Time
	PendingForService bool
	LastPromoteAt     *time.Time
}

// Verdict is the outcome of the policy evaluation stage.
type Verdict struct {
	Decision contracts.PromotionOutcome
	Reason   string
	Trace    []contracts.TraceStep
}

// Result reports a committed decision.
type Result struct {
	Decision contracts.PromotionDecision `json:"decision"`
	IsNew    bool                        `json:"isNew"`
}

// minJustificationLen is the minimum justification length an
// EMERGENCY_OVERRIDE request must carry.
const minJustificationLen = 20
