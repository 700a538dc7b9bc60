package promote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opx-platform/opx-core/pkg/bus"
	"github.com/opx-platform/opx-core/pkg/canonical"
	"github.com/opx-platform/opx-core/pkg/contracts"
	"github.com/opx-platform/opx-core/pkg/correlate"
	"github.com/opx-platform/opx-core/pkg/observability"
	"github.com/opx-platform/opx-core/pkg/rules"
)

// IncidentChecker is the narrow incident lookup the deferral stage needs.
type IncidentChecker interface {
	// HasPendingForService reports whether a not-yet-resolved incident
	// exists for the service.
	HasPendingForService(ctx context.Context, service string) (bool, error)
}

// Engine runs the four promotion substages: validate, load, evaluate,
// commit. Evaluation fails closed: any panic or unexpected condition error
// becomes a REJECT, never a PROMOTE.
type Engine struct {
	catalog    *rules.Catalog
	candidates *correlate.Store
	decisions  *Store
	incidents  IncidentChecker
	emitter    bus.Emitter
	metrics    *observability.Metrics
	logger     *slog.Logger
}

// NewEngine wires a promotion engine. incidents may be nil when no incident
// store exists yet; the pending-incident deferral then never fires.
func NewEngine(catalog *rules.Catalog, candidates *correlate.Store, decisions *Store,
	incidents IncidentChecker, emitter bus.Emitter, metrics *observability.Metrics, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		catalog:    catalog,
		candidates: candidates,
		decisions:  decisions,
		incidents:  incidents,
		emitter:    bus.NewBestEffort(emitter, logger),
		metrics:    metrics,
		logger:     logger,
	}
}

// Decide runs the full promotion path for one request. currentTime is
// injected; the engine never reads the clock.
func (e *Engine) Decide(ctx context.Context, req Request, currentTime time.Time) (Result, error) {
	// Stage 1: request validation.
	if err := validateRequest(req); err != nil {
		return Result{}, err
	}

	// Stage 2: load candidate and pinned policy.
	candidate, err := e.candidates.GetCandidate(ctx, req.CandidateID)
	if err != nil {
		return Result{}, err
	}
	policy, err := e.catalog.Policy(req.PolicyID, req.PolicyVersion)
	if errors.Is(err, rules.ErrRuleNotFound) {
		return Result{}, contracts.NewError(contracts.KindNotFound, contracts.CodeNotFound,
			"promotion policy not found").
			WithDetail("policyId", req.PolicyID).
			WithDetail("policyVersion", req.PolicyVersion)
	}
	if err != nil {
		return Result{}, err
	}

	// Stage 3: deterministic policy evaluation.
	inputs, err := e.gatherInputs(ctx, candidate, req.Authority, currentTime)
	if err != nil {
		return Result{}, err
	}
	verdict := e.evaluateSafe(policy, inputs)

	// Stage 4: commit. The decision write is conditional; concurrent
	// identical requests converge on the first record.
	contextHash, err := req.ContextHash()
	if err != nil {
		return Result{}, err
	}
	decision := contracts.PromotionDecision{
		DecisionID:         canonical.ComputeDecisionID(candidate.CandidateID, policy.PolicyID, policy.PolicyVersion, contextHash),
		CandidateID:        candidate.CandidateID,
		PolicyID:           policy.PolicyID,
		PolicyVersion:      policy.PolicyVersion,
		RequestContextHash: contextHash,
		Decision:           verdict.Decision,
		Reason:             verdict.Reason,
		DecisionHash: canonical.ComputeDecisionHash(string(verdict.Decision), verdict.Reason,
			policy.PolicyVersion, candidate.CandidateID),
		EvaluationTrace: verdict.Trace,
		Authority:       req.Authority,
		DecidedAt:       currentTime,
	}

	isNew, err := e.decisions.PutDecision(ctx, decision, candidate.CorrelationKey)
	if err != nil {
		return Result{}, err
	}
	if !isNew {
		stored, err := e.decisions.GetDecision(ctx, decision.DecisionID)
		if err != nil {
			return Result{}, err
		}
		return Result{Decision: stored, IsNew: false}, nil
	}

	// Audit emission must never block decision persistence.
	if err := e.decisions.PutAudit(ctx, decision, policy, inputs, currentTime); err != nil {
		e.logger.Warn("promotion audit emission failed",
			"decisionId", decision.DecisionID, "error", err)
	}

	e.metrics.CountDecision(ctx, string(decision.Decision))
	_ = e.emitter.Emit(ctx, bus.Event{
		Type:      bus.EventPromotionDecided,
		Key:       decision.DecisionID,
		Payload:   decision,
		EmittedAt: currentTime,
	})
	return Result{Decision: decision, IsNew: true}, nil
}

func validateRequest(req Request) error {
	if req.CandidateID == "" {
		return contracts.NewError(contracts.KindValidation, contracts.CodeInvalidRequest,
			"candidateId is required").WithField("candidateId")
	}
	if req.PolicyID == "" || req.PolicyVersion == "" {
		return contracts.NewError(contracts.KindValidation, contracts.CodeInvalidRequest,
			"policyId and policyVersion are required").WithField("policyId")
	}
	if !req.Authority.Type.Valid() {
		return contracts.NewError(contracts.KindValidation, contracts.CodeInvalidRequest,
			"unknown authority type").WithField("authorityType")
	}
	if req.Authority.ID == "" {
		return contracts.NewError(contracts.KindValidation, contracts.CodeInvalidRequest,
			"authorityId is required").WithField("authorityId")
	}
	if req.Authority.Type == contracts.AuthorityEmergencyOverride && len(req.Authority.Justification) < minJustificationLen {
		return contracts.NewError(contracts.KindValidation, contracts.CodeInvalidRequest,
			fmt.Sprintf("emergency override requires a justification of at least %d characters", minJustificationLen)).
			WithField("justification")
	}
	return nil
}

func (e *Engine) gatherInputs(ctx context.Context, candidate contracts.Candidate,
	authority contracts.Authority, currentTime time.Time) (Inputs, error) {
	in := Inputs{
		Candidate:   candidate,
		Authority:   authority,
		CurrentTime: currentTime,
	}
	if e.incidents != nil {
		pending, err := e.incidents.HasPendingForService(ctx, candidate.SuggestedService)
		if err != nil {
			return Inputs{}, err
		}
		in.PendingForService = pending
	}
	last, err := e.decisions.LastPromoteForKey(ctx, candidate.CorrelationKey)
	if err != nil {
		return Inputs{}, err
	}
	in.LastPromoteAt = last
	return in, nil
}

// evaluateSafe runs the policy stage and converts any panic into a REJECT.
// A broken policy must never promote.
func (e *Engine) evaluateSafe(policy *rules.PromotionPolicy, in Inputs) (verdict Verdict) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("policy evaluation panicked", "policyId", policy.PolicyID, "panic", r)
			verdict = Verdict{
				Decision: contracts.PromotionReject,
				Reason:   "policy evaluation failed internally",
				Trace:    append(verdict.Trace, contracts.TraceStep{Step: "failClosed", Detail: contracts.CodeGateInternal}),
			}
		}
	}()
	return e.evaluate(policy, in)
}

func (e *Engine) evaluate(policy *rules.PromotionPolicy, in Inputs) Verdict {
	var trace []contracts.TraceStep
	reject := func(reason string) Verdict {
		return Verdict{Decision: contracts.PromotionReject, Reason: reason, Trace: trace}
	}
	deferVerdict := func(reason string) Verdict {
		return Verdict{Decision: contracts.PromotionDefer, Reason: reason, Trace: trace}
	}

	// Eligibility.
	el := policy.Eligibility
	if in.Candidate.ConfidenceScore < el.MinConfidence {
		trace = append(trace, contracts.TraceStep{Step: "eligibility", Detail: "confidence below minimum"})
		return reject(fmt.Sprintf("confidence %.2f below minimum %.2f", in.Candidate.ConfidenceScore, el.MinConfidence))
	}
	if len(el.AllowedSeverities) > 0 && !severityIn(el.AllowedSeverities, in.Candidate.SuggestedSeverity) {
		trace = append(trace, contracts.TraceStep{Step: "eligibility", Detail: "severity not allowed"})
		return reject(fmt.Sprintf("severity %s not in policy allow-list", in.Candidate.SuggestedSeverity))
	}
	if len(in.Candidate.DetectionIDs) < el.MinDetections {
		trace = append(trace, contracts.TraceStep{Step: "eligibility", Detail: "insufficient evidence"})
		return reject(fmt.Sprintf("%d detections below minimum %d", len(in.Candidate.DetectionIDs), el.MinDetections))
	}
	if el.MaxAgeMinutes > 0 {
		age := in.CurrentTime.Sub(in.Candidate.CreatedAt)
		if age > time.Duration(el.MaxAgeMinutes)*time.Minute {
			trace = append(trace, contracts.TraceStep{Step: "eligibility", Detail: "stale candidate"})
			return reject(fmt.Sprintf("candidate age %s exceeds %dm", age.Truncate(time.Second), el.MaxAgeMinutes))
		}
	}
	trace = append(trace, contracts.TraceStep{Step: "eligibility", Detail: "passed"})

	// Authority restrictions.
	if !authorityIn(policy.AuthorityRestrictions.AllowedAuthorities, in.Authority.Type) {
		trace = append(trace, contracts.TraceStep{Step: "authority", Detail: "not allowed"})
		return reject(fmt.Sprintf("authority type %s not permitted by policy", in.Authority.Type))
	}
	trace = append(trace, contracts.TraceStep{Step: "authority", Detail: "passed"})

	// Deferral.
	if in.PendingForService {
		trace = append(trace, contracts.TraceStep{Step: "deferral", Detail: "pending incident"})
		return deferVerdict(fmt.Sprintf("pending incident exists for service %s", in.Candidate.SuggestedService))
	}
	if policy.CooldownMinutes > 0 && in.LastPromoteAt != nil {
		since := in.CurrentTime.Sub(*in.LastPromoteAt)
		if since < time.Duration(policy.CooldownMinutes)*time.Minute {
			trace = append(trace, contracts.TraceStep{Step: "deferral", Detail: "cooldown"})
			return deferVerdict(fmt.Sprintf("last promotion %s ago, cooldown %dm", since.Truncate(time.Second), policy.CooldownMinutes))
		}
	}

	env, err := conditionEnv()
	if err != nil {
		panic(err)
	}
	activation, err := activationFor(in)
	if err != nil {
		panic(err)
	}
	if name, hit, err := evalConditions(env, policy.DeferralConditions, activation); hit {
		if err != nil {
			panic(err)
		}
		trace = append(trace, contracts.TraceStep{Step: "deferral", Detail: name})
		return deferVerdict(fmt.Sprintf("deferral condition %q triggered", name))
	}
	trace = append(trace, contracts.TraceStep{Step: "deferral", Detail: "passed"})

	// Rejection.
	if name, hit, err := evalConditions(env, policy.RejectionConditions, activation); hit {
		if err != nil {
			panic(err)
		}
		trace = append(trace, contracts.TraceStep{Step: "rejection", Detail: name})
		return reject(fmt.Sprintf("rejection condition %q triggered", name))
	}
	trace = append(trace, contracts.TraceStep{Step: "rejection", Detail: "passed"})

	return Verdict{
		Decision: contracts.PromotionPromote,
		Reason:   "all policy gates passed",
		Trace:    trace,
	}
}

func severityIn(list []contracts.Severity, s contracts.Severity) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func authorityIn(list []contracts.AuthorityType, a contracts.AuthorityType) bool {
	for _, item := range list {
		if item == a {
			return true
		}
	}
	return false
}
