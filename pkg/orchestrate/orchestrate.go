// Package orchestrate coordinates the end-to-end candidate path: idempotency
// claim, kill-switch gate, promotion decision, incident create-or-lookup,
// attempt log, completion. Convergence of concurrent identical attempts does
// not rest on the claim alone; every stage ID is deterministic and every
// stage write is conditional, so re-execution lands in the same slots.
package orchestrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opx-platform/opx-core/pkg/config"
	"github.com/opx-platform/opx-core/pkg/contracts"
	"github.com/opx-platform/opx-core/pkg/correlate"
	"github.com/opx-platform/opx-core/pkg/idempotency"
	"github.com/opx-platform/opx-core/pkg/incident"
	"github.com/opx-platform/opx-core/pkg/promote"
	"github.com/opx-platform/opx-core/pkg/storage"
)

const operationProcessCandidate = "processCandidate"

// attemptTTL bounds how long attempt records are retained. The records are
// write-only observability; storage backends honor the expiresAt attribute.
const attemptTTL = 90 * 24 * time.Hour

// Request is one end-to-end candidate processing attempt.
type Request struct {
	Promotion promote.Request `json:"promotion"`
	// ClientKey is the caller-supplied idempotency key; empty means the key
	// is derived from the principal and request body.
	ClientKey string `json:"-"`
}

// Result reports the converged outcome of an attempt.
type Result struct {
	IdempotencyKey string                      `json:"idempotencyKey"`
	Decision       contracts.PromotionDecision `json:"decision"`
	// Incident is set when the decision is PROMOTE.
	Incident *contracts.Incident `json:"incident,omitempty"`
	// Replayed marks a result served from a completed idempotency record.
	Replayed bool `json:"replayed"`
}

// Orchestrator wires the pipeline stages behind a single entry point.
type Orchestrator struct {
	promotions *promote.Engine
	decisions  *promote.Store
	candidates *correlate.Store
	incidents  *incident.Manager
	idem       *idempotency.Service
	automation *config.AutomationStore
	kv         storage.KV
	logger     *slog.Logger
}

// NewOrchestrator builds the coordinator.
func NewOrchestrator(promotions *promote.Engine, decisions *promote.Store, candidates *correlate.Store,
	incidents *incident.Manager, idem *idempotency.Service, automation *config.AutomationStore,
	kv storage.KV, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		promotions: promotions,
		decisions:  decisions,
		candidates: candidates,
		incidents:  incidents,
		idem:       idem,
		automation: automation,
		kv:         kv,
		logger:     logger,
	}
}

// ProcessCandidate runs one attempt. currentTime is injected; the
// orchestrator never reads the clock on the decision path.
func (o *Orchestrator) ProcessCandidate(ctx context.Context, req Request, currentTime time.Time) (Result, error) {
	key, err := idempotency.Key(req.Promotion.Authority.ID, operationProcessCandidate, req.Promotion, req.ClientKey)
	if err != nil {
		return Result{}, err
	}
	requestHash, err := idempotency.RequestHash(req.Promotion)
	if err != nil {
		return Result{}, err
	}

	record, created, err := o.idem.Claim(ctx, key, req.Promotion.Authority.ID,
		operationProcessCandidate, requestHash, currentTime)
	if err != nil {
		return Result{}, err
	}
	if !created && record.Status == contracts.IdempotencyCompleted {
		return o.replay(ctx, key, record)
	}
	// A lost claim with the holder still IN_PROGRESS falls through: the
	// stage writes below are conditional, so both executions converge.

	res, stage, err := o.execute(ctx, req, currentTime)
	o.logAttempt(ctx, key, req, stage, res, err, currentTime)
	if err != nil {
		return Result{}, err
	}
	res.IdempotencyKey = key

	result := map[string]any{
		"decisionId": res.Decision.DecisionID,
		"decision":   string(res.Decision.Decision),
	}
	if res.Incident != nil {
		result["incidentId"] = res.Incident.IncidentID
	}
	if err := o.idem.Complete(ctx, key, result, currentTime); err != nil {
		// A concurrent execution completed first with the same result.
		if !contracts.IsKind(err, contracts.KindConflict) {
			o.logger.Warn("idempotency completion failed", "idempotencyKey", key, "error", err)
		}
	}
	return res, nil
}

// execute runs kill switch, promotion and incident stages. It reports the
// last stage reached for the attempt log.
func (o *Orchestrator) execute(ctx context.Context, req Request, currentTime time.Time) (Result, string, error) {
	stage := "killSwitch"
	if req.Promotion.Authority.Type == contracts.AuthorityAutoEngine {
		auto, err := o.automation.Get(ctx)
		if err != nil {
			return Result{}, stage, err
		}
		if auto.KillSwitchEngaged {
			return Result{}, stage, contracts.NewError(contracts.KindFailClosed,
				contracts.CodeKillSwitchEngaged, "automated promotion is disabled").
				WithDetail("reason", auto.Reason)
		}
	}

	stage = "promotion"
	decided, err := o.promotions.Decide(ctx, req.Promotion, currentTime)
	if err != nil {
		return Result{}, stage, err
	}
	res := Result{Decision: decided.Decision}
	if decided.Decision.Decision != contracts.PromotionPromote {
		return res, stage, nil
	}

	stage = "incident"
	candidate, err := o.candidates.GetCandidate(ctx, decided.Decision.CandidateID)
	if err != nil {
		return Result{}, stage, err
	}
	inc, _, err := o.incidents.CreateFromDecision(ctx, decided.Decision, candidate, currentTime)
	if err != nil {
		return Result{}, stage, err
	}
	inc, err = o.openIncident(ctx, inc, req.Promotion.Authority, currentTime)
	if err != nil {
		return Result{}, stage, err
	}
	res.Incident = &inc
	return res, stage, nil
}

// openIncident moves a newborn incident to OPEN. A concurrent attempt may
// have opened it already; conflicts resolve by re-reading.
func (o *Orchestrator) openIncident(ctx context.Context, inc contracts.Incident,
	authority contracts.Authority, currentTime time.Time) (contracts.Incident, error) {
	if inc.State != contracts.StatePending {
		return inc, nil
	}
	opened, err := o.incidents.Transition(ctx, inc.IncidentID, contracts.ActionOpen,
		authority, currentTime, "", nil)
	if err == nil {
		return opened, nil
	}
	if contracts.IsKind(err, contracts.KindConflict) || contracts.IsKind(err, contracts.KindIllegalTransition) {
		return o.incidents.Get(ctx, inc.IncidentID)
	}
	return contracts.Incident{}, err
}

// replay serves a completed attempt from its idempotency record.
func (o *Orchestrator) replay(ctx context.Context, key string, record contracts.IdempotencyRecord) (Result, error) {
	decisionID, _ := record.Result["decisionId"].(string)
	if decisionID == "" {
		return Result{}, contracts.NewError(contracts.KindInfra, contracts.CodeInternalError,
			"idempotency record has no decision").WithDetail("idempotencyKey", key)
	}
	decision, err := o.decisions.GetDecision(ctx, decisionID)
	if err != nil {
		return Result{}, err
	}
	res := Result{IdempotencyKey: key, Decision: decision, Replayed: true}
	if incidentID, _ := record.Result["incidentId"].(string); incidentID != "" {
		inc, err := o.incidents.Get(ctx, incidentID)
		if err != nil {
			return Result{}, err
		}
		res.Incident = &inc
	}
	return res, nil
}

// attemptRecord is the write-only observability record for one attempt.
type attemptRecord struct {
	AttemptID      string `json:"attemptId"`
	IdempotencyKey string `json:"idempotencyKey"`
	CandidateID    string `json:"candidateId"`
	AuthorityID    string `json:"authorityId"`
	AuthorityType  string `json:"authorityType"`
	Stage          string `json:"stage"`
	Outcome        string `json:"outcome"`
	DecisionID     string `json:"decisionId,omitempty"`
	IncidentID     string `json:"incidentId,omitempty"`
	ErrorCode      string `json:"errorCode,omitempty"`
	AttemptedAt    string `json:"attemptedAt"`
	ExpiresAt      string `json:"expiresAt"`
}

func errorCode(err error) string {
	var pe *contracts.Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return contracts.CodeInternalError
}

// logAttempt writes the attempt record. Best effort: failures are logged
// and never affect the caller.
func (o *Orchestrator) logAttempt(ctx context.Context, key string, req Request,
	stage string, res Result, attemptErr error, currentTime time.Time) {
	rec := attemptRecord{
		AttemptID:      uuid.NewString(),
		IdempotencyKey: key,
		CandidateID:    req.Promotion.CandidateID,
		AuthorityID:    req.Promotion.Authority.ID,
		AuthorityType:  string(req.Promotion.Authority.Type),
		Stage:          stage,
		AttemptedAt:    contracts.FormatTimestamp(currentTime),
		ExpiresAt:      contracts.FormatTimestamp(currentTime.Add(attemptTTL)),
	}
	if attemptErr != nil {
		rec.Outcome = "ERROR"
		rec.ErrorCode = errorCode(attemptErr)
	} else {
		rec.Outcome = string(res.Decision.Decision)
		rec.DecisionID = res.Decision.DecisionID
		if res.Incident != nil {
			rec.IncidentID = res.Incident.IncidentID
		}
	}

	body, err := json.Marshal(rec)
	if err != nil {
		o.logger.Warn("attempt record marshal failed", "error", err)
		return
	}
	if _, err := o.kv.PutIfAbsent(ctx, storage.TableOrchestrationAttempts, storage.Record{
		Key:  "ATTEMPT#" + rec.AttemptID,
		Body: body,
		Attrs: map[string]string{
			"candidateId": rec.CandidateID,
			"outcome":     rec.Outcome,
			"expiresAt":   rec.ExpiresAt,
		},
	}); err != nil {
		o.logger.Warn("attempt log write failed",
			"attemptId", rec.AttemptID, "error", fmt.Errorf("orchestrate: %w", err))
	}
}
