package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/opx-platform/opx-core/pkg/config"
	"github.com/opx-platform/opx-core/pkg/contracts"
	"github.com/opx-platform/opx-core/pkg/idempotency"
	"github.com/opx-platform/opx-core/pkg/orchestrate"
	"github.com/opx-platform/opx-core/pkg/outcome"
	"github.com/opx-platform/opx-core/pkg/promote"
)

const maxBodyBytes = 1 << 20

// decodeBody decodes a JSON request body with a size cap.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		WriteBadRequest(w, r, "Invalid request body")
		return false
	}
	return true
}

// timeOrNow resolves an optional caller-supplied timestamp. The clock is
// read only here, at the HTTP edge; the core always receives it injected.
func timeOrNow(t *time.Time) time.Time {
	if t != nil {
		return t.UTC()
	}
	return time.Now().UTC()
}

// idempotent wraps a mutating handler body with an idempotency claim. The
// key comes from the Idempotency-Key header, or is derived from the
// principal and request body when absent. Completed claims replay the
// stored response.
func (s *Server) idempotent(w http.ResponseWriter, r *http.Request,
	operation, principal string, body any, now time.Time, fn func() (any, error)) {
	key, err := idempotency.Key(principal, operation, body, r.Header.Get("Idempotency-Key"))
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	hash, err := idempotency.RequestHash(body)
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	record, created, err := s.idem.Claim(r.Context(), key, principal, operation, hash, now)
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	if !created && record.Status == contracts.IdempotencyCompleted {
		w.Header().Set("Idempotency-Replayed", "true")
		WriteJSON(w, http.StatusOK, record.Result)
		return
	}
	// An IN_PROGRESS loser falls through; the underlying writes are
	// conditional and converge.

	result, err := fn()
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	resultMap, err := toMap(result)
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	if err := s.idem.Complete(r.Context(), key, resultMap, time.Now().UTC()); err != nil {
		if !contracts.IsKind(err, contracts.KindConflict) {
			s.logger.Warn("idempotency completion failed", "idempotencyKey", key, "error", err)
		}
	}
	WriteJSON(w, http.StatusOK, result)
}

func toMap(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type ingestSignalRequest struct {
	Signal     contracts.Signal `json:"signal"`
	DetectedAt *time.Time       `json:"detectedAt,omitempty"`
}

func (s *Server) handleIngestSignal(w http.ResponseWriter, r *http.Request) {
	authority, _ := AuthorityFrom(r.Context())
	var req ingestSignalRequest
	if !decodeBody(w, r, &req) {
		return
	}
	detectedAt := timeOrNow(req.DetectedAt)

	s.idempotent(w, r, "ingestSignal", authority.ID, req.Signal, detectedAt, func() (any, error) {
		results, err := s.detections.ProcessSignal(r.Context(), &req.Signal, detectedAt)
		if err != nil {
			return nil, err
		}
		return map[string]any{"results": results}, nil
	})
}

type promotionRequest struct {
	CandidateID   string         `json:"candidateId"`
	PolicyID      string         `json:"policyId"`
	PolicyVersion string         `json:"policyVersion"`
	Context       map[string]any `json:"context,omitempty"`
	CurrentTime   *time.Time     `json:"currentTime,omitempty"`
}

func (s *Server) handlePromote(w http.ResponseWriter, r *http.Request) {
	authority, _ := AuthorityFrom(r.Context())
	var req promotionRequest
	if !decodeBody(w, r, &req) {
		return
	}

	// The orchestrator claims its own idempotency key; the header rides
	// along as the client-chosen key.
	res, err := s.orchestrator.ProcessCandidate(r.Context(), orchestrate.Request{
		Promotion: promote.Request{
			CandidateID:   req.CandidateID,
			PolicyID:      req.PolicyID,
			PolicyVersion: req.PolicyVersion,
			Authority:     authority,
			Context:       req.Context,
		},
		ClientKey: r.Header.Get("Idempotency-Key"),
	}, timeOrNow(req.CurrentTime))
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

type transitionRequest struct {
	Action     contracts.IncidentAction `json:"action"`
	OccurredAt *time.Time               `json:"occurredAt,omitempty"`
	Annotation string                   `json:"annotation,omitempty"`
	Resolution *contracts.Resolution    `json:"resolution,omitempty"`
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	authority, _ := AuthorityFrom(r.Context())
	incidentID := r.PathValue("id")
	var req transitionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	occurredAt := timeOrNow(req.OccurredAt)

	body := map[string]any{"incidentId": incidentID, "request": req}
	s.idempotent(w, r, "transitionIncident", authority.ID, body, occurredAt, func() (any, error) {
		return s.incidents.Transition(r.Context(), incidentID, req.Action,
			authority, occurredAt, req.Annotation, req.Resolution)
	})
}

func (s *Server) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	inc, err := s.incidents.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, inc)
}

func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.incidents.Events(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleGetResolution(w http.ResponseWriter, r *http.Request) {
	res, err := s.incidents.GetResolution(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleVerifyChain(w http.ResponseWriter, r *http.Request) {
	if err := s.incidents.VerifyChain(r.Context(), r.PathValue("id")); err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"verified": true})
}

func (s *Server) handleGetEvidence(w http.ResponseWriter, r *http.Request) {
	bundle, err := s.evidences.GetBundle(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, bundle)
}

func (s *Server) handleFindSimilar(w http.ResponseWriter, r *http.Request) {
	signatureHash := r.URL.Query().Get("signatureHash")
	if signatureHash == "" {
		WriteBadRequest(w, r, "Missing required query parameter: signatureHash")
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			WriteBadRequest(w, r, "Invalid query parameter: limit")
			return
		}
		limit = n
	}
	incidents, err := s.incidents.FindSimilar(r.Context(), signatureHash,
		r.URL.Query().Get("service"), limit)
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"incidents": incidents})
}

type outcomeRequest struct {
	IncidentID      string                          `json:"incidentId"`
	Classification  contracts.OutcomeClassification `json:"classification"`
	HumanAssessment string                          `json:"humanAssessment"`
}

func (s *Server) handleRecordOutcome(w http.ResponseWriter, r *http.Request) {
	authority, _ := AuthorityFrom(r.Context())
	var req outcomeRequest
	if !decodeBody(w, r, &req) {
		return
	}

	s.idempotent(w, r, "recordOutcome", authority.ID, req, time.Now().UTC(), func() (any, error) {
		return s.outcomes.Record(r.Context(), outcome.Request{
			IncidentID:      req.IncidentID,
			Classification:  req.Classification,
			HumanAssessment: req.HumanAssessment,
			Authority:       authority,
		})
	})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	service := r.PathValue("service")
	start := r.URL.Query().Get("start")
	end := r.URL.Query().Get("end")
	if start == "" || end == "" {
		WriteBadRequest(w, r, "Missing required query parameters: start, end")
		return
	}
	sum, err := s.learning.Summarize(r.Context(), service, start, end)
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, sum)
}

func (s *Server) handleGetStoredSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.learning.GetSummary(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, sum)
}

func (s *Server) handleCalibration(w http.ResponseWriter, r *http.Request) {
	report, err := s.learning.Calibrate(r.Context(), r.PathValue("service"))
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, report)
}

func (s *Server) handleGetAutomation(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.automation.Get(r.Context())
	if err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, cfg)
}

type automationRequest struct {
	KillSwitchEngaged bool   `json:"killSwitchEngaged"`
	Reason            string `json:"reason,omitempty"`
}

func (s *Server) handleSetAutomation(w http.ResponseWriter, r *http.Request) {
	authority, _ := AuthorityFrom(r.Context())
	if !authority.Type.Human() {
		WriteError(w, r, s.logger, contracts.NewError(contracts.KindAuthority,
			contracts.CodeAuthorityForbidden, "only human authorities may change the automation switch"))
		return
	}
	var req automationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	cfg := config.AutomationConfig{
		KillSwitchEngaged: req.KillSwitchEngaged,
		Reason:            req.Reason,
		UpdatedBy:         authority.ID,
		UpdatedAt:         time.Now().UTC(),
	}
	if err := s.automation.Set(r.Context(), cfg); err != nil {
		WriteError(w, r, s.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, cfg)
}
