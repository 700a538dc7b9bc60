package outcome

import (
	"context"
	"log/slog"
	"time"

	"github.com/opx-platform/opx-core/pkg/bus"
	"github.com/opx-platform/opx-core/pkg/canonical"
	"github.com/opx-platform/opx-core/pkg/contracts"
	"github.com/opx-platform/opx-core/pkg/correlate"
	"github.com/opx-platform/opx-core/pkg/evidence"
	"github.com/opx-platform/opx-core/pkg/incident"
)

// Request submits an outcome for a closed incident.
type Request struct {
	IncidentID      string                          `json:"incidentId"`
	Classification  contracts.OutcomeClassification `json:"classification"`
	HumanAssessment string                          `json:"humanAssessment"`
	Authority       contracts.Authority             `json:"authority"`
}

// Result reports one recorded outcome.
type Result struct {
	Outcome contracts.Outcome `json:"outcome"`
	IsNew   bool              `json:"isNew"`
}

// Recorder gates and persists outcome submissions.
type Recorder struct {
	store      *Store
	incidents  *incident.Store
	candidates *correlate.Store
	evidence   *evidence.Store
	emitter    bus.Emitter
	logger     *slog.Logger
}

// NewRecorder wires an outcome recorder.
func NewRecorder(store *Store, incidents *incident.Store, candidates *correlate.Store,
	ev *evidence.Store, emitter bus.Emitter, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:      store,
		incidents:  incidents,
		candidates: candidates,
		evidence:   ev,
		emitter:    bus.NewBestEffort(emitter, logger),
		logger:     logger,
	}
}

// Record validates and appends the outcome. Only closed incidents qualify,
// only human authorities may submit, and the classification must be exactly
// one of truePositive or falsePositive.
func (r *Recorder) Record(ctx context.Context, req Request) (Result, error) {
	if err := validateRequest(req); err != nil {
		return Result{}, err
	}

	inc, err := r.incidents.GetIncident(ctx, req.IncidentID)
	if err != nil {
		return Result{}, err
	}
	if inc.State != contracts.StateClosed {
		return Result{}, contracts.NewError(contracts.KindValidation, contracts.CodeInvalidRequest,
			"outcomes are recorded for closed incidents only").WithDetail("state", string(inc.State))
	}
	if inc.ClosedAt == nil || inc.OpenedAt == nil || inc.ResolvedAt == nil {
		return Result{}, contracts.NewError(contracts.KindValidation, contracts.CodeInvalidRequest,
			"incident timeline is incomplete").WithDetail("incidentId", inc.IncidentID)
	}

	o := contracts.Outcome{
		OutcomeID:       canonical.ComputeOutcomeID(inc.IncidentID, contracts.FormatTimestamp(*inc.ClosedAt)),
		IncidentID:      inc.IncidentID,
		Classification:  req.Classification,
		Timing:          r.deriveTiming(ctx, inc),
		HumanAssessment: req.HumanAssessment,
		RecordedBy:      req.Authority,
		ClosedAt:        *inc.ClosedAt,
	}

	band := contracts.ConfidenceLow
	if cand, err := r.candidates.GetCandidate(ctx, inc.CandidateID); err == nil {
		band = cand.Confidence
	}

	isNew, err := r.store.PutOutcome(ctx, o, inc.Service, band)
	if err != nil {
		return Result{}, err
	}
	if !isNew {
		stored, err := r.store.GetOutcome(ctx, o.OutcomeID)
		if err != nil {
			return Result{}, err
		}
		return Result{Outcome: stored, IsNew: false}, nil
	}

	_ = r.emitter.Emit(ctx, bus.Event{
		Type:      bus.EventOutcomeRecorded,
		Key:       o.OutcomeID,
		Payload:   o,
		EmittedAt: *inc.ClosedAt,
	})
	return Result{Outcome: o, IsNew: true}, nil
}

func validateRequest(req Request) error {
	if req.IncidentID == "" {
		return contracts.NewError(contracts.KindValidation, contracts.CodeInvalidRequest,
			"incidentId is required").WithField("incidentId")
	}
	if !req.Authority.Type.Valid() {
		return contracts.NewError(contracts.KindValidation, contracts.CodeInvalidRequest,
			"unknown authority type").WithField("authorityType")
	}
	if !req.Authority.Type.Human() {
		return contracts.NewError(contracts.KindAuthority, contracts.CodeOutcomeNotHuman,
			"outcomes require a human authority")
	}
	c := req.Classification
	if c.TruePositive == c.FalsePositive {
		return contracts.NewError(contracts.KindValidation, contracts.CodeInvalidRequest,
			"classification must be exactly one of truePositive or falsePositive").WithField("classification")
	}
	if c.RootCause == "" || c.ResolutionType == "" {
		return contracts.NewError(contracts.KindValidation, contracts.CodeInvalidRequest,
			"rootCause and resolutionType are required").WithField("classification")
	}
	return nil
}

// deriveTiming computes TTD and TTR. TTD prefers the earliest observed
// signal from the incident's evidence bundle; when the bundle is missing the
// fallback is openedAt minus createdAt. It is never hard-coded to zero.
func (r *Recorder) deriveTiming(ctx context.Context, inc contracts.Incident) contracts.OutcomeTiming {
	detectStart := inc.CreatedAt
	if bundle, err := r.evidence.GetBundle(ctx, inc.EvidenceID); err == nil && !bundle.Summary.EarliestObserved.IsZero() {
		detectStart = bundle.Summary.EarliestObserved
	} else {
		r.logger.Warn("evidence bundle unavailable for timing, using incident createdAt",
			"incidentId", inc.IncidentID)
	}
	return contracts.OutcomeTiming{
		TimeToDetectMs:  durationMs(detectStart, *inc.OpenedAt),
		TimeToResolveMs: durationMs(*inc.OpenedAt, *inc.ResolvedAt),
	}
}

func durationMs(from, to time.Time) int64 {
	d := to.Sub(from)
	if d < 0 {
		return 0
	}
	return d.Milliseconds()
}
