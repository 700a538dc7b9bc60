package incident

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/opx-platform/opx-core/pkg/bus"
	"github.com/opx-platform/opx-core/pkg/canonical"
	"github.com/opx-platform/opx-core/pkg/contracts"
	"github.com/opx-platform/opx-core/pkg/observability"
)

// Manager drives the incident lifecycle: idempotent creation from a
// promotion decision, authority-gated transitions, and chain verification.
type Manager struct {
	store   *Store
	emitter bus.Emitter
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewManager wires an incident manager.
func NewManager(store *Store, emitter bus.Emitter, metrics *observability.Metrics, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:   store,
		emitter: bus.NewBestEffort(emitter, logger),
		metrics: metrics,
		logger:  logger,
	}
}

// CreateFromDecision materializes the incident a PROMOTE decision calls for.
// The identity is evidence-derived, so repeated submissions of the same
// decision converge on the stored incident.
func (m *Manager) CreateFromDecision(ctx context.Context, decision contracts.PromotionDecision,
	candidate contracts.Candidate, createdAt time.Time) (contracts.Incident, bool, error) {
	if decision.Decision != contracts.PromotionPromote {
		return contracts.Incident{}, false, contracts.NewError(contracts.KindValidation,
			contracts.CodeInvalidRequest,
			fmt.Sprintf("cannot create an incident from a %s decision", decision.Decision)).
			WithField("decision")
	}
	if decision.CandidateID != candidate.CandidateID {
		return contracts.Incident{}, false, contracts.NewError(contracts.KindValidation,
			contracts.CodeInvalidRequest, "decision and candidate disagree").WithField("candidateId")
	}

	inc := contracts.Incident{
		IncidentID:    canonical.ComputeIncidentID(candidate.SuggestedService, candidate.EvidenceGraphID),
		Service:       candidate.SuggestedService,
		EvidenceID:    candidate.EvidenceGraphID,
		CandidateID:   candidate.CandidateID,
		DecisionID:    decision.DecisionID,
		SignatureHash: candidate.CorrelationKey,
		Title:         candidate.SuggestedTitle,
		Severity:      candidate.SuggestedSeverity,
		State:         contracts.StatePending,
		CreatedAt:     createdAt,
		UpdatedAt:     createdAt,
	}

	created, err := m.store.PutIncident(ctx, inc)
	if err != nil {
		return contracts.Incident{}, false, err
	}
	if !created {
		existing, err := m.store.GetIncident(ctx, inc.IncidentID)
		if err != nil {
			return contracts.Incident{}, false, err
		}
		return existing, false, nil
	}
	if err := m.store.PutSnapshot(ctx, inc); err != nil {
		return contracts.Incident{}, false, err
	}
	return inc, true, nil
}

// Transition applies one lifecycle action under optimistic concurrency. A
// lost version race returns a CONFLICT error; the caller reloads and
// retries. occurredAt is injected and must not precede any timestamp the
// incident already carries.
func (m *Manager) Transition(ctx context.Context, incidentID string, action contracts.IncidentAction,
	authority contracts.Authority, occurredAt time.Time, annotation string,
	resolution *contracts.Resolution) (contracts.Incident, error) {
	inc, err := m.store.GetIncident(ctx, incidentID)
	if err != nil {
		return contracts.Incident{}, err
	}

	next, err := NextState(inc.State, action)
	if err != nil {
		return contracts.Incident{}, err
	}
	if err := CheckAuthority(action, inc.Severity, authority); err != nil {
		return contracts.Incident{}, err
	}
	if occurredAt.Before(lastTimestamp(inc)) {
		return contracts.Incident{}, contracts.NewError(contracts.KindValidation,
			contracts.CodeInvalidRequest, "transition timestamp precedes incident history").
			WithField("occurredAt")
	}
	if action == contracts.ActionResolve && resolution == nil {
		return contracts.Incident{}, contracts.NewError(contracts.KindValidation,
			contracts.CodeMissingResolution, "RESOLVE requires a resolution block").WithField("resolution")
	}
	if resolution != nil && inc.Resolution != nil {
		return contracts.Incident{}, contracts.NewError(contracts.KindValidation,
			contracts.CodeResolutionImmutable, "resolution is immutable once set").WithField("resolution")
	}

	prevState := inc.State
	prevVersion := inc.Version
	inc.State = next
	applyTimestamp(&inc, action, occurredAt)
	if action == contracts.ActionResolve {
		inc.Resolution = resolution
	}
	inc.EventSeq++
	inc.Version = prevVersion + 1
	inc.UpdatedAt = occurredAt

	stateHash, err := ComputeStateHash(inc)
	if err != nil {
		return contracts.Incident{}, err
	}

	// The versioned update is the concurrency gate; the event append cannot
	// race once it succeeds.
	if err := m.store.UpdateIncident(ctx, inc, prevVersion); err != nil {
		return contracts.Incident{}, err
	}
	event := contracts.IncidentEvent{
		IncidentID:     inc.IncidentID,
		EventSeq:       inc.EventSeq,
		Action:         action,
		FromState:      prevState,
		ToState:        next,
		Authority:      authority,
		Annotation:     annotation,
		Resolution:     resolution,
		OccurredAt:     occurredAt,
		StateHashAfter: stateHash,
	}
	if err := m.store.AppendEvent(ctx, event); err != nil {
		return contracts.Incident{}, err
	}

	if m.metrics != nil {
		m.metrics.IncidentTransitions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("action", string(action)),
			attribute.String("severity", string(inc.Severity))))
	}
	_ = m.emitter.Emit(ctx, bus.Event{
		Type:      bus.EventIncidentTransition,
		Key:       inc.IncidentID,
		Payload:   event,
		EmittedAt: occurredAt,
	})
	return inc, nil
}

// Get returns the materialized incident.
func (m *Manager) Get(ctx context.Context, incidentID string) (contracts.Incident, error) {
	return m.store.GetIncident(ctx, incidentID)
}

// Events returns the incident's event log in order.
func (m *Manager) Events(ctx context.Context, incidentID string) ([]contracts.IncidentEvent, error) {
	return m.store.GetEvents(ctx, incidentID)
}

// GetResolution returns the resolution of a resolved incident.
func (m *Manager) GetResolution(ctx context.Context, incidentID string) (contracts.Resolution, error) {
	inc, err := m.store.GetIncident(ctx, incidentID)
	if err != nil {
		return contracts.Resolution{}, err
	}
	if inc.Resolution == nil {
		return contracts.Resolution{}, contracts.NewError(contracts.KindNotFound,
			contracts.CodeNotFound, "incident has no resolution").WithDetail("incidentId", incidentID)
	}
	return *inc.Resolution, nil
}

// HasPendingForService implements the promotion engine's deferral lookup: a
// not-yet-resolved incident for the service defers new promotions.
func (m *Manager) HasPendingForService(ctx context.Context, service string) (bool, error) {
	incidents, err := m.store.GetByService(ctx, service)
	if err != nil {
		return false, err
	}
	for _, inc := range incidents {
		switch inc.State {
		case contracts.StateResolved, contracts.StateClosed:
		default:
			return true, nil
		}
	}
	return false, nil
}

// maxSimilarResults caps a similarity lookup.
const maxSimilarResults = 5

// FindSimilar returns closed incidents sharing the correlation signature,
// optionally narrowed to a service, most useful during triage of a new
// candidate. Results are capped at five.
func (m *Manager) FindSimilar(ctx context.Context, signatureHash, service string, limit int) ([]contracts.Incident, error) {
	if signatureHash == "" {
		return nil, contracts.NewError(contracts.KindValidation, contracts.CodeInvalidRequest,
			"signatureHash is required").WithField("signatureHash")
	}
	if limit <= 0 || limit > maxSimilarResults {
		limit = maxSimilarResults
	}
	incidents, err := m.store.GetBySignature(ctx, signatureHash)
	if err != nil {
		return nil, err
	}
	out := make([]contracts.Incident, 0, limit)
	for _, inc := range incidents {
		if inc.State != contracts.StateClosed {
			continue
		}
		if service != "" && inc.Service != service {
			continue
		}
		out = append(out, inc)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// VerifyChain replays the event log from the creation snapshot and checks
// that every stored stateHashAfter reproduces byte for byte.
func (m *Manager) VerifyChain(ctx context.Context, incidentID string) error {
	replayed, err := m.store.GetSnapshot(ctx, incidentID)
	if err != nil {
		return err
	}
	events, err := m.store.GetEvents(ctx, incidentID)
	if err != nil {
		return err
	}
	for _, ev := range events {
		replayed.State = ev.ToState
		applyTimestamp(&replayed, ev.Action, ev.OccurredAt)
		if ev.Resolution != nil {
			replayed.Resolution = ev.Resolution
		}
		replayed.EventSeq = ev.EventSeq
		replayed.UpdatedAt = ev.OccurredAt

		hash, err := ComputeStateHash(replayed)
		if err != nil {
			return err
		}
		if hash != ev.StateHashAfter {
			return contracts.NewError(contracts.KindFailClosed, contracts.CodeInternalError,
				"state hash chain broken").
				WithDetail("incidentId", incidentID).
				WithDetail("eventSeq", ev.EventSeq)
		}
	}
	return nil
}

func applyTimestamp(inc *contracts.Incident, action contracts.IncidentAction, at time.Time) {
	t := at
	switch action {
	case contracts.ActionOpen:
		inc.OpenedAt = &t
	case contracts.ActionAcknowledge:
		inc.AcknowledgedAt = &t
	case contracts.ActionMitigate:
		inc.MitigatedAt = &t
	case contracts.ActionResolve:
		inc.ResolvedAt = &t
	case contracts.ActionClose:
		inc.ClosedAt = &t
	}
}

// lastTimestamp returns the latest timestamp the incident carries, which any
// new transition must not precede.
func lastTimestamp(inc contracts.Incident) time.Time {
	last := inc.CreatedAt
	for _, t := range []*time.Time{inc.OpenedAt, inc.AcknowledgedAt, inc.MitigatedAt, inc.ResolvedAt, inc.ClosedAt} {
		if t != nil && t.After(last) {
			last = *t
		}
	}
	return last
}
