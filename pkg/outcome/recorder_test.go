package outcome

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opx-platform/opx-core/pkg/contracts"
	"github.com/opx-platform/opx-core/pkg/correlate"
	"github.com/opx-platform/opx-core/pkg/evidence"
	"github.com/opx-platform/opx-core/pkg/incident"
	"github.com/opx-platform/opx-core/pkg/storage"
)

var (
	t0       = time.Date(2026, 1, 16, 10, 0, 0, 0, time.UTC)
	operator = contracts.Authority{ID: "op-1", Type: contracts.AuthorityHumanOperator}
)

type outcomeFixture struct {
	recorder  *Recorder
	store     *Store
	incidents *incident.Manager
	incident  contracts.Incident
}

// newClosedIncident drives an incident through its full lifecycle so the
// recorder has something legal to accept.
func newClosedIncident(t *testing.T) *outcomeFixture {
	t.Helper()
	ctx := context.Background()
	kv := storage.NewMemoryStore()
	incStore := incident.NewStore(kv)
	manager := incident.NewManager(incStore, nil, nil, nil)
	candidates := correlate.NewStore(kv)
	evStore := evidence.NewStore(kv)
	store := NewStore(kv)
	recorder := NewRecorder(store, incStore, candidates, evStore, nil, nil)

	// Evidence observed 10 minutes before the incident was created.
	bundle, err := evidence.BuildBundle([]contracts.Detection{{
		DetectionID:        "det-1",
		RuleID:             "lambda-error-rate",
		NormalizedSignalID: "sig-1",
		SignalTimestamp:    t0.Add(-10 * time.Minute),
		Decision:           contracts.DecisionMatch,
		Severity:           contracts.SeveritySEV2,
		Service:            "payments-api",
	}}, t0)
	require.NoError(t, err)
	_, err = evStore.PutGraph(ctx, bundle.Graph)
	require.NoError(t, err)
	_, err = evStore.PutBundle(ctx, bundle)
	require.NoError(t, err)

	cand := contracts.Candidate{
		CandidateID:       "cand-1",
		CorrelationKey:    "key-1",
		SuggestedSeverity: contracts.SeveritySEV2,
		SuggestedService:  "payments-api",
		Confidence:        contracts.ConfidenceHigh,
		EvidenceGraphID:   bundle.Graph.GraphID,
	}
	_, err = candidates.PutCandidate(ctx, cand)
	require.NoError(t, err)

	dec := contracts.PromotionDecision{DecisionID: "dec-1", CandidateID: "cand-1", Decision: contracts.PromotionPromote}
	inc, _, err := manager.CreateFromDecision(ctx, dec, cand, t0)
	require.NoError(t, err)

	at := t0
	for _, step := range []struct {
		action     contracts.IncidentAction
		resolution *contracts.Resolution
	}{
		{contracts.ActionOpen, nil},
		{contracts.ActionAcknowledge, nil},
		{contracts.ActionMitigate, nil},
		{contracts.ActionResolve, &contracts.Resolution{ResolutionType: "ROLLBACK", Description: "rolled back", ResolvedBy: "op-1"}},
		{contracts.ActionClose, nil},
	} {
		at = at.Add(10 * time.Minute)
		inc, err = manager.Transition(ctx, inc.IncidentID, step.action, operator, at, "", step.resolution)
		require.NoError(t, err)
	}

	return &outcomeFixture{recorder: recorder, store: store, incidents: manager, incident: inc}
}

func outcomeRequest(incidentID string) Request {
	return Request{
		IncidentID: incidentID,
		Classification: contracts.OutcomeClassification{
			TruePositive:   true,
			RootCause:      "bad deploy",
			ResolutionType: "ROLLBACK",
		},
		HumanAssessment: "legitimate incident, caught quickly",
		Authority:       operator,
	}
}

func TestRecord_Success(t *testing.T) {
	f := newClosedIncident(t)
	ctx := context.Background()

	res, err := f.recorder.Record(ctx, outcomeRequest(f.incident.IncidentID))
	require.NoError(t, err)
	assert.True(t, res.IsNew)
	assert.Equal(t, f.incident.IncidentID, res.Outcome.IncidentID)

	// TTD spans from the earliest observed signal to openedAt: 10m before
	// creation plus 10m to open. TTR spans open to resolve: 30m.
	assert.Equal(t, (20 * time.Minute).Milliseconds(), res.Outcome.Timing.TimeToDetectMs)
	assert.Equal(t, (30 * time.Minute).Milliseconds(), res.Outcome.Timing.TimeToResolveMs)

	// Replay converges.
	again, err := f.recorder.Record(ctx, outcomeRequest(f.incident.IncidentID))
	require.NoError(t, err)
	assert.False(t, again.IsNew)
	assert.Equal(t, res.Outcome.OutcomeID, again.Outcome.OutcomeID)
}

func TestRecord_Gates(t *testing.T) {
	f := newClosedIncident(t)
	ctx := context.Background()

	t.Run("auto engine rejected", func(t *testing.T) {
		req := outcomeRequest(f.incident.IncidentID)
		req.Authority = contracts.Authority{ID: "auto-1", Type: contracts.AuthorityAutoEngine}
		_, err := f.recorder.Record(ctx, req)
		require.Error(t, err)
		assert.True(t, contracts.IsKind(err, contracts.KindAuthority))
	})

	t.Run("classification must be exclusive", func(t *testing.T) {
		req := outcomeRequest(f.incident.IncidentID)
		req.Classification.FalsePositive = true
		_, err := f.recorder.Record(ctx, req)
		assert.True(t, contracts.IsKind(err, contracts.KindValidation))

		req.Classification.TruePositive = false
		req.Classification.FalsePositive = false
		_, err = f.recorder.Record(ctx, req)
		assert.True(t, contracts.IsKind(err, contracts.KindValidation))
	})

	t.Run("missing fields", func(t *testing.T) {
		req := outcomeRequest(f.incident.IncidentID)
		req.Classification.RootCause = ""
		_, err := f.recorder.Record(ctx, req)
		assert.True(t, contracts.IsKind(err, contracts.KindValidation))
	})

	t.Run("unknown incident", func(t *testing.T) {
		_, err := f.recorder.Record(ctx, outcomeRequest("inc-unknown"))
		assert.True(t, contracts.IsKind(err, contracts.KindNotFound))
	})
}

func TestRecord_RequiresClosedIncident(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemoryStore()
	incStore := incident.NewStore(kv)
	manager := incident.NewManager(incStore, nil, nil, nil)
	recorder := NewRecorder(NewStore(kv), incStore, correlate.NewStore(kv), evidence.NewStore(kv), nil, nil)

	cand := contracts.Candidate{
		CandidateID:       "cand-1",
		SuggestedSeverity: contracts.SeveritySEV2,
		SuggestedService:  "payments-api",
		EvidenceGraphID:   "graph-1",
	}
	dec := contracts.PromotionDecision{DecisionID: "dec-1", CandidateID: "cand-1", Decision: contracts.PromotionPromote}
	inc, _, err := manager.CreateFromDecision(ctx, dec, cand, t0)
	require.NoError(t, err)

	_, err = recorder.Record(ctx, outcomeRequest(inc.IncidentID))
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.KindValidation))
}

func seedOutcomes(t *testing.T, store *Store, service string, tps, fps int, band contracts.Confidence) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < tps+fps; i++ {
		closedAt := t0.Add(time.Duration(i) * time.Hour)
		o := contracts.Outcome{
			OutcomeID:  service + "-o-" + string(rune('a'+i)),
			IncidentID: service + "-i-" + string(rune('a'+i)),
			Classification: contracts.OutcomeClassification{
				TruePositive:   i < tps,
				FalsePositive:  i >= tps,
				RootCause:      "bad deploy",
				ResolutionType: "ROLLBACK",
			},
			Timing:   contracts.OutcomeTiming{TimeToDetectMs: 60_000, TimeToResolveMs: 600_000},
			ClosedAt: closedAt,
		}
		if i >= tps {
			o.Classification.RootCause = "noisy alarm"
		}
		_, err := store.PutOutcome(ctx, o, service, band)
		require.NoError(t, err)
	}
}

func TestSummarize(t *testing.T) {
	ctx := context.Background()
	store := NewStore(storage.NewMemoryStore())
	seedOutcomes(t, store, "payments-api", 6, 6, contracts.ConfidenceHigh)

	from := contracts.FormatTimestamp(t0)
	to := contracts.FormatTimestamp(t0.Add(24 * time.Hour))
	sum, err := store.Summarize(ctx, "payments-api", from, to)
	require.NoError(t, err)

	assert.Equal(t, 12, sum.TotalOutcomes)
	assert.Equal(t, 6, sum.TruePositives)
	assert.Equal(t, 6, sum.FalsePositives)
	assert.Equal(t, int64(60_000), sum.AvgTimeToDetectMs)
	assert.Equal(t, int64(600_000), sum.AvgTimeToResolveMs)
	require.Len(t, sum.TopRootCauses, 2)
	assert.Equal(t, "bad deploy", sum.TopRootCauses[0].RootCause)
	assert.Equal(t, 6, sum.TopRootCauses[0].Count)
	require.Len(t, sum.DetectionWarnings, 1, "50%% FP rate over 12 outcomes warrants a warning")

	// The first computation is persisted; retrieval by ID returns it.
	stored, err := store.GetSummary(ctx, sum.SummaryID)
	require.NoError(t, err)
	assert.Equal(t, sum, stored)

	// Recomputation replays the stored artifact, even after the window
	// gains another outcome.
	late := contracts.Outcome{
		OutcomeID:      "payments-api-o-late",
		IncidentID:     "payments-api-i-late",
		Classification: contracts.OutcomeClassification{TruePositive: true, RootCause: "bad deploy", ResolutionType: "ROLLBACK"},
		Timing:         contracts.OutcomeTiming{TimeToDetectMs: 60_000, TimeToResolveMs: 600_000},
		ClosedAt:       t0.Add(2 * time.Hour),
	}
	_, err = store.PutOutcome(ctx, late, "payments-api", contracts.ConfidenceHigh)
	require.NoError(t, err)

	again, err := store.Summarize(ctx, "payments-api", from, to)
	require.NoError(t, err)
	assert.Equal(t, sum, again, "the stored summary is the artifact of record")

	// Half-open window: the outcome closed exactly at the end bound stays
	// out, so 11 seeded outcomes plus the late one land in this window.
	sum, err = store.Summarize(ctx, "payments-api", from, contracts.FormatTimestamp(t0.Add(11*time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, 12, sum.TotalOutcomes)
}

func TestCalibrate(t *testing.T) {
	ctx := context.Background()
	store := NewStore(storage.NewMemoryStore())

	// HIGH band with 50% observed accuracy over 12 samples: overconfident.
	seedOutcomes(t, store, "payments-api", 6, 6, contracts.ConfidenceHigh)

	report, err := store.Calibrate(ctx, "payments-api")
	require.NoError(t, err)
	require.Len(t, report.Bins, 1)

	bin := report.Bins[0]
	assert.Equal(t, contracts.ConfidenceHigh, bin.Band)
	assert.Equal(t, 12, bin.Samples)
	assert.InDelta(t, 0.5, bin.ObservedAccuracy, 1e-9)
	assert.InDelta(t, -0.3, bin.Drift, 1e-9)
	assert.True(t, bin.Overconfident)
	assert.False(t, bin.Underconfident)
	assert.False(t, bin.InsufficientSample)

	// The report is persisted and replaced on recomputation.
	stored, err := store.GetCalibration(ctx, report.CalibrationID)
	require.NoError(t, err)
	assert.Equal(t, report, stored)

	for i := 0; i < 4; i++ {
		o := contracts.Outcome{
			OutcomeID:      fmt.Sprintf("payments-api-o-med-%d", i),
			IncidentID:     fmt.Sprintf("payments-api-i-med-%d", i),
			Classification: contracts.OutcomeClassification{TruePositive: true, RootCause: "bad deploy", ResolutionType: "ROLLBACK"},
			Timing:         contracts.OutcomeTiming{TimeToDetectMs: 60_000, TimeToResolveMs: 600_000},
			ClosedAt:       t0.Add(time.Duration(i) * time.Minute),
		}
		_, err := store.PutOutcome(ctx, o, "payments-api", contracts.ConfidenceMedium)
		require.NoError(t, err)
	}
	report, err = store.Calibrate(ctx, "payments-api")
	require.NoError(t, err)
	require.Len(t, report.Bins, 2)

	stored, err = store.GetCalibration(ctx, report.CalibrationID)
	require.NoError(t, err)
	assert.Equal(t, report, stored, "the stored report tracks the latest computation")
}

func TestCalibrate_InsufficientSample(t *testing.T) {
	ctx := context.Background()
	store := NewStore(storage.NewMemoryStore())
	seedOutcomes(t, store, "payments-api", 1, 2, contracts.ConfidenceMedium)

	report, err := store.Calibrate(ctx, "payments-api")
	require.NoError(t, err)
	require.Len(t, report.Bins, 1)
	assert.True(t, report.Bins[0].InsufficientSample)
	assert.False(t, report.Bins[0].Overconfident, "small bins are flagged, not judged")
}
