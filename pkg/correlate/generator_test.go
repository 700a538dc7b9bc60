package correlate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opx-platform/opx-core/pkg/bus"
	"github.com/opx-platform/opx-core/pkg/contracts"
	"github.com/opx-platform/opx-core/pkg/detect"
	"github.com/opx-platform/opx-core/pkg/evidence"
	"github.com/opx-platform/opx-core/pkg/rules"
	"github.com/opx-platform/opx-core/pkg/storage"
)

var windowBase = time.Date(2026, 1, 16, 10, 0, 0, 0, time.UTC)

func corrRule() *rules.CorrelationRule {
	return &rules.CorrelationRule{
		RuleID:           "payments-burst",
		RuleVersion:      "1.0.0",
		Enabled:          true,
		Matcher:          rules.CorrelationMatcher{SameService: true},
		WindowMinutes:    15,
		WindowTruncation: rules.TruncationMinute,
		MinDetections:    2,
		MaxDetections:    10,
		KeyFields:        []string{rules.KeyFieldService, rules.KeyFieldWindowTruncated},
		PrimarySelection: rules.PrimarySelectionDefault,
		ConfidenceBoost: rules.ConfidenceBoost{
			MultipleDetections: 0.2,
			MaxSeverityAtLeast: 0.3,
			SeverityThreshold:  contracts.SeveritySEV1,
		},
	}
}

func TestComputeWindow(t *testing.T) {
	rule := corrRule()
	w := ComputeWindow(windowBase, rule)
	assert.Equal(t, windowBase.Add(-15*time.Minute), w.Start)
	assert.Equal(t, windowBase, w.End)

	assert.Equal(t, windowBase.Truncate(time.Minute), w.Truncated(rules.TruncationMinute))
	assert.Equal(t, windowBase.Truncate(time.Hour), w.Truncated(rules.TruncationHour))

	// A mid-hour trigger with millisecond precision truncates to the exact
	// top of the hour.
	trigger := time.Date(2026, 1, 16, 10, 35, 45, 123_000_000, time.UTC)
	w = ComputeWindow(trigger, rule)
	assert.Equal(t, trigger.Add(-15*time.Minute), w.Start)
	assert.Equal(t, trigger, w.End)
	assert.Equal(t, time.Date(2026, 1, 16, 10, 0, 0, 0, time.UTC), w.Truncated(rules.TruncationHour))
}

func TestSortAndSelectPrimary(t *testing.T) {
	dets := []contracts.Detection{
		{DetectionID: "b", Severity: contracts.SeveritySEV2, SignalTimestamp: windowBase},
		{DetectionID: "a", Severity: contracts.SeveritySEV2, SignalTimestamp: windowBase},
		{DetectionID: "c", Severity: contracts.SeveritySEV1, SignalTimestamp: windowBase.Add(time.Minute)},
		{DetectionID: "d", Severity: contracts.SeveritySEV2, SignalTimestamp: windowBase.Add(-time.Minute)},
	}

	primary := SelectPrimary(dets)
	assert.Equal(t, "c", primary.DetectionID, "highest severity wins before time")

	SortDetections(dets)
	ids := []string{dets[0].DetectionID, dets[1].DetectionID, dets[2].DetectionID, dets[3].DetectionID}
	assert.Equal(t, []string{"c", "d", "a", "b"}, ids, "severity desc, time asc, id asc")
}

func TestScoreConfidence(t *testing.T) {
	rule := corrRule()

	single := []contracts.Detection{{DetectionID: "a", Severity: contracts.SeveritySEV3}}
	score, factors := ScoreConfidence(rule, single)
	assert.InDelta(t, 0.5, score, 1e-9)
	assert.Len(t, factors, 1)

	multi := []contracts.Detection{
		{DetectionID: "a", Severity: contracts.SeveritySEV1},
		{DetectionID: "b", Severity: contracts.SeveritySEV3},
	}
	score, factors = ScoreConfidence(rule, multi)
	assert.InDelta(t, 1.0, score, 1e-9, "0.5 + 0.2 + 0.3 clamps at 1.0")
	assert.Len(t, factors, 3)
	assert.Equal(t, contracts.ConfidenceDefinitive, contracts.ConfidenceFromScore(score))
}

func TestEstimateBlastRadius(t *testing.T) {
	single := []contracts.Signal{
		{NormalizedSignalID: "s1", Source: "payments-api"},
		{NormalizedSignalID: "s2", Source: "payments-api"},
	}
	br := EstimateBlastRadius(single, contracts.SeveritySEV1)
	assert.Equal(t, contracts.ScopeSingleService, br.Scope)
	assert.Equal(t, []string{"payments-api"}, br.AffectedServices)
	assert.Equal(t, "CRITICAL", br.EstimatedImpact)

	multi := append(single, contracts.Signal{NormalizedSignalID: "s3", Source: "ledger-api"})
	br = EstimateBlastRadius(multi, contracts.SeveritySEV3)
	assert.Equal(t, contracts.ScopeMultiService, br.Scope)
	assert.Equal(t, "MEDIUM", br.EstimatedImpact)

	infra := append(multi, contracts.Signal{
		NormalizedSignalID: "s4",
		Source:             "core-db",
		ResourceRefs:       []contracts.ResourceRef{{RefType: "database", RefValue: "orders"}},
	})
	br = EstimateBlastRadius(infra, contracts.SeveritySEV2)
	assert.Equal(t, contracts.ScopeInfrastructure, br.Scope)
}

type fixture struct {
	detections *detect.KVStore
	evidence   *evidence.Store
	candidates *Store
	generator  *Generator
	bus        *bus.MemoryBus
}

func newFixture(t *testing.T, catalogRules ...*rules.CorrelationRule) *fixture {
	t.Helper()
	kv := storage.NewMemoryStore()
	detStore := detect.NewKVStore(kv)
	evStore := evidence.NewStore(kv)
	candStore := NewStore(kv)
	memBus := bus.NewMemoryBus()
	catalog := rules.NewStaticCatalog(nil, catalogRules, nil)
	gen := NewGenerator(catalog, detStore, detStore, evStore, candStore, memBus, nil, nil)
	return &fixture{detections: detStore, evidence: evStore, candidates: candStore, generator: gen, bus: memBus}
}

func seedDetection(t *testing.T, f *fixture, id, signalID string, sev contracts.Severity, ts time.Time) contracts.Detection {
	t.Helper()
	ctx := context.Background()
	sig := contracts.Signal{
		NormalizedSignalID: signalID,
		SignalType:         "metric_alarm",
		Source:             "payments-api",
		Severity:           sev,
		Timestamp:          ts,
	}
	_, err := f.detections.PutSignal(ctx, sig)
	require.NoError(t, err)

	d := contracts.Detection{
		DetectionID:        id,
		RuleID:             "lambda-error-rate",
		RuleVersion:        "1.0.0",
		NormalizedSignalID: signalID,
		SignalTimestamp:    ts,
		Decision:           contracts.DecisionMatch,
		Severity:           sev,
		Confidence:         contracts.ConfidenceHigh,
		Service:            "payments-api",
	}
	_, err = f.detections.PutDetection(ctx, d, contracts.DetectionMetadata{DetectionID: id, DetectedAt: ts})
	require.NoError(t, err)
	return d
}

func TestOnDetection_GeneratesCandidate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, corrRule())

	var events []bus.Event
	f.bus.Subscribe(func(ev bus.Event) {
		if ev.Type == bus.EventCandidateCreated {
			events = append(events, ev)
		}
	})

	first := seedDetection(t, f, "det-1", "sig-1", contracts.SeveritySEV2, windowBase.Add(-5*time.Minute))
	results, err := f.generator.OnDetection(ctx, first)
	require.NoError(t, err)
	assert.Empty(t, results, "one detection is below minDetections")

	trigger := seedDetection(t, f, "det-2", "sig-2", contracts.SeveritySEV1, windowBase)
	results, err = f.generator.OnDetection(ctx, trigger)
	require.NoError(t, err)
	require.Len(t, results, 1)

	cand := results[0].Candidate
	assert.True(t, results[0].IsNew)
	assert.Equal(t, []string{"det-1", "det-2"}, cand.DetectionIDs)
	assert.Equal(t, "det-2", cand.PrimaryDetectionID, "SEV1 beats the earlier SEV2")
	assert.Equal(t, contracts.SeveritySEV1, cand.SuggestedSeverity)
	assert.Equal(t, "payments-api", cand.SuggestedService)
	assert.Equal(t, "payments-api", cand.ResolvedKeyFields[rules.KeyFieldService])
	assert.NotEmpty(t, cand.ResolvedKeyFields[rules.KeyFieldWindowTruncated])
	assert.NotEmpty(t, cand.EvidenceGraphID)
	assert.Len(t, events, 1)

	// Replaying the trigger converges without a second event.
	again, err := f.generator.OnDetection(ctx, trigger)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.False(t, again[0].IsNew)
	assert.Equal(t, cand.CandidateID, again[0].Candidate.CandidateID)
	assert.Len(t, events, 1)

	stored, err := f.candidates.GetCandidate(ctx, cand.CandidateID)
	require.NoError(t, err)
	assert.Equal(t, cand.CandidateID, stored.CandidateID)
}

func TestOnDetection_IntegrityGateDropsUnverifiedDetections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, corrRule())

	// det-1 is stored but never passed through the generator, so it has no
	// evidence graph and must not join the candidate pool.
	seedDetection(t, f, "det-1", "sig-1", contracts.SeveritySEV2, windowBase.Add(-5*time.Minute))
	trigger := seedDetection(t, f, "det-2", "sig-2", contracts.SeveritySEV1, windowBase)

	results, err := f.generator.OnDetection(ctx, trigger)
	require.NoError(t, err)
	assert.Empty(t, results, "only the trigger survives, below minDetections")
}

func TestOnDetection_KeyFieldsChangeCandidateIdentity(t *testing.T) {
	ctx := context.Background()
	ruleA := corrRule()
	ruleB := corrRule()
	ruleB.RuleID = "payments-burst-by-rule"
	ruleB.KeyFields = []string{rules.KeyFieldService, rules.KeyFieldRuleID}

	f := newFixture(t, ruleA, ruleB)

	first := seedDetection(t, f, "det-1", "sig-1", contracts.SeveritySEV2, windowBase.Add(-5*time.Minute))
	_, err := f.generator.OnDetection(ctx, first)
	require.NoError(t, err)

	trigger := seedDetection(t, f, "det-2", "sig-2", contracts.SeveritySEV1, windowBase)
	results, err := f.generator.OnDetection(ctx, trigger)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.NotEqual(t, results[0].Candidate.CandidateID, results[1].Candidate.CandidateID,
		"same detections under different rules and key fields stay distinct")
	assert.NotEqual(t, results[0].Candidate.CorrelationKey, results[1].Candidate.CorrelationKey)
}

func TestOnDetection_RejectsNoMatchTrigger(t *testing.T) {
	f := newFixture(t, corrRule())
	_, err := f.generator.OnDetection(context.Background(), contracts.Detection{Decision: contracts.DecisionNoMatch})
	assert.True(t, contracts.IsKind(err, contracts.KindValidation))
}
