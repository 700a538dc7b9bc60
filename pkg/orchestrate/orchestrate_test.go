package orchestrate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opx-platform/opx-core/pkg/bus"
	"github.com/opx-platform/opx-core/pkg/config"
	"github.com/opx-platform/opx-core/pkg/contracts"
	"github.com/opx-platform/opx-core/pkg/correlate"
	"github.com/opx-platform/opx-core/pkg/idempotency"
	"github.com/opx-platform/opx-core/pkg/incident"
	"github.com/opx-platform/opx-core/pkg/promote"
	"github.com/opx-platform/opx-core/pkg/rules"
	"github.com/opx-platform/opx-core/pkg/storage"
)

var attemptAt = time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC)

func testPolicy() *rules.PromotionPolicy {
	return &rules.PromotionPolicy{
		PolicyID:      "default-promotion",
		PolicyVersion: "1.0.0",
		Eligibility: rules.Eligibility{
			MinConfidence: 0.6,
			MinDetections: 2,
			MaxAgeMinutes: 60,
		},
		AuthorityRestrictions: rules.AuthorityRestrictions{
			AllowedAuthorities: []contracts.AuthorityType{
				contracts.AuthorityAutoEngine,
				contracts.AuthorityOnCallSRE,
			},
		},
	}
}

func testCandidate() contracts.Candidate {
	return contracts.Candidate{
		CandidateID:            "cand-1",
		CorrelationKey:         "key-1",
		CorrelationRuleID:      "payments-burst",
		CorrelationRuleVersion: "1.0.0",
		DetectionIDs:           []string{"det-1", "det-2"},
		PrimaryDetectionID:     "det-2",
		SuggestedSeverity:      contracts.SeveritySEV2,
		SuggestedService:       "payments-api",
		Confidence:             contracts.ConfidenceHigh,
		ConfidenceScore:        0.8,
		EvidenceGraphID:        "graph-1",
		WindowStart:            attemptAt.Add(-25 * time.Minute),
		WindowEnd:              attemptAt.Add(-10 * time.Minute),
		CreatedAt:              attemptAt.Add(-10 * time.Minute),
	}
}

type fixture struct {
	orch       *Orchestrator
	incidents  *incident.Manager
	candidates *correlate.Store
	automation *config.AutomationStore
	kv         storage.KV
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	kv := storage.NewMemoryStore()
	candidates := correlate.NewStore(kv)
	decisions := promote.NewStore(kv)
	incidents := incident.NewManager(incident.NewStore(kv), bus.NewMemoryBus(), nil, nil)
	catalog := rules.NewStaticCatalog(nil, nil, []*rules.PromotionPolicy{testPolicy()})
	engine := promote.NewEngine(catalog, candidates, decisions, incidents, nil, nil, nil)
	automation := config.NewAutomationStore(kv)
	orch := NewOrchestrator(engine, decisions, candidates, incidents,
		idempotency.NewService(kv), automation, kv, nil)

	_, err := candidates.PutCandidate(context.Background(), testCandidate())
	require.NoError(t, err)
	return &fixture{orch: orch, incidents: incidents, candidates: candidates, automation: automation, kv: kv}
}

func attemptRequest(authority contracts.Authority) Request {
	return Request{Promotion: promote.Request{
		CandidateID:   "cand-1",
		PolicyID:      "default-promotion",
		PolicyVersion: "1.0.0",
		Authority:     authority,
	}}
}

func TestProcessCandidate_PromoteOpensIncident(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.orch.ProcessCandidate(ctx,
		attemptRequest(contracts.Authority{ID: "auto-1", Type: contracts.AuthorityAutoEngine}), attemptAt)
	require.NoError(t, err)

	assert.Equal(t, contracts.PromotionPromote, res.Decision.Decision)
	assert.NotEmpty(t, res.IdempotencyKey)
	require.NotNil(t, res.Incident)
	assert.Equal(t, contracts.StateOpen, res.Incident.State)
	assert.Equal(t, "payments-api", res.Incident.Service)

	stored, err := f.incidents.Get(ctx, res.Incident.IncidentID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StateOpen, stored.State)
}

func TestProcessCandidate_RepeatedAttemptsConverge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := attemptRequest(contracts.Authority{ID: "auto-1", Type: contracts.AuthorityAutoEngine})

	first, err := f.orch.ProcessCandidate(ctx, req, attemptAt)
	require.NoError(t, err)
	require.NotNil(t, first.Incident)

	// Identical attempts land on the same decision and the same incident,
	// and replay from the completed record.
	for i := 0; i < 4; i++ {
		again, err := f.orch.ProcessCandidate(ctx, req, attemptAt)
		require.NoError(t, err)
		assert.True(t, again.Replayed)
		assert.Equal(t, first.Decision.DecisionID, again.Decision.DecisionID)
		require.NotNil(t, again.Incident)
		assert.Equal(t, first.Incident.IncidentID, again.Incident.IncidentID)
	}

	all, err := incident.NewStore(f.kv).GetByService(ctx, "payments-api")
	require.NoError(t, err)
	assert.Len(t, all, 1, "the store holds a single incident")
}

func TestProcessCandidate_ConcurrentAttemptsConverge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := attemptRequest(contracts.Authority{ID: "auto-1", Type: contracts.AuthorityAutoEngine})

	const attempts = 5
	results := make([]Result, attempts)
	errs := make([]error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.orch.ProcessCandidate(ctx, req, attemptAt)
		}(i)
	}
	wg.Wait()

	for i := 0; i < attempts; i++ {
		require.NoError(t, errs[i], "attempt %d", i)
		require.NotNil(t, results[i].Incident, "attempt %d", i)
		assert.Equal(t, results[0].Decision.DecisionID, results[i].Decision.DecisionID)
		assert.Equal(t, results[0].Incident.IncidentID, results[i].Incident.IncidentID)
	}

	all, err := incident.NewStore(f.kv).GetByService(ctx, "payments-api")
	require.NoError(t, err)
	require.Len(t, all, 1, "concurrent attempts land on one incident")
	assert.Equal(t, contracts.StateOpen, all[0].State)

	dec, err := promote.NewStore(f.kv).GetDecision(ctx, results[0].Decision.DecisionID)
	require.NoError(t, err)
	assert.Equal(t, contracts.PromotionPromote, dec.Decision)
}

func TestProcessCandidate_KillSwitchBlocksAutomation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.automation.Set(ctx, config.AutomationConfig{
		KillSwitchEngaged: true,
		Reason:            "bad rule deploy",
		UpdatedAt:         attemptAt,
	}))

	_, err := f.orch.ProcessCandidate(ctx,
		attemptRequest(contracts.Authority{ID: "auto-1", Type: contracts.AuthorityAutoEngine}), attemptAt)
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.KindFailClosed))

	// Human authorities are unaffected by the automation switch.
	res, err := f.orch.ProcessCandidate(ctx,
		attemptRequest(contracts.Authority{ID: "sre-7", Type: contracts.AuthorityOnCallSRE}), attemptAt)
	require.NoError(t, err)
	assert.Equal(t, contracts.PromotionPromote, res.Decision.Decision)
}

func TestProcessCandidate_RejectCreatesNoIncident(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	weak := testCandidate()
	weak.CandidateID = "cand-weak"
	weak.ConfidenceScore = 0.2
	_, err := f.candidates.PutCandidate(ctx, weak)
	require.NoError(t, err)

	req := attemptRequest(contracts.Authority{ID: "auto-1", Type: contracts.AuthorityAutoEngine})
	req.Promotion.CandidateID = "cand-weak"
	res, err := f.orch.ProcessCandidate(ctx, req, attemptAt)
	require.NoError(t, err)

	assert.Equal(t, contracts.PromotionReject, res.Decision.Decision)
	assert.Nil(t, res.Incident)
	all, err := incident.NewStore(f.kv).GetByService(ctx, "payments-api")
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestProcessCandidate_ClientKeyReplays(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := attemptRequest(contracts.Authority{ID: "sre-7", Type: contracts.AuthorityOnCallSRE})
	req.ClientKey = "client-chosen-key"

	first, err := f.orch.ProcessCandidate(ctx, req, attemptAt)
	require.NoError(t, err)
	assert.Equal(t, "client-chosen-key", first.IdempotencyKey)

	again, err := f.orch.ProcessCandidate(ctx, req, attemptAt.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.Decision.DecisionID, again.Decision.DecisionID)
}
