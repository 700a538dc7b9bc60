package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opx-platform/opx-core/pkg/bus"
	"github.com/opx-platform/opx-core/pkg/config"
	"github.com/opx-platform/opx-core/pkg/contracts"
	"github.com/opx-platform/opx-core/pkg/correlate"
	"github.com/opx-platform/opx-core/pkg/detect"
	"github.com/opx-platform/opx-core/pkg/evidence"
	"github.com/opx-platform/opx-core/pkg/idempotency"
	"github.com/opx-platform/opx-core/pkg/incident"
	"github.com/opx-platform/opx-core/pkg/orchestrate"
	"github.com/opx-platform/opx-core/pkg/outcome"
	"github.com/opx-platform/opx-core/pkg/promote"
	"github.com/opx-platform/opx-core/pkg/ratelimit"
	"github.com/opx-platform/opx-core/pkg/rules"
	"github.com/opx-platform/opx-core/pkg/storage"
)

const testSecret = "unit-test-secret"

var apiNow = time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC)

func signToken(t *testing.T, id string, authorityType contracts.AuthorityType) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		AuthorityType: string(authorityType),
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func testRules() *rules.Catalog {
	detection := &rules.DetectionRule{
		RuleID:      "lambda-error-rate",
		RuleVersion: "1.0.0",
		Matcher: rules.SignalMatcher{
			SignalTypes: []string{"metric_alarm"},
		},
		OutputSeverity:   contracts.SeveritySEV2,
		OutputConfidence: contracts.ConfidenceHigh,
	}
	policy := &rules.PromotionPolicy{
		PolicyID:      "default-promotion",
		PolicyVersion: "1.0.0",
		Eligibility: rules.Eligibility{
			MinConfidence: 0.5,
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
	return rules.NewStaticCatalog([]*rules.DetectionRule{detection}, nil, []*rules.PromotionPolicy{policy})
}

type apiFixture struct {
	server     *httptest.Server
	candidates *correlate.Store
	incidents  *incident.Manager
}

func newAPIFixture(t *testing.T, limiter ratelimit.Limiter) *apiFixture {
	t.Helper()
	kv := storage.NewMemoryStore()
	catalog := testRules()
	memBus := bus.NewMemoryBus()

	detectStore := detect.NewKVStore(kv)
	detections := detect.NewService(catalog, detectStore, detectStore, memBus, nil, nil)

	candidates := correlate.NewStore(kv)
	decisions := promote.NewStore(kv)
	incidents := incident.NewManager(incident.NewStore(kv), memBus, nil, nil)
	engine := promote.NewEngine(catalog, candidates, decisions, incidents, memBus, nil, nil)
	automation := config.NewAutomationStore(kv)
	idem := idempotency.NewService(kv)
	orch := orchestrate.NewOrchestrator(engine, decisions, candidates, incidents, idem, automation, kv, nil)

	evidences := evidence.NewStore(kv)
	learning := outcome.NewStore(kv)
	recorder := outcome.NewRecorder(learning, incident.NewStore(kv), candidates,
		evidences, memBus, nil)

	srv := NewServer(detections, orch, incidents, evidences, recorder, learning,
		automation, idem, NewJWTVerifier(testSecret), limiter, nil, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	_, err := candidates.PutCandidate(context.Background(), contracts.Candidate{
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
		CreatedAt:              apiNow.Add(-10 * time.Minute),
	})
	require.NoError(t, err)

	return &apiFixture{server: ts, candidates: candidates, incidents: incidents}
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body any, headers map[string]string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.server.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeResp[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestAuth_Required(t *testing.T) {
	f := newAPIFixture(t, nil)

	resp := f.do(t, http.MethodGet, "/v1/incidents?service=payments-api", "", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	problem := decodeResp[ProblemDetail](t, resp)
	assert.Equal(t, http.StatusUnauthorized, problem.Status)

	resp = f.do(t, http.MethodGet, "/healthz", "", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestIngestSignal_ReplaysOnDuplicate(t *testing.T) {
	f := newAPIFixture(t, nil)
	token := signToken(t, "collector-1", contracts.AuthorityAutoEngine)

	body := map[string]any{
		"signal": contracts.Signal{
			NormalizedSignalID:   "sig-1",
			SourceSignalID:       "arn:alarm-1",
			SignalType:           "metric_alarm",
			Source:               "payments-api",
			Severity:             contracts.SeveritySEV2,
			Confidence:           contracts.ConfidenceHigh,
			Timestamp:            apiNow,
			NormalizationVersion: "1.0.0",
		},
	}

	resp := f.do(t, http.MethodPost, "/v1/signals", token, body, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Idempotency-Replayed"))
	first := decodeResp[map[string]any](t, resp)
	require.Len(t, first["results"], 1)

	resp = f.do(t, http.MethodPost, "/v1/signals", token, body, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "true", resp.Header.Get("Idempotency-Replayed"))
	resp.Body.Close()
}

func TestPromotionLifecycleOverHTTP(t *testing.T) {
	f := newAPIFixture(t, nil)
	sre := signToken(t, "sre-7", contracts.AuthorityOnCallSRE)

	promoteBody := map[string]any{
		"candidateId":   "cand-1",
		"policyId":      "default-promotion",
		"policyVersion": "1.0.0",
		"currentTime":   apiNow,
	}
	resp := f.do(t, http.MethodPost, "/v1/promotions", sre, promoteBody, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := decodeResp[orchestrate.Result](t, resp)
	assert.Equal(t, contracts.PromotionPromote, res.Decision.Decision)
	require.NotNil(t, res.Incident)
	assert.Equal(t, contracts.StateOpen, res.Incident.State)
	incidentID := res.Incident.IncidentID

	// Acknowledge over HTTP.
	resp = f.do(t, http.MethodPost, "/v1/incidents/"+incidentID+"/transitions", sre, map[string]any{
		"action":     "ACKNOWLEDGE",
		"occurredAt": apiNow.Add(5 * time.Minute),
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	inc := decodeResp[contracts.Incident](t, resp)
	assert.Equal(t, contracts.StateAcknowledged, inc.State)

	// An illegal transition maps to 409.
	resp = f.do(t, http.MethodPost, "/v1/incidents/"+incidentID+"/transitions", sre, map[string]any{
		"action":     "CLOSE",
		"occurredAt": apiNow.Add(6 * time.Minute),
	}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	problem := decodeResp[ProblemDetail](t, resp)
	assert.Equal(t, contracts.CodeIllegalTransition, problem.Code)

	// Reads.
	resp = f.do(t, http.MethodGet, "/v1/incidents/"+incidentID+"/events", sre, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	events := decodeResp[map[string][]contracts.IncidentEvent](t, resp)
	assert.Len(t, events["events"], 2)

	resp = f.do(t, http.MethodGet, "/v1/incidents/"+incidentID+"/verify-chain", sre, nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestFindSimilar_RequiresSignature(t *testing.T) {
	f := newAPIFixture(t, nil)
	sre := signToken(t, "sre-7", contracts.AuthorityOnCallSRE)

	resp := f.do(t, http.MethodGet, "/v1/incidents?service=payments-api", sre, nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	problem := decodeResp[ProblemDetail](t, resp)
	assert.Equal(t, http.StatusBadRequest, problem.Status)

	// Promote so an open incident carries the signature; similarity only
	// surfaces closed incidents.
	resp = f.do(t, http.MethodPost, "/v1/promotions", sre, map[string]any{
		"candidateId":   "cand-1",
		"policyId":      "default-promotion",
		"policyVersion": "1.0.0",
		"currentTime":   apiNow,
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = f.do(t, http.MethodGet, "/v1/incidents?signatureHash=key-1", sre, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decodeResp[map[string][]contracts.Incident](t, resp)
	assert.Empty(t, out["incidents"], "open incidents never match a similarity lookup")
}

func TestGetStoredSummary_NotFound(t *testing.T) {
	f := newAPIFixture(t, nil)
	sre := signToken(t, "sre-7", contracts.AuthorityOnCallSRE)

	resp := f.do(t, http.MethodGet, "/v1/summaries/does-not-exist", sre, nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	problem := decodeResp[ProblemDetail](t, resp)
	assert.Equal(t, contracts.CodeNotFound, problem.Code)
}

func TestGetIncident_NotFoundProblem(t *testing.T) {
	f := newAPIFixture(t, nil)
	token := signToken(t, "sre-7", contracts.AuthorityOnCallSRE)

	resp := f.do(t, http.MethodGet, "/v1/incidents/does-not-exist", token, nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))
	problem := decodeResp[ProblemDetail](t, resp)
	assert.Equal(t, contracts.CodeNotFound, problem.Code)
	assert.Equal(t, "/v1/incidents/does-not-exist", problem.Instance)
}

func TestRateLimit_429WithRetryAfter(t *testing.T) {
	f := newAPIFixture(t, ratelimit.NewLocal(1, 1))
	token := signToken(t, "auto-1", contracts.AuthorityAutoEngine)

	body := map[string]any{
		"candidateId":   "cand-1",
		"policyId":      "default-promotion",
		"policyVersion": "1.0.0",
		"currentTime":   apiNow,
	}
	resp := f.do(t, http.MethodPost, "/v1/promotions", token, body, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = f.do(t, http.MethodPost, "/v1/promotions", token, body, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	resp.Body.Close()
}

func TestAutomationEndpoint(t *testing.T) {
	f := newAPIFixture(t, nil)
	auto := signToken(t, "auto-1", contracts.AuthorityAutoEngine)
	operator := signToken(t, "op-1", contracts.AuthorityHumanOperator)

	// The automation switch is human-only.
	resp := f.do(t, http.MethodPut, "/v1/automation", auto,
		map[string]any{"killSwitchEngaged": true}, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	resp = f.do(t, http.MethodPut, "/v1/automation", operator,
		map[string]any{"killSwitchEngaged": true, "reason": "bad rule deploy"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = f.do(t, http.MethodGet, "/v1/automation", operator, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cfg := decodeResp[config.AutomationConfig](t, resp)
	assert.True(t, cfg.KillSwitchEngaged)
	assert.Equal(t, "op-1", cfg.UpdatedBy)

	// An automated promotion now fails closed with 503.
	resp = f.do(t, http.MethodPost, "/v1/promotions", auto, map[string]any{
		"candidateId":   "cand-1",
		"policyId":      "default-promotion",
		"policyVersion": "1.0.0",
		"currentTime":   apiNow,
	}, nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	problem := decodeResp[ProblemDetail](t, resp)
	assert.Equal(t, contracts.CodeKillSwitchEngaged, problem.Code)
}
