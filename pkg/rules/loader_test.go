package rules

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const detectionDoc = `kind: detection
ruleId: lambda-error-rate
ruleVersion: 1.0.0
signalMatcher:
  signalTypes: [metric_alarm]
  severities: [SEV1, SEV2, SEV3]
conditions:
  - field: payload.errorRate
    operator: gt
    expected: 0.05
outputSeverity: SEV2
outputConfidence: HIGH
`

const correlationDoc = `kind: correlation
ruleId: same-service-burst
ruleVersion: 1.0.0
enabled: true
matcher:
  sameService: true
windowMinutes: 60
windowTruncation: hour
minDetections: 2
maxDetections: 50
keyFields: [service, windowTruncated]
primarySelection: HIGHEST_SEVERITY_THEN_EARLIEST_THEN_LEXICAL
`

const policyDoc = `kind: policy
policyId: default
policyVersion: 1.0.0
eligibility:
  minConfidence: 0.4
  allowedSeverities: [SEV1, SEV2, SEV3]
  minDetections: 1
  maxAgeMinutes: 120
authorityRestrictions:
  allowedAuthorities: [HUMAN_OPERATOR, ON_CALL_SRE, EMERGENCY_OVERRIDE, AUTO_ENGINE]
cooldownMinutes: 30
`

func writeCatalog(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	return dir
}

func TestLoad_FullCatalog(t *testing.T) {
	dir := writeCatalog(t, map[string]string{
		"lambda-error-rate.v1.0.0.yaml":  detectionDoc,
		"same-service-burst.v1.0.0.yaml": correlationDoc,
		"default.v1.0.0.yaml":            policyDoc,
	})

	cat, err := Load(dir)
	require.NoError(t, err)

	rule, err := cat.DetectionRule("lambda-error-rate", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "lambda-error-rate", rule.RuleID)
	assert.Len(t, rule.Conditions, 1)

	corr, err := cat.CorrelationRule("same-service-burst", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, 60, corr.WindowMinutes)
	assert.Equal(t, TruncationHour, corr.WindowTruncation)

	policy, err := cat.Policy("default", "1.0.0")
	require.NoError(t, err)
	assert.InDelta(t, 0.4, policy.Eligibility.MinConfidence, 1e-9)

	_, err = cat.DetectionRule("lambda-error-rate", "9.9.9")
	assert.ErrorIs(t, err, ErrRuleNotFound)
}

func TestLoad_SignalTypeIndexIsFilterOnly(t *testing.T) {
	dir := writeCatalog(t, map[string]string{
		"lambda-error-rate.v1.0.0.yaml": detectionDoc,
	})
	cat, err := Load(dir)
	require.NoError(t, err)

	assert.Len(t, cat.DetectionRulesForSignalType("metric_alarm"), 1)
	assert.Empty(t, cat.DetectionRulesForSignalType("log_anomaly"))
}

func TestLoad_FailsFastOnSchemaViolation(t *testing.T) {
	dir := writeCatalog(t, map[string]string{
		"bad.v1.0.0.yaml": "kind: detection\nruleId: bad\nruleVersion: 1.0.0\n",
	})
	_, err := Load(dir)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "schema violation")
}

func TestLoad_FilenameIdentityMismatch(t *testing.T) {
	dir := writeCatalog(t, map[string]string{
		"other-name.v1.0.0.yaml": detectionDoc,
	})
	_, err := Load(dir)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "does not match document")
}

func TestLoad_RejectsBadSemverFilename(t *testing.T) {
	dir := writeCatalog(t, map[string]string{
		"lambda-error-rate.vlatest.yaml": detectionDoc,
	})
	_, err := Load(dir)
	assert.Error(t, err)
}

func TestLatestLookups_AreToolingOnly(t *testing.T) {
	v2 := "kind: detection\nruleId: lambda-error-rate\nruleVersion: 2.0.0\n" +
		"signalMatcher: {signalTypes: [metric_alarm]}\n" +
		"conditions: []\noutputSeverity: SEV3\noutputConfidence: MEDIUM\n"
	dir := writeCatalog(t, map[string]string{
		"lambda-error-rate.v1.0.0.yaml": detectionDoc,
		"lambda-error-rate.v2.0.0.yaml": v2,
	})
	cat, err := Load(dir)
	require.NoError(t, err)

	latest, err := cat.LatestDetectionRule("lambda-error-rate")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", latest.RuleVersion)

	// Pinned lookup is unaffected by newer versions.
	pinned, err := cat.DetectionRule("lambda-error-rate", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", pinned.RuleVersion)
}
