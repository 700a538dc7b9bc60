// Package contracts defines the shared domain records of the opx-core
// incident pipeline. Every record that carries an identity hash lives here;
// identity is derived from content only (see pkg/canonical), never from the
// wall clock or randomness.
package contracts

import "time"

// Severity ranks operational impact. SEV1 is the most severe.
type Severity string

const (
	SeveritySEV1 Severity = "SEV1"
	SeveritySEV2 Severity = "SEV2"
	SeveritySEV3 Severity = "SEV3"
	SeveritySEV4 Severity = "SEV4"
	SeveritySEV5 Severity = "SEV5"
)

// Rank returns the numeric rank of a severity, 1 being the most severe.
// Unknown severities rank below SEV5.
func (s Severity) Rank() int {
	switch s {
	case SeveritySEV1:
		return 1
	case SeveritySEV2:
		return 2
	case SeveritySEV3:
		return 3
	case SeveritySEV4:
		return 4
	case SeveritySEV5:
		return 5
	default:
		return 6
	}
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool { return s.Rank() <= 5 }

// Confidence is a coarse confidence band.
type Confidence string

const (
	ConfidenceLow        Confidence = "LOW"
	ConfidenceMedium     Confidence = "MEDIUM"
	ConfidenceHigh       Confidence = "HIGH"
	ConfidenceDefinitive Confidence = "DEFINITIVE"
)

// ConfidenceFromScore maps a [0,1] score onto a band.
func ConfidenceFromScore(score float64) Confidence {
	switch {
	case score >= 0.9:
		return ConfidenceDefinitive
	case score >= 0.7:
		return ConfidenceHigh
	case score >= 0.4:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// AuthorityType classifies the principal performing an action.
type AuthorityType string

const (
	AuthorityAutoEngine        AuthorityType = "AUTO_ENGINE"
	AuthorityHumanOperator     AuthorityType = "HUMAN_OPERATOR"
	AuthorityOnCallSRE         AuthorityType = "ON_CALL_SRE"
	AuthorityEmergencyOverride AuthorityType = "EMERGENCY_OVERRIDE"
)

// Human reports whether the authority type is a human principal.
func (a AuthorityType) Human() bool {
	return a == AuthorityHumanOperator || a == AuthorityOnCallSRE || a == AuthorityEmergencyOverride
}

// Valid reports whether a is a known authority type.
func (a AuthorityType) Valid() bool {
	switch a {
	case AuthorityAutoEngine, AuthorityHumanOperator, AuthorityOnCallSRE, AuthorityEmergencyOverride:
		return true
	}
	return false
}

// Authority identifies the principal behind a request.
type Authority struct {
	ID   string        `json:"authorityId"`
	Type AuthorityType `json:"authorityType"`
	// Justification is required for EMERGENCY_OVERRIDE requests.
	Justification string `json:"justification,omitempty"`
}

// ResourceRef points at an affected resource.
type ResourceRef struct {
	RefType  string `json:"refType"`
	RefValue string `json:"refValue"`
}

// Signal is a normalized observation from an external monitoring source.
// The core consumes signals; it never mutates them.
type Signal struct {
	NormalizedSignalID   string         `json:"normalizedSignalId"`
	SourceSignalID       string         `json:"sourceSignalId"`
	SignalType           string         `json:"signalType"`
	Source               string         `json:"source"`
	Severity             Severity       `json:"severity"`
	Confidence           Confidence     `json:"confidence"`
	Timestamp            time.Time      `json:"timestamp"`
	ResourceRefs         []ResourceRef  `json:"resourceRefs,omitempty"`
	EnvironmentRefs      []string       `json:"environmentRefs,omitempty"`
	EvidenceRefs         []string       `json:"evidenceRefs,omitempty"`
	NormalizationVersion string         `json:"normalizationVersion"`
	Payload              map[string]any `json:"payload,omitempty"`
}

// DetectionDecision is the outcome of evaluating a rule against a signal.
type DetectionDecision string

const (
	DecisionMatch   DetectionDecision = "MATCH"
	DecisionNoMatch DetectionDecision = "NO_MATCH"
)

// ConditionEvaluation is one step of a detection evaluation trace.
type ConditionEvaluation struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Expected any    `json:"expected"`
	Actual   any    `json:"actual,omitempty"`
	Result   bool   `json:"result"`
}

// Detection is a rule-graded signal, the smallest evidence unit. The result
// body excludes non-deterministic metadata; hash comparisons use only the
// result.
type Detection struct {
	DetectionID        string                `json:"detectionId"`
	RuleID             string                `json:"ruleId"`
	RuleVersion        string                `json:"ruleVersion"`
	NormalizedSignalID string                `json:"normalizedSignalId"`
	SignalTimestamp    time.Time             `json:"signalTimestamp"`
	Decision           DetectionDecision     `json:"decision"`
	Severity           Severity              `json:"severity"`
	Confidence         Confidence            `json:"confidence"`
	Service            string                `json:"service"`
	EvaluationTrace    []ConditionEvaluation `json:"evaluationTrace"`
	DetectionVersion   string                `json:"detectionVersion"`
}

// DetectionMetadata holds the non-deterministic companion record of a
// detection. It is stored separately and never hashed.
type DetectionMetadata struct {
	DetectionID string    `json:"detectionId"`
	DetectedAt  time.Time `json:"detectedAt"`
}

// GraphNode is a detection node in an evidence graph.
type GraphNode struct {
	DetectionID string `json:"detectionId"`
	SignalID    string `json:"signalId"`
}

// GraphEdge links two detections that share a signal.
type GraphEdge struct {
	From     string `json:"from"`
	To       string `json:"to"`
	SignalID string `json:"signalId"`
}

// EvidenceGraph is a content-addressed collection of detections and the
// signals they reference. Ownership is by reference only.
type EvidenceGraph struct {
	GraphID      string      `json:"graphId"`
	DetectionIDs []string    `json:"detectionIds"`
	SignalIDs    []string    `json:"signalIds"`
	Nodes        []GraphNode `json:"nodes"`
	Edges        []GraphEdge `json:"edges"`
}

// SignalSummary is the rolled-up, LLM-safe view of a bundle's signals.
type SignalSummary struct {
	DetectionCount    int              `json:"detectionCount"`
	SignalCount       int              `json:"signalCount"`
	SeverityHistogram map[Severity]int `json:"severityHistogram"`
	EarliestObserved  time.Time        `json:"earliestObserved"`
	LatestObserved    time.Time        `json:"latestObserved"`
	UniqueRules       []string         `json:"uniqueRules"`
}

// EvidenceBundle wraps an evidence graph with its summary. BundledAt is the
// only timestamp the bundle exposes downstream; the promotion gate uses it as
// its evaluatedAt to keep replay stable.
type EvidenceBundle struct {
	Graph     EvidenceGraph `json:"graph"`
	Summary   SignalSummary `json:"summary"`
	BundledAt time.Time     `json:"bundledAt"`
}

// BlastScope classifies the reach of a candidate.
type BlastScope string

const (
	ScopeSingleService  BlastScope = "SINGLE_SERVICE"
	ScopeMultiService   BlastScope = "MULTI_SERVICE"
	ScopeInfrastructure BlastScope = "INFRASTRUCTURE"
)

// BlastRadius estimates candidate impact.
type BlastRadius struct {
	Scope            BlastScope `json:"scope"`
	AffectedServices []string   `json:"affectedServices"`
	EstimatedImpact  string     `json:"estimatedImpact"`
}

// TraceStep is one named step in a generation trace.
type TraceStep struct {
	Step   string `json:"step"`
	Detail string `json:"detail,omitempty"`
}

// Candidate is a correlated group of detections under one correlation rule.
type Candidate struct {
	CandidateID            string             `json:"candidateId"`
	CorrelationKey         string             `json:"correlationKey"`
	CorrelationRuleID      string             `json:"correlationRuleId"`
	CorrelationRuleVersion string             `json:"correlationRuleVersion"`
	DetectionIDs           []string           `json:"detectionIds"`
	PrimaryDetectionID     string             `json:"primaryDetectionId"`
	ResolvedKeyFields      map[string]string  `json:"resolvedKeyFields"`
	SuggestedSeverity      Severity           `json:"suggestedSeverity"`
	SuggestedService       string             `json:"suggestedService"`
	SuggestedTitle         string             `json:"suggestedTitle"`
	Confidence             Confidence         `json:"confidence"`
	ConfidenceScore        float64            `json:"confidenceScore"`
	ConfidenceFactors      []string           `json:"confidenceFactors"`
	BlastRadius            BlastRadius        `json:"blastRadius"`
	EvidenceGraphID        string             `json:"evidenceGraphId"`
	GenerationTrace        []TraceStep        `json:"generationTrace"`
	WindowStart            time.Time          `json:"windowStart"`
	WindowEnd              time.Time          `json:"windowEnd"`
	CreatedAt              time.Time          `json:"createdAt"`
}

// PromotionOutcome is the verdict of the promotion engine.
type PromotionOutcome string

const (
	PromotionPromote PromotionOutcome = "PROMOTE"
	PromotionReject  PromotionOutcome = "REJECT"
	PromotionDefer   PromotionOutcome = "DEFER"
)

// PromotionDecision is the policy-gated verdict on a candidate. DecisionID
// deliberately excludes the authority so identical requests from different
// authorities converge on one decision.
type PromotionDecision struct {
	DecisionID         string           `json:"decisionId"`
	CandidateID        string           `json:"candidateId"`
	PolicyID           string           `json:"policyId"`
	PolicyVersion      string           `json:"policyVersion"`
	RequestContextHash string           `json:"requestContextHash"`
	Decision           PromotionOutcome `json:"decision"`
	Reason             string           `json:"reason"`
	DecisionHash       string           `json:"decisionHash"`
	EvaluationTrace    []TraceStep      `json:"evaluationTrace"`
	// Authority is recorded for audit only; it is not part of the identity.
	Authority Authority `json:"authority"`
	DecidedAt time.Time `json:"decidedAt"`
}

// IncidentState is a state of the incident lifecycle machine.
type IncidentState string

const (
	StatePending      IncidentState = "PENDING"
	StateOpen         IncidentState = "OPEN"
	StateAcknowledged IncidentState = "ACKNOWLEDGED"
	StateMitigated    IncidentState = "MITIGATED"
	StateResolved     IncidentState = "RESOLVED"
	StateClosed       IncidentState = "CLOSED"
)

// Resolution is the metadata block required to resolve an incident.
type Resolution struct {
	ResolutionType string `json:"resolutionType"`
	Description    string `json:"description"`
	ResolvedBy     string `json:"resolvedBy"`
}

// Incident is the event-sourced lifecycle record. IncidentID is derived from
// (service, evidenceId) only, so promotion replays converge.
type Incident struct {
	IncidentID    string        `json:"incidentId"`
	Service       string        `json:"service"`
	EvidenceID    string        `json:"evidenceId"`
	CandidateID   string        `json:"candidateId"`
	DecisionID    string        `json:"decisionId"`
	SignatureHash string        `json:"signatureHash"`
	Title         string        `json:"title"`
	Severity      Severity      `json:"severity"`
	State         IncidentState `json:"state"`
	Resolution    *Resolution   `json:"resolution,omitempty"`

	OpenedAt       *time.Time `json:"openedAt,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledgedAt,omitempty"`
	MitigatedAt    *time.Time `json:"mitigatedAt,omitempty"`
	ResolvedAt     *time.Time `json:"resolvedAt,omitempty"`
	ClosedAt       *time.Time `json:"closedAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`

	// Mutable bookkeeping, excluded from the state hash.
	UpdatedAt time.Time `json:"updatedAt"`
	Version   int64     `json:"version"`
	EventSeq  int64     `json:"eventSeq"`
}

// IncidentAction names a lifecycle transition request.
type IncidentAction string

const (
	ActionOpen        IncidentAction = "OPEN"
	ActionAcknowledge IncidentAction = "ACKNOWLEDGE"
	ActionMitigate    IncidentAction = "MITIGATE"
	ActionResolve     IncidentAction = "RESOLVE"
	ActionClose       IncidentAction = "CLOSE"
	ActionAnnotate    IncidentAction = "ANNOTATE"
)

// IncidentEvent is one appended transition in the incident event log. Each
// event carries the hash of the authoritative state after it applied,
// forming a verifiable chain.
type IncidentEvent struct {
	IncidentID     string         `json:"incidentId"`
	EventSeq       int64          `json:"eventSeq"`
	Action         IncidentAction `json:"action"`
	FromState      IncidentState  `json:"fromState"`
	ToState        IncidentState  `json:"toState"`
	Authority      Authority      `json:"authority"`
	Annotation     string         `json:"annotation,omitempty"`
	Resolution     *Resolution    `json:"resolution,omitempty"`
	OccurredAt     time.Time      `json:"occurredAt"`
	StateHashAfter string         `json:"stateHashAfter"`
}

// OutcomeClassification captures the human verdict on a closed incident.
// Exactly one of TruePositive / FalsePositive must be set.
type OutcomeClassification struct {
	TruePositive   bool   `json:"truePositive"`
	FalsePositive  bool   `json:"falsePositive"`
	RootCause      string `json:"rootCause"`
	ResolutionType string `json:"resolutionType"`
}

// OutcomeTiming carries derived response-time measurements in milliseconds.
type OutcomeTiming struct {
	TimeToDetectMs  int64 `json:"timeToDetectMs"`
	TimeToResolveMs int64 `json:"timeToResolveMs"`
}

// Outcome is the append-only post-closure record feeding the learning loop.
type Outcome struct {
	OutcomeID       string                `json:"outcomeId"`
	IncidentID      string                `json:"incidentId"`
	Classification  OutcomeClassification `json:"classification"`
	Timing          OutcomeTiming         `json:"timing"`
	HumanAssessment string                `json:"humanAssessment"`
	RecordedBy      Authority             `json:"recordedBy"`
	ClosedAt        time.Time             `json:"closedAt"`
}

// RootCauseCount is a root cause with its occurrence count. Percentages are
// deliberately not stored; downstream computes them.
type RootCauseCount struct {
	RootCause string `json:"rootCause"`
	Count     int    `json:"count"`
}

// ResolutionSummary aggregates outcomes for a service over a window.
type ResolutionSummary struct {
	SummaryID          string           `json:"summaryId"`
	Service            string           `json:"service"`
	StartDate          string           `json:"startDate"`
	EndDate            string           `json:"endDate"`
	TotalOutcomes      int              `json:"totalOutcomes"`
	TruePositives      int              `json:"truePositives"`
	FalsePositives     int              `json:"falsePositives"`
	AvgTimeToDetectMs  int64            `json:"avgTimeToDetectMs"`
	AvgTimeToResolveMs int64            `json:"avgTimeToResolveMs"`
	TopRootCauses      []RootCauseCount `json:"topRootCauses"`
	DetectionWarnings  []string         `json:"detectionWarnings"`
}

// CalibrationBin measures one confidence band against observed accuracy.
type CalibrationBin struct {
	Band               Confidence `json:"band"`
	Samples            int        `json:"samples"`
	ExpectedAccuracy   float64    `json:"expectedAccuracy"`
	ObservedAccuracy   float64    `json:"observedAccuracy"`
	Drift              float64    `json:"drift"`
	Overconfident      bool       `json:"overconfident"`
	Underconfident     bool       `json:"underconfident"`
	InsufficientSample bool       `json:"insufficientSample"`
}

// CalibrationReport is the full calibration over historical outcomes.
type CalibrationReport struct {
	CalibrationID string           `json:"calibrationId"`
	Service       string           `json:"service"`
	Bins          []CalibrationBin `json:"bins"`
}

// IdempotencyStatus is the lifecycle of a claimed key.
type IdempotencyStatus string

const (
	IdempotencyInProgress IdempotencyStatus = "IN_PROGRESS"
	IdempotencyCompleted  IdempotencyStatus = "COMPLETED"
)

// IdempotencyRecord is a permanent audit artifact reserving a key. There is
// no TTL and no bypass.
type IdempotencyRecord struct {
	Key         string            `json:"idempotencyKey"`
	Principal   string            `json:"principal"`
	Operation   string            `json:"operation"`
	RequestHash string            `json:"requestHash"`
	Status      IdempotencyStatus `json:"status"`
	Result      map[string]any    `json:"result,omitempty"`
	ClaimedAt   time.Time         `json:"claimedAt"`
	CompletedAt *time.Time        `json:"completedAt,omitempty"`
}

// FormatTimestamp renders a timestamp the way every wire-level and hashed
// representation does: ISO-8601 UTC at millisecond precision.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}
