// Package rules loads and serves the immutable versioned rule catalogs:
// detection rules, correlation rules, and promotion policies. Catalogs are
// loaded once at startup, validated fail-fast, and never mutated afterwards.
package rules

import (
	"github.com/opx-platform/opx-core/pkg/contracts"
)

// Kind discriminates catalog documents.
type Kind string

const (
	KindDetection   Kind = "detection"
	KindCorrelation Kind = "correlation"
	KindPolicy      Kind = "policy"
)

// SignalMatcher gates rule applicability. All specified dimensions are joined
// by AND; values within a dimension by OR. An empty dimension matches all.
type SignalMatcher struct {
	SignalTypes []string               `yaml:"signalTypes" json:"signalTypes,omitempty"`
	Sources     []string               `yaml:"sources" json:"sources,omitempty"`
	Severities  []contracts.Severity   `yaml:"severities" json:"severities,omitempty"`
	Confidences []contracts.Confidence `yaml:"confidences" json:"confidences,omitempty"`
}

// Condition is one ordered check against a signal field.
type Condition struct {
	Field    string `yaml:"field" json:"field"`
	Operator string `yaml:"operator" json:"operator"`
	Expected any    `yaml:"expected" json:"expected,omitempty"`
}

// DetectionRule grades a single signal.
type DetectionRule struct {
	RuleID           string               `yaml:"ruleId" json:"ruleId"`
	RuleVersion      string               `yaml:"ruleVersion" json:"ruleVersion"`
	Matcher          SignalMatcher        `yaml:"signalMatcher" json:"signalMatcher"`
	Conditions       []Condition          `yaml:"conditions" json:"conditions"`
	OutputSeverity   contracts.Severity   `yaml:"outputSeverity" json:"outputSeverity"`
	OutputConfidence contracts.Confidence `yaml:"outputConfidence" json:"outputConfidence"`
}

// CorrelationMatcher filters which detections may join a window.
type CorrelationMatcher struct {
	SameService bool                 `yaml:"sameService" json:"sameService"`
	SameSource  bool                 `yaml:"sameSource" json:"sameSource"`
	SameRuleID  bool                 `yaml:"sameRuleId" json:"sameRuleId"`
	SignalTypes []string             `yaml:"signalTypes" json:"signalTypes,omitempty"`
	Severities  []contracts.Severity `yaml:"severities" json:"severities,omitempty"`
}

// ConfidenceBoost holds the rule's additive confidence weights.
type ConfidenceBoost struct {
	// MultipleDetections is added when the candidate has more than one
	// detection.
	MultipleDetections float64 `yaml:"multipleDetections" json:"multipleDetections"`
	// MaxSeverityAtLeast is added when the candidate's highest severity is at
	// least SeverityThreshold.
	MaxSeverityAtLeast float64            `yaml:"maxSeverityAtLeast" json:"maxSeverityAtLeast"`
	SeverityThreshold  contracts.Severity `yaml:"severityThreshold" json:"severityThreshold"`
}

// CorrelationRule groups detections in a time window into candidates.
type CorrelationRule struct {
	RuleID           string             `yaml:"ruleId" json:"ruleId"`
	RuleVersion      string             `yaml:"ruleVersion" json:"ruleVersion"`
	Enabled          bool               `yaml:"enabled" json:"enabled"`
	Matcher          CorrelationMatcher `yaml:"matcher" json:"matcher"`
	WindowMinutes    int                `yaml:"windowMinutes" json:"windowMinutes"`
	WindowTruncation string             `yaml:"windowTruncation" json:"windowTruncation"`
	MinDetections    int                `yaml:"minDetections" json:"minDetections"`
	MaxDetections    int                `yaml:"maxDetections" json:"maxDetections"`
	KeyFields        []string           `yaml:"keyFields" json:"keyFields"`
	PrimarySelection string             `yaml:"primarySelection" json:"primarySelection"`
	ConfidenceBoost  ConfidenceBoost    `yaml:"confidenceBoost" json:"confidenceBoost"`
}

// Key field names a correlation rule may declare.
const (
	KeyFieldService         = "service"
	KeyFieldSource          = "source"
	KeyFieldRuleID          = "ruleId"
	KeyFieldWindowTruncated = "windowTruncated"
)

// PrimarySelectionDefault is the only supported tiebreaker chain.
const PrimarySelectionDefault = "HIGHEST_SEVERITY_THEN_EARLIEST_THEN_LEXICAL"

// Window truncation boundaries.
const (
	TruncationMinute = "minute"
	TruncationHour   = "hour"
)

// Eligibility gates a candidate before policy conditions run.
type Eligibility struct {
	MinConfidence     float64              `yaml:"minConfidence" json:"minConfidence"`
	AllowedSeverities []contracts.Severity `yaml:"allowedSeverities" json:"allowedSeverities"`
	MinDetections     int                  `yaml:"minDetections" json:"minDetections"`
	MaxAgeMinutes     int                  `yaml:"maxAgeMinutes" json:"maxAgeMinutes"`
}

// AuthorityRestrictions limits who may request promotion.
type AuthorityRestrictions struct {
	AllowedAuthorities []contracts.AuthorityType `yaml:"allowedAuthorities" json:"allowedAuthorities"`
}

// PolicyCondition is a named deterministic CEL expression evaluated against
// the promotion inputs. A condition that evaluates true triggers its stage
// (deferral or rejection).
type PolicyCondition struct {
	Name       string `yaml:"name" json:"name"`
	Expression string `yaml:"expression" json:"expression"`
}

// PromotionPolicy is the versioned decision policy of the promotion engine.
type PromotionPolicy struct {
	PolicyID              string                `yaml:"policyId" json:"policyId"`
	PolicyVersion         string                `yaml:"policyVersion" json:"policyVersion"`
	Eligibility           Eligibility           `yaml:"eligibility" json:"eligibility"`
	AuthorityRestrictions AuthorityRestrictions `yaml:"authorityRestrictions" json:"authorityRestrictions"`
	DeferralConditions    []PolicyCondition     `yaml:"deferralConditions" json:"deferralConditions"`
	RejectionConditions   []PolicyCondition     `yaml:"rejectionConditions" json:"rejectionConditions"`
	CooldownMinutes       int                   `yaml:"cooldownMinutes" json:"cooldownMinutes"`
}
