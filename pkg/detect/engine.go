// Package detect evaluates normalized signals against versioned detection
// rules and persists the resulting detections idempotently.
package detect

import (
	"encoding/json"
	"fmt"

	"github.com/opx-platform/opx-core/pkg/canonical"
	"github.com/opx-platform/opx-core/pkg/contracts"
	"github.com/opx-platform/opx-core/pkg/rules"
)

// DetectionVersion stamps the detection record schema.
const DetectionVersion = "1.0.0"

// Engine evaluates signals against detection rules. It is stateless; all
// inputs arrive per call.
type Engine struct{}

// NewEngine creates a detection engine.
func NewEngine() *Engine { return &Engine{} }

// Evaluate grades one signal against one rule. A failed matcher or condition
// yields a NO_MATCH detection carrying the trace up to the failing step;
// identity is only derived for matches.
func (e *Engine) Evaluate(signal *contracts.Signal, rule *rules.DetectionRule) (contracts.Detection, error) {
	if !MatcherApplies(&rule.Matcher, signal) {
		return contracts.Detection{Decision: contracts.DecisionNoMatch}, nil
	}

	view, err := signalView(signal)
	if err != nil {
		return contracts.Detection{}, fmt.Errorf("detect: signal view: %w", err)
	}

	trace := make([]contracts.ConditionEvaluation, 0, len(rule.Conditions))
	for _, cond := range rule.Conditions {
		actual, present := Lookup(view, cond.Field)
		result := evalOperator(cond.Operator, actual, present, cond.Expected)
		step := contracts.ConditionEvaluation{
			Field:    cond.Field,
			Operator: cond.Operator,
			Expected: cond.Expected,
			Result:   result,
		}
		if present {
			step.Actual = actual
		}
		trace = append(trace, step)
		if !result {
			return contracts.Detection{
				Decision:        contracts.DecisionNoMatch,
				EvaluationTrace: trace,
			}, nil
		}
	}

	return contracts.Detection{
		DetectionID:        canonical.ComputeDetectionID(rule.RuleID, rule.RuleVersion, signal.NormalizedSignalID),
		RuleID:             rule.RuleID,
		RuleVersion:        rule.RuleVersion,
		NormalizedSignalID: signal.NormalizedSignalID,
		SignalTimestamp:    signal.Timestamp,
		Decision:           contracts.DecisionMatch,
		Severity:           rule.OutputSeverity,
		Confidence:         rule.OutputConfidence,
		Service:            signal.Source,
		EvaluationTrace:    trace,
		DetectionVersion:   DetectionVersion,
	}, nil
}

// MatcherApplies evaluates the full signal matcher: AND across dimensions,
// OR within a dimension, empty dimension matches all.
func MatcherApplies(m *rules.SignalMatcher, signal *contracts.Signal) bool {
	if len(m.SignalTypes) > 0 && !containsString(m.SignalTypes, signal.SignalType) {
		return false
	}
	if len(m.Sources) > 0 && !containsString(m.Sources, signal.Source) {
		return false
	}
	if len(m.Severities) > 0 && !containsSeverity(m.Severities, signal.Severity) {
		return false
	}
	if len(m.Confidences) > 0 && !containsConfidence(m.Confidences, signal.Confidence) {
		return false
	}
	return true
}

// signalView renders the signal as the generic JSON value model the field
// accessor walks. Condition paths therefore use wire-level field names.
func signalView(signal *contracts.Signal) (any, error) {
	raw, err := json.Marshal(signal)
	if err != nil {
		return nil, err
	}
	var view any
	if err := json.Unmarshal(raw, &view); err != nil {
		return nil, err
	}
	return view, nil
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func containsSeverity(list []contracts.Severity, v contracts.Severity) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func containsConfidence(list []contracts.Confidence, v contracts.Confidence) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
