package correlate

import (
	"fmt"

	"github.com/opx-platform/opx-core/pkg/contracts"
	"github.com/opx-platform/opx-core/pkg/rules"
)

// baseConfidence is the starting score before rule boosts.
const baseConfidence = 0.5

// ScoreConfidence applies the rule's boost weights to the base score and
// clamps to [0, 1]. The returned factors name every applied boost so the
// candidate records how its band was reached.
func ScoreConfidence(rule *rules.CorrelationRule, dets []contracts.Detection) (float64, []string) {
	score := baseConfidence
	factors := []string{fmt.Sprintf("base=%.2f", baseConfidence)}

	boost := rule.ConfidenceBoost
	if boost.MultipleDetections != 0 && len(dets) > 1 {
		score += boost.MultipleDetections
		factors = append(factors, fmt.Sprintf("multipleDetections=%+.2f", boost.MultipleDetections))
	}
	if boost.MaxSeverityAtLeast != 0 && boost.SeverityThreshold.Valid() {
		if maxSeverity(dets).Rank() <= boost.SeverityThreshold.Rank() {
			score += boost.MaxSeverityAtLeast
			factors = append(factors, fmt.Sprintf("maxSeverityAtLeast(%s)=%+.2f",
				boost.SeverityThreshold, boost.MaxSeverityAtLeast))
		}
	}

	if score > 1.0 {
		score = 1.0
	}
	if score < 0.0 {
		score = 0.0
	}
	return score, factors
}

// maxSeverity returns the most severe severity in the set.
func maxSeverity(dets []contracts.Detection) contracts.Severity {
	best := contracts.SeveritySEV5
	for _, d := range dets {
		if d.Severity.Rank() < best.Rank() {
			best = d.Severity
		}
	}
	return best
}
