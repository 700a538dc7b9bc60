package detect

import (
	"sort"
	"strings"

	"github.com/opx-platform/opx-core/pkg/canonical"
	"github.com/opx-platform/opx-core/pkg/contracts"
	"github.com/opx-platform/opx-core/pkg/rules"
)

// CombineSignals folds several signals matched by the same rule into one
// detection. Preconditions: the set is non-empty and every signal shares
// service and severity. Signals are sorted by signal ID before identity
// derivation, so input order never changes the detection ID.
func CombineSignals(signals []contracts.Signal, rule *rules.DetectionRule) (contracts.Detection, error) {
	if len(signals) == 0 {
		return contracts.Detection{}, contracts.NewError(contracts.KindValidation,
			contracts.CodeInvalidRequest, "combine requires at least one signal").WithField("signals")
	}

	service := signals[0].Source
	severity := signals[0].Severity
	for _, s := range signals[1:] {
		if s.Source != service {
			return contracts.Detection{}, contracts.NewError(contracts.KindValidation,
				contracts.CodeInvalidRequest, "combined signals must share a service").WithField("signals")
		}
		if s.Severity != severity {
			return contracts.Detection{}, contracts.NewError(contracts.KindValidation,
				contracts.CodeInvalidRequest, "combined signals must share a severity").WithField("signals")
		}
	}

	ids := make([]string, 0, len(signals))
	earliest := signals[0].Timestamp
	for _, s := range signals {
		ids = append(ids, s.NormalizedSignalID)
		if s.Timestamp.Before(earliest) {
			earliest = s.Timestamp
		}
	}
	sort.Strings(ids)

	score := float64(len(signals)) / 10.0
	if score > 1.0 {
		score = 1.0
	}

	return contracts.Detection{
		DetectionID:        canonical.ComputeDetectionID(rule.RuleID, rule.RuleVersion, strings.Join(ids, ",")),
		RuleID:             rule.RuleID,
		RuleVersion:        rule.RuleVersion,
		NormalizedSignalID: strings.Join(ids, ","),
		SignalTimestamp:    earliest,
		Decision:           contracts.DecisionMatch,
		Severity:           severity,
		Confidence:         contracts.ConfidenceFromScore(score),
		Service:            service,
		DetectionVersion:   DetectionVersion,
	}, nil
}
