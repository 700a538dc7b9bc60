// Package correlate groups detections within time windows into incident
// candidates. Generation is pure and stateless: the same detections and rule
// always produce the same candidate, regardless of arrival order.
package correlate

import (
	"time"

	"github.com/opx-platform/opx-core/pkg/rules"
)

// Window is the half-open correlation interval [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// ComputeWindow anchors the rule's window at the trigger timestamp. The
// trigger sits at the exclusive end bound and is unioned back into the
// survivor set by the generator.
func ComputeWindow(trigger time.Time, rule *rules.CorrelationRule) Window {
	return Window{
		Start: trigger.Add(-time.Duration(rule.WindowMinutes) * time.Minute),
		End:   trigger,
	}
}

// Truncated renders the window end truncated to the rule's boundary, for use
// as a key field. Truncation keeps nearby triggers grouping under the same
// correlation key.
func (w Window) Truncated(truncation string) time.Time {
	switch truncation {
	case rules.TruncationHour:
		return w.End.UTC().Truncate(time.Hour)
	default:
		return w.End.UTC().Truncate(time.Minute)
	}
}
