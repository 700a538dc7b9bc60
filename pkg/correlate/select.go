package correlate

import (
	"sort"

	"github.com/opx-platform/opx-core/pkg/contracts"
)

// SortDetections orders detections by (severity desc, signalTimestamp asc,
// detectionId asc). This is both the truncation order when a window exceeds
// maxDetections and the primary-selection tiebreaker chain.
func SortDetections(dets []contracts.Detection) {
	sort.Slice(dets, func(i, j int) bool {
		ri, rj := dets[i].Severity.Rank(), dets[j].Severity.Rank()
		if ri != rj {
			return ri < rj
		}
		if !dets[i].SignalTimestamp.Equal(dets[j].SignalTimestamp) {
			return dets[i].SignalTimestamp.Before(dets[j].SignalTimestamp)
		}
		return dets[i].DetectionID < dets[j].DetectionID
	})
}

// SelectPrimary applies HIGHEST_SEVERITY_THEN_EARLIEST_THEN_LEXICAL over a
// non-empty survivor set.
func SelectPrimary(dets []contracts.Detection) contracts.Detection {
	sorted := make([]contracts.Detection, len(dets))
	copy(sorted, dets)
	SortDetections(sorted)
	return sorted[0]
}
