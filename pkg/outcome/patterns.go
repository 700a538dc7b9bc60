package outcome

import (
	"context"
	"fmt"
	"sort"

	"github.com/opx-platform/opx-core/pkg/canonical"
	"github.com/opx-platform/opx-core/pkg/contracts"
)

const (
	// topRootCauses caps the root-cause ranking in a summary.
	topRootCauses = 10
	// fpWarningRate is the false-positive rate above which a detection
	// warning is raised.
	fpWarningRate = 0.30
	// fpWarningMinSample is the minimum outcome count before the rate is
	// considered meaningful.
	fpWarningMinSample = 10
)

// Summarize aggregates a service's outcomes closed in [startDate, endDate)
// into a resolution summary. Dates are ISO-8601 timestamps; the summary
// identity is derived from (service, startDate, endDate). The first
// computation is persisted and later calls replay the stored artifact.
// Percentages are deliberately not stored.
func (s *Store) Summarize(ctx context.Context, service, startDate, endDate string) (contracts.ResolutionSummary, error) {
	if service == "" || startDate == "" || endDate == "" {
		return contracts.ResolutionSummary{}, contracts.NewError(contracts.KindValidation,
			contracts.CodeInvalidRequest, "service, startDate, and endDate are required").WithField("service")
	}

	summaryID := canonical.ComputeSummaryID(service, startDate, endDate)
	stored, err := s.GetSummary(ctx, summaryID)
	if err == nil {
		return stored, nil
	}
	if !contracts.IsKind(err, contracts.KindNotFound) {
		return contracts.ResolutionSummary{}, err
	}

	outcomes, err := s.queryService(ctx, service, startDate, endDate)
	if err != nil {
		return contracts.ResolutionSummary{}, err
	}

	sum := contracts.ResolutionSummary{
		SummaryID: summaryID,
		Service:   service,
		StartDate: startDate,
		EndDate:   endDate,
	}

	var totalTTD, totalTTR int64
	causes := map[string]int{}
	for _, o := range outcomes {
		sum.TotalOutcomes++
		if o.Classification.TruePositive {
			sum.TruePositives++
		} else {
			sum.FalsePositives++
		}
		totalTTD += o.Timing.TimeToDetectMs
		totalTTR += o.Timing.TimeToResolveMs
		if o.Classification.RootCause != "" {
			causes[o.Classification.RootCause]++
		}
	}
	if sum.TotalOutcomes > 0 {
		sum.AvgTimeToDetectMs = totalTTD / int64(sum.TotalOutcomes)
		sum.AvgTimeToResolveMs = totalTTR / int64(sum.TotalOutcomes)
	}
	sum.TopRootCauses = rankRootCauses(causes)

	if sum.TotalOutcomes >= fpWarningMinSample {
		fpRate := float64(sum.FalsePositives) / float64(sum.TotalOutcomes)
		if fpRate > fpWarningRate {
			sum.DetectionWarnings = append(sum.DetectionWarnings,
				fmt.Sprintf("false-positive rate %.0f%% over %d outcomes exceeds %.0f%% threshold",
					fpRate*100, sum.TotalOutcomes, fpWarningRate*100))
		}
	}

	created, err := s.PutSummary(ctx, sum)
	if err != nil {
		return contracts.ResolutionSummary{}, err
	}
	if !created {
		// A concurrent computation landed first; its record is the artifact.
		return s.GetSummary(ctx, summaryID)
	}
	return sum, nil
}

// rankRootCauses orders causes by count descending, name ascending, capped
// at the top ten.
func rankRootCauses(causes map[string]int) []contracts.RootCauseCount {
	ranked := make([]contracts.RootCauseCount, 0, len(causes))
	for cause, count := range causes {
		ranked = append(ranked, contracts.RootCauseCount{RootCause: cause, Count: count})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Count != ranked[j].Count {
			return ranked[i].Count > ranked[j].Count
		}
		return ranked[i].RootCause < ranked[j].RootCause
	})
	if len(ranked) > topRootCauses {
		ranked = ranked[:topRootCauses]
	}
	return ranked
}
