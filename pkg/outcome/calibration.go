package outcome

import (
	"context"

	"github.com/opx-platform/opx-core/pkg/canonical"
	"github.com/opx-platform/opx-core/pkg/contracts"
)

// Expected accuracy per confidence band, the midpoint of each band's score
// range.
var expectedAccuracy = map[contracts.Confidence]float64{
	contracts.ConfidenceLow:        0.20,
	contracts.ConfidenceMedium:     0.55,
	contracts.ConfidenceHigh:       0.80,
	contracts.ConfidenceDefinitive: 0.95,
}

const (
	// calibrationDriftTolerance is the drift beyond which a band is flagged.
	calibrationDriftTolerance = 0.10
	// calibrationMinSample marks bins too small to judge.
	calibrationMinSample = 10
)

var bandOrder = []contracts.Confidence{
	contracts.ConfidenceLow,
	contracts.ConfidenceMedium,
	contracts.ConfidenceHigh,
	contracts.ConfidenceDefinitive,
}

// Calibrate bins a service's outcomes by confidence band and measures
// observed against expected accuracy. Bands whose observed accuracy runs
// more than the tolerance below expectation are overconfident; above,
// underconfident. Small bins are flagged rather than judged.
func (s *Store) Calibrate(ctx context.Context, service string) (contracts.CalibrationReport, error) {
	if service == "" {
		return contracts.CalibrationReport{}, contracts.NewError(contracts.KindValidation,
			contracts.CodeInvalidRequest, "service is required").WithField("service")
	}

	outcomes, err := s.queryService(ctx, service, "", "")
	if err != nil {
		return contracts.CalibrationReport{}, err
	}

	type tally struct{ samples, truePositives int }
	tallies := map[contracts.Confidence]*tally{}
	for _, o := range outcomes {
		t, ok := tallies[o.Band]
		if !ok {
			t = &tally{}
			tallies[o.Band] = t
		}
		t.samples++
		if o.Classification.TruePositive {
			t.truePositives++
		}
	}

	report := contracts.CalibrationReport{
		CalibrationID: canonical.ComputeSummaryID(service, "calibration", "all"),
		Service:       service,
	}
	for _, band := range bandOrder {
		t, ok := tallies[band]
		if !ok {
			continue
		}
		bin := contracts.CalibrationBin{
			Band:             band,
			Samples:          t.samples,
			ExpectedAccuracy: expectedAccuracy[band],
		}
		bin.ObservedAccuracy = float64(t.truePositives) / float64(t.samples)
		bin.Drift = bin.ObservedAccuracy - bin.ExpectedAccuracy
		if t.samples < calibrationMinSample {
			bin.InsufficientSample = true
		} else {
			bin.Overconfident = bin.Drift < -calibrationDriftTolerance
			bin.Underconfident = bin.Drift > calibrationDriftTolerance
		}
		report.Bins = append(report.Bins, bin)
	}

	// A lost write race means another recomputation just landed; the fresh
	// report is still worth returning.
	if err := s.PutCalibration(ctx, report); err != nil && !contracts.IsKind(err, contracts.KindConflict) {
		return contracts.CalibrationReport{}, err
	}
	return report, nil
}
