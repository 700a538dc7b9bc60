// Package outcome records post-closure assessments and aggregates them into
// the learning loop: resolution summaries and confidence calibration.
package outcome

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/opx-platform/opx-core/pkg/contracts"
	"github.com/opx-platform/opx-core/pkg/storage"
)

const (
	outcomeKeyPrefix     = "OUTCOME#"
	summaryKeyPrefix     = "SUMMARY#"
	calibrationKeyPrefix = "CALIBRATION#"
)

// storedOutcome pairs the outcome with the service and confidence band it
// was recorded under, which drive aggregation queries.
type storedOutcome struct {
	contracts.Outcome
	Service string               `json:"service"`
	Band    contracts.Confidence `json:"band"`
}

// Store persists outcomes append-only.
type Store struct {
	kv storage.KV
}

// NewStore wraps kv.
func NewStore(kv storage.KV) *Store { return &Store{kv: kv} }

// PutOutcome appends an outcome. Repeated submissions of the same outcome
// return false and leave the first record standing.
func (s *Store) PutOutcome(ctx context.Context, o contracts.Outcome, service string, band contracts.Confidence) (bool, error) {
	body, err := json.Marshal(storedOutcome{Outcome: o, Service: service, Band: band})
	if err != nil {
		return false, fmt.Errorf("outcome: marshal: %w", err)
	}
	created, err := s.kv.PutIfAbsent(ctx, storage.TableOutcomes, storage.Record{
		Key:  outcomeKeyPrefix + o.OutcomeID,
		Body: body,
		Attrs: map[string]string{
			"service":    service,
			"incidentId": o.IncidentID,
			"closedAt":   contracts.FormatTimestamp(o.ClosedAt),
			"band":       string(band),
		},
	})
	if err != nil {
		return false, fmt.Errorf("outcome: put: %w", err)
	}
	return created, nil
}

// GetOutcome fetches an outcome by ID.
func (s *Store) GetOutcome(ctx context.Context, outcomeID string) (contracts.Outcome, error) {
	rec, err := s.kv.Get(ctx, storage.TableOutcomes, outcomeKeyPrefix+outcomeID)
	if errors.Is(err, storage.ErrNotFound) {
		return contracts.Outcome{}, contracts.NewError(contracts.KindNotFound,
			contracts.CodeNotFound, "outcome not found").WithDetail("outcomeId", outcomeID)
	}
	if err != nil {
		return contracts.Outcome{}, fmt.Errorf("outcome: get: %w", err)
	}
	var so storedOutcome
	if err := json.Unmarshal(rec.Body, &so); err != nil {
		return contracts.Outcome{}, fmt.Errorf("outcome: decode: %w", err)
	}
	return so.Outcome, nil
}

// queryService returns the stored outcomes for a service closed in
// [from, to), in deterministic order. Callers pass both bounds or neither;
// both empty means the full history.
func (s *Store) queryService(ctx context.Context, service, from, to string) ([]storedOutcome, error) {
	var (
		recs []storage.Record
		err  error
	)
	if from == "" && to == "" {
		recs, err = s.kv.QueryByAttr(ctx, storage.TableOutcomes, "service", service, 0)
	} else {
		recs, err = s.kv.QueryRange(ctx, storage.TableOutcomes,
			map[string]string{"service": service}, "closedAt", from, to, 0)
	}
	if err != nil {
		return nil, fmt.Errorf("outcome: query: %w", err)
	}
	out := make([]storedOutcome, 0, len(recs))
	for _, rec := range recs {
		var so storedOutcome
		if err := json.Unmarshal(rec.Body, &so); err != nil {
			return nil, fmt.Errorf("outcome: decode: %w", err)
		}
		out = append(out, so)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OutcomeID < out[j].OutcomeID })
	return out, nil
}

// PutSummary stores a resolution summary keyed by its identity. The summary
// is derived data; recomputation over the same window converges.
func (s *Store) PutSummary(ctx context.Context, sum contracts.ResolutionSummary) (bool, error) {
	body, err := json.Marshal(sum)
	if err != nil {
		return false, fmt.Errorf("outcome: marshal summary: %w", err)
	}
	created, err := s.kv.PutIfAbsent(ctx, storage.TableResolutionSummaries, storage.Record{
		Key:   summaryKeyPrefix + sum.SummaryID,
		Body:  body,
		Attrs: map[string]string{"service": sum.Service},
	})
	if err != nil {
		return false, fmt.Errorf("outcome: put summary: %w", err)
	}
	return created, nil
}

// PutCalibration stores the latest calibration report for a service,
// replacing any earlier report under a versioned write so concurrent
// recomputations do not silently clobber each other.
func (s *Store) PutCalibration(ctx context.Context, report contracts.CalibrationReport) error {
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("outcome: marshal calibration: %w", err)
	}
	key := calibrationKeyPrefix + report.CalibrationID
	attrs := map[string]string{"service": report.Service}

	rec, err := s.kv.Get(ctx, storage.TableCalibrations, key)
	if errors.Is(err, storage.ErrNotFound) {
		if _, err := s.kv.PutIfAbsent(ctx, storage.TableCalibrations, storage.Record{
			Key:   key,
			Body:  body,
			Attrs: attrs,
		}); err != nil {
			return fmt.Errorf("outcome: put calibration: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("outcome: get calibration: %w", err)
	}
	err = s.kv.UpdateVersioned(ctx, storage.TableCalibrations, key, rec.Version, body, attrs)
	if errors.Is(err, storage.ErrVersionConflict) {
		return contracts.NewError(contracts.KindConflict, contracts.CodeConflict,
			"concurrent calibration update")
	}
	if err != nil {
		return fmt.Errorf("outcome: update calibration: %w", err)
	}
	return nil
}

// GetCalibration fetches the stored calibration report.
func (s *Store) GetCalibration(ctx context.Context, calibrationID string) (contracts.CalibrationReport, error) {
	rec, err := s.kv.Get(ctx, storage.TableCalibrations, calibrationKeyPrefix+calibrationID)
	if errors.Is(err, storage.ErrNotFound) {
		return contracts.CalibrationReport{}, contracts.NewError(contracts.KindNotFound,
			contracts.CodeNotFound, "calibration not found").WithDetail("calibrationId", calibrationID)
	}
	if err != nil {
		return contracts.CalibrationReport{}, fmt.Errorf("outcome: get calibration: %w", err)
	}
	var report contracts.CalibrationReport
	if err := json.Unmarshal(rec.Body, &report); err != nil {
		return contracts.CalibrationReport{}, fmt.Errorf("outcome: decode calibration: %w", err)
	}
	return report, nil
}

// GetSummary fetches a stored summary.
func (s *Store) GetSummary(ctx context.Context, summaryID string) (contracts.ResolutionSummary, error) {
	rec, err := s.kv.Get(ctx, storage.TableResolutionSummaries, summaryKeyPrefix+summaryID)
	if errors.Is(err, storage.ErrNotFound) {
		return contracts.ResolutionSummary{}, contracts.NewError(contracts.KindNotFound,
			contracts.CodeNotFound, "summary not found").WithDetail("summaryId", summaryID)
	}
	if err != nil {
		return contracts.ResolutionSummary{}, fmt.Errorf("outcome: get summary: %w", err)
	}
	var sum contracts.ResolutionSummary
	if err := json.Unmarshal(rec.Body, &sum); err != nil {
		return contracts.ResolutionSummary{}, fmt.Errorf("outcome: decode summary: %w", err)
	}
	return sum, nil
}
