package correlate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/opx-platform/opx-core/pkg/contracts"
	"github.com/opx-platform/opx-core/pkg/storage"
)

const candidateKeyPrefix = "CANDIDATE#"

// Store persists candidates with first-writer-wins semantics.
type Store struct {
	kv storage.KV
}

// NewStore wraps kv.
func NewStore(kv storage.KV) *Store { return &Store{kv: kv} }

// PutCandidate writes the candidate conditionally. isNew=false means a
// concurrent producer already converged on the same candidate; that is the
// expected behavior, not an error.
func (s *Store) PutCandidate(ctx context.Context, c contracts.Candidate) (bool, error) {
	body, err := json.Marshal(c)
	if err != nil {
		return false, fmt.Errorf("correlate: marshal candidate: %w", err)
	}
	created, err := s.kv.PutIfAbsent(ctx, storage.TableCandidates, storage.Record{
		Key:  candidateKeyPrefix + c.CandidateID,
		Body: body,
		Attrs: map[string]string{
			"correlationKey": c.CorrelationKey,
			"service":        c.SuggestedService,
			"windowEnd":      contracts.FormatTimestamp(c.WindowEnd),
		},
	})
	if err != nil {
		return false, fmt.Errorf("correlate: put candidate: %w", err)
	}
	return created, nil
}

// GetCandidate fetches a candidate by ID.
func (s *Store) GetCandidate(ctx context.Context, candidateID string) (contracts.Candidate, error) {
	rec, err := s.kv.Get(ctx, storage.TableCandidates, candidateKeyPrefix+candidateID)
	if errors.Is(err, storage.ErrNotFound) {
		return contracts.Candidate{}, contracts.NewError(contracts.KindNotFound,
			contracts.CodeNotFound, "candidate not found").WithDetail("candidateId", candidateID)
	}
	if err != nil {
		return contracts.Candidate{}, fmt.Errorf("correlate: get candidate: %w", err)
	}
	var c contracts.Candidate
	if err := json.Unmarshal(rec.Body, &c); err != nil {
		return contracts.Candidate{}, fmt.Errorf("correlate: decode candidate: %w", err)
	}
	return c, nil
}

// GetByCorrelationKey returns all candidates sharing a grouping key, in key
// order.
func (s *Store) GetByCorrelationKey(ctx context.Context, correlationKey string) ([]contracts.Candidate, error) {
	recs, err := s.kv.QueryByAttr(ctx, storage.TableCandidates, "correlationKey", correlationKey, 0)
	if err != nil {
		return nil, fmt.Errorf("correlate: query by key: %w", err)
	}
	out := make([]contracts.Candidate, 0, len(recs))
	for _, rec := range recs {
		var c contracts.Candidate
		if err := json.Unmarshal(rec.Body, &c); err != nil {
			return nil, fmt.Errorf("correlate: decode candidate: %w", err)
		}
		out = append(out, c)
	}
	return out, nil
}
