package promote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opx-platform/opx-core/pkg/contracts"
	"github.com/opx-platform/opx-core/pkg/storage"
)

const (
	decisionKeyPrefix = "DECISION#"
	auditKeyPrefix    = "AUDIT#"
)

// Store persists promotion decisions and their audit trail.
type Store struct {
	kv storage.KV
}

// NewStore wraps kv.
func NewStore(kv storage.KV) *Store { return &Store{kv: kv} }

// PutDecision writes the decision conditionally. Concurrent identical
// requests converge on the first stored record.
func (s *Store) PutDecision(ctx context.Context, d contracts.PromotionDecision, correlationKey string) (bool, error) {
	body, err := json.Marshal(d)
	if err != nil {
		return false, fmt.Errorf("promote: marshal decision: %w", err)
	}
	created, err := s.kv.PutIfAbsent(ctx, storage.TablePromotionDecisions, storage.Record{
		Key:  decisionKeyPrefix + d.DecisionID,
		Body: body,
		Attrs: map[string]string{
			"candidateId":    d.CandidateID,
			"correlationKey": correlationKey,
			"decision":       string(d.Decision),
			"decidedAt":      contracts.FormatTimestamp(d.DecidedAt),
		},
	})
	if err != nil {
		return false, fmt.Errorf("promote: put decision: %w", err)
	}
	return created, nil
}

// GetDecision fetches a decision by ID.
func (s *Store) GetDecision(ctx context.Context, decisionID string) (contracts.PromotionDecision, error) {
	rec, err := s.kv.Get(ctx, storage.TablePromotionDecisions, decisionKeyPrefix+decisionID)
	if errors.Is(err, storage.ErrNotFound) {
		return contracts.PromotionDecision{}, contracts.NewError(contracts.KindNotFound,
			contracts.CodeNotFound, "decision not found").WithDetail("decisionId", decisionID)
	}
	if err != nil {
		return contracts.PromotionDecision{}, fmt.Errorf("promote: get decision: %w", err)
	}
	var d contracts.PromotionDecision
	if err := json.Unmarshal(rec.Body, &d); err != nil {
		return contracts.PromotionDecision{}, fmt.Errorf("promote: decode decision: %w", err)
	}
	return d, nil
}

// GetByCandidateID returns every decision recorded for a candidate.
func (s *Store) GetByCandidateID(ctx context.Context, candidateID string) ([]contracts.PromotionDecision, error) {
	recs, err := s.kv.QueryByAttr(ctx, storage.TablePromotionDecisions, "candidateId", candidateID, 0)
	if err != nil {
		return nil, fmt.Errorf("promote: query by candidate: %w", err)
	}
	return decodeDecisions(recs)
}

// LastPromoteForKey returns the decidedAt of the most recent PROMOTE
// decision under a correlation key, or nil when none exists. Drives the
// cooldown deferral.
func (s *Store) LastPromoteForKey(ctx context.Context, correlationKey string) (*time.Time, error) {
	recs, err := s.kv.QueryByAttr(ctx, storage.TablePromotionDecisions, "correlationKey", correlationKey, 0)
	if err != nil {
		return nil, fmt.Errorf("promote: query by key: %w", err)
	}
	decisions, err := decodeDecisions(recs)
	if err != nil {
		return nil, err
	}
	var latest *time.Time
	for _, d := range decisions {
		if d.Decision != contracts.PromotionPromote {
			continue
		}
		t := d.DecidedAt
		if latest == nil || t.After(*latest) {
			latest = &t
		}
	}
	return latest, nil
}

// auditRecord snapshots the full inputs of a committed decision. Audit is
// observability; the decision record is the source of truth.
type auditRecord struct {
	AuditID    string                      `json:"auditId"`
	DecisionID string                      `json:"decisionId"`
	Decision   contracts.PromotionDecision `json:"decision"`
	Policy     any                         `json:"policySnapshot"`
	Inputs     any                         `json:"inputSnapshot"`
	RecordedAt time.Time                   `json:"recordedAt"`
}

// PutAudit appends an audit record. The audit ID is random: audit entries
// are never part of any identity and two records for one decision are
// harmless.
func (s *Store) PutAudit(ctx context.Context, d contracts.PromotionDecision, policy, inputs any, recordedAt time.Time) error {
	rec := auditRecord{
		AuditID:    uuid.NewString(),
		DecisionID: d.DecisionID,
		Decision:   d,
		Policy:     policy,
		Inputs:     inputs,
		RecordedAt: recordedAt,
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("promote: marshal audit: %w", err)
	}
	if _, err := s.kv.PutIfAbsent(ctx, storage.TablePromotionAudit, storage.Record{
		Key:   auditKeyPrefix + rec.AuditID,
		Body:  body,
		Attrs: map[string]string{"decisionId": d.DecisionID},
	}); err != nil {
		return fmt.Errorf("promote: put audit: %w", err)
	}
	return nil
}

func decodeDecisions(recs []storage.Record) ([]contracts.PromotionDecision, error) {
	out := make([]contracts.PromotionDecision, 0, len(recs))
	for _, rec := range recs {
		var d contracts.PromotionDecision
		if err := json.Unmarshal(rec.Body, &d); err != nil {
			return nil, fmt.Errorf("promote: decode decision: %w", err)
		}
		out = append(out, d)
	}
	return out, nil
}
