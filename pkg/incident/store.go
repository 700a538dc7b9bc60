package incident

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
	incidentKeyPrefix = "INCIDENT#"
	eventKeyPrefix    = "EVENT#"
)

// eventKey renders "EVENT#{incidentId}#{seq}" with a zero-padded sequence so
// lexical key order equals event order.
func eventKey(incidentID string, seq int64) string {
	return fmt.Sprintf("%s%s#%010d", eventKeyPrefix, incidentID, seq)
}

// Store persists incidents and their event logs.
type Store struct {
	kv storage.KV
}

// NewStore wraps kv.
func NewStore(kv storage.KV) *Store { return &Store{kv: kv} }

func incidentAttrs(inc contracts.Incident) map[string]string {
	return map[string]string{
		"service":       inc.Service,
		"state":         string(inc.State),
		"severity":      string(inc.Severity),
		"signatureHash": inc.SignatureHash,
	}
}

// PutIncident creates the incident record conditionally. isNew=false means
// a previous promotion of the same evidence already created it.
func (s *Store) PutIncident(ctx context.Context, inc contracts.Incident) (bool, error) {
	body, err := json.Marshal(inc)
	if err != nil {
		return false, fmt.Errorf("incident: marshal: %w", err)
	}
	created, err := s.kv.PutIfAbsent(ctx, storage.TableIncidents, storage.Record{
		Key:   incidentKeyPrefix + inc.IncidentID,
		Body:  body,
		Attrs: incidentAttrs(inc),
	})
	if err != nil {
		return false, fmt.Errorf("incident: put: %w", err)
	}
	return created, nil
}

// GetIncident fetches an incident by ID.
func (s *Store) GetIncident(ctx context.Context, incidentID string) (contracts.Incident, error) {
	rec, err := s.kv.Get(ctx, storage.TableIncidents, incidentKeyPrefix+incidentID)
	if errors.Is(err, storage.ErrNotFound) {
		return contracts.Incident{}, contracts.NewError(contracts.KindNotFound,
			contracts.CodeNotFound, "incident not found").WithDetail("incidentId", incidentID)
	}
	if err != nil {
		return contracts.Incident{}, fmt.Errorf("incident: get: %w", err)
	}
	var inc contracts.Incident
	if err := json.Unmarshal(rec.Body, &inc); err != nil {
		return contracts.Incident{}, fmt.Errorf("incident: decode: %w", err)
	}
	return inc, nil
}

// UpdateIncident replaces the materialized record under optimistic
// concurrency. expect is the version the caller loaded; a lost race returns
// a CONFLICT error and the caller reloads and retries.
func (s *Store) UpdateIncident(ctx context.Context, inc contracts.Incident, expect int64) error {
	body, err := json.Marshal(inc)
	if err != nil {
		return fmt.Errorf("incident: marshal: %w", err)
	}
	err = s.kv.UpdateVersioned(ctx, storage.TableIncidents, incidentKeyPrefix+inc.IncidentID,
		expect, body, incidentAttrs(inc))
	if errors.Is(err, storage.ErrVersionConflict) {
		return contracts.NewError(contracts.KindConflict, contracts.CodeConflict,
			"concurrent update, reload and retry").WithDetail("incidentId", inc.IncidentID)
	}
	if errors.Is(err, storage.ErrNotFound) {
		return contracts.NewError(contracts.KindNotFound, contracts.CodeNotFound,
			"incident not found").WithDetail("incidentId", inc.IncidentID)
	}
	if err != nil {
		return fmt.Errorf("incident: update: %w", err)
	}
	return nil
}

// AppendEvent writes one event at its sequence slot. The write is
// conditional on the slot being empty, so two writers racing on the same
// sequence cannot both land.
func (s *Store) AppendEvent(ctx context.Context, ev contracts.IncidentEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("incident: marshal event: %w", err)
	}
	created, err := s.kv.PutIfAbsent(ctx, storage.TableIncidentEvents, storage.Record{
		Key:   eventKey(ev.IncidentID, ev.EventSeq),
		Body:  body,
		Attrs: map[string]string{"incidentId": ev.IncidentID},
	})
	if err != nil {
		return fmt.Errorf("incident: append event: %w", err)
	}
	if !created {
		return contracts.NewError(contracts.KindConflict, contracts.CodeConflict,
			"event sequence slot already taken").
			WithDetail("incidentId", ev.IncidentID).
			WithDetail("eventSeq", ev.EventSeq)
	}
	return nil
}

// GetEvents returns the full event log in sequence order.
func (s *Store) GetEvents(ctx context.Context, incidentID string) ([]contracts.IncidentEvent, error) {
	recs, err := s.kv.QueryByAttr(ctx, storage.TableIncidentEvents, "incidentId", incidentID, 0)
	if err != nil {
		return nil, fmt.Errorf("incident: query events: %w", err)
	}
	out := make([]contracts.IncidentEvent, 0, len(recs))
	for _, rec := range recs {
		var ev contracts.IncidentEvent
		if err := json.Unmarshal(rec.Body, &ev); err != nil {
			return nil, fmt.Errorf("incident: decode event: %w", err)
		}
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventSeq < out[j].EventSeq })
	return out, nil
}

// PutSnapshot stores the newborn incident as the immutable replay baseline.
// First writer wins, matching the incident record itself.
func (s *Store) PutSnapshot(ctx context.Context, inc contracts.Incident) error {
	body, err := json.Marshal(inc)
	if err != nil {
		return fmt.Errorf("incident: marshal snapshot: %w", err)
	}
	if _, err := s.kv.PutIfAbsent(ctx, storage.TableSnapshots, storage.Record{
		Key:  incidentKeyPrefix + inc.IncidentID,
		Body: body,
	}); err != nil {
		return fmt.Errorf("incident: put snapshot: %w", err)
	}
	return nil
}

// GetSnapshot fetches the replay baseline of an incident.
func (s *Store) GetSnapshot(ctx context.Context, incidentID string) (contracts.Incident, error) {
	rec, err := s.kv.Get(ctx, storage.TableSnapshots, incidentKeyPrefix+incidentID)
	if errors.Is(err, storage.ErrNotFound) {
		return contracts.Incident{}, contracts.NewError(contracts.KindNotFound,
			contracts.CodeNotFound, "incident snapshot not found").WithDetail("incidentId", incidentID)
	}
	if err != nil {
		return contracts.Incident{}, fmt.Errorf("incident: get snapshot: %w", err)
	}
	var inc contracts.Incident
	if err := json.Unmarshal(rec.Body, &inc); err != nil {
		return contracts.Incident{}, fmt.Errorf("incident: decode snapshot: %w", err)
	}
	return inc, nil
}

// GetByService returns every incident for a service.
func (s *Store) GetByService(ctx context.Context, service string) ([]contracts.Incident, error) {
	recs, err := s.kv.QueryByAttr(ctx, storage.TableIncidents, "service", service, 0)
	if err != nil {
		return nil, fmt.Errorf("incident: query by service: %w", err)
	}
	return decodeIncidents(recs)
}

// GetBySignature returns every incident sharing a correlation signature.
func (s *Store) GetBySignature(ctx context.Context, signatureHash string) ([]contracts.Incident, error) {
	recs, err := s.kv.QueryByAttr(ctx, storage.TableIncidents, "signatureHash", signatureHash, 0)
	if err != nil {
		return nil, fmt.Errorf("incident: query by signature: %w", err)
	}
	return decodeIncidents(recs)
}

func decodeIncidents(recs []storage.Record) ([]contracts.Incident, error) {
	out := make([]contracts.Incident, 0, len(recs))
	for _, rec := range recs {
		var inc contracts.Incident
		if err := json.Unmarshal(rec.Body, &inc); err != nil {
			return nil, fmt.Errorf("incident: decode: %w", err)
		}
		out = append(out, inc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IncidentID < out[j].IncidentID })
	return out, nil
}
