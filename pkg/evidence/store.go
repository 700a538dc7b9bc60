package evidence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/opx-platform/opx-core/pkg/contracts"
	"github.com/opx-platform/opx-core/pkg/storage"
)

const (
	graphKeyPrefix  = "GRAPH#"
	bundleKeyPrefix = "BUNDLE#"
	linkKeyPrefix   = "DETLINK#"
)

// detectionLink maps a detection to the graph that first claimed it.
type detectionLink struct {
	DetectionID string `json:"detectionId"`
	GraphID     string `json:"graphId"`
}

// Store persists evidence graphs and bundles with conditional writes.
type Store struct {
	kv storage.KV
}

// NewStore wraps kv.
func NewStore(kv storage.KV) *Store { return &Store{kv: kv} }

// PutGraph writes the graph and a per-detection link record. Returns true
// when this call created the graph. Link records are first-writer-wins: a
// detection stays attached to the first graph that claimed it.
func (s *Store) PutGraph(ctx context.Context, g contracts.EvidenceGraph) (bool, error) {
	body, err := json.Marshal(g)
	if err != nil {
		return false, fmt.Errorf("evidence: marshal graph: %w", err)
	}
	created, err := s.kv.PutIfAbsent(ctx, storage.TableEvidenceGraphs, storage.Record{
		Key:  graphKeyPrefix + g.GraphID,
		Body: body,
	})
	if err != nil {
		return false, fmt.Errorf("evidence: put graph: %w", err)
	}

	for _, detID := range g.DetectionIDs {
		linkBody, err := json.Marshal(detectionLink{DetectionID: detID, GraphID: g.GraphID})
		if err != nil {
			return false, fmt.Errorf("evidence: marshal link: %w", err)
		}
		if _, err := s.kv.PutIfAbsent(ctx, storage.TableEvidenceGraphs, storage.Record{
			Key:  linkKeyPrefix + detID,
			Body: linkBody,
		}); err != nil {
			return false, fmt.Errorf("evidence: put link: %w", err)
		}
	}
	return created, nil
}

// GetGraph fetches a graph by ID.
func (s *Store) GetGraph(ctx context.Context, graphID string) (contracts.EvidenceGraph, error) {
	rec, err := s.kv.Get(ctx, storage.TableEvidenceGraphs, graphKeyPrefix+graphID)
	if errors.Is(err, storage.ErrNotFound) {
		return contracts.EvidenceGraph{}, contracts.NewError(contracts.KindNotFound,
			contracts.CodeNotFound, "evidence graph not found").WithDetail("graphId", graphID)
	}
	if err != nil {
		return contracts.EvidenceGraph{}, fmt.Errorf("evidence: get graph: %w", err)
	}
	var g contracts.EvidenceGraph
	if err := json.Unmarshal(rec.Body, &g); err != nil {
		return contracts.EvidenceGraph{}, fmt.Errorf("evidence: decode graph: %w", err)
	}
	return g, nil
}

// GetGraphByDetectionID resolves the graph a detection belongs to.
func (s *Store) GetGraphByDetectionID(ctx context.Context, detectionID string) (contracts.EvidenceGraph, error) {
	rec, err := s.kv.Get(ctx, storage.TableEvidenceGraphs, linkKeyPrefix+detectionID)
	if errors.Is(err, storage.ErrNotFound) {
		return contracts.EvidenceGraph{}, contracts.NewError(contracts.KindNotFound,
			contracts.CodeNotFound, "no evidence graph for detection").WithDetail("detectionId", detectionID)
	}
	if err != nil {
		return contracts.EvidenceGraph{}, fmt.Errorf("evidence: get link: %w", err)
	}
	var link detectionLink
	if err := json.Unmarshal(rec.Body, &link); err != nil {
		return contracts.EvidenceGraph{}, fmt.Errorf("evidence: decode link: %w", err)
	}
	return s.GetGraph(ctx, link.GraphID)
}

// VerifyDetection is the correlation integrity gate. It reports true only
// when the detection has a stored graph and that graph actually references
// the detection. A missing or mismatched graph disqualifies the detection; it
// never errors the caller out.
func (s *Store) VerifyDetection(ctx context.Context, detectionID string) (bool, error) {
	g, err := s.GetGraphByDetectionID(ctx, detectionID)
	if contracts.IsKind(err, contracts.KindNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	for _, id := range g.DetectionIDs {
		if id == detectionID {
			return true, nil
		}
	}
	return false, nil
}

// PutBundle writes a bundle keyed by its graph ID. Conditional; the first
// bundle for a graph wins so bundledAt stays stable across replays.
func (s *Store) PutBundle(ctx context.Context, b contracts.EvidenceBundle) (bool, error) {
	body, err := json.Marshal(b)
	if err != nil {
		return false, fmt.Errorf("evidence: marshal bundle: %w", err)
	}
	created, err := s.kv.PutIfAbsent(ctx, storage.TableEvidenceGraphs, storage.Record{
		Key:  bundleKeyPrefix + b.Graph.GraphID,
		Body: body,
	})
	if err != nil {
		return false, fmt.Errorf("evidence: put bundle: %w", err)
	}
	return created, nil
}

// GetBundle fetches the bundle for a graph.
func (s *Store) GetBundle(ctx context.Context, graphID string) (contracts.EvidenceBundle, error) {
	rec, err := s.kv.Get(ctx, storage.TableEvidenceGraphs, bundleKeyPrefix+graphID)
	if errors.Is(err, storage.ErrNotFound) {
		return contracts.EvidenceBundle{}, contracts.NewError(contracts.KindNotFound,
			contracts.CodeNotFound, "evidence bundle not found").WithDetail("graphId", graphID)
	}
	if err != nil {
		return contracts.EvidenceBundle{}, fmt.Errorf("evidence: get bundle: %w", err)
	}
	var b contracts.EvidenceBundle
	if err := json.Unmarshal(rec.Body, &b); err != nil {
		return contracts.EvidenceBundle{}, fmt.Errorf("evidence: decode bundle: %w", err)
	}
	return b, nil
}
