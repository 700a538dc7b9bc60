// Package storage defines the record-store capability set the pipeline
// depends on, plus the adaptors that implement it. The core requires only:
// conditional put by key non-existence, get by key, query by a single
// secondary attribute (equality and lexical range), and version-checked
// update. Storage-engine internals stay behind this boundary.
package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a key has no record.
	ErrNotFound = errors.New("storage: record not found")
	// ErrVersionConflict is returned when a versioned update loses the race.
	// Callers are expected to reload and retry.
	ErrVersionConflict = errors.New("storage: version conflict")
)

// Logical tables of the control plane.
const (
	TableDetections            = "detections"
	TableDetectionEvents       = "detection-events"
	TableEvidenceGraphs        = "evidence-graphs"
	TableCandidates            = "candidates"
	TablePromotionDecisions    = "promotion-decisions"
	TablePromotionAudit        = "promotion-audit"
	TableIncidents             = "incidents"
	TableIncidentEvents        = "incident-events"
	TableOutcomes              = "outcomes"
	TableResolutionSummaries   = "resolution-summaries"
	TableCalibrations          = "calibrations"
	TableSnapshots             = "snapshots"
	TableIdempotency           = "idempotency"
	TableOrchestrationAttempts = "orchestration-attempts"
	TableAutomationConfig      = "automation-config"
	TableSignals               = "signals"
)

// Record is a stored row. Attrs are the secondary-indexable attributes;
// bodies are opaque to the store.
type Record struct {
	Key     string
	Body    []byte
	Attrs   map[string]string
	Version int64
}

// KV is the conditional-write record store capability.
type KV interface {
	// PutIfAbsent writes the record only when key does not exist. Returns
	// true when this call created the record. The first writer wins;
	// subsequent writers observe false and the original record stands.
	PutIfAbsent(ctx context.Context, table string, rec Record) (bool, error)

	// Get fetches a record by key. Returns ErrNotFound when absent.
	Get(ctx context.Context, table, key string) (Record, error)

	// QueryByAttr returns records whose attribute equals value, up to limit.
	QueryByAttr(ctx context.Context, table, attr, value string, limit int) ([]Record, error)

	// QueryRange returns records matching every eq attribute whose rangeAttr
	// falls in [from, to), up to limit. Range comparison is lexical, which
	// matches ISO-8601 timestamps.
	QueryRange(ctx context.Context, table string, eq map[string]string, rangeAttr, from, to string, limit int) ([]Record, error)

	// UpdateVersioned replaces the record body and attrs only when the
	// stored version equals expect; on success the stored version becomes
	// expect+1. Returns ErrVersionConflict on a lost race, ErrNotFound when
	// the key is absent.
	UpdateVersioned(ctx context.Context, table, key string, expect int64, body []byte, attrs map[string]string) error
}
