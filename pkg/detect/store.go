package detect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/opx-platform/opx-core/pkg/contracts"
	"github.com/opx-platform/opx-core/pkg/storage"
)

// Key prefixes inside the detections table. The deterministic result record
// and the non-deterministic metadata record live under separate keys so the
// result body never carries wall-clock data.
const (
	detectionKeyPrefix = "DETECTION#"
	metadataKeyPrefix  = "DETECTIONMETA#"
	signalKeyPrefix    = "SIGNAL#"
)

// Store is the detection persistence capability the pipeline depends on.
type Store interface {
	// PutDetection writes the detection and its metadata record. Returns
	// true when this call created the detection; false means an identical
	// detection already exists and the stored record stands.
	PutDetection(ctx context.Context, d contracts.Detection, meta contracts.DetectionMetadata) (bool, error)
	GetDetection(ctx context.Context, detectionID string) (contracts.Detection, error)
	Exists(ctx context.Context, detectionID string) (bool, error)
	GetDetectionsBySignalID(ctx context.Context, signalID string) ([]contracts.Detection, error)
	// QueryByTimeRange returns detections with signalTimestamp in
	// [start, end), optionally narrowed by partition attributes
	// ("service", "ruleId"), capped at limit, in deterministic order.
	QueryByTimeRange(ctx context.Context, start, end time.Time, partition map[string]string, limit int) ([]contracts.Detection, error)
}

// SignalStore is the normalized-signal query capability.
type SignalStore interface {
	PutSignal(ctx context.Context, s contracts.Signal) (bool, error)
	GetSignal(ctx context.Context, signalID string) (contracts.Signal, error)
	GetSignals(ctx context.Context, signalIDs []string) ([]contracts.Signal, error)
}

// KVStore implements Store and SignalStore over the generic record store.
type KVStore struct {
	kv storage.KV
}

// NewKVStore wraps kv.
func NewKVStore(kv storage.KV) *KVStore { return &KVStore{kv: kv} }

// PutDetection implements Store.
func (s *KVStore) PutDetection(ctx context.Context, d contracts.Detection, meta contracts.DetectionMetadata) (bool, error) {
	body, err := json.Marshal(d)
	if err != nil {
		return false, fmt.Errorf("detect: marshal detection: %w", err)
	}
	created, err := s.kv.PutIfAbsent(ctx, storage.TableDetections, storage.Record{
		Key:  detectionKeyPrefix + d.DetectionID,
		Body: body,
		Attrs: map[string]string{
			"service":         d.Service,
			"ruleId":          d.RuleID,
			"signalId":        d.NormalizedSignalID,
			"signalTimestamp": contracts.FormatTimestamp(d.SignalTimestamp),
		},
	})
	if err != nil {
		return false, fmt.Errorf("detect: put detection: %w", err)
	}
	if !created {
		return false, nil
	}

	metaBody, err := json.Marshal(meta)
	if err != nil {
		return false, fmt.Errorf("detect: marshal metadata: %w", err)
	}
	if _, err := s.kv.PutIfAbsent(ctx, storage.TableDetections, storage.Record{
		Key:  metadataKeyPrefix + d.DetectionID,
		Body: metaBody,
	}); err != nil {
		return false, fmt.Errorf("detect: put metadata: %w", err)
	}
	return true, nil
}

// GetDetection implements Store.
func (s *KVStore) GetDetection(ctx context.Context, detectionID string) (contracts.Detection, error) {
	rec, err := s.kv.Get(ctx, storage.TableDetections, detectionKeyPrefix+detectionID)
	if errors.Is(err, storage.ErrNotFound) {
		return contracts.Detection{}, contracts.NewError(contracts.KindNotFound,
			contracts.CodeNotFound, "detection not found").WithDetail("detectionId", detectionID)
	}
	if err != nil {
		return contracts.Detection{}, fmt.Errorf("detect: get detection: %w", err)
	}
	var d contracts.Detection
	if err := json.Unmarshal(rec.Body, &d); err != nil {
		return contracts.Detection{}, fmt.Errorf("detect: decode detection: %w", err)
	}
	return d, nil
}

// Exists implements Store.
func (s *KVStore) Exists(ctx context.Context, detectionID string) (bool, error) {
	_, err := s.kv.Get(ctx, storage.TableDetections, detectionKeyPrefix+detectionID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("detect: exists: %w", err)
	}
	return true, nil
}

// GetDetectionsBySignalID implements Store.
func (s *KVStore) GetDetectionsBySignalID(ctx context.Context, signalID string) ([]contracts.Detection, error) {
	recs, err := s.kv.QueryByAttr(ctx, storage.TableDetections, "signalId", signalID, 0)
	if err != nil {
		return nil, fmt.Errorf("detect: query by signal: %w", err)
	}
	return decodeDetections(recs)
}

// QueryByTimeRange implements Store.
func (s *KVStore) QueryByTimeRange(ctx context.Context, start, end time.Time, partition map[string]string, limit int) ([]contracts.Detection, error) {
	recs, err := s.kv.QueryRange(ctx, storage.TableDetections, partition,
		"signalTimestamp", contracts.FormatTimestamp(start), contracts.FormatTimestamp(end), limit)
	if err != nil {
		return nil, fmt.Errorf("detect: query range: %w", err)
	}
	dets, err := decodeDetections(recs)
	if err != nil {
		return nil, err
	}
	sort.Slice(dets, func(i, j int) bool {
		if !dets[i].SignalTimestamp.Equal(dets[j].SignalTimestamp) {
			return dets[i].SignalTimestamp.Before(dets[j].SignalTimestamp)
		}
		return dets[i].DetectionID < dets[j].DetectionID
	})
	return dets, nil
}

// PutSignal implements SignalStore.
func (s *KVStore) PutSignal(ctx context.Context, sig contracts.Signal) (bool, error) {
	body, err := json.Marshal(sig)
	if err != nil {
		return false, fmt.Errorf("detect: marshal signal: %w", err)
	}
	created, err := s.kv.PutIfAbsent(ctx, storage.TableSignals, storage.Record{
		Key:  signalKeyPrefix + sig.NormalizedSignalID,
		Body: body,
		Attrs: map[string]string{
			"source":    sig.Source,
			"timestamp": contracts.FormatTimestamp(sig.Timestamp),
		},
	})
	if err != nil {
		return false, fmt.Errorf("detect: put signal: %w", err)
	}
	return created, nil
}

// GetSignal implements SignalStore.
func (s *KVStore) GetSignal(ctx context.Context, signalID string) (contracts.Signal, error) {
	rec, err := s.kv.Get(ctx, storage.TableSignals, signalKeyPrefix+signalID)
	if errors.Is(err, storage.ErrNotFound) {
		return contracts.Signal{}, contracts.NewError(contracts.KindNotFound,
			contracts.CodeNotFound, "signal not found").WithDetail("signalId", signalID)
	}
	if err != nil {
		return contracts.Signal{}, fmt.Errorf("detect: get signal: %w", err)
	}
	var sig contracts.Signal
	if err := json.Unmarshal(rec.Body, &sig); err != nil {
		return contracts.Signal{}, fmt.Errorf("detect: decode signal: %w", err)
	}
	return sig, nil
}

// GetSignals implements SignalStore. Missing signals are skipped; callers
// decide whether absence is fatal.
func (s *KVStore) GetSignals(ctx context.Context, signalIDs []string) ([]contracts.Signal, error) {
	out := make([]contracts.Signal, 0, len(signalIDs))
	for _, id := range signalIDs {
		sig, err := s.GetSignal(ctx, id)
		if contracts.IsKind(err, contracts.KindNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, sig)
	}
	return out, nil
}

func decodeDetections(recs []storage.Record) ([]contracts.Detection, error) {
	out := make([]contracts.Detection, 0, len(recs))
	for _, rec := range recs {
		var d contracts.Detection
		if err := json.Unmarshal(rec.Body, &d); err != nil {
			return nil, fmt.Errorf("detect: decode detection: %w", err)
		}
		out = append(out, d)
	}
	return out, nil
}
