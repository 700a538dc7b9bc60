// Package idempotency reserves operation keys so every mutating entry point
// executes at most once. Records are permanent audit artifacts, not caches:
// there is no TTL and no bypass.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opx-platform/opx-core/pkg/canonical"
	"github.com/opx-platform/opx-core/pkg/contracts"
	"github.com/opx-platform/opx-core/pkg/storage"
)

const recordKeyPrefix = "IDEM#"

// Service claims and completes idempotency keys over the record store.
type Service struct {
	kv storage.KV
}

// NewService wraps kv.
func NewService(kv storage.KV) *Service { return &Service{kv: kv} }

// Key derives the idempotency key for a request. A client-supplied key wins;
// otherwise the key is SHA256(principal | operation | canonicalized
// request), so identical requests from the same principal share a key.
func Key(principal, operation string, request any, clientKey string) (string, error) {
	if clientKey != "" {
		return clientKey, nil
	}
	body, err := canonical.JCS(request)
	if err != nil {
		return "", fmt.Errorf("idempotency: canonicalize request: %w", err)
	}
	return canonical.SHA256Hex([]byte(principal + "|" + operation + "|" + string(body))), nil
}

// RequestHash fingerprints the request body for claim-conflict detection.
func RequestHash(request any) (string, error) {
	return canonical.Hash(request)
}

// Claim reserves the key with an IN_PROGRESS record. The write is
// conditional; the first claimer wins. A lost claim returns the existing
// record and created=false so the caller can converge or conflict.
func (s *Service) Claim(ctx context.Context, key, principal, operation, requestHash string, claimedAt time.Time) (contracts.IdempotencyRecord, bool, error) {
	rec := contracts.IdempotencyRecord{
		Key:         key,
		Principal:   principal,
		Operation:   operation,
		RequestHash: requestHash,
		Status:      contracts.IdempotencyInProgress,
		ClaimedAt:   claimedAt,
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return contracts.IdempotencyRecord{}, false, fmt.Errorf("idempotency: marshal: %w", err)
	}
	created, err := s.kv.PutIfAbsent(ctx, storage.TableIdempotency, storage.Record{
		Key:   recordKeyPrefix + key,
		Body:  body,
		Attrs: map[string]string{"principal": principal, "operation": operation},
	})
	if err != nil {
		return contracts.IdempotencyRecord{}, false, fmt.Errorf("idempotency: claim: %w", err)
	}
	if created {
		return rec, true, nil
	}
	existing, err := s.Get(ctx, key)
	if err != nil {
		return contracts.IdempotencyRecord{}, false, err
	}
	return existing, false, nil
}

// Complete marks the key COMPLETED with the operation result attached.
func (s *Service) Complete(ctx context.Context, key string, result map[string]any, completedAt time.Time) error {
	stored, err := s.kv.Get(ctx, storage.TableIdempotency, recordKeyPrefix+key)
	if errors.Is(err, storage.ErrNotFound) {
		return contracts.NewError(contracts.KindNotFound, contracts.CodeNotFound,
			"idempotency key was never claimed").WithDetail("idempotencyKey", key)
	}
	if err != nil {
		return fmt.Errorf("idempotency: get: %w", err)
	}
	var rec contracts.IdempotencyRecord
	if err := json.Unmarshal(stored.Body, &rec); err != nil {
		return fmt.Errorf("idempotency: decode: %w", err)
	}

	rec.Status = contracts.IdempotencyCompleted
	rec.Result = result
	rec.CompletedAt = &completedAt
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("idempotency: marshal: %w", err)
	}
	err = s.kv.UpdateVersioned(ctx, storage.TableIdempotency, recordKeyPrefix+key,
		stored.Version, body, map[string]string{"principal": rec.Principal, "operation": rec.Operation})
	if errors.Is(err, storage.ErrVersionConflict) {
		return contracts.NewError(contracts.KindConflict, contracts.CodeConflict,
			"concurrent idempotency completion").WithDetail("idempotencyKey", key)
	}
	if err != nil {
		return fmt.Errorf("idempotency: complete: %w", err)
	}
	return nil
}

// Get returns the record for a key.
func (s *Service) Get(ctx context.Context, key string) (contracts.IdempotencyRecord, error) {
	stored, err := s.kv.Get(ctx, storage.TableIdempotency, recordKeyPrefix+key)
	if errors.Is(err, storage.ErrNotFound) {
		return contracts.IdempotencyRecord{}, contracts.NewError(contracts.KindNotFound,
			contracts.CodeNotFound, "idempotency record not found").WithDetail("idempotencyKey", key)
	}
	if err != nil {
		return contracts.IdempotencyRecord{}, fmt.Errorf("idempotency: get: %w", err)
	}
	var rec contracts.IdempotencyRecord
	if err := json.Unmarshal(stored.Body, &rec); err != nil {
		return contracts.IdempotencyRecord{}, fmt.Errorf("idempotency: decode: %w", err)
	}
	return rec, nil
}
