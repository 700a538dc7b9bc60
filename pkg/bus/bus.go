// Package bus is the best-effort pub/sub surface of the pipeline. Events are
// observability only: consumers must tolerate missing events, and the core
// never reads them back for correctness. Storage is the source of truth.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Event types emitted by the pipeline.
const (
	EventDetectionCreated   = "DetectionCreated"
	EventCandidateCreated   = "CandidateCreated"
	EventPromotionDecided   = "PromotionDecided"
	EventIncidentTransition = "IncidentTransition"
	EventOutcomeRecorded    = "OutcomeRecorded"
)

// Event is a single best-effort notification.
type Event struct {
	Type      string    `json:"type"`
	Key       string    `json:"key"`
	Payload   any       `json:"payload,omitempty"`
	EmittedAt time.Time `json:"emittedAt"`
}

// Emitter is the emit capability the core depends on.
type Emitter interface {
	Emit(ctx context.Context, event Event) error
}

// MemoryBus fans events out to in-process subscribers.
type MemoryBus struct {
	mu   sync.RWMutex
	subs []func(Event)
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus() *MemoryBus { return &MemoryBus{} }

// Subscribe registers fn for all future events.
func (b *MemoryBus) Subscribe(fn func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, fn)
}

// Emit implements Emitter.
func (b *MemoryBus) Emit(_ context.Context, event Event) error {
	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()
	for _, fn := range subs {
		fn(event)
	}
	return nil
}

// BestEffort wraps an emitter so failures log a warning and never propagate.
// Emission is at-most-once; a lost event is acceptable, a blocked write path
// is not.
type BestEffort struct {
	inner  Emitter
	logger *slog.Logger
}

// NewBestEffort wraps inner. A nil inner drops all events silently.
func NewBestEffort(inner Emitter, logger *slog.Logger) *BestEffort {
	if logger == nil {
		logger = slog.Default()
	}
	return &BestEffort{inner: inner, logger: logger}
}

// Emit implements Emitter and always returns nil.
func (b *BestEffort) Emit(ctx context.Context, event Event) error {
	if b.inner == nil {
		return nil
	}
	if err := b.inner.Emit(ctx, event); err != nil {
		b.logger.Warn("event emission failed",
			"eventType", event.Type,
			"key", event.Key,
			"error", err)
	}
	return nil
}
