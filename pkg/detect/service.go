package detect

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/opx-platform/opx-core/pkg/bus"
	"github.com/opx-platform/opx-core/pkg/contracts"
	"github.com/opx-platform/opx-core/pkg/observability"
	"github.com/opx-platform/opx-core/pkg/rules"
)

// Service runs detection end to end: evaluate, store idempotently, emit.
// Storage is the source of truth; event emission is best-effort and never
// blocks the write path.
type Service struct {
	engine  *Engine
	catalog *rules.Catalog
	store   Store
	signals SignalStore
	emitter bus.Emitter
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewService wires a detection service.
func NewService(catalog *rules.Catalog, store Store, signals SignalStore, emitter bus.Emitter, metrics *observability.Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		engine:  NewEngine(),
		catalog: catalog,
		store:   store,
		signals: signals,
		emitter: bus.NewBestEffort(emitter, logger),
		metrics: metrics,
		logger:  logger,
	}
}

// Result reports one stored detection.
type Result struct {
	Detection contracts.Detection `json:"detection"`
	IsNew     bool                `json:"isNew"`
}

// ProcessSignal evaluates the signal against every applicable rule and
// stores each match idempotently. detectedAt is injected by the caller; the
// core never reads the wall clock.
func (s *Service) ProcessSignal(ctx context.Context, signal *contracts.Signal, detectedAt time.Time) ([]Result, error) {
	if signal.NormalizedSignalID == "" {
		return nil, contracts.NewError(contracts.KindValidation,
			contracts.CodeInvalidRequest, "normalizedSignalId is required").WithField("normalizedSignalId")
	}
	if !signal.Severity.Valid() {
		return nil, contracts.NewError(contracts.KindValidation,
			contracts.CodeInvalidRequest, "unknown severity").WithField("severity")
	}

	if _, err := s.signals.PutSignal(ctx, *signal); err != nil {
		return nil, err
	}

	var results []Result
	for _, rule := range s.catalog.DetectionRulesForSignalType(signal.SignalType) {
		detection, err := s.engine.Evaluate(signal, rule)
		if err != nil {
			return nil, err
		}
		if detection.Decision != contracts.DecisionMatch {
			continue
		}

		isNew, err := s.store.PutDetection(ctx, detection, contracts.DetectionMetadata{
			DetectionID: detection.DetectionID,
			DetectedAt:  detectedAt,
		})
		if err != nil {
			return nil, err
		}

		if s.metrics != nil {
			s.metrics.DetectionsStored.Add(ctx, 1,
				metric.WithAttributes(attribute.Bool("new", isNew)))
		}

		// DetectionCreated fires only for the first writer.
		if isNew {
			_ = s.emitter.Emit(ctx, bus.Event{
				Type:      bus.EventDetectionCreated,
				Key:       detection.DetectionID,
				Payload:   detection,
				EmittedAt: detectedAt,
			})
		}

		results = append(results, Result{Detection: detection, IsNew: isNew})
	}
	return results, nil
}
