package correlate

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/opx-platform/opx-core/pkg/bus"
	"github.com/opx-platform/opx-core/pkg/canonical"
	"github.com/opx-platform/opx-core/pkg/contracts"
	"github.com/opx-platform/opx-core/pkg/detect"
	"github.com/opx-platform/opx-core/pkg/evidence"
	"github.com/opx-platform/opx-core/pkg/observability"
	"github.com/opx-platform/opx-core/pkg/rules"
)

// Generator runs correlation for every enabled rule when a new detection
// lands. It holds no state between calls; every candidate is derived from
// stored detections and the rule catalog alone.
type Generator struct {
	catalog    *rules.Catalog
	detections detect.Store
	signals    detect.SignalStore
	evidence   *evidence.Store
	candidates *Store
	emitter    bus.Emitter
	metrics    *observability.Metrics
	logger     *slog.Logger
}

// NewGenerator wires a candidate generator.
func NewGenerator(catalog *rules.Catalog, detections detect.Store, signals detect.SignalStore,
	ev *evidence.Store, candidates *Store, emitter bus.Emitter,
	metrics *observability.Metrics, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		catalog:    catalog,
		detections: detections,
		signals:    signals,
		evidence:   ev,
		candidates: candidates,
		emitter:    bus.NewBestEffort(emitter, logger),
		metrics:    metrics,
		logger:     logger,
	}
}

// Result reports one generated candidate.
type Result struct {
	Candidate contracts.Candidate `json:"candidate"`
	IsNew     bool                `json:"isNew"`
}

// OnDetection correlates the trigger against every enabled rule. Rules that
// fall below minDetections simply contribute no candidate.
func (g *Generator) OnDetection(ctx context.Context, trigger contracts.Detection) ([]Result, error) {
	if trigger.Decision != contracts.DecisionMatch {
		return nil, contracts.NewError(contracts.KindValidation,
			contracts.CodeInvalidRequest, "only matched detections trigger correlation").WithField("decision")
	}

	// The trigger's own single-detection graph backs the integrity gate for
	// future windows that include it.
	triggerGraph, err := evidence.BuildGraph([]contracts.Detection{trigger})
	if err != nil {
		return nil, err
	}
	if _, err := g.evidence.PutGraph(ctx, triggerGraph); err != nil {
		return nil, err
	}

	var results []Result
	for _, rule := range g.catalog.CorrelationRules() {
		res, generated, err := g.generate(ctx, trigger, rule)
		if err != nil {
			return nil, err
		}
		if generated {
			results = append(results, res)
		}
	}
	return results, nil
}

func (g *Generator) generate(ctx context.Context, trigger contracts.Detection, rule *rules.CorrelationRule) (Result, bool, error) {
	window := ComputeWindow(trigger.SignalTimestamp, rule)
	trace := []contracts.TraceStep{{
		Step: "window",
		Detail: fmt.Sprintf("[%s, %s)", contracts.FormatTimestamp(window.Start),
			contracts.FormatTimestamp(window.End)),
	}}

	// Partition narrowing is mandatory when the matcher pins a dimension.
	partition := map[string]string{}
	if rule.Matcher.SameRuleID {
		partition["ruleId"] = trigger.RuleID
	}
	if rule.Matcher.SameService {
		partition["service"] = trigger.Service
	}

	windowed, err := g.detections.QueryByTimeRange(ctx, window.Start, window.End, partition, rule.MaxDetections)
	if err != nil {
		return Result{}, false, err
	}
	// The trigger sits at the exclusive end bound; union it back in.
	pool := append(windowed, trigger)
	trace = append(trace, contracts.TraceStep{Step: "query", Detail: fmt.Sprintf("pool=%d", len(pool))})

	triggerSignal, err := g.signals.GetSignal(ctx, trigger.NormalizedSignalID)
	if err != nil {
		return Result{}, false, err
	}

	survivors, err := g.filter(ctx, pool, trigger, triggerSignal, rule)
	if err != nil {
		return Result{}, false, err
	}
	trace = append(trace, contracts.TraceStep{Step: "filter", Detail: fmt.Sprintf("survivors=%d", len(survivors))})

	if len(survivors) < rule.MinDetections {
		return Result{}, false, nil
	}
	if len(survivors) > rule.MaxDetections {
		SortDetections(survivors)
		survivors = survivors[:rule.MaxDetections]
		trace = append(trace, contracts.TraceStep{Step: "threshold", Detail: fmt.Sprintf("truncated=%d", rule.MaxDetections)})
	}

	keyFields := g.resolveKeyFields(rule, trigger, triggerSignal, window)
	correlationKey, err := canonical.ComputeCorrelationKey(rule.RuleID, rule.RuleVersion, keyFields)
	if err != nil {
		return Result{}, false, err
	}
	detectionIDs := make([]string, 0, len(survivors))
	for _, d := range survivors {
		detectionIDs = append(detectionIDs, d.DetectionID)
	}
	candidateID, err := canonical.ComputeCandidateID(detectionIDs, rule.RuleID, rule.RuleVersion, keyFields)
	if err != nil {
		return Result{}, false, err
	}
	trace = append(trace, contracts.TraceStep{Step: "keyFields", Detail: fmt.Sprintf("fields=%d", len(keyFields))})

	primary := SelectPrimary(survivors)
	trace = append(trace, contracts.TraceStep{Step: "primary", Detail: primary.DetectionID})

	score, factors := ScoreConfidence(rule, survivors)
	trace = append(trace, contracts.TraceStep{Step: "confidence", Detail: fmt.Sprintf("score=%.2f", score)})

	signalIDs := make([]string, 0, len(survivors))
	for _, d := range survivors {
		signalIDs = append(signalIDs, d.NormalizedSignalID)
	}
	sigs, err := g.signals.GetSignals(ctx, canonical.DedupeSorted(signalIDs))
	if err != nil {
		return Result{}, false, err
	}
	maxSev := maxSeverity(survivors)
	blast := EstimateBlastRadius(sigs, maxSev)
	trace = append(trace, contracts.TraceStep{Step: "blastRadius", Detail: string(blast.Scope)})

	// The candidate's bundle. BundledAt is the window end, so a replay sees
	// the same evaluatedAt downstream.
	bundle, err := evidence.BuildBundle(survivors, window.End)
	if err != nil {
		return Result{}, false, err
	}
	if _, err := g.evidence.PutGraph(ctx, bundle.Graph); err != nil {
		return Result{}, false, err
	}
	if _, err := g.evidence.PutBundle(ctx, bundle); err != nil {
		return Result{}, false, err
	}

	candidate := contracts.Candidate{
		CandidateID:            candidateID,
		CorrelationKey:         correlationKey,
		CorrelationRuleID:      rule.RuleID,
		CorrelationRuleVersion: rule.RuleVersion,
		DetectionIDs:           canonical.DedupeSorted(detectionIDs),
		PrimaryDetectionID:     primary.DetectionID,
		ResolvedKeyFields:      keyFields,
		SuggestedSeverity:      maxSev,
		SuggestedService:       trigger.Service,
		SuggestedTitle:         evidence.Title(trigger.Service, bundle.Summary),
		Confidence:             contracts.ConfidenceFromScore(score),
		ConfidenceScore:        score,
		ConfidenceFactors:      factors,
		BlastRadius:            blast,
		EvidenceGraphID:        bundle.Graph.GraphID,
		GenerationTrace:        trace,
		WindowStart:            window.Start,
		WindowEnd:              window.End,
		CreatedAt:              window.End,
	}

	isNew, err := g.candidates.PutCandidate(ctx, candidate)
	if err != nil {
		return Result{}, false, err
	}

	if g.metrics != nil {
		g.metrics.CandidatesEmitted.Add(ctx, 1, metric.WithAttributes(
			attribute.Bool("new", isNew),
			attribute.String("rule", rule.RuleID)))
	}
	if isNew {
		_ = g.emitter.Emit(ctx, bus.Event{
			Type:      bus.EventCandidateCreated,
			Key:       candidate.CandidateID,
			Payload:   candidate,
			EmittedAt: window.End,
		})
	}
	return Result{Candidate: candidate, IsNew: isNew}, true, nil
}

// filter applies the rule matcher and the evidence integrity gate to the
// window pool. Detections failing either simply drop out.
func (g *Generator) filter(ctx context.Context, pool []contracts.Detection, trigger contracts.Detection,
	triggerSignal contracts.Signal, rule *rules.CorrelationRule) ([]contracts.Detection, error) {
	seen := map[string]struct{}{}
	var survivors []contracts.Detection
	for _, d := range pool {
		if _, dup := seen[d.DetectionID]; dup {
			continue
		}
		seen[d.DetectionID] = struct{}{}

		if rule.Matcher.SameService && d.Service != trigger.Service {
			continue
		}
		if rule.Matcher.SameRuleID && d.RuleID != trigger.RuleID {
			continue
		}
		if len(rule.Matcher.Severities) > 0 && !severityAllowed(rule.Matcher.Severities, d.Severity) {
			continue
		}

		if rule.Matcher.SameSource || len(rule.Matcher.SignalTypes) > 0 {
			sig, err := g.signals.GetSignal(ctx, d.NormalizedSignalID)
			if contracts.IsKind(err, contracts.KindNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			if rule.Matcher.SameSource && sig.Source != triggerSignal.Source {
				continue
			}
			if len(rule.Matcher.SignalTypes) > 0 && !stringAllowed(rule.Matcher.SignalTypes, sig.SignalType) {
				continue
			}
		}

		// Integrity gate: a detection without a consistent evidence graph
		// never joins a candidate. The trigger's graph was stored above.
		if d.DetectionID != trigger.DetectionID {
			ok, err := g.evidence.VerifyDetection(ctx, d.DetectionID)
			if err != nil {
				return nil, err
			}
			if !ok {
				g.logger.Warn("detection failed evidence integrity gate",
					"detectionId", d.DetectionID, "rule", rule.RuleID)
				continue
			}
		}

		survivors = append(survivors, d)
	}
	return survivors, nil
}

// resolveKeyFields substitutes the rule's declared key field names with the
// trigger's values. Key fields are part of the identity hash; two rules over
// the same detections with different key field sets yield different
// candidates.
func (g *Generator) resolveKeyFields(rule *rules.CorrelationRule, trigger contracts.Detection,
	triggerSignal contracts.Signal, window Window) map[string]string {
	out := make(map[string]string, len(rule.KeyFields))
	for _, field := range rule.KeyFields {
		switch field {
		case rules.KeyFieldService:
			out[field] = trigger.Service
		case rules.KeyFieldSource:
			out[field] = triggerSignal.Source
		case rules.KeyFieldRuleID:
			out[field] = trigger.RuleID
		case rules.KeyFieldWindowTruncated:
			out[field] = contracts.FormatTimestamp(window.Truncated(rule.WindowTruncation))
		}
	}
	return out
}

func severityAllowed(allowed []contracts.Severity, s contracts.Severity) bool {
	for _, a := range allowed {
		if a == s {
			return true
		}
	}
	return false
}

func stringAllowed(allowed []string, s string) bool {
	for _, a := range allowed {
		if a == s {
			return true
		}
	}
	return false
}
