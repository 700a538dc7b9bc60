// Package observability wires structured logging and the OpenTelemetry
// metric instruments of the pipeline. Exporter configuration is deployment
// glue and stays outside the core; instruments are obtained from the global
// meter provider so any SDK wiring upstream takes effect transparently.
package observability

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "opx.core"

// NewLogger builds the process logger at the configured level. Output is
// JSON lines on stderr.
func NewLogger(level string) *slog.Logger {
	var lv slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lv = slog.LevelDebug
	case "WARN":
		lv = slog.LevelWarn
	case "ERROR":
		lv = slog.LevelError
	default:
		lv = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lv}))
}

// Metrics carries the pipeline's metric instruments.
type Metrics struct {
	DetectionsStored    metric.Int64Counter
	CandidatesEmitted   metric.Int64Counter
	PromotionDecisions  metric.Int64Counter
	IncidentTransitions metric.Int64Counter
	ValidationAttempts  metric.Int64Counter
	RateLimitRejections metric.Int64Counter
	StageDuration       metric.Float64Histogram
}

// NewMetrics registers the pipeline instruments on the global meter.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)

	m := &Metrics{}
	var err error
	if m.DetectionsStored, err = meter.Int64Counter("opx.detections.stored",
		metric.WithDescription("Detections persisted, by novelty")); err != nil {
		return nil, err
	}
	if m.CandidatesEmitted, err = meter.Int64Counter("opx.candidates.emitted",
		metric.WithDescription("Candidates produced by correlation")); err != nil {
		return nil, err
	}
	if m.PromotionDecisions, err = meter.Int64Counter("opx.promotions.decided",
		metric.WithDescription("Promotion decisions, by outcome")); err != nil {
		return nil, err
	}
	if m.IncidentTransitions, err = meter.Int64Counter("opx.incidents.transitions",
		metric.WithDescription("Incident state transitions, by action")); err != nil {
		return nil, err
	}
	if m.ValidationAttempts, err = meter.Int64Counter("opx.validation.attempts",
		metric.WithDescription("Output validation attempts, bucketed first|second|fallback")); err != nil {
		return nil, err
	}
	if m.RateLimitRejections, err = meter.Int64Counter("opx.ratelimit.rejections",
		metric.WithDescription("Requests rejected by the authority rate limiter")); err != nil {
		return nil, err
	}
	if m.StageDuration, err = meter.Float64Histogram("opx.stage.duration_ms",
		metric.WithDescription("Pipeline stage duration in milliseconds")); err != nil {
		return nil, err
	}
	return m, nil
}

// AttemptBucket buckets a validation attempt number as first|second|fallback.
func AttemptBucket(attempt int) string {
	switch attempt {
	case 1:
		return "first"
	case 2:
		return "second"
	default:
		return "fallback"
	}
}

// CountValidationAttempt records a validation attempt in its bucket.
func (m *Metrics) CountValidationAttempt(ctx context.Context, attempt int) {
	if m == nil {
		return
	}
	m.ValidationAttempts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("attempt", AttemptBucket(attempt))))
}

// CountDecision records a promotion decision by outcome.
func (m *Metrics) CountDecision(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.PromotionDecisions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)))
}
