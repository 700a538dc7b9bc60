// Package validate checks producer output (the analysis side-channel fed by
// the external agent layer) in three layers: structural schema, semantic
// field rules, and best-effort checks that warn without blocking. Retries
// are bounded and the producer only ever sees a summarized issue list, never
// raw error detail. When retries are exhausted the caller gets an honest
// fallback instead of a fabricated assessment.
package validate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/opx-platform/opx-core/pkg/observability"
)

const maxAttempts = 3

// Analysis is the structured assessment a producer returns.
type Analysis struct {
	Summary          string   `json:"summary"`
	Reasoning        string   `json:"reasoning"`
	Confidence       float64  `json:"confidence"`
	Citations        []string `json:"citations"`
	SuggestedActions []string `json:"suggestedActions,omitempty"`
	// Fallback marks an assessment produced after exhausted retries.
	Fallback bool `json:"fallback,omitempty"`
}

// Producer generates one raw analysis document for a prompt.
type Producer func(ctx context.Context, prompt string) ([]byte, error)

// CitationChecker resolves cited evidence IDs. Used by the best-effort
// layer only; a nil checker skips the check.
type CitationChecker interface {
	CitationExists(ctx context.Context, id string) (bool, error)
}

const analysisSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["summary", "reasoning", "confidence", "citations"],
  "properties": {
    "summary": {"type": "string", "minLength": 1},
    "reasoning": {"type": "string"},
    "confidence": {"type": "number"},
    "citations": {"type": "array", "items": {"type": "string"}},
    "suggestedActions": {"type": "array", "items": {"type": "string"}}
  }
}`

// Validator runs the three validation layers with bounded retry.
type Validator struct {
	schema    *jsonschema.Schema
	citations CitationChecker
	metrics   *observability.Metrics
	logger    *slog.Logger
}

// New compiles the analysis schema and builds a validator.
func New(citations CitationChecker, metrics *observability.Metrics, logger *slog.Logger) (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	const url = "opx://validate/analysis.schema.json"
	if err := compiler.AddResource(url, strings.NewReader(analysisSchema)); err != nil {
		return nil, fmt.Errorf("validate: add schema: %w", err)
	}
	sch, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("validate: compile schema: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{schema: sch, citations: citations, metrics: metrics, logger: logger}, nil
}

// issue is a summarized validation finding. It carries a field path and a
// code only; raw values and raw error text never leave the validator.
type issue struct {
	Field string
	Code  string
}

func (i issue) String() string {
	if i.Field == "" {
		return i.Code
	}
	return i.Field + " (" + i.Code + ")"
}

// Run asks the producer for an analysis until one validates or attempts run
// out, then returns the honest fallback. The returned Analysis is always
// usable; validation failures never surface as errors of their own.
func (v *Validator) Run(ctx context.Context, prompt string, produce Producer) Analysis {
	attemptPrompt := prompt
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		v.metrics.CountValidationAttempt(ctx, attempt)

		raw, err := produce(ctx, attemptPrompt)
		var issues []issue
		var analysis Analysis
		if err != nil {
			v.logger.Warn("analysis producer failed", "attempt", attempt, "error", err)
			issues = []issue{{Code: "PRODUCER_ERROR"}}
		} else {
			analysis, issues = v.check(raw)
		}
		if len(issues) == 0 {
			v.bestEffort(ctx, analysis)
			return analysis
		}

		v.logger.Warn("analysis failed validation",
			"attempt", attempt, "issues", issueCodes(issues))
		attemptPrompt = retryPrompt(prompt, issues)
	}
	return fallback(maxAttempts)
}

// check runs the structural and semantic layers.
func (v *Validator) check(raw []byte) (Analysis, []issue) {
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return Analysis{}, []issue{{Code: "NOT_JSON"}}
	}
	if err := v.schema.Validate(generic); err != nil {
		return Analysis{}, schemaIssues(err)
	}

	var a Analysis
	if err := json.Unmarshal(raw, &a); err != nil {
		return Analysis{}, []issue{{Code: "NOT_JSON"}}
	}

	var issues []issue
	if a.Confidence < 0 || a.Confidence > 1 {
		issues = append(issues, issue{Field: "confidence", Code: "OUT_OF_RANGE"})
	}
	if len(strings.TrimSpace(a.Reasoning)) < 10 {
		issues = append(issues, issue{Field: "reasoning", Code: "TOO_SHORT"})
	}
	if len(a.Citations) == 0 {
		issues = append(issues, issue{Field: "citations", Code: "EMPTY"})
	}
	return a, issues
}

// bestEffort runs the warn-only layer. Findings are logged and never block.
func (v *Validator) bestEffort(ctx context.Context, a Analysis) {
	if v.citations == nil {
		return
	}
	for _, id := range a.Citations {
		exists, err := v.citations.CitationExists(ctx, id)
		if err != nil {
			v.logger.Warn("citation check failed", "citation", id, "error", err)
			continue
		}
		if !exists {
			v.logger.Warn("analysis cites unknown evidence", "citation", id)
		}
	}
}

// schemaIssues reduces a schema validation error to field paths. The
// validator's message text is deliberately dropped.
func schemaIssues(err error) []issue {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []issue{{Code: "SCHEMA_VIOLATION"}}
	}
	seen := map[string]bool{}
	var issues []issue
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			field := strings.TrimPrefix(e.InstanceLocation, "/")
			if !seen[field] {
				seen[field] = true
				issues = append(issues, issue{Field: field, Code: "SCHEMA_VIOLATION"})
			}
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	sort.Slice(issues, func(i, j int) bool { return issues[i].Field < issues[j].Field })
	return issues
}

// retryPrompt appends the summarized issue list to the original prompt.
func retryPrompt(prompt string, issues []issue) string {
	parts := make([]string, len(issues))
	for i, is := range issues {
		parts[i] = is.String()
	}
	return prompt + "\n\nThe previous response failed validation on: " +
		strings.Join(parts, ", ") + ". Respond again with these corrected."
}

func issueCodes(issues []issue) []string {
	out := make([]string, len(issues))
	for i, is := range issues {
		out[i] = is.String()
	}
	return out
}

// fallback is the honest no-assessment result after exhausted retries.
// Confidence is exactly zero and every collection is empty.
func fallback(attempts int) Analysis {
	return Analysis{
		Summary:          "analysis unavailable",
		Reasoning:        fmt.Sprintf("analysis failed validation after %d attempts; no assessment is available", attempts),
		Confidence:       0.0,
		Citations:        []string{},
		SuggestedActions: []string{},
		Fallback:         true,
	}
}
