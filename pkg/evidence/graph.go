// Package evidence builds and stores content-addressed evidence graphs. A
// graph references detections and signals by ID only; it never copies them.
package evidence

import (
	"sort"
	"strings"
	"time"

	"github.com/opx-platform/opx-core/pkg/canonical"
	"github.com/opx-platform/opx-core/pkg/contracts"
)

// BuildGraph constructs the evidence graph for a set of detections. The
// builder is pure: detection IDs are sorted, signal IDs deduplicated and
// sorted, and edges link detections sharing a signal. Calling it twice with
// the same detections in any order yields byte-identical graphs.
func BuildGraph(detections []contracts.Detection) (contracts.EvidenceGraph, error) {
	if len(detections) == 0 {
		return contracts.EvidenceGraph{}, contracts.NewError(contracts.KindValidation,
			contracts.CodeInvalidRequest, "evidence graph requires at least one detection").WithField("detections")
	}

	byID := make(map[string]contracts.Detection, len(detections))
	for _, d := range detections {
		if d.DetectionID == "" {
			return contracts.EvidenceGraph{}, contracts.NewError(contracts.KindValidation,
				contracts.CodeInvalidRequest, "detection without an id").WithField("detections")
		}
		byID[d.DetectionID] = d
	}

	detectionIDs := make([]string, 0, len(byID))
	for id := range byID {
		detectionIDs = append(detectionIDs, id)
	}
	sort.Strings(detectionIDs)

	signalIDs := make([]string, 0, len(byID))
	nodes := make([]contracts.GraphNode, 0, len(byID))
	bySignal := map[string][]string{}
	for _, id := range detectionIDs {
		d := byID[id]
		nodes = append(nodes, contracts.GraphNode{
			DetectionID: d.DetectionID,
			SignalID:    d.NormalizedSignalID,
		})
		signalIDs = append(signalIDs, d.NormalizedSignalID)
		bySignal[d.NormalizedSignalID] = append(bySignal[d.NormalizedSignalID], d.DetectionID)
	}
	signalIDs = canonical.DedupeSorted(signalIDs)

	var edges []contracts.GraphEdge
	for _, sigID := range signalIDs {
		sharing := bySignal[sigID]
		for i := 0; i < len(sharing); i++ {
			for j := i + 1; j < len(sharing); j++ {
				edges = append(edges, contracts.GraphEdge{
					From:     sharing[i],
					To:       sharing[j],
					SignalID: sigID,
				})
			}
		}
	}

	return contracts.EvidenceGraph{
		GraphID:      canonical.ComputeGraphID(detectionIDs, signalIDs),
		DetectionIDs: detectionIDs,
		SignalIDs:    signalIDs,
		Nodes:        nodes,
		Edges:        edges,
	}, nil
}

// Summarize rolls the graph's detections into the LLM-safe bundle summary.
func Summarize(detections []contracts.Detection) contracts.SignalSummary {
	summary := contracts.SignalSummary{
		DetectionCount:    len(detections),
		SeverityHistogram: map[contracts.Severity]int{},
	}
	signalIDs := make([]string, 0, len(detections))
	rules := make([]string, 0, len(detections))
	for i, d := range detections {
		signalIDs = append(signalIDs, d.NormalizedSignalID)
		rules = append(rules, d.RuleID)
		summary.SeverityHistogram[d.Severity]++
		if i == 0 || d.SignalTimestamp.Before(summary.EarliestObserved) {
			summary.EarliestObserved = d.SignalTimestamp
		}
		if i == 0 || d.SignalTimestamp.After(summary.LatestObserved) {
			summary.LatestObserved = d.SignalTimestamp
		}
	}
	summary.SignalCount = len(canonical.DedupeSorted(signalIDs))
	summary.UniqueRules = canonical.DedupeSorted(rules)
	return summary
}

// BuildBundle builds a graph plus summary. bundledAt is injected by the
// caller and becomes the bundle's only exposed timestamp; the promotion gate
// reuses it as evaluatedAt so a replay sees the same clock.
func BuildBundle(detections []contracts.Detection, bundledAt time.Time) (contracts.EvidenceBundle, error) {
	graph, err := BuildGraph(detections)
	if err != nil {
		return contracts.EvidenceBundle{}, err
	}
	return contracts.EvidenceBundle{
		Graph:     graph,
		Summary:   Summarize(detections),
		BundledAt: bundledAt,
	}, nil
}

// Title derives a human-readable headline for a bundle, used as the
// suggested incident title downstream.
func Title(service string, summary contracts.SignalSummary) string {
	var b strings.Builder
	b.WriteString(service)
	b.WriteString(": ")
	if len(summary.UniqueRules) == 1 {
		b.WriteString(summary.UniqueRules[0])
	} else {
		b.WriteString("multiple detections")
	}
	return b.String()
}
