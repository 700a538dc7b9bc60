package evidence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opx-platform/opx-core/pkg/contracts"
	"github.com/opx-platform/opx-core/pkg/storage"
)

func det(id, signalID string, sev contracts.Severity, ts time.Time) contracts.Detection {
	return contracts.Detection{
		DetectionID:        id,
		RuleID:             "rule-" + id,
		RuleVersion:        "1.0.0",
		NormalizedSignalID: signalID,
		SignalTimestamp:    ts,
		Decision:           contracts.DecisionMatch,
		Severity:           sev,
		Confidence:         contracts.ConfidenceHigh,
		Service:            "payments-api",
	}
}

func TestBuildGraph_Deterministic(t *testing.T) {
	base := time.Date(2026, 1, 16, 10, 0, 0, 0, time.UTC)
	a := det("det-a", "sig-1", contracts.SeveritySEV2, base)
	b := det("det-b", "sig-1", contracts.SeveritySEV3, base.Add(time.Minute))
	c := det("det-c", "sig-2", contracts.SeveritySEV2, base.Add(2*time.Minute))

	g1, err := BuildGraph([]contracts.Detection{a, b, c})
	require.NoError(t, err)
	g2, err := BuildGraph([]contracts.Detection{c, b, a})
	require.NoError(t, err)
	assert.Equal(t, g1, g2, "input order must not affect the graph")

	assert.Equal(t, []string{"det-a", "det-b", "det-c"}, g1.DetectionIDs)
	assert.Equal(t, []string{"sig-1", "sig-2"}, g1.SignalIDs, "signal ids deduplicated and sorted")
	require.Len(t, g1.Edges, 1, "only det-a and det-b share a signal")
	assert.Equal(t, "det-a", g1.Edges[0].From)
	assert.Equal(t, "det-b", g1.Edges[0].To)
	assert.Equal(t, "sig-1", g1.Edges[0].SignalID)
}

func TestBuildGraph_EmptyRejected(t *testing.T) {
	_, err := BuildGraph(nil)
	assert.True(t, contracts.IsKind(err, contracts.KindValidation))
}

func TestSummarize(t *testing.T) {
	base := time.Date(2026, 1, 16, 10, 0, 0, 0, time.UTC)
	dets := []contracts.Detection{
		det("det-a", "sig-1", contracts.SeveritySEV1, base.Add(5*time.Minute)),
		det("det-b", "sig-1", contracts.SeveritySEV2, base),
		det("det-c", "sig-2", contracts.SeveritySEV2, base.Add(10*time.Minute)),
	}

	summary := Summarize(dets)
	assert.Equal(t, 3, summary.DetectionCount)
	assert.Equal(t, 2, summary.SignalCount)
	assert.Equal(t, 1, summary.SeverityHistogram[contracts.SeveritySEV1])
	assert.Equal(t, 2, summary.SeverityHistogram[contracts.SeveritySEV2])
	assert.Equal(t, base, summary.EarliestObserved)
	assert.Equal(t, base.Add(10*time.Minute), summary.LatestObserved)
	assert.Equal(t, []string{"rule-det-a", "rule-det-b", "rule-det-c"}, summary.UniqueRules)
}

func TestStore_GraphLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewStore(storage.NewMemoryStore())
	base := time.Date(2026, 1, 16, 10, 0, 0, 0, time.UTC)

	g, err := BuildGraph([]contracts.Detection{
		det("det-a", "sig-1", contracts.SeveritySEV2, base),
		det("det-b", "sig-2", contracts.SeveritySEV2, base),
	})
	require.NoError(t, err)

	created, err := store.PutGraph(ctx, g)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = store.PutGraph(ctx, g)
	require.NoError(t, err)
	assert.False(t, created, "second write converges on the stored graph")

	got, err := store.GetGraph(ctx, g.GraphID)
	require.NoError(t, err)
	assert.Equal(t, g, got)

	byDet, err := store.GetGraphByDetectionID(ctx, "det-a")
	require.NoError(t, err)
	assert.Equal(t, g.GraphID, byDet.GraphID)

	ok, err := store.VerifyDetection(ctx, "det-a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.VerifyDetection(ctx, "det-unknown")
	require.NoError(t, err)
	assert.False(t, ok, "a detection without a graph fails the integrity gate")
}

func TestStore_BundleFirstWriteWins(t *testing.T) {
	ctx := context.Background()
	store := NewStore(storage.NewMemoryStore())
	base := time.Date(2026, 1, 16, 10, 0, 0, 0, time.UTC)
	dets := []contracts.Detection{det("det-a", "sig-1", contracts.SeveritySEV2, base)}

	bundle, err := BuildBundle(dets, base.Add(time.Minute))
	require.NoError(t, err)

	created, err := store.PutBundle(ctx, bundle)
	require.NoError(t, err)
	assert.True(t, created)

	later := bundle
	later.BundledAt = base.Add(time.Hour)
	created, err = store.PutBundle(ctx, later)
	require.NoError(t, err)
	assert.False(t, created)

	got, err := store.GetBundle(ctx, bundle.Graph.GraphID)
	require.NoError(t, err)
	assert.Equal(t, bundle.BundledAt, got.BundledAt, "bundledAt stays stable across replays")
}
