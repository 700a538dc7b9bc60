package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteStore_ConditionalSemantics(t *testing.T) {
	s, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	created, err := s.PutIfAbsent(ctx, TableCandidates, Record{
		Key:   "c1",
		Body:  []byte(`{"candidateId":"c1"}`),
		Attrs: map[string]string{"service": "checkout", "createdAt": "2026-01-16T10:00:00.000Z"},
	})
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.PutIfAbsent(ctx, TableCandidates, Record{Key: "c1", Body: []byte(`{"candidateId":"other"}`)})
	require.NoError(t, err)
	assert.False(t, created)

	rec, err := s.Get(ctx, TableCandidates, "c1")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"candidateId":"c1"}`), rec.Body)
	assert.Equal(t, "checkout", rec.Attrs["service"])

	recs, err := s.QueryByAttr(ctx, TableCandidates, "service", "checkout", 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	recs, err = s.QueryRange(ctx, TableCandidates, map[string]string{"service": "checkout"},
		"createdAt", "2026-01-16T10:00:00.000Z", "2026-01-16T11:00:00.000Z", 0)
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	// Exclusive end.
	recs, err = s.QueryRange(ctx, TableCandidates, nil,
		"createdAt", "2026-01-16T09:00:00.000Z", "2026-01-16T10:00:00.000Z", 0)
	require.NoError(t, err)
	assert.Empty(t, recs)

	require.NoError(t, s.UpdateVersioned(ctx, TableCandidates, "c1", 1, []byte(`{"v":2}`),
		map[string]string{"service": "checkout"}))
	err = s.UpdateVersioned(ctx, TableCandidates, "c1", 1, []byte(`{"v":3}`), nil)
	assert.ErrorIs(t, err, ErrVersionConflict)
}
