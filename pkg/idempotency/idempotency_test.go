package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opx-platform/opx-core/pkg/contracts"
	"github.com/opx-platform/opx-core/pkg/storage"
)

var claimedAt = time.Date(2026, 1, 16, 10, 0, 0, 0, time.UTC)

func TestKey_Derivation(t *testing.T) {
	request := map[string]any{"candidateId": "cand-1", "policyId": "default"}

	k1, err := Key("auto-1", "promote", request, "")
	require.NoError(t, err)
	k2, err := Key("auto-1", "promote", request, "")
	require.NoError(t, err)
	assert.Equal(t, k1, k2, "identical requests derive identical keys")
	assert.Len(t, k1, 64)

	k3, err := Key("auto-2", "promote", request, "")
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3, "the principal is part of the key")

	k4, err := Key("auto-1", "promote", request, "client-chosen")
	require.NoError(t, err)
	assert.Equal(t, "client-chosen", k4, "a client-supplied key wins")
}

func TestClaimCompleteLifecycle(t *testing.T) {
	ctx := context.Background()
	svc := NewService(storage.NewMemoryStore())

	hash, err := RequestHash(map[string]any{"candidateId": "cand-1"})
	require.NoError(t, err)

	rec, created, err := svc.Claim(ctx, "key-1", "auto-1", "promote", hash, claimedAt)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, contracts.IdempotencyInProgress, rec.Status)

	// A concurrent claim loses and sees the holder's record.
	existing, created, err := svc.Claim(ctx, "key-1", "auto-2", "promote", hash, claimedAt.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "auto-1", existing.Principal)

	require.NoError(t, svc.Complete(ctx, "key-1", map[string]any{"decisionId": "dec-1"}, claimedAt.Add(time.Minute)))

	done, err := svc.Get(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.IdempotencyCompleted, done.Status)
	assert.Equal(t, "dec-1", done.Result["decisionId"])
	require.NotNil(t, done.CompletedAt)

	// Records are permanent: a later claim still converges on the result.
	again, created, err := svc.Claim(ctx, "key-1", "auto-1", "promote", hash, claimedAt.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, contracts.IdempotencyCompleted, again.Status)
}

func TestComplete_UnclaimedKey(t *testing.T) {
	svc := NewService(storage.NewMemoryStore())
	err := svc.Complete(context.Background(), "never-claimed", nil, claimedAt)
	assert.True(t, contracts.IsKind(err, contracts.KindNotFound))
}
