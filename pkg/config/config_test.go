package config

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opx-platform/opx-core/pkg/storage"
)

func TestFromEnv_Defaults(t *testing.T) {
	for _, key := range []string{"OPX_HTTP_ADDR", "OPX_LOG_LEVEL", "OPX_STORAGE_DRIVER",
		"OPX_RATE_LIMIT_RPS", "OPX_POSTGRES_DSN"} {
		t.Setenv(key, "")
	}

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, DriverMemory, cfg.StorageDriver)
	assert.InDelta(t, 5.0, cfg.RateLimitRPS, 1e-9)
	assert.Equal(t, 10, cfg.RateLimitBurst)
}

func TestFromEnv_Validation(t *testing.T) {
	t.Setenv("OPX_STORAGE_DRIVER", "dynamo")
	_, err := FromEnv()
	assert.Error(t, err)

	t.Setenv("OPX_STORAGE_DRIVER", DriverPostgres)
	t.Setenv("OPX_POSTGRES_DSN", "")
	_, err = FromEnv()
	assert.Error(t, err, "postgres driver requires a DSN")

	t.Setenv("OPX_POSTGRES_DSN", "postgres://opx@localhost/opx")
	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, DriverPostgres, cfg.StorageDriver)
}

func TestAutomationStore(t *testing.T) {
	ctx := context.Background()
	store := NewAutomationStore(storage.NewMemoryStore())

	cfg, err := store.Get(ctx)
	require.NoError(t, err)
	assert.False(t, cfg.KillSwitchEngaged, "automation defaults to enabled")

	engaged := AutomationConfig{
		KillSwitchEngaged: true,
		Reason:            "bad rule deploy",
		UpdatedBy:         "op-1",
		UpdatedAt:         time.Date(2026, 1, 16, 10, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.Set(ctx, engaged))

	cfg, err = store.Get(ctx)
	require.NoError(t, err)
	assert.True(t, cfg.KillSwitchEngaged)
	assert.Equal(t, "bad rule deploy", cfg.Reason)

	engaged.KillSwitchEngaged = false
	require.NoError(t, store.Set(ctx, engaged), "versioned update path")
	cfg, err = store.Get(ctx)
	require.NoError(t, err)
	assert.False(t, cfg.KillSwitchEngaged)
}
