package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.json"))

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, ":5000", cfg.Server.Address)
		assert.False(t, cfg.Server.UsePostgres())
		assert.Equal(t, "X-API-Key", cfg.Security.APIKeyHeader)
		assert.Equal(t, 50, cfg.Sync.MaxBatchSize)
		assert.Equal(t, 2*time.Second, cfg.Sync.BaseDelay())
		assert.Equal(t, 5*time.Minute, cfg.Sync.MaxDelay())
		require.NotNil(t, cfg.Sync.AutoAcceptCorrections)
		assert.True(t, *cfg.Sync.AutoAcceptCorrections)
		assert.EqualValues(t, 512*1024*1024, cfg.Models.QuotaBytes)
		assert.True(t, filepath.IsAbs(cfg.Catalog.BasePath))
	})

	t.Run("config file overrides defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.json")
		require.NoError(t, os.WriteFile(path, []byte(`{
			"server": {"address": ":8080"},
			"sync": {"maxBatchSize": 10, "autoAcceptCorrections": false}
		}`), 0644))
		t.Setenv("CONFIG_PATH", path)

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, ":8080", cfg.Server.Address)
		assert.Equal(t, 10, cfg.Sync.MaxBatchSize)
		require.NotNil(t, cfg.Sync.AutoAcceptCorrections)
		assert.False(t, *cfg.Sync.AutoAcceptCorrections)
	})

	t.Run("environment overrides the file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"server": {"address": ":8080"}}`), 0644))
		t.Setenv("CONFIG_PATH", path)
		t.Setenv("SERVER_ADDRESS", ":9090")
		t.Setenv("DATABASE_URL", "postgres://localhost/plantsync")
		t.Setenv("AGENT_DEVICE_ID", "greenhouse-7")
		t.Setenv("MODEL_QUOTA_BYTES", "1024")
		t.Setenv("SYNC_AUTO_ACCEPT_CORRECTIONS", "false")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, ":9090", cfg.Server.Address)
		assert.True(t, cfg.Server.UsePostgres())
		assert.Equal(t, "greenhouse-7", cfg.Agent.DeviceID)
		assert.EqualValues(t, 1024, cfg.Models.QuotaBytes)
		require.NotNil(t, cfg.Sync.AutoAcceptCorrections)
		assert.False(t, *cfg.Sync.AutoAcceptCorrections)
	})

	t.Run("malformed config file fails", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.json")
		require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))
		t.Setenv("CONFIG_PATH", path)

		_, err := Load()
		assert.Error(t, err)
	})
}
