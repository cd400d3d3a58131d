package services

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plantsync/engine/internal/models"
)

func writeManifest(t *testing.T, dir string, entries []manifestEntry) {
	t.Helper()
	data, err := json.Marshal(entries)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.json"), data, 0644))
}

func TestCatalogService(t *testing.T) {
	t.Run("missing manifest yields an empty catalog", func(t *testing.T) {
		svc, err := NewCatalogService(t.TempDir())
		require.NoError(t, err)
		assert.Empty(t, svc.Entries())
	})

	t.Run("loads entries from the manifest", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "plantnet-lite.bin"), []byte("weights"), 0644))
		writeManifest(t, dir, []manifestEntry{{
			ModelID:      "plantnet-lite",
			Version:      "1.2.0",
			SizeBytes:    7,
			Checksum:     "abc",
			Capabilities: []string{"identification"},
			File:         "plantnet-lite.bin",
		}})

		svc, err := NewCatalogService(dir)
		require.NoError(t, err)

		entries := svc.Entries()
		require.Len(t, entries, 1)
		assert.Equal(t, "plantnet-lite", entries[0].ModelID)
		assert.Equal(t, "1.2.0", entries[0].Version)

		f, err := svc.Open("plantnet-lite")
		require.NoError(t, err)
		defer f.Close()
		data, err := io.ReadAll(f)
		require.NoError(t, err)
		assert.Equal(t, []byte("weights"), data)
	})

	t.Run("unknown model", func(t *testing.T) {
		svc, err := NewCatalogService(t.TempDir())
		require.NoError(t, err)

		_, err = svc.Open("ghost")
		assert.ErrorIs(t, err, models.ErrModelNotFound)
	})

	t.Run("manifest entry without a file is rejected", func(t *testing.T) {
		dir := t.TempDir()
		writeManifest(t, dir, []manifestEntry{{ModelID: "m1"}})

		_, err := NewCatalogService(dir)
		assert.Error(t, err)
	})

	t.Run("listed file that is gone reads as not found", func(t *testing.T) {
		dir := t.TempDir()
		writeManifest(t, dir, []manifestEntry{{ModelID: "m1", File: "m1.bin"}})

		svc, err := NewCatalogService(dir)
		require.NoError(t, err)

		_, err = svc.Open("m1")
		assert.ErrorIs(t, err, models.ErrModelNotFound)
	})

	t.Run("reload picks up new models", func(t *testing.T) {
		dir := t.TempDir()
		svc, err := NewCatalogService(dir)
		require.NoError(t, err)
		require.Empty(t, svc.Entries())

		writeManifest(t, dir, []manifestEntry{{ModelID: "m1", File: "m1.bin"}})
		require.NoError(t, svc.Reload())
		assert.Len(t, svc.Entries(), 1)
	})
}
