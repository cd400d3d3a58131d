package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plantsync/engine/internal/models"
)

func newTestArtifactRepo(t *testing.T) *ArtifactRepository {
	t.Helper()
	db, err := NewDeviceDB(filepath.Join(t.TempDir(), "device.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewArtifactRepository(db)
}

func catalogEntry(id string, size int64) models.CatalogEntry {
	return models.CatalogEntry{
		ModelID:      id,
		Version:      "1.0.0",
		SizeBytes:    size,
		Checksum:     "deadbeef",
		Capabilities: []string{"identification"},
	}
}

// advance walks an artifact along the download path to the target state
func advance(t *testing.T, repo *ArtifactRepository, id string, target models.ArtifactState) {
	t.Helper()
	ctx := context.Background()
	path := []models.ArtifactState{
		models.ArtifactDownloading,
		models.ArtifactVerifying,
		models.ArtifactReady,
	}
	for _, s := range path {
		require.NoError(t, repo.SetState(ctx, id, s, ""))
		if s == target {
			return
		}
	}
	if target == models.ArtifactActive {
		require.NoError(t, repo.SwapActive(ctx, id, time.Now()))
	}
}

func TestArtifactRepository_UpsertCatalog(t *testing.T) {
	repo := newTestArtifactRepo(t)
	ctx := context.Background()

	t.Run("inserts with not_downloaded state", func(t *testing.T) {
		require.NoError(t, repo.UpsertCatalog(ctx, catalogEntry("plantnet-lite", 100)))

		got, err := repo.Get(ctx, "plantnet-lite")
		require.NoError(t, err)
		assert.Equal(t, models.ArtifactNotDownloaded, got.State)
		assert.Equal(t, []string{"identification"}, got.Capabilities)
	})

	t.Run("refresh keeps lifecycle state", func(t *testing.T) {
		advance(t, repo, "plantnet-lite", models.ArtifactReady)

		updated := catalogEntry("plantnet-lite", 200)
		updated.Version = "1.1.0"
		require.NoError(t, repo.UpsertCatalog(ctx, updated))

		got, err := repo.Get(ctx, "plantnet-lite")
		require.NoError(t, err)
		assert.Equal(t, models.ArtifactReady, got.State, "catalog refresh must not reset lifecycle")
		assert.Equal(t, "1.1.0", got.Version)
		assert.EqualValues(t, 200, got.SizeBytes)
	})

	t.Run("missing model", func(t *testing.T) {
		_, err := repo.Get(ctx, "nope")
		assert.ErrorIs(t, err, models.ErrModelNotFound)
	})
}

func TestArtifactRepository_SetState(t *testing.T) {
	repo := newTestArtifactRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.UpsertCatalog(ctx, catalogEntry("m1", 100)))

	t.Run("rejects illegal transition", func(t *testing.T) {
		err := repo.SetState(ctx, "m1", models.ArtifactReady, "")
		assert.ErrorIs(t, err, models.ErrInvalidModelState)
	})

	t.Run("records last error", func(t *testing.T) {
		require.NoError(t, repo.SetState(ctx, "m1", models.ArtifactDownloading, ""))
		require.NoError(t, repo.SetState(ctx, "m1", models.ArtifactFailed, "checksum mismatch"))

		got, err := repo.Get(ctx, "m1")
		require.NoError(t, err)
		assert.Equal(t, models.ArtifactFailed, got.State)
		assert.Equal(t, "checksum mismatch", got.LastError)
	})

	t.Run("unknown model", func(t *testing.T) {
		err := repo.SetState(ctx, "ghost", models.ArtifactDownloading, "")
		assert.ErrorIs(t, err, models.ErrModelNotFound)
	})
}

func TestArtifactRepository_SwapActive(t *testing.T) {
	repo := newTestArtifactRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.UpsertCatalog(ctx, catalogEntry("old", 100)))
	require.NoError(t, repo.UpsertCatalog(ctx, catalogEntry("new", 100)))

	t.Run("refuses a non-ready artifact", func(t *testing.T) {
		err := repo.SwapActive(ctx, "new", time.Now())
		assert.ErrorIs(t, err, models.ErrModelNotReady)
	})

	t.Run("activates the first model", func(t *testing.T) {
		advance(t, repo, "old", models.ArtifactActive)

		got, err := repo.Get(ctx, "old")
		require.NoError(t, err)
		assert.Equal(t, models.ArtifactActive, got.State)
		assert.NotNil(t, got.ActivatedAt)
	})

	t.Run("swap deprecates the previous active", func(t *testing.T) {
		advance(t, repo, "new", models.ArtifactActive)

		oldArtifact, err := repo.Get(ctx, "old")
		require.NoError(t, err)
		assert.Equal(t, models.ArtifactDeprecated, oldArtifact.State)

		newArtifact, err := repo.Get(ctx, "new")
		require.NoError(t, err)
		assert.Equal(t, models.ArtifactActive, newArtifact.State)
	})
}

func TestArtifactRepository_TotalBytes(t *testing.T) {
	repo := newTestArtifactRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.UpsertCatalog(ctx, catalogEntry("a", 100)))
	require.NoError(t, repo.UpsertCatalog(ctx, catalogEntry("b", 250)))
	require.NoError(t, repo.UpsertCatalog(ctx, catalogEntry("c", 400)))
	advance(t, repo, "a", models.ArtifactReady)
	advance(t, repo, "b", models.ArtifactActive)

	total, err := repo.TotalBytes(ctx, models.ArtifactReady, models.ArtifactActive)
	require.NoError(t, err)
	assert.EqualValues(t, 350, total, "not_downloaded artifacts carry no bytes")

	total, err = repo.TotalBytes(ctx, models.ArtifactReady)
	require.NoError(t, err)
	assert.EqualValues(t, 100, total)

	total, err = repo.TotalBytes(ctx)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestArtifactRepository_EvictionCandidates(t *testing.T) {
	repo := newTestArtifactRepo(t)
	ctx := context.Background()

	// first: downloaded but never activated
	require.NoError(t, repo.UpsertCatalog(ctx, catalogEntry("never-activated", 10)))
	advance(t, repo, "never-activated", models.ArtifactReady)
	require.NoError(t, repo.MarkDownloaded(ctx, "never-activated", time.Now().Add(-3*time.Hour)))

	// second: activated long ago, then deprecated by a later activation
	require.NoError(t, repo.UpsertCatalog(ctx, catalogEntry("stale", 10)))
	advance(t, repo, "stale", models.ArtifactReady)
	require.NoError(t, repo.SwapActive(ctx, "stale", time.Now().Add(-2*time.Hour)))

	// third: the current active, must never be a candidate
	require.NoError(t, repo.UpsertCatalog(ctx, catalogEntry("current", 10)))
	advance(t, repo, "current", models.ArtifactReady)
	require.NoError(t, repo.SwapActive(ctx, "current", time.Now()))

	candidates, err := repo.EvictionCandidates(ctx)
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Equal(t, "never-activated", candidates[0].ModelID, "never-activated artifacts evict first")
	assert.Equal(t, "stale", candidates[1].ModelID)
}
