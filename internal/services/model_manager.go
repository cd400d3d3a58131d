package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/plantsync/engine/internal/models"
	"github.com/plantsync/engine/internal/observability"
	"github.com/plantsync/engine/internal/repository"
)

// ModelCatalogClient is the model catalog and content-fetch boundary as seen
// from the device. FetchContent must honor the byte offset so an interrupted
// download resumes instead of restarting.
type ModelCatalogClient interface {
	Catalog(ctx context.Context) ([]models.CatalogEntry, error)
	FetchContent(ctx context.Context, modelID, version string, offset int64) (io.ReadCloser, error)
}

// ActiveModel is the handle inference code holds while running a model
type ActiveModel struct {
	ModelID string
	Version string
	Path    string
}

// ModelManager owns the lifecycle of downloadable inference-model artifacts:
// catalog refresh, resumable download, checksum verification, atomic
// activation and quota-driven eviction. Artifact bytes live under blobDir;
// metadata lives in the artifact store.
type ModelManager struct {
	artifacts repository.ArtifactRepo
	catalog   ModelCatalogClient
	blobDir   string
	quota     int64
	events    *EventStream
	metrics   *observability.EngineMetrics
	log       *observability.Logger

	mu     sync.RWMutex
	active *ActiveModel
	refs   map[string]int

	// Serializes Download calls. The quota projection in ensureQuota holds
	// only while no other download can land bytes between the gate and ready.
	dl sync.Mutex
}

// NewModelManager creates a new ModelManager. Metrics are optional.
func NewModelManager(artifacts repository.ArtifactRepo, catalog ModelCatalogClient, blobDir string, quotaBytes int64, events *EventStream, metrics *observability.EngineMetrics) (*ModelManager, error) {
	if err := os.MkdirAll(blobDir, 0755); err != nil {
		return nil, err
	}

	return &ModelManager{
		artifacts: artifacts,
		catalog:   catalog,
		blobDir:   blobDir,
		quota:     quotaBytes,
		events:    events,
		metrics:   metrics,
		log:       observability.WithField("component", "model_manager"),
		refs:      make(map[string]int),
	}, nil
}

// Restore reloads the active-model handle from the artifact store after a
// restart. Must run before inference lookups begin.
func (m *ModelManager) Restore(ctx context.Context) error {
	artifacts, err := m.artifacts.List(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range artifacts {
		if a.State == models.ArtifactActive {
			m.active = &ActiveModel{ModelID: a.ModelID, Version: a.Version, Path: m.blobPath(a.ModelID)}
			m.log.Infof("Restored active model %s@%s", a.ModelID, a.Version)
			break
		}
	}
	return nil
}

// RefreshCatalog pulls the published catalog and upserts the metadata
func (m *ModelManager) RefreshCatalog(ctx context.Context) error {
	entries, err := m.catalog.Catalog(ctx)
	if err != nil {
		return fmt.Errorf("fetch catalog: %w", err)
	}

	for _, entry := range entries {
		if err := m.artifacts.UpsertCatalog(ctx, entry); err != nil {
			return fmt.Errorf("upsert catalog entry %s: %w", entry.ModelID, err)
		}
	}
	m.log.Debugf("Catalog refreshed (%d models)", len(entries))
	return nil
}

// ListAvailable returns all known artifacts with their lifecycle state
func (m *ModelManager) ListAvailable(ctx context.Context) ([]*models.ModelArtifact, error) {
	return m.artifacts.List(ctx)
}

// Download fetches, verifies and stages the artifact: not_downloaded ->
// downloading -> verifying -> ready. Safe to call again after any failure;
// partial bytes from an interrupted transfer are resumed via range fetch.
func (m *ModelManager) Download(ctx context.Context, modelID string) error {
	ctx, span := observability.StartServiceSpan(ctx, "model_manager", "download")
	defer span.End()
	span.SetAttributes(observability.ModelID(modelID))

	m.dl.Lock()
	defer m.dl.Unlock()

	artifact, err := m.artifacts.Get(ctx, modelID)
	if err != nil {
		return err
	}
	if artifact.State.HasBytes() {
		return nil // already on device
	}

	if artifact.State != models.ArtifactDownloading {
		if err := m.setState(ctx, modelID, models.ArtifactDownloading, ""); err != nil {
			return err
		}
	}

	// Quota gate: nothing proceeds past downloading unless the finished
	// artifact fits next to the current ready/active set.
	if err := m.ensureQuota(ctx, artifact.SizeBytes); err != nil {
		m.discardPartial(modelID)
		if stateErr := m.setState(ctx, modelID, models.ArtifactNotDownloaded, err.Error()); stateErr != nil {
			m.log.Errorf("Failed to reset %s after quota rejection: %v", modelID, stateErr)
		}
		return err
	}

	if err := m.fetchBytes(ctx, artifact); err != nil {
		// Keep the partial file: the next attempt resumes from its tail
		if stateErr := m.setState(ctx, modelID, models.ArtifactFailed, err.Error()); stateErr != nil {
			m.log.Errorf("Failed to mark %s failed: %v", modelID, stateErr)
		}
		m.recordDownload(ctx, artifact, false)
		return err
	}

	if err := m.setState(ctx, modelID, models.ArtifactVerifying, ""); err != nil {
		return err
	}

	if err := m.verify(modelID, artifact.Checksum); err != nil {
		m.discardPartial(modelID)
		if stateErr := m.setState(ctx, modelID, models.ArtifactFailed, err.Error()); stateErr != nil {
			m.log.Errorf("Failed to mark %s failed: %v", modelID, stateErr)
		}
		m.recordDownload(ctx, artifact, false)
		return err
	}

	if err := os.Rename(m.partialPath(modelID), m.blobPath(modelID)); err != nil {
		return fmt.Errorf("stage artifact: %w", err)
	}
	if err := m.setState(ctx, modelID, models.ArtifactReady, ""); err != nil {
		return err
	}
	if err := m.artifacts.MarkDownloaded(ctx, modelID, time.Now().UTC()); err != nil {
		return err
	}

	m.recordDownload(ctx, artifact, true)
	m.log.Infof("Model %s@%s ready (%d bytes)", artifact.ModelID, artifact.Version, artifact.SizeBytes)
	return nil
}

func (m *ModelManager) recordDownload(ctx context.Context, artifact *models.ModelArtifact, success bool) {
	if m.metrics != nil {
		m.metrics.RecordModelDownload(ctx, artifact.ModelID, artifact.SizeBytes, success)
	}
}

// Activate swaps the artifact into the active slot. The previously active
// artifact becomes deprecated; the swap happens under the handle lock so a
// concurrent Active() lookup sees either the old or the new model, never
// neither.
func (m *ModelManager) Activate(ctx context.Context, modelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	artifact, err := m.artifacts.Get(ctx, modelID)
	if err != nil {
		return err
	}
	if artifact.State == models.ArtifactActive {
		return nil
	}
	if artifact.State != models.ArtifactReady {
		return fmt.Errorf("%w: %s is %s", models.ErrModelNotReady, modelID, artifact.State)
	}

	if err := m.artifacts.SwapActive(ctx, modelID, time.Now().UTC()); err != nil {
		return err
	}

	m.active = &ActiveModel{ModelID: artifact.ModelID, Version: artifact.Version, Path: m.blobPath(modelID)}
	m.publish(modelID, models.ArtifactActive)
	m.log.Infof("Activated model %s@%s", artifact.ModelID, artifact.Version)
	return nil
}

// Active returns the current active model handle plus a release function.
// The handle pins the artifact: eviction fails with ErrModelInUse until every
// holder has released, even if the artifact was deprecated meanwhile.
func (m *ModelManager) Active() (*ActiveModel, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		return nil, nil, models.ErrNoActiveModel
	}

	handle := m.active
	m.refs[handle.ModelID]++

	var once sync.Once
	release := func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if m.refs[handle.ModelID] > 0 {
				m.refs[handle.ModelID]--
			}
		})
	}
	return handle, release, nil
}

// Evict removes the artifact's on-device bytes and marks it evicted. Catalog
// metadata survives, so the model can be downloaded again later.
func (m *ModelManager) Evict(ctx context.Context, modelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evictLocked(ctx, modelID)
}

func (m *ModelManager) evictLocked(ctx context.Context, modelID string) error {
	artifact, err := m.artifacts.Get(ctx, modelID)
	if err != nil {
		return err
	}
	if artifact.State == models.ArtifactActive {
		return fmt.Errorf("%w: %s is active", models.ErrModelInUse, modelID)
	}
	if m.refs[modelID] > 0 {
		return fmt.Errorf("%w: %s has %d open references", models.ErrModelInUse, modelID, m.refs[modelID])
	}
	if artifact.State == models.ArtifactEvicted {
		return nil
	}
	if !artifact.State.HasBytes() {
		return fmt.Errorf("%w: evict from %s", models.ErrInvalidModelState, artifact.State)
	}

	if err := os.Remove(m.blobPath(modelID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove artifact bytes: %w", err)
	}
	if err := m.setState(ctx, modelID, models.ArtifactEvicted, ""); err != nil {
		return err
	}
	if m.metrics != nil {
		m.metrics.RecordModelEviction(ctx, modelID, artifact.SizeBytes)
	}
	m.log.Infof("Evicted model %s", modelID)
	return nil
}

// ensureQuota evicts least-recently-activated non-active artifacts until the
// incoming artifact fits inside the ready/active byte quota, or fails with
// ErrQuotaExceeded when eviction cannot free enough.
func (m *ModelManager) ensureQuota(ctx context.Context, incomingBytes int64) error {
	if m.quota <= 0 {
		return nil
	}

	used, err := m.artifacts.TotalBytes(ctx, models.ArtifactReady, models.ArtifactActive)
	if err != nil {
		return err
	}
	if used+incomingBytes <= m.quota {
		return nil
	}

	candidates, err := m.artifacts.EvictionCandidates(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range candidates {
		if used+incomingBytes <= m.quota {
			break
		}
		if m.refs[c.ModelID] > 0 {
			continue
		}
		wasReady := c.State == models.ArtifactReady
		if err := m.evictLocked(ctx, c.ModelID); err != nil {
			m.log.Warnf("Quota eviction of %s failed: %v", c.ModelID, err)
			continue
		}
		if wasReady {
			used -= c.SizeBytes
		}
	}

	if used+incomingBytes > m.quota {
		return fmt.Errorf("%w: need %d bytes, %d in use of %d", models.ErrQuotaExceeded, incomingBytes, used, m.quota)
	}
	return nil
}

// fetchBytes appends to the partial file, resuming from its current length.
// Transient fetch errors retry with exponential backoff; each retry resumes
// from wherever the previous attempt stopped.
func (m *ModelManager) fetchBytes(ctx context.Context, artifact *models.ModelArtifact) error {
	partial := m.partialPath(artifact.ModelID)

	attempt := func() error {
		f, err := os.OpenFile(partial, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return backoff.Permanent(err)
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return backoff.Permanent(err)
		}
		offset := info.Size()
		if offset >= artifact.SizeBytes {
			return nil
		}

		rc, err := m.catalog.FetchContent(ctx, artifact.ModelID, artifact.Version, offset)
		if err != nil {
			return err
		}
		defer rc.Close()

		if _, err := io.Copy(f, rc); err != nil {
			return err
		}
		return f.Sync()
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	if err := backoff.Retry(attempt, policy); err != nil {
		return fmt.Errorf("fetch artifact content: %w", err)
	}

	info, err := os.Stat(partial)
	if err != nil {
		return err
	}
	if info.Size() != artifact.SizeBytes {
		return fmt.Errorf("short artifact: got %d of %d bytes", info.Size(), artifact.SizeBytes)
	}
	return nil
}

// verify recomputes the checksum of the fully written partial file
func (m *ModelManager) verify(modelID, wantChecksum string) error {
	f, err := os.Open(m.partialPath(modelID))
	if err != nil {
		return err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return err
	}

	got := hex.EncodeToString(h.Sum(nil))
	if got != strings.ToLower(strings.TrimSpace(wantChecksum)) {
		return fmt.Errorf("%w: got %s, want %s", models.ErrChecksumMismatch, got, wantChecksum)
	}
	return nil
}

func (m *ModelManager) setState(ctx context.Context, modelID string, next models.ArtifactState, lastError string) error {
	if err := m.artifacts.SetState(ctx, modelID, next, lastError); err != nil {
		return err
	}
	m.publish(modelID, next)
	return nil
}

func (m *ModelManager) publish(modelID string, state models.ArtifactState) {
	if m.events == nil {
		return
	}
	m.events.Publish(Event{
		Type:    EventModelState,
		ModelID: modelID,
		Status:  string(state),
	})
}

func (m *ModelManager) discardPartial(modelID string) {
	if err := os.Remove(m.partialPath(modelID)); err != nil && !os.IsNotExist(err) {
		m.log.Warnf("Failed to remove partial for %s: %v", modelID, err)
	}
}

func (m *ModelManager) blobPath(modelID string) string {
	return filepath.Join(m.blobDir, sanitizeModelID(modelID)+".bin")
}

func (m *ModelManager) partialPath(modelID string) string {
	return filepath.Join(m.blobDir, sanitizeModelID(modelID)+".partial")
}

func sanitizeModelID(id string) string {
	replacer := strings.NewReplacer("/", "_", "\\", "_", "..", "_", ":", "_")
	return replacer.Replace(id)
}
