package services

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/plantsync/engine/internal/models"
)

// CatalogService serves the published model catalog from a directory on the
// server. A manifest.json next to the artifact files lists each model's
// metadata; the artifact bytes are served straight from disk so range
// requests work.
type CatalogService struct {
	basePath string

	mu      sync.RWMutex
	entries []models.CatalogEntry
	files   map[string]string // modelID -> artifact filename
}

// manifestEntry is one row of manifest.json
type manifestEntry struct {
	ModelID      string   `json:"modelId"`
	Version      string   `json:"version"`
	SizeBytes    int64    `json:"sizeBytes"`
	Checksum     string   `json:"checksum"`
	Capabilities []string `json:"capabilities"`
	File         string   `json:"file"`
}

// NewCatalogService creates a new CatalogService and loads the manifest
func NewCatalogService(basePath string) (*CatalogService, error) {
	if strings.TrimSpace(basePath) == "" {
		return nil, fmt.Errorf("catalog path cannot be empty")
	}

	absPath, err := filepath.Abs(basePath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(absPath, 0755); err != nil {
		return nil, err
	}

	s := &CatalogService{
		basePath: absPath,
		files:    make(map[string]string),
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads manifest.json. A missing manifest yields an empty catalog.
func (s *CatalogService) Reload() error {
	data, err := os.ReadFile(filepath.Join(s.basePath, "manifest.json"))
	if os.IsNotExist(err) {
		s.mu.Lock()
		s.entries = nil
		s.files = make(map[string]string)
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("read catalog manifest: %w", err)
	}

	var manifest []manifestEntry
	if err := json.Unmarshal(data, &manifest); err != nil {
		return fmt.Errorf("parse catalog manifest: %w", err)
	}

	entries := make([]models.CatalogEntry, 0, len(manifest))
	files := make(map[string]string, len(manifest))
	for _, m := range manifest {
		if m.ModelID == "" || m.File == "" {
			return fmt.Errorf("catalog manifest entry missing modelId or file")
		}
		entries = append(entries, models.CatalogEntry{
			ModelID:      m.ModelID,
			Version:      m.Version,
			SizeBytes:    m.SizeBytes,
			Checksum:     m.Checksum,
			Capabilities: m.Capabilities,
		})
		files[m.ModelID] = m.File
	}

	s.mu.Lock()
	s.entries = entries
	s.files = files
	s.mu.Unlock()
	return nil
}

// Entries returns the published catalog
func (s *CatalogService) Entries() []models.CatalogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.CatalogEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Open opens the artifact file for a published model. Callers must close the
// returned file.
func (s *CatalogService) Open(modelID string) (*os.File, error) {
	s.mu.RLock()
	filename, ok := s.files[modelID]
	s.mu.RUnlock()
	if !ok {
		return nil, models.ErrModelNotFound
	}

	path := filepath.Join(s.basePath, filepath.Clean(filename))
	if !strings.HasPrefix(path, s.basePath) {
		return nil, fmt.Errorf("artifact path escapes catalog directory")
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, models.ErrModelNotFound
	}
	return f, err
}
