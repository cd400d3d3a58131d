package models

import (
	"time"
)

// ArtifactState represents the lifecycle state of a downloadable model artifact
type ArtifactState string

const (
	ArtifactNotDownloaded ArtifactState = "not_downloaded"
	ArtifactDownloading   ArtifactState = "downloading"
	ArtifactVerifying     ArtifactState = "verifying"
	ArtifactReady         ArtifactState = "ready"
	ArtifactActive        ArtifactState = "active"
	ArtifactDeprecated    ArtifactState = "deprecated"
	ArtifactEvicted       ArtifactState = "evicted"
	ArtifactFailed        ArtifactState = "failed"
)

var artifactTransitions = map[ArtifactState][]ArtifactState{
	ArtifactNotDownloaded: {ArtifactDownloading},
	ArtifactDownloading:   {ArtifactVerifying, ArtifactFailed, ArtifactNotDownloaded},
	ArtifactVerifying:     {ArtifactReady, ArtifactFailed},
	ArtifactReady:         {ArtifactActive, ArtifactEvicted},
	ArtifactActive:        {ArtifactDeprecated},
	ArtifactDeprecated:    {ArtifactActive, ArtifactEvicted},
	ArtifactEvicted:       {ArtifactDownloading},
	ArtifactFailed:        {ArtifactDownloading},
}

// CanTransitionTo reports whether moving from s to next is legal
func (s ArtifactState) CanTransitionTo(next ArtifactState) bool {
	for _, allowed := range artifactTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// HasBytes reports whether the state implies complete on-device bytes.
// Only ready, active and deprecated artifacts count against the quota's
// ready/active total or are usable for inference.
func (s ArtifactState) HasBytes() bool {
	switch s {
	case ArtifactReady, ArtifactActive, ArtifactDeprecated:
		return true
	}
	return false
}

// ModelArtifact is the metadata for one downloadable inference model.
// Catalog fields (version, size, checksum, capabilities) come from the
// server; lifecycle fields are owned by the ModelManager.
type ModelArtifact struct {
	ModelID      string        `json:"modelId"`
	Version      string        `json:"version"`
	SizeBytes    int64         `json:"sizeBytes"`
	Checksum     string        `json:"checksum"`
	Capabilities []string      `json:"capabilities"`
	State        ArtifactState `json:"state"`
	DownloadedAt *time.Time    `json:"downloadedAt,omitempty"`
	ActivatedAt  *time.Time    `json:"activatedAt,omitempty"`
	LastError    string        `json:"lastError,omitempty"`
}

// Supports reports whether the artifact declares the given capability
func (a *ModelArtifact) Supports(capability string) bool {
	for _, c := range a.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// CatalogEntry is artifact metadata as published by the model catalog
// boundary: no bytes, no device-side lifecycle state.
type CatalogEntry struct {
	ModelID      string   `json:"modelId"`
	Version      string   `json:"version"`
	SizeBytes    int64    `json:"sizeBytes"`
	Checksum     string   `json:"checksum"`
	Capabilities []string `json:"capabilities"`
}
