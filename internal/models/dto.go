package models

import "time"

// ErrorResponse is the standard error body
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthResponse is the health check body
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// IngestResponse is the batch ingestion response: one outcome per submitted
// item, in submission order. Replays with the same idempotency key and item
// set yield an identical response.
type IngestResponse struct {
	IdempotencyKey string        `json:"idempotencyKey"`
	Outcomes       []ItemOutcome `json:"outcomes"`
}

// CatalogResponse lists the published model artifacts
type CatalogResponse struct {
	Models []CatalogEntry `json:"models"`
}

// ServerSyncStatusResponse summarizes server-side ingestion state
type ServerSyncStatusResponse struct {
	TotalRecords     int        `json:"totalRecords"`
	CorrectedRecords int        `json:"correctedRecords"`
	LastIngestAt     *time.Time `json:"lastIngestAt,omitempty"`
}
