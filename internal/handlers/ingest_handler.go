package handlers

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/plantsync/engine/internal/models"
	"github.com/plantsync/engine/internal/services"
)

// IngestHandler handles batch ingestion endpoints
type IngestHandler struct {
	reconciliation *services.ReconciliationService
	hub            *services.WebSocketHub
}

// NewIngestHandler creates a new IngestHandler
func NewIngestHandler(reconciliation *services.ReconciliationService, hub *services.WebSocketHub) *IngestHandler {
	return &IngestHandler{
		reconciliation: reconciliation,
		hub:            hub,
	}
}

// IngestBatch accepts one sync batch and returns per-item outcomes
// @Summary Ingest a sync batch
// @Description Reconcile a batch of device records exactly once. Replays with the same idempotency key return the original outcomes.
// @Tags sync
// @Accept json
// @Produce json
// @Param request body models.SyncBatch true "Sync batch"
// @Success 200 {object} models.IngestResponse
// @Failure 400 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/sync/batch [post]
func (h *IngestHandler) IngestBatch(w http.ResponseWriter, r *http.Request) {
	var batch models.SyncBatch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if batch.IdempotencyKey == "" {
		writeError(w, http.StatusBadRequest, "idempotencyKey is required")
		return
	}
	if len(batch.Items) == 0 {
		writeError(w, http.StatusBadRequest, "batch has no items")
		return
	}

	outcomes, err := h.reconciliation.Ingest(r.Context(), batch)
	if err != nil {
		log.Printf("Batch ingestion failed: %v", err)
		writeError(w, http.StatusInternalServerError, "ingestion failed")
		return
	}

	if h.hub != nil {
		h.hub.BroadcastToTopic(services.TopicIngest, services.WSMessage{
			Type: "batch_ingested",
			Payload: map[string]interface{}{
				"deviceId":  batch.DeviceID,
				"batchKey":  batch.IdempotencyKey,
				"itemCount": len(batch.Items),
			},
		})
	}

	writeJSON(w, http.StatusOK, models.IngestResponse{
		IdempotencyKey: batch.IdempotencyKey,
		Outcomes:       outcomes,
	})
}

// GetSyncStatus returns server-side ingestion totals
// @Summary Get sync status
// @Description Returns canonical record totals and the last ingestion time
// @Tags sync
// @Produce json
// @Success 200 {object} models.ServerSyncStatusResponse
// @Security ApiKeyAuth
// @Router /api/sync/status [get]
func (h *IngestHandler) GetSyncStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.reconciliation.Stats(r.Context())
	if err != nil {
		log.Printf("Error getting sync status: %v", err)
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, models.ErrorResponse{Error: msg})
}
