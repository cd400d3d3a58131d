package handlers

import (
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/plantsync/engine/internal/models"
	"github.com/plantsync/engine/internal/services"
)

// CatalogHandler serves the published model catalog and artifact content
type CatalogHandler struct {
	catalog *services.CatalogService
}

// NewCatalogHandler creates a new CatalogHandler
func NewCatalogHandler(catalog *services.CatalogService) *CatalogHandler {
	return &CatalogHandler{catalog: catalog}
}

// ListModels returns the published model catalog
// @Summary List published models
// @Description Returns metadata for every published model artifact
// @Tags models
// @Produce json
// @Success 200 {object} models.CatalogResponse
// @Security ApiKeyAuth
// @Router /api/models [get]
func (h *CatalogHandler) ListModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, models.CatalogResponse{Models: h.catalog.Entries()})
}

// GetModelContent streams the artifact bytes. Range requests are honored so
// interrupted device downloads can resume.
// @Summary Download model content
// @Description Streams the model artifact bytes with range support
// @Tags models
// @Produce application/octet-stream
// @Param id path string true "Model ID"
// @Success 200 {file} binary
// @Success 206 {file} binary
// @Failure 404 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/models/{id}/content [get]
func (h *CatalogHandler) GetModelContent(w http.ResponseWriter, r *http.Request) {
	modelID := chi.URLParam(r, "id")

	f, err := h.catalog.Open(modelID)
	if errors.Is(err, models.ErrModelNotFound) {
		writeError(w, http.StatusNotFound, "model not found")
		return
	}
	if err != nil {
		log.Printf("Error opening artifact for %s: %v", modelID, err)
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	modTime := time.Time{}
	if err == nil {
		modTime = info.ModTime()
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeContent(w, r, modelID+".bin", modTime, f)
}
