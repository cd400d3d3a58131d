package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plantsync/engine/internal/models"
	"github.com/plantsync/engine/internal/repository"
	"github.com/plantsync/engine/internal/services"
)

func newIngestServer(t *testing.T) *httptest.Server {
	t.Helper()
	db, err := repository.NewSQLiteDB(filepath.Join(t.TempDir(), "server.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	reconciliation := services.NewReconciliationService(repository.NewIngestRepository(db), nil)
	handler := NewIngestHandler(reconciliation, nil)

	r := chi.NewRouter()
	r.Post("/api/sync/batch", handler.IngestBatch)
	r.Get("/api/sync/status", handler.GetSyncStatus)

	server := httptest.NewServer(r)
	t.Cleanup(server.Close)
	return server
}

func postBatch(t *testing.T, server *httptest.Server, batch models.SyncBatch) *http.Response {
	t.Helper()
	body, err := json.Marshal(batch)
	require.NoError(t, err)

	resp, err := http.Post(server.URL+"/api/sync/batch", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func ingestBatchFixture(ids ...string) models.SyncBatch {
	items := make([]models.BatchItem, 0, len(ids))
	for _, id := range ids {
		items = append(items, models.BatchItem{
			RecordID: id,
			Kind:     models.KindLightReading,
			Payload:  json.RawMessage(`{"lux":420,"ppfd":95}`),
		})
	}
	return models.SyncBatch{
		IdempotencyKey: models.IdempotencyKey(ids),
		Items:          items,
		DeviceID:       "device-1",
	}
}

func TestIngestBatch(t *testing.T) {
	t.Run("accepts a valid batch", func(t *testing.T) {
		server := newIngestServer(t)

		resp := postBatch(t, server, ingestBatchFixture("r1", "r2"))
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var ingest models.IngestResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&ingest))
		require.Len(t, ingest.Outcomes, 2)
		assert.Equal(t, models.OutcomeAccepted, ingest.Outcomes[0].Status)
		assert.Equal(t, models.OutcomeAccepted, ingest.Outcomes[1].Status)
	})

	t.Run("replay over HTTP reproduces the outcomes", func(t *testing.T) {
		server := newIngestServer(t)
		batch := ingestBatchFixture("r1")

		first := postBatch(t, server, batch)
		require.Equal(t, http.StatusOK, first.StatusCode)
		var a models.IngestResponse
		require.NoError(t, json.NewDecoder(first.Body).Decode(&a))

		replay := postBatch(t, server, batch)
		require.Equal(t, http.StatusOK, replay.StatusCode)
		var b models.IngestResponse
		require.NoError(t, json.NewDecoder(replay.Body).Decode(&b))

		assert.Equal(t, a.Outcomes, b.Outcomes)
	})

	t.Run("rejects a batch without an idempotency key", func(t *testing.T) {
		server := newIngestServer(t)
		batch := ingestBatchFixture("r1")
		batch.IdempotencyKey = ""

		resp := postBatch(t, server, batch)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("rejects an empty batch", func(t *testing.T) {
		server := newIngestServer(t)
		batch := models.SyncBatch{IdempotencyKey: "key-1"}

		resp := postBatch(t, server, batch)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("rejects a malformed body", func(t *testing.T) {
		server := newIngestServer(t)

		resp, err := http.Post(server.URL+"/api/sync/batch", "application/json", bytes.NewReader([]byte("{not json")))
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		var errResp models.ErrorResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&errResp))
		assert.Equal(t, "invalid request body", errResp.Error)
	})
}

func TestGetSyncStatus(t *testing.T) {
	server := newIngestServer(t)

	resp := postBatch(t, server, ingestBatchFixture("r1", "r2"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	statusResp, err := http.Get(server.URL + "/api/sync/status")
	require.NoError(t, err)
	defer statusResp.Body.Close()
	require.Equal(t, http.StatusOK, statusResp.StatusCode)

	var status models.ServerSyncStatusResponse
	require.NoError(t, json.NewDecoder(statusResp.Body).Decode(&status))
	assert.Equal(t, 2, status.TotalRecords)
	assert.Zero(t, status.CorrectedRecords)
	assert.NotNil(t, status.LastIngestAt)
}
