package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/plantsync/engine/internal/models"
)

// APIClient talks to the reconciliation and model catalog server. It
// implements the sync worker's submitter boundary, the model manager's
// catalog boundary and the connectivity monitor's probe.
type APIClient struct {
	baseURL  string
	apiKey   string
	deviceID string
	http     *http.Client
}

// NewAPIClient creates a new APIClient
func NewAPIClient(baseURL, apiKey, deviceID string) *APIClient {
	return &APIClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		deviceID: deviceID,
		http: &http.Client{
			Timeout: 2 * time.Minute,
		},
	}
}

// SubmitBatch posts one sync batch and decodes the per-item outcomes.
// Failures are classified: network errors, timeouts and 5xx are transient
// (the idempotency key makes the retry safe); other 4xx are permanent.
func (c *APIClient) SubmitBatch(ctx context.Context, batch models.SyncBatch) ([]models.ItemOutcome, error) {
	body, err := json.Marshal(batch)
	if err != nil {
		return nil, models.Permanent(fmt.Errorf("encode batch: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/sync/batch", bytes.NewReader(body))
	if err != nil {
		return nil, models.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, models.Transient(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("server returned %s: %s", resp.Status, readErrorBody(resp.Body))
		if retryableStatus(resp.StatusCode) {
			return nil, models.Transient(err)
		}
		return nil, models.Permanent(err)
	}

	var ingest models.IngestResponse
	if err := json.NewDecoder(resp.Body).Decode(&ingest); err != nil {
		// A garbled response says nothing about whether the server
		// committed; retry under the same key.
		return nil, models.Transient(fmt.Errorf("decode response: %w", err))
	}
	return ingest.Outcomes, nil
}

// Catalog fetches the published model catalog
func (c *APIClient) Catalog(ctx context.Context) ([]models.CatalogEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/models", nil)
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned %s: %s", resp.Status, readErrorBody(resp.Body))
	}

	var catalog models.CatalogResponse
	if err := json.NewDecoder(resp.Body).Decode(&catalog); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	return catalog.Models, nil
}

// FetchContent streams artifact bytes starting at offset via a range request
func (c *APIClient) FetchContent(ctx context.Context, modelID, version string, offset int64) (io.ReadCloser, error) {
	url := fmt.Sprintf("%s/api/models/%s/content", c.baseURL, modelID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusPartialContent:
		return resp.Body, nil
	case http.StatusOK:
		if offset > 0 {
			// Server ignored the range header; skip what we already have
			if _, err := io.CopyN(io.Discard, resp.Body, offset); err != nil {
				resp.Body.Close()
				return nil, err
			}
		}
		return resp.Body, nil
	case http.StatusNotFound:
		resp.Body.Close()
		return nil, models.ErrModelNotFound
	default:
		defer resp.Body.Close()
		return nil, fmt.Errorf("server returned %s: %s", resp.Status, readErrorBody(resp.Body))
	}
}

// Probe checks reachability against the unauthenticated health endpoint
func (c *APIClient) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL+"/api/health", nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("server unhealthy: %s", resp.Status)
	}
	return nil
}

func (c *APIClient) setHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	if c.deviceID != "" {
		req.Header.Set("X-Device-ID", c.deviceID)
	}
}

func retryableStatus(code int) bool {
	switch {
	case code >= 500:
		return true
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return true
	}
	return false
}

func readErrorBody(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 512))
	if err != nil || len(data) == 0 {
		return "(no body)"
	}
	var errResp models.ErrorResponse
	if json.Unmarshal(data, &errResp) == nil && errResp.Error != "" {
		return errResp.Error
	}
	return string(data)
}
