package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/plantsync/engine/internal/models"
	"github.com/plantsync/engine/internal/observability"
	"github.com/plantsync/engine/internal/repository"
)

// Scorer re-scores an identification payload with the authoritative server
// model. Implementations must be read-only with respect to client data.
type Scorer interface {
	Score(ctx context.Context, payload models.IdentificationPayload) ([]models.LabelScore, error)
}

// ReconciliationService accepts client batches and turns them into canonical
// server records exactly once. Replays with the same idempotency key
// reproduce the original per-item outcomes.
type ReconciliationService struct {
	repo   repository.IngestRepo
	scorer Scorer
	log    *observability.Logger
}

// NewReconciliationService creates a new ReconciliationService. The scorer is
// optional; without one, valid identification items are accepted as-is.
func NewReconciliationService(repo repository.IngestRepo, scorer Scorer) *ReconciliationService {
	return &ReconciliationService{
		repo:   repo,
		scorer: scorer,
		log:    observability.WithField("component", "reconciliation"),
	}
}

// Ingest processes one batch and returns one outcome per item, in submission
// order. Failures are isolated per item: a malformed payload or a scorer
// error never aborts the siblings.
func (s *ReconciliationService) Ingest(ctx context.Context, batch models.SyncBatch) ([]models.ItemOutcome, error) {
	ctx, span := observability.StartServiceSpan(ctx, "reconciliation", "ingest")
	defer span.End()
	span.SetAttributes(observability.BatchKey(batch.IdempotencyKey))

	outcomes := make([]models.ItemOutcome, 0, len(batch.Items))
	for _, item := range batch.Items {
		outcomes = append(outcomes, s.ingestItem(ctx, batch, item))
	}
	return outcomes, nil
}

func (s *ReconciliationService) ingestItem(ctx context.Context, batch models.SyncBatch, item models.BatchItem) models.ItemOutcome {
	if item.RecordID == "" {
		return models.ItemOutcome{RecordID: item.RecordID, Status: models.OutcomeRejected, Reason: "missing record id"}
	}
	if err := models.ValidatePayload(item.Kind, item.Payload); err != nil {
		// Rejects are not persisted: validation is deterministic, so a
		// replay reproduces the identical outcome without a stored row.
		return models.ItemOutcome{
			RecordID: item.RecordID,
			Status:   models.OutcomeRejected,
			Reason:   err.Error(),
		}
	}

	outcome, correction := s.computeOutcome(ctx, item)

	inserted, existing, err := s.repo.InsertIfAbsent(ctx, &repository.CanonicalRecord{
		RecordID:           item.RecordID,
		Kind:               item.Kind,
		Payload:            item.Payload,
		Outcome:            outcome,
		Correction:         correction,
		IdempotencyKey:     batch.IdempotencyKey,
		DeviceID:           batch.DeviceID,
		ClientModelName:    batch.ClientModel.Name,
		ClientModelVersion: batch.ClientModel.Version,
		CreatedAt:          timeNow(),
	})
	if err != nil {
		s.log.WithField("record_id", item.RecordID).Errorf("Canonical insert failed: %v", err)
		return models.ItemOutcome{
			RecordID: item.RecordID,
			Status:   models.OutcomeRejected,
			Reason:   "storage failure",
		}
	}

	if inserted {
		return models.ItemOutcome{
			RecordID:   item.RecordID,
			Status:     outcome,
			Correction: correction,
		}
	}

	// The row already exists. A replay of the same batch returns the stored
	// original outcome verbatim; a different submission of the same id is a
	// duplicate.
	if existing.IdempotencyKey == batch.IdempotencyKey {
		return models.ItemOutcome{
			RecordID:   item.RecordID,
			Status:     existing.Outcome,
			Correction: existing.Correction,
		}
	}
	return models.ItemOutcome{RecordID: item.RecordID, Status: models.OutcomeDuplicate}
}

// computeOutcome decides between accepted and corrected. Identification items
// are re-scored with the authoritative model when one is configured; if the
// top label disagrees with the client's, the authoritative result wins. A
// scorer failure degrades to accepted — the correction is advisory and must
// not fail the item.
func (s *ReconciliationService) computeOutcome(ctx context.Context, item models.BatchItem) (models.OutcomeStatus, json.RawMessage) {
	if item.Kind != models.KindIdentification || s.scorer == nil {
		return models.OutcomeAccepted, nil
	}

	var payload models.IdentificationPayload
	if err := json.Unmarshal(item.Payload, &payload); err != nil {
		return models.OutcomeAccepted, nil
	}

	candidates, err := s.scorer.Score(ctx, payload)
	if err != nil {
		s.log.WithField("record_id", item.RecordID).Warnf("Authoritative scoring failed: %v", err)
		return models.OutcomeAccepted, nil
	}
	if len(candidates) == 0 {
		return models.OutcomeAccepted, nil
	}

	authoritative := models.IdentificationPayload{Candidates: candidates}
	if authoritative.TopLabel() == payload.TopLabel() {
		return models.OutcomeAccepted, nil
	}

	correction, err := json.Marshal(authoritative)
	if err != nil {
		s.log.Errorf("Failed to encode correction for %s: %v", item.RecordID, err)
		return models.OutcomeAccepted, nil
	}
	return models.OutcomeCorrected, correction
}

// Stats returns ingestion totals for the sync status endpoint
func (s *ReconciliationService) Stats(ctx context.Context) (models.ServerSyncStatusResponse, error) {
	total, corrected, last, err := s.repo.Stats(ctx)
	if err != nil {
		return models.ServerSyncStatusResponse{}, fmt.Errorf("ingest stats: %w", err)
	}
	return models.ServerSyncStatusResponse{
		TotalRecords:     total,
		CorrectedRecords: corrected,
		LastIngestAt:     last,
	}, nil
}
