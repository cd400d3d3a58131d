package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/plantsync/engine/internal/models"
	"github.com/plantsync/engine/internal/observability"
	"github.com/plantsync/engine/internal/repository"
)

// BatchSubmitter is the reconciliation boundary as seen from the device
type BatchSubmitter interface {
	SubmitBatch(ctx context.Context, batch models.SyncBatch) ([]models.ItemOutcome, error)
}

// SyncConfig holds the sync worker tuning knobs
type SyncConfig struct {
	MaxBatchSize          int
	MaxParallelBatches    int
	BaseDelay             time.Duration
	MaxDelay              time.Duration
	JitterMax             time.Duration
	MaxRetries            int
	BatchTimeout          time.Duration
	DrainInterval         time.Duration
	AutoAcceptCorrections bool
	ClientModel           models.ModelDescriptor
	DeviceID              string
}

// DefaultSyncConfig returns the default worker configuration
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		MaxBatchSize:          50,
		MaxParallelBatches:    3,
		BaseDelay:             2 * time.Second,
		MaxDelay:              5 * time.Minute,
		JitterMax:             500 * time.Millisecond,
		MaxRetries:            5,
		BatchTimeout:          30 * time.Second,
		DrainInterval:         time.Minute,
		AutoAcceptCorrections: true,
	}
}

// SyncWorker drains pending records from the local store into batches and
// reconciles them with the server. Status transitions follow the record state
// machine; the store's atomic pending->syncing claim guarantees no record is
// ever part of two in-flight batches.
type SyncWorker struct {
	records   repository.RecordRepo
	submitter BatchSubmitter
	cfg       SyncConfig
	events    *EventStream
	metrics   *observability.EngineMetrics
	log       *observability.Logger

	wake chan struct{}
	now  func() time.Time

	mu       sync.Mutex
	draining bool
}

// NewSyncWorker creates a new SyncWorker. Metrics are optional.
func NewSyncWorker(records repository.RecordRepo, submitter BatchSubmitter, events *EventStream, metrics *observability.EngineMetrics, cfg SyncConfig) *SyncWorker {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 50
	}
	if cfg.MaxParallelBatches <= 0 {
		cfg.MaxParallelBatches = 1
	}

	return &SyncWorker{
		records:   records,
		submitter: submitter,
		cfg:       cfg,
		events:    events,
		metrics:   metrics,
		log:       observability.WithField("component", "sync_worker"),
		wake:      make(chan struct{}, 1),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Recover requeues records left in syncing by a previous process. Must run
// before the worker starts; the re-formed batches reuse the same idempotency
// keys, so the server collapses anything the dead process already submitted.
func (w *SyncWorker) Recover(ctx context.Context) error {
	n, err := w.records.RequeueInFlight(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		w.log.Infof("Requeued %d in-flight records from previous run", n)
	}
	return nil
}

// Run drives the worker until the context is cancelled. Drains are triggered
// by Wake (connectivity restored, record enqueued) with a periodic fallback.
func (w *SyncWorker) Run(ctx context.Context) {
	interval := w.cfg.DrainInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.wake:
		case <-ticker.C:
		}

		if err := w.Drain(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.log.Warnf("Drain failed: %v", err)
		}
	}
}

// Wake requests an immediate drain without blocking
func (w *SyncWorker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Enqueue stores a freshly captured record and nudges the worker
func (w *SyncWorker) Enqueue(ctx context.Context, rec *models.LocalRecord) error {
	if err := w.records.Put(ctx, rec); err != nil {
		return err
	}
	if w.metrics != nil {
		w.metrics.RecordEnqueued(ctx, string(rec.Kind))
	}
	w.publishRecord(rec.ID, models.StatusPending, "")
	w.Wake()
	return nil
}

// Cancel withdraws a pending or syncing record from local tracking. An
// in-flight submission is allowed to complete, but its outcome is discarded:
// applying it would be an invalid transition out of cancelled.
func (w *SyncWorker) Cancel(ctx context.Context, id string) error {
	if err := w.records.UpdateStatus(ctx, id, models.StatusCancelled, "", nil); err != nil {
		return err
	}
	w.publishRecord(id, models.StatusCancelled, "")
	return nil
}

// Reset moves a failed or conflict record back to pending and wakes the worker
func (w *SyncWorker) Reset(ctx context.Context, id string) error {
	if err := w.records.Reset(ctx, id); err != nil {
		return err
	}
	w.publishRecord(id, models.StatusPending, "manual reset")
	w.Wake()
	return nil
}

// Drain performs one pass: select due records, claim them, submit batches in
// parallel and apply the outcomes. Only one drain runs at a time.
func (w *SyncWorker) Drain(ctx context.Context) error {
	w.mu.Lock()
	if w.draining {
		w.mu.Unlock()
		return nil
	}
	w.draining = true
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.draining = false
		w.mu.Unlock()
	}()

	ctx, span := observability.StartServiceSpan(ctx, "sync_worker", "drain")
	defer span.End()

	due, err := w.records.ListDue(ctx, w.now(), w.cfg.MaxBatchSize*w.cfg.MaxParallelBatches)
	if err != nil {
		observability.RecordError(span, err)
		return err
	}
	if len(due) == 0 {
		return nil
	}

	// Claim before batching: records that lose the claim (already in flight
	// or cancelled since selection) simply drop out of this pass.
	var claimed []*models.LocalRecord
	for _, rec := range due {
		ok, err := w.records.ClaimPending(ctx, rec.ID)
		if err != nil {
			observability.RecordError(span, err)
			return err
		}
		if ok {
			claimed = append(claimed, rec)
		}
	}
	if len(claimed) == 0 {
		return nil
	}

	batches := w.assembleBatches(claimed)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.MaxParallelBatches)
	for _, b := range batches {
		batch := b
		g.Go(func() error {
			w.submitOne(gctx, batch)
			return nil
		})
	}
	return g.Wait()
}

// inflightBatch pairs the wire batch with the claimed records it contains
type inflightBatch struct {
	batch   models.SyncBatch
	records []*models.LocalRecord
}

// assembleBatches chunks claimed records oldest-first into batches of at most
// MaxBatchSize. The idempotency key depends only on the chunk's record ids,
// so a retry of the same chunk reuses the same key.
func (w *SyncWorker) assembleBatches(claimed []*models.LocalRecord) []inflightBatch {
	var batches []inflightBatch
	for start := 0; start < len(claimed); start += w.cfg.MaxBatchSize {
		end := start + w.cfg.MaxBatchSize
		if end > len(claimed) {
			end = len(claimed)
		}
		chunk := claimed[start:end]

		items := make([]models.BatchItem, 0, len(chunk))
		ids := make([]string, 0, len(chunk))
		for _, rec := range chunk {
			items = append(items, models.BatchItem{
				RecordID: rec.ID,
				Kind:     rec.Kind,
				Payload:  rec.Payload,
				DeviceTS: rec.DeviceTS.Format(time.RFC3339Nano),
			})
			ids = append(ids, rec.ID)
		}

		batches = append(batches, inflightBatch{
			batch: models.SyncBatch{
				IdempotencyKey: models.IdempotencyKey(ids),
				Items:          items,
				ClientModel:    w.cfg.ClientModel,
				DeviceID:       w.cfg.DeviceID,
			},
			records: chunk,
		})
	}
	return batches
}

func (w *SyncWorker) submitOne(ctx context.Context, b inflightBatch) {
	subCtx := ctx
	var cancel context.CancelFunc
	if w.cfg.BatchTimeout > 0 {
		subCtx, cancel = context.WithTimeout(ctx, w.cfg.BatchTimeout)
		defer cancel()
	}

	log := w.log.WithField("batch_key", b.batch.IdempotencyKey)
	outcomes, err := w.submitter.SubmitBatch(subCtx, b.batch)
	if w.metrics != nil {
		w.metrics.RecordBatch(ctx, len(b.records), err == nil)
	}
	if err != nil {
		log.Warnf("Batch submission failed (%d records): %v", len(b.records), err)
		w.handleSubmitFailure(ctx, b, err)
		return
	}

	log.Debugf("Batch submitted (%d records)", len(b.records))
	if w.events != nil {
		w.events.Publish(Event{
			Type:     EventBatchSubmitted,
			BatchKey: b.batch.IdempotencyKey,
			Detail:   "submitted",
		})
	}
	w.applyOutcomes(ctx, b, outcomes)
}

// handleSubmitFailure applies the failure to every record of the batch. A
// timeout counts as transient: the server may already have committed the
// batch, and the stable idempotency key makes the retry safe.
func (w *SyncWorker) handleSubmitFailure(ctx context.Context, b inflightBatch, submitErr error) {
	transient := models.IsTransient(submitErr)

	for _, rec := range b.records {
		var err error
		switch {
		case !transient:
			err = w.transition(ctx, rec.ID, models.StatusFailed, submitErr.Error(), nil)
		case rec.RetryCount+1 >= w.cfg.MaxRetries:
			err = w.transition(ctx, rec.ID, models.StatusFailed, "retry limit exceeded: "+submitErr.Error(), nil)
		default:
			delay := BackoffDelay(w.cfg.BaseDelay, w.cfg.MaxDelay, rec.RetryCount) + Jitter(w.cfg.JitterMax)
			err = w.records.MarkRetry(ctx, rec.ID, submitErr.Error(), w.now().Add(delay))
			if err == nil {
				w.publishRecord(rec.ID, models.StatusPending, "retry scheduled")
			}
		}

		if err != nil && !errors.Is(err, models.ErrInvalidTransition) {
			w.log.Errorf("Failed to record outcome for %s: %v", rec.ID, err)
		}
	}
}

func (w *SyncWorker) applyOutcomes(ctx context.Context, b inflightBatch, outcomes []models.ItemOutcome) {
	byID := make(map[string]models.ItemOutcome, len(outcomes))
	for _, o := range outcomes {
		byID[o.RecordID] = o
	}

	for _, rec := range b.records {
		outcome, ok := byID[rec.ID]
		if !ok {
			// Contract violation: one outcome per submitted item. Retries
			// count against the same limit as transport failures.
			w.log.Errorf("Server returned no outcome for record %s", rec.ID)
			var err error
			if rec.RetryCount+1 >= w.cfg.MaxRetries {
				err = w.transition(ctx, rec.ID, models.StatusFailed, "retry limit exceeded: missing outcome", nil)
			} else {
				delay := BackoffDelay(w.cfg.BaseDelay, w.cfg.MaxDelay, rec.RetryCount) + Jitter(w.cfg.JitterMax)
				err = w.records.MarkRetry(ctx, rec.ID, "missing outcome", w.now().Add(delay))
			}
			if err != nil && !errors.Is(err, models.ErrInvalidTransition) {
				w.log.Errorf("Failed to requeue %s: %v", rec.ID, err)
			}
			continue
		}

		var err error
		switch outcome.Status {
		case models.OutcomeAccepted, models.OutcomeDuplicate:
			err = w.transition(ctx, rec.ID, models.StatusSynced, "", nil)
		case models.OutcomeCorrected:
			if w.metrics != nil {
				w.metrics.RecordCorrection(ctx, string(rec.Kind))
			}
			if w.cfg.AutoAcceptCorrections {
				err = w.transition(ctx, rec.ID, models.StatusSynced, "", outcome.Correction)
			} else {
				err = w.transition(ctx, rec.ID, models.StatusConflict, "", outcome.Correction)
			}
		case models.OutcomeRejected:
			err = w.transition(ctx, rec.ID, models.StatusFailed, outcome.Reason, nil)
		default:
			err = w.transition(ctx, rec.ID, models.StatusFailed, "unknown outcome: "+string(outcome.Status), nil)
		}

		if errors.Is(err, models.ErrInvalidTransition) {
			// Cancelled while in flight: the late outcome is discarded
			w.log.Debugf("Discarding outcome for record %s: %v", rec.ID, err)
			continue
		}
		if err != nil {
			w.log.Errorf("Failed to apply outcome for %s: %v", rec.ID, err)
		}
	}
}

func (w *SyncWorker) transition(ctx context.Context, id string, next models.SyncStatus, lastError string, correction json.RawMessage) error {
	if err := w.records.UpdateStatus(ctx, id, next, lastError, correction); err != nil {
		return err
	}
	w.publishRecord(id, next, lastError)
	return nil
}

func (w *SyncWorker) publishRecord(id string, status models.SyncStatus, detail string) {
	if w.events == nil {
		return
	}
	w.events.Publish(Event{
		Type:     EventRecordStatus,
		RecordID: id,
		Status:   string(status),
		Detail:   detail,
	})
}
