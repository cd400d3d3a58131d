package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/plantsync/engine/internal/models"
)

// DB is the database surface the repositories run on. Both *sql.DB and the
// traced wrapper satisfy it.
type DB interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// RecordRepo is the durable store of locally captured records and their sync
// status. All mutations go through this contract; nothing reaches into the
// tables directly.
type RecordRepo interface {
	// Put inserts a new record with status pending. Re-inserting an existing
	// id is an idempotent no-op (documented choice over returning an error).
	Put(ctx context.Context, rec *models.LocalRecord) error
	Get(ctx context.Context, id string) (*models.LocalRecord, error)
	// ListByStatus returns records in the given status ordered by device_ts
	// ascending. afterID restarts the scan past a previously seen record.
	ListByStatus(ctx context.Context, status models.SyncStatus, afterID string, limit int) ([]*models.LocalRecord, error)
	// ListDue returns pending records whose next attempt is due, oldest first
	ListDue(ctx context.Context, now time.Time, limit int) ([]*models.LocalRecord, error)
	// UpdateStatus applies a transition, validating it against the state
	// machine. Terminal synced/cancelled transitions reset retry_count.
	UpdateStatus(ctx context.Context, id string, next models.SyncStatus, lastError string, correction json.RawMessage) error
	// ClaimPending atomically moves a pending record to syncing. Returns
	// false when the record was already claimed, cancelled or absent, which
	// keeps any record out of two concurrently in-flight batches.
	ClaimPending(ctx context.Context, id string) (bool, error)
	// MarkRetry returns a syncing record to pending, increments retry_count
	// and schedules the next attempt.
	MarkRetry(ctx context.Context, id string, lastError string, nextAttempt time.Time) error
	// Reset moves a failed or conflict record back to pending with
	// retry_count zeroed.
	Reset(ctx context.Context, id string) error
	// RequeueInFlight returns all syncing records to pending without touching
	// retry_count. Called once at startup: after a restart nothing is in
	// flight, and re-selecting the same records reproduces the same batches
	// and idempotency keys.
	RequeueInFlight(ctx context.Context) (int64, error)
	Delete(ctx context.Context, id string) error
	// PurgeTerminal removes synced and cancelled records older than the
	// cutoff. This is the retention sweep; sync logic never deletes.
	PurgeTerminal(ctx context.Context, olderThan time.Time) (int64, error)
	CountByStatus(ctx context.Context) (map[models.SyncStatus]int, error)
}

// ArtifactRepo persists model artifact lifecycle metadata
type ArtifactRepo interface {
	// UpsertCatalog inserts catalog metadata for a new model or refreshes the
	// catalog fields of a known one without touching its lifecycle state.
	UpsertCatalog(ctx context.Context, entry models.CatalogEntry) error
	Get(ctx context.Context, modelID string) (*models.ModelArtifact, error)
	List(ctx context.Context) ([]*models.ModelArtifact, error)
	// SetState applies a lifecycle transition, validating it against the
	// artifact state machine.
	SetState(ctx context.Context, modelID string, next models.ArtifactState, lastError string) error
	MarkDownloaded(ctx context.Context, modelID string, at time.Time) error
	// SwapActive atomically deprecates the current active artifact (if any)
	// and activates newID in a single transaction.
	SwapActive(ctx context.Context, newID string, at time.Time) error
	// TotalBytes sums size_bytes over artifacts in the given states
	TotalBytes(ctx context.Context, states ...models.ArtifactState) (int64, error)
	// EvictionCandidates returns non-active artifacts holding bytes, least
	// recently activated first.
	EvictionCandidates(ctx context.Context) ([]*models.ModelArtifact, error)
}

// CanonicalRecord is one server-side record created by batch ingestion
type CanonicalRecord struct {
	RecordID           string
	Kind               models.RecordKind
	Payload            json.RawMessage
	Outcome            models.OutcomeStatus
	Correction         json.RawMessage
	IdempotencyKey     string
	DeviceID           string
	ClientModelName    string
	ClientModelVersion string
	CreatedAt          time.Time
}

// IngestRepo is the server-side store behind the reconciliation boundary
type IngestRepo interface {
	// InsertIfAbsent inserts rec guarded by the record_id uniqueness
	// constraint. When the row already exists the stored record is returned
	// instead, so replays can reproduce the original outcome.
	InsertIfAbsent(ctx context.Context, rec *CanonicalRecord) (inserted bool, existing *CanonicalRecord, err error)
	Stats(ctx context.Context) (total int, corrected int, lastIngest *time.Time, err error)
}
