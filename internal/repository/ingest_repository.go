package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/plantsync/engine/internal/models"
)

// IngestRepository is the server-side IngestRepo implementation. The SQL uses
// $N placeholders and ON CONFLICT, which both SQLite and PostgreSQL accept,
// so one repository serves either backend.
type IngestRepository struct {
	db DB
}

// NewIngestRepository creates a new IngestRepository
func NewIngestRepository(db DB) *IngestRepository {
	return &IngestRepository{db: db}
}

// InsertIfAbsent inserts the record guarded by the record_id primary key.
// The insert-if-absent is a single statement, not a read-then-write, so two
// concurrent identical submissions cannot both create a canonical row. When
// the row already exists the stored record is returned for replay.
func (r *IngestRepository) InsertIfAbsent(ctx context.Context, rec *CanonicalRecord) (bool, *CanonicalRecord, error) {
	query := `INSERT INTO canonical_records
			(record_id, kind, payload, outcome, correction, idempotency_key,
			 device_id, client_model_name, client_model_version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (record_id) DO NOTHING`

	res, err := r.db.ExecContext(ctx, query,
		rec.RecordID,
		string(rec.Kind),
		string(rec.Payload),
		string(rec.Outcome),
		nullBytes(rec.Correction),
		rec.IdempotencyKey,
		nullString(rec.DeviceID),
		nullString(rec.ClientModelName),
		nullString(rec.ClientModelVersion),
		rec.CreatedAt.UTC(),
	)
	if err != nil {
		return false, nil, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, nil, err
	}
	if n == 1 {
		return true, nil, nil
	}

	existing, err := r.get(ctx, rec.RecordID)
	if err != nil {
		return false, nil, err
	}
	return false, existing, nil
}

// Stats returns ingestion totals for the status endpoint
func (r *IngestRepository) Stats(ctx context.Context) (int, int, *time.Time, error) {
	var total, corrected int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*),
			COUNT(CASE WHEN outcome = $1 THEN 1 END)
		FROM canonical_records`,
		string(models.OutcomeCorrected),
	).Scan(&total, &corrected)
	if err != nil {
		return 0, 0, nil, err
	}

	// Plain column select so the driver keeps the timestamp type; an
	// aggregate expression would come back untyped from SQLite.
	var lastIngest *time.Time
	var last time.Time
	err = r.db.QueryRowContext(ctx,
		`SELECT created_at FROM canonical_records ORDER BY created_at DESC LIMIT 1`,
	).Scan(&last)
	if err != nil && err != sql.ErrNoRows {
		return 0, 0, nil, err
	}
	if err == nil {
		lastIngest = &last
	}
	return total, corrected, lastIngest, nil
}

func (r *IngestRepository) get(ctx context.Context, recordID string) (*CanonicalRecord, error) {
	query := `SELECT record_id, kind, payload, outcome, correction, idempotency_key,
			device_id, client_model_name, client_model_version, created_at
		FROM canonical_records WHERE record_id = $1`

	var rec CanonicalRecord
	var kind, outcome, payload string
	var correction, deviceID, modelName, modelVersion sql.NullString

	err := r.db.QueryRowContext(ctx, query, recordID).Scan(
		&rec.RecordID,
		&kind,
		&payload,
		&outcome,
		&correction,
		&rec.IdempotencyKey,
		&deviceID,
		&modelName,
		&modelVersion,
		&rec.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rec.Kind = models.RecordKind(kind)
	rec.Outcome = models.OutcomeStatus(outcome)
	rec.Payload = json.RawMessage(payload)
	if correction.Valid {
		rec.Correction = json.RawMessage(correction.String)
	}
	rec.DeviceID = deviceID.String
	rec.ClientModelName = modelName.String
	rec.ClientModelVersion = modelVersion.String
	return &rec, nil
}
