package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/plantsync/engine/internal/models"
)

// RecordRepository is the SQLite-backed RecordRepo implementation
type RecordRepository struct {
	db DB
}

// NewRecordRepository creates a new RecordRepository
func NewRecordRepository(db DB) *RecordRepository {
	return &RecordRepository{db: db}
}

const recordColumns = `id, kind, payload, device_ts, sync_status, retry_count,
	last_error, server_correction, next_attempt_at, created_at, updated_at`

// Put inserts a new pending record. A duplicate id is an idempotent no-op:
// capture code may safely re-submit after a crash without checking first.
func (r *RecordRepository) Put(ctx context.Context, rec *models.LocalRecord) error {
	query := `INSERT INTO records (id, kind, payload, device_ts, sync_status, retry_count,
			last_error, server_correction, next_attempt_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`

	_, err := r.db.ExecContext(ctx, query,
		rec.ID,
		string(rec.Kind),
		string(rec.Payload),
		rec.DeviceTS,
		string(rec.SyncStatus),
		rec.RetryCount,
		nullString(rec.LastError),
		nullBytes(rec.ServerCorrection),
		rec.NextAttemptAt,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	return err
}

// Get retrieves a record by id
func (r *RecordRepository) Get(ctx context.Context, id string) (*models.LocalRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM records WHERE id = ?`
	return scanRecord(r.db.QueryRowContext(ctx, query, id))
}

// ListByStatus returns records in the given status ordered by device_ts then
// id ascending. Passing the last seen id as afterID restarts the scan from
// just past that record. The cursor compares on (device_ts, id), the full
// ordering key: an id-only cursor would skip backdated captures enqueued
// after newer ones.
func (r *RecordRepository) ListByStatus(ctx context.Context, status models.SyncStatus, afterID string, limit int) ([]*models.LocalRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM records
		WHERE sync_status = ?
		ORDER BY device_ts ASC, id ASC
		LIMIT ?`
	args := []interface{}{string(status), limit}

	if afterID != "" {
		var afterTS time.Time
		err := r.db.QueryRowContext(ctx, "SELECT device_ts FROM records WHERE id = ?", afterID).Scan(&afterTS)
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: cursor record %s", models.ErrNotFound, afterID)
		}
		if err != nil {
			return nil, err
		}

		query = `SELECT ` + recordColumns + ` FROM records
			WHERE sync_status = ? AND (device_ts > ? OR (device_ts = ? AND id > ?))
			ORDER BY device_ts ASC, id ASC
			LIMIT ?`
		args = []interface{}{string(status), afterTS, afterTS, afterID, limit}
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

// ListDue returns pending records whose backoff window has elapsed, oldest
// capture first.
func (r *RecordRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*models.LocalRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM records
		WHERE sync_status = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		ORDER BY device_ts ASC, id ASC
		LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, string(models.StatusPending), now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

// UpdateStatus applies a status transition after validating it against the
// state machine. The read and write share one transaction so concurrent
// transitions for the same record serialize.
func (r *RecordRepository) UpdateStatus(ctx context.Context, id string, next models.SyncStatus, lastError string, correction json.RawMessage) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT sync_status FROM records WHERE id = ?", id).Scan(&current)
	if err == sql.ErrNoRows {
		return models.ErrNotFound
	}
	if err != nil {
		return err
	}

	if !models.SyncStatus(current).CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, current, next)
	}

	query := `UPDATE records SET sync_status = ?, last_error = ?, updated_at = ?, next_attempt_at = NULL`
	args := []interface{}{string(next), nullString(lastError), time.Now().UTC()}

	if len(correction) > 0 {
		query += `, server_correction = ?`
		args = append(args, string(correction))
	}
	// retry_count resets only on terminal synced/cancelled
	if next == models.StatusSynced || next == models.StatusCancelled {
		query += `, retry_count = 0`
	}
	query += ` WHERE id = ?`
	args = append(args, id)

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return err
	}
	return tx.Commit()
}

// ClaimPending atomically moves a pending record into syncing. The guarded
// UPDATE is the at-most-one-in-flight enforcement: a record claimed by one
// batch can never be selected into another until its outcome resolves.
func (r *RecordRepository) ClaimPending(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE records SET sync_status = ?, updated_at = ? WHERE id = ? AND sync_status = ?`,
		string(models.StatusSyncing), time.Now().UTC(), id, string(models.StatusPending),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MarkRetry returns a syncing record to pending after a retryable failure,
// incrementing retry_count and scheduling the next attempt.
func (r *RecordRepository) MarkRetry(ctx context.Context, id string, lastError string, nextAttempt time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE records SET sync_status = ?, retry_count = retry_count + 1,
			last_error = ?, next_attempt_at = ?, updated_at = ?
		WHERE id = ? AND sync_status = ?`,
		string(models.StatusPending), nullString(lastError), nextAttempt.UTC(), time.Now().UTC(),
		id, string(models.StatusSyncing),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// The record was cancelled or otherwise moved while in flight
		return fmt.Errorf("%w: record %s is not syncing", models.ErrInvalidTransition, id)
	}
	return nil
}

// Reset moves a failed or conflict record back to pending with retry_count
// zeroed. This is the manual/explicit reset path.
func (r *RecordRepository) Reset(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT sync_status FROM records WHERE id = ?", id).Scan(&current)
	if err == sql.ErrNoRows {
		return models.ErrNotFound
	}
	if err != nil {
		return err
	}

	cur := models.SyncStatus(current)
	if cur != models.StatusFailed && cur != models.StatusConflict {
		return fmt.Errorf("%w: reset from %s", models.ErrInvalidTransition, current)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE records SET sync_status = ?, retry_count = 0, last_error = NULL,
			next_attempt_at = NULL, updated_at = ? WHERE id = ?`,
		string(models.StatusPending), time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// RequeueInFlight returns all syncing records to pending. Only called at
// startup, before the worker runs, so no submission can be in flight.
func (r *RecordRepository) RequeueInFlight(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE records SET sync_status = ?, updated_at = ? WHERE sync_status = ?`,
		string(models.StatusPending), time.Now().UTC(), string(models.StatusSyncing),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Delete removes a record by id
func (r *RecordRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM records WHERE id = ?", id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return models.ErrNotFound
	}
	return nil
}

// PurgeTerminal removes synced and cancelled records whose last update is
// older than the cutoff. Used by the retention sweep only.
func (r *RecordRepository) PurgeTerminal(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM records WHERE sync_status IN (?, ?) AND updated_at < ?`,
		string(models.StatusSynced), string(models.StatusCancelled), olderThan.UTC(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountByStatus returns record counts grouped by sync status
func (r *RecordRepository) CountByStatus(ctx context.Context) (map[models.SyncStatus]int, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT sync_status, COUNT(*) FROM records GROUP BY sync_status")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[models.SyncStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[models.SyncStatus(status)] = n
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*models.LocalRecord, error) {
	var rec models.LocalRecord
	var kind, status, payload string
	var lastError, correction sql.NullString
	var nextAttempt sql.NullTime

	err := row.Scan(
		&rec.ID,
		&kind,
		&payload,
		&rec.DeviceTS,
		&status,
		&rec.RetryCount,
		&lastError,
		&correction,
		&nextAttempt,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rec.Kind = models.RecordKind(kind)
	rec.SyncStatus = models.SyncStatus(status)
	rec.Payload = json.RawMessage(payload)
	if lastError.Valid {
		rec.LastError = lastError.String
	}
	if correction.Valid {
		rec.ServerCorrection = json.RawMessage(correction.String)
	}
	if nextAttempt.Valid {
		t := nextAttempt.Time
		rec.NextAttemptAt = &t
	}
	return &rec, nil
}

func scanRecords(rows *sql.Rows) ([]*models.LocalRecord, error) {
	var records []*models.LocalRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullBytes(b json.RawMessage) sql.NullString {
	return sql.NullString{String: string(b), Valid: len(b) > 0}
}
