package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/plantsync/engine/internal/models"
)

// ArtifactRepository is the SQLite-backed ArtifactRepo implementation
type ArtifactRepository struct {
	db DB
}

// NewArtifactRepository creates a new ArtifactRepository
func NewArtifactRepository(db DB) *ArtifactRepository {
	return &ArtifactRepository{db: db}
}

const artifactColumns = `model_id, version, size_bytes, checksum, capabilities,
	state, downloaded_at, activated_at, last_error`

// UpsertCatalog inserts a newly published model or refreshes the catalog
// fields of a known one. Lifecycle state is untouched on update; a version
// bump for an artifact that still holds bytes is the upgrade path and goes
// through evict + download.
func (r *ArtifactRepository) UpsertCatalog(ctx context.Context, entry models.CatalogEntry) error {
	caps, err := json.Marshal(entry.Capabilities)
	if err != nil {
		return err
	}

	query := `INSERT INTO model_artifacts (model_id, version, size_bytes, checksum, capabilities, state)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(model_id) DO UPDATE SET
			version = excluded.version,
			size_bytes = excluded.size_bytes,
			checksum = excluded.checksum,
			capabilities = excluded.capabilities`

	_, err = r.db.ExecContext(ctx, query,
		entry.ModelID,
		entry.Version,
		entry.SizeBytes,
		entry.Checksum,
		string(caps),
		string(models.ArtifactNotDownloaded),
	)
	return err
}

// Get retrieves artifact metadata by model id
func (r *ArtifactRepository) Get(ctx context.Context, modelID string) (*models.ModelArtifact, error) {
	query := `SELECT ` + artifactColumns + ` FROM model_artifacts WHERE model_id = ?`
	return scanArtifact(r.db.QueryRowContext(ctx, query, modelID))
}

// List returns all known artifacts
func (r *ArtifactRepository) List(ctx context.Context) ([]*models.ModelArtifact, error) {
	query := `SELECT ` + artifactColumns + ` FROM model_artifacts ORDER BY model_id`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanArtifacts(rows)
}

// SetState applies a lifecycle transition after validating it
func (r *ArtifactRepository) SetState(ctx context.Context, modelID string, next models.ArtifactState, lastError string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT state FROM model_artifacts WHERE model_id = ?", modelID).Scan(&current)
	if err == sql.ErrNoRows {
		return models.ErrModelNotFound
	}
	if err != nil {
		return err
	}

	if !models.ArtifactState(current).CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", models.ErrInvalidModelState, current, next)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE model_artifacts SET state = ?, last_error = ? WHERE model_id = ?`,
		string(next), nullString(lastError), modelID,
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// MarkDownloaded stamps the download completion time
func (r *ArtifactRepository) MarkDownloaded(ctx context.Context, modelID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE model_artifacts SET downloaded_at = ? WHERE model_id = ?`,
		at.UTC(), modelID)
	return err
}

// SwapActive deprecates the currently active artifact (if any) and activates
// newID in a single transaction, so the store never holds two active rows.
func (r *ArtifactRepository) SwapActive(ctx context.Context, newID string, at time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var state string
	err = tx.QueryRowContext(ctx, "SELECT state FROM model_artifacts WHERE model_id = ?", newID).Scan(&state)
	if err == sql.ErrNoRows {
		return models.ErrModelNotFound
	}
	if err != nil {
		return err
	}
	if models.ArtifactState(state) != models.ArtifactReady {
		return fmt.Errorf("%w: %s is %s", models.ErrModelNotReady, newID, state)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE model_artifacts SET state = ? WHERE state = ?`,
		string(models.ArtifactDeprecated), string(models.ArtifactActive),
	); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE model_artifacts SET state = ?, activated_at = ? WHERE model_id = ?`,
		string(models.ArtifactActive), at.UTC(), newID,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// TotalBytes sums artifact sizes over the given states
func (r *ArtifactRepository) TotalBytes(ctx context.Context, states ...models.ArtifactState) (int64, error) {
	if len(states) == 0 {
		return 0, nil
	}

	query := `SELECT COALESCE(SUM(size_bytes), 0) FROM model_artifacts WHERE state IN (?` +
		repeat(",?", len(states)-1) + `)`
	args := make([]interface{}, len(states))
	for i, s := range states {
		args[i] = string(s)
	}

	var total int64
	err := r.db.QueryRowContext(ctx, query, args...).Scan(&total)
	return total, err
}

// EvictionCandidates returns non-active artifacts that hold bytes, least
// recently activated first (never-activated ones sort before all others).
func (r *ArtifactRepository) EvictionCandidates(ctx context.Context) ([]*models.ModelArtifact, error) {
	query := `SELECT ` + artifactColumns + ` FROM model_artifacts
		WHERE state IN (?, ?)
		ORDER BY activated_at IS NOT NULL, activated_at ASC, downloaded_at ASC`

	rows, err := r.db.QueryContext(ctx, query,
		string(models.ArtifactReady), string(models.ArtifactDeprecated))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanArtifacts(rows)
}

func scanArtifact(row rowScanner) (*models.ModelArtifact, error) {
	var a models.ModelArtifact
	var state, caps string
	var downloadedAt, activatedAt sql.NullTime
	var lastError sql.NullString

	err := row.Scan(
		&a.ModelID,
		&a.Version,
		&a.SizeBytes,
		&a.Checksum,
		&caps,
		&state,
		&downloadedAt,
		&activatedAt,
		&lastError,
	)
	if err == sql.ErrNoRows {
		return nil, models.ErrModelNotFound
	}
	if err != nil {
		return nil, err
	}

	a.State = models.ArtifactState(state)
	if err := json.Unmarshal([]byte(caps), &a.Capabilities); err != nil {
		return nil, err
	}
	if downloadedAt.Valid {
		t := downloadedAt.Time
		a.DownloadedAt = &t
	}
	if activatedAt.Valid {
		t := activatedAt.Time
		a.ActivatedAt = &t
	}
	if lastError.Valid {
		a.LastError = lastError.String
	}
	return &a, nil
}

func scanArtifacts(rows *sql.Rows) ([]*models.ModelArtifact, error) {
	var artifacts []*models.ModelArtifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}

func repeat(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}
