package repository

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
)

// busyTimeoutDSN carries the busy timeout in the DSN so every pooled
// connection waits for the write lock instead of surfacing SQLITE_BUSY. The
// worker and the model manager write to the device store concurrently.
const busyTimeoutDSN = "?_busy_timeout=5000"

// NewDeviceDB creates and initializes the device-side SQLite database holding
// local records and model artifact metadata. Synchronous mode stays FULL so a
// successful write survives a crash immediately after it.
func NewDeviceDB(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbPath+busyTimeoutDSN)
	if err != nil {
		return nil, err
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, err
		}
	}

	if err := createDeviceTables(db); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func createDeviceTables(db *sql.DB) error {
	schema := `
	-- Locally captured records awaiting reconciliation
	CREATE TABLE IF NOT EXISTS records (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		payload TEXT NOT NULL,
		device_ts DATETIME NOT NULL,
		sync_status TEXT NOT NULL DEFAULT 'pending',
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		server_correction TEXT,
		next_attempt_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_records_status_ts ON records(sync_status, device_ts);
	CREATE INDEX IF NOT EXISTS idx_records_next_attempt ON records(next_attempt_at);

	-- Model artifact lifecycle metadata (bytes live in the blob directory)
	CREATE TABLE IF NOT EXISTS model_artifacts (
		model_id TEXT PRIMARY KEY,
		version TEXT NOT NULL,
		size_bytes INTEGER NOT NULL,
		checksum TEXT NOT NULL,
		capabilities TEXT NOT NULL DEFAULT '[]',
		state TEXT NOT NULL DEFAULT 'not_downloaded',
		downloaded_at DATETIME,
		activated_at DATETIME,
		last_error TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_artifacts_state ON model_artifacts(state);
	`

	_, err := db.Exec(schema)
	return err
}

// NewSQLiteDB creates and initializes the server-side SQLite database. Used
// when no DATABASE_URL is configured; PostgreSQL is the production backend.
func NewSQLiteDB(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbPath+busyTimeoutDSN)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, err
	}

	if err := createServerTables(db); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func createServerTables(db *sql.DB) error {
	schema := `
	-- Canonical server-side records. record_id uniqueness is the exactly-once
	-- guard: ingestion inserts with ON CONFLICT DO NOTHING, never read-then-write.
	CREATE TABLE IF NOT EXISTS canonical_records (
		record_id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		payload TEXT NOT NULL,
		outcome TEXT NOT NULL,
		correction TEXT,
		idempotency_key TEXT NOT NULL,
		device_id TEXT,
		client_model_name TEXT,
		client_model_version TEXT,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_canonical_idem_key ON canonical_records(idempotency_key);
	CREATE INDEX IF NOT EXISTS idx_canonical_created ON canonical_records(created_at);
	`

	_, err := db.Exec(schema)
	return err
}
