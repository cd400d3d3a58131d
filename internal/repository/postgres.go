package repository

import (
	"database/sql"

	_ "github.com/lib/pq"
)

// NewPostgresDB creates and initializes a PostgreSQL database connection for
// the reconciliation server.
func NewPostgresDB(connStr string) (*sql.DB, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	if err := createPostgresTables(db); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func createPostgresTables(db *sql.DB) error {
	schema := `
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
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_canonical_idem_key ON canonical_records(idempotency_key);
	CREATE INDEX IF NOT EXISTS idx_canonical_created ON canonical_records(created_at);
	`

	_, err := db.Exec(schema)
	return err
}
