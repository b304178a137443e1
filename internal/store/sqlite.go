// ABOUTME: SQLite implementation of the Ledger interface using modernc.org/sqlite
// ABOUTME: Opens the database in WAL mode and creates the schema automatically

package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Ledger interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Connection watchers append concurrently; one writer avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS connection_events (
			seq         INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id    TEXT NOT NULL UNIQUE,
			kind        TEXT NOT NULL,
			agent_id    TEXT NOT NULL DEFAULT '',
			instance_id TEXT NOT NULL DEFAULT '',
			remote_addr TEXT NOT NULL DEFAULT '',
			reason      TEXT NOT NULL DEFAULT '',
			ts          TEXT NOT NULL,

			CHECK (kind IN ('connected', 'disconnected', 'rejected'))
		);

		CREATE INDEX IF NOT EXISTS idx_connection_events_agent
			ON connection_events(agent_id, ts);

		CREATE INDEX IF NOT EXISTS idx_connection_events_ts
			ON connection_events(ts);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}
