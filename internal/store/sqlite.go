// ABOUTME: SQLite implementation of the store interfaces using modernc.org/sqlite
// ABOUTME: Creates the schema on open and enables WAL for file-backed databases

package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements AuditStore and NoteStore using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) the database at path.
// Parent directories are created if needed. ":memory:" opens a private
// in-memory database.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store")

	inMemory := path == ":memory:" || strings.Contains(path, "mode=memory")
	if !inMemory {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if inMemory {
		// each pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	} else {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling WAL mode: %w", err)
		}
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

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
		CREATE TABLE IF NOT EXISTS approval_decisions (
			id TEXT PRIMARY KEY,
			correlation_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			operation TEXT NOT NULL,
			resource TEXT NOT NULL,
			target TEXT NOT NULL DEFAULT '',
			outcome TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			channel TEXT NOT NULL DEFAULT '',
			decided_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_decisions_agent
			ON approval_decisions(agent_id, decided_at);

		CREATE INDEX IF NOT EXISTS idx_decisions_correlation
			ON approval_decisions(correlation_id);

		CREATE TABLE IF NOT EXISTS agent_spawns (
			id TEXT PRIMARY KEY,
			agent_type TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			parent_id TEXT NOT NULL DEFAULT '',
			thread_id TEXT NOT NULL DEFAULT '',
			instance_id TEXT NOT NULL DEFAULT '',
			pid INTEGER NOT NULL DEFAULT 0,
			outcome TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			started_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_spawns_thread
			ON agent_spawns(thread_id, started_at);

		CREATE TABLE IF NOT EXISTS agent_notes (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE (agent_id, key)
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *SQLiteStore) Ping() error {
	return s.db.Ping()
}
