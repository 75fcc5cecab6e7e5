// Package index provides the SQLite database that backs app preferences and the
// note metadata/search index, with optional FTS5 full-text search.
package index

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Preferences are rewritten whole on every mutation; the notes table is a
// cache that Sync can rebuild from the notes tree at any time.
const coreSchemaSQL = `
CREATE TABLE IF NOT EXISTS preferences (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS notes (
	notebook   TEXT NOT NULL,
	id         TEXT NOT NULL,
	title      TEXT NOT NULL DEFAULT '',
	checksum   TEXT NOT NULL DEFAULT '',
	encrypted  INTEGER NOT NULL DEFAULT 0,
	size       INTEGER NOT NULL DEFAULT 0,
	body       TEXT NOT NULL DEFAULT '',
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (notebook, id)
);

CREATE INDEX IF NOT EXISTS idx_notes_notebook ON notes(notebook);
CREATE INDEX IF NOT EXISTS idx_notes_updated ON notes(updated_at DESC);
`

// DB wraps a sql.DB with index-specific operations.
type DB struct {
	conn *sql.DB
}

func dsn(path string) string {
	return "file:" + path + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=FULL"
}

// Open opens (or creates) the SQLite database at path and applies the schema.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("index: open %s: %w", path, err)
	}
	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) migrate() error {
	if err := db.conn.Ping(); err != nil {
		return fmt.Errorf("index: ping: %w", err)
	}
	if _, err := db.conn.Exec(coreSchemaSQL); err != nil {
		return fmt.Errorf("index: apply core schema: %w", err)
	}
	if err := initFTS(db.conn); err != nil {
		return fmt.Errorf("index: apply fts schema: %w", err)
	}
	return nil
}

// Ping checks that the database is reachable.
func (db *DB) Ping() error {
	return db.conn.Ping()
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}
