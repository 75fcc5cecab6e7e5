package index

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/starford/sealbook/internal/apperr"
	"github.com/starford/sealbook/internal/checksum"
	"github.com/starford/sealbook/internal/parser"
)

// NoteRow represents a row in the notes table. Title is empty for notes of
// protected notebooks; only file metadata is indexed for those.
type NoteRow struct {
	Notebook  string
	ID        string
	Title     string
	Checksum  string
	Encrypted bool
	Size      int64
	UpdatedAt time.Time
}

// NoteKey identifies a note across notebooks.
type NoteKey struct {
	Notebook string
	ID       string
}

// SearchResult represents one search hit.
type SearchResult struct {
	Notebook string
	ID       string
	Title    string
	Snippet  string
}

// UpsertNote inserts or replaces a note and its FTS entry within a transaction.
func (db *DB) UpsertNote(n NoteRow, body string) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("index: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	if n.Encrypted {
		n.Title, body = "", ""
	}
	if n.UpdatedAt.IsZero() {
		n.UpdatedAt = time.Now()
	}

	// Upsert notes table (includes body for fallback search).
	_, err = tx.Exec(`
		INSERT INTO notes (notebook, id, title, checksum, encrypted, size, body, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(notebook, id) DO UPDATE SET
			title      = excluded.title,
			checksum   = excluded.checksum,
			encrypted  = excluded.encrypted,
			size       = excluded.size,
			body       = excluded.body,
			updated_at = excluded.updated_at
	`, n.Notebook, n.ID, n.Title, n.Checksum, n.Encrypted, n.Size, body, n.UpdatedAt)
	if err != nil {
		return fmt.Errorf("index: upsert note: %w", err)
	}

	// FTS upsert (no-op when FTS5 tag is absent).
	if err := ftsUpsert(tx, n.Notebook, n.ID, n.Title, body); err != nil {
		return err
	}

	return tx.Commit()
}

// DeleteNote removes a note and its FTS entry.
func (db *DB) DeleteNote(nb, id string) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("index: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	ftsDelete(tx, nb, id)
	if _, err := tx.Exec(`DELETE FROM notes WHERE notebook = ? AND id = ?`, nb, id); err != nil {
		return fmt.Errorf("index: delete note: %w", err)
	}
	return tx.Commit()
}

// DeleteNotebook removes every indexed note of nb.
func (db *DB) DeleteNotebook(nb string) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("index: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	ftsDeleteNotebook(tx, nb)
	if _, err := tx.Exec(`DELETE FROM notes WHERE notebook = ?`, nb); err != nil {
		return fmt.Errorf("index: delete notebook: %w", err)
	}
	return tx.Commit()
}

// GetChecksum returns the stored checksum for a note, or empty string if not found.
func (db *DB) GetChecksum(nb, id string) (string, error) {
	var cs string
	err := db.conn.QueryRow(`SELECT checksum FROM notes WHERE notebook = ? AND id = ?`, nb, id).Scan(&cs)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil // not found is fine
	}
	if err != nil {
		return "", fmt.Errorf("index: get checksum: %w", err)
	}
	return cs, nil
}

// GetNote returns the indexed row for a note.
func (db *DB) GetNote(nb, id string) (*NoteRow, error) {
	var r NoteRow
	err := db.conn.QueryRow(`
		SELECT notebook, id, title, checksum, encrypted, size, updated_at
		FROM notes WHERE notebook = ? AND id = ?
	`, nb, id).Scan(&r.Notebook, &r.ID, &r.Title, &r.Checksum, &r.Encrypted, &r.Size, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("index: note %s/%s: %w", nb, id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("index: get note: %w", err)
	}
	return &r, nil
}

// AllChecksums returns the checksum of every indexed note.
func (db *DB) AllChecksums() (map[NoteKey]string, error) {
	rows, err := db.conn.Query(`SELECT notebook, id, checksum FROM notes`)
	if err != nil {
		return nil, fmt.Errorf("index: all checksums: %w", err)
	}
	defer rows.Close()
	out := make(map[NoteKey]string)
	for rows.Next() {
		var k NoteKey
		var cs string
		if err := rows.Scan(&k.Notebook, &k.ID, &cs); err != nil {
			return nil, err
		}
		out[k] = cs
	}
	return out, rows.Err()
}

// FileOption tweaks IndexFile.
type FileOption func(*NoteRow)

// WithModTime sets the indexed modification time.
func WithModTime(t time.Time) FileOption {
	return func(r *NoteRow) { r.UpdatedAt = t }
}

// IndexFile indexes a raw note file. Payloads of protected notebooks are
// ciphertext; only their size and checksum are recorded.
func (db *DB) IndexFile(nb, id string, raw []byte, protected bool, opts ...FileOption) error {
	row := NoteRow{
		Notebook:  nb,
		ID:        id,
		Checksum:  checksum.Sum(raw),
		Encrypted: protected,
		Size:      int64(len(raw)),
	}
	for _, o := range opts {
		o(&row)
	}
	if protected {
		return db.UpsertNote(row, "")
	}
	res := parser.Parse(raw)
	row.Title = res.Title
	return db.UpsertNote(row, res.Content)
}
