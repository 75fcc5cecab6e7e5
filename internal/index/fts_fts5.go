//go:build sqlite_fts5

package index

import (
	"database/sql"
	"fmt"
	"strings"
)

const ftsSchemaSQL = `
CREATE VIRTUAL TABLE IF NOT EXISTS notes_fts USING fts5(
	notebook UNINDEXED,
	id UNINDEXED,
	title,
	body,
	tokenize = 'unicode61 remove_diacritics 2'
);`

func initFTS(conn *sql.DB) error {
	_, err := conn.Exec(ftsSchemaSQL)
	return err
}

// ftsUpsert replaces the text row of a note. Notes without text (protected
// notebooks) get no row at all.
func ftsUpsert(tx *sql.Tx, nb, id, title, body string) error {
	ftsDelete(tx, nb, id)
	if title == "" && body == "" {
		return nil
	}
	if _, err := tx.Exec(`INSERT INTO notes_fts (notebook, id, title, body) VALUES (?, ?, ?, ?)`,
		nb, id, title, body); err != nil {
		return fmt.Errorf("index: upsert fts: %w", err)
	}
	return nil
}

func ftsDelete(tx *sql.Tx, nb, id string) {
	_, _ = tx.Exec(`DELETE FROM notes_fts WHERE notebook = ? AND id = ?`, nb, id)
}

func ftsDeleteNotebook(tx *sql.Tx, nb string) {
	_, _ = tx.Exec(`DELETE FROM notes_fts WHERE notebook = ?`, nb)
}

// matchExpr quotes every word so user input never parses as FTS5 syntax.
func matchExpr(terms []string) string {
	quoted := make([]string, len(terms))
	for i, t := range terms {
		quoted[i] = `"` + t + `"`
	}
	return strings.Join(quoted, " ")
}

// Search runs an FTS5 query and returns ranked hits with highlighted snippets.
func (db *DB) Search(query string, limit int) ([]SearchResult, error) {
	terms := searchTerms(query)
	if len(terms) == 0 {
		return nil, nil
	}
	rows, err := db.conn.Query(`
		SELECT notebook, id, title,
		       snippet(notes_fts, 3, '<b>', '</b>', '...', 64)
		FROM notes_fts
		WHERE notes_fts MATCH ?
		ORDER BY rank
		LIMIT ?`, matchExpr(terms), searchLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("index: search: %w", err)
	}
	return scanResults(rows)
}
