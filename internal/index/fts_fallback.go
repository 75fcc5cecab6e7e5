//go:build !sqlite_fts5

package index

import (
	"database/sql"
	"fmt"
	"strings"
)

func initFTS(_ *sql.DB) error { return nil }

// Bodies already live in notes.body; the fallback keeps no separate table.
func ftsUpsert(_ *sql.Tx, _, _, _, _ string) error { return nil }

func ftsDelete(_ *sql.Tx, _, _ string) {}

func ftsDeleteNotebook(_ *sql.Tx, _ string) {}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// Search matches notes whose title or body contains every query word.
// Notes of protected notebooks have no indexed text and never match.
func (db *DB) Search(query string, limit int) ([]SearchResult, error) {
	terms := searchTerms(query)
	if len(terms) == 0 {
		return nil, nil
	}
	var (
		where []string
		args  []any
	)
	for _, term := range terms {
		like := "%" + likeEscaper.Replace(term) + "%"
		where = append(where, `(title LIKE ? ESCAPE '\' OR body LIKE ? ESCAPE '\')`)
		args = append(args, like, like)
	}
	args = append(args, searchLimit(limit))

	rows, err := db.conn.Query(`
		SELECT notebook, id, title, substr(body, 1, 200)
		FROM notes
		WHERE encrypted = 0 AND `+strings.Join(where, " AND ")+`
		ORDER BY updated_at DESC, notebook, id
		LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("index: search: %w", err)
	}
	return scanResults(rows)
}
