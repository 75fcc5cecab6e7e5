package index

import (
	"database/sql"
	"fmt"
	"strings"
)

const (
	defaultSearchLimit = 20
	maxSearchLimit     = 100
)

func searchLimit(n int) int {
	switch {
	case n <= 0:
		return defaultSearchLimit
	case n > maxSearchLimit:
		return maxSearchLimit
	}
	return n
}

// searchTerms splits a user query into plain words. Operators and quotes are
// treated as separators so every query is a literal word search.
func searchTerms(query string) []string {
	return strings.FieldsFunc(query, func(r rune) bool {
		switch r {
		case '"', '*', '(', ')', ':', '^', '{', '}', '+', '-':
			return true
		}
		return r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
}

func scanResults(rows *sql.Rows) ([]SearchResult, error) {
	defer rows.Close()
	var out []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(&r.Notebook, &r.ID, &r.Title, &r.Snippet); err != nil {
			return nil, fmt.Errorf("index: scan search hit: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
