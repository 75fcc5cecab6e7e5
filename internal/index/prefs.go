package index

import (
	"database/sql"
	"errors"
	"fmt"
)

// GetPref returns the value stored under key and whether it was present.
func (db *DB) GetPref(key string) (string, bool, error) {
	var v string
	err := db.conn.QueryRow(`SELECT value FROM preferences WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("index: get pref %s: %w", key, err)
	}
	return v, true, nil
}

// PutPref stores value under key, replacing any previous value.
func (db *DB) PutPref(key, value string) error {
	_, err := db.conn.Exec(`
		INSERT INTO preferences (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("index: put pref %s: %w", key, err)
	}
	return nil
}

// DeletePref removes key. Removing an absent key is not an error.
func (db *DB) DeletePref(key string) error {
	if _, err := db.conn.Exec(`DELETE FROM preferences WHERE key = ?`, key); err != nil {
		return fmt.Errorf("index: delete pref %s: %w", key, err)
	}
	return nil
}
